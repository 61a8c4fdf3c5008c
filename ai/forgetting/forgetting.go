// Package forgetting implements propagated forgetting: when an entry is
// actively removed or demoted in one store, semantically related items in
// the other stores are flagged for review so contradictory information does
// not quietly persist. This component never deletes data it does not own.
package forgetting

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/ai/embed"
	"github.com/hrygo/mnemod/ai/metrics"
	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
)

// Config holds the per-store similarity bounds. The raw store holds close
// paraphrases of original exchanges, so its bound is stricter than the
// knowledge store's.
type Config struct {
	RawBound       float64
	KnowledgeBound float64

	// MaxFlagsPerSource caps the fan-out of one propagation.
	MaxFlagsPerSource int
}

// ConfigFromProfile builds the forgetting config from the instance profile.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		RawBound:          p.ForgetRawBound,
		KnowledgeBound:    p.ForgetKnowledgeBound,
		MaxFlagsPerSource: 20,
	}
}

// Service fans out review flags from removed or demoted entries.
type Service struct {
	store     *store.Store
	embedder  embed.Service
	collector *metrics.Collector
	cfg       Config
}

// New validates the bounds and returns a service.
func New(cfg Config, st *store.Store, embedder embed.Service, collector *metrics.Collector) (*Service, error) {
	if cfg.RawBound <= 0 || cfg.RawBound > 1 {
		return nil, errors.Errorf("raw similarity bound must be in (0,1], got %v", cfg.RawBound)
	}
	if cfg.KnowledgeBound <= 0 || cfg.KnowledgeBound > 1 {
		return nil, errors.Errorf("knowledge similarity bound must be in (0,1], got %v", cfg.KnowledgeBound)
	}
	if cfg.KnowledgeBound > cfg.RawBound {
		return nil, errors.Errorf("raw bound (%v) must be at least the knowledge bound (%v)", cfg.RawBound, cfg.KnowledgeBound)
	}
	if cfg.MaxFlagsPerSource <= 0 {
		cfg.MaxFlagsPerSource = 20
	}
	return &Service{store: st, embedder: embedder, collector: collector, cfg: cfg}, nil
}

// PropagateCacheEntry flags memory items related to a demoted cache entry.
// Failures are logged and left for the next demotion event; they never
// surface to the caller that performed the demotion.
func (s *Service) PropagateCacheEntry(ctx context.Context, entry *store.CacheEntry) {
	if entry == nil {
		return
	}
	vector, err := s.cacheEntryVector(ctx, entry)
	if err != nil {
		slog.Warn("forgetting propagation skipped, no vector for cache entry",
			"entry", entry.UID, "error", err)
		return
	}
	s.propagate(ctx, source{
		store:   "cache",
		id:      entry.ID,
		ownerID: entry.OwnerID,
		reason:  "source cache entry demoted after repeated negative feedback",
	}, vector, nil)
}

// PropagateMemoryItem flags memory items related to an item deleted by
// cleanup. The deleted item itself is excluded from the search.
func (s *Service) PropagateMemoryItem(ctx context.Context, item *store.MemoryItem) {
	if item == nil {
		return
	}
	vector, err := s.memoryItemVector(ctx, item)
	if err != nil {
		slog.Warn("forgetting propagation skipped, no vector for memory item",
			"item", item.UID, "error", err)
		return
	}
	s.propagate(ctx, source{
		store:   "memory",
		id:      item.ID,
		ownerID: item.OwnerID,
		reason:  "source memory item deleted by cleanup",
	}, vector, &item.ID)
}

type source struct {
	store   string
	reason  string
	id      int64
	ownerID int32
}

// propagate searches both memory kinds at their respective bounds and
// upserts one flag per match. The flag table dedupes on the
// (target, source) pair, so re-running propagation for the same source is
// idempotent.
func (s *Service) propagate(ctx context.Context, src source, vector []float32, excludeItemID *int64) {
	searches := []struct {
		kind  store.MemoryKind
		bound float64
	}{
		{store.KindRaw, s.cfg.RawBound},
		{store.KindKnowledge, s.cfg.KnowledgeBound},
	}

	flagged := 0
	for _, sc := range searches {
		matches, err := s.store.MemoryVectorSearch(ctx, &store.MemoryVectorSearch{
			Embedding:     vector,
			Kind:          &sc.kind,
			OwnerID:       &src.ownerID,
			ExcludeItemID: excludeItemID,
			MinSimilarity: float32(sc.bound),
			Limit:         s.cfg.MaxFlagsPerSource,
		})
		if err != nil {
			slog.Warn("forgetting search failed, retried on next removal event",
				"kind", sc.kind, "source", src.store, "source_id", src.id, "error", err)
			continue
		}

		for _, match := range matches {
			priority := "normal"
			if float64(match.Similarity) >= sc.bound+0.1 {
				priority = "high"
			}
			if _, err := s.store.UpsertReviewFlag(ctx, &store.ReviewFlag{
				OwnerID:     src.ownerID,
				TargetStore: string(sc.kind),
				TargetID:    match.Item.ID,
				SourceStore: src.store,
				SourceID:    src.id,
				Reason:      src.reason,
				Priority:    priority,
			}); err != nil {
				slog.Warn("failed to upsert review flag",
					"target", match.Item.UID, "source", src.store, "source_id", src.id, "error", err)
				continue
			}
			flagged++
		}
	}

	if flagged > 0 {
		s.collector.RecordReviewFlags(flagged)
		slog.Info("forgetting propagation flagged related items",
			"source", src.store, "source_id", src.id, "flags", flagged)
	}
}

// cacheEntryVector reuses the stored query embedding and only falls back to
// recomputing it when none was persisted.
func (s *Service) cacheEntryVector(ctx context.Context, entry *store.CacheEntry) ([]float32, error) {
	embeddings, err := s.store.ListCacheEntryEmbeddings(ctx, &store.FindCacheEntryEmbedding{
		CacheEntryID: &entry.ID,
	})
	if err == nil && len(embeddings) > 0 {
		return embeddings[0].Embedding, nil
	}
	if err != nil {
		slog.Warn("failed to load cache entry embedding, recomputing", "entry", entry.UID, "error", err)
	}
	return s.embedder.Embed(ctx, entry.Query)
}

func (s *Service) memoryItemVector(ctx context.Context, item *store.MemoryItem) ([]float32, error) {
	embeddings, err := s.store.ListMemoryItemEmbeddings(ctx, &store.FindMemoryItemEmbedding{
		MemoryItemID: &item.ID,
	})
	if err == nil && len(embeddings) > 0 {
		return embeddings[0].Embedding, nil
	}
	if err != nil {
		slog.Warn("failed to load memory item embedding, recomputing", "item", item.UID, "error", err)
	}
	return s.embedder.Embed(ctx, item.Content)
}
