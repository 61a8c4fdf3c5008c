// Package cache implements the quality-gated semantic answer cache.
// Lookups are two-layer: exact fingerprint match first, then similarity
// search against an intent-dependent threshold.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/hrygo/mnemod/ai/embed"
	"github.com/hrygo/mnemod/ai/filter"
	"github.com/hrygo/mnemod/ai/metrics"
	"github.com/hrygo/mnemod/ai/routing"
	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
)

// ErrSensitiveContent is returned when admission is refused because the
// content is classified confidential. No cache entry is ever created for it.
var ErrSensitiveContent = errors.New("content too sensitive to cache")

// Propagator is notified when an entry crosses the demotion threshold, so
// semantically related items in other stores can be flagged for review.
type Propagator interface {
	PropagateCacheEntry(ctx context.Context, entry *store.CacheEntry)
}

// Config configures the quality cache.
type Config struct {
	// DemotionThreshold is the negative feedback count at which an entry is
	// banned from retrieval.
	DemotionThreshold int

	// TTLDefinition, TTLTemporal, TTLDefault are the per-class lifetimes.
	// The permanent class never expires.
	TTLDefinition time.Duration
	TTLTemporal   time.Duration
	TTLDefault    time.Duration

	// QualityBoost is added to the quality score on positive feedback.
	QualityBoost float64

	// LookupTimeout bounds a lookup including the similarity search.
	LookupTimeout time.Duration
}

// ConfigFromProfile builds the cache config from the instance profile.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		DemotionThreshold: p.CacheDemotionThreshold,
		TTLDefinition:     p.CacheTTLDefinition,
		TTLTemporal:       p.CacheTTLTemporal,
		TTLDefault:        p.CacheTTLDefault,
		QualityBoost:      p.CacheQualityBoost,
		LookupTimeout:     p.CacheLookupTimeout,
	}
}

// QualityCache serves semantically equivalent answers without re-querying a
// language model.
type QualityCache struct {
	store      *store.Store
	embedder   embed.Service
	resolver   *routing.ThresholdResolver
	propagator Propagator
	collector  *metrics.Collector
	admissions singleflight.Group
	cfg        Config
	now        func() time.Time
}

// New creates a quality cache. The propagator and collector may be nil.
func New(cfg Config, st *store.Store, embedder embed.Service, resolver *routing.ThresholdResolver, propagator Propagator, collector *metrics.Collector) (*QualityCache, error) {
	if cfg.DemotionThreshold <= 0 {
		return nil, errors.New("demotion threshold must be positive")
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 200 * time.Millisecond
	}
	return &QualityCache{
		store:      st,
		embedder:   embedder,
		resolver:   resolver,
		propagator: propagator,
		collector:  collector,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

// Hit is a successful cache lookup.
type Hit struct {
	Entry      *store.CacheEntry
	Similarity float32
	Exact      bool
}

// Lookup searches for a reusable answer. Storage or embedding failures
// degrade to a miss; the caller never gets an error for an infra problem.
func (c *QualityCache) Lookup(ctx context.Context, ownerID int32, query string, intent routing.Intent) *Hit {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	fingerprint := store.ContentFingerprint(query)
	nowTs := start.Unix()

	// Layer 1: exact fingerprint match.
	entry, err := c.store.GetCacheEntryByFingerprint(ctx, ownerID, fingerprint)
	if err != nil {
		slog.Warn("cache exact lookup degraded to miss", "error", err)
		c.collector.RecordCacheLookup("degraded", c.now().Sub(start))
		return nil
	}
	if entry != nil && c.eligible(entry, nowTs) {
		c.collector.RecordCacheLookup("hit_exact", c.now().Sub(start))
		return &Hit{Entry: entry, Similarity: 1.0, Exact: true}
	}

	// Layer 2: similarity search at the intent's cache threshold.
	threshold := c.resolver.Resolve(intent).Cache
	vector, err := c.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("cache semantic lookup degraded to miss", "error", err)
		c.collector.RecordCacheLookup("degraded", c.now().Sub(start))
		return nil
	}

	matches, err := c.store.CacheVectorSearch(ctx, &store.CacheVectorSearch{
		Embedding:     vector,
		OwnerID:       &ownerID,
		MinSimilarity: threshold,
		Limit:         5,
	})
	if err != nil {
		slog.Warn("cache vector search degraded to miss", "error", err)
		c.collector.RecordCacheLookup("degraded", c.now().Sub(start))
		return nil
	}

	eligible := matches[:0]
	for _, m := range matches {
		if c.eligible(m.Entry, nowTs) {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) == 0 {
		c.collector.RecordCacheLookup("miss", c.now().Sub(start))
		return nil
	}

	// Highest similarity wins; ties go to higher quality, then most recent.
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Similarity != eligible[j].Similarity {
			return eligible[i].Similarity > eligible[j].Similarity
		}
		if eligible[i].Entry.Quality != eligible[j].Entry.Quality {
			return eligible[i].Entry.Quality > eligible[j].Entry.Quality
		}
		return eligible[i].Entry.CreatedTs > eligible[j].Entry.CreatedTs
	})

	c.collector.RecordCacheLookup("hit_semantic", c.now().Sub(start))
	return &Hit{Entry: eligible[0].Entry, Similarity: eligible[0].Similarity}
}

// AdmitRequest describes a cache-miss-then-answer event.
type AdmitRequest struct {
	Query       string
	Answer      string
	QueryType   string
	Provider    string
	Sensitivity filter.PrivacyLevel
	OwnerID     int32
}

// Admit stores an answer for reuse. Confidential content is rejected with
// ErrSensitiveContent regardless of the caller-supplied level. Admissions
// for the same fingerprint are serialized, so concurrent admissions converge
// to one live entry.
func (c *QualityCache) Admit(ctx context.Context, req AdmitRequest) (*store.CacheEntry, error) {
	level := req.Sensitivity
	if detected := filter.Classify(req.Answer); detected > level {
		level = detected
	}
	if detected := filter.Classify(req.Query); detected > level {
		level = detected
	}
	if level == filter.LevelConfidential {
		c.collector.RecordCacheAdmit("rejected_sensitive")
		return nil, ErrSensitiveContent
	}

	// Fingerprints are only unique per owner, so the serialization key
	// carries the owner too.
	fingerprint := store.ContentFingerprint(req.Query)
	key := fmt.Sprintf("%d|%s", req.OwnerID, fingerprint)
	v, err, _ := c.admissions.Do(key, func() (any, error) {
		return c.admit(ctx, req, fingerprint)
	})
	if err != nil {
		c.collector.RecordCacheAdmit("error")
		return nil, err
	}
	c.collector.RecordCacheAdmit("admitted")
	return v.(*store.CacheEntry), nil
}

func (c *QualityCache) admit(ctx context.Context, req AdmitRequest, fingerprint string) (*store.CacheEntry, error) {
	ttlClass := DeriveTTLClass(req.QueryType)
	now := c.now()

	entry := &store.CacheEntry{
		OwnerID:          req.OwnerID,
		QueryFingerprint: fingerprint,
		Query:            req.Query,
		Answer:           req.Answer,
		QueryType:        req.QueryType,
		Provider:         req.Provider,
		TTLClass:         ttlClass,
		Quality:          0.5,
		CreatedTs:        now.Unix(),
		ExpiresTs:        c.expiry(ttlClass, now),
	}
	entry, err := c.store.CreateCacheEntry(ctx, entry)
	if err != nil {
		return nil, errors.Wrap(err, "failed to admit cache entry")
	}

	vector, err := c.embedder.Embed(ctx, req.Query)
	if err != nil {
		// The entry stays servable by exact match; the embedding is
		// backfilled on the next admission for this fingerprint.
		slog.Warn("failed to embed admitted query", "error", err)
		return entry, nil
	}
	if _, err := c.store.UpsertCacheEntryEmbedding(ctx, &store.CacheEntryEmbedding{
		CacheEntryID: entry.ID,
		Embedding:    vector,
		Model:        c.embedder.Model(),
	}); err != nil {
		slog.Warn("failed to store cache entry embedding", "error", err)
	}
	return entry, nil
}

// Feedback records user feedback on a served entry. Crossing the demotion
// threshold sets the demoted flag and fires propagation exactly once; a
// conditional update hands the demoted transition to a single caller.
func (c *QualityCache) Feedback(ctx context.Context, entryUID string, positive bool) error {
	entries, err := c.store.ListCacheEntries(ctx, &store.FindCacheEntry{
		UID:            &entryUID,
		IncludeDemoted: true,
		Limit:          1,
	})
	if err != nil {
		return errors.Wrap(err, "failed to load cache entry")
	}
	if len(entries) == 0 {
		return errors.Errorf("cache entry %s not found", entryUID)
	}
	entry := entries[0]
	c.collector.RecordCacheFeedback(positive)

	if positive {
		quality := entry.Quality + c.cfg.QualityBoost
		if quality > 1 {
			quality = 1
		}
		verified := true
		if _, err := c.store.UpdateCacheEntry(ctx, &store.UpdateCacheEntry{
			ID:           entry.ID,
			Quality:      &quality,
			UserVerified: &verified,
		}); err != nil {
			return errors.Wrap(err, "failed to record positive feedback")
		}
		return nil
	}

	count, err := c.store.IncrementCacheNegativeFeedback(ctx, entry.ID)
	if err != nil {
		return errors.Wrap(err, "failed to record negative feedback")
	}
	if count < c.cfg.DemotionThreshold {
		return nil
	}

	// Past the threshold every negative feedback attempts the demotion, so a
	// failed attempt is retried on the next one. The conditional update hands
	// the transition to exactly one caller, and only that caller propagates.
	transitioned, err := c.store.DemoteCacheEntry(ctx, entry)
	if err != nil {
		return errors.Wrap(err, "failed to demote cache entry")
	}
	if !transitioned {
		return nil
	}
	entry.Demoted = true
	entry.NegativeFeedback = count
	c.collector.RecordCacheDemotion()
	slog.Info("cache entry demoted after repeated negative feedback",
		"entry", entry.UID, "negative_feedback", count)

	if c.propagator != nil {
		// Propagation failures are handled inside the propagator; they never
		// fail the demotion.
		c.propagator.PropagateCacheEntry(ctx, entry)
	}
	return nil
}

// PurgeExpired deletes entries past their TTL. Permanent entries carry a
// zero expiry and are never purged.
func (c *QualityCache) PurgeExpired(ctx context.Context) (int64, error) {
	nowTs := c.now().Unix()
	return c.store.DeleteCacheEntries(ctx, &store.DeleteCacheEntry{ExpiredBefore: &nowTs})
}

func (c *QualityCache) eligible(entry *store.CacheEntry, nowTs int64) bool {
	if entry.Demoted || entry.NegativeFeedback >= c.cfg.DemotionThreshold {
		return false
	}
	return !entry.Expired(nowTs)
}

func (c *QualityCache) expiry(class store.TTLClass, now time.Time) int64 {
	switch class {
	case store.TTLClassPermanent:
		return 0
	case store.TTLClassDefinition:
		return now.Add(c.cfg.TTLDefinition).Unix()
	case store.TTLClassTemporal:
		return now.Add(c.cfg.TTLTemporal).Unix()
	default:
		return now.Add(c.cfg.TTLDefault).Unix()
	}
}

// DeriveTTLClass maps a query-type classification to a TTL class.
func DeriveTTLClass(queryType string) store.TTLClass {
	switch queryType {
	case "definition", "definitional", "factual":
		return store.TTLClassDefinition
	case "temporal", "web", "news", "current_events":
		return store.TTLClassTemporal
	case "timeless", "invariant", "permanent":
		return store.TTLClassPermanent
	default:
		return store.TTLClassDefault
	}
}
