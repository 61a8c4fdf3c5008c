// Package tiers runs the scheduled maintenance sweeps over the memory space:
// decay, dedup and cleanup. Sweeps process bounded batches under a wall-clock
// budget and log-and-skip failed batches so one bad item never blocks the
// rest of the space.
package tiers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/mnemod/ai/metrics"
	"github.com/hrygo/mnemod/ai/scoring"
	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
)

// Propagator is notified after cleanup permanently deletes an item, so
// semantically related items elsewhere can be flagged for review.
type Propagator interface {
	PropagateMemoryItem(ctx context.Context, item *store.MemoryItem)
}

// Config configures the tier manager.
type Config struct {
	// MidFloor is the composite score a LONG item must keep; below it the
	// item demotes to MID. ShortFloor is the same bound for MID items.
	MidFloor   float64
	ShortFloor float64

	// DecayIdleDays is the idle period after which recency starts decaying.
	DecayIdleDays int

	// DecayLossPerDay is the fraction of the current recency lost per day.
	DecayLossPerDay float64

	// CleanupMaxAgeDays and CleanupScoreCutoff select SHORT items eligible
	// for permanent deletion: older than the age AND scoring below the
	// cutoff.
	CleanupMaxAgeDays  int
	CleanupScoreCutoff float64

	// BatchSize bounds the items held per transaction-sized unit of work.
	BatchSize int

	// SweepTimeout is the wall-clock budget for one sweep run. Exceeding it
	// ends the run after the current batch with partial progress persisted.
	SweepTimeout time.Duration

	// RetentionFilter is an optional CEL expression protecting matching
	// items from cleanup.
	RetentionFilter string
}

// ConfigFromProfile builds the tier config from the instance profile.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		MidFloor:           p.TierMidFloor,
		ShortFloor:         p.TierShortFloor,
		DecayIdleDays:      p.DecayIdleDays,
		DecayLossPerDay:    p.DecayLossPerDay,
		CleanupMaxAgeDays:  p.CleanupMaxAgeDays,
		CleanupScoreCutoff: p.CleanupScoreCutoff,
		BatchSize:          p.SweepBatchSize,
		SweepTimeout:       time.Duration(p.SweepTimeoutSeconds) * time.Second,
		RetentionFilter:    p.RetentionFilter,
	}
}

// SweepResult reports what one sweep run did. It feeds observability, not
// correctness.
type SweepResult struct {
	Sweep    string        `json:"sweep"`
	Affected int           `json:"affected"`
	Deleted  int           `json:"deleted"`
	Failed   int           `json:"failed"`
	Partial  bool          `json:"partial"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Manager orchestrates the three sweeps for the whole memory space.
type Manager struct {
	store      *store.Store
	scorer     *scoring.Scorer
	retention  *RetentionFilter
	propagator Propagator
	collector  *metrics.Collector
	cfg        Config
	now        func() time.Time
}

// New validates the config, compiles the retention filter and returns a
// manager. The propagator and collector may be nil.
func New(cfg Config, st *store.Store, scorer *scoring.Scorer, propagator Propagator, collector *metrics.Collector) (*Manager, error) {
	if cfg.ShortFloor <= 0 || cfg.MidFloor <= cfg.ShortFloor {
		return nil, errors.Errorf("tier floors must satisfy 0 < short (%v) < mid (%v)", cfg.ShortFloor, cfg.MidFloor)
	}
	if cfg.DecayLossPerDay <= 0 || cfg.DecayLossPerDay >= 1 {
		return nil, errors.Errorf("decay loss per day must be in (0,1), got %v", cfg.DecayLossPerDay)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 5 * time.Minute
	}

	retention, err := NewRetentionFilter(cfg.RetentionFilter)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:      st,
		scorer:     scorer,
		retention:  retention,
		propagator: propagator,
		collector:  collector,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

// TierFor places a composite score into a tier. Used at ingestion time.
func (m *Manager) TierFor(composite float64) store.MemoryTier {
	switch {
	case composite >= m.cfg.MidFloor:
		return store.TierLong
	case composite >= m.cfg.ShortFloor:
		return store.TierMid
	default:
		return store.TierShort
	}
}

var tierRank = map[store.MemoryTier]int{
	store.TierShort: 0,
	store.TierMid:   1,
	store.TierLong:  2,
}

// demoted returns the tier the item should hold after rescoring. Sweeps only
// ever move items downward.
func (m *Manager) demoted(current store.MemoryTier, composite float64) store.MemoryTier {
	target := m.TierFor(composite)
	if tierRank[target] < tierRank[current] {
		return target
	}
	return current
}

// RunDecaySweep ages out recency on idle items. The sweep is scheduled
// daily, so each run applies one day of decay to every item idle longer
// than the threshold.
func (m *Manager) RunDecaySweep(ctx context.Context) (*SweepResult, error) {
	start := m.now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SweepTimeout)
	defer cancel()

	result := &SweepResult{Sweep: "decay"}
	nowTs := start.Unix()
	idleBefore := nowTs - int64(m.cfg.DecayIdleDays)*86400

	var affected, failed atomic.Int64
	offset := 0
	for {
		items, err := m.store.ListMemoryItems(ctx, &store.FindMemoryItem{
			IdleBefore: &idleBefore,
			Limit:      m.cfg.BatchSize,
			Offset:     offset,
		})
		if err != nil {
			if ctxDone(ctx) {
				result.Partial = true
				break
			}
			return nil, errors.Wrap(err, "failed to list idle items")
		}
		if len(items) == 0 {
			break
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(4)
		for _, item := range items {
			group.Go(func() error {
				recency := item.ScoreRecency * (1 - m.cfg.DecayLossPerDay)
				composite := m.scorer.Composite(scoring.SubScores{
					Semantic:   item.ScoreSemantic,
					Recency:    recency,
					Outcome:    item.ScoreOutcome,
					Frequency:  item.ScoreFrequency,
					Correction: item.ScoreCorrection,
				}, float64(nowTs-item.CreatedTs)/86400.0, item.Sensitive)
				tier := m.demoted(item.Tier, composite)

				// One update statement, so readers never see the new score
				// with the old tier.
				if _, err := m.store.UpdateMemoryItem(groupCtx, &store.UpdateMemoryItem{
					ID:             item.ID,
					ScoreRecency:   &recency,
					CompositeScore: &composite,
					Tier:           &tier,
				}); err != nil {
					slog.Warn("decay update failed, retried next run", "item", item.UID, "error", err)
					failed.Add(1)
					return nil
				}
				affected.Add(1)
				return nil
			})
		}
		_ = group.Wait()

		offset += len(items)
		if len(items) < m.cfg.BatchSize {
			break
		}
		if ctxDone(ctx) {
			result.Partial = true
			break
		}
	}

	result.Affected = int(affected.Load())
	result.Failed = int(failed.Load())
	result.Elapsed = m.now().Sub(start)
	m.collector.RecordSweep("decay", result.Affected, 0, result.Elapsed)
	slog.Info("decay sweep finished", "affected", result.Affected, "failed", result.Failed,
		"partial", result.Partial, "elapsed", result.Elapsed)
	return result, nil
}

// RunDedupSweep collapses duplicate fingerprints. The survivor is the item
// with the highest composite score, ties broken by earliest creation; the
// losers' access counts are re-attributed to it. The store's insertion path
// prevents duplicates in normal operation, so this sweep is the backstop for
// racy writes and bulk imports that bypass it.
func (m *Manager) RunDedupSweep(ctx context.Context) (*SweepResult, error) {
	start := m.now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SweepTimeout)
	defer cancel()

	result := &SweepResult{Sweep: "dedup"}

	groups := map[string][]*store.MemoryItem{}
	offset := 0
	for {
		items, err := m.store.ListMemoryItems(ctx, &store.FindMemoryItem{
			Limit:  m.cfg.BatchSize,
			Offset: offset,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan items for dedup")
		}
		for _, item := range items {
			key := fmt.Sprintf("%d|%s", item.OwnerID, item.Fingerprint)
			groups[key] = append(groups[key], item)
		}
		offset += len(items)
		if len(items) < m.cfg.BatchSize {
			break
		}
		if ctxDone(ctx) {
			result.Partial = true
			break
		}
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].CompositeScore != group[j].CompositeScore {
				return group[i].CompositeScore > group[j].CompositeScore
			}
			return group[i].CreatedTs < group[j].CreatedTs
		})
		survivor, losers := group[0], group[1:]

		total := survivor.AccessCount
		for _, loser := range losers {
			total += loser.AccessCount
		}
		if _, err := m.store.UpdateMemoryItem(ctx, &store.UpdateMemoryItem{
			ID:          survivor.ID,
			AccessCount: &total,
		}); err != nil {
			slog.Warn("dedup survivor update failed, group retried next run", "item", survivor.UID, "error", err)
			result.Failed++
			continue
		}
		for _, loser := range losers {
			if err := m.store.DeleteMemoryItem(ctx, &store.DeleteMemoryItem{ID: &loser.ID}); err != nil {
				slog.Warn("dedup delete failed", "item", loser.UID, "error", err)
				result.Failed++
				continue
			}
			result.Deleted++
		}
		result.Affected++
	}

	result.Elapsed = m.now().Sub(start)
	m.collector.RecordSweep("dedup", result.Affected, result.Deleted, result.Elapsed)
	slog.Info("dedup sweep finished", "groups", result.Affected, "deleted", result.Deleted,
		"failed", result.Failed, "elapsed", result.Elapsed)
	return result, nil
}

// RunCleanupSweep permanently deletes SHORT items that are both old and low
// scoring. Deletions fan out to the propagator so related items elsewhere
// get flagged for review.
func (m *Manager) RunCleanupSweep(ctx context.Context) (*SweepResult, error) {
	start := m.now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SweepTimeout)
	defer cancel()

	result := &SweepResult{Sweep: "cleanup"}
	nowTs := start.Unix()
	createdBefore := nowTs - int64(m.cfg.CleanupMaxAgeDays)*86400
	tier := store.TierShort

	// Deleted rows leave the result set, so the offset only advances past
	// retained candidates.
	offset := 0
	for {
		items, err := m.store.ListMemoryItems(ctx, &store.FindMemoryItem{
			Tier:          &tier,
			CreatedBefore: &createdBefore,
			ScoreBelow:    &m.cfg.CleanupScoreCutoff,
			Limit:         m.cfg.BatchSize,
			Offset:        offset,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to list cleanup candidates")
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			result.Affected++

			retained, err := m.retention.Retain(item, nowTs)
			if err != nil {
				slog.Warn("retention filter failed, item kept", "item", item.UID, "error", err)
			}
			if retained {
				offset++
				continue
			}

			if err := m.store.DeleteMemoryItem(ctx, &store.DeleteMemoryItem{ID: &item.ID}); err != nil {
				slog.Warn("cleanup delete failed, retried next run", "item", item.UID, "error", err)
				result.Failed++
				offset++
				continue
			}
			result.Deleted++
			if m.propagator != nil {
				m.propagator.PropagateMemoryItem(ctx, item)
			}
		}

		if len(items) < m.cfg.BatchSize {
			break
		}
		if ctxDone(ctx) {
			result.Partial = true
			break
		}
	}

	result.Elapsed = m.now().Sub(start)
	m.collector.RecordSweep("cleanup", result.Affected, result.Deleted, result.Elapsed)
	slog.Info("cleanup sweep finished", "examined", result.Affected, "deleted", result.Deleted,
		"failed", result.Failed, "partial", result.Partial, "elapsed", result.Elapsed)
	return result, nil
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
