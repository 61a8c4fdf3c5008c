package tiers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/mnemod/ai/scoring"
	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
	"github.com/hrygo/mnemod/store/db/sqlite"
)

type recordingPropagator struct {
	mu    sync.Mutex
	items []*store.MemoryItem
}

func (p *recordingPropagator) PropagateMemoryItem(_ context.Context, item *store.MemoryItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, item)
}

func newTestManager(t *testing.T, retentionFilter string) (*Manager, *store.Store, *recordingPropagator) {
	t.Helper()

	p := &profile.Profile{}
	p.FromEnv()
	p.Driver = "sqlite"
	p.DSN = filepath.Join(t.TempDir(), "mnemod_test.db")
	p.RetentionFilter = retentionFilter

	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })

	st, err := store.New(driver, p)
	require.NoError(t, err)

	scorer, err := scoring.NewScorer(scoring.ConfigFromProfile(p))
	require.NoError(t, err)

	propagator := &recordingPropagator{}
	manager, err := New(ConfigFromProfile(p), st, scorer, propagator, nil)
	require.NoError(t, err)
	return manager, st, propagator
}

func daysAgo(n int) int64 {
	return time.Now().Add(-time.Duration(n) * 24 * time.Hour).Unix()
}

func TestTierFor(t *testing.T) {
	manager, _, _ := newTestManager(t, "")

	require.Equal(t, store.TierLong, manager.TierFor(0.8))
	require.Equal(t, store.TierLong, manager.TierFor(0.6))
	require.Equal(t, store.TierMid, manager.TierFor(0.45))
	require.Equal(t, store.TierMid, manager.TierFor(0.3))
	require.Equal(t, store.TierShort, manager.TierFor(0.1))
}

func TestRejectsInvertedFloors(t *testing.T) {
	_, err := New(Config{MidFloor: 0.2, ShortFloor: 0.5, DecayLossPerDay: 0.05}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestDecaySweepAgesIdleItems(t *testing.T) {
	manager, st, _ := newTestManager(t, "")
	ctx := context.Background()

	idle, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "idle fact about postgres tuning",
		Tier:           store.TierMid,
		ScoreSemantic:  0.5,
		ScoreRecency:   0.8,
		CreatedTs:      daysAgo(20),
		LastAccessedTs: daysAgo(10),
	})
	require.NoError(t, err)

	fresh, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:       1,
		Content:       "recently touched fact",
		Tier:          store.TierMid,
		ScoreSemantic: 0.5,
		ScoreRecency:  0.8,
	})
	require.NoError(t, err)

	result, err := manager.RunDecaySweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Affected)
	require.Zero(t, result.Failed)

	got, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &idle.ID})
	require.NoError(t, err)
	require.InDelta(t, 0.8*0.95, got.ScoreRecency, 1e-9)

	untouched, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &fresh.ID})
	require.NoError(t, err)
	require.InDelta(t, 0.8, untouched.ScoreRecency, 1e-9)
}

func TestDecaySweepDemotesBelowFloor(t *testing.T) {
	manager, st, _ := newTestManager(t, "")
	ctx := context.Background()

	// Old and idle: the decayed composite lands well under the MID floor.
	item, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "stale long-tier fact",
		Tier:           store.TierLong,
		ScoreSemantic:  0.4,
		ScoreRecency:   0.4,
		CreatedTs:      daysAgo(60),
		LastAccessedTs: daysAgo(30),
	})
	require.NoError(t, err)

	_, err = manager.RunDecaySweep(ctx)
	require.NoError(t, err)

	got, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &item.ID})
	require.NoError(t, err)
	require.NotEqual(t, store.TierLong, got.Tier)
	require.Less(t, got.CompositeScore, 0.6)
}

func TestDedupSweepKeepsHighestScore(t *testing.T) {
	manager, st, _ := newTestManager(t, "")
	ctx := context.Background()
	driver := st.GetDriver()

	// Insert duplicates through the driver, bypassing the insertion-path
	// dedup, the way racing writers or imports would.
	fingerprint := store.ContentFingerprint("the capital of France is Paris")
	loser, err := driver.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "the capital of France is Paris",
		Fingerprint:    fingerprint,
		CompositeScore: 0.4,
		AccessCount:    3,
		CreatedTs:      daysAgo(5),
	})
	require.NoError(t, err)
	survivor, err := driver.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "the capital of France is Paris",
		Fingerprint:    fingerprint,
		CompositeScore: 0.7,
		AccessCount:    2,
		CreatedTs:      daysAgo(3),
	})
	require.NoError(t, err)

	result, err := manager.RunDedupSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Affected)
	require.Equal(t, 1, result.Deleted)

	got, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &survivor.ID})
	require.NoError(t, err)
	require.Equal(t, 5, got.AccessCount)

	gone, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &loser.ID})
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestDedupTieBreaksOnEarliestCreated(t *testing.T) {
	manager, st, _ := newTestManager(t, "")
	ctx := context.Background()
	driver := st.GetDriver()

	fingerprint := store.ContentFingerprint("same fact twice")
	earlier, err := driver.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 1, Content: "same fact twice", Fingerprint: fingerprint,
		CompositeScore: 0.5, CreatedTs: daysAgo(10),
	})
	require.NoError(t, err)
	later, err := driver.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 1, Content: "same fact twice", Fingerprint: fingerprint,
		CompositeScore: 0.5, CreatedTs: daysAgo(2),
	})
	require.NoError(t, err)

	_, err = manager.RunDedupSweep(ctx)
	require.NoError(t, err)

	kept, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &earlier.ID})
	require.NoError(t, err)
	require.NotNil(t, kept)

	gone, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &later.ID})
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestDedupLeavesDistinctOwnersAlone(t *testing.T) {
	manager, st, _ := newTestManager(t, "")
	ctx := context.Background()
	driver := st.GetDriver()

	fingerprint := store.ContentFingerprint("shared phrasing")
	_, err := driver.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 1, Content: "shared phrasing", Fingerprint: fingerprint, CreatedTs: daysAgo(1),
	})
	require.NoError(t, err)
	_, err = driver.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 2, Content: "shared phrasing", Fingerprint: fingerprint, CreatedTs: daysAgo(1),
	})
	require.NoError(t, err)

	result, err := manager.RunDedupSweep(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Affected)
	require.Zero(t, result.Deleted)
}

func TestCleanupSweepDeletesOldLowScoreShortItems(t *testing.T) {
	manager, st, propagator := newTestManager(t, "")
	ctx := context.Background()

	doomed, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "stale throwaway",
		Tier:           store.TierShort,
		CompositeScore: 0.1,
		CreatedTs:      daysAgo(40),
		LastAccessedTs: daysAgo(40),
	})
	require.NoError(t, err)

	// Old but scoring above the cutoff.
	safeScore, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "old but valuable",
		Tier:           store.TierShort,
		CompositeScore: 0.5,
		CreatedTs:      daysAgo(40),
		LastAccessedTs: daysAgo(40),
	})
	require.NoError(t, err)

	// Low scoring but too young.
	safeAge, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "young and weak",
		Tier:           store.TierShort,
		CompositeScore: 0.1,
		CreatedTs:      daysAgo(5),
		LastAccessedTs: daysAgo(5),
	})
	require.NoError(t, err)

	result, err := manager.RunCleanupSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Deleted)

	gone, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &doomed.ID})
	require.NoError(t, err)
	require.Nil(t, gone)

	for _, id := range []int64{safeScore.ID, safeAge.ID} {
		kept, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &id})
		require.NoError(t, err)
		require.NotNil(t, kept)
	}

	// The deletion fanned out for review flagging.
	require.Len(t, propagator.items, 1)
	require.Equal(t, doomed.ID, propagator.items[0].ID)
}

func TestCleanupHonorsRetentionFilter(t *testing.T) {
	manager, st, _ := newTestManager(t, `"pinned" in tags`)
	ctx := context.Background()

	pinned, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "pinned but otherwise doomed",
		Tier:           store.TierShort,
		CompositeScore: 0.05,
		Tags:           []string{"pinned"},
		CreatedTs:      daysAgo(60),
		LastAccessedTs: daysAgo(60),
	})
	require.NoError(t, err)

	doomed, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "unpinned and doomed",
		Tier:           store.TierShort,
		CompositeScore: 0.05,
		CreatedTs:      daysAgo(60),
		LastAccessedTs: daysAgo(60),
	})
	require.NoError(t, err)

	result, err := manager.RunCleanupSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Deleted)

	kept, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &pinned.ID})
	require.NoError(t, err)
	require.NotNil(t, kept)

	gone, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &doomed.ID})
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestRetentionFilterValidation(t *testing.T) {
	_, err := NewRetentionFilter(`tier == `)
	require.Error(t, err)

	_, err = NewRetentionFilter(`tier`)
	require.Error(t, err)

	f, err := NewRetentionFilter("")
	require.NoError(t, err)
	require.Nil(t, f)
}
