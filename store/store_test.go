package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
	"github.com/hrygo/mnemod/store/db/sqlite"
)

func newTestStore(t *testing.T, encryptionKey string) *store.Store {
	t.Helper()

	p := &profile.Profile{}
	p.FromEnv()
	p.Driver = "sqlite"
	p.DSN = filepath.Join(t.TempDir(), "mnemod_test.db")
	p.ContentEncryptionKey = encryptionKey

	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })

	st, err := store.New(driver, p)
	require.NoError(t, err)
	return st
}

func TestContentFingerprintNormalizes(t *testing.T) {
	a := store.ContentFingerprint("  What IS   a Mutex? ")
	b := store.ContentFingerprint("what is a mutex?")
	require.Equal(t, a, b)

	c := store.ContentFingerprint("what is a semaphore?")
	require.NotEqual(t, a, c)
}

func TestDuplicateInsertBumpsAccessCount(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	first, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 1,
		Content: "the user prefers dark mode",
	})
	require.NoError(t, err)
	require.Zero(t, first.AccessCount)

	// Same content, same owner: no new row, access count bumped.
	second, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 1,
		Content: "The user prefers  dark mode",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, second.AccessCount)

	owner := int32(1)
	items, err := st.ListMemoryItems(ctx, &store.FindMemoryItem{OwnerID: &owner})
	require.NoError(t, err)
	require.Len(t, items, 1)

	// A different owner gets its own row.
	other, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 2,
		Content: "the user prefers dark mode",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestBumpMemoryItemAccessIsCumulative(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	item, err := st.CreateMemoryItem(ctx, &store.MemoryItem{OwnerID: 1, Content: "touched fact"})
	require.NoError(t, err)

	count, err := st.BumpMemoryItemAccess(ctx, item.ID, 1, 1700000000)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = st.BumpMemoryItemAccess(ctx, item.ID, 2, 1700000100)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	got, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &item.ID})
	require.NoError(t, err)
	require.Equal(t, 3, got.AccessCount)
	require.Equal(t, int64(1700000100), got.LastAccessedTs)
}

func TestUpdateAppliesScoreAndTierTogether(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	item, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:        1,
		Content:        "rescored fact",
		Tier:           store.TierLong,
		CompositeScore: 0.7,
	})
	require.NoError(t, err)

	newScore := 0.4
	newTier := store.TierMid
	updated, err := st.UpdateMemoryItem(ctx, &store.UpdateMemoryItem{
		ID:             item.ID,
		CompositeScore: &newScore,
		Tier:           &newTier,
	})
	require.NoError(t, err)
	require.Equal(t, store.TierMid, updated.Tier)
	require.InDelta(t, 0.4, updated.CompositeScore, 1e-9)
}

func TestContentSealingRoundtrip(t *testing.T) {
	// 32-byte hex key.
	key := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	st := newTestStore(t, key)
	ctx := context.Background()

	item, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 1,
		Content: "the user's birthday is in june",
	})
	require.NoError(t, err)
	require.Equal(t, "the user's birthday is in june", item.Content)

	// Reads through the store transparently unseal.
	got, err := st.GetMemoryItem(ctx, &store.FindMemoryItem{ID: &item.ID})
	require.NoError(t, err)
	require.Equal(t, "the user's birthday is in june", got.Content)

	// The raw row holds ciphertext, not the payload.
	raw, err := st.GetDriver().ListMemoryItems(ctx, &store.FindMemoryItem{ID: &item.ID})
	require.NoError(t, err)
	require.Len(t, raw, 1)
	require.NotEqual(t, "the user's birthday is in june", raw[0].Content)
	require.Contains(t, raw[0].Content, "enc:v1:")
}

func TestCacheEntryUpsertKeepsOneLiveEntry(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	fingerprint := store.ContentFingerprint("the question")
	first, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: fingerprint,
		Query:            "the question",
		Answer:           "first answer",
	})
	require.NoError(t, err)

	second, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: fingerprint,
		Query:            "the question",
		Answer:           "second answer",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	owner := int32(1)
	entries, err := st.ListCacheEntries(ctx, &store.FindCacheEntry{OwnerID: &owner})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "second answer", entries[0].Answer)
}

func TestIncrementNegativeFeedbackReturnsDistinctCounts(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	entry, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: "fp",
		Query:            "q",
		Answer:           "a",
	})
	require.NoError(t, err)

	for want := 1; want <= 5; want++ {
		got, err := st.IncrementCacheNegativeFeedback(ctx, entry.ID)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestReviewFlagUpsertDeduplicates(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	flag := &store.ReviewFlag{
		OwnerID:     1,
		TargetStore: "raw",
		TargetID:    42,
		SourceStore: "cache",
		SourceID:    7,
		Reason:      "source cache entry demoted",
		Priority:    "normal",
	}
	first, err := st.UpsertReviewFlag(ctx, flag)
	require.NoError(t, err)

	second, err := st.UpsertReviewFlag(ctx, &store.ReviewFlag{
		OwnerID:     1,
		TargetStore: "raw",
		TargetID:    42,
		SourceStore: "cache",
		SourceID:    7,
		Reason:      "different reason on retry",
		Priority:    "high",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	// The original flag survives untouched.
	require.Equal(t, "source cache entry demoted", second.Reason)

	flags, err := st.ListReviewFlags(ctx, &store.FindReviewFlag{})
	require.NoError(t, err)
	require.Len(t, flags, 1)

	// A different target is a distinct flag.
	_, err = st.UpsertReviewFlag(ctx, &store.ReviewFlag{
		OwnerID: 1, TargetStore: "knowledge", TargetID: 42, SourceStore: "cache", SourceID: 7,
	})
	require.NoError(t, err)
	flags, err = st.ListReviewFlags(ctx, &store.FindReviewFlag{})
	require.NoError(t, err)
	require.Len(t, flags, 2)
}

func TestVectorSearchRanksAndFilters(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	near := []float32{1, 0, 0}
	mid := []float32{0.9, 0.435889894, 0}
	far := []float32{0, 1, 0}

	for i, vec := range [][]float32{near, mid, far} {
		item, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
			OwnerID: 1,
			Content: []string{"near item", "mid item", "far item"}[i],
		})
		require.NoError(t, err)
		_, err = st.UpsertMemoryItemEmbedding(ctx, &store.MemoryItemEmbedding{
			MemoryItemID: item.ID,
			Embedding:    vec,
			Model:        "test",
		})
		require.NoError(t, err)
	}

	owner := int32(1)
	matches, err := st.MemoryVectorSearch(ctx, &store.MemoryVectorSearch{
		Embedding:     []float32{1, 0, 0},
		OwnerID:       &owner,
		MinSimilarity: 0.5,
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "near item", matches[0].Item.Content)
	require.Equal(t, "mid item", matches[1].Item.Content)
	require.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestCacheEntryHotCacheIsOwnerScoped(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	fingerprint := store.ContentFingerprint("what is my api quota")
	_, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: fingerprint,
		Query:            "what is my api quota",
		Answer:           "1000 requests per day",
	})
	require.NoError(t, err)

	// Two reads so the second is served from the hot cache.
	got, err := st.GetCacheEntryByFingerprint(ctx, 1, fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = st.GetCacheEntryByFingerprint(ctx, 1, fingerprint)
	require.NoError(t, err)
	require.NotNil(t, got)

	// A different owner with the same fingerprint must not see it.
	other, err := st.GetCacheEntryByFingerprint(ctx, 2, fingerprint)
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestDemoteCacheEntryTransitionsOnce(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	entry, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: "fp-demote",
		Query:            "q",
		Answer:           "a",
	})
	require.NoError(t, err)

	transitioned, err := st.DemoteCacheEntry(ctx, entry)
	require.NoError(t, err)
	require.True(t, transitioned)

	// Already demoted: no second transition.
	transitioned, err = st.DemoteCacheEntry(ctx, entry)
	require.NoError(t, err)
	require.False(t, transitioned)
}

func TestCacheEntryUpsertResetsFeedbackState(t *testing.T) {
	st := newTestStore(t, "")
	ctx := context.Background()

	entry, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: "fp-reset",
		Query:            "q",
		Answer:           "old answer",
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := st.IncrementCacheNegativeFeedback(ctx, entry.ID)
		require.NoError(t, err)
	}
	_, err = st.DemoteCacheEntry(ctx, entry)
	require.NoError(t, err)

	replaced, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: "fp-reset",
		Query:            "q",
		Answer:           "new answer",
	})
	require.NoError(t, err)
	require.Equal(t, entry.ID, replaced.ID)
	require.False(t, replaced.Demoted)
	require.Zero(t, replaced.NegativeFeedback)

	owner := int32(1)
	entries, err := st.ListCacheEntries(ctx, &store.FindCacheEntry{OwnerID: &owner})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "new answer", entries[0].Answer)
	require.False(t, entries[0].UserVerified)
}
