package forgetting

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/mnemod/ai/embed"
	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
	"github.com/hrygo/mnemod/store/db/sqlite"
)

func newTestService(t *testing.T) (*Service, *store.Store, embed.Service) {
	t.Helper()

	p := &profile.Profile{}
	p.FromEnv()
	p.Driver = "sqlite"
	p.DSN = filepath.Join(t.TempDir(), "mnemod_test.db")

	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })

	st, err := store.New(driver, p)
	require.NoError(t, err)

	embedder := embed.NewStatic(32)
	svc, err := New(ConfigFromProfile(p), st, embedder, nil)
	require.NoError(t, err)
	return svc, st, embedder
}

// seedItem creates a memory item whose embedding points at the given text,
// so similarity against that text is exactly 1.
func seedItem(t *testing.T, st *store.Store, embedder embed.Service, kind store.MemoryKind, content, vectorText string) *store.MemoryItem {
	t.Helper()
	ctx := context.Background()

	item, err := st.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 1,
		Content: content,
		Kind:    kind,
	})
	require.NoError(t, err)

	vector, err := embedder.Embed(ctx, vectorText)
	require.NoError(t, err)
	_, err = st.UpsertMemoryItemEmbedding(ctx, &store.MemoryItemEmbedding{
		MemoryItemID: item.ID,
		Embedding:    vector,
		Model:        embedder.Model(),
	})
	require.NoError(t, err)
	return item
}

func TestBoundsValidation(t *testing.T) {
	for _, cfg := range []Config{
		{RawBound: 0, KnowledgeBound: 0.75},
		{RawBound: 0.85, KnowledgeBound: 0},
		{RawBound: 1.2, KnowledgeBound: 0.75},
		// Raw must be at least as strict as knowledge.
		{RawBound: 0.6, KnowledgeBound: 0.75},
	} {
		_, err := New(cfg, nil, nil, nil)
		require.Error(t, err, "config %+v", cfg)
	}
}

func TestPropagateCacheEntryFlagsRelatedItems(t *testing.T) {
	svc, st, embedder := newTestService(t)
	ctx := context.Background()

	question := "is tabs or spaces the team standard"
	related := seedItem(t, st, embedder, store.KindRaw, "user asked about tabs vs spaces", question)
	unrelated := seedItem(t, st, embedder, store.KindRaw, "user's dog is called Rex", "completely different topic")
	knowledge := seedItem(t, st, embedder, store.KindKnowledge, "team standard is tabs", question)

	entry, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: store.ContentFingerprint(question),
		Query:            question,
		Answer:           "tabs",
	})
	require.NoError(t, err)

	svc.PropagateCacheEntry(ctx, entry)

	flags, err := st.ListReviewFlags(ctx, &store.FindReviewFlag{})
	require.NoError(t, err)
	require.Len(t, flags, 2)

	targets := map[int64]string{}
	for _, flag := range flags {
		targets[flag.TargetID] = flag.TargetStore
		require.Equal(t, "cache", flag.SourceStore)
		require.Equal(t, entry.ID, flag.SourceID)
	}
	require.Equal(t, "raw", targets[related.ID])
	require.Equal(t, "knowledge", targets[knowledge.ID])
	require.NotContains(t, targets, unrelated.ID)
}

func TestPropagationIsIdempotent(t *testing.T) {
	svc, st, embedder := newTestService(t)
	ctx := context.Background()

	question := "what is the deploy day"
	seedItem(t, st, embedder, store.KindRaw, "deploys happen fridays", question)

	entry, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: store.ContentFingerprint(question),
		Query:            question,
		Answer:           "friday",
	})
	require.NoError(t, err)

	svc.PropagateCacheEntry(ctx, entry)
	svc.PropagateCacheEntry(ctx, entry)

	flags, err := st.ListReviewFlags(ctx, &store.FindReviewFlag{})
	require.NoError(t, err)
	require.Len(t, flags, 1)
}

func TestPropagateMemoryItemExcludesItself(t *testing.T) {
	svc, st, embedder := newTestService(t)
	ctx := context.Background()

	content := "the staging database password policy"
	deleted := seedItem(t, st, embedder, store.KindRaw, content, content)
	sibling := seedItem(t, st, embedder, store.KindRaw, "a close paraphrase", content)

	svc.PropagateMemoryItem(ctx, deleted)

	flags, err := st.ListReviewFlags(ctx, &store.FindReviewFlag{})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	require.Equal(t, sibling.ID, flags[0].TargetID)
	require.Equal(t, "memory", flags[0].SourceStore)
	require.Equal(t, deleted.ID, flags[0].SourceID)
}

func TestRawBoundIsStricterThanKnowledge(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	driver := st.GetDriver()

	// Craft vectors with a known cosine similarity of 0.8: between the
	// knowledge bound (0.75) and the raw bound (0.85).
	base := []float32{1, 0}
	tilted := []float32{0.8, 0.6}

	rawItem, err := st.CreateMemoryItem(ctx, &store.MemoryItem{OwnerID: 1, Content: "raw paraphrase", Kind: store.KindRaw})
	require.NoError(t, err)
	_, err = driver.UpsertMemoryItemEmbedding(ctx, &store.MemoryItemEmbedding{
		MemoryItemID: rawItem.ID, Embedding: tilted, Model: "static-hash",
	})
	require.NoError(t, err)

	knowledgeItem, err := st.CreateMemoryItem(ctx, &store.MemoryItem{OwnerID: 1, Content: "derived fact", Kind: store.KindKnowledge})
	require.NoError(t, err)
	_, err = driver.UpsertMemoryItemEmbedding(ctx, &store.MemoryItemEmbedding{
		MemoryItemID: knowledgeItem.ID, Embedding: tilted, Model: "static-hash",
	})
	require.NoError(t, err)

	entry, err := st.CreateCacheEntry(ctx, &store.CacheEntry{
		OwnerID:          1,
		QueryFingerprint: "fp",
		Query:            "q",
		Answer:           "a",
	})
	require.NoError(t, err)
	_, err = driver.UpsertCacheEntryEmbedding(ctx, &store.CacheEntryEmbedding{
		CacheEntryID: entry.ID, Embedding: base, Model: "static-hash",
	})
	require.NoError(t, err)

	svc.PropagateCacheEntry(ctx, entry)

	// 0.8 similarity clears the knowledge bound but not the raw bound.
	flags, err := st.ListReviewFlags(ctx, &store.FindReviewFlag{})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	require.Equal(t, knowledgeItem.ID, flags[0].TargetID)
	require.Equal(t, "knowledge", flags[0].TargetStore)
}
