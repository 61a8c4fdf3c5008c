package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/mnemod/ai/triage"
	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
	"github.com/hrygo/mnemod/store/db"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "mnemod_test.db"),
	}
	p.FromEnv()

	driver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })

	st, err := store.New(driver, p)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	s, err := NewServer(context.Background(), p, st)
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCacheAdmitLookupRoundtrip(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/cache/admit",
		`{"ownerId":1,"query":"what is a mutex","answer":"a mutual exclusion lock","queryType":"definition"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/cache/lookup",
		`{"ownerId":1,"query":"what is a mutex"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp cacheLookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Hit)
	require.True(t, resp.Exact)
	require.Equal(t, "a mutual exclusion lock", resp.Entry.Answer)
}

func TestCacheAdmitRejectsSensitive(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/cache/admit",
		`{"ownerId":1,"query":"save this","answer":"token ghp_abcdefghijklmnop1234","queryType":"default"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCacheFeedbackDemotes(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/cache/admit",
		`{"ownerId":1,"query":"how to center a div","answer":"use flexbox","queryType":"default"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var entry cacheEntryPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))

	for i := 0; i < 3; i++ {
		rec = doJSON(t, s, http.MethodPost, "/api/v1/cache/"+entry.UID+"/feedback", `{"positive":false}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/cache/lookup",
		`{"ownerId":1,"query":"how to center a div"}`)
	var resp cacheLookupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Hit)
}

func TestIngestTransient(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/ingest",
		`{"ownerId":1,"interactionId":"i1","query":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, triage.ActionTransient, resp.Decision.Action)
	require.Empty(t, resp.Stored)
}

func TestIngestStoresRawItem(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/ingest",
		`{"ownerId":1,"interactionId":"i2","query":"my team deploys services with terraform on gcp","response":"noted, terraform on gcp"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, triage.ActionLightweightTagging, resp.Decision.Action)
	require.Len(t, resp.Stored, 1)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/memories?ownerId=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []*memoryItemPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	require.Equal(t, "raw", items[0].Kind)
	require.NotEmpty(t, items[0].Tags)
}

func TestSweepEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, name := range []string{"decay", "dedup", "cleanup", "cache-purge"} {
		rec := doJSON(t, s, http.MethodPost, "/api/v1/sweeps/"+name+"/run", "")
		require.Equal(t, http.StatusOK, rec.Code, "sweep %s", name)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sweeps/nonsense/run", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "budgetRemainingUsd")
}

func TestKeywordTags(t *testing.T) {
	tags := keywordTags("terraform deploys terraform modules on gcp infrastructure", 3)
	require.Contains(t, tags, "terraform")
	require.LessOrEqual(t, len(tags), 3)
}

func TestMemorySearchTouchesHits(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	item, err := s.Store.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 1,
		Kind:    store.KindKnowledge,
		Content: "the staging cluster runs postgres 16",
	})
	require.NoError(t, err)

	vec, err := s.embedder.Embed(ctx, item.Content)
	require.NoError(t, err)
	_, err = s.Store.UpsertMemoryItemEmbedding(ctx, &store.MemoryItemEmbedding{
		MemoryItemID: item.ID,
		Embedding:    vec,
		Model:        s.embedder.Model(),
	})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/memories/search",
		`{"ownerId":1,"query":"the staging cluster runs postgres 16"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp memorySearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	require.InDelta(t, 1.0, float64(resp.Matches[0].Similarity), 1e-4)
	require.Equal(t, 1, resp.Matches[0].Item.AccessCount)

	// The touch persists: a second search sees the bumped count.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/memories/search",
		`{"ownerId":1,"query":"the staging cluster runs postgres 16"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	require.Equal(t, 2, resp.Matches[0].Item.AccessCount)
}

func TestMemorySearchMissesBelowThreshold(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	item, err := s.Store.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID: 1,
		Kind:    store.KindRaw,
		Content: "unrelated fact about coffee",
	})
	require.NoError(t, err)
	vec, err := s.embedder.Embed(ctx, item.Content)
	require.NoError(t, err)
	_, err = s.Store.UpsertMemoryItemEmbedding(ctx, &store.MemoryItemEmbedding{
		MemoryItemID: item.ID, Embedding: vec, Model: s.embedder.Model(),
	})
	require.NoError(t, err)

	// Hash vectors of different texts are uncorrelated, far below any bound.
	rec := doJSON(t, s, http.MethodPost, "/api/v1/memories/search",
		`{"ownerId":1,"query":"tell me about kubernetes networking"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp memorySearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Matches)
}
