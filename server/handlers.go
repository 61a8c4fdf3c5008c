package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/mnemod/ai/cache"
	"github.com/hrygo/mnemod/ai/filter"
	"github.com/hrygo/mnemod/ai/routing"
	"github.com/hrygo/mnemod/store"
)

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.Profile.Version,
	})
}

type cacheLookupRequest struct {
	OwnerID int32  `json:"ownerId"`
	Query   string `json:"query"`
	Intent  string `json:"intent"`
}

type cacheLookupResponse struct {
	Hit        bool               `json:"hit"`
	Exact      bool               `json:"exact,omitempty"`
	Similarity float32            `json:"similarity,omitempty"`
	Intent     routing.Intent     `json:"intent"`
	Entry      *cacheEntryPayload `json:"entry,omitempty"`
}

type cacheEntryPayload struct {
	UID       string  `json:"uid"`
	Query     string  `json:"query"`
	Answer    string  `json:"answer"`
	QueryType string  `json:"queryType,omitempty"`
	Provider  string  `json:"provider,omitempty"`
	TTLClass  string  `json:"ttlClass"`
	Quality   float64 `json:"quality"`
	Verified  bool    `json:"verified"`
	ExpiresTs int64   `json:"expiresTs"`
}

func toEntryPayload(entry *store.CacheEntry) *cacheEntryPayload {
	return &cacheEntryPayload{
		UID:       entry.UID,
		Query:     entry.Query,
		Answer:    entry.Answer,
		QueryType: entry.QueryType,
		Provider:  entry.Provider,
		TTLClass:  string(entry.TTLClass),
		Quality:   entry.Quality,
		Verified:  entry.UserVerified,
		ExpiresTs: entry.ExpiresTs,
	}
}

// handleCacheLookup resolves the intent (classifying it from the query text
// when not supplied) and consults the quality cache. Infra failures inside
// the cache surface as a miss, never as an error.
func (s *Server) handleCacheLookup(c echo.Context) error {
	var req cacheLookupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	var intent routing.Intent
	if req.Intent != "" {
		intent = routing.ParseIntent(req.Intent)
	} else {
		intent = routing.ClassifyIntent(req.Query)
	}

	hit := s.cache.Lookup(c.Request().Context(), req.OwnerID, req.Query, intent)
	if hit == nil {
		return c.JSON(http.StatusOK, cacheLookupResponse{Hit: false, Intent: intent})
	}
	return c.JSON(http.StatusOK, cacheLookupResponse{
		Hit:        true,
		Exact:      hit.Exact,
		Similarity: hit.Similarity,
		Intent:     intent,
		Entry:      toEntryPayload(hit.Entry),
	})
}

type cacheAdmitRequest struct {
	OwnerID   int32  `json:"ownerId"`
	Query     string `json:"query"`
	Answer    string `json:"answer"`
	QueryType string `json:"queryType"`
	Provider  string `json:"provider"`
	// Sensitivity accepts "public", "personal" or "confidential"; content
	// is reclassified on admission regardless.
	Sensitivity string `json:"sensitivity"`
}

func (s *Server) handleCacheAdmit(c echo.Context) error {
	var req cacheAdmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Query == "" || req.Answer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query and answer are required")
	}

	entry, err := s.cache.Admit(c.Request().Context(), cache.AdmitRequest{
		OwnerID:     req.OwnerID,
		Query:       req.Query,
		Answer:      req.Answer,
		QueryType:   req.QueryType,
		Provider:    req.Provider,
		Sensitivity: filter.ParseLevel(req.Sensitivity),
	})
	if err != nil {
		if errors.Is(err, cache.ErrSensitiveContent) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "content too sensitive to cache")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to admit entry")
	}
	return c.JSON(http.StatusOK, toEntryPayload(entry))
}

type cacheFeedbackRequest struct {
	Positive bool `json:"positive"`
}

func (s *Server) handleCacheFeedback(c echo.Context) error {
	uid := c.Param("uid")
	var req cacheFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	if err := s.cache.Feedback(c.Request().Context(), uid, req.Positive); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "cache entry not found")
	}
	return c.JSON(http.StatusOK, map[string]bool{"recorded": true})
}

func (s *Server) handleSweep(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		result any
		err    error
	)
	switch name := c.Param("name"); name {
	case "decay":
		result, err = s.tiers.RunDecaySweep(ctx)
	case "dedup":
		result, err = s.tiers.RunDedupSweep(ctx)
	case "cleanup":
		result, err = s.tiers.RunCleanupSweep(ctx)
	case "cache-purge":
		var deleted int64
		deleted, err = s.cache.PurgeExpired(ctx)
		result = map[string]int64{"deleted": deleted}
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown sweep: "+name)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "sweep failed")
	}
	return c.JSON(http.StatusOK, result)
}

type memoryItemPayload struct {
	UID            string   `json:"uid"`
	Content        string   `json:"content"`
	Kind           string   `json:"kind"`
	Tier           string   `json:"tier"`
	CompositeScore float64  `json:"compositeScore"`
	AccessCount    int      `json:"accessCount"`
	Tags           []string `json:"tags,omitempty"`
	CreatedTs      int64    `json:"createdTs"`
}

func (s *Server) handleListMemories(c echo.Context) error {
	ownerID, err := int32Param(c.QueryParam("ownerId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "ownerId is required")
	}

	find := &store.FindMemoryItem{OwnerID: &ownerID, Limit: 100}
	if tier := c.QueryParam("tier"); tier != "" {
		t := store.MemoryTier(tier)
		find.Tier = &t
	}
	if kind := c.QueryParam("kind"); kind != "" {
		k := store.MemoryKind(kind)
		find.Kind = &k
	}

	items, err := s.Store.ListMemoryItems(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list memories")
	}

	payload := make([]*memoryItemPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, &memoryItemPayload{
			UID:            item.UID,
			Content:        item.Content,
			Kind:           string(item.Kind),
			Tier:           string(item.Tier),
			CompositeScore: item.CompositeScore,
			AccessCount:    item.AccessCount,
			Tags:           item.Tags,
			CreatedTs:      item.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleListReviewFlags(c echo.Context) error {
	ownerID, err := int32Param(c.QueryParam("ownerId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "ownerId is required")
	}

	flags, err := s.Store.ListReviewFlags(c.Request().Context(), &store.FindReviewFlag{
		OwnerID: &ownerID,
		Limit:   100,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list review flags")
	}
	return c.JSON(http.StatusOK, flags)
}

func int32Param(raw string) (int32, error) {
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"budgetRemainingUsd": s.budget.Remaining(),
		"embeddingModel":     s.embedder.Model(),
		"driver":             s.Profile.Driver,
		"version":            s.Profile.Version,
	})
}
