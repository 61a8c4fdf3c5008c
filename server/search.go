package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/mnemod/ai/routing"
	"github.com/hrygo/mnemod/ai/scoring"
	"github.com/hrygo/mnemod/store"
)

type memorySearchRequest struct {
	OwnerID int32  `json:"ownerId"`
	Query   string `json:"query"`
	Intent  string `json:"intent"`
	// Kind restricts the search to "raw" or "knowledge"; empty searches both.
	Kind  string `json:"kind"`
	Limit int    `json:"limit"`
}

type memorySearchMatch struct {
	Similarity float32            `json:"similarity"`
	Item       *memoryItemPayload `json:"item"`
}

type memorySearchResponse struct {
	Intent  routing.Intent       `json:"intent"`
	Matches []*memorySearchMatch `json:"matches"`
}

// handleMemorySearch runs a similarity search over the memory stores using
// the intent's per-store thresholds. Matched items are touched: access count
// bumped, recency restored, composite recomputed. Embedding failures degrade
// to an empty result.
func (s *Server) handleMemorySearch(c echo.Context) error {
	var req memorySearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 10
	}

	var intent routing.Intent
	if req.Intent != "" {
		intent = routing.ParseIntent(req.Intent)
	} else {
		intent = routing.ClassifyIntent(req.Query)
	}
	thresholds := s.resolver.Resolve(intent)

	ctx := c.Request().Context()
	vector, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		slog.Warn("memory search embedding failed", "error", err)
		return c.JSON(http.StatusOK, memorySearchResponse{Intent: intent, Matches: []*memorySearchMatch{}})
	}

	kinds := []struct {
		kind  store.MemoryKind
		bound float32
	}{
		{store.KindRaw, thresholds.Raw},
		{store.KindKnowledge, thresholds.Knowledge},
	}

	matches := []*store.MemoryItemMatch{}
	for _, k := range kinds {
		if req.Kind != "" && req.Kind != string(k.kind) {
			continue
		}
		kind := k.kind
		found, err := s.Store.MemoryVectorSearch(ctx, &store.MemoryVectorSearch{
			Embedding:     vector,
			OwnerID:       &req.OwnerID,
			Kind:          &kind,
			MinSimilarity: k.bound,
			Limit:         req.Limit,
		})
		if err != nil {
			slog.Warn("memory search failed", "kind", kind, "error", err)
			continue
		}
		matches = append(matches, found...)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}

	payload := make([]*memorySearchMatch, 0, len(matches))
	for _, match := range matches {
		s.touchItem(ctx, match.Item)
		payload = append(payload, &memorySearchMatch{
			Similarity: match.Similarity,
			Item: &memoryItemPayload{
				UID:            match.Item.UID,
				Content:        match.Item.Content,
				Kind:           string(match.Item.Kind),
				Tier:           string(match.Item.Tier),
				CompositeScore: match.Item.CompositeScore,
				AccessCount:    match.Item.AccessCount,
				Tags:           match.Item.Tags,
				CreatedTs:      match.Item.CreatedTs,
			},
		})
	}
	return c.JSON(http.StatusOK, memorySearchResponse{Intent: intent, Matches: payload})
}

// touchItem records a retrieval hit: access count up, recency restored and
// the composite rescored. Touch failures never fail the search.
func (s *Server) touchItem(ctx context.Context, item *store.MemoryItem) {
	now := time.Now().Unix()
	count, err := s.Store.BumpMemoryItemAccess(ctx, item.ID, 1, now)
	if err != nil {
		slog.Warn("failed to bump item access", "uid", item.UID, "error", err)
		return
	}
	item.AccessCount = count
	item.LastAccessedTs = now

	recency := 1.0
	ageDays := float64(now-item.CreatedTs) / 86400.0
	composite := s.scorer.Composite(scoring.SubScores{
		Semantic:   item.ScoreSemantic,
		Recency:    recency,
		Outcome:    item.ScoreOutcome,
		Frequency:  item.ScoreFrequency,
		Correction: item.ScoreCorrection,
	}, ageDays, item.Sensitive)

	if _, err := s.Store.UpdateMemoryItem(ctx, &store.UpdateMemoryItem{
		ID:             item.ID,
		ScoreRecency:   &recency,
		CompositeScore: &composite,
	}); err != nil {
		slog.Warn("failed to restore item recency", "uid", item.UID, "error", err)
		return
	}
	item.ScoreRecency = recency
	item.CompositeScore = composite
}
