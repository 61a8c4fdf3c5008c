package server

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/mnemod/ai/filter"
	"github.com/hrygo/mnemod/ai/scoring"
	"github.com/hrygo/mnemod/ai/triage"
	"github.com/hrygo/mnemod/store"
)

type ingestRequest struct {
	OwnerID                int32   `json:"ownerId"`
	InteractionID          string  `json:"interactionId"`
	Query                  string  `json:"query"`
	Response               string  `json:"response"`
	FollowUpTurns          int     `json:"followUpTurns"`
	PositiveFeedback       bool    `json:"positiveFeedback"`
	SessionDurationSeconds int     `json:"sessionDurationSeconds"`
	TopicNovelty           float64 `json:"topicNovelty"`
}

type ingestResponse struct {
	Decision triage.Decision `json:"decision"`
	Stored   []string        `json:"stored,omitempty"` // UIDs of created items
}

// handleIngest runs the consolidation pipeline for one completed
// interaction: triage decides the processing depth, accepted interactions
// are scored and placed into a tier.
func (s *Server) handleIngest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	decision := s.triager.Triage(triage.Interaction{
		ID:               req.InteractionID,
		Query:            req.Query,
		Response:         req.Response,
		FollowUpTurns:    req.FollowUpTurns,
		PositiveFeedback: req.PositiveFeedback,
		SessionDuration:  time.Duration(req.SessionDurationSeconds) * time.Second,
		TopicNovelty:     req.TopicNovelty,
	})

	resp := ingestResponse{Decision: decision}
	if decision.Action == triage.ActionTransient {
		return c.JSON(http.StatusOK, resp)
	}

	ctx := c.Request().Context()
	stored, err := s.consolidate(ctx, &req, decision)
	if err != nil {
		slog.Error("consolidation failed", "interaction", req.InteractionID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store interaction")
	}
	resp.Stored = stored
	return c.JSON(http.StatusOK, resp)
}

// consolidate stores the raw exchange and, for full extraction, the facts
// distilled from it as knowledge items.
func (s *Server) consolidate(ctx context.Context, req *ingestRequest, decision triage.Decision) ([]string, error) {
	content := req.Query
	if req.Response != "" {
		content = req.Query + "\n" + req.Response
	}

	stored := []string{}
	raw, err := s.storeItem(ctx, req, content, store.KindRaw, keywordTags(content, 5))
	if err != nil {
		return nil, err
	}
	stored = append(stored, raw.UID)

	if decision.Action != triage.ActionFullExtraction {
		return stored, nil
	}
	if s.extractor == nil {
		slog.Warn("full extraction decided but no extractor configured", "interaction", req.InteractionID)
		return stored, nil
	}

	facts, err := s.extractor.ExtractFacts(ctx, content)
	if err != nil {
		// The raw item already persisted; extraction can be re-run later.
		slog.Warn("fact extraction failed", "interaction", req.InteractionID, "error", err)
		return stored, nil
	}
	for _, fact := range facts {
		item, err := s.storeItem(ctx, req, fact, store.KindKnowledge, keywordTags(fact, 3))
		if err != nil {
			slog.Warn("failed to store extracted fact", "interaction", req.InteractionID, "error", err)
			continue
		}
		stored = append(stored, item.UID)
	}
	return stored, nil
}

func (s *Server) storeItem(ctx context.Context, req *ingestRequest, content string, kind store.MemoryKind, tags []string) (*store.MemoryItem, error) {
	sensitive := filter.IsSensitive(content)
	sub := initialSubScores(req)
	composite := s.scorer.Composite(sub, 0, sensitive)

	item, err := s.Store.CreateMemoryItem(ctx, &store.MemoryItem{
		OwnerID:         req.OwnerID,
		Content:         content,
		Kind:            kind,
		Tier:            s.tiers.TierFor(composite),
		ScoreSemantic:   sub.Semantic,
		ScoreRecency:    sub.Recency,
		ScoreOutcome:    sub.Outcome,
		ScoreFrequency:  sub.Frequency,
		ScoreCorrection: sub.Correction,
		CompositeScore:  composite,
		Sensitive:       sensitive,
		Tags:            tags,
	})
	if err != nil {
		return nil, err
	}

	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		slog.Warn("failed to embed stored item", "item", item.UID, "error", err)
		return item, nil
	}
	if _, err := s.Store.UpsertMemoryItemEmbedding(ctx, &store.MemoryItemEmbedding{
		MemoryItemID: item.ID,
		Embedding:    vector,
		Model:        s.embedder.Model(),
	}); err != nil {
		slog.Warn("failed to store item embedding", "item", item.UID, "error", err)
	}
	return item, nil
}

// initialSubScores derives the starting sub-scores from the interaction
// features. A fresh item always starts with full recency; the other
// components settle through feedback and sweeps.
func initialSubScores(req *ingestRequest) scoring.SubScores {
	sub := scoring.SubScores{
		Semantic: 0.5,
		Recency:  1.0,
		Outcome:  0.5,
	}
	if req.TopicNovelty > 0 {
		sub.Semantic = clamp01(0.5 + req.TopicNovelty/2)
	}
	if req.PositiveFeedback {
		sub.Outcome = 0.8
	}
	if hasCorrectionMarker(req.Query) {
		sub.Correction = 0.8
	}
	return sub
}

var correctionMarker = regexp.MustCompile(`(?i)\b(actually|no,? i meant|that'?s wrong|correction)\b`)

func hasCorrectionMarker(text string) bool {
	return correctionMarker.MatchString(text)
}

var tagStopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "their": {}, "there": {},
	"these": {}, "thing": {}, "think": {}, "those": {}, "using": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "while": {},
	"with": {}, "would": {}, "could": {}, "should": {}, "please": {},
	"your": {}, "this": {}, "that": {}, "have": {}, "from": {},
}

var wordPattern = regexp.MustCompile(`[a-z][a-z0-9-]{3,}`)

// keywordTags is the lightweight non-LLM classification: the most frequent
// non-stopword terms of the content, capped.
func keywordTags(content string, limit int) []string {
	counts := map[string]int{}
	for _, word := range wordPattern.FindAllString(strings.ToLower(content), -1) {
		if _, skip := tagStopwords[word]; skip {
			continue
		}
		counts[word]++
	}

	words := make([]string, 0, len(counts))
	for word := range counts {
		words = append(words, word)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > limit {
		words = words[:limit]
	}
	sort.Strings(words)
	return words
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
