// Package server wires the memory core services behind an echo HTTP surface
// and runs the background maintenance scheduler.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/ai/cache"
	"github.com/hrygo/mnemod/ai/embed"
	"github.com/hrygo/mnemod/ai/forgetting"
	"github.com/hrygo/mnemod/ai/metrics"
	"github.com/hrygo/mnemod/ai/routing"
	"github.com/hrygo/mnemod/ai/scoring"
	"github.com/hrygo/mnemod/ai/tiers"
	"github.com/hrygo/mnemod/ai/triage"
	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
)

type Server struct {
	e *echo.Echo

	Profile *profile.Profile
	Store   *store.Store

	embedder   embed.Service
	extractor  embed.FactExtractor
	scorer     *scoring.Scorer
	resolver   *routing.ThresholdResolver
	cache      *cache.QualityCache
	triager    *triage.Triager
	budget     *triage.Budget
	tiers      *tiers.Manager
	forgetting *forgetting.Service
	collector  *metrics.Collector
}

// NewServer builds the full service graph. All structural validation
// (weights, floors, bounds, filter expressions) happens here, so a
// misconfigured instance refuses to start.
func NewServer(_ context.Context, instanceProfile *profile.Profile, storeInstance *store.Store) (*Server, error) {
	collector := metrics.NewCollector(metrics.Config{})

	var embedder embed.Service
	if instanceProfile.IsAIEnabled() {
		svc, err := embed.NewService(embed.ConfigFromProfile(instanceProfile))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create embedding service")
		}
		embedder = svc
	} else {
		// No provider key: hash-based vectors keep the system functional for
		// development, with exact-match semantics only.
		slog.Warn("no embedding api key configured, using static hash embedder")
		embedder = embed.NewStatic(instanceProfile.AIEmbeddingDimensions)
	}

	scorer, err := scoring.NewScorer(scoring.ConfigFromProfile(instanceProfile))
	if err != nil {
		return nil, err
	}
	resolver, err := routing.NewThresholdResolver()
	if err != nil {
		return nil, err
	}

	forgettingService, err := forgetting.New(forgetting.ConfigFromProfile(instanceProfile), storeInstance, embedder, collector)
	if err != nil {
		return nil, err
	}

	qualityCache, err := cache.New(cache.ConfigFromProfile(instanceProfile), storeInstance, embedder, resolver, forgettingService, collector)
	if err != nil {
		return nil, err
	}

	tierManager, err := tiers.New(tiers.ConfigFromProfile(instanceProfile), storeInstance, scorer, forgettingService, collector)
	if err != nil {
		return nil, err
	}

	budget := triage.NewBudget(instanceProfile.TriageHourlyBudget, instanceProfile.TriageExtractionCost, collector)
	triager, err := triage.New(triage.ConfigFromProfile(instanceProfile), budget, collector)
	if err != nil {
		return nil, err
	}

	var extractor embed.FactExtractor
	if instanceProfile.ALLMAPIKey != "" {
		extractor, err = embed.NewFactExtractor(embed.ExtractorConfigFromProfile(instanceProfile), budget)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create fact extractor")
		}
	} else {
		slog.Warn("no extraction llm configured, full extraction falls back to tagging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		e:          e,
		Profile:    instanceProfile,
		Store:      storeInstance,
		embedder:   embedder,
		extractor:  extractor,
		scorer:     scorer,
		resolver:   resolver,
		cache:      qualityCache,
		triager:    triager,
		budget:     budget,
		tiers:      tierManager,
		forgetting: forgettingService,
		collector:  collector,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.e.GET("/healthz", s.handleHealthz)
	s.e.GET("/metrics", echo.WrapHandler(s.collector.Handler()))

	v1 := s.e.Group("/api/v1")
	v1.POST("/cache/lookup", s.handleCacheLookup)
	v1.POST("/cache/admit", s.handleCacheAdmit)
	v1.POST("/cache/:uid/feedback", s.handleCacheFeedback)
	v1.POST("/ingest", s.handleIngest)
	v1.POST("/sweeps/:name/run", s.handleSweep)
	v1.GET("/memories", s.handleListMemories)
	v1.POST("/memories/search", s.handleMemorySearch)
	v1.GET("/review-flags", s.handleListReviewFlags)
	v1.GET("/stats", s.handleStats)
}

// Start begins serving and launches the background scheduler. It returns
// once the listener is up; serving errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	go s.runScheduler(ctx)

	addr := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.e.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down http server", "error", err)
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
	slog.Info("server shut down")
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	})
}
