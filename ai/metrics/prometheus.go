// Package metrics provides Prometheus metrics export for the memory core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector registers and records the core's metrics. A nil *Collector is
// valid and records nothing, so components can be wired without metrics in
// tests.
type Collector struct {
	registry *prometheus.Registry

	cacheLookups   *prometheus.CounterVec
	cacheAdmits    *prometheus.CounterVec
	cacheFeedback  *prometheus.CounterVec
	cacheDemotions prometheus.Counter
	lookupLatency  prometheus.Histogram

	triageDecisions *prometheus.CounterVec
	budgetRemaining prometheus.Gauge

	sweepDuration *prometheus.HistogramVec
	sweepAffected *prometheus.CounterVec
	sweepDeleted  *prometheus.CounterVec

	flagsCreated prometheus.Counter
}

// Config configures the collector.
type Config struct {
	// Registry to use (if nil, creates a new one).
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds).
	LatencyBuckets []float64
}

// NewCollector creates a collector with all series registered.
func NewCollector(cfg Config) *Collector {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2, 5}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{registry: registry}

	c.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemod", Subsystem: "cache",
		Name: "lookups_total", Help: "Cache lookups by outcome",
	}, []string{"outcome"})

	c.cacheAdmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemod", Subsystem: "cache",
		Name: "admissions_total", Help: "Cache admissions by outcome",
	}, []string{"outcome"})

	c.cacheFeedback = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemod", Subsystem: "cache",
		Name: "feedback_total", Help: "Cache feedback events by polarity",
	}, []string{"polarity"})

	c.cacheDemotions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mnemod", Subsystem: "cache",
		Name: "demotions_total", Help: "Entries demoted after repeated negative feedback",
	})

	c.lookupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mnemod", Subsystem: "cache",
		Name: "lookup_latency_seconds", Help: "Cache lookup latency in seconds",
		Buckets: cfg.LatencyBuckets,
	})

	c.triageDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemod", Subsystem: "triage",
		Name: "decisions_total", Help: "Triage decisions by outcome and downgrade",
	}, []string{"decision", "downgraded"})

	c.budgetRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mnemod", Subsystem: "triage",
		Name: "budget_remaining_usd", Help: "Remaining hourly extraction budget",
	})

	c.sweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mnemod", Subsystem: "tiers",
		Name: "sweep_duration_seconds", Help: "Maintenance sweep duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"sweep"})

	c.sweepAffected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemod", Subsystem: "tiers",
		Name: "sweep_items_affected_total", Help: "Items touched by sweeps",
	}, []string{"sweep"})

	c.sweepDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mnemod", Subsystem: "tiers",
		Name: "sweep_items_deleted_total", Help: "Items deleted by sweeps",
	}, []string{"sweep"})

	c.flagsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mnemod", Subsystem: "forgetting",
		Name: "review_flags_total", Help: "Review flags created by propagation",
	})

	registry.MustRegister(
		c.cacheLookups, c.cacheAdmits, c.cacheFeedback, c.cacheDemotions, c.lookupLatency,
		c.triageDecisions, c.budgetRemaining,
		c.sweepDuration, c.sweepAffected, c.sweepDeleted,
		c.flagsCreated,
	)
	return c
}

// Handler returns the scrape endpoint handler.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordCacheLookup(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(outcome).Inc()
	c.lookupLatency.Observe(elapsed.Seconds())
}

func (c *Collector) RecordCacheAdmit(outcome string) {
	if c == nil {
		return
	}
	c.cacheAdmits.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordCacheFeedback(positive bool) {
	if c == nil {
		return
	}
	polarity := "negative"
	if positive {
		polarity = "positive"
	}
	c.cacheFeedback.WithLabelValues(polarity).Inc()
}

func (c *Collector) RecordCacheDemotion() {
	if c == nil {
		return
	}
	c.cacheDemotions.Inc()
}

func (c *Collector) RecordTriageDecision(decision string, downgraded bool) {
	if c == nil {
		return
	}
	label := "false"
	if downgraded {
		label = "true"
	}
	c.triageDecisions.WithLabelValues(decision, label).Inc()
}

func (c *Collector) SetBudgetRemaining(usd float64) {
	if c == nil {
		return
	}
	c.budgetRemaining.Set(usd)
}

func (c *Collector) RecordSweep(sweep string, affected, deleted int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.WithLabelValues(sweep).Observe(elapsed.Seconds())
	c.sweepAffected.WithLabelValues(sweep).Add(float64(affected))
	c.sweepDeleted.WithLabelValues(sweep).Add(float64(deleted))
}

func (c *Collector) RecordReviewFlags(n int) {
	if c == nil {
		return
	}
	c.flagsCreated.Add(float64(n))
}
