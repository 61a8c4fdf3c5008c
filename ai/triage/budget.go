package triage

import (
	"sync"

	"github.com/hrygo/mnemod/ai/metrics"
)

// Budget is the rolling hourly spend allowance for full-extraction work.
// Reservations and spend reports come from concurrent request paths, so all
// mutations are atomic with a zero floor.
type Budget struct {
	mu        sync.Mutex
	remaining float64
	capacity  float64
	estimate  float64
	collector *metrics.Collector
}

// NewBudget creates a budget with the given hourly capacity in USD. The
// estimate is the expected cost of one full extraction, charged at
// reservation time.
func NewBudget(capacity, estimate float64, collector *metrics.Collector) *Budget {
	b := &Budget{
		remaining: capacity,
		capacity:  capacity,
		estimate:  estimate,
		collector: collector,
	}
	collector.SetBudgetRemaining(capacity)
	return b
}

// Reserve withdraws the estimated cost of one full extraction. It returns
// false without withdrawing anything when the remaining budget cannot cover
// it; the caller downgrades instead of spending.
func (b *Budget) Reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining < b.estimate {
		return false
	}
	b.remaining -= b.estimate
	b.collector.SetBudgetRemaining(b.remaining)
	return true
}

// ReportSpend implements embed.CostSink. The reservation already charged the
// standard estimate, so only the overage beyond it is withdrawn here.
func (b *Budget) ReportSpend(_, _ string, usd float64) {
	overage := usd - b.estimate
	if overage <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining -= overage
	if b.remaining < 0 {
		b.remaining = 0
	}
	b.collector.SetBudgetRemaining(b.remaining)
}

// Remaining returns the current allowance.
func (b *Budget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Reset restores the full hourly capacity. Called by the scheduler at the
// top of every hour.
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = b.capacity
	b.collector.SetBudgetRemaining(b.remaining)
}
