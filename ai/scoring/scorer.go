// Package scoring computes the composite relevance score used to rank and
// tier memory items.
package scoring

import (
	"math"

	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/internal/profile"
	"github.com/hrygo/mnemod/store"
)

// SubScores are the five weighted components of the composite score, each
// expected in [0, 1].
type SubScores struct {
	Semantic   float64
	Recency    float64
	Outcome    float64
	Frequency  float64
	Correction float64
}

// Weights are the mixing weights for the sub-scores. They must sum to 1.0.
type Weights struct {
	Semantic   float64
	Recency    float64
	Outcome    float64
	Frequency  float64
	Correction float64
}

// Sum returns the weight total.
func (w Weights) Sum() float64 {
	return w.Semantic + w.Recency + w.Outcome + w.Frequency + w.Correction
}

// Config configures a Scorer.
type Config struct {
	Weights    Weights
	DecayRate  float64 // per-day exponential decay rate
	PIIPenalty float64 // flat penalty when content is sensitive
}

// ConfigFromProfile builds the scoring config from the instance profile.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		Weights: Weights{
			Semantic:   p.ScoreWeightSemantic,
			Recency:    p.ScoreWeightRecency,
			Outcome:    p.ScoreWeightOutcome,
			Frequency:  p.ScoreWeightFrequency,
			Correction: p.ScoreWeightCorrection,
		},
		DecayRate:  p.ScoreDecayRate,
		PIIPenalty: p.ScorePIIPenalty,
	}
}

// Scorer computes composite relevance scores. It is a pure function holder:
// no I/O, deterministic for identical inputs, safe for concurrent use.
type Scorer struct {
	cfg Config
}

// NewScorer validates the config and returns a scorer. Weights not summing
// to 1.0 are a structural error, never silently renormalized.
func NewScorer(cfg Config) (*Scorer, error) {
	if math.Abs(cfg.Weights.Sum()-1.0) > 1e-9 {
		return nil, errors.Errorf("score weights must sum to 1.0, got %.6f", cfg.Weights.Sum())
	}
	if cfg.DecayRate < 0 {
		return nil, errors.New("decay rate must be non-negative")
	}
	if cfg.PIIPenalty < 0 {
		return nil, errors.New("pii penalty must be non-negative")
	}
	return &Scorer{cfg: cfg}, nil
}

// Composite computes the age-decayed, penalty-adjusted relevance score,
// clamped to a zero floor.
func (s *Scorer) Composite(sub SubScores, ageDays float64, sensitive bool) float64 {
	w := s.cfg.Weights
	base := w.Semantic*sub.Semantic +
		w.Recency*sub.Recency +
		w.Outcome*sub.Outcome +
		w.Frequency*sub.Frequency +
		w.Correction*sub.Correction

	score := base * math.Exp(-s.cfg.DecayRate*ageDays)
	if sensitive {
		score -= s.cfg.PIIPenalty
	}
	if score < 0 {
		return 0
	}
	return score
}

// CompositeForItem scores a stored item at the given unix time, deriving age
// from the item's creation timestamp.
func (s *Scorer) CompositeForItem(item *store.MemoryItem, nowTs int64) float64 {
	ageDays := float64(nowTs-item.CreatedTs) / 86400.0
	if ageDays < 0 {
		ageDays = 0
	}
	return s.Composite(SubScores{
		Semantic:   item.ScoreSemantic,
		Recency:    item.ScoreRecency,
		Outcome:    item.ScoreOutcome,
		Frequency:  item.ScoreFrequency,
		Correction: item.ScoreCorrection,
	}, ageDays, item.Sensitive)
}
