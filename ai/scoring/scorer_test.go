package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/mnemod/store"
)

func defaultConfig() Config {
	return Config{
		Weights: Weights{
			Semantic:   0.35,
			Recency:    0.20,
			Outcome:    0.25,
			Frequency:  0.10,
			Correction: 0.10,
		},
		DecayRate:  0.02,
		PIIPenalty: 0.2,
	}
}

func TestNewScorerRejectsBadWeights(t *testing.T) {
	cfg := defaultConfig()
	cfg.Weights.Semantic = 0.5

	_, err := NewScorer(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestCompositeFreshItem(t *testing.T) {
	scorer, err := NewScorer(defaultConfig())
	require.NoError(t, err)

	got := scorer.Composite(SubScores{
		Semantic:   0.9,
		Recency:    0.8,
		Outcome:    0.7,
		Frequency:  0.5,
		Correction: 0.5,
	}, 0, false)

	// 0.35*0.9 + 0.20*0.8 + 0.25*0.7 + 0.10*0.5 + 0.10*0.5 = 0.745
	assert.InDelta(t, 0.745, got, 1e-9)
}

func TestCompositeDecayedAt50Days(t *testing.T) {
	scorer, err := NewScorer(defaultConfig())
	require.NoError(t, err)

	got := scorer.Composite(SubScores{
		Semantic:   0.9,
		Recency:    0.8,
		Outcome:    0.7,
		Frequency:  0.5,
		Correction: 0.5,
	}, 50, false)

	assert.InDelta(t, 0.745*math.Exp(-1.0), got, 1e-9)
}

func TestCompositeMonotonicInAge(t *testing.T) {
	scorer, err := NewScorer(defaultConfig())
	require.NoError(t, err)

	sub := SubScores{Semantic: 0.6, Recency: 0.6, Outcome: 0.6, Frequency: 0.6, Correction: 0.6}
	prev := math.Inf(1)
	for age := 0.0; age <= 365; age += 7 {
		got := scorer.Composite(sub, age, false)
		assert.LessOrEqual(t, got, prev, "score must not increase with age (age=%v)", age)
		prev = got
	}
}

func TestCompositePIIPenaltyAndFloor(t *testing.T) {
	scorer, err := NewScorer(defaultConfig())
	require.NoError(t, err)

	plain := scorer.Composite(SubScores{Semantic: 0.5}, 0, false)
	sensitive := scorer.Composite(SubScores{Semantic: 0.5}, 0, true)
	assert.InDelta(t, plain-0.2, sensitive, 1e-9)

	// Penalty never pushes the score below zero.
	floored := scorer.Composite(SubScores{Semantic: 0.1}, 0, true)
	assert.Equal(t, 0.0, floored)
}

func TestCompositeDeterministic(t *testing.T) {
	scorer, err := NewScorer(defaultConfig())
	require.NoError(t, err)

	sub := SubScores{Semantic: 0.42, Recency: 0.17, Outcome: 0.88, Frequency: 0.3, Correction: 0.1}
	first := scorer.Composite(sub, 12.5, true)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, scorer.Composite(sub, 12.5, true))
	}
}

func TestCompositeForItem(t *testing.T) {
	scorer, err := NewScorer(defaultConfig())
	require.NoError(t, err)

	now := time.Now().Unix()
	item := &store.MemoryItem{
		ScoreSemantic:   0.9,
		ScoreRecency:    0.8,
		ScoreOutcome:    0.7,
		ScoreFrequency:  0.5,
		ScoreCorrection: 0.5,
		CreatedTs:       now - 50*86400,
	}
	got := scorer.CompositeForItem(item, now)
	assert.InDelta(t, 0.745*math.Exp(-1.0), got, 1e-9)
}
