// Package triage decides, per interaction, how much durable processing it
// deserves: full LLM-based fact extraction, cheap keyword tagging, or
// nothing. Full extraction is the only path that spends money, so the
// triager is conservative and downgrades whenever the hourly budget cannot
// cover the work.
package triage

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/hrygo/mnemod/ai/metrics"
	"github.com/hrygo/mnemod/internal/profile"
)

// Action is the processing depth assigned to an interaction.
type Action string

const (
	ActionFullExtraction     Action = "FULL_EXTRACTION"
	ActionLightweightTagging Action = "LIGHTWEIGHT_TAGGING"
	ActionTransient          Action = "TRANSIENT"
)

// Interaction carries the features of one completed user exchange.
type Interaction struct {
	ID               string
	Query            string
	Response         string
	FollowUpTurns    int
	PositiveFeedback bool
	SessionDuration  time.Duration
	// TopicNovelty in [0,1] is supplied by the caller's retrieval layer:
	// 1 means nothing similar exists in the memory space yet.
	TopicNovelty float64
}

// Decision is the immutable outcome of triage for one interaction.
type Decision struct {
	InteractionID   string             `json:"interactionId"`
	Action          Action             `json:"action"`
	Score           float64            `json:"score"`
	Signals         map[string]float64 `json:"signals,omitempty"`
	BudgetExhausted bool               `json:"budgetExhausted"`
	CreatedTs       int64              `json:"createdTs"`
}

// Config configures the triager.
type Config struct {
	// MinLength is the minimum query length in runes; anything shorter is
	// transient.
	MinLength int

	// ValueCutoff is the weighted signal sum needed for full extraction.
	ValueCutoff float64
}

// ConfigFromProfile builds the triage config from the instance profile.
func ConfigFromProfile(p *profile.Profile) Config {
	return Config{
		MinLength:   p.TriageMinLength,
		ValueCutoff: p.TriageValueCutoff,
	}
}

// Triager evaluates interactions against the signal model and the budget.
type Triager struct {
	cfg       Config
	budget    *Budget
	collector *metrics.Collector
	now       func() time.Time
}

// New creates a triager. The budget is required; the collector may be nil.
func New(cfg Config, budget *Budget, collector *metrics.Collector) (*Triager, error) {
	if budget == nil {
		return nil, errors.New("budget required")
	}
	if cfg.ValueCutoff <= 0 || cfg.ValueCutoff > 1 {
		return nil, errors.Errorf("value cutoff must be in (0,1], got %v", cfg.ValueCutoff)
	}
	return &Triager{cfg: cfg, budget: budget, collector: collector, now: time.Now}, nil
}

// Signal weights. They sum to 1.0 so the value score stays in [0,1].
const (
	weightFollowUps    = 0.20
	weightRespLength   = 0.15
	weightCodeBlocks   = 0.20
	weightPositiveFb   = 0.15
	weightSessionTime  = 0.10
	weightTopicNovelty = 0.10
	weightDurableCue   = 0.10
)

// Triage classifies one interaction. It never fails: a degenerate input is
// simply transient.
func (t *Triager) Triage(interaction Interaction) Decision {
	decision := Decision{
		InteractionID: interaction.ID,
		CreatedTs:     t.now().Unix(),
	}

	if t.isTransient(interaction.Query) {
		decision.Action = ActionTransient
		t.record(decision)
		return decision
	}

	signals := map[string]float64{
		"follow_ups":       clamp01(float64(interaction.FollowUpTurns)/3) * weightFollowUps,
		"response_length":  clamp01(float64(len(interaction.Response))/800) * weightRespLength,
		"session_duration": clamp01(interaction.SessionDuration.Minutes()/10) * weightSessionTime,
		"topic_novelty":    clamp01(interaction.TopicNovelty) * weightTopicNovelty,
	}
	if containsCodeBlock(interaction.Query) || containsCodeBlock(interaction.Response) {
		signals["code_blocks"] = weightCodeBlocks
	}
	if interaction.PositiveFeedback {
		signals["positive_feedback"] = weightPositiveFb
	}
	if hasDurableCue(interaction.Query) {
		signals["durable_cue"] = weightDurableCue
	}

	var score float64
	for _, v := range signals {
		score += v
	}
	decision.Score = score
	decision.Signals = signals

	if score < t.cfg.ValueCutoff {
		decision.Action = ActionLightweightTagging
		t.record(decision)
		return decision
	}

	if !t.budget.Reserve() {
		decision.Action = ActionLightweightTagging
		decision.BudgetExhausted = true
		t.record(decision)
		return decision
	}

	decision.Action = ActionFullExtraction
	t.record(decision)
	return decision
}

func (t *Triager) record(d Decision) {
	t.collector.RecordTriageDecision(string(d.Action), d.BudgetExhausted)
}

func (t *Triager) isTransient(query string) bool {
	normalized := strings.ToLower(strings.TrimSpace(query))
	if utf8.RuneCountInString(normalized) < t.cfg.MinLength {
		return true
	}
	for _, pattern := range transientPatterns() {
		if pattern.MatchString(normalized) {
			return true
		}
	}
	return false
}

// transientPatterns match greetings, closings and trivial utility questions
// that carry nothing worth remembering.
var transientPatterns = sync.OnceValue(func() []*regexp.Regexp {
	raw := []string{
		`^(hi|hello|hey|yo|good (morning|afternoon|evening|night))[\s!.,]*$`,
		`^(thanks|thank you|thx|ty|cheers)[\s!.,]*$`,
		`^(ok|okay|sure|yes|no|yep|nope|got it|cool|great|nice|sounds good)[\s!.,]*$`,
		`^(bye|goodbye|see you|later|good ?night)[\s!.,]*$`,
		`^what time is it[\s?.!]*$`,
		`^(how are you|what'?s up)[\s?.!]*$`,
	}
	patterns := make([]*regexp.Regexp, 0, len(raw))
	for _, r := range raw {
		patterns = append(patterns, regexp.MustCompile(r))
	}
	return patterns
})

// durableCues flag statements the user likely wants remembered: corrections,
// preferences and self-descriptions.
var durableCues = []string{
	"actually", "no, i meant", "that's wrong", "that is wrong", "correction",
	"i prefer", "i like", "i hate", "i always", "i never", "call me",
	"my name is", "i work", "i live", "remember that", "from now on",
}

func hasDurableCue(query string) bool {
	normalized := strings.ToLower(query)
	for _, cue := range durableCues {
		if strings.Contains(normalized, cue) {
			return true
		}
	}
	return false
}

// containsCodeBlock reports whether the markdown text carries a fenced or
// indented code block.
func containsCodeBlock(md string) bool {
	if !strings.Contains(md, "```") && !strings.Contains(md, "~~~") && !strings.Contains(md, "\n    ") {
		return false
	}
	root := goldmark.DefaultParser().Parse(text.NewReader([]byte(md)))
	found := false
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock:
			found = true
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
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
