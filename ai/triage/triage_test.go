package triage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTriager(t *testing.T, hourlyBudget float64) (*Triager, *Budget) {
	t.Helper()
	budget := NewBudget(hourlyBudget, 0.01, nil)
	triager, err := New(Config{MinLength: 10, ValueCutoff: 0.5}, budget, nil)
	require.NoError(t, err)
	return triager, budget
}

func TestGreetingsAreTransient(t *testing.T) {
	triager, _ := newTestTriager(t, 1.0)

	for _, query := range []string{
		"hello",
		"  Hello!  ",
		"good morning",
		"thanks!",
		"ok",
		"see you",
		"what time is it?",
		"short",
	} {
		decision := triager.Triage(Interaction{ID: "i1", Query: query})
		require.Equal(t, ActionTransient, decision.Action, "query %q", query)
		require.Zero(t, decision.Score)
	}
}

func TestHighValueInteractionGetsFullExtraction(t *testing.T) {
	triager, _ := newTestTriager(t, 1.0)

	decision := triager.Triage(Interaction{
		ID:               "i2",
		Query:            "actually, I prefer tabs over spaces, remember that for all my projects",
		Response:         "Noted. Here is your updated formatter config:\n```yaml\nindent: tab\n```\n" + longText(800),
		FollowUpTurns:    3,
		PositiveFeedback: true,
		SessionDuration:  15 * time.Minute,
		TopicNovelty:     0.8,
	})
	require.Equal(t, ActionFullExtraction, decision.Action)
	require.GreaterOrEqual(t, decision.Score, 0.5)
	require.False(t, decision.BudgetExhausted)
	require.Contains(t, decision.Signals, "code_blocks")
	require.Contains(t, decision.Signals, "durable_cue")
}

func TestLowValueInteractionGetsLightweightTagging(t *testing.T) {
	triager, _ := newTestTriager(t, 1.0)

	decision := triager.Triage(Interaction{
		ID:       "i3",
		Query:    "can you reword this sentence for me please",
		Response: "Sure, here is a reworded version.",
	})
	require.Equal(t, ActionLightweightTagging, decision.Action)
	require.Less(t, decision.Score, 0.5)
	require.False(t, decision.BudgetExhausted)
}

func TestBudgetExhaustionDowngrades(t *testing.T) {
	// Budget covers exactly two extractions.
	triager, budget := newTestTriager(t, 0.02)

	rich := Interaction{
		ID:               "i4",
		Query:            "I always deploy on Fridays, remember that and warn me about it",
		Response:         "Noted.\n```sh\ndeploy --env prod\n```\n" + longText(800),
		FollowUpTurns:    3,
		PositiveFeedback: true,
		SessionDuration:  20 * time.Minute,
		TopicNovelty:     1.0,
	}

	first := triager.Triage(rich)
	second := triager.Triage(rich)
	require.Equal(t, ActionFullExtraction, first.Action)
	require.Equal(t, ActionFullExtraction, second.Action)

	// Third qualifies on signals but the budget is gone.
	third := triager.Triage(rich)
	require.Equal(t, ActionLightweightTagging, third.Action)
	require.True(t, third.BudgetExhausted)
	require.GreaterOrEqual(t, third.Score, 0.5)
	require.Zero(t, budget.Remaining())

	// The hourly reset restores full extraction.
	budget.Reset()
	fourth := triager.Triage(rich)
	require.Equal(t, ActionFullExtraction, fourth.Action)
	require.False(t, fourth.BudgetExhausted)
}

func TestBudgetNeverDoubleSpends(t *testing.T) {
	// 50 concurrent reservations against a budget that covers 10.
	budget := NewBudget(0.10, 0.01, nil)
	var wg sync.WaitGroup
	granted := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted <- budget.Reserve()
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for ok := range granted {
		if ok {
			count++
		}
	}
	require.Equal(t, 10, count)
	require.Zero(t, budget.Remaining())
}

func TestReportSpendChargesOnlyOverage(t *testing.T) {
	budget := NewBudget(1.0, 0.01, nil)
	require.True(t, budget.Reserve())
	require.InDelta(t, 0.99, budget.Remaining(), 1e-9)

	// Actual spend matched the estimate: nothing extra withdrawn.
	budget.ReportSpend("openai", "extract", 0.01)
	require.InDelta(t, 0.99, budget.Remaining(), 1e-9)

	// Actual spend ran over: only the overage is withdrawn.
	budget.ReportSpend("openai", "extract", 0.05)
	require.InDelta(t, 0.95, budget.Remaining(), 1e-9)
}

func TestContainsCodeBlock(t *testing.T) {
	require.True(t, containsCodeBlock("look:\n```go\nfmt.Println(\"hi\")\n```"))
	require.False(t, containsCodeBlock("no code here, just prose about programming"))
}

func longText(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = 'a'
	}
	return string(out)
}
