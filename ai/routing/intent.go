// Package routing classifies retrieval intent and resolves per-store
// similarity thresholds from it.
package routing

import (
	"regexp"
	"strings"
	"sync"
)

// Intent represents the purpose of a retrieval query.
type Intent string

const (
	IntentExactRecall       Intent = "exact_recall"
	IntentConceptualExplore Intent = "conceptual_explore"
	IntentTroubleshoot      Intent = "troubleshoot"
	IntentCompare           Intent = "compare"
	IntentDefault           Intent = "default"
)

// AllIntents lists every member of the closed intent enumeration.
func AllIntents() []Intent {
	return []Intent{
		IntentExactRecall,
		IntentConceptualExplore,
		IntentTroubleshoot,
		IntentCompare,
		IntentDefault,
	}
}

// intentRule is one keyword/pattern rule for classification. Higher priority
// rules are checked first.
type intentRule struct {
	pattern  *regexp.Regexp
	intent   Intent
	keywords []string
	priority int
}

var intentRules = sync.OnceValue(func() []intentRule {
	return []intentRule{
		{
			intent:   IntentExactRecall,
			priority: 40,
			keywords: []string{"what did i say", "remind me", "exactly", "verbatim", "quote", "what was the"},
			pattern:  regexp.MustCompile(`(?i)\b(when|where|who)\s+(did|was|is)\b`),
		},
		{
			intent:   IntentTroubleshoot,
			priority: 30,
			keywords: []string{"error", "fail", "failing", "broken", "fix", "doesn't work", "not working", "crash", "debug"},
		},
		{
			intent:   IntentCompare,
			priority: 20,
			keywords: []string{"versus", " vs ", "compare", "difference between", "better than", "or should i"},
		},
		{
			intent:   IntentConceptualExplore,
			priority: 10,
			keywords: []string{"how does", "why does", "explain", "overview", "ideas", "related to", "tell me about", "brainstorm"},
		},
	}
})

// ClassifyIntent maps a query to a retrieval intent using keyword and pattern
// rules. Unmatched queries classify as IntentDefault; classification never
// fails.
func ClassifyIntent(query string) Intent {
	normalized := " " + strings.ToLower(strings.TrimSpace(query)) + " "
	if strings.TrimSpace(normalized) == "" {
		return IntentDefault
	}

	best, bestPriority := IntentDefault, -1
	for _, rule := range intentRules() {
		if rule.priority <= bestPriority {
			continue
		}
		matched := false
		for _, kw := range rule.keywords {
			if strings.Contains(normalized, kw) {
				matched = true
				break
			}
		}
		if !matched && rule.pattern != nil && rule.pattern.MatchString(normalized) {
			matched = true
		}
		if matched {
			best, bestPriority = rule.intent, rule.priority
		}
	}
	return best
}

// ParseIntent converts a wire string to an Intent, falling back to
// IntentDefault for anything unknown.
func ParseIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentExactRecall:
		return IntentExactRecall
	case IntentConceptualExplore:
		return IntentConceptualExplore
	case IntentTroubleshoot:
		return IntentTroubleshoot
	case IntentCompare:
		return IntentCompare
	default:
		return IntentDefault
	}
}
