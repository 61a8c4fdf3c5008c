package routing

import (
	"github.com/pkg/errors"
)

// ThresholdProfile maps each store to the minimum similarity required for a
// search match to count as a hit.
type ThresholdProfile struct {
	Cache     float32
	Raw       float32
	Knowledge float32
}

// defaultThresholdTable is the static intent -> profile table. EXACT_RECALL
// carries the highest thresholds (precision), CONCEPTUAL_EXPLORE the lowest
// (recall); the others interpolate.
var defaultThresholdTable = map[Intent]ThresholdProfile{
	IntentExactRecall:       {Cache: 0.95, Raw: 0.90, Knowledge: 0.85},
	IntentConceptualExplore: {Cache: 0.88, Raw: 0.70, Knowledge: 0.60},
	IntentTroubleshoot:      {Cache: 0.92, Raw: 0.80, Knowledge: 0.72},
	IntentCompare:           {Cache: 0.90, Raw: 0.78, Knowledge: 0.70},
	IntentDefault:           {Cache: 0.92, Raw: 0.80, Knowledge: 0.75},
}

// ThresholdResolver is an immutable intent -> ThresholdProfile lookup.
// Resolution is pure computation with no failure mode: unknown intents
// resolve to the DEFAULT profile.
type ThresholdResolver struct {
	table map[Intent]ThresholdProfile
}

// NewThresholdResolver builds a resolver from the default table.
func NewThresholdResolver() (*ThresholdResolver, error) {
	return NewThresholdResolverWithTable(defaultThresholdTable)
}

// NewThresholdResolverWithTable builds a resolver from a custom table. Every
// intent of the closed enumeration must be covered; this is checked once at
// startup rather than on each lookup.
func NewThresholdResolverWithTable(table map[Intent]ThresholdProfile) (*ThresholdResolver, error) {
	copied := make(map[Intent]ThresholdProfile, len(table))
	for intent, prof := range table {
		for name, v := range map[string]float32{"cache": prof.Cache, "raw": prof.Raw, "knowledge": prof.Knowledge} {
			if v <= 0 || v > 1 {
				return nil, errors.Errorf("threshold %s for intent %s must be in (0, 1], got %.2f", name, intent, v)
			}
		}
		copied[intent] = prof
	}
	for _, intent := range AllIntents() {
		if _, ok := copied[intent]; !ok {
			return nil, errors.Errorf("threshold table missing intent %s", intent)
		}
	}
	return &ThresholdResolver{table: copied}, nil
}

// Resolve returns the threshold profile for an intent. Unknown intents fall
// back to DEFAULT; Resolve never fails.
func (r *ThresholdResolver) Resolve(intent Intent) ThresholdProfile {
	if prof, ok := r.table[intent]; ok {
		return prof
	}
	return r.table[IntentDefault]
}
