package tiers

import (
	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"github.com/hrygo/mnemod/store"
)

// RetentionFilter is an operator-supplied CEL expression evaluated against
// cleanup candidates. An item for which the expression is true is retained
// even though it qualifies for deletion.
//
// Example: `"pinned" in tags || kind == "knowledge"`
type RetentionFilter struct {
	program cel.Program
}

// NewRetentionFilter compiles the expression. An empty expression yields a
// nil filter, which retains nothing.
func NewRetentionFilter(expression string) (*RetentionFilter, error) {
	if expression == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("tier", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("composite_score", cel.DoubleType),
		cel.Variable("access_count", cel.IntType),
		cel.Variable("age_days", cel.DoubleType),
		cel.Variable("sensitive", cel.BoolType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}

	celAST, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "invalid retention filter: %s", expression)
	}
	if !celAST.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("retention filter must evaluate to bool, got %s", celAST.OutputType())
	}

	program, err := env.Program(celAST)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build retention filter program")
	}
	return &RetentionFilter{program: program}, nil
}

// Retain reports whether the filter protects the item from cleanup.
// Evaluation errors fail closed toward retention so a bad filter never
// widens deletion.
func (f *RetentionFilter) Retain(item *store.MemoryItem, nowTs int64) (bool, error) {
	if f == nil {
		return false, nil
	}
	ageDays := float64(nowTs-item.CreatedTs) / 86400.0
	out, _, err := f.program.Eval(map[string]any{
		"tier":            string(item.Tier),
		"kind":            string(item.Kind),
		"tags":            item.Tags,
		"composite_score": item.CompositeScore,
		"access_count":    item.AccessCount,
		"age_days":        ageDays,
		"sensitive":       item.Sensitive,
	})
	if err != nil {
		return true, errors.Wrap(err, "retention filter evaluation failed")
	}
	retained, ok := out.Value().(bool)
	if !ok {
		return true, errors.Errorf("retention filter returned %T, want bool", out.Value())
	}
	return retained, nil
}
