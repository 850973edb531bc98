package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// newExpressionEnv builds the CEL environment shared by all expression
// conditions. Exactly two variables are declared: "data" (the request's
// resource data) and "user" (identity, roles, permissions). CEL is a
// non-Turing-complete expression language, so stored expressions cannot
// escape this surface; anything outside it fails compilation at rule
// creation time.
func newExpressionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.DynType),
		cel.Variable("user", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	return env, nil
}

// compileExpression compiles an expression source to a CEL program and
// caches it keyed by source, so a rule update that reuses an expression does
// not recompile it. Non-boolean expressions are rejected.
func (en *Engine) compileExpression(source string) error {
	en.mu.RLock()
	_, exists := en.programs[source]
	en.mu.RUnlock()
	if exists {
		return nil
	}

	ast, issues := en.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("%w: %v", ErrBadExpression, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return fmt.Errorf("%w: expression must be boolean, got %s", ErrBadExpression, ast.OutputType())
	}

	// Cost limit guards against runaway expressions reaching us from stored,
	// editable rule data.
	prog, err := en.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(1_000_000),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadExpression, err)
	}

	en.mu.Lock()
	en.programs[source] = prog
	en.mu.Unlock()

	return nil
}

// compileRuleExpressions compiles every expression reachable in the rule's
// condition tree. Called at rule creation/update and when a store snapshot
// is loaded into the cache.
func (en *Engine) compileRuleExpressions(r *Rule) error {
	for _, source := range r.Condition.expressions() {
		if err := en.compileExpression(source); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return nil
}

// evalExpression runs a previously compiled expression against the context.
// A reference to a field absent from the context fails evaluation, which the
// caller treats as "not matched".
func (en *Engine) evalExpression(source string, ec *EvaluationContext) (bool, error) {
	en.mu.RLock()
	prog, exists := en.programs[source]
	en.mu.RUnlock()

	if !exists {
		// Rules loaded through the store are compiled at snapshot time, so
		// this only happens for stores populated out of band.
		if err := en.compileExpression(source); err != nil {
			return false, err
		}
		en.mu.RLock()
		prog = en.programs[source]
		en.mu.RUnlock()
	}

	data := ec.ResourceData
	if data == nil {
		data = map[string]any{}
	}

	out, _, err := prog.Eval(map[string]any{
		"data": data,
		"user": map[string]any{
			"id":          ec.UserID,
			"roles":       ec.Roles,
			"permissions": ec.Permissions,
		},
	})
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return matched, nil
}
