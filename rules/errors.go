package rules

import "errors"

var (
	// ErrRuleNotFound is returned by stores when a rule ID does not exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidRule is returned when a rule fails validation before any
	// persistence write.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrBadExpression is returned when an expression condition does not
	// compile or is not boolean-valued.
	ErrBadExpression = errors.New("bad expression")

	// ErrInvalidContext is returned when an evaluation context is missing a
	// required field. The evaluation fails with an ERROR decision, not a
	// BLOCK.
	ErrInvalidContext = errors.New("invalid evaluation context")

	// ErrStoreUnavailable wraps store failures on a cache miss, when the
	// evaluation cannot obtain a rule set at all.
	ErrStoreUnavailable = errors.New("rule store unavailable")
)
