package rules

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConditionType discriminates the Condition union. The set is closed: the
// evaluator switches over it exhaustively and Validate rejects anything else
// at the persistence boundary, so an unknown type can never reach evaluation.
type ConditionType string

const (
	ConditionExpression ConditionType = "expression"
	ConditionThreshold  ConditionType = "threshold"
	ConditionTimeBased  ConditionType = "time_based"
	ConditionRoleBased  ConditionType = "role_based"
	ConditionPermission ConditionType = "permission_based"
	ConditionComposite  ConditionType = "composite"
)

// Operator is the comparison applied by a threshold condition.
type Operator string

const (
	OpEqual       Operator = "eq"
	OpNotEqual    Operator = "ne"
	OpGreaterThan Operator = "gt"
	OpGreaterEq   Operator = "gte"
	OpLessThan    Operator = "lt"
	OpLessEq      Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "nin"
	OpContains    Operator = "contains"
	OpBetween     Operator = "between"
)

// CompositeLogic folds the child results of a composite condition.
type CompositeLogic string

const (
	LogicAnd CompositeLogic = "AND"
	LogicOr  CompositeLogic = "OR"
)

// Condition is a tagged union over the supported condition kinds. Only the
// fields for the declared Type are meaningful; Validate enforces that.
type Condition struct {
	Type ConditionType `json:"type"`

	// expression
	Expression string `json:"expression,omitempty"`

	// threshold
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	// time_based: either a same-day clock window ("HH:mm", inclusive) or an
	// absolute date range
	StartTime string     `json:"startTime,omitempty"`
	EndTime   string     `json:"endTime,omitempty"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`

	// role_based / permission_based (any-match)
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`

	// composite
	Logic      CompositeLogic `json:"logic,omitempty"`
	Conditions []Condition    `json:"conditions,omitempty"`
}

// maxCompositeDepth bounds condition nesting so a stored rule cannot recurse
// the evaluator arbitrarily deep.
const maxCompositeDepth = 8

// Validate checks the condition union at the persistence boundary.
// Expression compilation is checked separately by the engine, which owns the
// CEL environment.
func (c *Condition) Validate() error {
	return c.validate(0)
}

func (c *Condition) validate(depth int) error {
	if depth > maxCompositeDepth {
		return fmt.Errorf("%w: conditions nested deeper than %d", ErrInvalidRule, maxCompositeDepth)
	}

	switch c.Type {
	case ConditionExpression:
		if strings.TrimSpace(c.Expression) == "" {
			return fmt.Errorf("%w: expression condition requires an expression", ErrInvalidRule)
		}

	case ConditionThreshold:
		if c.Field == "" {
			return fmt.Errorf("%w: threshold condition requires a field", ErrInvalidRule)
		}
		switch c.Operator {
		case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterEq, OpLessThan, OpLessEq,
			OpIn, OpNotIn, OpContains:
		case OpBetween:
			bounds, ok := toSlice(c.Value)
			if !ok || len(bounds) != 2 {
				return fmt.Errorf("%w: between operator requires a two-element bound array", ErrInvalidRule)
			}
		default:
			return fmt.Errorf("%w: unknown threshold operator %q", ErrInvalidRule, c.Operator)
		}

	case ConditionTimeBased:
		hasClock := c.StartTime != "" || c.EndTime != ""
		hasDates := c.StartDate != nil || c.EndDate != nil
		if hasClock == hasDates {
			return fmt.Errorf("%w: time_based condition requires either a clock window or a date range", ErrInvalidRule)
		}
		if hasClock {
			start, err := parseClock(c.StartTime)
			if err != nil {
				return fmt.Errorf("%w: bad startTime %q", ErrInvalidRule, c.StartTime)
			}
			end, err := parseClock(c.EndTime)
			if err != nil {
				return fmt.Errorf("%w: bad endTime %q", ErrInvalidRule, c.EndTime)
			}
			// Matching is a closed interval within one day, so an
			// inverted window could never fire.
			if start > end {
				return fmt.Errorf("%w: startTime %q is after endTime %q", ErrInvalidRule, c.StartTime, c.EndTime)
			}
		}
		if hasDates && (c.StartDate == nil || c.EndDate == nil) {
			return fmt.Errorf("%w: date range requires both startDate and endDate", ErrInvalidRule)
		}

	case ConditionRoleBased:
		if len(c.Roles) == 0 {
			return fmt.Errorf("%w: role_based condition requires at least one role", ErrInvalidRule)
		}

	case ConditionPermission:
		if len(c.Permissions) == 0 {
			return fmt.Errorf("%w: permission_based condition requires at least one permission", ErrInvalidRule)
		}

	case ConditionComposite:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%w: composite condition requires child conditions", ErrInvalidRule)
		}
		switch c.Logic {
		case LogicAnd, LogicOr, "":
		default:
			return fmt.Errorf("%w: unknown composite logic %q", ErrInvalidRule, c.Logic)
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].validate(depth + 1); err != nil {
				return fmt.Errorf("composite child %d: %w", i, err)
			}
		}

	default:
		return fmt.Errorf("%w: unknown condition type %q", ErrInvalidRule, c.Type)
	}

	return nil
}

// expressions returns every expression source reachable in the condition
// tree, so the engine can compile and cache them up front.
func (c *Condition) expressions() []string {
	switch c.Type {
	case ConditionExpression:
		return []string{c.Expression}
	case ConditionComposite:
		var out []string
		for i := range c.Conditions {
			out = append(out, c.Conditions[i].expressions()...)
		}
		return out
	}
	return nil
}

// ActionType discriminates the Action union.
type ActionType string

const (
	ActionAllow           ActionType = "allow"
	ActionBlock           ActionType = "block"
	ActionModify          ActionType = "modify"
	ActionWarn            ActionType = "warn"
	ActionRequireApproval ActionType = "require_approval"
)

// Action is what a rule does when its condition matches. Precedence between
// simultaneously firing actions is fixed:
// block > require_approval > modify > warn > allow.
type Action struct {
	Type          ActionType     `json:"type"`
	Message       string         `json:"message,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Approvers     []string       `json:"approvers,omitempty"`
}

// Validate checks the action union at the persistence boundary.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionAllow, ActionBlock, ActionWarn:
	case ActionModify:
		if len(a.Modifications) == 0 {
			return fmt.Errorf("%w: modify action requires modifications", ErrInvalidRule)
		}
	case ActionRequireApproval:
		if len(a.Approvers) == 0 {
			return fmt.Errorf("%w: require_approval action requires approvers", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidRule, a.Type)
	}
	return nil
}

// evalCondition evaluates a condition against the context. It never panics
// and never propagates an error to the evaluation loop: any internal failure
// is returned so the caller can audit it, and counts as "not matched".
func (en *Engine) evalCondition(c *Condition, ec *EvaluationContext, now time.Time) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("condition evaluation panicked: %v", r)
		}
	}()

	switch c.Type {
	case ConditionExpression:
		return en.evalExpression(c.Expression, ec)
	case ConditionThreshold:
		return evalThreshold(c, ec)
	case ConditionTimeBased:
		return evalTimeBased(c, now)
	case ConditionRoleBased:
		return anyMatch(ec.Roles, c.Roles), nil
	case ConditionPermission:
		return anyMatch(ec.Permissions, c.Permissions), nil
	case ConditionComposite:
		return en.evalComposite(c, ec, now)
	default:
		return false, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

// evalComposite evaluates child conditions concurrently (they are pure) and
// folds the boolean results with the declared logic. AND is the default.
func (en *Engine) evalComposite(c *Condition, ec *EvaluationContext, now time.Time) (bool, error) {
	results := make([]bool, len(c.Conditions))
	errs := make([]error, len(c.Conditions))

	var wg sync.WaitGroup
	for i := range c.Conditions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = en.evalCondition(&c.Conditions[i], ec, now)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return false, err
		}
	}

	if c.Logic == LogicOr {
		for _, r := range results {
			if r {
				return true, nil
			}
		}
		return false, nil
	}

	for _, r := range results {
		if !r {
			return false, nil
		}
	}
	return true, nil
}

// evalThreshold compares context.ResourceData[field] to the condition value
// using the declared operator. A missing field is never a match.
func evalThreshold(c *Condition, ec *EvaluationContext) (bool, error) {
	actual, ok := ec.ResourceData[c.Field]
	if !ok {
		return false, nil
	}

	switch c.Operator {
	case OpEqual:
		return valuesEqual(actual, c.Value), nil
	case OpNotEqual:
		return !valuesEqual(actual, c.Value), nil
	case OpGreaterThan, OpGreaterEq, OpLessThan, OpLessEq:
		a, err := toFloat64(actual)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", c.Field, err)
		}
		b, err := toFloat64(c.Value)
		if err != nil {
			return false, fmt.Errorf("threshold value: %w", err)
		}
		switch c.Operator {
		case OpGreaterThan:
			return a > b, nil
		case OpGreaterEq:
			return a >= b, nil
		case OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}
	case OpIn, OpNotIn:
		set, ok := toSlice(c.Value)
		if !ok {
			return false, fmt.Errorf("%s operator requires an array value", c.Operator)
		}
		found := false
		for _, v := range set {
			if valuesEqual(actual, v) {
				found = true
				break
			}
		}
		if c.Operator == OpIn {
			return found, nil
		}
		return !found, nil
	case OpContains:
		return containsValue(actual, c.Value)
	case OpBetween:
		bounds, ok := toSlice(c.Value)
		if !ok || len(bounds) != 2 {
			return false, fmt.Errorf("between operator requires a two-element bound array")
		}
		a, err := toFloat64(actual)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", c.Field, err)
		}
		lo, err := toFloat64(bounds[0])
		if err != nil {
			return false, fmt.Errorf("between lower bound: %w", err)
		}
		hi, err := toFloat64(bounds[1])
		if err != nil {
			return false, fmt.Errorf("between upper bound: %w", err)
		}
		return a >= lo && a <= hi, nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// evalTimeBased checks either a same-day clock window (inclusive bounds) or
// an absolute date range against the evaluation timestamp.
func evalTimeBased(c *Condition, now time.Time) (bool, error) {
	if c.StartTime != "" || c.EndTime != "" {
		start, err := parseClock(c.StartTime)
		if err != nil {
			return false, err
		}
		end, err := parseClock(c.EndTime)
		if err != nil {
			return false, err
		}
		current := now.Hour()*60 + now.Minute()
		return current >= start && current <= end, nil
	}

	if c.StartDate == nil || c.EndDate == nil {
		return false, fmt.Errorf("date range requires both bounds")
	}
	return !now.Before(*c.StartDate) && !now.After(*c.EndDate), nil
}

// parseClock parses "HH:mm" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("bad clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// anyMatch reports whether the two sets intersect.
func anyMatch(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// valuesEqual compares two values, trying numeric comparison first so that
// int and float64 forms of the same number compare equal.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aErr := toFloat64(a)
	bf, bErr := toFloat64(b)
	if aErr == nil && bErr == nil {
		return af == bf
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	return reflect.DeepEqual(a, b)
}

// toFloat64 coerces the numeric forms that survive JSON decoding plus
// numeric strings.
func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", v)
	}
}

// toSlice normalizes a decoded JSON array to []any.
func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

// containsValue handles both substring matching on strings and element
// matching on arrays.
func containsValue(actual, expected any) (bool, error) {
	if s, ok := actual.(string); ok {
		e, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("contains on a string field requires a string value")
		}
		return strings.Contains(s, e), nil
	}
	if items, ok := toSlice(actual); ok {
		for _, item := range items {
			if valuesEqual(item, expected) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("contains requires a string or array field, got %T", actual)
}
