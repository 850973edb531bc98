package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var actionPrecedence = map[ActionType]int{
	ActionBlock:           4,
	ActionRequireApproval: 3,
	ActionModify:          2,
	ActionWarn:            1,
	ActionAllow:           0,
}

var decisionFor = map[ActionType]Decision{
	ActionBlock:           DecisionBlocked,
	ActionRequireApproval: DecisionApprovalRequired,
	ActionModify:          DecisionModified,
	ActionWarn:            DecisionWarning,
	ActionAllow:           DecisionAllowed,
}

func genActionType() gopter.Gen {
	return gen.IntRange(0, 4).Map(func(i int) ActionType {
		return []ActionType{ActionAllow, ActionWarn, ActionModify, ActionRequireApproval, ActionBlock}[i]
	})
}

func actionOf(typ ActionType, i int) Action {
	a := Action{Type: typ}
	switch typ {
	case ActionModify:
		a.Modifications = map[string]any{"slot": i}
	case ActionRequireApproval:
		a.Approvers = []string{fmt.Sprintf("approver-%d", i)}
	case ActionWarn:
		a.Message = fmt.Sprintf("warning %d", i)
	}
	return a
}

func engineWithActions(t *testing.T, types []ActionType, order []int) *Engine {
	store := NewInMemoryRuleStore()
	base := time.Now().Add(-time.Hour)
	for _, i := range order {
		rule := &Rule{
			ID:            fmt.Sprintf("rule-%02d", i),
			ModuleName:    "prop",
			Name:          fmt.Sprintf("Rule %d", i),
			Priority:      i,
			Severity:      SeverityMedium,
			Active:        true,
			Version:       1,
			EffectiveFrom: base,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
			Condition:     alwaysTrue(),
			Action:        actionOf(types[i], i),
		}
		if err := store.Create(rule); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}
	return newTestEngine(t, store)
}

// The resolved decision is always the decision of the highest-precedence
// action among the matched rules, for any action mix.
func TestPropertyPrecedenceResolution(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.MaxSize = 8
	properties := gopter.NewProperties(parameters)

	properties.Property("decision equals max-precedence matched action", prop.ForAll(
		func(types []ActionType) bool {
			order := make([]int, len(types))
			for i := range order {
				order[i] = i
			}
			en := engineWithActions(t, types, order)
			res := en.Evaluate(studentContext("prop", nil))

			want := DecisionAllowed
			best := -1
			for _, typ := range types {
				if actionPrecedence[typ] > best {
					best = actionPrecedence[typ]
					want = decisionFor[typ]
				}
				if typ == ActionBlock {
					// Evaluation stops at the first BLOCK.
					break
				}
			}
			return res.Decision == want
		},
		gen.SliceOf(genActionType()).SuchThat(func(types []ActionType) bool {
			return len(types) > 0
		}),
	))

	properties.TestingRun(t)
}

// Store insertion order never changes the outcome: evaluation order is fixed
// by priority and creation time.
func TestPropertyInsertionOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.MaxSize = 8
	properties := gopter.NewProperties(parameters)

	properties.Property("forward and reverse insertion agree", prop.ForAll(
		func(types []ActionType) bool {
			forward := make([]int, len(types))
			reverse := make([]int, len(types))
			for i := range types {
				forward[i] = i
				reverse[i] = len(types) - 1 - i
			}

			a := engineWithActions(t, types, forward).Evaluate(studentContext("prop", nil))
			b := engineWithActions(t, types, reverse).Evaluate(studentContext("prop", nil))

			if a.Decision != b.Decision || len(a.TriggeredRules) != len(b.TriggeredRules) {
				return false
			}
			for i := range a.TriggeredRules {
				if a.TriggeredRules[i].RuleID != b.TriggeredRules[i].RuleID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genActionType()).SuchThat(func(types []ActionType) bool {
			return len(types) > 0
		}),
	))

	properties.TestingRun(t)
}

// No rule after the first matching BLOCK ever appears in the triggered list.
func TestPropertyBlockShortCircuit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.MaxSize = 8
	properties := gopter.NewProperties(parameters)

	properties.Property("nothing triggers past a BLOCK", prop.ForAll(
		func(types []ActionType) bool {
			order := make([]int, len(types))
			for i := range order {
				order[i] = i
			}
			en := engineWithActions(t, types, order)
			res := en.Evaluate(studentContext("prop", nil))

			firstBlock := -1
			for i, typ := range types {
				if typ == ActionBlock {
					firstBlock = i
					break
				}
			}
			if firstBlock == -1 {
				return true
			}
			for _, tr := range res.TriggeredRules {
				if tr.RuleID > fmt.Sprintf("rule-%02d", firstBlock) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genActionType()).SuchThat(func(types []ActionType) bool {
			return len(types) > 0
		}),
	))

	properties.TestingRun(t)
}

// between matches exactly the closed interval.
func TestPropertyBetweenOperator(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	en := newTestEngine(t, NewInMemoryRuleStore())

	properties.Property("between matches iff lo <= v <= hi", prop.ForAll(
		func(v, a, b float64) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			c := Condition{
				Type:     ConditionThreshold,
				Field:    "v",
				Operator: OpBetween,
				Value:    []any{lo, hi},
			}
			got, err := en.evalCondition(&c, studentContext("prop", map[string]any{"v": v}), time.Now())
			if err != nil {
				return false
			}
			return got == (v >= lo && v <= hi)
		},
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(-1000, 1000),
	))

	properties.TestingRun(t)
}
