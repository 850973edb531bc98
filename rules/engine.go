package rules

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// FailMode determines what an evaluation returns when the rule store is
// unreachable on a cache miss. It is configured per module: grade submission
// warrants fail-closed while read-only views may tolerate fail-open. The
// default mode reports the failure and leaves the policy to the caller.
type FailMode string

const (
	// FailOpen returns ALLOWED when the rule set cannot be fetched.
	FailOpen FailMode = "fail-open"

	// FailClosed returns BLOCKED when the rule set cannot be fetched.
	FailClosed FailMode = "fail-closed"

	// FailError returns an ERROR decision and leaves the open/closed choice
	// to the caller. This is the default.
	FailError FailMode = "fail-error"
)

// EngineConfig configures an Engine instance.
type EngineConfig struct {
	// Cache controls the TTL of per-module rule snapshots.
	Cache CacheConfig

	// DefaultFailMode applies to modules without an explicit entry in
	// FailModes.
	DefaultFailMode FailMode

	// FailModes maps module names to their store-unreachable behavior.
	FailModes map[string]FailMode
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Cache:           DefaultCacheConfig(),
		DefaultFailMode: FailError,
		FailModes:       make(map[string]FailMode),
	}
}

// WithCacheTTL sets the rule cache TTL.
func (c *EngineConfig) WithCacheTTL(ttl time.Duration) *EngineConfig {
	c.Cache.TTL = ttl
	return c
}

// WithFailMode sets the store-unreachable behavior for one module.
func (c *EngineConfig) WithFailMode(module string, mode FailMode) *EngineConfig {
	c.FailModes[module] = mode
	return c
}

// WithDefaultFailMode sets the store-unreachable behavior for modules
// without an explicit mode.
func (c *EngineConfig) WithDefaultFailMode(mode FailMode) *EngineConfig {
	c.DefaultFailMode = mode
	return c
}

// Validate checks the configuration.
func (c *EngineConfig) Validate() error {
	modes := append([]FailMode{c.DefaultFailMode}, mapValues(c.FailModes)...)
	for _, m := range modes {
		switch m {
		case FailOpen, FailClosed, FailError:
		default:
			return fmt.Errorf("invalid fail mode %q", m)
		}
	}
	return nil
}

func mapValues(m map[string]FailMode) []FailMode {
	out := make([]FailMode, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Engine evaluates a module's rules against a request context and resolves a
// single decision. Thread-safe: evaluations run concurrently, sharing the
// rule cache and the compiled-expression cache under an RWMutex.
type Engine struct {
	env     *cel.Env
	store   RuleStore
	cache   RulesCache
	audit   AuditSink
	metrics *Metrics
	config  *EngineConfig

	programs map[string]cel.Program // expression source -> compiled program
	mu       sync.RWMutex
}

// NewEngine creates an engine with the default configuration, a fresh
// in-memory cache, and no audit sink.
func NewEngine(store RuleStore) (*Engine, error) {
	return NewEngineWithConfig(store, DefaultEngineConfig(), nil, NopSink{}, nil)
}

// NewEngineWithConfig creates an engine with explicit collaborators. A nil
// cache falls back to an in-memory snapshot cache built from config.Cache;
// a nil sink disables auditing; nil metrics disables instrumentation.
func NewEngineWithConfig(store RuleStore, config *EngineConfig, cache RulesCache, sink AuditSink, metrics *Metrics) (*Engine, error) {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if cache == nil {
		cache = NewInMemoryRulesCache(config.Cache)
	}
	if sink == nil {
		sink = NopSink{}
	}

	env, err := newExpressionEnv()
	if err != nil {
		return nil, err
	}

	return &Engine{
		env:      env,
		store:    store,
		cache:    cache,
		audit:    sink,
		metrics:  metrics,
		config:   config,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate is the single entry point for all business-logic callers. It
// never returns nil and never panics; failures are folded into the result's
// Decision and Err.
func (en *Engine) Evaluate(ec *EvaluationContext) *EvaluationResult {
	start := time.Now()
	res := &EvaluationResult{Decision: DecisionAllowed}

	now := ec.Timestamp
	if now.IsZero() {
		now = start
	}

	if err := validateContext(ec); err != nil {
		res.Decision = DecisionError
		res.Err = err
		res.Message = err.Error()
		return en.finish(ec, res, start, 0)
	}

	rules, err := en.activeRules(ec.ModuleName, now)
	if err != nil {
		en.applyFailMode(ec.ModuleName, res, err)
		return en.finish(ec, res, start, 0)
	}

	if len(rules) == 0 {
		return en.finish(ec, res, start, 0)
	}

	if en.hasException(ec.UserID, rules, now) {
		res.Message = "user has rule exception"
		return en.finish(ec, res, start, 0)
	}

	examined := 0
	for _, rule := range rules {
		if !rule.EffectiveAt(now) {
			continue
		}
		examined++

		ruleStart := time.Now()
		matched, evalErr := en.evalCondition(&rule.Condition, ec, now)
		if evalErr != nil {
			// One misbehaving rule is isolated: not triggered, reported,
			// evaluation continues.
			slog.Warn("rule condition evaluation failed",
				"rule_id", rule.ID, "rule_name", rule.Name, "error", evalErr)
			matched = false
		}

		var actionTaken ActionType
		if matched {
			res.TriggeredRules = append(res.TriggeredRules, TriggeredRule{
				RuleID:     rule.ID,
				RuleName:   rule.Name,
				Severity:   rule.Severity,
				ActionType: rule.Action.Type,
			})
			actionTaken = applyAction(rule, res)
			if en.metrics != nil {
				en.metrics.ruleHit(ec.ModuleName, string(rule.Action.Type))
			}
		}

		en.audit.LogRuleHit(&RuleLog{
			ID:              uuid.New().String(),
			RuleID:          rule.ID,
			UserID:          ec.UserID,
			ModuleName:      ec.ModuleName,
			Action:          ec.Action,
			ResourceData:    ec.ResourceData,
			Matched:         matched,
			ActionTaken:     actionTaken,
			RunningDecision: res.Decision,
			Duration:        time.Since(ruleStart),
			CreatedAt:       time.Now(),
		})

		if res.Decision == DecisionBlocked {
			// Highest-precedence terminal state: no later rule is evaluated.
			break
		}
	}

	return en.finish(ec, res, start, examined)
}

// applyAction folds one triggered rule's action into the running result
// under the fixed precedence policy
// block > require_approval > modify > warn > allow.
// It returns the action type actually applied, or "" when precedence
// suppressed it.
func applyAction(rule *Rule, res *EvaluationResult) ActionType {
	action := &rule.Action
	switch action.Type {
	case ActionBlock:
		res.Decision = DecisionBlocked
		if action.Message != "" {
			res.Message = action.Message
		} else {
			res.Message = fmt.Sprintf("blocked by rule %q", rule.Name)
		}
		return ActionBlock

	case ActionRequireApproval:
		if res.Decision == DecisionBlocked {
			return ""
		}
		res.Decision = DecisionApprovalRequired
		res.RequiresApproval = true
		res.Approvers = unionStrings(res.Approvers, action.Approvers)
		if action.Message != "" {
			res.Message = action.Message
		}
		return ActionRequireApproval

	case ActionModify:
		if res.Decision == DecisionBlocked || res.Decision == DecisionApprovalRequired {
			return ""
		}
		res.Decision = DecisionModified
		if res.Modifications == nil {
			res.Modifications = make(map[string]any, len(action.Modifications))
		}
		// Shallow merge, last write wins per key across matching rules.
		for k, v := range action.Modifications {
			res.Modifications[k] = v
		}
		return ActionModify

	case ActionWarn:
		if res.Decision != DecisionAllowed {
			return ""
		}
		res.Decision = DecisionWarning
		res.Message = action.Message
		return ActionWarn

	case ActionAllow:
		return ActionAllow

	default:
		return ""
	}
}

// activeRules returns the module's sorted active rule snapshot, refreshing
// from the store when the cache misses or has expired. The refresh is
// synchronous: the caller never observes a pending or partial snapshot.
func (en *Engine) activeRules(module string, now time.Time) ([]*Rule, error) {
	if rules, ok := en.cache.Get(module); ok {
		return rules, nil
	}

	rules, err := en.store.ListActiveByModule(module, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sortRules(rules)
	for _, r := range rules {
		if err := en.compileRuleExpressions(r); err != nil {
			// The rule stays in the snapshot; its expression will fail at
			// evaluation time and count as not matched.
			slog.Warn("expression compilation failed on snapshot load",
				"rule_id", r.ID, "error", err)
		}
	}

	en.cache.Set(module, rules)
	return rules, nil
}

// hasException asks the store whether the user holds an active exception
// covering any candidate rule. A store failure fails closed toward normal
// evaluation, never toward bypass.
func (en *Engine) hasException(userID string, rules []*Rule, now time.Time) bool {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}

	ok, err := en.store.HasActiveException(userID, ids, now)
	if err != nil {
		slog.Warn("exception lookup failed, continuing with evaluation",
			"user_id", userID, "error", err)
		return false
	}
	return ok
}

// applyFailMode resolves a store-unreachable failure according to the
// module's configured mode.
func (en *Engine) applyFailMode(module string, res *EvaluationResult, err error) {
	mode, ok := en.config.FailModes[module]
	if !ok {
		mode = en.config.DefaultFailMode
	}

	switch mode {
	case FailOpen:
		res.Decision = DecisionAllowed
		res.Message = "rule store unreachable, failing open"
	case FailClosed:
		res.Decision = DecisionBlocked
		res.Message = "rule store unreachable, failing closed"
	default:
		res.Decision = DecisionError
		res.Message = "rule store unreachable"
	}
	res.Err = err
	slog.Error("rule store unreachable", "module", module, "fail_mode", string(mode), "error", err)
}

// finish stamps the duration, records metrics, and schedules the aggregate
// audit entry. Audit emission is never awaited by the caller.
func (en *Engine) finish(ec *EvaluationContext, res *EvaluationResult, start time.Time, examined int) *EvaluationResult {
	res.Duration = time.Since(start)

	if en.metrics != nil {
		en.metrics.observeEvaluation(ec.ModuleName, res.Decision, res.Duration)
	}

	en.audit.LogEvaluation(&EvaluationLog{
		ID:             uuid.New().String(),
		UserID:         ec.UserID,
		ModuleName:     ec.ModuleName,
		Action:         ec.Action,
		Decision:       res.Decision,
		TriggeredCount: len(res.TriggeredRules),
		ExaminedCount:  examined,
		Duration:       res.Duration,
		CreatedAt:      time.Now(),
	})

	return res
}

func validateContext(ec *EvaluationContext) error {
	if ec.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidContext)
	}
	if ec.ModuleName == "" {
		return fmt.Errorf("%w: missing module name", ErrInvalidContext)
	}
	if ec.Action == "" {
		return fmt.Errorf("%w: missing action", ErrInvalidContext)
	}
	return nil
}

// unionStrings appends the elements of add that are not already in base,
// preserving first-seen order.
func unionStrings(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			base = append(base, s)
			seen[s] = true
		}
	}
	return base
}
