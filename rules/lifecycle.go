package rules

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RuleInput carries the caller-supplied fields for creating or updating a
// rule. On update, nil fields are copied from the superseded version.
type RuleInput struct {
	ModuleName    string     `json:"moduleName"`
	Name          string     `json:"name"`
	Description   *string    `json:"description,omitempty"`
	Category      *string    `json:"category,omitempty"`
	Condition     *Condition `json:"condition,omitempty"`
	Action        *Action    `json:"action,omitempty"`
	Severity      *Severity  `json:"severity,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	EffectiveFrom *time.Time `json:"effectiveFrom,omitempty"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
}

// BulkRuleUpdate is one entry of a bulk status/priority mutation.
type BulkRuleUpdate struct {
	RuleID   string `json:"ruleId"`
	Active   *bool  `json:"active,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// CreateRule validates the input, inserts a new version-1 rule, and
// invalidates the module's cache entry. Validation rejects the input before
// any persistence write.
func (en *Engine) CreateRule(input *RuleInput, actorID string) (*Rule, error) {
	if input.Condition == nil {
		return nil, fmt.Errorf("%w: condition is required", ErrInvalidRule)
	}
	if input.Action == nil {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidRule)
	}

	now := time.Now()
	rule := &Rule{
		ID:            uuid.New().String(),
		ModuleName:    input.ModuleName,
		Name:          input.Name,
		Condition:     *input.Condition,
		Action:        *input.Action,
		Severity:      SeverityMedium,
		Active:        true,
		EffectiveFrom: now,
		Version:       1,
		CreatedBy:     actorID,
		CreatedAt:     now,
	}
	if input.Description != nil {
		rule.Description = *input.Description
	}
	if input.Category != nil {
		rule.Category = *input.Category
	}
	if input.Severity != nil {
		rule.Severity = *input.Severity
	}
	if input.Priority != nil {
		rule.Priority = *input.Priority
	}
	if input.EffectiveFrom != nil {
		rule.EffectiveFrom = *input.EffectiveFrom
	}
	rule.EffectiveTo = input.EffectiveTo

	if err := en.validateRule(rule); err != nil {
		return nil, err
	}

	if err := en.store.Create(rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	en.cache.Invalidate(rule.ModuleName)
	slog.Info("rule created",
		"rule_id", rule.ID, "module", rule.ModuleName, "actor", actorID)
	return rule, nil
}

// UpdateRule supersedes an existing rule: a new row is inserted with
// Version = parent.Version+1 and ParentRuleID set, unspecified fields copied
// from the parent, and the parent is deactivated in the same store
// transaction. Condition and action payloads are never mutated in place, so
// the full history stays available for audit.
func (en *Engine) UpdateRule(ruleID string, input *RuleInput, actorID string) (*Rule, error) {
	parent, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	successor := &Rule{
		ID:            uuid.New().String(),
		ModuleName:    parent.ModuleName,
		Name:          parent.Name,
		Description:   parent.Description,
		Category:      parent.Category,
		Condition:     parent.Condition,
		Action:        parent.Action,
		Severity:      parent.Severity,
		Priority:      parent.Priority,
		Active:        true,
		EffectiveFrom: parent.EffectiveFrom,
		EffectiveTo:   parent.EffectiveTo,
		Version:       parent.Version + 1,
		ParentRuleID:  &parent.ID,
		CreatedBy:     actorID,
		CreatedAt:     now,
	}

	if input.Name != "" {
		successor.Name = input.Name
	}
	if input.Description != nil {
		successor.Description = *input.Description
	}
	if input.Category != nil {
		successor.Category = *input.Category
	}
	if input.Condition != nil {
		successor.Condition = *input.Condition
	}
	if input.Action != nil {
		successor.Action = *input.Action
	}
	if input.Severity != nil {
		successor.Severity = *input.Severity
	}
	if input.Priority != nil {
		successor.Priority = *input.Priority
	}
	if input.EffectiveFrom != nil {
		successor.EffectiveFrom = *input.EffectiveFrom
	}
	if input.EffectiveTo != nil {
		successor.EffectiveTo = input.EffectiveTo
	}

	if err := en.validateRule(successor); err != nil {
		return nil, err
	}

	if err := en.store.Supersede(parent, successor); err != nil {
		return nil, fmt.Errorf("failed to supersede rule %s: %w", ruleID, err)
	}

	en.cache.Invalidate(successor.ModuleName)
	slog.Info("rule superseded",
		"parent_id", parent.ID, "rule_id", successor.ID,
		"version", successor.Version, "actor", actorID)
	return successor, nil
}

// ToggleRuleStatus flips a rule's active flag in place and invalidates the
// module's cache entry. Activation is refused while another version in the
// same chain is active, so a chain never carries two live versions.
func (en *Engine) ToggleRuleStatus(ruleID string, active bool, actorID string) error {
	rule, err := en.store.Get(ruleID)
	if err != nil {
		return err
	}

	if active && !rule.Active {
		sibling, err := en.activeChainSibling(rule)
		if err != nil {
			return err
		}
		if sibling != "" {
			return fmt.Errorf("%w: version chain of rule %s already has active rule %s",
				ErrInvalidRule, ruleID, sibling)
		}
	}

	rule.Active = active
	if err := en.store.Update(rule); err != nil {
		return fmt.Errorf("failed to toggle rule %s: %w", ruleID, err)
	}

	en.cache.Invalidate(rule.ModuleName)
	slog.Info("rule status toggled",
		"rule_id", ruleID, "active", active, "actor", actorID)
	return nil
}

// chainRoot walks ParentRuleID links to the first version of a rule's
// chain and returns its ID.
func (en *Engine) chainRoot(rule *Rule) (string, error) {
	id := rule.ID
	parent := rule.ParentRuleID
	for parent != nil {
		p, err := en.store.Get(*parent)
		if err != nil {
			return "", fmt.Errorf("failed to resolve parent of rule %s: %w", id, err)
		}
		id = p.ID
		parent = p.ParentRuleID
	}
	return id, nil
}

// activeChainSibling returns the ID of another active rule sharing the
// given rule's version chain, or "" when the chain is otherwise inactive.
func (en *Engine) activeChainSibling(rule *Rule) (string, error) {
	root, err := en.chainRoot(rule)
	if err != nil {
		return "", err
	}
	all, err := en.store.ListByModule(rule.ModuleName)
	if err != nil {
		return "", fmt.Errorf("failed to list rules for module %s: %w", rule.ModuleName, err)
	}
	for _, r := range all {
		if r.ID == rule.ID || !r.Active {
			continue
		}
		rRoot, err := en.chainRoot(r)
		if err != nil {
			return "", err
		}
		if rRoot == root {
			return r.ID, nil
		}
	}
	return "", nil
}

// BulkUpdateRules applies status/priority mutations to several rules and
// invalidates every affected module's cache entry. All updates are
// validated before any write; if a write still fails partway, the modules
// already written are invalidated so the cache never outlives the store.
func (en *Engine) BulkUpdateRules(updates []BulkRuleUpdate, actorID string) error {
	staged := make([]*Rule, 0, len(updates))
	for _, u := range updates {
		rule, err := en.store.Get(u.RuleID)
		if err != nil {
			return err
		}
		if u.Priority != nil && *u.Priority < 0 {
			return fmt.Errorf("%w: priority must be non-negative", ErrInvalidRule)
		}
		if u.Active != nil {
			rule.Active = *u.Active
		}
		if u.Priority != nil {
			rule.Priority = *u.Priority
		}
		staged = append(staged, rule)
	}

	touched := make(map[string]bool)
	defer func() {
		for module := range touched {
			en.cache.Invalidate(module)
		}
	}()

	for _, rule := range staged {
		if err := en.store.Update(rule); err != nil {
			return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
		}
		touched[rule.ModuleName] = true
	}

	slog.Info("rules bulk updated", "count", len(updates), "actor", actorID)
	return nil
}

// GetRule returns one rule row by ID.
func (en *Engine) GetRule(id string) (*Rule, error) {
	return en.store.Get(id)
}

// GetRulesByModule returns every rule row for a module, including inactive
// and superseded versions, straight from the store.
func (en *Engine) GetRulesByModule(module string) ([]*Rule, error) {
	return en.store.ListByModule(module)
}

// CreateException records a new exception grant. Exceptions are consulted at
// evaluation time; no cache invalidation is needed since the rule snapshot
// is unaffected.
func (en *Engine) CreateException(exc *RuleException, actorID string) error {
	if exc.UserID == "" {
		return fmt.Errorf("%w: exception requires a user id", ErrInvalidRule)
	}
	if len(exc.RuleIDs) == 0 {
		return fmt.Errorf("%w: exception requires at least one rule id", ErrInvalidRule)
	}
	if exc.ID == "" {
		exc.ID = uuid.New().String()
	}
	if exc.ApprovedBy == "" {
		exc.ApprovedBy = actorID
	}
	if exc.StartsAt.IsZero() {
		exc.StartsAt = time.Now()
	}
	exc.Active = true

	if err := en.store.CreateException(exc); err != nil {
		return fmt.Errorf("failed to create exception: %w", err)
	}
	slog.Info("rule exception created",
		"exception_id", exc.ID, "user_id", exc.UserID, "actor", actorID)
	return nil
}

// validateRule checks a fully assembled rule before any persistence write.
// Expression conditions must compile against the engine's environment.
func (en *Engine) validateRule(rule *Rule) error {
	if err := validateName(rule.ModuleName); err != nil {
		return fmt.Errorf("%w: module name: %v", ErrInvalidRule, err)
	}
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if rule.Priority < 0 {
		return fmt.Errorf("%w: priority must be non-negative", ErrInvalidRule)
	}
	switch rule.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, rule.Severity)
	}
	if rule.EffectiveTo != nil && rule.EffectiveTo.Before(rule.EffectiveFrom) {
		return fmt.Errorf("%w: effectiveTo precedes effectiveFrom", ErrInvalidRule)
	}
	if err := rule.Condition.Validate(); err != nil {
		return err
	}
	if err := rule.Action.Validate(); err != nil {
		return err
	}
	return en.compileRuleExpressions(rule)
}
