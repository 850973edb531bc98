package rules

import "time"

// Decision is the terminal classification of one evaluation.
type Decision string

const (
	DecisionAllowed          Decision = "ALLOWED"
	DecisionBlocked          Decision = "BLOCKED"
	DecisionModified         Decision = "MODIFIED"
	DecisionWarning          Decision = "WARNING"
	DecisionApprovalRequired Decision = "APPROVAL_REQUIRED"
	DecisionError            Decision = "ERROR"
)

// Severity classifies how serious a rule hit is. It is carried through to
// triggered-rule summaries and audit entries but does not affect precedence.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rule is a persisted condition+action pair scoped to a business module.
// Rules are never mutated in place: an update inserts a successor row with
// Version = parent.Version+1 and ParentRuleID pointing at the superseded row.
// At most one rule in a version chain is Active at any time.
type Rule struct {
	ID            string     `json:"id"`
	ModuleName    string     `json:"moduleName"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Category      string     `json:"category,omitempty"`
	Condition     Condition  `json:"condition"`
	Action        Action     `json:"action"`
	Severity      Severity   `json:"severity"`
	Priority      int        `json:"priority"`
	Active        bool       `json:"active"`
	EffectiveFrom time.Time  `json:"effectiveFrom"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
	Version       int        `json:"version"`
	ParentRuleID  *string    `json:"parentRuleId,omitempty"`
	CreatedBy     string     `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// EffectiveAt reports whether the rule's effective window covers t.
// EffectiveFrom is inclusive; a nil EffectiveTo means no upper bound.
func (r *Rule) EffectiveAt(t time.Time) bool {
	if r.EffectiveFrom.After(t) {
		return false
	}
	if r.EffectiveTo != nil && r.EffectiveTo.Before(t) {
		return false
	}
	return true
}

// RuleException is a time-bounded, per-user grant that bypasses evaluation
// for the rules it covers. The engine only ever reads these.
type RuleException struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	RuleIDs    []string   `json:"ruleIds"`
	Reason     string     `json:"reason,omitempty"`
	ApprovedBy string     `json:"approvedBy"`
	Active     bool       `json:"active"`
	StartsAt   time.Time  `json:"startsAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// EvaluationContext is the immutable input to one evaluation call.
// A zero Timestamp means "now".
type EvaluationContext struct {
	UserID       string         `json:"userId"`
	Roles        []string       `json:"roles,omitempty"`
	Permissions  []string       `json:"permissions,omitempty"`
	Action       string         `json:"action"`
	ModuleName   string         `json:"moduleName"`
	ResourceData map[string]any `json:"resourceData,omitempty"`
	Timestamp    time.Time      `json:"timestamp,omitempty"`
}

// TriggeredRule summarizes one rule whose condition matched.
type TriggeredRule struct {
	RuleID     string     `json:"ruleId"`
	RuleName   string     `json:"ruleName"`
	Severity   Severity   `json:"severity"`
	ActionType ActionType `json:"actionType"`
}

// EvaluationResult is the outcome of one evaluation call.
type EvaluationResult struct {
	Decision         Decision        `json:"decision"`
	Message          string          `json:"message,omitempty"`
	TriggeredRules   []TriggeredRule `json:"triggeredRules,omitempty"`
	Modifications    map[string]any  `json:"modifications,omitempty"`
	RequiresApproval bool            `json:"requiresApproval,omitempty"`
	Approvers        []string        `json:"approvers,omitempty"`
	Duration         time.Duration   `json:"duration"`
	Err              error           `json:"-"`
}

// RuleLog is one append-only audit record per rule examined in one
// evaluation. The engine writes these and never reads them back.
type RuleLog struct {
	ID              string         `json:"id"`
	RuleID          string         `json:"ruleId"`
	UserID          string         `json:"userId"`
	ModuleName      string         `json:"moduleName"`
	Action          string         `json:"action"`
	ResourceData    map[string]any `json:"resourceData,omitempty"`
	Matched         bool           `json:"matched"`
	ActionTaken     ActionType     `json:"actionTaken,omitempty"`
	RunningDecision Decision       `json:"runningDecision"`
	Duration        time.Duration  `json:"duration"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// EvaluationLog is the aggregate audit record for one completed evaluation.
type EvaluationLog struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	ModuleName     string        `json:"moduleName"`
	Action         string        `json:"action"`
	Decision       Decision      `json:"decision"`
	TriggeredCount int           `json:"triggeredCount"`
	ExaminedCount  int           `json:"examinedCount"`
	Duration       time.Duration `json:"duration"`
	CreatedAt      time.Time     `json:"createdAt"`
}
