package main

import (
	"time"

	"github.com/campuscore/rules/rules"
)

// API request and response models.

// EvaluateRequest is the request body for POST /api/v1/evaluate.
type EvaluateRequest struct {
	UserID       string         `json:"userId"`
	Roles        []string       `json:"roles,omitempty"`
	Permissions  []string       `json:"permissions,omitempty"`
	Action       string         `json:"action"`
	ModuleName   string         `json:"moduleName"`
	ResourceData map[string]any `json:"resourceData,omitempty"`
	Timestamp    time.Time      `json:"timestamp,omitempty"`
}

// EvaluateResponse mirrors rules.EvaluationResult with a printable duration.
type EvaluateResponse struct {
	Decision         rules.Decision        `json:"decision"`
	Message          string                `json:"message,omitempty"`
	TriggeredRules   []rules.TriggeredRule `json:"triggeredRules,omitempty"`
	Modifications    map[string]any        `json:"modifications,omitempty"`
	RequiresApproval bool                  `json:"requiresApproval,omitempty"`
	Approvers        []string              `json:"approvers,omitempty"`
	Duration         string                `json:"duration"`
}

// CreateRuleRequest is the request body for POST /api/v1/rules.
type CreateRuleRequest struct {
	rules.RuleInput
}

// UpdateRuleRequest is the request body for PUT /api/v1/rules/{ruleId}.
// Omitted fields are copied from the superseded version.
type UpdateRuleRequest struct {
	rules.RuleInput
}

// ToggleStatusRequest is the request body for PATCH /api/v1/rules/{ruleId}/status.
type ToggleStatusRequest struct {
	Active *bool `json:"active"`
}

// BulkUpdateRequest is the request body for POST /api/v1/rules/bulk.
type BulkUpdateRequest struct {
	Updates []rules.BulkRuleUpdate `json:"updates"`
}

// CreateExceptionRequest is the request body for POST /api/v1/exceptions.
type CreateExceptionRequest struct {
	UserID    string     `json:"userId"`
	RuleIDs   []string   `json:"ruleIds"`
	Reason    string     `json:"reason,omitempty"`
	StartsAt  time.Time  `json:"startsAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}
