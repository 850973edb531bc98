package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/campuscore/rules/rules"
)

// newTestServer wires the HTTP surface to an in-memory engine; handlers that
// need the database are covered by the integration build.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	en, err := rules.NewEngine(rules.NewInMemoryRuleStore())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	s := &Server{engine: en}
	s.setupRoutes()
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "test-admin")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func createTestRule(t *testing.T, s *Server) rules.Rule {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/api/v1/rules", map[string]any{
		"moduleName": "attendance",
		"name":       "Minimum attendance",
		"condition": map[string]any{
			"type":     "threshold",
			"field":    "percentage",
			"operator": "lt",
			"value":    40,
		},
		"action": map[string]any{
			"type":    "block",
			"message": "attendance below minimum",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create rule status = %d, body %s", rec.Code, rec.Body.String())
	}
	var rule rules.Rule
	if err := json.Unmarshal(rec.Body.Bytes(), &rule); err != nil {
		t.Fatalf("decode rule: %v", err)
	}
	return rule
}

func TestHandleEvaluate(t *testing.T) {
	s := newTestServer(t)
	createTestRule(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		UserID:       "student-1",
		Roles:        []string{"student"},
		Action:       "submit",
		ModuleName:   "attendance",
		ResourceData: map[string]any{"percentage": 30},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp EvaluateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Decision != rules.DecisionBlocked {
		t.Errorf("Decision = %s, want %s", resp.Decision, rules.DecisionBlocked)
	}
	if resp.Message != "attendance below minimum" {
		t.Errorf("Message = %q", resp.Message)
	}
	if len(resp.TriggeredRules) != 1 {
		t.Errorf("TriggeredRules = %+v", resp.TriggeredRules)
	}
}

func TestHandleEvaluateInvalidContext(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		ModuleName: "attendance",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}

	var resp EvaluateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Decision != rules.DecisionError {
		t.Errorf("Decision = %s, want %s", resp.Decision, rules.DecisionError)
	}
}

func TestHandleEvaluateBadBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evaluate", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleCreateRuleRejectsInvalid(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/rules", map[string]any{
		"moduleName": "attendance",
		"name":       "Broken",
		"condition":  map[string]any{"type": "threshold"},
		"action":     map[string]any{"type": "block"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleGetRule(t *testing.T) {
	s := newTestServer(t)
	rule := createTestRule(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/rules/"+rule.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got rules.Rule
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode rule: %v", err)
	}
	if got.ID != rule.ID || got.CreatedBy != "test-admin" {
		t.Errorf("got = %+v", got)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/rules/unknown-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleListRules(t *testing.T) {
	s := newTestServer(t)
	createTestRule(t, s)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/rules?module=attendance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Rules []rules.Rule `json:"rules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Rules) != 1 {
		t.Errorf("rules = %d, want 1", len(resp.Rules))
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/rules", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing module param: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleUpdateRule(t *testing.T) {
	s := newTestServer(t)
	rule := createTestRule(t, s)

	rec := doJSON(t, s, http.MethodPut, "/api/v1/rules/"+rule.ID, map[string]any{
		"condition": map[string]any{
			"type":     "threshold",
			"field":    "percentage",
			"operator": "lt",
			"value":    50,
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var successor rules.Rule
	if err := json.Unmarshal(rec.Body.Bytes(), &successor); err != nil {
		t.Fatalf("decode rule: %v", err)
	}
	if successor.Version != 2 {
		t.Errorf("Version = %d, want 2", successor.Version)
	}
	if successor.ParentRuleID == nil || *successor.ParentRuleID != rule.ID {
		t.Errorf("ParentRuleID = %v, want %s", successor.ParentRuleID, rule.ID)
	}
	if successor.Name != rule.Name {
		t.Errorf("Name = %q, want inherited %q", successor.Name, rule.Name)
	}
}

func TestHandleToggleRuleStatus(t *testing.T) {
	s := newTestServer(t)
	rule := createTestRule(t, s)

	active := false
	rec := doJSON(t, s, http.MethodPatch, fmt.Sprintf("/api/v1/rules/%s/status", rule.ID), ToggleStatusRequest{Active: &active})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPatch, fmt.Sprintf("/api/v1/rules/%s/status", rule.ID), ToggleStatusRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing active: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleBulkUpdateRules(t *testing.T) {
	s := newTestServer(t)
	rule := createTestRule(t, s)

	off := false
	rec := doJSON(t, s, http.MethodPost, "/api/v1/rules/bulk", BulkUpdateRequest{
		Updates: []rules.BulkRuleUpdate{{RuleID: rule.ID, Active: &off}},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/rules/bulk", BulkUpdateRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty updates: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleCreateException(t *testing.T) {
	s := newTestServer(t)
	rule := createTestRule(t, s)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/exceptions", CreateExceptionRequest{
		UserID:  "student-1",
		RuleIDs: []string{rule.ID},
		Reason:  "medical leave",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var exc rules.RuleException
	if err := json.Unmarshal(rec.Body.Bytes(), &exc); err != nil {
		t.Fatalf("decode exception: %v", err)
	}
	if exc.ID == "" || exc.ApprovedBy != "test-admin" || !exc.Active {
		t.Errorf("exception = %+v", exc)
	}

	// The exception now bypasses the blocking rule.
	eval := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", EvaluateRequest{
		UserID:       "student-1",
		Action:       "submit",
		ModuleName:   "attendance",
		ResourceData: map[string]any{"percentage": 10},
	})
	var resp EvaluateResponse
	if err := json.Unmarshal(eval.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Decision != rules.DecisionAllowed {
		t.Errorf("Decision = %s, want %s with an active exception", resp.Decision, rules.DecisionAllowed)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/v1/exceptions", CreateExceptionRequest{RuleIDs: []string{rule.ID}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing user: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleMetricsBadTimestamps(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/metrics?from=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/v1/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
