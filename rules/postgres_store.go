package rules

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Condition and
// action payloads are stored as JSONB and decoded into the tagged unions on
// read; anything that does not decode or validate is rejected at this
// boundary, so unknown types never reach the evaluator.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, module_name, name, description, category,
	condition, action, severity, priority, active,
	effective_from, effective_to, version, parent_rule_id,
	created_by, created_at, updated_at`

func (s *PostgresRuleStore) Create(rule *Rule) error {
	condJSON, actionJSON, err := encodePayloads(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, rule.ID, rule.ModuleName, rule.Name, rule.Description, rule.Category,
		condJSON, actionJSON, rule.Severity, rule.Priority, rule.Active,
		rule.EffectiveFrom, rule.EffectiveTo, rule.Version, rule.ParentRuleID,
		rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresRuleStore) ListActiveByModule(module string, now time.Time) ([]*Rule, error) {
	rows, err := s.db.Query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE module_name = $1
		  AND active = true
		  AND effective_from <= $2
		  AND (effective_to IS NULL OR effective_to >= $2)
		ORDER BY priority ASC, created_at ASC, id ASC
	`, module, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	return collectRules(rows)
}

func (s *PostgresRuleStore) ListByModule(module string) ([]*Rule, error) {
	rows, err := s.db.Query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE module_name = $1
		ORDER BY priority ASC, created_at ASC, id ASC
	`, module)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return collectRules(rows)
}

func (s *PostgresRuleStore) Update(rule *Rule) error {
	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rules
		SET priority = $1, active = $2, updated_at = $3
		WHERE id = $4
	`, rule.Priority, rule.Active, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	return nil
}

// Supersede inserts the successor and deactivates the parent in one
// transaction, keeping the one-active-rule-per-chain invariant.
func (s *PostgresRuleStore) Supersede(parent, successor *Rule) error {
	condJSON, actionJSON, err := encodePayloads(successor)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if successor.CreatedAt.IsZero() {
		successor.CreatedAt = now
	}
	successor.UpdatedAt = now

	_, err = tx.Exec(`
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, successor.ID, successor.ModuleName, successor.Name, successor.Description,
		successor.Category, condJSON, actionJSON, successor.Severity,
		successor.Priority, successor.Active, successor.EffectiveFrom,
		successor.EffectiveTo, successor.Version, successor.ParentRuleID,
		successor.CreatedBy, successor.CreatedAt, successor.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert successor rule: %w", err)
	}

	result, err := tx.Exec(`
		UPDATE rules SET active = false, updated_at = $1 WHERE id = $2
	`, now, parent.ID)
	if err != nil {
		return fmt.Errorf("failed to deactivate parent rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, parent.ID)
	}

	return tx.Commit()
}

func (s *PostgresRuleStore) HasActiveException(userID string, ruleIDs []string, now time.Time) (bool, error) {
	if len(ruleIDs) == 0 {
		return false, nil
	}

	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM rule_exceptions
			WHERE user_id = $1
			  AND active = true
			  AND starts_at <= $2
			  AND (expires_at IS NULL OR expires_at >= $2)
			  AND rule_ids && $3
		)
	`, userID, now, pq.Array(ruleIDs)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query exceptions: %w", err)
	}
	return exists, nil
}

func (s *PostgresRuleStore) CreateException(exc *RuleException) error {
	if exc.CreatedAt.IsZero() {
		exc.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO rule_exceptions
			(id, user_id, rule_ids, reason, approved_by, active, starts_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, exc.ID, exc.UserID, pq.Array(exc.RuleIDs), exc.Reason, exc.ApprovedBy,
		exc.Active, exc.StartsAt, exc.ExpiresAt, exc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert exception: %w", err)
	}
	return nil
}

func encodePayloads(rule *Rule) ([]byte, []byte, error) {
	condJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode condition: %w", err)
	}
	actionJSON, err := json.Marshal(rule.Action)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode action: %w", err)
	}
	return condJSON, actionJSON, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var condJSON, actionJSON []byte
	err := row.Scan(
		&r.ID, &r.ModuleName, &r.Name, &r.Description, &r.Category,
		&condJSON, &actionJSON, &r.Severity, &r.Priority, &r.Active,
		&r.EffectiveFrom, &r.EffectiveTo, &r.Version, &r.ParentRuleID,
		&r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(condJSON, &r.Condition); err != nil {
		return nil, fmt.Errorf("rule %s: bad condition payload: %w", r.ID, err)
	}
	if err := r.Condition.Validate(); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actionJSON, &r.Action); err != nil {
		return nil, fmt.Errorf("rule %s: bad action payload: %w", r.ID, err)
	}
	if err := r.Action.Validate(); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func collectRules(rows *sql.Rows) ([]*Rule, error) {
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

// PostgresAuditWriter persists audit entries for the async sink.
type PostgresAuditWriter struct {
	db *sql.DB
}

// NewPostgresAuditWriter creates a PostgreSQL-backed audit writer.
func NewPostgresAuditWriter(db *sql.DB) *PostgresAuditWriter {
	return &PostgresAuditWriter{db: db}
}

func (w *PostgresAuditWriter) WriteRuleHit(entry *RuleLog) error {
	resource, err := json.Marshal(entry.ResourceData)
	if err != nil {
		return fmt.Errorf("failed to encode resource snapshot: %w", err)
	}
	_, err = w.db.Exec(`
		INSERT INTO rule_logs
			(id, rule_id, user_id, module_name, action, resource_data,
			 matched, action_taken, running_decision, duration_us, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.RuleID, entry.UserID, entry.ModuleName, entry.Action,
		resource, entry.Matched, entry.ActionTaken, entry.RunningDecision,
		entry.Duration.Microseconds(), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule log: %w", err)
	}
	return nil
}

func (w *PostgresAuditWriter) WriteEvaluation(entry *EvaluationLog) error {
	_, err := w.db.Exec(`
		INSERT INTO evaluation_logs
			(id, user_id, module_name, action, decision,
			 triggered_count, examined_count, duration_us, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.UserID, entry.ModuleName, entry.Action, entry.Decision,
		entry.TriggeredCount, entry.ExaminedCount,
		entry.Duration.Microseconds(), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation log: %w", err)
	}
	return nil
}
