package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages rule and exception persistence. The store is the
// authority on which rules are active; the cache is a disposable read
// replica of its answers.
type RuleStore interface {
	// Create inserts a new rule.
	Create(rule *Rule) error

	// Get retrieves a rule by ID.
	Get(id string) (*Rule, error)

	// ListActiveByModule returns the module's active rules whose effective
	// window covers now, ordered by priority ascending with creation time as
	// tiebreaker. This ordering is a correctness requirement for the
	// evaluation loop, not an optimization.
	ListActiveByModule(module string, now time.Time) ([]*Rule, error)

	// ListByModule returns every rule row for a module, including inactive
	// and superseded versions.
	ListByModule(module string) ([]*Rule, error)

	// Update mutates a rule's status/priority metadata in place. Condition
	// and action payloads are never updated this way; use Supersede.
	Update(rule *Rule) error

	// Supersede atomically inserts the successor rule and deactivates the
	// parent, preserving the version chain.
	Supersede(parent, successor *Rule) error

	// HasActiveException reports whether the user holds an active exception
	// covering any of the candidate rules at the given time.
	HasActiveException(userID string, ruleIDs []string, now time.Time) (bool, error)

	// CreateException inserts a new exception grant.
	CreateException(exc *RuleException) error
}

// InMemoryRuleStore implements RuleStore with maps under an RWMutex.
// Used by unit tests and single-process deployments without Postgres.
type InMemoryRuleStore struct {
	rules      map[string]*Rule
	exceptions map[string]*RuleException
	mu         sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:      make(map[string]*Rule),
		exceptions: make(map[string]*RuleException),
	}
}

func (s *InMemoryRuleStore) Create(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	clone := *rule
	s.rules[rule.ID] = &clone
	return nil
}

func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	clone := *rule
	return &clone, nil
}

func (s *InMemoryRuleStore) ListActiveByModule(module string, now time.Time) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Rule
	for _, rule := range s.rules {
		if rule.ModuleName != module || !rule.Active || !rule.EffectiveAt(now) {
			continue
		}
		clone := *rule
		active = append(active, &clone)
	}
	sortRules(active)
	return active, nil
}

func (s *InMemoryRuleStore) ListByModule(module string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if rule.ModuleName != module {
			continue
		}
		clone := *rule
		out = append(out, &clone)
	}
	sortRules(out)
	return out, nil
}

func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	clone := *rule
	s.rules[rule.ID] = &clone
	return nil
}

func (s *InMemoryRuleStore) Supersede(parent, successor *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.rules[parent.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, parent.ID)
	}
	if _, exists := s.rules[successor.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", successor.ID)
	}

	now := time.Now()
	if successor.CreatedAt.IsZero() {
		successor.CreatedAt = now
	}
	successor.UpdatedAt = now

	succ := *successor
	s.rules[successor.ID] = &succ

	stored.Active = false
	stored.UpdatedAt = now
	return nil
}

func (s *InMemoryRuleStore) HasActiveException(userID string, ruleIDs []string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, exc := range s.exceptions {
		if exc.UserID != userID || !exc.Active {
			continue
		}
		if exc.StartsAt.After(now) {
			continue
		}
		if exc.ExpiresAt != nil && exc.ExpiresAt.Before(now) {
			continue
		}
		for _, covered := range exc.RuleIDs {
			for _, candidate := range ruleIDs {
				if covered == candidate {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func (s *InMemoryRuleStore) CreateException(exc *RuleException) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.exceptions[exc.ID]; exists {
		return fmt.Errorf("exception with ID %s already exists", exc.ID)
	}
	if exc.CreatedAt.IsZero() {
		exc.CreatedAt = time.Now()
	}
	clone := *exc
	clone.RuleIDs = append([]string(nil), exc.RuleIDs...)
	s.exceptions[exc.ID] = &clone
	return nil
}

// sortRules orders rules by priority ascending, creation time ascending,
// with ID as a final tiebreaker so ordering is total and stable across runs.
func sortRules(rules []*Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
