package rules

import "time"

// RulesCache is a per-module, time-bounded snapshot of active rules. It is
// injected into the engine rather than held as a package-level singleton so
// tests construct engines with deterministic cache state.
type RulesCache interface {
	// Get returns the cached snapshot for a module and whether it is still
	// usable. A false second return means miss or expired.
	Get(module string) ([]*Rule, bool)

	// Set replaces the module's snapshot atomically. Readers holding the
	// previous snapshot keep a consistent view; no reader ever observes a
	// half-updated list.
	Set(module string, rules []*Rule)

	// Invalidate drops one module's snapshot so the next evaluation refetches
	// from the store even if the TTL has not elapsed.
	Invalidate(module string)

	// InvalidateAll drops every module's snapshot.
	InvalidateAll()
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL bounds how stale a snapshot may be before Get forces a refetch.
	// Zero means snapshots only expire through explicit invalidation. In a
	// multi-instance deployment the TTL is also the staleness bound between
	// instances, since there is no cross-process invalidation.
	TTL time.Duration
}

// DefaultCacheConfig returns the default cache behavior: minutes-scale TTL
// plus explicit invalidation on writes.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 5 * time.Minute}
}
