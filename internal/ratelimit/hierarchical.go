package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Scope identifies which axis a token bucket is keyed on.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeRouter Scope = "router"
	ScopeAPIKey Scope = "api_key"
	ScopeUser   Scope = "user"
)

// BucketSpec configures one scope's token bucket.
type BucketSpec struct {
	Scope        Scope
	Capacity     int
	RefillPerSec float64
}

// Identity carries the key material for each scope a request might be
// checked against. Empty fields simply skip that scope's bucket.
type Identity struct {
	Router string
	APIKey string
	User   string
}

// Backend performs the atomic multi-bucket check-and-decrement. All
// buckets in a single call must succeed or none are decremented — callers
// rely on this to avoid debiting e.g. the global bucket when the
// per-api-key bucket is the one that is exhausted. When ok is false,
// retryAfter is the tightest (longest) bucket's actual refill delay —
// spec.md §4.4 step 3 — not a fixed guess.
type Backend interface {
	Allow(ctx context.Context, keys []string, specs []BucketSpec) (ok bool, retryAfter time.Duration, err error)
}

// Hierarchical checks a request against every configured scope's bucket in
// one atomic operation, implementing the gateway's gate-1 rate limiter
// (spec §4.4): global, then router, then api-key, then user, all-or-nothing.
type Hierarchical struct {
	specs   map[Scope]BucketSpec
	backend Backend
}

// NewHierarchical builds a limiter from the configured scopes' specs and a
// backend (MemoryBackend for single-instance deployments, RedisBackend for
// multi-replica deployments sharing state).
func NewHierarchical(specs []BucketSpec, backend Backend) *Hierarchical {
	m := make(map[Scope]BucketSpec, len(specs))
	for _, s := range specs {
		m[s.Scope] = s
	}
	return &Hierarchical{specs: m, backend: backend}
}

// Allow checks id against every scope this limiter was configured with.
// When a bucket is exhausted, retryAfter reports how long the caller
// should wait before the tightest bucket has a token again.
func (h *Hierarchical) Allow(ctx context.Context, id Identity) (bool, time.Duration, error) {
	var keys []string
	var specs []BucketSpec

	if s, ok := h.specs[ScopeGlobal]; ok {
		keys = append(keys, "rl:global")
		specs = append(specs, s)
	}
	if s, ok := h.specs[ScopeRouter]; ok && id.Router != "" {
		keys = append(keys, fmt.Sprintf("rl:router:%s", id.Router))
		specs = append(specs, s)
	}
	if s, ok := h.specs[ScopeAPIKey]; ok && id.APIKey != "" {
		keys = append(keys, fmt.Sprintf("rl:apikey:%s", id.APIKey))
		specs = append(specs, s)
	}
	if s, ok := h.specs[ScopeUser]; ok && id.User != "" {
		keys = append(keys, fmt.Sprintf("rl:user:%s", id.User))
		specs = append(specs, s)
	}

	if len(keys) == 0 {
		return true, 0, nil
	}
	return h.backend.Allow(ctx, keys, specs)
}
