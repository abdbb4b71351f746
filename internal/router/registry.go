// Package router implements the gateway's router registry: the mapping
// from an inbound request's URL path and endpoint type to the pool of
// candidate endpoints and policies (load-balancer strategy, rate limits,
// cache directive, retry policy) that govern it.
package router

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/heliogate/gateway/internal/balancer"
	"github.com/heliogate/gateway/internal/cache"
	"github.com/heliogate/gateway/internal/ratelimit"
)

// EndpointType identifies the shape of an inbound request.
type EndpointType string

const (
	ChatCompletions EndpointType = "chat.completions"
	Completions     EndpointType = "completions"
	Embeddings      EndpointType = "embeddings"
)

// DetectEndpointType classifies a request by its OpenAI-compatible path
// suffix. The request body is not inspected, so a streaming request maps
// to the same endpoint type (and pool) as its non-streaming counterpart.
func DetectEndpointType(path string) (EndpointType, error) {
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return ChatCompletions, nil
	case strings.HasSuffix(path, "/completions"):
		return Completions, nil
	case strings.HasSuffix(path, "/embeddings"):
		return Embeddings, nil
	default:
		return "", fmt.Errorf("router: unrecognized endpoint path %q", path)
	}
}

// Pool is one load-balanced group of candidate endpoints for a single
// (router, endpoint type) pair.
type Pool struct {
	Strategy   balancer.Strategy
	Candidates []balancer.Candidate
	Arena      *balancer.Arena
}

// Pick selects a candidate from the pool, excluding any already-tried
// endpoints (used by the retry controller to avoid repeating a failed
// endpoint within the same request).
func (p *Pool) Pick(exclude map[balancer.Endpoint]bool) (balancer.Candidate, error) {
	if len(exclude) == 0 {
		return p.Strategy.Pick(p.Candidates, p.Arena)
	}
	filtered := make([]balancer.Candidate, 0, len(p.Candidates))
	for _, c := range p.Candidates {
		if !exclude[c.Endpoint] {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return balancer.Candidate{}, balancer.ErrNoEligibleCandidate
	}
	return p.Strategy.Pick(filtered, p.Arena)
}

// Router is one named routing configuration: a pool per endpoint type plus
// its own rate-limit, cache, and retry policy.
type Router struct {
	Name     string
	Pools    map[EndpointType]*Pool
	Limiter  *ratelimit.Hierarchical
	Cache    cache.Cache
	CacheDir cache.Directive
	// Revalidator serves this router's cache lookups with stale-while-
	// revalidate semantics under CacheDir when the operator configured a
	// cache-directive for this router (spec.md §4.5); nil means this
	// router has no per-router cache override and the gateway's flat
	// cache/TTL applies instead.
	Revalidator *cache.Revalidator
	Retry       RetryPolicy
}

// RetryPolicy controls the retry/fallback controller for one router.
// The attempt loop reads MaxAttempts only. RetryOn is carried with the
// router but not consulted: whether a failed attempt is retried is decided
// by the proxy's isRetryable (timeouts, 5xx and errors without an HTTP
// status are retried; every other status, 429 included, is not).
type RetryPolicy struct {
	MaxAttempts int
	RetryOn     map[string]bool // error kinds listed for retry; not read by the attempt loop
}

// DefaultRetryPolicy mirrors the teacher's failover defaults.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	RetryOn: map[string]bool{
		"timeout":        true,
		"upstream_5xx":   true,
		"rate_limited":   true,
		"connection_err": true,
	},
}

// Registry resolves an inbound path to a Router. It is published through
// an AtomicRegistry; a request holds the *Registry it loaded at dispatch
// time, so a later Store does not change state that request is using. The
// gateway stores one Registry at startup; nothing reloads configuration
// at run time.
type Registry struct {
	byName map[string]*Router
	dflt   *Router
}

// Build constructs a Registry from a set of named routers. The router
// named "default" (if present) serves the bare "/ai/..." path prefix.
func Build(routers map[string]*Router) (*Registry, error) {
	if len(routers) == 0 {
		return nil, fmt.Errorf("router: at least one router is required")
	}
	r := &Registry{byName: make(map[string]*Router, len(routers))}
	for name, rt := range routers {
		if rt == nil {
			return nil, fmt.Errorf("router: router %q is nil", name)
		}
		rt.Name = name
		r.byName[name] = rt
	}
	if d, ok := r.byName["default"]; ok {
		r.dflt = d
	}
	return r, nil
}

// Resolve maps an inbound path to a Router and the remaining OpenAI-shaped
// suffix path (e.g. "/v1/chat/completions"). Paths of the form
// "/router/<name>/<suffix>" select a named router; "/ai/<suffix>" selects
// the default router.
func (r *Registry) Resolve(path string) (*Router, string, error) {
	const routerPrefix = "/router/"
	if strings.HasPrefix(path, routerPrefix) {
		rest := path[len(routerPrefix):]
		idx := strings.IndexByte(rest, '/')
		if idx < 0 {
			return nil, "", fmt.Errorf("router: malformed path %q", path)
		}
		name, suffix := rest[:idx], rest[idx:]
		rt, ok := r.byName[name]
		if !ok {
			return nil, "", fmt.Errorf("router: unknown router %q", name)
		}
		return rt, suffix, nil
	}

	const aiPrefix = "/ai"
	if strings.HasPrefix(path, aiPrefix) {
		if r.dflt == nil {
			return nil, "", fmt.Errorf("router: no default router configured")
		}
		return r.dflt, path[len(aiPrefix):], nil
	}

	return nil, "", fmt.Errorf("router: unrecognized path %q", path)
}

// Default returns the registry's default router, or nil if none is
// configured (a registry with no router named "default" has no fallback
// for "/ai/..." paths).
func (r *Registry) Default() *Router { return r.dflt }

// ByName returns the router registered under name, or nil.
func (r *Registry) ByName(name string) *Router { return r.byName[name] }

// Names returns every configured router name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	return out
}

// AtomicRegistry holds a *Registry behind an atomic pointer so a config
// reload can swap it without a lock on the read path.
type AtomicRegistry struct {
	v atomic.Pointer[Registry]
}

// Store installs a new Registry, visible to subsequent Load calls.
func (a *AtomicRegistry) Store(r *Registry) { a.v.Store(r) }

// Load returns the current Registry snapshot.
func (a *AtomicRegistry) Load() *Registry { return a.v.Load() }
