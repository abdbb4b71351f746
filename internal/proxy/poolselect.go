package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/heliogate/gateway/internal/balancer"
	"github.com/heliogate/gateway/internal/providers"
	"github.com/heliogate/gateway/internal/ratelimit"
	"github.com/heliogate/gateway/internal/router"
)

// rateLimitedError satisfies providers.StatusCoder so handleProviderError
// maps it to 429 instead of the generic 502, and the retryAfterer interface
// so the 429 carries the bucket's actual reset delay instead of a guess.
type rateLimitedError struct {
	router     string
	retryAfter time.Duration
}

func (e rateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for router %q", e.router)
}

func (e rateLimitedError) HTTPStatus() int { return 429 }

func (e rateLimitedError) RetryAfter() time.Duration { return e.retryAfter }

// routerNameKey is the context key the HTTP layer uses to pass the
// resolved router name (from registry.Resolve, per spec.md §4.1's path
// bindings) down to the dispatch pipeline.
type routerNameKey struct{}

// withRouterName attaches the resolved router name to ctx.
func withRouterName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, routerNameKey{}, name)
}

// routerNameFrom returns the router name attached by withRouterName, or
// "default" when none was set (the bare /v1/... routes have no router
// binding and always use the default router's pools).
func routerNameFrom(ctx context.Context) string {
	if name, ok := ctx.Value(routerNameKey{}).(string); ok && name != "" {
		return name
	}
	return "default"
}

// endpointTypeForRoute maps a dispatch route label to the router package's
// endpoint-type classification (see router.DetectEndpointType for the
// inbound-path equivalent of this mapping).
func endpointTypeForRoute(route string) router.EndpointType {
	switch route {
	case "embeddings":
		return router.Embeddings
	case "completions":
		return router.Completions
	default:
		return router.ChatCompletions
	}
}

// resolvePool looks up the pool serving route on the router bound to ctx
// (or the registry default), enforcing that router's rate-limit scopes.
// ok is false when no registry, router, or pool is configured for this
// (router, endpoint type) pair, telling the caller to fall back to the
// legacy fixed-fallback-order path.
func (g *Gateway) resolvePool(ctx context.Context, route string, apiKeyID string) (rt *router.Router, pool *router.Pool, maxAttempts int, ok bool, err error) {
	if g.routers == nil {
		return nil, nil, 0, false, nil
	}
	reg := g.routers.Load()
	if reg == nil {
		return nil, nil, 0, false, nil
	}
	rt = reg.ByName(routerNameFrom(ctx))
	if rt == nil {
		rt = reg.Default()
	}
	if rt == nil {
		return nil, nil, 0, false, nil
	}
	pool = rt.Pools[endpointTypeForRoute(route)]
	if pool == nil {
		return nil, nil, 0, false, nil
	}

	if rt.Limiter != nil {
		id := ratelimit.Identity{Router: rt.Name, APIKey: apiKeyID}
		allowed, retryAfter, limErr := rt.Limiter.Allow(ctx, id)
		if limErr == nil && !allowed {
			return rt, pool, 0, true, rateLimitedError{router: rt.Name, retryAfter: retryAfter}
		}
	}

	maxAttempts = rt.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = g.maxRetries
	}
	return rt, pool, maxAttempts, true, nil
}

// tryPoolDispatch dispatches a chat/completions request through the
// configured router registry, when one is set.
func (g *Gateway) tryPoolDispatch(
	ctx context.Context,
	req *providers.ProxyRequest,
	route string,
) (resp *providers.ProxyResponse, provider string, ok bool, err error) {
	_, pool, maxAttempts, ok, err := g.resolvePool(ctx, route, req.APIKeyID)
	if !ok || err != nil {
		return nil, "", ok, err
	}
	resp, provider, err = g.requestWithFailoverPool(ctx, req, pool, maxAttempts, route)
	return resp, provider, true, err
}

// tryPoolDispatchEmbeddings is the embeddings-path counterpart of
// tryPoolDispatch: EmbeddingProvider.Embed has its own request/response
// types, so it runs its own attempt loop against the same Pool/Arena
// machinery instead of sharing requestWithFailoverPool.
func (g *Gateway) tryPoolDispatchEmbeddings(
	ctx context.Context,
	req *providers.EmbeddingRequest,
) (resp *providers.EmbeddingResponse, provider string, ok bool, err error) {
	_, pool, maxAttempts, ok, err := g.resolvePool(ctx, "embeddings", req.APIKeyID)
	if !ok || err != nil {
		return nil, "", ok, err
	}
	resp, provider, err = g.requestWithFailoverPoolEmbeddings(ctx, req, pool, maxAttempts)
	return resp, provider, true, err
}

// requestWithFailoverPool dispatches a request through a router's
// load-balanced pool: each attempt asks the configured Strategy for a
// candidate (excluding endpoints already tried this request, per
// spec.md §4.3), feeds the outcome back into that endpoint's
// EndpointHealth (PeakEWMA latency + circuit state), and stops on the
// first success, a fatal (non-retryable) error, or max attempts.
func (g *Gateway) requestWithFailoverPool(
	ctx context.Context,
	req *providers.ProxyRequest,
	pool *router.Pool,
	maxAttempts int,
	route string,
) (*providers.ProxyResponse, string, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	tried := make(map[balancer.Endpoint]bool, maxAttempts)
	var lastErr error
	attempts := 0

	for attempts < maxAttempts {
		cand, pickErr := pool.Pick(tried)
		if pickErr != nil {
			if lastErr == nil {
				lastErr = pickErr
			}
			break
		}
		tried[cand.Endpoint] = true

		prov, ok := g.providers[cand.Endpoint.Provider]
		if !ok {
			// Pool references a provider with no live client (e.g. missing
			// API key) — exclude and keep looking without spending an attempt.
			continue
		}

		h := pool.Arena.Health(cand.Index)
		h.MarkTried(time.Now())
		h.BeginRequest()

		start := time.Now()
		resp, reqErr := prov.Request(ctx, req)
		h.ObserveLatency(time.Since(start))
		attempts++

		if reqErr == nil {
			h.RecordSuccess()
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(cand.Endpoint.Provider, route, "success", time.Since(start))
			}
			return resp, cand.Endpoint.Provider, nil
		}

		h.RecordFailure()
		lastErr = reqErr
		reason := classifyError(reqErr)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(cand.Endpoint.Provider, route, reason, time.Since(start))
			g.metrics.RecordError(cand.Endpoint.Provider, reason)
		}
		g.log.WarnContext(ctx, "pool_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", cand.Endpoint.Provider),
			slog.String("model", cand.Endpoint.Model),
			slog.String("reason", reason),
		)

		if !isRetryable(reqErr) {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no eligible endpoints in pool")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted("pool")
	}
	return nil, "", fmt.Errorf("failover: pool exhausted after %d attempt(s): %w", attempts, lastErr)
}

// requestWithFailoverPoolEmbeddings mirrors requestWithFailoverPool for the
// EmbeddingProvider interface: endpoints whose provider doesn't implement
// embeddings are excluded and the attempt is not spent.
func (g *Gateway) requestWithFailoverPoolEmbeddings(
	ctx context.Context,
	req *providers.EmbeddingRequest,
	pool *router.Pool,
	maxAttempts int,
) (*providers.EmbeddingResponse, string, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	tried := make(map[balancer.Endpoint]bool, maxAttempts)
	var lastErr error
	attempts := 0

	for attempts < maxAttempts {
		cand, pickErr := pool.Pick(tried)
		if pickErr != nil {
			if lastErr == nil {
				lastErr = pickErr
			}
			break
		}
		tried[cand.Endpoint] = true

		prov, ok := g.providers[cand.Endpoint.Provider]
		if !ok {
			continue
		}
		embedder, ok := prov.(providers.EmbeddingProvider)
		if !ok {
			continue
		}

		h := pool.Arena.Health(cand.Index)
		h.MarkTried(time.Now())
		h.BeginRequest()

		start := time.Now()
		resp, reqErr := embedder.Embed(ctx, req)
		h.ObserveLatency(time.Since(start))
		attempts++

		if reqErr == nil {
			h.RecordSuccess()
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(cand.Endpoint.Provider, "embeddings", "success", time.Since(start))
			}
			return resp, cand.Endpoint.Provider, nil
		}

		h.RecordFailure()
		lastErr = reqErr
		reason := classifyError(reqErr)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(cand.Endpoint.Provider, "embeddings", reason, time.Since(start))
			g.metrics.RecordError(cand.Endpoint.Provider, reason)
		}
		g.log.WarnContext(ctx, "pool_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", cand.Endpoint.Provider),
			slog.String("model", cand.Endpoint.Model),
			slog.String("reason", reason),
		)

		if !isRetryable(reqErr) {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no eligible embedding endpoints in pool")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted("pool")
	}
	return nil, "", fmt.Errorf("failover: embedding pool exhausted after %d attempt(s): %w", attempts, lastErr)
}
