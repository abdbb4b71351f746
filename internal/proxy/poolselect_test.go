package proxy

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/heliogate/gateway/internal/balancer"
	"github.com/heliogate/gateway/internal/providers"
	"github.com/heliogate/gateway/internal/ratelimit"
	"github.com/heliogate/gateway/internal/router"
)

func poolFor(t *testing.T, endpoints ...string) *router.Pool {
	t.Helper()
	arena := balancer.NewArena()
	cands := make([]balancer.Candidate, len(endpoints))
	for i, name := range endpoints {
		ep := balancer.Endpoint{Provider: name, Model: "*"}
		idx := arena.Slot(ep, balancer.DefaultHealthConfig)
		cands[i] = balancer.Candidate{Endpoint: ep, Weight: 1, Index: idx}
	}
	return &router.Pool{Strategy: &balancer.Latency{}, Candidates: cands, Arena: arena}
}

func gatewayWithRegistry(t *testing.T, provs map[string]providers.Provider, reg *router.Registry) *Gateway {
	t.Helper()
	gw := NewGateway(context.Background(), provs, nil)
	ar := &router.AtomicRegistry{}
	ar.Store(reg)
	gw.SetRouters(ar)
	return gw
}

func TestTryPoolDispatch_NoRegistryFallsThrough(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{"openai": okProvider("openai")}, nil)
	req := &providers.ProxyRequest{RequestID: "r1", Model: "gpt-4o"}
	_, _, ok, err := gw.tryPoolDispatch(context.Background(), req, "chat.completions")
	if ok || err != nil {
		t.Fatalf("expected ok=false, err=nil with no registry; got ok=%v err=%v", ok, err)
	}
}

func TestTryPoolDispatch_DispatchesAndRecordsSuccess(t *testing.T) {
	pool := poolFor(t, "openai")
	reg, err := router.Build(map[string]*router.Router{
		"default": {Pools: map[router.EndpointType]*router.Pool{router.ChatCompletions: pool}},
	})
	if err != nil {
		t.Fatal(err)
	}
	gw := gatewayWithRegistry(t, map[string]providers.Provider{"openai": okProvider("openai")}, reg)

	req := &providers.ProxyRequest{RequestID: "r1", Model: "gpt-4o"}
	resp, prov, ok, err := gw.tryPoolDispatch(context.Background(), req, "chat.completions")
	if !ok {
		t.Fatal("expected pool dispatch to engage when a registry is configured")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prov != "openai" {
		t.Errorf("expected provider openai, got %s", prov)
	}
	if resp == nil {
		t.Fatal("expected a non-nil response")
	}
	h := pool.Arena.Health(pool.Candidates[0].Index)
	if h.State() != balancer.Closed {
		t.Errorf("expected endpoint to remain closed after success, got %v", h.State())
	}
}

func TestTryPoolDispatch_FailsOverWithinPool(t *testing.T) {
	pool := poolFor(t, "openai", "anthropic")
	reg, err := router.Build(map[string]*router.Router{
		"default": {
			Pools: map[router.EndpointType]*router.Pool{router.ChatCompletions: pool},
			Retry: router.RetryPolicy{MaxAttempts: 2},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var failCount int32
	failing := &funcProvider{
		name: "openai",
		requestFn: func(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			atomic.AddInt32(&failCount, 1)
			return nil, &providerError{status: 503, msg: "unavailable"}
		},
	}
	gw := gatewayWithRegistry(t, map[string]providers.Provider{
		"openai":    failing,
		"anthropic": okProvider("anthropic"),
	}, reg)

	req := &providers.ProxyRequest{RequestID: "r1", Model: "gpt-4o"}
	resp, prov, ok, err := gw.tryPoolDispatch(context.Background(), req, "chat.completions")
	if !ok || err != nil {
		t.Fatalf("expected successful failover, got ok=%v err=%v", ok, err)
	}
	if prov != "anthropic" {
		t.Errorf("expected failover to anthropic, got %s", prov)
	}
	if resp == nil {
		t.Fatal("expected a non-nil response after failover")
	}
	if atomic.LoadInt32(&failCount) != 1 {
		t.Errorf("expected exactly 1 failed attempt against openai, got %d", failCount)
	}
}

func TestTryPoolDispatch_NamedRouterOverridesDefault(t *testing.T) {
	defaultPool := poolFor(t, "openai")
	namedPool := poolFor(t, "anthropic")
	reg, err := router.Build(map[string]*router.Router{
		"default": {Pools: map[router.EndpointType]*router.Pool{router.ChatCompletions: defaultPool}},
		"premium": {Pools: map[router.EndpointType]*router.Pool{router.ChatCompletions: namedPool}},
	})
	if err != nil {
		t.Fatal(err)
	}
	gw := gatewayWithRegistry(t, map[string]providers.Provider{
		"openai":    okProvider("openai"),
		"anthropic": okProvider("anthropic"),
	}, reg)

	ctx := withRouterName(context.Background(), "premium")
	req := &providers.ProxyRequest{RequestID: "r1", Model: "gpt-4o"}
	_, prov, ok, err := gw.tryPoolDispatch(ctx, req, "chat.completions")
	if !ok || err != nil {
		t.Fatalf("unexpected ok=%v err=%v", ok, err)
	}
	if prov != "anthropic" {
		t.Errorf("expected named router \"premium\" pool (anthropic), got %s", prov)
	}
}

func TestTryPoolDispatch_RateLimitExceededReturns429(t *testing.T) {
	pool := poolFor(t, "openai")
	limiter := ratelimit.NewHierarchical(
		[]ratelimit.BucketSpec{{Scope: ratelimit.ScopeGlobal, Capacity: 0, RefillPerSec: 0}},
		ratelimit.NewMemoryBackend(),
	)
	reg, err := router.Build(map[string]*router.Router{
		"default": {
			Pools:   map[router.EndpointType]*router.Pool{router.ChatCompletions: pool},
			Limiter: limiter,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	gw := gatewayWithRegistry(t, map[string]providers.Provider{"openai": okProvider("openai")}, reg)

	req := &providers.ProxyRequest{RequestID: "r1", Model: "gpt-4o"}
	_, _, ok, err := gw.tryPoolDispatch(context.Background(), req, "chat.completions")
	if !ok {
		t.Fatal("expected ok=true: a registry was configured and matched")
	}
	if err == nil {
		t.Fatal("expected a rate-limit error")
	}
	sc, isStatusCoder := err.(interface{ HTTPStatus() int })
	if !isStatusCoder || sc.HTTPStatus() != 429 {
		t.Errorf("expected a 429 status-coded error, got %v", err)
	}
}

func TestRouterNameFrom_DefaultsWhenUnset(t *testing.T) {
	if got := routerNameFrom(context.Background()); got != "default" {
		t.Errorf("expected \"default\", got %q", got)
	}
	ctx := withRouterName(context.Background(), "premium")
	if got := routerNameFrom(ctx); got != "premium" {
		t.Errorf("expected \"premium\", got %q", got)
	}
}

func TestEndpointTypeForRoute(t *testing.T) {
	cases := map[string]router.EndpointType{
		"chat.completions": router.ChatCompletions,
		"completions":      router.Completions,
		"embeddings":       router.Embeddings,
		"unknown":          router.ChatCompletions,
	}
	for route, want := range cases {
		if got := endpointTypeForRoute(route); got != want {
			t.Errorf("%s: got %v, want %v", route, got, want)
		}
	}
}
