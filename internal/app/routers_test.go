package app

import (
	"context"
	"testing"
	"time"

	"github.com/heliogate/gateway/internal/balancer"
	"github.com/heliogate/gateway/internal/cache"
	"github.com/heliogate/gateway/internal/catalog"
	"github.com/heliogate/gateway/internal/config"
	"github.com/heliogate/gateway/internal/providers"
)

// stubProvider is a minimal providers.Provider for exercising catalog/router
// construction without a live upstream client.
type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Request(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return nil, nil
}
func (s *stubProvider) HealthCheck(context.Context) error { return nil }

func TestBuildCatalog_DefaultFromConfiguredProviders(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai":    &stubProvider{name: "openai"},
		"anthropic": &stubProvider{name: "anthropic"},
	}
	cat, err := buildCatalog(&config.Config{}, provs)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cat.Provider("openai"); !ok {
		t.Error("expected openai in the default catalog")
	}
	if _, ok := cat.Provider("gemini"); ok {
		t.Error("gemini has no live client and should not appear in the default catalog")
	}
}

func TestBuildCatalog_FromYAML(t *testing.T) {
	cfg := &config.Config{
		Catalog: map[string]config.CatalogProviderConfig{
			"openai": {BaseURL: "https://api.openai.com/v1", Models: []string{"gpt-4o"}, Protocol: "openai"},
		},
	}
	cat, err := buildCatalog(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := cat.Provider("openai")
	if !ok {
		t.Fatal("expected openai provider from YAML catalog")
	}
	if p.Auth != catalog.AuthBearer {
		t.Errorf("expected bearer auth for openai, got %v", p.Auth)
	}
}

func TestAuthSchemeFor(t *testing.T) {
	cases := map[string]catalog.AuthScheme{
		"bedrock": catalog.AuthSigV4,
		"gemini":  catalog.AuthAPIKeyInURL,
		"openai":  catalog.AuthBearer,
	}
	for id, want := range cases {
		if got := authSchemeFor(id); got != want {
			t.Errorf("%s: got %v, want %v", id, got, want)
		}
	}
}

func TestBuildRouterRegistry_ZeroConfigDefault(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai":    &stubProvider{name: "openai"},
		"anthropic": &stubProvider{name: "anthropic"},
	}
	cat, err := buildCatalog(&config.Config{}, provs)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := buildRouterRegistry(&config.Config{}, provs, cat, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reg.Default() == nil {
		t.Fatal("expected a synthesized default router")
	}
	if len(reg.Default().Pools) != 3 {
		t.Fatalf("expected 3 endpoint-type pools, got %d", len(reg.Default().Pools))
	}
}

func TestBuildRouterRegistry_FromYAML(t *testing.T) {
	provs := map[string]providers.Provider{"openai": &stubProvider{name: "openai"}}
	cat, err := buildCatalog(&config.Config{}, provs)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Routers: map[string]config.RouterConfig{
			"fast": {
				LoadBalance: map[string]config.LoadBalanceConfig{
					"chat.completions": {Strategy: "weighted", Providers: []string{"openai"}},
				},
			},
		},
	}
	reg, err := buildRouterRegistry(cfg, provs, cat, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rt := reg.ByName("fast")
	if rt == nil {
		t.Fatal("expected router \"fast\" in the registry")
	}
	pool := rt.Pools[router_chatCompletions]
	if pool == nil {
		t.Fatal("expected a chat.completions pool")
	}
	if len(pool.Candidates) != 1 || pool.Candidates[0].Endpoint.Provider != "openai" {
		t.Fatalf("unexpected candidates: %+v", pool.Candidates)
	}
}

func TestBuildRouterRegistry_UnknownProviderErrors(t *testing.T) {
	provs := map[string]providers.Provider{"openai": &stubProvider{name: "openai"}}
	cat, err := buildCatalog(&config.Config{}, provs)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Routers: map[string]config.RouterConfig{
			"fast": {
				LoadBalance: map[string]config.LoadBalanceConfig{
					"chat.completions": {Providers: []string{"nonexistent"}},
				},
			},
		},
	}
	if _, err := buildRouterRegistry(cfg, provs, cat, nil, nil); err == nil {
		t.Fatal("expected an error for a router referencing an unknown provider")
	}
}

func TestBuildLimiter_EmptyScopesReturnsNil(t *testing.T) {
	if buildLimiter(nil, nil) != nil {
		t.Fatal("expected nil limiter for no configured scopes")
	}
}

func TestBuildLimiter_BuildsHierarchical(t *testing.T) {
	scopes := map[string]config.RateLimitScopeConfig{
		"global": {Capacity: 10, RefillFrequency: time.Second},
	}
	lim := buildLimiter(scopes, nil)
	if lim == nil {
		t.Fatal("expected a non-nil limiter")
	}
}

func TestStrategyFor_ModelLatencyPinsClass(t *testing.T) {
	cat, err := catalog.Load([]catalog.Provider{
		{ID: "openai", Models: []string{"gpt-4o"}},
		{ID: "azure", Models: []string{"gpt-4o"}},
	}, map[string][]string{"gpt-4o": {"openai/gpt-4o", "azure/gpt-4o"}})
	if err != nil {
		t.Fatal(err)
	}
	candidates := []balancer.Candidate{{Endpoint: balancer.Endpoint{Provider: "openai", Model: "gpt-4o"}}}
	s := strategyFor("model-latency", candidates, cat)
	if s.Name() != "model_latency" {
		t.Fatalf("expected model_latency strategy, got %q", s.Name())
	}
}

func TestBuildRouterRegistry_CacheDirectiveWiresRevalidator(t *testing.T) {
	provs := map[string]providers.Provider{"openai": &stubProvider{name: "openai"}}
	cat, err := buildCatalog(&config.Config{}, provs)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Routers: map[string]config.RouterConfig{
			"cached": {
				LoadBalance: map[string]config.LoadBalanceConfig{
					"chat.completions": {Providers: []string{"openai"}},
				},
				CacheDirective: "max-age=60, max-stale=30",
			},
			"uncached": {
				LoadBalance: map[string]config.LoadBalanceConfig{
					"chat.completions": {Providers: []string{"openai"}},
				},
			},
		},
	}
	mem := cache.NewMemoryCache(context.Background())
	reg, err := buildRouterRegistry(cfg, provs, cat, nil, mem)
	if err != nil {
		t.Fatal(err)
	}

	cachedRt := reg.ByName("cached")
	if cachedRt == nil || cachedRt.Revalidator == nil {
		t.Fatal("expected router \"cached\" to have a Revalidator wired from its cache-directive")
	}
	if cachedRt.CacheDir.MaxAge != 60*time.Second || cachedRt.CacheDir.MaxStale != 30*time.Second {
		t.Fatalf("unexpected parsed directive: %+v", cachedRt.CacheDir)
	}

	uncachedRt := reg.ByName("uncached")
	if uncachedRt == nil || uncachedRt.Revalidator != nil {
		t.Fatal("expected router \"uncached\" (no cache-directive) to have a nil Revalidator")
	}
}

// router_chatCompletions avoids importing internal/router's EndpointType
// constant twice under two names in this file; it is the same value as
// router.ChatCompletions.
const router_chatCompletions = "chat.completions"
