package app

import (
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/heliogate/gateway/internal/balancer"
	"github.com/heliogate/gateway/internal/cache"
	"github.com/heliogate/gateway/internal/catalog"
	"github.com/heliogate/gateway/internal/config"
	"github.com/heliogate/gateway/internal/providers"
	"github.com/heliogate/gateway/internal/ratelimit"
	"github.com/heliogate/gateway/internal/router"
)

// buildCatalog assembles the provider catalog consulted by the
// model-latency and cost load-balancing strategies and by router-pool
// validation. When the operator supplies a `catalog:` YAML block it is
// used verbatim; otherwise the catalog is derived from the built-in model
// alias tables restricted to providers that are actually configured, so
// the gateway validates out of the box with zero YAML.
func buildCatalog(cfg *config.Config, provs map[string]providers.Provider) (*catalog.Catalog, error) {
	var entries []catalog.Provider
	if len(cfg.Catalog) > 0 {
		for id, pc := range cfg.Catalog {
			entries = append(entries, catalog.Provider{
				ID:                 id,
				BaseURL:            pc.BaseURL,
				Models:             pc.Models,
				Auth:               authSchemeFor(id),
				Protocol:           pc.Protocol,
				CostPerInputToken:  pc.CostPerInputToken,
				CostPerOutputToken: pc.CostPerOutputToken,
			})
		}
	} else {
		entries = defaultCatalogProviders(provs)
	}
	return catalog.Load(entries, cfg.ModelMappings)
}

func authSchemeFor(providerID string) catalog.AuthScheme {
	switch providerID {
	case "bedrock":
		return catalog.AuthSigV4
	case "gemini":
		return catalog.AuthAPIKeyInURL
	default:
		return catalog.AuthBearer
	}
}

// defaultCatalogProviders groups the chat and embedding model alias tables
// by provider id, restricted to providers with a live client configured.
func defaultCatalogProviders(provs map[string]providers.Provider) []catalog.Provider {
	models := make(map[string]map[string]bool)
	for model, id := range providers.ModelAliases {
		addModel(models, id, model)
	}
	for model, id := range providers.EmbeddingModelAliases {
		addModel(models, id, model)
	}

	out := make([]catalog.Provider, 0, len(provs))
	for id := range provs {
		out = append(out, catalog.Provider{
			ID:       id,
			Auth:     authSchemeFor(id),
			Protocol: id,
			Models:   sortedKeys(models[id]),
		})
	}
	return out
}

func addModel(models map[string]map[string]bool, providerID, model string) {
	set, ok := models[providerID]
	if !ok {
		set = make(map[string]bool)
		models[providerID] = set
	}
	set[model] = true
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// buildRouterRegistry builds the named-router registry from configuration.
// When cfg.Routers is empty, a single "default" router is synthesized
// covering every configured provider with the latency (P2C+PeakEWMA)
// strategy, preserving the gateway's zero-YAML failover behavior while
// routing it through the balancer's health-aware dispatch path instead of
// the flat per-provider circuit breaker.
func buildRouterRegistry(cfg *config.Config, provs map[string]providers.Provider, cat *catalog.Catalog, rdb *redis.Client, sharedCache cache.Cache) (*router.Registry, error) {
	healthCfg := balancer.HealthConfig{
		ErrorThreshold:  cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: cfg.CircuitBreaker.HalfOpenTimeout,
		MaxCooldown:     cfg.CircuitBreaker.MaxCooldown,
	}

	if len(cfg.Routers) == 0 {
		rt := defaultRouter(provs, healthCfg, cfg.Failover.MaxRetries)
		return router.Build(map[string]*router.Router{"default": rt})
	}

	var backend ratelimit.Backend
	if rdb != nil {
		backend = ratelimit.NewRedisBackend(rdb)
	} else {
		backend = ratelimit.NewMemoryBackend()
	}

	routers := make(map[string]*router.Router, len(cfg.Routers))
	for name, rc := range cfg.Routers {
		rt, err := buildRouterFromConfig(name, rc, cat, healthCfg, backend, sharedCache)
		if err != nil {
			return nil, err
		}
		routers[name] = rt
	}
	return router.Build(routers)
}

// defaultRouter builds the zero-configuration router: one candidate per
// live provider, per endpoint type, under the latency strategy.
func defaultRouter(provs map[string]providers.Provider, healthCfg balancer.HealthConfig, maxAttempts int) *router.Router {
	arena := balancer.NewArena()
	candidates := make([]balancer.Candidate, 0, len(provs))
	for id := range provs {
		ep := balancer.Endpoint{Provider: id, Model: "*"}
		idx := arena.Slot(ep, healthCfg)
		candidates = append(candidates, balancer.Candidate{Endpoint: ep, Weight: 1, Index: idx})
	}

	strategy := &balancer.Latency{}
	pools := make(map[router.EndpointType]*router.Pool, 3)
	for _, et := range []router.EndpointType{router.ChatCompletions, router.Completions, router.Embeddings} {
		pools[et] = &router.Pool{Strategy: strategy, Candidates: candidates, Arena: arena}
	}

	return &router.Router{
		Name:  "default",
		Pools: pools,
		Retry: router.RetryPolicy{MaxAttempts: maxAttempts, RetryOn: router.DefaultRetryPolicy.RetryOn},
	}
}

// buildRouterFromConfig builds one named router's pools from its YAML
// load-balance entries, resolving model/provider references against the
// catalog and failing fast (ConfigInvalid, per spec.md §4.6) on any
// unknown reference.
func buildRouterFromConfig(name string, rc config.RouterConfig, cat *catalog.Catalog, healthCfg balancer.HealthConfig, backend ratelimit.Backend, sharedCache cache.Cache) (*router.Router, error) {
	arena := balancer.NewArena()
	pools := make(map[router.EndpointType]*router.Pool, len(rc.LoadBalance))

	for epKey, lb := range rc.LoadBalance {
		et := router.EndpointType(epKey)
		candidates, err := buildCandidates(name, epKey, lb, cat, arena, healthCfg)
		if err != nil {
			return nil, err
		}
		pools[et] = &router.Pool{Strategy: strategyFor(lb.Strategy, candidates, cat), Candidates: candidates, Arena: arena}
	}

	maxAttempts := rc.Retry.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = router.DefaultRetryPolicy.MaxAttempts
	}

	rt := &router.Router{
		Name:    name,
		Pools:   pools,
		Limiter: buildLimiter(rc.RateLimit, backend),
		Retry:   router.RetryPolicy{MaxAttempts: maxAttempts, RetryOn: router.DefaultRetryPolicy.RetryOn},
	}

	// Per-router cache directive (spec.md §4.5): only routers that declare
	// one get stale-while-revalidate behavior layered over the gateway's
	// shared cache backend; a router with no directive falls back to the
	// gateway's flat TTL cache.
	if rc.CacheDirective != "" && sharedCache != nil {
		rt.Cache = sharedCache
		rt.CacheDir = cache.ParseDirective(rc.CacheDirective)
		rt.Revalidator = cache.NewRevalidator(sharedCache, rt.CacheDir)
	}

	return rt, nil
}

// buildLimiter translates a router's rate-limit scopes (YAML
// `routers.<name>.rate-limit`) into a Hierarchical limiter. Returns nil
// when no scopes are configured — Router.Limiter is nil-checked by the
// dispatch path, so an unconfigured router simply isn't rate limited.
func buildLimiter(scopes map[string]config.RateLimitScopeConfig, backend ratelimit.Backend) *ratelimit.Hierarchical {
	if len(scopes) == 0 {
		return nil
	}
	specs := make([]ratelimit.BucketSpec, 0, len(scopes))
	for scope, sc := range scopes {
		refillPerSec := float64(sc.Capacity)
		if sc.RefillFrequency > 0 {
			refillPerSec = float64(sc.Capacity) / sc.RefillFrequency.Seconds()
		}
		specs = append(specs, ratelimit.BucketSpec{
			Scope:        ratelimit.Scope(scope),
			Capacity:     sc.Capacity,
			RefillPerSec: refillPerSec,
		})
	}
	return ratelimit.NewHierarchical(specs, backend)
}

func buildCandidates(
	routerName, epKey string,
	lb config.LoadBalanceConfig,
	cat *catalog.Catalog,
	arena *balancer.Arena,
	healthCfg balancer.HealthConfig,
) ([]balancer.Candidate, error) {
	var candidates []balancer.Candidate

	for _, qualified := range lb.Models {
		provID, model, err := cat.Resolve(qualified)
		if err != nil {
			return nil, fmt.Errorf("config: routers.%s.load-balance.%s.models: %w", routerName, epKey, err)
		}
		candidates = append(candidates, candidateFor(provID, model, cat, arena, healthCfg))
	}
	for _, provID := range lb.Providers {
		p, ok := cat.Provider(provID)
		if !ok {
			return nil, fmt.Errorf("config: routers.%s.load-balance.%s.providers: unknown provider %q", routerName, epKey, provID)
		}
		candidates = append(candidates, candidateFor(p.ID, "*", cat, arena, healthCfg))
	}
	return candidates, nil
}

func candidateFor(provID, model string, cat *catalog.Catalog, arena *balancer.Arena, healthCfg balancer.HealthConfig) balancer.Candidate {
	ep := balancer.Endpoint{Provider: provID, Model: model}
	idx := arena.Slot(ep, healthCfg)
	costIn, costOut := 0.0, 0.0
	if p, ok := cat.Provider(provID); ok {
		costIn, costOut = p.CostPerInputToken, p.CostPerOutputToken
	}
	return balancer.Candidate{Endpoint: ep, Weight: 1, CostIn: costIn, CostOut: costOut, Index: idx}
}

// classOf maps an endpoint to its equivalence-class name: the first
// provider-qualified model listed in the catalog's model_mappings class
// that contains it, or its own qualified name when it belongs to no
// configured class.
func classOf(cat *catalog.Catalog) func(balancer.Endpoint) string {
	return func(ep balancer.Endpoint) string {
		qualified := ep.Provider + "/" + ep.Model
		if class := cat.EquivalenceClass(ep.Provider, ep.Model); len(class) > 0 {
			return class[0]
		}
		return qualified
	}
}

// strategyFor builds the configured Strategy. model-latency is pinned at
// construction time to the equivalence class of the pool's first
// candidate — the spec's "callers pin a model family but accept
// cross-provider fallback" case, where every candidate in the pool is
// expected to already belong to that one class.
func strategyFor(name string, candidates []balancer.Candidate, cat *catalog.Catalog) balancer.Strategy {
	classify := classOf(cat)
	switch name {
	case "weighted":
		return &balancer.WeightedRandom{}
	case "cost":
		return &balancer.Cost{}
	case "model-latency":
		wantClass := ""
		if len(candidates) > 0 {
			wantClass = classify(candidates[0].Endpoint)
		}
		return balancer.NewModelLatency(wantClass, classify)
	default:
		return &balancer.Latency{}
	}
}
