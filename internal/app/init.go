package app

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/heliogate/gateway/internal/balancer"
	npCache "github.com/heliogate/gateway/internal/cache"
	"github.com/heliogate/gateway/internal/logger"
	"github.com/heliogate/gateway/internal/metrics"
	"github.com/heliogate/gateway/internal/proxy"
	"github.com/heliogate/gateway/internal/ratelimit"
	"github.com/heliogate/gateway/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured; config.Load's validation checks for a key unless
// ALLOW_CLIENT_API_KEYS is set, and this step fails when no provider is built.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		// Bounded by both entry count and total bytes with TinyLFU admission.
		a.memCache = npCache.NewMemoryCacheWithLimits(ctx, a.cfg.Cache.MaxEntries, a.cfg.Cache.MaxBytes)
		a.log.Info("cache backend: memory (in-process)",
			slog.Int("max_entries", a.cfg.Cache.MaxEntries),
			slog.Int64("max_bytes", a.cfg.Cache.MaxBytes))

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Optional object-store cache tier ────────────────────────────────────
	if a.cfg.ObjectCache.Bucket != "" && a.rdb != nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(a.baseCtx, awsconfig.WithRegion(a.cfg.ObjectCache.Region))
		if err != nil {
			return fmt.Errorf("object cache: load aws config: %w", err)
		}
		objCache := npCache.NewObjectCache(s3.NewFromConfig(awsCfg), a.rdb, a.cfg.ObjectCache.Bucket)
		if cacheImpl != nil {
			cacheImpl = npCache.NewTieredCache(cacheImpl, objCache, a.cfg.ObjectCache.MinSizeBytes)
			a.log.Info("object cache tier enabled",
				slog.String("bucket", a.cfg.ObjectCache.Bucket),
				slog.Int("min_size_bytes", a.cfg.ObjectCache.MinSizeBytes),
			)
		}
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: balancer.HealthConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
			MaxCooldown:     a.cfg.CircuitBreaker.MaxCooldown,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — sink is pluggable; defaults to slog, optionally
	// ClickHouse for analytics (see internal/logger).
	var sink logger.Sink
	switch a.cfg.RequestLog.Sink {
	case "clickhouse":
		chSink, err := logger.NewClickHouseSink(
			a.cfg.RequestLog.ClickHouseAddr,
			a.cfg.RequestLog.ClickHouseDatabase,
			a.cfg.RequestLog.ClickHouseUsername,
			a.cfg.RequestLog.ClickHousePassword,
			a.cfg.RequestLog.ClickHouseTable,
		)
		if err != nil {
			return fmt.Errorf("request log: %w", err)
		}
		sink = chSink
		a.logSink = chSink
		a.log.Info("request log sink: clickhouse", slog.String("addr", a.cfg.RequestLog.ClickHouseAddr))
	default:
		sink = logger.NewSlogSink(a.log)
		a.log.Info("request log sink: slog")
	}

	reqLogger, err := logger.New(a.baseCtx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request log: %w", err)
	}
	a.reqLogger = reqLogger
	gw.SetLogger(a.reqLogger)

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// Provider catalog + named-router registry — the load-balancer pools of
	// spec.md §4.1/§4.2/§4.6. Failure here is ConfigInvalid (startup-only):
	// a router pool naming an unknown provider/model aborts the process
	// rather than silently degrading.
	cat, err := buildCatalog(a.cfg, a.provs)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	reg, err := buildRouterRegistry(a.cfg, a.provs, cat, a.rdb, cacheImpl)
	if err != nil {
		return fmt.Errorf("router registry: %w", err)
	}
	a.routers = &router.AtomicRegistry{}
	a.routers.Store(reg)
	gw.SetRouters(a.routers)
	a.log.Info("router registry built", slog.Any("routers", reg.Names()))

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
