package proxy

import (
	"sync"

	"github.com/heliogate/gateway/internal/balancer"
	"github.com/heliogate/gateway/internal/providers"
)

// providerHealth tracks per-provider circuit state for the legacy
// dispatch path — requestWithFailover's flat DefaultFallbackOrder walk,
// used only when no named-router registry has been installed via
// SetRouters. It is a thin adapter over balancer.Arena/EndpointHealth so
// that path gets the same exponential-backoff circuit breaker the
// router-based pools use, instead of a second, independent
// implementation.
type providerHealth struct {
	mu    sync.RWMutex
	arena *balancer.Arena
	slots map[string]int
	cfg   balancer.HealthConfig
}

// newProviderHealth creates a providerHealth record for every provider in
// providers.DefaultFallbackOrder. Any other provider name (a custom or
// unregistered primary) gets a slot lazily on first use, via slot.
func newProviderHealth(cfg balancer.HealthConfig) *providerHealth {
	ph := &providerHealth{
		arena: balancer.NewArena(),
		slots: make(map[string]int),
		cfg:   cfg,
	}
	for _, name := range providers.DefaultFallbackOrder {
		ph.slot(name)
	}
	return ph
}

func (ph *providerHealth) slot(name string) int {
	ph.mu.RLock()
	if i, ok := ph.slots[name]; ok {
		ph.mu.RUnlock()
		return i
	}
	ph.mu.RUnlock()

	ph.mu.Lock()
	defer ph.mu.Unlock()
	if i, ok := ph.slots[name]; ok {
		return i
	}
	i := ph.arena.Slot(balancer.Endpoint{Provider: name}, ph.cfg)
	ph.slots[name] = i
	return i
}

func (ph *providerHealth) health(name string) *balancer.EndpointHealth {
	return ph.arena.Health(ph.slot(name))
}

// Allow reports whether provider may receive the next request.
func (ph *providerHealth) Allow(name string) bool { return ph.health(name).Allow() }

// RecordSuccess closes the breaker for provider.
func (ph *providerHealth) RecordSuccess(name string) { ph.health(name).RecordSuccess() }

// RecordFailure advances provider's error count, tripping the breaker
// once the configured threshold is reached.
func (ph *providerHealth) RecordFailure(name string) { ph.health(name).RecordFailure() }

// State returns provider's current circuit state.
func (ph *providerHealth) State(name string) balancer.CircuitState { return ph.health(name).State() }

// StateLabel returns a human-readable state name: "closed", "open", or
// "half_open".
func (ph *providerHealth) StateLabel(name string) string { return ph.health(name).State().String() }
