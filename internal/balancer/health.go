// Package balancer implements load-balancing strategies over a pool of
// endpoints, and the per-endpoint health bookkeeping (latency estimate,
// inflight count, circuit breaker state) that feeds them.
//
// Health state lives in an Arena: the router registry owns one Arena per
// router, with one slot per distinct (provider, model) endpoint appearing
// in any of that router's pools. Endpoints shared across routers' pools
// get distinct slots per router; no health state, the HalfOpen-probe flag
// included, is shared between routers.
package balancer

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Endpoint identifies a single (provider, model) dispatch target.
type Endpoint struct {
	Provider string
	Model    string
}

// CircuitState is the breaker state machine for one endpoint.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// HealthConfig tunes the circuit breaker and latency estimator.
type HealthConfig struct {
	ErrorThreshold int
	TimeWindow     time.Duration
	// HalfOpenTimeout is the cooldown duration for an endpoint's first
	// trip. Each subsequent consecutive trip doubles the prior cooldown,
	// capped at MaxCooldown (spec.md §4.2: "cooldown backs off
	// exponentially per consecutive trip, capped").
	HalfOpenTimeout time.Duration
	MaxCooldown     time.Duration
	// EWMAHalfLife is the decay half-life for the PeakEWMA latency estimator.
	EWMAHalfLife time.Duration
}

// DefaultHealthConfig mirrors the teacher's circuit breaker defaults.
var DefaultHealthConfig = HealthConfig{
	ErrorThreshold:  5,
	TimeWindow:      60 * time.Second,
	HalfOpenTimeout: 30 * time.Second,
	MaxCooldown:     10 * time.Minute,
	EWMAHalfLife:    10 * time.Second,
}

// EndpointHealth tracks everything the load-balancing strategies and the
// retry controller need to know about one endpoint: a PeakEWMA latency
// estimate, an inflight counter, circuit breaker state, and the last
// observed upstream rate-limit feedback.
//
// Latency and inflight are lock-free (atomic); circuit transitions and
// rate-limit feedback are protected by mu, mirroring the teacher's
// providerCB split between hot-path counters and cold-path state changes.
type EndpointHealth struct {
	Endpoint Endpoint

	ewmaBits     atomic.Uint64 // math.Float64bits of the latency estimate, nanoseconds
	lastSampleAt atomic.Int64  // UnixNano of the last latency sample
	inflight     atomic.Int64

	mu               sync.Mutex
	cfg              HealthConfig
	state            CircuitState
	consecutiveErr   int
	consecutiveTrips int
	cooldown         time.Duration
	windowStart      time.Time
	openedAt         time.Time
	lastTriedAt      time.Time
	probeInflight    bool

	rateLimitRemaining int64
	rateLimitResetAt   time.Time
}

// NewEndpointHealth returns a health record in the Closed state.
func NewEndpointHealth(ep Endpoint, cfg HealthConfig) *EndpointHealth {
	if cfg.ErrorThreshold <= 0 {
		cfg = DefaultHealthConfig
	}
	h := &EndpointHealth{Endpoint: ep, cfg: cfg, state: Closed, windowStart: time.Now()}
	return h
}

// LatencyEWMA returns the current PeakEWMA latency estimate.
func (h *EndpointHealth) LatencyEWMA() time.Duration {
	bits := h.ewmaBits.Load()
	if bits == 0 {
		return 0
	}
	return time.Duration(math.Float64frombits(bits))
}

// Inflight returns the current inflight request count.
func (h *EndpointHealth) Inflight() int64 { return h.inflight.Load() }

// BeginRequest increments the inflight counter; callers must call
// ObserveLatency (on success) exactly once per BeginRequest to decrement it.
func (h *EndpointHealth) BeginRequest() { h.inflight.Add(1) }

// ObserveLatency records a completed request's latency and decrements
// inflight. Implements the PeakEWMA update:
//
//	ewma <- max(sample, ewma * 2^(-dt/half_life))
func (h *EndpointHealth) ObserveLatency(sample time.Duration) {
	h.inflight.Add(-1)

	now := time.Now()
	nowNano := now.UnixNano()
	last := h.lastSampleAt.Swap(nowNano)

	x := float64(sample)
	for {
		oldBits := h.ewmaBits.Load()
		old := math.Float64frombits(oldBits)
		decayed := old
		if oldBits != 0 && last != 0 {
			dt := time.Duration(nowNano - last)
			halfLife := h.cfg.EWMAHalfLife
			if halfLife <= 0 {
				halfLife = DefaultHealthConfig.EWMAHalfLife
			}
			decay := math.Exp2(-float64(dt) / float64(halfLife))
			decayed = old * decay
		}
		next := math.Max(x, decayed)
		if h.ewmaBits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

// LoadScore is the value the Latency strategy minimizes:
// latency_ewma * (1 + inflight).
func (h *EndpointHealth) LoadScore() float64 {
	ewma := float64(h.LatencyEWMA())
	if ewma == 0 {
		// Unknown latency: treat as zero load so a cold endpoint gets a
		// fair first chance rather than being starved forever.
		ewma = 1
	}
	return ewma * (1 + float64(h.Inflight()))
}

// Allow reports whether a request may be dispatched to this endpoint,
// advancing the circuit breaker state machine exactly as the teacher's
// providerCB.Allow does, generalized from a provider name to an endpoint.
func (h *EndpointHealth) Allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Closed:
		if time.Since(h.windowStart) > h.cfg.TimeWindow {
			h.windowStart = time.Now()
			h.consecutiveErr = 0
		}
		return true
	case Open:
		if time.Since(h.openedAt) < h.cooldown {
			return false
		}
		h.state = HalfOpen
		h.probeInflight = false
		fallthrough
	case HalfOpen:
		if h.probeInflight {
			return false
		}
		h.probeInflight = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker (from HalfOpen) or resets the error
// window (from Closed). A successful probe also resets the exponential
// backoff, so the next trip starts cold at HalfOpenTimeout again.
func (h *EndpointHealth) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveErr = 0
	h.consecutiveTrips = 0
	h.cooldown = 0
	h.probeInflight = false
	h.state = Closed
	h.windowStart = time.Now()
}

// RecordFailure advances the consecutive-error count and trips the breaker
// once ErrorThreshold is reached, or immediately re-opens from HalfOpen.
func (h *EndpointHealth) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.probeInflight = false
	switch h.state {
	case HalfOpen:
		h.trip()
	case Closed:
		h.consecutiveErr++
		if h.consecutiveErr >= h.cfg.ErrorThreshold {
			h.trip()
		}
	}
}

// trip opens the circuit and grows the cooldown exponentially with each
// consecutive trip since the last successful probe, capped at
// cfg.MaxCooldown, per spec.md §4.2 and the §8 invariant that cooldown
// duration is monotone non-decreasing across consecutive trips. Caller
// must hold h.mu.
func (h *EndpointHealth) trip() {
	h.consecutiveTrips++

	base := h.cfg.HalfOpenTimeout
	if base <= 0 {
		base = DefaultHealthConfig.HalfOpenTimeout
	}
	maxCooldown := h.cfg.MaxCooldown
	if maxCooldown <= 0 {
		maxCooldown = DefaultHealthConfig.MaxCooldown
	}

	// Double the cooldown once per trip since the last successful probe,
	// stopping as soon as the cap would be exceeded — computed via
	// repeated doubling rather than base*2^n to avoid overflowing
	// time.Duration on a long trip streak.
	cooldown := base
	for i := 1; i < h.consecutiveTrips; i++ {
		if cooldown >= maxCooldown/2 {
			cooldown = maxCooldown
			break
		}
		cooldown *= 2
	}
	if cooldown <= 0 || cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	if cooldown < h.cooldown {
		// Never let a capped-then-recomputed value shrink below what was
		// already in effect for this trip streak.
		cooldown = h.cooldown
	}

	h.cooldown = cooldown
	h.state = Open
	h.openedAt = time.Now()
}

// State returns the current circuit state.
func (h *EndpointHealth) State() CircuitState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// MarkTried stamps the instant this endpoint was last offered as a
// candidate, used by the weighted-random strategy to pick the
// least-recently-tried Open candidate as a forced probe when every
// candidate is unhealthy.
func (h *EndpointHealth) MarkTried(at time.Time) {
	h.mu.Lock()
	h.lastTriedAt = at
	h.mu.Unlock()
}

func (h *EndpointHealth) lastTried() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastTriedAt
}

// SetRateLimitFeedback records the most recent upstream rate-limit headers
// observed for this endpoint.
func (h *EndpointHealth) SetRateLimitFeedback(remaining int64, resetAt time.Time) {
	h.mu.Lock()
	h.rateLimitRemaining = remaining
	h.rateLimitResetAt = resetAt
	h.mu.Unlock()
}

// RateLimitBudget returns the last known upstream remaining-request budget,
// or (0, false) if no feedback has been observed yet.
func (h *EndpointHealth) RateLimitBudget() (remaining int64, resetAt time.Time, known bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rateLimitResetAt.IsZero() {
		return 0, time.Time{}, false
	}
	return h.rateLimitRemaining, h.rateLimitResetAt, true
}

// ExhaustedBudget reports whether the last known upstream budget is zero
// and has not yet reset.
func (h *EndpointHealth) ExhaustedBudget() bool {
	remaining, resetAt, known := h.RateLimitBudget()
	if !known {
		return false
	}
	return remaining <= 0 && time.Now().Before(resetAt)
}

// Arena owns the EndpointHealth slots for one router. Strategies reference
// slots by index rather than pointer, per the gateway's cyclic reference
// policy: routers point into the arena by index, never the reverse. Each
// arena is built once at startup with its router; nothing replaces a
// router definition at run time.
type Arena struct {
	mu    sync.RWMutex
	slots []*EndpointHealth
	index map[Endpoint]int
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{index: make(map[Endpoint]int)}
}

// Slot returns the index of ep's health record, creating one with cfg if
// this is the first reference to ep in this arena.
func (a *Arena) Slot(ep Endpoint, cfg HealthConfig) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i, ok := a.index[ep]; ok {
		return i
	}
	h := NewEndpointHealth(ep, cfg)
	a.slots = append(a.slots, h)
	i := len(a.slots) - 1
	a.index[ep] = i
	return i
}

// Health returns the health record at index i.
func (a *Arena) Health(i int) *EndpointHealth {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.slots[i]
}

// Len returns the number of distinct endpoints tracked by this arena.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}
