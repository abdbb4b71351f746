package balancer

import (
	"math/rand"
	"testing"
	"time"
)

func pool(arena *Arena, n int) []Candidate {
	cands := make([]Candidate, n)
	for i := 0; i < n; i++ {
		ep := Endpoint{Provider: "p", Model: "m"}
		ep.Provider = string(rune('a' + i))
		idx := arena.Slot(ep, DefaultHealthConfig)
		cands[i] = Candidate{Endpoint: ep, Weight: 1, Index: idx}
	}
	return cands
}

func TestWeightedRandomExcludesOpenCircuit(t *testing.T) {
	arena := NewArena()
	cands := pool(arena, 2)
	h0 := arena.Health(cands[0].Index)
	for i := 0; i < DefaultHealthConfig.ErrorThreshold; i++ {
		h0.RecordFailure()
	}
	if h0.State() != Open {
		t.Fatalf("expected endpoint 0 open, got %v", h0.State())
	}

	s := &WeightedRandom{Rand: rand.New(rand.NewSource(1))}
	for i := 0; i < 20; i++ {
		c, err := s.Pick(cands, arena)
		if err != nil {
			t.Fatal(err)
		}
		if c.Index == cands[0].Index {
			t.Fatalf("picked circuit-open candidate")
		}
	}
}

func TestWeightedRandomForcesProbeWhenAllOpen(t *testing.T) {
	arena := NewArena()
	cands := pool(arena, 2)
	for _, c := range cands {
		h := arena.Health(c.Index)
		for i := 0; i < DefaultHealthConfig.ErrorThreshold; i++ {
			h.RecordFailure()
		}
	}
	s := &WeightedRandom{}
	c, err := s.Pick(cands, arena)
	if err != nil {
		t.Fatalf("expected a forced probe candidate, got error: %v", err)
	}
	if arena.Health(c.Index).State() != Open {
		t.Fatalf("expected probe candidate to still report Open until Allow() flips it")
	}
}

func TestLatencyP2CPicksLowerLoad(t *testing.T) {
	arena := NewArena()
	cands := pool(arena, 2)
	arena.Health(cands[0].Index).BeginRequest()
	arena.Health(cands[0].Index).ObserveLatency(100 * time.Millisecond)
	arena.Health(cands[1].Index).BeginRequest()
	arena.Health(cands[1].Index).ObserveLatency(10 * time.Millisecond)

	s := &Latency{Rand: rand.New(rand.NewSource(1))}
	counts := map[int]int{}
	for i := 0; i < 200; i++ {
		c, err := s.Pick(cands, arena)
		if err != nil {
			t.Fatal(err)
		}
		counts[c.Index]++
	}
	if counts[cands[1].Index] <= counts[cands[0].Index] {
		t.Fatalf("expected lower-latency candidate to win more often: %v", counts)
	}
}

func TestCostPrefersCheaper(t *testing.T) {
	arena := NewArena()
	cands := pool(arena, 2)
	cands[0].CostIn, cands[0].CostOut = 0.01, 0.03
	cands[1].CostIn, cands[1].CostOut = 0.001, 0.002

	s := &Cost{}
	c, err := s.Pick(cands, arena)
	if err != nil {
		t.Fatal(err)
	}
	if c.Index != cands[1].Index {
		t.Fatalf("expected cheaper candidate to win")
	}
}

func TestCostUnpricedSortsLast(t *testing.T) {
	arena := NewArena()
	cands := pool(arena, 2)
	cands[1].CostIn, cands[1].CostOut = 0.001, 0.002
	// cands[0] left unpriced (zero cost)

	s := &Cost{}
	c, err := s.Pick(cands, arena)
	if err != nil {
		t.Fatal(err)
	}
	if c.Index != cands[1].Index {
		t.Fatalf("expected priced candidate to beat unpriced one")
	}
}

func TestModelLatencyFiltersByClass(t *testing.T) {
	arena := NewArena()
	cands := pool(arena, 2)
	classOf := func(ep Endpoint) string {
		if ep.Provider == cands[0].Endpoint.Provider {
			return "class-a"
		}
		return "class-b"
	}
	s := NewModelLatency("class-a", classOf)
	c, err := s.Pick(cands, arena)
	if err != nil {
		t.Fatal(err)
	}
	if c.Index != cands[0].Index {
		t.Fatalf("expected only class-a candidate to be eligible")
	}
}

func TestPeakEWMADecaysTowardsNewSample(t *testing.T) {
	h := NewEndpointHealth(Endpoint{Provider: "p", Model: "m"}, HealthConfig{
		ErrorThreshold: 5, TimeWindow: time.Minute, HalfOpenTimeout: time.Second,
		EWMAHalfLife: 10 * time.Millisecond,
	})
	h.ObserveLatency(100 * time.Millisecond)
	if h.LatencyEWMA() != 100*time.Millisecond {
		t.Fatalf("first sample should set ewma directly, got %v", h.LatencyEWMA())
	}
	time.Sleep(50 * time.Millisecond)
	h.ObserveLatency(10 * time.Millisecond)
	if h.LatencyEWMA() >= 100*time.Millisecond {
		t.Fatalf("expected decay to pull ewma down after half-life elapsed, got %v", h.LatencyEWMA())
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	h := NewEndpointHealth(Endpoint{Provider: "p", Model: "m"}, HealthConfig{
		ErrorThreshold: 2, TimeWindow: time.Minute, HalfOpenTimeout: 5 * time.Millisecond,
		EWMAHalfLife: time.Second,
	})
	h.RecordFailure()
	h.RecordFailure()
	if h.State() != Open {
		t.Fatalf("expected Open after reaching threshold")
	}
	if h.Allow() {
		t.Fatalf("expected Allow() false immediately after opening")
	}
	time.Sleep(10 * time.Millisecond)
	if !h.Allow() {
		t.Fatalf("expected a probe to be allowed after HalfOpenTimeout")
	}
	if h.State() != HalfOpen {
		t.Fatalf("expected HalfOpen after probe admitted")
	}
	h.RecordSuccess()
	if h.State() != Closed {
		t.Fatalf("expected Closed after successful probe")
	}
}

// TestCircuitBreakerCooldownBacksOffExponentially exercises spec.md §4.2's
// "cooldown backs off exponentially per consecutive trip, capped" and the
// §8 invariant that cooldown duration is monotone non-decreasing across
// consecutive trips: each failed probe while HalfOpen must re-open with a
// cooldown at least as long as the previous one, until the cap is hit.
func TestCircuitBreakerCooldownBacksOffExponentially(t *testing.T) {
	cfg := HealthConfig{
		ErrorThreshold: 1, TimeWindow: time.Minute,
		HalfOpenTimeout: 2 * time.Millisecond, MaxCooldown: 20 * time.Millisecond,
		EWMAHalfLife: time.Second,
	}
	h := NewEndpointHealth(Endpoint{Provider: "p", Model: "m"}, cfg)

	// First trip.
	h.RecordFailure()
	if h.State() != Open {
		t.Fatalf("expected Open after first trip")
	}
	first := h.cooldown
	if first != cfg.HalfOpenTimeout {
		t.Fatalf("expected first cooldown == HalfOpenTimeout, got %v", first)
	}

	var prev = first
	for i := 0; i < 5; i++ {
		time.Sleep(prev + time.Millisecond)
		if !h.Allow() {
			t.Fatalf("expected a probe to be admitted after cooldown %v elapsed", prev)
		}
		if h.State() != HalfOpen {
			t.Fatalf("expected HalfOpen once the probe is admitted")
		}
		h.RecordFailure() // probe fails: re-open with a longer (or capped) cooldown
		if h.State() != Open {
			t.Fatalf("expected Open again after a failed probe")
		}
		if h.cooldown < prev {
			t.Fatalf("cooldown shrank across consecutive trips: %v -> %v", prev, h.cooldown)
		}
		if h.cooldown > cfg.MaxCooldown {
			t.Fatalf("cooldown exceeded MaxCooldown: %v > %v", h.cooldown, cfg.MaxCooldown)
		}
		prev = h.cooldown
	}
	if prev != cfg.MaxCooldown {
		t.Fatalf("expected cooldown to reach the cap after repeated trips, got %v", prev)
	}

	// A clean recovery resets the backoff entirely.
	time.Sleep(prev + time.Millisecond)
	if !h.Allow() {
		t.Fatalf("expected a probe to be admitted")
	}
	h.RecordSuccess()
	h.RecordFailure()
	if h.cooldown != cfg.HalfOpenTimeout {
		t.Fatalf("expected cooldown to reset to HalfOpenTimeout after a successful probe, got %v", h.cooldown)
	}
}
