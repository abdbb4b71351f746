package balancer

import (
	"errors"
	"time"
)

// ErrNoEligibleCandidate is returned by a Strategy when every candidate is
// circuit-open or over its rate-limit budget and no forced probe is due.
var ErrNoEligibleCandidate = errors.New("balancer: no eligible candidate")

// Candidate is one member of a load-balancing pool: an endpoint plus the
// static weighting/cost data a strategy may need, and the arena slot index
// backing its runtime health.
type Candidate struct {
	Endpoint Endpoint
	Weight   float64
	CostIn   float64
	CostOut  float64
	Index    int
}

// Strategy selects one candidate from a pool for a single request.
// Implementations must be safe for concurrent use: Pick is called from
// every goroutine dispatching a request through this pool.
type Strategy interface {
	// Pick selects a candidate, consulting the arena for runtime health.
	Pick(candidates []Candidate, arena *Arena) (Candidate, error)
	Name() string
}

// eligible filters candidates down to those whose circuit breaker allows a
// request right now and whose upstream rate-limit budget is not known to
// be exhausted. If none are eligible, it returns the single
// least-recently-tried Open candidate as a forced half-open probe, per the
// weighted-random strategy's fallback rule (also reused by the other
// strategies so none of them wedge permanently).
func eligible(candidates []Candidate, arena *Arena) ([]Candidate, *Candidate) {
	out := make([]Candidate, 0, len(candidates))
	var oldestProbe *Candidate
	var oldestTried time.Time

	for i := range candidates {
		c := candidates[i]
		h := arena.Health(c.Index)
		if h.ExhaustedBudget() {
			continue
		}
		if h.Allow() {
			out = append(out, c)
			continue
		}
		// Not allowed right now (Open and cooling down, or HalfOpen with a
		// probe already in flight). Track it as a forced-probe fallback
		// candidate in case nothing else is eligible.
		t := h.lastTried()
		if oldestProbe == nil || t.Before(oldestTried) {
			cc := c
			oldestProbe = &cc
			oldestTried = t
		}
	}
	return out, oldestProbe
}
