package balancer

// ModelLatency restricts the Latency (P2C + PeakEWMA) strategy to the
// subset of a pool's candidates that belong to a given model-equivalence
// class, so a request pinned to "claude-3.5-sonnet" is never load-balanced
// onto an unrelated model even when both are offered by the same pool's
// provider mix.
type ModelLatency struct {
	inner     Latency
	classOf   func(Endpoint) string
	wantClass string
}

// NewModelLatency builds a ModelLatency strategy restricted to wantClass.
// classOf maps an endpoint to its equivalence-class name (empty string for
// "no class", which never matches a non-empty wantClass).
func NewModelLatency(wantClass string, classOf func(Endpoint) string) *ModelLatency {
	return &ModelLatency{classOf: classOf, wantClass: wantClass}
}

func (s *ModelLatency) Name() string { return "model_latency" }

func (s *ModelLatency) Pick(candidates []Candidate, arena *Arena) (Candidate, error) {
	filtered := candidates[:0:0]
	for _, c := range candidates {
		if s.classOf(c.Endpoint) == s.wantClass {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return Candidate{}, ErrNoEligibleCandidate
	}
	return s.inner.Pick(filtered, arena)
}
