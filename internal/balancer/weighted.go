package balancer

import (
	"math/rand"
	"sync"
	"time"
)

// WeightedRandom picks a candidate by drawing a uniform value over the
// cumulative weight of all eligible candidates. Circuit-open or
// budget-exhausted candidates are excluded; if every candidate is
// excluded, the least-recently-tried Open candidate is returned as a
// forced HalfOpen probe (see eligible).
type WeightedRandom struct {
	// Rand is the random source used for the weight draw. Defaults to a
	// package-level source seeded at startup if nil.
	Rand *rand.Rand
}

func (s *WeightedRandom) Name() string { return "weighted_random" }

func (s *WeightedRandom) Pick(candidates []Candidate, arena *Arena) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoEligibleCandidate
	}

	elig, probe := eligible(candidates, arena)
	if len(elig) == 0 {
		if probe == nil {
			return Candidate{}, ErrNoEligibleCandidate
		}
		arena.Health(probe.Index).MarkTried(time.Now())
		return *probe, nil
	}

	var total float64
	for _, c := range elig {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}

	r := s.rand()
	draw := r.Float64() * total
	var cum float64
	chosen := elig[len(elig)-1]
	for _, c := range elig {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		cum += w
		if draw < cum {
			chosen = c
			break
		}
	}
	arena.Health(chosen.Index).MarkTried(time.Now())
	return chosen, nil
}

func (s *WeightedRandom) rand() *rand.Rand {
	if s.Rand != nil {
		return s.Rand
	}
	return globalRand
}

// globalRand is a package-level source for callers that don't need a
// deterministic, per-strategy generator (tests inject their own via Rand).
// Its source is mutex-guarded so concurrent Pick calls can share it.
var globalRand = rand.New(&lockedSource{src: rand.NewSource(time.Now().UnixNano())})

type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}
