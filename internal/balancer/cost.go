package balancer

// Cost picks the eligible candidate with the lowest static cost, as a
// (input_cost, output_cost) lexicographic tuple, ties broken by latency
// load score. Candidates with no configured cost (zero on both fields) are
// considered most expensive: they sort after every priced candidate so an
// operator who forgets to price a provider never accidentally gets
// preferential routing.
type Cost struct{}

func (s *Cost) Name() string { return "cost" }

func (s *Cost) Pick(candidates []Candidate, arena *Arena) (Candidate, error) {
	elig, probe := eligible(candidates, arena)
	if len(elig) == 0 {
		if probe == nil {
			return Candidate{}, ErrNoEligibleCandidate
		}
		return *probe, nil
	}

	best := elig[0]
	bestScore := arena.Health(best.Index).LoadScore()
	for _, c := range elig[1:] {
		switch costOrder(c, best) {
		case -1:
			best, bestScore = c, arena.Health(c.Index).LoadScore()
		case 0:
			score := arena.Health(c.Index).LoadScore()
			if score < bestScore {
				best, bestScore = c, score
			}
		}
	}
	return best, nil
}

// costOrder returns -1 if a is cheaper than b, 1 if more expensive, 0 if
// tied. Unpriced candidates (both costs zero) sort as more expensive than
// any priced candidate.
func costOrder(a, b Candidate) int {
	aPriced := a.CostIn > 0 || a.CostOut > 0
	bPriced := b.CostIn > 0 || b.CostOut > 0
	if aPriced != bPriced {
		if aPriced {
			return -1
		}
		return 1
	}
	if a.CostIn != b.CostIn {
		if a.CostIn < b.CostIn {
			return -1
		}
		return 1
	}
	if a.CostOut != b.CostOut {
		if a.CostOut < b.CostOut {
			return -1
		}
		return 1
	}
	return 0
}
