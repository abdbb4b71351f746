package cache

// countMinSketch is a 4-bit, 4-row count-min sketch used as the admission
// filter's frequency estimator — the same role Caffeine/Moka's
// "doorkeeper + CM4" admission sketch plays in a W-TinyLFU cache: cheap,
// approximate, and periodically halved so the estimate tracks recent
// demand rather than all-time totals.
//
// Counters are 4-bit, nibble-packed two-per-byte. A depth of 4 independent
// hash rows keeps the false-positive rate (an unrelated key's count
// leaking into this key's estimate) low without the cost of a wider table.
type countMinSketch struct {
	table      [cmDepth][]byte
	width      uint64
	mask       uint64
	additions  uint64
	sampleSize uint64
}

const cmDepth = 4

// newCountMinSketch sizes the sketch's width from the cache's admission
// scope (the main segment's capacity) — wider than the capacity would
// waste memory, narrower increases collision noise.
func newCountMinSketch(capacityHint int) *countMinSketch {
	width := nextPow2(uint64(capacityHint))
	if width < 16 {
		width = 16
	}
	s := &countMinSketch{width: width, mask: width - 1, sampleSize: width * 10}
	for i := range s.table {
		s.table[i] = make([]byte, (width+1)/2)
	}
	return s
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// rowIndex mixes h with a per-row seed so each of the cmDepth rows hashes
// independently from a single input hash.
func (s *countMinSketch) rowIndex(h uint64, row int) uint64 {
	h ^= uint64(row)*0x9E3779B97F4A7C15 + 0x9E3779B97F4A7C15
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h & s.mask
}

func (s *countMinSketch) nibble(row int, idx uint64) byte {
	b := s.table[row][idx/2]
	if idx%2 == 0 {
		return b & 0x0F
	}
	return b >> 4
}

func (s *countMinSketch) incNibble(row int, idx uint64) bool {
	b := s.table[row][idx/2]
	if idx%2 == 0 {
		v := b & 0x0F
		if v == 0x0F {
			return false
		}
		s.table[row][idx/2] = (b &^ 0x0F) | (v + 1)
		return true
	}
	v := b >> 4
	if v == 0x0F {
		return false
	}
	s.table[row][idx/2] = (b &^ 0xF0) | ((v + 1) << 4)
	return true
}

// Increment records one observation of h. Once the total number of
// increments reaches sampleSize, every counter is halved — the sketch's
// "aging" step, keeping the estimate biased toward recent traffic instead
// of accumulating forever.
func (s *countMinSketch) Increment(h uint64) {
	incremented := false
	for row := 0; row < cmDepth; row++ {
		if s.incNibble(row, s.rowIndex(h, row)) {
			incremented = true
		}
	}
	if incremented {
		s.additions++
		if s.additions >= s.sampleSize {
			s.reset()
		}
	}
}

// Estimate returns the minimum counter across all rows for h — the
// count-min sketch's standard one-sided-error frequency estimate.
func (s *countMinSketch) Estimate(h uint64) byte {
	min := byte(0x0F)
	for row := 0; row < cmDepth; row++ {
		if v := s.nibble(row, s.rowIndex(h, row)); v < min {
			min = v
		}
	}
	return min
}

func (s *countMinSketch) reset() {
	for row := range s.table {
		for i, b := range s.table[row] {
			lo := (b & 0x0F) >> 1
			hi := (b >> 4) >> 1
			s.table[row][i] = (hi << 4) | lo
		}
	}
	s.additions /= 2
}
