package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryBackend implements Backend using one golang.org/x/time/rate.Limiter
// per bucket key, held in a sync.Map. Unlike a hand-rolled CAS loop, the
// stdlib token-bucket primitive already serializes concurrent Allow calls
// correctly; Hierarchical only needs the all-or-nothing rollback across
// scopes, implemented here by reserving from every bucket and cancelling
// every reservation if any one of them would block.
type MemoryBackend struct {
	limiters sync.Map // key string -> *rate.Limiter
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (b *MemoryBackend) limiterFor(key string, spec BucketSpec) *rate.Limiter {
	if v, ok := b.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Limit(spec.RefillPerSec), spec.Capacity)
	actual, _ := b.limiters.LoadOrStore(key, lim)
	return actual.(*rate.Limiter)
}

// Allow reserves a token from every bucket up front, then rolls every
// reservation back if any one of them wasn't immediately available. When
// rejecting, retryAfter is the longest of the failing buckets' reservation
// delays — the tightest bucket in the hierarchy, per spec.md §4.4 step 3.
func (b *MemoryBackend) Allow(_ context.Context, keys []string, specs []BucketSpec) (bool, time.Duration, error) {
	reservations := make([]*rate.Reservation, len(keys))
	var failed bool
	var retryAfter time.Duration

	for i, key := range keys {
		lim := b.limiterFor(key, specs[i])
		r := lim.Reserve()
		reservations[i] = r
		if !r.OK() || r.Delay() > 0 {
			failed = true
			if d := r.Delay(); d > retryAfter {
				retryAfter = d
			}
		}
	}

	if failed {
		for _, r := range reservations {
			r.Cancel()
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}
