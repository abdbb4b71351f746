package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Revalidator wraps a Cache with stale-while-revalidate semantics: a Stale
// hit is served immediately while at most one background producer call per
// key refreshes the entry, using golang.org/x/sync/singleflight so
// concurrent requests for the same stale key never trigger a producer
// stampede.
type Revalidator struct {
	cache Cache
	dir   Directive
	group singleflight.Group
}

// NewRevalidator wraps cache with the given freshness directive.
func NewRevalidator(cache Cache, dir Directive) *Revalidator {
	return &Revalidator{cache: cache, dir: dir}
}

// Lookup looks up key, classifies its freshness, and — for a Stale hit —
// kicks off (at most once per key) an async call to produce that runs in
// the background and, on success, re-Sets the cache entry.
//
// produce must return the fresh value to store, in a form createdAtOf can
// read the creation instant from.
func (r *Revalidator) Lookup(
	ctx context.Context,
	key string,
	createdAtOf func([]byte) time.Time,
	produce func(context.Context) ([]byte, error),
	ttl time.Duration,
) (value []byte, freshness Freshness, ok bool) {
	val, found := r.cache.Get(ctx, key)
	if !found {
		return nil, Expired, false
	}

	fresh := r.dir.Classify(createdAtOf(val), time.Now())
	if fresh == Expired {
		return nil, Expired, false
	}

	if fresh == Stale {
		r.revalidateAsync(key, produce, ttl)
	}
	return val, fresh, true
}

// LookupEnvelope is Lookup specialized for entries stored via StoreEnvelope:
// the creation instant travels with the value so callers never need to
// track it separately, and the returned body is already unwrapped.
func (r *Revalidator) LookupEnvelope(
	ctx context.Context,
	key string,
	produce func(context.Context) ([]byte, error),
	ttl time.Duration,
) (body []byte, freshness Freshness, ok bool) {
	val, fresh, found := r.Lookup(ctx, key, envelopeCreatedAt, func(pctx context.Context) ([]byte, error) {
		raw, err := produce(pctx)
		if err != nil {
			return nil, err
		}
		return WrapEnvelope(time.Now(), raw), nil
	}, ttl)
	if !found {
		return nil, Expired, false
	}
	body, _, _ = UnwrapEnvelope(val)
	return body, fresh, true
}

// StoreEnvelope wraps body with the current instant and stores it under key
// — the miss-path counterpart to LookupEnvelope, used when there is no
// existing entry to revalidate.
func (r *Revalidator) StoreEnvelope(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	return r.cache.Set(ctx, key, WrapEnvelope(time.Now(), body), ttl)
}

func (r *Revalidator) revalidateAsync(key string, produce func(context.Context) ([]byte, error), ttl time.Duration) {
	r.group.DoChan(key, func() (interface{}, error) {
		// Revalidation runs detached from the triggering request's context
		// so a client disconnect never cancels the cache refresh.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fresh, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Set(ctx, key, fresh, ttl); err != nil {
			return nil, err
		}
		return nil, nil
	})
}
