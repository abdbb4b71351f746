package cache

import (
	"encoding/json"
	"time"
)

// envelope wraps a cached response body with the instant it was produced,
// so a Directive-governed lookup (see Revalidator) can classify freshness
// without the backend needing any extra metadata storage of its own.
type envelope struct {
	CreatedAt time.Time `json:"created_at"`
	Body      []byte    `json:"body"`
}

// WrapEnvelope serializes body together with createdAt for storage via a
// Directive-governed Cache entry.
func WrapEnvelope(createdAt time.Time, body []byte) []byte {
	data, _ := json.Marshal(envelope{CreatedAt: createdAt, Body: body})
	return data
}

// UnwrapEnvelope recovers the original body and creation instant from a
// value previously produced by WrapEnvelope. ok is false when data isn't a
// well-formed envelope (e.g. a plain flat-cache entry).
func UnwrapEnvelope(data []byte) (body []byte, createdAt time.Time, ok bool) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, time.Time{}, false
	}
	if e.CreatedAt.IsZero() {
		return nil, time.Time{}, false
	}
	return e.Body, e.CreatedAt, true
}

// envelopeCreatedAt adapts UnwrapEnvelope to the createdAtOf signature
// Revalidator.Lookup expects.
func envelopeCreatedAt(data []byte) time.Time {
	_, createdAt, _ := UnwrapEnvelope(data)
	return createdAt
}
