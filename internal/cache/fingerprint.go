package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// nonDeterministicFields are stripped from the request body before
// fingerprinting: they vary request-to-request without changing what
// response would satisfy the request (stream is a transport concern, not
// a content concern — a cached non-streaming response can satisfy a
// streaming request by replaying it as a single chunk).
var nonDeterministicFields = []string{"user", "stream", "request_id"}

// Fingerprint computes a RequestFingerprint: a SHA-256 digest over
// (endpointType, model, canonicalized body). Canonicalization sorts object
// keys recursively via gjson/sjson so that two JSON-equivalent bodies with
// differently ordered keys hash identically, and removes the
// non-deterministic fields above.
func Fingerprint(endpointType, model string, body []byte) ([32]byte, error) {
	canon, err := canonicalize(body)
	if err != nil {
		return [32]byte{}, err
	}

	h := sha256.New()
	h.Write([]byte(endpointType))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(canon)

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// FingerprintHex is Fingerprint hex-encoded, for use as a cache key.
func FingerprintHex(endpointType, model string, body []byte) (string, error) {
	sum, err := Fingerprint(endpointType, model, body)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize strips non-deterministic fields and rewrites the JSON body
// with object keys in sorted order at every level, so permuted key order
// produces byte-identical output.
func canonicalize(body []byte) ([]byte, error) {
	out := body
	var err error
	for _, f := range nonDeterministicFields {
		out, err = sjson.DeleteBytes(out, f)
		if err != nil {
			return nil, err
		}
	}
	return sortKeys(out)
}

// sortKeys rebuilds the JSON value with every object's keys written in
// sorted order. Arrays keep their element order (order is significant for
// the "messages" array and others); only object key order is normalized.
func sortKeys(data []byte) ([]byte, error) {
	result := gjson.ParseBytes(data)
	return marshalSorted(result)
}

func marshalSorted(v gjson.Result) ([]byte, error) {
	switch {
	case v.IsObject():
		keys := make([]string, 0)
		children := make(map[string]gjson.Result)
		v.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			keys = append(keys, k)
			children[k] = value
			return true
		})
		sort.Strings(keys)

		out := []byte("{}")
		var err error
		for _, k := range keys {
			childJSON, err2 := marshalSorted(children[k])
			if err2 != nil {
				return nil, err2
			}
			out, err = sjson.SetRawBytes(out, k, childJSON)
			if err != nil {
				return nil, err
			}
		}
		return out, nil

	case v.IsArray():
		out := []byte("[]")
		i := 0
		var err error
		v.ForEach(func(_, value gjson.Result) bool {
			var childJSON []byte
			childJSON, err = marshalSorted(value)
			if err != nil {
				return false
			}
			out, err = sjson.SetRawBytes(out, "-1", childJSON)
			if err != nil {
				return false
			}
			i++
			return true
		})
		if err != nil {
			return nil, err
		}
		return out, nil

	default:
		return []byte(v.Raw), nil
	}
}
