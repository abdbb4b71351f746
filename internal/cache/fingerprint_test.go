package cache

import (
	"testing"
	"time"
)

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	a := []byte(`{"model":"gpt-4o","temperature":0.7,"messages":[{"role":"user","content":"hi"}]}`)
	b := []byte(`{"messages":[{"content":"hi","role":"user"}],"temperature":0.7,"model":"gpt-4o"}`)

	fa, err := FingerprintHex("chat.completions", "gpt-4o", a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := FingerprintHex("chat.completions", "gpt-4o", b)
	if err != nil {
		t.Fatal(err)
	}
	if fa != fb {
		t.Fatalf("expected identical fingerprints for permuted key order, got %s vs %s", fa, fb)
	}
}

func TestFingerprintIgnoresNonDeterministicFields(t *testing.T) {
	a := []byte(`{"model":"gpt-4o","messages":[],"user":"alice","stream":true,"request_id":"abc"}`)
	b := []byte(`{"model":"gpt-4o","messages":[],"user":"bob","stream":false,"request_id":"xyz"}`)

	fa, err := FingerprintHex("chat.completions", "gpt-4o", a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := FingerprintHex("chat.completions", "gpt-4o", b)
	if err != nil {
		t.Fatal(err)
	}
	if fa != fb {
		t.Fatalf("expected fingerprints to ignore user/stream/request_id, got %s vs %s", fa, fb)
	}
}

func TestFingerprintSensitiveToTemperature(t *testing.T) {
	a := []byte(`{"model":"gpt-4o","messages":[],"temperature":0.2}`)
	b := []byte(`{"model":"gpt-4o","messages":[],"temperature":0.9}`)

	fa, _ := FingerprintHex("chat.completions", "gpt-4o", a)
	fb, _ := FingerprintHex("chat.completions", "gpt-4o", b)
	if fa == fb {
		t.Fatalf("expected distinct fingerprints for different temperature")
	}
}

func TestFingerprintSensitiveToModel(t *testing.T) {
	body := []byte(`{"messages":[]}`)
	fa, _ := FingerprintHex("chat.completions", "gpt-4o", body)
	fb, _ := FingerprintHex("chat.completions", "claude-3-5-sonnet", body)
	if fa == fb {
		t.Fatalf("expected distinct fingerprints for different models")
	}
}

func TestDirectiveClassification(t *testing.T) {
	d := ParseDirective("max-age=60, max-stale=30")
	if d.MaxAge.Seconds() != 60 || d.MaxStale.Seconds() != 30 {
		t.Fatalf("parse failed: %+v", d)
	}

	created := time.Now()
	if got := d.Classify(created, created.Add(10*time.Second)); got != Fresh {
		t.Fatalf("expected Fresh within max-age, got %v", got)
	}
	if got := d.Classify(created, created.Add(80*time.Second)); got != Stale {
		t.Fatalf("expected Stale within max-age+max-stale, got %v", got)
	}
	if got := d.Classify(created, created.Add(100*time.Second)); got != Expired {
		t.Fatalf("expected Expired past max-age+max-stale, got %v", got)
	}
}
