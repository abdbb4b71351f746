package proxy

import (
	"testing"
	"time"

	"github.com/heliogate/gateway/internal/balancer"
)

func TestProviderHealthInitialState(t *testing.T) {
	ph := newProviderHealth(balancer.HealthConfig{})
	if !ph.Allow("openai") {
		t.Error("closed breaker should allow requests")
	}
	if ph.StateLabel("openai") != "closed" {
		t.Errorf("expected closed, got %s", ph.StateLabel("openai"))
	}
}

func TestProviderHealthOpensAfterThreshold(t *testing.T) {
	cfg := balancer.HealthConfig{
		ErrorThreshold: 3, TimeWindow: time.Minute,
		HalfOpenTimeout: time.Minute, EWMAHalfLife: time.Second,
	}
	ph := newProviderHealth(cfg)

	for i := 0; i < cfg.ErrorThreshold-1; i++ {
		ph.RecordFailure("openai")
		if ph.StateLabel("openai") != "closed" {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}
	ph.RecordFailure("openai")
	if ph.StateLabel("openai") != "open" {
		t.Errorf("expected open after threshold, got %s", ph.StateLabel("openai"))
	}
	if ph.Allow("openai") {
		t.Error("open breaker should reject requests")
	}
}

func TestProviderHealthIndependentProviders(t *testing.T) {
	cfg := balancer.HealthConfig{
		ErrorThreshold: 1, TimeWindow: time.Minute,
		HalfOpenTimeout: time.Minute, EWMAHalfLife: time.Second,
	}
	ph := newProviderHealth(cfg)

	ph.RecordFailure("openai")
	if ph.StateLabel("openai") != "open" {
		t.Error("openai should be open")
	}
	if !ph.Allow("anthropic") {
		t.Error("anthropic should still allow requests")
	}
}

func TestProviderHealthSuccessResets(t *testing.T) {
	cfg := balancer.HealthConfig{
		ErrorThreshold: 2, TimeWindow: time.Minute,
		HalfOpenTimeout: time.Minute, EWMAHalfLife: time.Second,
	}
	ph := newProviderHealth(cfg)

	ph.RecordFailure("openai")
	ph.RecordSuccess("openai")
	ph.RecordFailure("openai")
	if ph.StateLabel("openai") != "closed" {
		t.Error("success should have reset the error count")
	}
}

func TestProviderHealthUnknownProviderGetsLazySlot(t *testing.T) {
	ph := newProviderHealth(balancer.HealthConfig{})
	if !ph.Allow("custom-provider") {
		t.Error("unregistered provider should start closed and allow requests")
	}
}
