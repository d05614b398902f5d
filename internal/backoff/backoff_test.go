package backoff

import (
	"testing"
	"time"
)

func TestComputeLadderDefaults(t *testing.T) {
	cfg := DefaultConfig()

	first := Compute(cfg, 1)
	if first <= 0 || first > cfg.Max {
		t.Fatalf("attempt 1 backoff out of range: %v", first)
	}

	// Later attempts must never exceed the configured cap.
	for attempt := 1; attempt <= 10; attempt++ {
		d := Compute(cfg, attempt)
		if d > cfg.Max {
			t.Fatalf("attempt %d backoff %v exceeds cap %v", attempt, d, cfg.Max)
		}
	}
}

func TestComputeMonotonicUntilCap(t *testing.T) {
	cfg := DefaultConfig()
	prev := time.Duration(0)
	for attempt := 1; attempt <= 3; attempt++ {
		d := Compute(cfg, attempt)
		if d < prev {
			t.Fatalf("attempt %d backoff %v is less than previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestNextRunAtAddsDelay(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := NextRunAt(cfg, 1, now)
	if !next.After(now) {
		t.Fatalf("NextRunAt = %v, want after %v", next, now)
	}
}

func TestComputeClampsLowAttempt(t *testing.T) {
	cfg := DefaultConfig()
	if Compute(cfg, 0) != Compute(cfg, 1) {
		t.Fatal("attempt 0 should behave like attempt 1")
	}
}
