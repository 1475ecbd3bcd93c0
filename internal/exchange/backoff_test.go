package exchange

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	// With jitter in [delay/2, delay), attempt 0 is within [250ms, 500ms).
	for i := 0; i < 20; i++ {
		if d := Backoff(0); d < 250*time.Millisecond || d >= 500*time.Millisecond {
			t.Fatalf("Backoff(0) = %v, want [250ms, 500ms)", d)
		}
	}

	// Attempt 3 → 4s base, jitter in [2s, 4s).
	for i := 0; i < 20; i++ {
		if d := Backoff(3); d < 2*time.Second || d >= 4*time.Second {
			t.Fatalf("Backoff(3) = %v, want [2s, 4s)", d)
		}
	}

	// Large attempts cap at 60s base.
	for i := 0; i < 20; i++ {
		if d := Backoff(30); d < 30*time.Second || d >= 60*time.Second {
			t.Fatalf("Backoff(30) = %v, want [30s, 60s)", d)
		}
	}
}
