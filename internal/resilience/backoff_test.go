package resilience

import (
	"testing"
	"time"
)

func TestBackoff_Bounds(t *testing.T) {
	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		// Jitter is random, sample a few times.
		for i := 0; i < 20; i++ {
			got := Backoff(tc.attempt)
			if got < tc.base || got >= tc.base+500*time.Millisecond {
				t.Fatalf("Backoff(%d) = %v, want [%v, %v)",
					tc.attempt, got, tc.base, tc.base+500*time.Millisecond)
			}
		}
	}
}

func TestBackoff_MonotonicIgnoringJitter(t *testing.T) {
	floor := func(attempt int) time.Duration {
		min := Backoff(attempt)
		for i := 0; i < 50; i++ {
			if d := Backoff(attempt); d < min {
				min = d
			}
		}
		return min
	}
	prev := floor(0)
	for attempt := 1; attempt <= 8; attempt++ {
		// Compare raw floors with jitter headroom removed.
		cur := floor(attempt)
		if cur+500*time.Millisecond < prev {
			t.Fatalf("backoff floor decreased at attempt %d: %v < %v", attempt, cur, prev)
		}
		prev = cur
	}
}
