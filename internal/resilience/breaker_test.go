package resilience

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAfterThreeFailures(t *testing.T) {
	cb := NewCircuitBreaker()

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %s", cb.State())
	}
	if cb.IsOpen() {
		t.Fatal("breaker open before threshold")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}
	if !cb.IsOpen() {
		t.Fatal("breaker closed after threshold")
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker()

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker()
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if !cb.IsOpen() {
		t.Fatal("expected open breaker")
	}

	// Just shy of the cooldown it stays open.
	clock = clock.Add(59 * time.Second)
	if !cb.IsOpen() {
		t.Fatal("breaker let a probe through before cooldown")
	}

	clock = clock.Add(2 * time.Second)
	if cb.IsOpen() {
		t.Fatal("breaker still open after cooldown")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenOutcomes(t *testing.T) {
	mkHalfOpen := func() (*CircuitBreaker, *time.Time) {
		cb := NewCircuitBreaker()
		clock := time.Now()
		cb.now = func() time.Time { return clock }
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		clock = clock.Add(61 * time.Second)
		cb.IsOpen()
		return cb, &clock
	}

	t.Run("probe success closes", func(t *testing.T) {
		cb, _ := mkHalfOpen()
		cb.RecordSuccess()
		if cb.State() != StateClosed {
			t.Fatalf("expected closed, got %s", cb.State())
		}
		if cb.IsOpen() {
			t.Fatal("expected closed breaker to pass calls")
		}
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		cb, _ := mkHalfOpen()
		cb.RecordFailure()
		if cb.State() != StateOpen {
			t.Fatalf("expected open, got %s", cb.State())
		}
		if !cb.IsOpen() {
			t.Fatal("expected reopened breaker to block")
		}
	})
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()
	if cb.State() != StateClosed || cb.IsOpen() {
		t.Fatalf("expected closed after reset, got %s", cb.State())
	}
}
