package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOutcome_ResolveOnce(t *testing.T) {
	o := NewOutcome()
	first := &Result{Success: true, TotalTokensUsed: 10}
	o.Resolve(first)
	o.Resolve(&Result{Success: false})
	o.Reject(errors.New("late"))

	got, err := o.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != first {
		t.Fatalf("first settlement did not win: %+v", got)
	}
}

func TestOutcome_RejectOnce(t *testing.T) {
	o := NewOutcome()
	failure := errors.New("agent crashed")
	o.Reject(failure)
	o.Resolve(&Result{Success: true})

	got, err := o.Wait(context.Background())
	if !errors.Is(err, failure) {
		t.Fatalf("expected stored failure, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil result, got %+v", got)
	}
}

func TestOutcome_WaitHonorsContext(t *testing.T) {
	o := NewOutcome()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOutcome_DoneSignalsWaiters(t *testing.T) {
	o := NewOutcome()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-o.Done():
			case <-time.After(2 * time.Second):
				t.Error("waiter never signaled")
			}
		}()
	}
	o.Resolve(&Result{Success: true})
	wg.Wait()
}

func TestRegistry(t *testing.T) {
	const typ = "test-provider"
	RegisterProvider(typ, func(cfg Config) (Provider, error) { return nil, nil })
	defer delete(Registry, typ)

	if !IsProviderRegistered(typ) {
		t.Fatal("registered type not reported")
	}
	if IsProviderRegistered("never-registered") {
		t.Fatal("unknown type reported as registered")
	}
	found := false
	for _, name := range RegisteredProviderTypes() {
		if name == typ {
			found = true
		}
	}
	if !found {
		t.Fatal("registered type missing from listing")
	}
}
