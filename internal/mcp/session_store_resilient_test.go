package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"turul-mcp-go/internal/circuitbreaker"
)

// flakyStore wraps a MemoryStore and fails the first `failures` GetSession
// calls before passing through, to exercise ResilientStore's
// circuit-breaker wiring independent of any real backend.
type flakyStore struct {
	*MemoryStore
	failures int
}

func (f *flakyStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("simulated backend failure")
	}
	return f.MemoryStore.GetSession(ctx, id)
}

func TestResilientStorePassesThroughOnSuccess(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(0)}
	r := NewResilientStore(inner, "test", 3, time.Minute)
	ctx := context.Background()

	rec, err := r.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := r.GetSession(ctx, rec.ID); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
}

func TestResilientStoreSessionNotFoundDoesNotTripBreaker(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(0)}
	r := NewResilientStore(inner, "test", 1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := r.GetSession(ctx, "missing"); err != ErrSessionNotFound {
			t.Fatalf("iteration %d: err = %v, want ErrSessionNotFound", i, err)
		}
	}
	if r.breaker.State() != circuitbreaker.Closed {
		t.Fatal("ErrSessionNotFound should not trip the circuit breaker")
	}
}

func TestResilientStoreTripsAfterThreshold(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(0), failures: 10}
	ctx := context.Background()
	rec, err := inner.MemoryStore.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	r := NewResilientStore(inner, "test", 2, time.Hour)

	if _, err := r.GetSession(ctx, rec.ID); err == nil {
		t.Fatal("expected the first simulated failure to propagate")
	}
	if _, err := r.GetSession(ctx, rec.ID); err == nil {
		t.Fatal("expected the second simulated failure to propagate")
	}

	// Threshold reached: circuit should now be open and short-circuit
	// without reaching the inner store.
	_, err = r.GetSession(ctx, rec.ID)
	if err == nil {
		t.Fatal("expected an error once the circuit is open")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Kind != KindStorageBackend {
		t.Fatalf("err = %v, want a KindStorageBackend wrapping the open circuit", err)
	}
}

func TestResilientStoreRecoversAfterCooldown(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(0), failures: 1}
	ctx := context.Background()
	rec, _ := inner.MemoryStore.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	r := NewResilientStore(inner, "test", 1, 10*time.Millisecond)

	if _, err := r.GetSession(ctx, rec.ID); err == nil {
		t.Fatal("expected the simulated failure to propagate and trip the breaker")
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := r.GetSession(ctx, rec.ID); err != nil {
		t.Fatalf("after cooldown the probe request should reach the inner store: %v", err)
	}
}

func TestResilientStoreDisabledBreakerAlwaysPassesThrough(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(0), failures: 100}
	ctx := context.Background()
	rec, _ := inner.MemoryStore.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	r := NewResilientStore(inner, "test", 0, time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := r.GetSession(ctx, rec.ID); err == nil {
			t.Fatalf("iteration %d: expected the simulated failure to still propagate with a disabled breaker", i)
		}
	}
}

func TestResilientStoreCloseDelegates(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(0)}
	r := NewResilientStore(inner, "test", 3, time.Minute)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
