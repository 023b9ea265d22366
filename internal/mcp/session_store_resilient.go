package mcp

import (
	"context"
	"time"

	"turul-mcp-go/internal/circuitbreaker"
)

// ResilientStore wraps a Store with a circuit breaker so a degraded
// durable backend fails fast with a StorageBackend error instead of
// letting every request hang on the same broken driver.
type ResilientStore struct {
	inner   Store
	breaker *circuitbreaker.Breaker
}

// NewResilientStore wraps inner. failureThreshold <= 0 disables the
// breaker (every call passes through to inner).
func NewResilientStore(inner Store, name string, failureThreshold int, cooldown time.Duration) *ResilientStore {
	return &ResilientStore{
		inner:   inner,
		breaker: circuitbreaker.New(name, failureThreshold, cooldown),
	}
}

func (r *ResilientStore) guard(err error) error {
	if err != nil {
		r.breaker.RecordFailure(err)
		return err
	}
	r.breaker.RecordSuccess()
	return nil
}

func (r *ResilientStore) allow() error {
	if err := r.breaker.Allow(); err != nil {
		return Wrap(KindStorageBackend, "storage circuit open", err)
	}
	return nil
}

func (r *ResilientStore) CreateSession(ctx context.Context, protocolVersion string, clientCapabilities, serverCapabilities, metadata map[string]any) (*SessionRecord, error) {
	if err := r.allow(); err != nil {
		return nil, err
	}
	rec, err := r.inner.CreateSession(ctx, protocolVersion, clientCapabilities, serverCapabilities, metadata)
	return rec, r.guard(err)
}

func (r *ResilientStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	if err := r.allow(); err != nil {
		return nil, err
	}
	rec, err := r.inner.GetSession(ctx, id)
	if err == ErrSessionNotFound {
		r.breaker.RecordSuccess()
		return nil, err
	}
	return rec, r.guard(err)
}

func (r *ResilientStore) TouchSession(ctx context.Context, id string) error {
	if err := r.allow(); err != nil {
		return err
	}
	return r.guard(r.inner.TouchSession(ctx, id))
}

func (r *ResilientStore) MarkInitialized(ctx context.Context, id string) error {
	if err := r.allow(); err != nil {
		return err
	}
	return r.guard(r.inner.MarkInitialized(ctx, id))
}

func (r *ResilientStore) DeleteSession(ctx context.Context, id string) error {
	if err := r.allow(); err != nil {
		return err
	}
	return r.guard(r.inner.DeleteSession(ctx, id))
}

func (r *ResilientStore) ListSessions(ctx context.Context) ([]string, error) {
	if err := r.allow(); err != nil {
		return nil, err
	}
	ids, err := r.inner.ListSessions(ctx)
	return ids, r.guard(err)
}

func (r *ResilientStore) SetState(ctx context.Context, id, key string, value any) error {
	if err := r.allow(); err != nil {
		return err
	}
	return r.guard(r.inner.SetState(ctx, id, key, value))
}

func (r *ResilientStore) GetState(ctx context.Context, id, key string) (any, bool, error) {
	if err := r.allow(); err != nil {
		return nil, false, err
	}
	v, ok, err := r.inner.GetState(ctx, id, key)
	return v, ok, r.guard(err)
}

func (r *ResilientStore) RemoveState(ctx context.Context, id, key string) error {
	if err := r.allow(); err != nil {
		return err
	}
	return r.guard(r.inner.RemoveState(ctx, id, key))
}

func (r *ResilientStore) AppendEvent(ctx context.Context, sessionID, name string, data []byte) (*Event, error) {
	if err := r.allow(); err != nil {
		return nil, err
	}
	evt, err := r.inner.AppendEvent(ctx, sessionID, name, data)
	return evt, r.guard(err)
}

func (r *ResilientStore) EventsSince(ctx context.Context, sessionID string, afterID uint64) ([]*Event, error) {
	if err := r.allow(); err != nil {
		return nil, err
	}
	events, err := r.inner.EventsSince(ctx, sessionID, afterID)
	return events, r.guard(err)
}

func (r *ResilientStore) ExpireSessions(ctx context.Context, maxAge time.Duration) ([]string, error) {
	if err := r.allow(); err != nil {
		return nil, err
	}
	ids, err := r.inner.ExpireSessions(ctx, maxAge)
	return ids, r.guard(err)
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
