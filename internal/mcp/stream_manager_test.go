package mcp

import (
	"context"
	"testing"
	"time"
)

func newTestSession(t *testing.T, store Store) string {
	t.Helper()
	rec, err := store.CreateSession(context.Background(), LatestProtocolVersion, nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return rec.ID
}

func TestStreamManagerBroadcastDeliversToOneConnection(t *testing.T) {
	store := NewMemoryStore(0)
	sm := NewStreamManager(store, DefaultStreamConfig())
	sid := newTestSession(t, store)

	_, ch1, unreg1 := sm.RegisterConnection(sid)
	defer unreg1()
	_, ch2, unreg2 := sm.RegisterConnection(sid)
	defer unreg2()

	if _, err := sm.Broadcast(context.Background(), sid, "notify", map[string]any{"x": 1}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	delivered := 0
	select {
	case <-ch1:
		delivered++
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-ch2:
		delivered++
	case <-time.After(50 * time.Millisecond):
	}
	if delivered != 1 {
		t.Fatalf("delivered to %d connections, want exactly 1", delivered)
	}
}

func TestStreamManagerBroadcastDurableWithoutConnection(t *testing.T) {
	store := NewMemoryStore(0)
	sm := NewStreamManager(store, DefaultStreamConfig())
	sid := newTestSession(t, store)

	evt, err := sm.Broadcast(context.Background(), sid, "notify", nil)
	if err != nil {
		t.Fatalf("Broadcast with no live connection: %v", err)
	}
	if evt.ID != 1 {
		t.Fatalf("event id = %d, want 1", evt.ID)
	}

	events, err := sm.ReplayFrom(context.Background(), sid, 0)
	if err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
}

func TestStreamManagerReplayFromCapsToMaxReplayEvents(t *testing.T) {
	store := NewMemoryStore(0)
	sm := NewStreamManager(store, StreamConfig{ChannelBufferSize: 10, MaxReplayEvents: 2})
	sid := newTestSession(t, store)

	for i := 0; i < 5; i++ {
		if _, err := sm.Broadcast(context.Background(), sid, "notify", nil); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}

	events, err := sm.ReplayFrom(context.Background(), sid, 0)
	if err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want capped to 2", len(events))
	}
	if events[len(events)-1].ID != 5 {
		t.Fatalf("last replayed event id = %d, want 5 (most recent kept)", events[len(events)-1].ID)
	}
}

func TestStreamManagerBroadcastToAllSnapshotsSessionList(t *testing.T) {
	store := NewMemoryStore(0)
	sm := NewStreamManager(store, DefaultStreamConfig())
	a := newTestSession(t, store)
	b := newTestSession(t, store)

	failed := sm.BroadcastToAll(context.Background(), "ping", nil)
	if len(failed) != 0 {
		t.Fatalf("failed = %v, want none", failed)
	}

	for _, sid := range []string{a, b} {
		events, err := sm.ReplayFrom(context.Background(), sid, 0)
		if err != nil {
			t.Fatalf("ReplayFrom(%q): %v", sid, err)
		}
		if len(events) != 1 {
			t.Fatalf("session %q got %d events, want 1", sid, len(events))
		}
	}
}

func TestStreamManagerCloseSessionClosesConnections(t *testing.T) {
	store := NewMemoryStore(0)
	sm := NewStreamManager(store, DefaultStreamConfig())
	sid := newTestSession(t, store)

	_, ch, _ := sm.RegisterConnection(sid)
	sm.CloseSession(sid)

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("channel should be closed, got a value instead")
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("channel was not closed")
	}

	stats := sm.Stats()
	if stats.ActiveSessions != 0 || stats.ActiveConnections != 0 {
		t.Fatalf("Stats() = %+v, want zeroed after CloseSession", stats)
	}
}

func TestStreamManagerUnregisterConnectionRemovesEmptySession(t *testing.T) {
	store := NewMemoryStore(0)
	sm := NewStreamManager(store, DefaultStreamConfig())
	sid := newTestSession(t, store)

	_, _, unreg := sm.RegisterConnection(sid)
	if stats := sm.Stats(); stats.ActiveSessions != 1 {
		t.Fatalf("Stats().ActiveSessions = %d, want 1", stats.ActiveSessions)
	}
	unreg()
	if stats := sm.Stats(); stats.ActiveSessions != 0 {
		t.Fatalf("Stats().ActiveSessions after unregister = %d, want 0", stats.ActiveSessions)
	}
}
