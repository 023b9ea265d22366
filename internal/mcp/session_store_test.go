package mcp

import (
	"context"
	"regexp"
	"testing"
	"time"
)

var hex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestNewSessionIDFormat(t *testing.T) {
	id := NewSessionID()
	if !hex32.MatchString(id) {
		t.Fatalf("session id %q is not 32 lowercase hex characters", id)
	}
}

func TestNewSessionIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func TestMemoryStoreCreateSessionPersistsCapabilitiesAndMetadata(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	clientCaps := map[string]any{"roots": map[string]any{"listChanged": true}}
	serverCaps := map[string]any{"tools": map[string]any{"listChanged": true}}
	metadata := map[string]any{"clientInfo": map[string]any{"name": "test-client", "version": "1.0"}}

	rec, err := store.CreateSession(ctx, "2025-06-18", clientCaps, serverCaps, metadata)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if rec.ClientCapabilities["roots"] == nil {
		t.Fatalf("ClientCapabilities not persisted on create: %+v", rec.ClientCapabilities)
	}
	if rec.ServerCapabilities["tools"] == nil {
		t.Fatalf("ServerCapabilities not persisted on create: %+v", rec.ServerCapabilities)
	}
	if rec.Metadata["clientInfo"] == nil {
		t.Fatalf("Metadata not persisted on create: %+v", rec.Metadata)
	}

	fetched, err := store.GetSession(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if fetched.ClientCapabilities["roots"] == nil {
		t.Fatalf("GetSession lost ClientCapabilities: %+v", fetched.ClientCapabilities)
	}
	if fetched.ServerCapabilities["tools"] == nil {
		t.Fatalf("GetSession lost ServerCapabilities: %+v", fetched.ServerCapabilities)
	}
	if fetched.Metadata["clientInfo"] == nil {
		t.Fatalf("GetSession lost Metadata: %+v", fetched.Metadata)
	}
}

func TestMemoryStoreCreateGetSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)

	rec, err := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if rec.ProtocolVersion != "2025-06-18" {
		t.Fatalf("ProtocolVersion = %q, want 2025-06-18", rec.ProtocolVersion)
	}
	if rec.Initialized {
		t.Fatal("new session must not be Initialized")
	}

	got, err := store.GetSession(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("GetSession returned id %q, want %q", got.ID, rec.ID)
	}
}

func TestMemoryStoreGetSessionNotFound(t *testing.T) {
	store := NewMemoryStore(0)
	_, err := store.GetSession(context.Background(), "missing")
	if err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreMarkInitialized(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	if err := store.MarkInitialized(ctx, rec.ID); err != nil {
		t.Fatalf("MarkInitialized: %v", err)
	}
	got, _ := store.GetSession(ctx, rec.ID)
	if !got.Initialized {
		t.Fatal("session should be Initialized after MarkInitialized")
	}
}

func TestMemoryStoreStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	if err := store.SetState(ctx, rec.ID, "progressToken", 42); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	v, ok, err := store.GetState(ctx, rec.ID, "progressToken")
	if err != nil || !ok {
		t.Fatalf("GetState: v=%v ok=%v err=%v", v, ok, err)
	}
	if v.(int) != 42 {
		t.Fatalf("GetState value = %v, want 42", v)
	}

	if err := store.RemoveState(ctx, rec.ID, "progressToken"); err != nil {
		t.Fatalf("RemoveState: %v", err)
	}
	if _, ok, _ := store.GetState(ctx, rec.ID, "progressToken"); ok {
		t.Fatal("state should be gone after RemoveState")
	}
}

func TestMemoryStoreStateIsolatedAcrossSnapshots(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	rec.State["mutated"] = true
	got, _ := store.GetSession(ctx, rec.ID)
	if _, ok := got.State["mutated"]; ok {
		t.Fatal("mutating a returned SessionRecord's State must not affect the store")
	}
}

func TestMemoryStoreDeleteSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	if err := store.DeleteSession(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := store.DeleteSession(ctx, rec.ID); err != ErrSessionNotFound {
		t.Fatalf("second DeleteSession err = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStoreListSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	a, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	b, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	ids, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}
	seen := map[string]bool{ids[0]: true, ids[1]: true}
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("ListSessions = %v, want both %q and %q", ids, a.ID, b.ID)
	}
}

func TestMemoryStoreAppendEventMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	for i := uint64(1); i <= 5; i++ {
		evt, err := store.AppendEvent(ctx, rec.ID, "notify", []byte("x"))
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if evt.ID != i {
			t.Fatalf("event id = %d, want %d", evt.ID, i)
		}
	}
}

func TestMemoryStoreEventsSinceExcludesAtOrBelow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	for i := 0; i < 5; i++ {
		store.AppendEvent(ctx, rec.ID, "notify", []byte("x"))
	}

	events, err := store.EventsSince(ctx, rec.ID, 3)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	for _, e := range events {
		if e.ID <= 3 {
			t.Fatalf("EventsSince(3) returned event id %d", e.ID)
		}
	}
}

func TestMemoryStoreEventCapTrimsOldest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	for i := 0; i < 5; i++ {
		store.AppendEvent(ctx, rec.ID, "notify", []byte("x"))
	}

	events, err := store.EventsSince(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3 (capped)", len(events))
	}
	if events[0].ID != 3 {
		t.Fatalf("oldest kept event id = %d, want 3", events[0].ID)
	}
	if events[len(events)-1].ID != 5 {
		t.Fatalf("newest kept event id = %d, want 5", events[len(events)-1].ID)
	}
}

func TestMemoryStoreExpireSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	stale, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	fresh, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	store.mu.RLock()
	store.sessions[stale.ID].record.LastSeenAt = time.Now().Add(-time.Hour)
	store.mu.RUnlock()

	removed, err := store.ExpireSessions(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ExpireSessions: %v", err)
	}
	if len(removed) != 1 || removed[0] != stale.ID {
		t.Fatalf("removed = %v, want [%q]", removed, stale.ID)
	}
	if _, err := store.GetSession(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh session should survive ExpireSessions: %v", err)
	}
}

func TestMemoryStoreAppendEventUnknownSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	if _, err := store.AppendEvent(ctx, "nope", "x", nil); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}
