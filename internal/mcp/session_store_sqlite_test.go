package mcp

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T, maxEvents int) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := NewSQLiteStore(path, maxEvents)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreCapabilitiesAndMetadataSurviveRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	clientCaps := map[string]any{"sampling": map[string]any{}}
	serverCaps := map[string]any{"logging": map[string]any{}}
	metadata := map[string]any{"clientInfo": map[string]any{"name": "sqlite-client"}}

	rec, err := store.CreateSession(ctx, "2025-06-18", clientCaps, serverCaps, metadata)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ClientCapabilities["sampling"] == nil {
		t.Fatalf("ClientCapabilities not round-tripped through sqlite: %+v", got.ClientCapabilities)
	}
	if got.ServerCapabilities["logging"] == nil {
		t.Fatalf("ServerCapabilities not round-tripped through sqlite: %+v", got.ServerCapabilities)
	}
	if got.Metadata["clientInfo"] == nil {
		t.Fatalf("Metadata not round-tripped through sqlite: %+v", got.Metadata)
	}
}

func TestSQLiteStoreCreateGetSession(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	rec, err := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ProtocolVersion != "2025-06-18" {
		t.Fatalf("ProtocolVersion = %q, want 2025-06-18", got.ProtocolVersion)
	}
	if got.Initialized {
		t.Fatal("new session should not be initialized")
	}
}

func TestSQLiteStoreGetSessionNotFound(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	if _, err := store.GetSession(context.Background(), "missing"); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStoreMarkInitialized(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	if err := store.MarkInitialized(ctx, rec.ID); err != nil {
		t.Fatalf("MarkInitialized: %v", err)
	}
	got, _ := store.GetSession(ctx, rec.ID)
	if !got.Initialized {
		t.Fatal("session should be initialized")
	}
}

func TestSQLiteStoreMarkInitializedUnknownSession(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	if err := store.MarkInitialized(context.Background(), "missing"); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStoreStateRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	if err := store.SetState(ctx, rec.ID, "key", "value"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	v, ok, err := store.GetState(ctx, rec.ID, "key")
	if err != nil || !ok || v != "value" {
		t.Fatalf("GetState = %v, %v, %v, want value, true, nil", v, ok, err)
	}

	if err := store.RemoveState(ctx, rec.ID, "key"); err != nil {
		t.Fatalf("RemoveState: %v", err)
	}
	_, ok, _ = store.GetState(ctx, rec.ID, "key")
	if ok {
		t.Fatal("key should be gone after RemoveState")
	}
}

func TestSQLiteStoreDeleteSession(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	store.AppendEvent(ctx, rec.ID, "notifications/message", []byte(`{}`))

	if err := store.DeleteSession(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, rec.ID); err != ErrSessionNotFound {
		t.Fatal("session should be gone")
	}
	events, err := store.EventsSince(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("EventsSince after delete: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events after delete = %d, want 0 (cascade)", len(events))
	}
}

func TestSQLiteStoreDeleteSessionNotFound(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	if err := store.DeleteSession(context.Background(), "missing"); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStoreListSessions(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()
	a, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	b, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	ids, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("ids = %v, want both %s and %s", ids, a.ID, b.ID)
	}
}

func TestSQLiteStoreAppendEventMonotonicIDs(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	for i := 0; i < 3; i++ {
		evt, err := store.AppendEvent(ctx, rec.ID, "notifications/message", []byte(`{}`))
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if evt.ID != uint64(i+1) {
			t.Fatalf("event id = %d, want %d", evt.ID, i+1)
		}
	}
}

func TestSQLiteStoreAppendEventUnknownSession(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	if _, err := store.AppendEvent(context.Background(), "missing", "x", []byte(`{}`)); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteStoreEventsSinceExcludesAtOrBelow(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	for i := 0; i < 5; i++ {
		store.AppendEvent(ctx, rec.ID, "notifications/message", []byte(`{}`))
	}

	events, err := store.EventsSince(ctx, rec.ID, 3)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ID != 4 || events[1].ID != 5 {
		t.Fatalf("events = %+v, want ids 4,5", events)
	}
}

func TestSQLiteStoreEventCapTrimsOldest(t *testing.T) {
	store := newTestSQLiteStore(t, 3)
	ctx := context.Background()
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	for i := 0; i < 5; i++ {
		if _, err := store.AppendEvent(ctx, rec.ID, "notifications/message", []byte(`{}`)); err != nil {
			t.Fatalf("AppendEvent #%d: %v", i, err)
		}
	}

	events, err := store.EventsSince(ctx, rec.ID, 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3 after cap trim", len(events))
	}
	want := []uint64{3, 4, 5}
	for i, evt := range events {
		if evt.ID != want[i] {
			t.Fatalf("events[%d].ID = %d, want %d", i, evt.ID, want[i])
		}
	}
}

func TestSQLiteStoreExpireSessions(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)
	store.AppendEvent(ctx, rec.ID, "x", []byte(`{}`))

	time.Sleep(15 * time.Millisecond)
	expired, err := store.ExpireSessions(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ExpireSessions: %v", err)
	}
	if len(expired) != 1 || expired[0] != rec.ID {
		t.Fatalf("expired = %v, want [%s]", expired, rec.ID)
	}
	if _, err := store.GetSession(ctx, rec.ID); err != ErrSessionNotFound {
		t.Fatal("expired session should be deleted")
	}
	events, _ := store.EventsSince(ctx, rec.ID, 0)
	if len(events) != 0 {
		t.Fatal("expired session's events should be cascade-deleted")
	}
}

func TestSQLiteStoreExpireSessionsKeepsFresh(t *testing.T) {
	store := newTestSQLiteStore(t, 0)
	ctx := context.Background()
	rec, _ := store.CreateSession(ctx, "2025-06-18", nil, nil, nil)

	expired, err := store.ExpireSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpireSessions: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired = %v, want none", expired)
	}
	if _, err := store.GetSession(ctx, rec.ID); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
}
