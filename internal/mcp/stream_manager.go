package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// StreamConfig controls the Stream Manager's buffering and replay limits.
type StreamConfig struct {
	ChannelBufferSize int
	MaxReplayEvents   int
}

// DefaultStreamConfig matches the values the original framework shipped
// with (turul-http-mcp-server/stream_manager.rs StreamConfig::default).
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{ChannelBufferSize: 1000, MaxReplayEvents: 100}
}

type streamConn struct {
	id string
	ch chan *Event
}

// StreamManager fans out server-to-client notifications over SSE.
// MCP compliance rule: a notification is delivered to exactly one live
// connection for its session, never broadcast to every connection a
// session happens to have open (grounded on
// original_source/turul-http-mcp-server/stream_manager.rs
// broadcast_to_session, which stores the event then best-effort
// try_sends to a single receiver).
type StreamManager struct {
	mu          sync.RWMutex
	connections map[string]map[string]*streamConn // sessionID -> connID -> conn
	store       Store
	cfg         StreamConfig
}

// NewStreamManager constructs a StreamManager backed by store for event
// durability.
func NewStreamManager(store Store, cfg StreamConfig) *StreamManager {
	if cfg.ChannelBufferSize <= 0 {
		cfg.ChannelBufferSize = DefaultStreamConfig().ChannelBufferSize
	}
	if cfg.MaxReplayEvents <= 0 {
		cfg.MaxReplayEvents = DefaultStreamConfig().MaxReplayEvents
	}
	return &StreamManager{
		connections: make(map[string]map[string]*streamConn),
		store:       store,
		cfg:         cfg,
	}
}

func randomConnID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// RegisterConnection opens a new SSE connection for sessionID and returns
// its receive channel plus an unregister func the caller must defer.
func (sm *StreamManager) RegisterConnection(sessionID string) (connID string, ch <-chan *Event, unregister func()) {
	conn := &streamConn{id: randomConnID(), ch: make(chan *Event, sm.cfg.ChannelBufferSize)}

	sm.mu.Lock()
	if sm.connections[sessionID] == nil {
		sm.connections[sessionID] = make(map[string]*streamConn)
	}
	sm.connections[sessionID][conn.id] = conn
	sm.mu.Unlock()

	return conn.id, conn.ch, func() { sm.unregisterConnection(sessionID, conn.id) }
}

func (sm *StreamManager) unregisterConnection(sessionID, connID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	conns, ok := sm.connections[sessionID]
	if !ok {
		return
	}
	if conn, ok := conns[connID]; ok {
		close(conn.ch)
		delete(conns, connID)
	}
	if len(conns) == 0 {
		delete(sm.connections, sessionID)
	}
}

// Broadcast stores the notification (durability-first) then attempts a
// non-blocking delivery to exactly one live connection for sessionID. A
// session with no open connection still has the event durably recorded
// for later replay or POST-SSE draining.
func (sm *StreamManager) Broadcast(ctx context.Context, sessionID, name string, params any) (*Event, error) {
	payload, err := json.Marshal(Notification{JSONRPC: "2.0", Method: name, Params: params})
	if err != nil {
		return nil, Wrap(KindInternal, "marshal notification", err)
	}
	evt, err := sm.store.AppendEvent(ctx, sessionID, name, payload)
	if err != nil {
		return nil, err
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, conn := range sm.connections[sessionID] {
		select {
		case conn.ch <- evt:
		default:
		}
		break // deliver to exactly one connection, per the MCP compliance rule
	}
	return evt, nil
}

// BroadcastToAll sends the same notification to every session, taking a
// snapshot of session ids first so a concurrent DeleteSession can't skip
// or duplicate a delivery mid-iteration (SPEC_FULL Open Question 3).
// Returns the ids whose AppendEvent failed.
func (sm *StreamManager) BroadcastToAll(ctx context.Context, name string, params any) []string {
	ids, err := sm.store.ListSessions(ctx)
	if err != nil {
		return nil
	}
	var failed []string
	for _, id := range ids {
		if _, err := sm.Broadcast(ctx, id, name, params); err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}

// ReplayFrom returns buffered events after afterID for sessionID, capped
// at cfg.MaxReplayEvents (most recent ones kept).
func (sm *StreamManager) ReplayFrom(ctx context.Context, sessionID string, afterID uint64) ([]*Event, error) {
	events, err := sm.store.EventsSince(ctx, sessionID, afterID)
	if err != nil {
		return nil, err
	}
	if len(events) > sm.cfg.MaxReplayEvents {
		events = events[len(events)-sm.cfg.MaxReplayEvents:]
	}
	return events, nil
}

// StreamStats reports current fan-out load for observability.
type StreamStats struct {
	ActiveSessions    int
	ActiveConnections int
}

func (sm *StreamManager) Stats() StreamStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	stats := StreamStats{ActiveSessions: len(sm.connections)}
	for _, conns := range sm.connections {
		stats.ActiveConnections += len(conns)
	}
	return stats
}

// CloseSession tears down every open connection for a session, e.g. on
// explicit DELETE /mcp termination.
func (sm *StreamManager) CloseSession(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, conn := range sm.connections[sessionID] {
		close(conn.ch)
	}
	delete(sm.connections, sessionID)
}
