package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is the persisted view of an MCP session (spec §3.1).
type SessionRecord struct {
	ID              string
	ProtocolVersion string
	CreatedAt       time.Time
	LastSeenAt      time.Time
	Initialized     bool

	// ClientCapabilities is the client's capabilities object from its
	// initialize request. Set once at initialize and immutable after.
	ClientCapabilities map[string]any
	// ServerCapabilities is this server's own capabilities snapshot,
	// fixed at session creation (§3.1: "snapshot at create").
	ServerCapabilities map[string]any
	// Metadata is an application-defined mapping; the framework seeds
	// it with the client's clientInfo but never reads it itself.
	Metadata map[string]any

	State map[string]any
}

// Event is a single buffered server-to-client message, addressable by a
// per-session monotonic id for SSE resumption (spec §3.2).
type Event struct {
	ID        uint64
	SessionID string
	Name      string
	Data      []byte
}

// Store is the Session & Event Store contract (C1). Implementations must be
// safe for concurrent use. Session ids are opaque to callers; CreateSession
// is the only place one is minted.
type Store interface {
	// CreateSession mints a new session. clientCapabilities, serverCapabilities,
	// and metadata may be nil; they are stored verbatim on the record (§3.1).
	CreateSession(ctx context.Context, protocolVersion string, clientCapabilities, serverCapabilities, metadata map[string]any) (*SessionRecord, error)
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	TouchSession(ctx context.Context, id string) error
	MarkInitialized(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]string, error)

	SetState(ctx context.Context, id, key string, value any) error
	GetState(ctx context.Context, id, key string) (any, bool, error)
	RemoveState(ctx context.Context, id, key string) error

	AppendEvent(ctx context.Context, sessionID, name string, data []byte) (*Event, error)
	EventsSince(ctx context.Context, sessionID string, afterID uint64) ([]*Event, error)

	// ExpireSessions deletes sessions whose LastSeenAt is older than
	// maxAge and returns the ids removed.
	ExpireSessions(ctx context.Context, maxAge time.Duration) ([]string, error)

	Close() error
}

// NewSessionID mints an opaque session identifier: a UUIDv7 (time-ordered,
// so storage indices stay roughly insertion-sorted) encoded as 32 lowercase
// hex characters, no separators, per P3.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system entropy source is broken; fall
		// back to a random v4 rather than panic.
		id = uuid.New()
	}
	b := id[:]
	const hex = "0123456789abcdef"
	out := make([]byte, 32)
	for i, v := range b {
		out[i*2] = hex[v>>4]
		out[i*2+1] = hex[v&0x0f]
	}
	return string(out)
}

const (
	// DefaultMaxEventsPerSession bounds the in-memory replay buffer; the
	// oldest event is trimmed once a session exceeds this count.
	DefaultMaxEventsPerSession = 1000
)

type memorySession struct {
	mu      sync.Mutex
	record  SessionRecord
	events  []*Event
	nextID  uint64
	maxKept int
}

// MemoryStore is an in-process Store. Durability is process-lifetime only:
// a restart loses all sessions and events, which is an accepted tradeoff
// for a non-durable driver, not a silent no-op (see SPEC_FULL Open
// Question 2).
type MemoryStore struct {
	mu             sync.RWMutex
	sessions       map[string]*memorySession
	maxEventsPerID int
}

// NewMemoryStore constructs a MemoryStore. maxEventsPerSession <= 0 uses
// DefaultMaxEventsPerSession.
func NewMemoryStore(maxEventsPerSession int) *MemoryStore {
	if maxEventsPerSession <= 0 {
		maxEventsPerSession = DefaultMaxEventsPerSession
	}
	return &MemoryStore{
		sessions:       make(map[string]*memorySession),
		maxEventsPerID: maxEventsPerSession,
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, protocolVersion string, clientCapabilities, serverCapabilities, metadata map[string]any) (*SessionRecord, error) {
	now := time.Now()
	sess := &memorySession{
		record: SessionRecord{
			ID:                 NewSessionID(),
			ProtocolVersion:    protocolVersion,
			CreatedAt:          now,
			LastSeenAt:         now,
			ClientCapabilities: clientCapabilities,
			ServerCapabilities: serverCapabilities,
			Metadata:           metadata,
			State:              make(map[string]any),
		},
		maxKept: m.maxEventsPerID,
	}
	m.mu.Lock()
	m.sessions[sess.record.ID] = sess
	m.mu.Unlock()

	rec := sess.record
	rec.State = cloneState(rec.State)
	return &rec, nil
}

func (m *MemoryStore) find(id string) (*memorySession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	sess, ok := m.find(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	rec := sess.record
	rec.State = cloneState(rec.State)
	return &rec, nil
}

func (m *MemoryStore) TouchSession(ctx context.Context, id string) error {
	sess, ok := m.find(id)
	if !ok {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	sess.record.LastSeenAt = time.Now()
	sess.mu.Unlock()
	return nil
}

func (m *MemoryStore) MarkInitialized(ctx context.Context, id string) error {
	sess, ok := m.find(id)
	if !ok {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	sess.record.Initialized = true
	sess.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) SetState(ctx context.Context, id, key string, value any) error {
	sess, ok := m.find(id)
	if !ok {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	sess.record.State[key] = value
	sess.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetState(ctx context.Context, id, key string) (any, bool, error) {
	sess, ok := m.find(id)
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	v, ok := sess.record.State[key]
	return v, ok, nil
}

func (m *MemoryStore) RemoveState(ctx context.Context, id, key string) error {
	sess, ok := m.find(id)
	if !ok {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	delete(sess.record.State, key)
	sess.mu.Unlock()
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, sessionID, name string, data []byte) (*Event, error) {
	sess, ok := m.find(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.nextID++
	evt := &Event{ID: sess.nextID, SessionID: sessionID, Name: name, Data: data}
	sess.events = append(sess.events, evt)
	if len(sess.events) > sess.maxKept {
		sess.events = sess.events[len(sess.events)-sess.maxKept:]
	}
	return evt, nil
}

func (m *MemoryStore) EventsSince(ctx context.Context, sessionID string, afterID uint64) ([]*Event, error) {
	sess, ok := m.find(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	var out []*Event
	for _, evt := range sess.events {
		if evt.ID > afterID {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (m *MemoryStore) ExpireSessions(ctx context.Context, maxAge time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var removed []string
	for id, sess := range m.sessions {
		sess.mu.Lock()
		last := sess.record.LastSeenAt
		sess.mu.Unlock()
		if now.Sub(last) > maxAge {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
