package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by modernc.org/sqlite. It grounds
// per-session event ordering in a database-level serialization mutex
// rather than row locking, since SQLite's writer is single-threaded
// anyway (original_source/turul-mcp-session-storage/sqlite.rs serializes
// the same way, via a connection-pool mutex).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.Mutex // serializes event-id allocation
	path      string
	maxEvents int
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed session store.
// maxEventsPerSession <= 0 disables trimming (unbounded event log).
func NewSQLiteStore(path string, maxEventsPerSession int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite session store: %w", err)
	}
	db.SetMaxOpenConns(1) // matches the single-writer discipline of modernc sqlite

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                  TEXT PRIMARY KEY,
		protocol_version    TEXT NOT NULL,
		created_at          DATETIME NOT NULL,
		last_seen_at        DATETIME NOT NULL,
		initialized         BOOLEAN NOT NULL DEFAULT 0,
		client_capabilities TEXT NOT NULL DEFAULT '{}',
		server_capabilities TEXT NOT NULL DEFAULT '{}',
		metadata            TEXT NOT NULL DEFAULT '{}',
		state               TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		id         INTEGER NOT NULL,
		name       TEXT NOT NULL,
		data       BLOB NOT NULL,
		PRIMARY KEY (session_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session store schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path, maxEvents: maxEventsPerSession}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, protocolVersion string, clientCapabilities, serverCapabilities, metadata map[string]any) (*SessionRecord, error) {
	now := time.Now().UTC()
	id := NewSessionID()

	clientCapJSON, err := json.Marshal(clientCapabilities)
	if err != nil {
		return nil, Wrap(KindInternal, "marshal client capabilities", err)
	}
	serverCapJSON, err := json.Marshal(serverCapabilities)
	if err != nil {
		return nil, Wrap(KindInternal, "marshal server capabilities", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, Wrap(KindInternal, "marshal session metadata", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, protocol_version, created_at, last_seen_at, initialized, client_capabilities, server_capabilities, metadata, state)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, '{}')`,
		id, protocolVersion, now, now, string(clientCapJSON), string(serverCapJSON), string(metadataJSON))
	if err != nil {
		return nil, Wrap(KindStorageBackend, "create session", err)
	}
	return &SessionRecord{
		ID:                 id,
		ProtocolVersion:    protocolVersion,
		CreatedAt:          now,
		LastSeenAt:         now,
		ClientCapabilities: clientCapabilities,
		ServerCapabilities: serverCapabilities,
		Metadata:           metadata,
		State:              make(map[string]any),
	}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, protocol_version, created_at, last_seen_at, initialized, client_capabilities, server_capabilities, metadata, state
		 FROM sessions WHERE id = ?`, id)

	var rec SessionRecord
	var clientCapJSON, serverCapJSON, metadataJSON, stateJSON string
	if err := row.Scan(&rec.ID, &rec.ProtocolVersion, &rec.CreatedAt, &rec.LastSeenAt, &rec.Initialized,
		&clientCapJSON, &serverCapJSON, &metadataJSON, &stateJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, Wrap(KindStorageBackend, "get session", err)
	}
	if clientCapJSON != "" && clientCapJSON != "null" {
		_ = json.Unmarshal([]byte(clientCapJSON), &rec.ClientCapabilities)
	}
	if serverCapJSON != "" && serverCapJSON != "null" {
		_ = json.Unmarshal([]byte(serverCapJSON), &rec.ServerCapabilities)
	}
	if metadataJSON != "" && metadataJSON != "null" {
		_ = json.Unmarshal([]byte(metadataJSON), &rec.Metadata)
	}
	rec.State = make(map[string]any)
	if stateJSON != "" {
		_ = json.Unmarshal([]byte(stateJSON), &rec.State)
	}
	return &rec, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return Wrap(KindStorageBackend, "touch session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkInitialized(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET initialized = 1 WHERE id = ?`, id)
	if err != nil {
		return Wrap(KindStorageBackend, "mark initialized", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return Wrap(KindStorageBackend, "delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, id)
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions`)
	if err != nil {
		return nil, Wrap(KindStorageBackend, "list sessions", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, Wrap(KindStorageBackend, "scan session id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SetState(ctx context.Context, id, key string, value any) error {
	rec, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	rec.State[key] = value
	return s.saveState(ctx, id, rec.State)
}

func (s *SQLiteStore) GetState(ctx context.Context, id, key string) (any, bool, error) {
	rec, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	v, ok := rec.State[key]
	return v, ok, nil
}

func (s *SQLiteStore) RemoveState(ctx context.Context, id, key string) error {
	rec, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	delete(rec.State, key)
	return s.saveState(ctx, id, rec.State)
}

func (s *SQLiteStore) saveState(ctx context.Context, id string, state map[string]any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return Wrap(KindInternal, "marshal session state", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return Wrap(KindStorageBackend, "save session state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendEvent allocates the next per-session event id under a process-wide
// mutex: modernc.org/sqlite serializes writers onto one connection anyway,
// so this avoids SELECT-then-INSERT races without needing SQL-level
// row locking.
func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionID, name string, data []byte) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var nextID int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM session_events WHERE session_id = ?`, sessionID)
	if err := row.Scan(&nextID); err != nil {
		return nil, Wrap(KindStorageBackend, "allocate event id", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, id, name, data) VALUES (?, ?, ?, ?)`,
		sessionID, nextID, name, data); err != nil {
		return nil, Wrap(KindStorageBackend, "append event", err)
	}

	if s.maxEvents > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM session_events WHERE session_id = ? AND id <= ?`,
			sessionID, nextID-int64(s.maxEvents)); err != nil {
			return nil, Wrap(KindStorageBackend, "trim old events", err)
		}
	}

	return &Event{ID: uint64(nextID), SessionID: sessionID, Name: name, Data: data}, nil
}

func (s *SQLiteStore) EventsSince(ctx context.Context, sessionID string, afterID uint64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, data FROM session_events WHERE session_id = ? AND id > ? ORDER BY id ASC`,
		sessionID, afterID)
	if err != nil {
		return nil, Wrap(KindStorageBackend, "query events since", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		evt := &Event{SessionID: sessionID}
		if err := rows.Scan(&evt.ID, &evt.Name, &evt.Data); err != nil {
			return nil, Wrap(KindStorageBackend, "scan event", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ExpireSessions(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge).UTC()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE last_seen_at < ?`, cutoff)
	if err != nil {
		return nil, Wrap(KindStorageBackend, "query expired sessions", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, Wrap(KindStorageBackend, "scan expired session", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, id)
	}
	return ids, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
