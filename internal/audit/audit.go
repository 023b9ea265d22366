package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Event represents an audit log entry for one dispatched JSON-RPC call.
type Event struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id,omitempty"`
	Method     string    `json:"method"`
	EventType  string    `json:"event_type"` // "dispatch", "session_created", "session_expired", "error"
	DurationMs int64     `json:"duration_ms,omitempty"`
	Success    bool      `json:"success"`
	ErrorMsg   string    `json:"error_msg,omitempty"`
	ClientAddr string    `json:"client_addr,omitempty"`
}

// Logger handles audit logging to SQLite.
type Logger struct {
	db          *sql.DB
	mu          sync.Mutex
	batchSize   int
	flushTicker *time.Ticker
	buffer      []Event
	bufferMu    sync.Mutex
	hub         *Hub
}

// NewLogger creates a new audit logger backed by dbPath.
func NewLogger(dbPath string) (*Logger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		session_id TEXT,
		method TEXT NOT NULL,
		event_type TEXT NOT NULL,
		duration_ms INTEGER,
		success BOOLEAN NOT NULL,
		error_msg TEXT,
		client_addr TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_session_id ON audit_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_method ON audit_events(method);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
	`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger := &Logger{
		db:        db,
		batchSize: 100,
		buffer:    make([]Event, 0, 100),
		hub:       NewHub(),
	}

	logger.flushTicker = time.NewTicker(5 * time.Second)
	go logger.backgroundFlush()

	return logger, nil
}

// LogDispatch logs one dispatched JSON-RPC method call.
func (l *Logger) LogDispatch(sessionID, method string, duration time.Duration, success bool, errMsg, clientAddr string) {
	l.bufferEvent(Event{
		Timestamp:  time.Now(),
		SessionID:  sessionID,
		Method:     method,
		EventType:  "dispatch",
		DurationMs: duration.Milliseconds(),
		Success:    success,
		ErrorMsg:   errMsg,
		ClientAddr: clientAddr,
	})
}

// LogSessionEvent logs a session lifecycle event (created/expired/deleted).
func (l *Logger) LogSessionEvent(sessionID, eventType string) {
	l.bufferEvent(Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		EventType: eventType,
		Success:   true,
	})
}

// LogError logs a standalone error event not tied to a single dispatch.
func (l *Logger) LogError(sessionID, eventType, errMsg, clientAddr string) {
	l.bufferEvent(Event{
		Timestamp:  time.Now(),
		SessionID:  sessionID,
		EventType:  eventType,
		Success:    false,
		ErrorMsg:   errMsg,
		ClientAddr: clientAddr,
	})
}

// EventHub returns the live event hub for real-time subscribers.
func (l *Logger) EventHub() *Hub {
	return l.hub
}

func (l *Logger) bufferEvent(event Event) {
	l.hub.Publish(event)

	l.bufferMu.Lock()
	defer l.bufferMu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= l.batchSize {
		go l.Flush()
	}
}

// Flush writes all buffered events to the database.
func (l *Logger) Flush() error {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return nil
	}

	events := make([]Event, len(l.buffer))
	copy(events, l.buffer)
	l.buffer = l.buffer[:0]
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_events (
			timestamp, session_id, method, event_type, duration_ms, success, error_msg, client_addr
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		_, err := stmt.Exec(
			event.Timestamp,
			event.SessionID,
			event.Method,
			event.EventType,
			event.DurationMs,
			event.Success,
			event.ErrorMsg,
			event.ClientAddr,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return tx.Commit()
}

func (l *Logger) backgroundFlush() {
	for range l.flushTicker.C {
		_ = l.Flush()
	}
}

// QueryOptions represents query parameters for retrieving audit events.
type QueryOptions struct {
	SessionID string
	Method    string
	EventType string
	StartTime time.Time
	EndTime   time.Time
	Success   *bool
	Limit     int
	Offset    int
	OrderBy   string // "timestamp", "duration_ms"
	OrderDir  string // "ASC", "DESC"
}

// Query retrieves audit events based on filters.
func (l *Logger) Query(opts QueryOptions) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `
		SELECT id, timestamp, session_id, method, event_type, duration_ms, success, error_msg, client_addr
		FROM audit_events
		WHERE 1=1
	`
	args := make([]interface{}, 0)

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Method != "" {
		query += " AND method = ?"
		args = append(args, opts.Method)
	}
	if opts.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, opts.EventType)
	}
	if !opts.StartTime.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.StartTime)
	}
	if !opts.EndTime.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.EndTime)
	}
	if opts.Success != nil {
		query += " AND success = ?"
		args = append(args, *opts.Success)
	}

	orderBy := "timestamp"
	if opts.OrderBy != "" {
		orderBy = opts.OrderBy
	}
	orderDir := "DESC"
	if opts.OrderDir != "" {
		orderDir = opts.OrderDir
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderBy, orderDir)

	limit := 100
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, opts.Offset)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(
			&event.ID, &event.Timestamp, &event.SessionID, &event.Method,
			&event.EventType, &event.DurationMs, &event.Success,
			&event.ErrorMsg, &event.ClientAddr,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	return events, nil
}

// GetStats returns aggregated dispatch statistics since the given time.
func (l *Logger) GetStats(since time.Time) (*Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	baseWhere := "WHERE event_type = 'dispatch'"
	args := make([]interface{}, 0)
	if !since.IsZero() {
		baseWhere += " AND timestamp >= ?"
		args = append(args, since)
	}

	totalsQuery := `
		SELECT
			COUNT(*) as total_requests,
			SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) as successful_requests,
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END) as failed_requests,
			AVG(CASE WHEN duration_ms > 0 THEN duration_ms ELSE NULL END) as avg_duration_ms,
			MAX(duration_ms) as max_duration_ms
		FROM audit_events ` + baseWhere

	var stats Stats
	var avgDuration sql.NullFloat64

	err := l.db.QueryRow(totalsQuery, args...).Scan(
		&stats.TotalRequests,
		&stats.SuccessfulRequests,
		&stats.FailedRequests,
		&avgDuration,
		&stats.MaxDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	if avgDuration.Valid {
		stats.AvgDurationMs = int64(avgDuration.Float64)
	}
	if stats.TotalRequests > 0 {
		stats.ErrorRate = float64(stats.FailedRequests) / float64(stats.TotalRequests) * 100
	}

	topMethodsQuery := `
		SELECT
			method,
			COUNT(*) as calls,
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END) as errors,
			AVG(CASE WHEN duration_ms > 0 THEN duration_ms ELSE NULL END) as avg_ms
		FROM audit_events ` + baseWhere + `
		GROUP BY method
		ORDER BY calls DESC
		LIMIT 10`

	rows, err := l.db.Query(topMethodsQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query top methods: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m MethodStats
		var avgMs sql.NullFloat64
		if err := rows.Scan(&m.Method, &m.Calls, &m.Errors, &avgMs); err != nil {
			return nil, fmt.Errorf("scan top method: %w", err)
		}
		if avgMs.Valid {
			m.AvgMs = int64(avgMs.Float64)
		}
		if m.Calls > 0 {
			m.ErrorRate = float64(m.Errors) / float64(m.Calls) * 100
		}
		stats.TopMethods = append(stats.TopMethods, m)
	}

	recentQuery := `
		SELECT id, timestamp, session_id, method, event_type, duration_ms, success, error_msg, client_addr
		FROM audit_events ` + baseWhere + `
		ORDER BY timestamp DESC
		LIMIT 20`

	rows2, err := l.db.Query(recentQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		var event Event
		if err := rows2.Scan(
			&event.ID, &event.Timestamp, &event.SessionID, &event.Method,
			&event.EventType, &event.DurationMs, &event.Success,
			&event.ErrorMsg, &event.ClientAddr,
		); err != nil {
			return nil, fmt.Errorf("scan recent event: %w", err)
		}
		stats.RecentEvents = append(stats.RecentEvents, event)
	}

	return &stats, nil
}

// Stats represents aggregated dispatch statistics.
type Stats struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	ErrorRate          float64       `json:"error_rate"`
	AvgDurationMs      int64         `json:"avg_duration_ms"`
	MaxDurationMs      int64         `json:"max_duration_ms"`
	TopMethods         []MethodStats `json:"top_methods"`
	RecentEvents       []Event       `json:"recent_events"`
}

// MethodStats represents aggregated statistics for a single JSON-RPC method.
type MethodStats struct {
	Method    string  `json:"method"`
	Calls     int64   `json:"calls"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	AvgMs     int64   `json:"avg_ms"`
}

// Close closes the audit logger and flushes any remaining events.
func (l *Logger) Close() error {
	if l.flushTicker != nil {
		l.flushTicker.Stop()
	}
	if err := l.Flush(); err != nil {
		return err
	}
	return l.db.Close()
}
