package mcp

import (
	"context"
	"log/slog"
	"time"

	"turul-mcp-go/internal/audit"
)

// LifecycleEvent is published on a SessionManager's lifecycle hub whenever a
// session is created or deleted, so admin tooling can follow session churn
// live without polling the Store.
type LifecycleEvent struct {
	Type      string // "session_created" or "session_deleted"
	SessionID string
	At        time.Time
}

// SessionContext is the capability surface handed to method handlers: state
// accessors plus notification helpers. It is a plain interface rather than
// an inheritance hierarchy — handlers that don't need notifications simply
// don't call those methods (Design Notes: collapse fine-grained traits into
// one capability-shaped interface).
type SessionContext interface {
	SessionID() string
	ProtocolVersion() string
	IsInitialized() bool

	GetState(ctx context.Context, key string) (any, bool, error)
	SetState(ctx context.Context, key string, value any) error
	RemoveState(ctx context.Context, key string) error

	NotifyProgress(ctx context.Context, token string, progress, total float64) error
	NotifyMessage(ctx context.Context, level, logger string, data any) error
	NotifyResourceUpdated(ctx context.Context, uri string) error
	NotifyToolsListChanged(ctx context.Context) error
	NotifyResourcesListChanged(ctx context.Context) error
	NotifyPromptsListChanged(ctx context.Context) error
}

// SessionManager owns session creation/lookup/expiry and fabricates
// SessionContext values bound to a specific session (C3).
type SessionManager struct {
	store           Store
	stream          *StreamManager
	sessionTimeout  time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
	lifecycle       *audit.GenericHub
}

// NewSessionManager wires a Store and StreamManager together. A
// sessionTimeout or cleanupInterval of 0 disables expiry entirely.
func NewSessionManager(store Store, stream *StreamManager, sessionTimeout, cleanupInterval time.Duration, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		store:           store,
		stream:          stream,
		sessionTimeout:  sessionTimeout,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		lifecycle:       audit.NewGenericHub(),
	}
}

func (m *SessionManager) CreateSession(ctx context.Context, protocolVersion string, clientCapabilities, serverCapabilities, metadata map[string]any) (*SessionRecord, error) {
	rec, err := m.store.CreateSession(ctx, protocolVersion, clientCapabilities, serverCapabilities, metadata)
	if err == nil {
		m.publishLifecycle("session_created", rec.ID, rec.CreatedAt)
	}
	return rec, err
}

// LifecycleEvents subscribes to session create/delete notifications.
func (m *SessionManager) LifecycleEvents() (uint64, <-chan any) {
	return m.lifecycle.Subscribe()
}

// StopLifecycleEvents unsubscribes a listener registered via LifecycleEvents.
func (m *SessionManager) StopLifecycleEvents(id uint64) {
	m.lifecycle.Unsubscribe(id)
}

func (m *SessionManager) publishLifecycle(eventType, sessionID string, at time.Time) {
	m.lifecycle.Publish(LifecycleEvent{Type: eventType, SessionID: sessionID, At: at})
}

func (m *SessionManager) Get(ctx context.Context, id string) (*SessionRecord, error) {
	return m.store.GetSession(ctx, id)
}

func (m *SessionManager) MarkInitialized(ctx context.Context, id string) error {
	return m.store.MarkInitialized(ctx, id)
}

func (m *SessionManager) Touch(ctx context.Context, id string) error {
	return m.store.TouchSession(ctx, id)
}

func (m *SessionManager) Delete(ctx context.Context, id string) error {
	m.stream.CloseSession(id)
	err := m.store.DeleteSession(ctx, id)
	if err == nil {
		m.publishLifecycle("session_deleted", id, time.Now())
	}
	return err
}

// Context fabricates a SessionContext bound to id. It does not verify the
// session exists; callers resolve the session via Get first (lifecycle
// gate, §4.7) and only then ask for a Context to act within it.
func (m *SessionManager) Context(id, protocolVersion string, initialized bool) SessionContext {
	return &sessionContext{manager: m, id: id, protocolVersion: protocolVersion, initialized: initialized}
}

// StartCleanup runs the periodic expiry sweep until ctx is cancelled,
// mirroring the teacher's ticker-driven cleanup goroutines
// (streamable_http.go cleanupLoop, oauth store.cleanupLoop).
func (m *SessionManager) StartCleanup(ctx context.Context) {
	if m.sessionTimeout <= 0 || m.cleanupInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := m.store.ExpireSessions(ctx, m.sessionTimeout)
				if err != nil {
					m.logger.Error("session expiry sweep failed", "error", err)
					continue
				}
				for _, id := range removed {
					m.stream.CloseSession(id)
				}
				if len(removed) > 0 {
					m.logger.Debug("expired sessions", "count", len(removed))
				}
			}
		}
	}()
}

type sessionContext struct {
	manager         *SessionManager
	id              string
	protocolVersion string
	initialized     bool
}

func (c *sessionContext) SessionID() string        { return c.id }
func (c *sessionContext) ProtocolVersion() string   { return c.protocolVersion }
func (c *sessionContext) IsInitialized() bool       { return c.initialized }

func (c *sessionContext) GetState(ctx context.Context, key string) (any, bool, error) {
	return c.manager.store.GetState(ctx, c.id, key)
}

func (c *sessionContext) SetState(ctx context.Context, key string, value any) error {
	return c.manager.store.SetState(ctx, c.id, key, value)
}

func (c *sessionContext) RemoveState(ctx context.Context, key string) error {
	return c.manager.store.RemoveState(ctx, c.id, key)
}

func (c *sessionContext) NotifyProgress(ctx context.Context, token string, progress, total float64) error {
	params := map[string]any{"progressToken": token, "progress": progress}
	if total > 0 {
		params["total"] = total
	}
	_, err := c.manager.stream.Broadcast(ctx, c.id, "notifications/progress", params)
	return err
}

func (c *sessionContext) NotifyMessage(ctx context.Context, level, logger string, data any) error {
	params := map[string]any{"level": level, "data": data}
	if logger != "" {
		params["logger"] = logger
	}
	_, err := c.manager.stream.Broadcast(ctx, c.id, "notifications/message", params)
	return err
}

func (c *sessionContext) NotifyResourceUpdated(ctx context.Context, uri string) error {
	_, err := c.manager.stream.Broadcast(ctx, c.id, "notifications/resources/updated", map[string]any{"uri": uri})
	return err
}

func (c *sessionContext) NotifyToolsListChanged(ctx context.Context) error {
	_, err := c.manager.stream.Broadcast(ctx, c.id, "notifications/tools/list_changed", map[string]any{})
	return err
}

func (c *sessionContext) NotifyResourcesListChanged(ctx context.Context) error {
	_, err := c.manager.stream.Broadcast(ctx, c.id, "notifications/resources/list_changed", map[string]any{})
	return err
}

func (c *sessionContext) NotifyPromptsListChanged(ctx context.Context) error {
	_, err := c.manager.stream.Broadcast(ctx, c.id, "notifications/prompts/list_changed", map[string]any{})
	return err
}
