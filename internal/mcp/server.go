package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Config assembles every tunable knob needed to build a Server (§6.5).
type Config struct {
	ServerName      string
	ServerVersion   string
	Store           Store
	StreamConfig    StreamConfig
	SessionTimeout  time.Duration
	CleanupInterval time.Duration
	StrictLifecycle bool
	TaskTTL         time.Duration
	Transport       TransportConfig
	Auth            *Authenticator
	Logger          *slog.Logger
}

// Server is the fully wired MCP Streamable HTTP framework: a Registry
// capabilities are registered against, plus the C1-C7 machinery that
// turns registered capabilities into a working HTTP endpoint.
type Server struct {
	Registry  *Registry
	Sessions  *SessionManager
	Stream    *StreamManager
	Tasks     *TaskStore
	Lifecycle *Lifecycle
	Bridge    *HandlerBridge
	Transport *Transport
}

// New wires a Server from cfg. Callers register tools/resources/prompts
// on the returned Server's Registry before calling Start.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry()
	stream := NewStreamManager(cfg.Store, cfg.StreamConfig)
	sessions := NewSessionManager(cfg.Store, stream, cfg.SessionTimeout, cfg.CleanupInterval, logger)
	tasks := NewTaskStore(cfg.TaskTTL)
	lifecycle := NewLifecycle(cfg.StrictLifecycle)
	bridge := NewHandlerBridge(sessions, registry, tasks, lifecycle, cfg.ServerName, cfg.ServerVersion, logger)
	transport := NewTransport(bridge, stream, sessions, cfg.Auth, cfg.Transport, logger)

	return &Server{
		Registry:  registry,
		Sessions:  sessions,
		Stream:    stream,
		Tasks:     tasks,
		Lifecycle: lifecycle,
		Bridge:    bridge,
		Transport: transport,
	}
}

// Start launches background maintenance bound to ctx: the session expiry
// sweep and, on the same cleanup interval, the task TTL sweep. Cancelling
// ctx stops both.
func (s *Server) Start(ctx context.Context) {
	s.Sessions.StartCleanup(ctx)
	interval := s.Sessions.cleanupInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tasks.Sweep(ctx)
			}
		}
	}()
}

// Handler returns the http.Handler serving the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return s.Transport.Handler()
}
