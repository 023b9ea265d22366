package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"turul-mcp-go/internal/ratelimit"
)

// TransportConfig controls the HTTP surface (§6.2).
type TransportConfig struct {
	MCPPath            string
	EnableCORS         bool
	CORSOrigin         string
	AllowedOrigins     []string
	EnableSSE          bool
	MaxRequestBytes    int64
	KeepaliveInterval  time.Duration
	PostSSESettleDelay time.Duration
	SessionRPM         int // 0 = unlimited
}

// DefaultTransportConfig matches the spec §6.5 defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MCPPath:            "/mcp",
		EnableCORS:         true,
		CORSOrigin:         "*",
		EnableSSE:          true,
		MaxRequestBytes:    10 * 1024 * 1024,
		KeepaliveInterval:  15 * time.Second,
		PostSSESettleDelay: 50 * time.Millisecond,
	}
}

// Transport is the HTTP Transport (C6): a single endpoint handling POST
// (JSON-RPC request/notification/batch), GET (long-lived SSE), DELETE
// (session termination) and OPTIONS (CORS preflight). Grounded on the
// teacher's streamable_http.go, generalized to one endpoint only (the
// teacher's older dual /sse+/message transport is not carried forward —
// see DESIGN.md).
type Transport struct {
	dispatcher *Dispatcher
	bridge     *HandlerBridge
	stream     *StreamManager
	sessions   *SessionManager
	auth       *Authenticator
	cfg        TransportConfig
	logger     *slog.Logger

	limiters *ratelimit.Registry
}

// NewTransport wires a Transport over the given components.
func NewTransport(bridge *HandlerBridge, stream *StreamManager, sessions *SessionManager, auth *Authenticator, cfg TransportConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		dispatcher: NewDispatcher(bridge),
		bridge:     bridge,
		stream:     stream,
		sessions:   sessions,
		auth:       auth,
		cfg:        cfg,
		logger:     logger,
		limiters:   ratelimit.NewRegistry(cfg.SessionRPM, 0, 0),
	}
}

// Handler returns an http.Handler serving the MCP endpoint at cfg.MCPPath.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.MCPPath, t.handleMCP)
	return mux
}

func (t *Transport) handleMCP(w http.ResponseWriter, r *http.Request) {
	if t.cfg.EnableCORS {
		t.setCORSHeaders(w, r)
	}
	if !t.auth.Authorize(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		t.handlePOST(w, r)
	case http.MethodGet:
		t.handleGET(w, r)
	case http.MethodDelete:
		t.handleDELETE(w, r)
	case http.MethodOptions:
		t.handleOPTIONS(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (t *Transport) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !validateOrigin(origin, r.Host, t.cfg.AllowedOrigins) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
}

func (t *Transport) handlePOST(w http.ResponseWriter, r *http.Request) {
	if !hasAccept(r.Header, "application/json") && !hasAccept(r.Header, "text/event-stream") {
		http.Error(w, "missing accept header", http.StatusBadRequest)
		return
	}
	if !supportsProtocolVersion(r.Header) {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}

	maxBytes := t.cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = DefaultTransportConfig().MaxRequestBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	sess := &Session{ID: r.Header.Get("Mcp-Session-Id")}
	if sess.ID != "" {
		if err := t.checkRateLimit(r.Context(), sess.ID); err != nil {
			t.writeRateLimited(w, sess, err)
			return
		}
	}

	var startEventID uint64
	if sess.ID != "" {
		if events, err := t.stream.store.EventsSince(r.Context(), sess.ID, 0); err == nil && len(events) > 0 {
			startEventID = events[len(events)-1].ID
		}
	}

	responses := t.dispatcher.Dispatch(r.Context(), sess, body)

	if len(responses) == 0 {
		if sess.ID != "" {
			w.Header().Set("Mcp-Session-Id", sess.ID)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if sess.ID != "" {
		w.Header().Set("Mcp-Session-Id", sess.ID)
	}

	if t.cfg.EnableSSE && hasAccept(r.Header, "text/event-stream") && sess.ID != "" {
		t.writePostSSE(w, r, sess.ID, startEventID, responses)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if len(responses) == 1 {
		_ = json.NewEncoder(w).Encode(responses[0])
	} else {
		_ = json.NewEncoder(w).Encode(responses)
	}
}

// writePostSSE streams accumulated notifications before the terminal
// JSON-RPC response, mirroring create_post_sse_stream in
// original_source/turul-http-mcp-server/stream_manager.rs: a fixed settle
// delay, no deterministic barrier on the notifications racing in (an
// accepted, documented race — see SPEC_FULL Open Question 1).
func (t *Transport) writePostSSE(w http.ResponseWriter, r *http.Request, sessionID string, startEventID uint64, responses []*Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responses)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	delay := t.cfg.PostSSESettleDelay
	if delay <= 0 {
		delay = DefaultTransportConfig().PostSSESettleDelay
	}
	time.Sleep(delay)

	if events, err := t.stream.store.EventsSince(r.Context(), sessionID, startEventID); err == nil {
		for _, evt := range events {
			_ = writeSSEFrame(w, "message", evt.Data, strconv.FormatUint(evt.ID, 10))
			flusher.Flush()
		}
	}

	for _, resp := range responses {
		data, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		_ = writeSSEFrame(w, "message", data, "")
		flusher.Flush()
	}
}

func (t *Transport) handleGET(w http.ResponseWriter, r *http.Request) {
	if !t.cfg.EnableSSE {
		http.Error(w, "sse not enabled", http.StatusNotImplemented)
		return
	}
	if !hasAccept(r.Header, "text/event-stream") {
		http.Error(w, "missing accept: text/event-stream", http.StatusBadRequest)
		return
	}
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}
	if _, err := t.sessions.Get(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found - initialize first", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		if afterID, err := strconv.ParseUint(lastEventID, 10, 64); err == nil {
			replay, err := t.stream.ReplayFrom(r.Context(), sessionID, afterID)
			if err == nil {
				for _, evt := range replay {
					_ = writeSSEFrame(w, "message", evt.Data, strconv.FormatUint(evt.ID, 10))
					flusher.Flush()
				}
			}
		}
	}

	_, ch, unregister := t.stream.RegisterConnection(sessionID)
	defer unregister()

	keepalive := t.cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = DefaultTransportConfig().KeepaliveInterval
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, "message", evt.Data, strconv.FormatUint(evt.ID, 10)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (t *Transport) handleDELETE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
		return
	}
	if err := t.sessions.Delete(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	t.limiters.Forget(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (t *Transport) handleOPTIONS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, MCP-Protocol-Version, Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (t *Transport) checkRateLimit(ctx context.Context, sessionID string) error {
	if t.cfg.SessionRPM <= 0 {
		return nil
	}
	return t.limiters.Wait(ctx, sessionID)
}

func (t *Transport) writeRateLimited(w http.ResponseWriter, sess *Session, err error) {
	resp := errorResponse(nil, CodeApplication, fmt.Sprintf("rate limited: %v", err), nil)
	w.Header().Set("Mcp-Session-Id", sess.ID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeSSEFrame(w io.Writer, eventName string, data []byte, id string) error {
	bw := bufio.NewWriter(w)
	if id != "" {
		if _, err := fmt.Fprintf(bw, "id: %s\n", id); err != nil {
			return err
		}
	}
	if eventName != "" {
		if _, err := fmt.Fprintf(bw, "event: %s\n", eventName); err != nil {
			return err
		}
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if _, err := bw.WriteString("data: "); err != nil {
			return err
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if _, err := bw.WriteString("\n"); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}
