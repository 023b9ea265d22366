package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// EventHook is called after every dispatched request (notifications
// included) for audit/metrics purposes.
type EventHook func(sessionID, method string, duration time.Duration, err error)

// HandlerBridge is the Handler Bridge (C5): resolves the session for a
// request, enforces the lifecycle gate, routes to the method table, and
// merges framework-owned `_meta` keys into results.
type HandlerBridge struct {
	sessions      *SessionManager
	registry      *Registry
	tasks         *TaskStore
	lifecycle     *Lifecycle
	serverName    string
	serverVersion string
	logger        *slog.Logger
	defaultPage   int
	maxPage       int
	onEvent       EventHook
}

// NewHandlerBridge wires the components a HandlerBridge routes between.
func NewHandlerBridge(sessions *SessionManager, registry *Registry, tasks *TaskStore, lifecycle *Lifecycle, serverName, serverVersion string, logger *slog.Logger) *HandlerBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &HandlerBridge{
		sessions:      sessions,
		registry:      registry,
		tasks:         tasks,
		lifecycle:     lifecycle,
		serverName:    serverName,
		serverVersion: serverVersion,
		logger:        logger,
		defaultPage:   DefaultPageSize,
		maxPage:       MaxPageSize,
	}
}

// SetEventHook installs fn as the audit/metrics hook.
func (b *HandlerBridge) SetEventHook(fn EventHook) {
	b.onEvent = fn
}

func stateFor(rec *SessionRecord) LifecycleState {
	if rec == nil {
		return StateNew
	}
	if rec.Initialized {
		return StateOperational
	}
	return StateInitialized
}

// Handle implements RequestHandler.
func (b *HandlerBridge) Handle(ctx context.Context, sess *Session, req *Request) *Response {
	start := time.Now()
	resp := b.route(ctx, sess, req)
	if b.onEvent != nil {
		var err error
		if resp != nil && resp.Error != nil {
			err = &Error{Message: resp.Error.Message}
		}
		sessionID := ""
		if sess != nil {
			sessionID = sess.ID
		}
		b.onEvent(sessionID, req.Method, time.Since(start), err)
	}
	return resp
}

func (b *HandlerBridge) route(ctx context.Context, sess *Session, req *Request) *Response {
	if req.Method == "initialize" {
		return b.handleInitialize(ctx, sess, req)
	}

	if sess == nil || sess.ID == "" {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeFor(KindSessionNotFound), "missing Mcp-Session-Id", nil)
	}

	rec, err := b.sessions.Get(ctx, sess.ID)
	if err != nil {
		if req.IsNotification() {
			return nil
		}
		return asResponse(req.ID, err)
	}

	state := stateFor(rec)
	if gateErr := b.lifecycle.Allow(state, req.Method); gateErr != nil {
		if req.IsNotification() {
			return nil
		}
		return asResponse(req.ID, gateErr)
	}
	_ = b.sessions.Touch(ctx, sess.ID)

	sessCtx := b.sessions.Context(sess.ID, rec.ProtocolVersion, rec.Initialized)

	if req.IsNotification() {
		b.handleNotification(ctx, sessCtx, req)
		return nil
	}

	result, callErr := b.dispatchMethod(ctx, sessCtx, req.Method, req.Params)
	if callErr != nil {
		return asResponse(req.ID, callErr)
	}
	return successResponse(req.ID, result)
}

func asResponse(id json.RawMessage, err error) *Response {
	if mcpErr, ok := err.(*Error); ok {
		return errorResponse(id, CodeFor(mcpErr.Kind), mcpErr.WireMessage(), mcpErr.Data)
	}
	return errorResponse(id, CodeInternalError, "internal error", nil)
}

func (b *HandlerBridge) handleNotification(ctx context.Context, sessCtx SessionContext, req *Request) {
	switch req.Method {
	case "notifications/initialized":
		if err := b.sessions.MarkInitialized(ctx, sessCtx.SessionID()); err != nil {
			b.logger.Warn("mark initialized failed", "session_id", sessCtx.SessionID(), "error", err)
		}
	case "notifications/cancelled":
		var params struct {
			RequestID string `json:"requestId"`
			Reason    string `json:"reason"`
		}
		_ = json.Unmarshal(req.Params, &params)
		if params.RequestID != "" && b.tasks != nil {
			_ = b.tasks.Transition(params.RequestID, TaskCancelled)
		}
	}
}

func (b *HandlerBridge) dispatchMethod(ctx context.Context, sess SessionContext, method string, params json.RawMessage) (any, *Error) {
	switch method {
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return b.handleToolsList(params)
	case "tools/call":
		return b.handleToolsCall(ctx, sess, params)
	case "resources/list":
		return b.handleResourcesList(params)
	case "resources/read":
		return b.handleResourcesRead(ctx, sess, params)
	case "resources/templates/list":
		return b.handleResourceTemplatesList(params)
	case "resources/subscribe":
		return b.handleResourcesSubscribe(ctx, sess, params)
	case "resources/unsubscribe":
		return b.handleResourcesUnsubscribe(ctx, sess, params)
	case "prompts/list":
		return b.handlePromptsList(params)
	case "prompts/get":
		return b.handlePromptsGet(ctx, sess, params)
	case "completion/complete":
		return b.handleCompletionComplete(ctx, sess, params)
	case "logging/setLevel":
		return b.handleLoggingSetLevel(ctx, sess, params)
	default:
		return nil, NewError(KindMethodNotFound, "method not found")
	}
}

func (b *HandlerBridge) handleInitialize(ctx context.Context, sess *Session, req *Request) *Response {
	var params struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ClientInfo      map[string]any `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid initialize params", nil)
		}
	}
	version, err := NegotiateVersion(params.ProtocolVersion)
	if err != nil {
		return asResponse(req.ID, err)
	}

	// serverCapabilities is this session's snapshot (§3.1); it is what we
	// both persist on the record and return to the client.
	serverCapabilities := map[string]any{
		"tools":     map[string]any{"listChanged": true},
		"resources": map[string]any{"subscribe": true, "listChanged": true},
		"prompts":   map[string]any{"listChanged": true},
		"logging":   map[string]any{},
	}
	var metadata map[string]any
	if params.ClientInfo != nil {
		metadata = map[string]any{"clientInfo": params.ClientInfo}
	}

	rec, cerr := b.sessions.CreateSession(ctx, version, params.Capabilities, serverCapabilities, metadata)
	if cerr != nil {
		return asResponse(req.ID, cerr)
	}
	sess.ID = rec.ID

	result := map[string]any{
		"protocolVersion": version,
		"capabilities":    serverCapabilities,
		"serverInfo": map[string]any{
			"name":    b.serverName,
			"version": b.serverVersion,
		},
	}
	return successResponse(req.ID, result)
}

// mergeMeta overlays frameworkMeta onto callerMeta: framework-owned keys
// (nextCursor, total, hasMore) always win; non-colliding caller keys
// round-trip untouched (P6).
func mergeMeta(callerMeta, frameworkMeta map[string]any) map[string]any {
	if len(callerMeta) == 0 && len(frameworkMeta) == 0 {
		return nil
	}
	out := make(map[string]any, len(callerMeta)+len(frameworkMeta))
	for k, v := range callerMeta {
		out[k] = v
	}
	for k, v := range frameworkMeta {
		out[k] = v
	}
	return out
}

func paginationParams(params json.RawMessage, defaultPage int) (cursor string, pageSize int, callerMeta map[string]any, err *Error) {
	var p struct {
		Cursor string         `json:"cursor"`
		Limit  *int           `json:"limit"`
		Meta   map[string]any `json:"_meta"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	pageSize = defaultPage
	if p.Limit != nil {
		if *p.Limit <= 0 {
			return "", 0, nil, NewError(KindInvalidParams, "limit must be positive")
		}
		pageSize = *p.Limit
	}
	return p.Cursor, pageSize, p.Meta, nil
}

func (b *HandlerBridge) handleToolsList(params json.RawMessage) (any, *Error) {
	cursor, pageSize, callerMeta, perr := paginationParams(params, b.defaultPage)
	if perr != nil {
		return nil, perr
	}
	all := b.registry.SortedTools()
	page, next, err := Paginate(all, cursor, pageSize)
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]any, 0, len(page))
	for _, t := range page {
		entry := map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema,
		}
		if t.OutputSchema != nil {
			entry["outputSchema"] = t.OutputSchema
		}
		if t.Annotations != nil {
			entry["annotations"] = t.Annotations
		}
		entries = append(entries, entry)
	}
	result := map[string]any{"tools": entries}
	attachMeta(result, callerMeta, next, len(all))
	return result, nil
}

func (b *HandlerBridge) handleToolsCall(ctx context.Context, sess SessionContext, params json.RawMessage) (any, *Error) {
	var payload struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return nil, NewError(KindInvalidParams, "invalid params")
	}
	if payload.Name == "" {
		return nil, NewError(KindInvalidParams, "missing tool name")
	}
	tool, ok := b.registry.Tool(payload.Name)
	if !ok {
		return nil, NewError(KindMethodNotFound, "unknown tool")
	}
	args := payload.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.ValidateToolArgs(args); err != nil {
		return nil, NewError(KindInvalidParams, err.Error())
	}
	if tool.Handler == nil {
		return nil, NewError(KindInternal, "tool has no handler")
	}
	out, err := tool.Handler(ctx, sess, args)
	if err != nil {
		if mcpErr, ok := err.(*Error); ok {
			return nil, mcpErr
		}
		return nil, Wrap(KindApplication, "tool call failed", err)
	}
	return out, nil
}

func (b *HandlerBridge) handleResourcesList(params json.RawMessage) (any, *Error) {
	cursor, pageSize, callerMeta, perr := paginationParams(params, b.defaultPage)
	if perr != nil {
		return nil, perr
	}
	all := b.registry.SortedResources()
	page, next, err := Paginate(all, cursor, pageSize)
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]any, 0, len(page))
	for _, r := range page {
		entries = append(entries, map[string]any{
			"uri":         r.URI,
			"name":        r.Name,
			"description": r.Description,
			"mimeType":    r.MimeType,
		})
	}
	result := map[string]any{"resources": entries}
	attachMeta(result, callerMeta, next, len(all))
	return result, nil
}

func (b *HandlerBridge) handleResourcesRead(ctx context.Context, sess SessionContext, params json.RawMessage) (any, *Error) {
	var payload struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &payload); err != nil || payload.URI == "" {
		return nil, NewError(KindInvalidParams, "missing uri")
	}
	res, ok := b.registry.Resource(payload.URI)
	if !ok {
		return nil, NewError(KindMethodNotFound, "unknown resource")
	}
	if res.Handler == nil {
		return nil, NewError(KindInternal, "resource has no handler")
	}
	contents, mimeType, err := res.Handler(ctx, sess, payload.URI)
	if err != nil {
		if mcpErr, ok := err.(*Error); ok {
			return nil, mcpErr
		}
		return nil, Wrap(KindApplication, "resource read failed", err)
	}
	if mimeType == "" {
		mimeType = res.MimeType
	}
	return map[string]any{
		"contents": []map[string]any{
			{"uri": payload.URI, "mimeType": mimeType, "text": contents},
		},
	}, nil
}

func (b *HandlerBridge) handleResourceTemplatesList(params json.RawMessage) (any, *Error) {
	_, _, callerMeta, perr := paginationParams(params, b.defaultPage)
	if perr != nil {
		return nil, perr
	}
	result := map[string]any{"resourceTemplates": []map[string]any{}}
	attachMeta(result, callerMeta, "", 0)
	return result, nil
}

func (b *HandlerBridge) handleResourcesSubscribe(ctx context.Context, sess SessionContext, params json.RawMessage) (any, *Error) {
	var payload struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &payload); err != nil || payload.URI == "" {
		return nil, NewError(KindInvalidParams, "missing uri")
	}
	subs := subscriptionSet(ctx, sess)
	subs[payload.URI] = true
	_ = sess.SetState(ctx, "subscriptions", subs)
	return map[string]any{}, nil
}

func (b *HandlerBridge) handleResourcesUnsubscribe(ctx context.Context, sess SessionContext, params json.RawMessage) (any, *Error) {
	var payload struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &payload); err != nil || payload.URI == "" {
		return nil, NewError(KindInvalidParams, "missing uri")
	}
	subs := subscriptionSet(ctx, sess)
	delete(subs, payload.URI)
	_ = sess.SetState(ctx, "subscriptions", subs)
	return map[string]any{}, nil
}

func subscriptionSet(ctx context.Context, sess SessionContext) map[string]bool {
	v, ok, _ := sess.GetState(ctx, "subscriptions")
	if !ok {
		return make(map[string]bool)
	}
	set, ok := v.(map[string]bool)
	if !ok {
		return make(map[string]bool)
	}
	return set
}

func (b *HandlerBridge) handlePromptsList(params json.RawMessage) (any, *Error) {
	cursor, pageSize, callerMeta, perr := paginationParams(params, b.defaultPage)
	if perr != nil {
		return nil, perr
	}
	all := b.registry.SortedPrompts()
	page, next, err := Paginate(all, cursor, pageSize)
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]any, 0, len(page))
	for _, p := range page {
		args := make([]map[string]any, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, map[string]any{
				"name": a.Name, "description": a.Description, "required": a.Required,
			})
		}
		entries = append(entries, map[string]any{
			"name": p.Name, "description": p.Description, "arguments": args,
		})
	}
	result := map[string]any{"prompts": entries}
	attachMeta(result, callerMeta, next, len(all))
	return result, nil
}

func (b *HandlerBridge) handlePromptsGet(ctx context.Context, sess SessionContext, params json.RawMessage) (any, *Error) {
	var payload struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(params, &payload); err != nil || payload.Name == "" {
		return nil, NewError(KindInvalidParams, "missing prompt name")
	}
	prompt, ok := b.registry.Prompt(payload.Name)
	if !ok {
		return nil, NewError(KindMethodNotFound, "unknown prompt")
	}
	for _, arg := range prompt.Arguments {
		if arg.Required {
			if _, ok := payload.Arguments[arg.Name]; !ok {
				return nil, NewError(KindInvalidParams, "missing required argument: "+arg.Name)
			}
		}
	}
	if prompt.Handler == nil {
		return nil, NewError(KindInternal, "prompt has no handler")
	}
	messages, err := prompt.Handler(ctx, sess, payload.Arguments)
	if err != nil {
		return nil, Wrap(KindApplication, "prompt render failed", err)
	}
	return map[string]any{"description": prompt.Description, "messages": messages}, nil
}

// handleCompletionComplete answers completion/complete without suggesting
// any value: for a ref/prompt naming one of that prompt's declared
// arguments it returns an empty values list, otherwise values is null. No
// prefix matching is done, and tool input schemas are not consulted.
func (b *HandlerBridge) handleCompletionComplete(ctx context.Context, sess SessionContext, params json.RawMessage) (any, *Error) {
	var payload struct {
		Ref struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"ref"`
		Argument struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"argument"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return nil, NewError(KindInvalidParams, "invalid params")
	}
	var values []string
	if payload.Ref.Type == "ref/prompt" {
		if prompt, ok := b.registry.Prompt(payload.Ref.Name); ok {
			for _, arg := range prompt.Arguments {
				if arg.Name == payload.Argument.Name {
					values = []string{} // no enumerable value source without a concrete prompt provider
					break
				}
			}
		}
	}
	return map[string]any{
		"completion": map[string]any{
			"values":  values,
			"total":   len(values),
			"hasMore": false,
		},
	}, nil
}

func (b *HandlerBridge) handleLoggingSetLevel(ctx context.Context, sess SessionContext, params json.RawMessage) (any, *Error) {
	var payload struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(params, &payload); err != nil || payload.Level == "" {
		return nil, NewError(KindInvalidParams, "missing level")
	}
	_ = sess.SetState(ctx, "logLevel", payload.Level)
	return map[string]any{}, nil
}

func attachMeta(result map[string]any, callerMeta map[string]any, nextCursor string, total int) {
	framework := map[string]any{
		"total":   total,
		"hasMore": nextCursor != "",
	}
	if nextCursor != "" {
		framework["nextCursor"] = nextCursor
	}
	if merged := mergeMeta(callerMeta, framework); merged != nil {
		result["_meta"] = merged
	}
}
