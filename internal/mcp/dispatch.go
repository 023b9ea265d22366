package mcp

import (
	"bytes"
	"context"
	"encoding/json"
)

// Session carries the session identifier across a dispatch call. It is a
// pointer so HandlerBridge.Handle can fill in the id minted by an
// initialize call, which the transport then returns as Mcp-Session-Id.
type Session struct {
	ID string
}

// RequestHandler processes one already-parsed JSON-RPC request and
// returns its response, or nil if req is a notification. Implemented by
// HandlerBridge.
type RequestHandler interface {
	Handle(ctx context.Context, sess *Session, req *Request) *Response
}

// Dispatcher parses a raw JSON-RPC body — a single object, a notification,
// or a batch array — and routes each entry through a RequestHandler (C4).
type Dispatcher struct {
	handler RequestHandler
}

// NewDispatcher builds a Dispatcher over handler.
func NewDispatcher(handler RequestHandler) *Dispatcher {
	return &Dispatcher{handler: handler}
}

// Dispatch parses raw and returns the responses to send back (nil for a
// body that was entirely notifications, per JSON-RPC 2.0 batch rules).
// sess.ID is read for already-established sessions and may be written by
// the handler when processing an initialize call.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, raw []byte) []*Response {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []*Response{errorResponse(nil, CodeInvalidRequest, "empty request body", nil)}
	}

	if raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return []*Response{errorResponse(nil, CodeParseError, "invalid json", nil)}
		}
		if len(batch) == 0 {
			return []*Response{errorResponse(nil, CodeInvalidRequest, "empty batch", nil)}
		}
		var responses []*Response
		for _, item := range batch {
			if resp := d.dispatchOne(ctx, sess, item); resp != nil {
				responses = append(responses, resp)
			}
		}
		return responses
	}

	if resp := d.dispatchOne(ctx, sess, raw); resp != nil {
		return []*Response{resp}
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sess *Session, raw json.RawMessage) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, CodeParseError, "invalid json", nil)
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version", nil)
	}
	if req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "missing method", nil)
	}
	return d.handler.Handle(ctx, sess, &req)
}
