// Package mcp implements the Streamable HTTP transport core of an MCP
// server: session and event storage, SSE fan-out, JSON-RPC dispatch, and
// the handler bridge that ties sessions to registered capabilities.
package mcp

import "encoding/json"

// ProtocolVersions lists every protocol version this server understands,
// oldest first. Version negotiation (see NegotiateVersion) walks
// this list to find the newest version no greater than the client's request.
var ProtocolVersions = []string{
	"2024-11-05",
	"2025-03-26",
	"2025-06-18",
}

// LatestProtocolVersion is returned to clients that request a version newer
// than anything in ProtocolVersions.
const LatestProtocolVersion = "2025-06-18"

// Request is a JSON-RPC 2.0 request or notification. A Request with no ID
// (or a null ID) is a notification and must not receive a Response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a server-to-client message with no id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func successResponse(id json.RawMessage, result any) *Response {
	encoded, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, CodeInternalError, "failed to encode result", nil)
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: encoded}
}

func errorResponse(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}
