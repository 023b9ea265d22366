package mcp

import (
	"net/http"
	"strings"
)

// Authenticator gates access to the /mcp endpoint. A nil or zero-value
// Authenticator (no token configured) allows every request, matching the
// spec's framing of auth as a layered concern rather than a transport
// requirement (§1 Non-goals).
type Authenticator struct {
	BearerToken string
}

// Authorize reports whether r carries valid credentials.
func (a *Authenticator) Authorize(r *http.Request) bool {
	if a == nil || a.BearerToken == "" {
		return true
	}
	return extractBearerToken(r) == a.BearerToken
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// validateOrigin allows same-origin, localhost, hosts listed in allowed,
// and any origin when allowed contains "*"; a browser CORS-bearing request
// with any other Origin is rejected before it reaches the dispatcher.
func validateOrigin(origin, requestHost string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" {
			return true
		}
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	host = strings.Split(host, "/")[0]
	host = strings.Split(host, ":")[0]

	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if requestHost != "" {
		reqHost := strings.Split(requestHost, ":")[0]
		if strings.EqualFold(reqHost, host) {
			return true
		}
	}
	for _, a := range allowed {
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

func hasAccept(h http.Header, mimeType string) bool {
	accept := h.Get("Accept")
	if accept == "" {
		return true
	}
	return strings.Contains(accept, mimeType) || strings.Contains(accept, "*/*")
}

func supportsProtocolVersion(h http.Header) bool {
	v := h.Get("MCP-Protocol-Version")
	if v == "" {
		return true
	}
	for _, known := range ProtocolVersions {
		if known == v {
			return true
		}
	}
	return false
}
