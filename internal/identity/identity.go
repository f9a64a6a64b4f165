// Package identity assigns connection ids and validates client session tokens.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ConnectionHeaderName echoes the connection id back to the client.
const ConnectionHeaderName = "X-SHSH-Connection-ID"

type contextKey int

const (
	connectionIDKey contextKey = iota
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ConnectionIDFromContext extracts the connection id from the request context.
func ConnectionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(connectionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithConnectionID returns a context carrying id.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey, id)
}

// NewConnectionID returns a fresh random connection id.
func NewConnectionID() string {
	return uuid.New().String()
}

// SanitizeSessionID trims a client-supplied session token and returns "" if
// it is not an acceptable id.
func SanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware gives every request a unique connection id. A WebSocket upgrade
// keeps the id for the life of the socket, so it identifies the transport.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := NewConnectionID()
		w.Header().Set(ConnectionHeaderName, id)
		next.ServeHTTP(w, r.WithContext(WithConnectionID(r.Context(), id)))
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
