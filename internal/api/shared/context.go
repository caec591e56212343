package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

// ContextKey is the type of request context keys set by this package.
type ContextKey string

// Context keys for various values
const (
	// UserIDContextKey is the context key for the authenticated owner ID
	UserIDContextKey ContextKey = "userID"

	// TraceIDKey is the key for the trace ID in the request context
	TraceIDKey ContextKey = "traceID"

	// TraceIDHeader carries the trace ID on requests and responses
	TraceIDHeader = "X-Trace-ID"

	// TraceIDLength is the number of bytes used to generate the trace ID
	TraceIDLength = 16 // 32 hex characters
)

var traceIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{8,64}$`)

// NewTraceID returns a random 32 character hex trace ID.
func NewTraceID() string {
	b := make([]byte, TraceIDLength)
	if _, err := rand.Read(b); err != nil {
		// uuid falls back to its own entropy source
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}

// ValidTraceID reports whether a client-supplied trace ID is safe to echo
// into logs and responses.
func ValidTraceID(id string) bool {
	return traceIDPattern.MatchString(id)
}

// WithTraceID returns a copy of ctx carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from the context.
// If no trace ID exists, it returns an empty string.
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// WithUserID returns a copy of ctx carrying the authenticated owner.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, UserIDContextKey, userID)
}

// UserIDFromContext returns the authenticated owner, if any.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDContextKey).(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.Nil, false
	}
	return userID, true
}
