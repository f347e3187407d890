package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// contextKey is private to avoid context key collisions.
type contextKey string

const requestIDKey contextKey = "requestID"

// NewRequestID generates a random identifier correlating one operator request
// across the HTTP surface, the engine log and the journal metadata.
func NewRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "failed-to-generate-request-id"
	}
	return hex.EncodeToString(bytes)
}

// ContextWithRequestID injects a request ID into the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts a request ID, if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}
