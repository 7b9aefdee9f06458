package middlewares

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// contextKey is an unexported type for context keys in this package, so
// they cannot collide with keys from other packages.
type contextKey string

const (
	HeaderXRequestId      = "x-request-id"
	HeaderXIdempotencyKey = "x-idempotency-key"

	// ContextKeyRequestID is the context key for the request ID.
	ContextKeyRequestID contextKey = HeaderXRequestId
	// ContextKeyIdempotencyKey is the context key for the idempotency key.
	ContextKeyIdempotencyKey contextKey = HeaderXIdempotencyKey
)

// AttachRequestMetadata copies the chi request ID and the caller-supplied
// idempotency key into the request context under typed keys, where handlers
// and the saga goroutine they detach can read them.
func AttachRequestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		idempotencyKey := r.Header.Get(HeaderXIdempotencyKey)

		ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)
		ctx = context.WithValue(ctx, ContextKeyIdempotencyKey, idempotencyKey)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
