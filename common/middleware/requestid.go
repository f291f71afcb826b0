package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

// RequestIDKey is the context key for request IDs.
const RequestIDKey = contextKey("request-id")

// HeaderRequestID is propagated on every response.
const HeaderRequestID = "X-Request-ID"

// deliveryHeaders carry the sender's own delivery id. When present they are
// reused as the request id so a failed delivery can be traced back to the
// sender's redelivery console.
var deliveryHeaders = []string{
	"X-GitHub-Delivery",
	"X-Gitea-Delivery",
	"X-Webhook-Delivery",
}

// RequestID generates or propagates request IDs. An incoming X-Request-ID wins,
// then a known webhook delivery header, then a fresh UUID. The id is echoed on
// the response and stored in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = DeliveryID(r.Header)
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(HeaderRequestID, requestID)

		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// DeliveryID returns the sender's delivery id from the first known delivery
// header, or an empty string.
func DeliveryID(h http.Header) string {
	for _, name := range deliveryHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
