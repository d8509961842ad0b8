package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	correlationIDHeader = "X-Correlation-ID"
	correlationIDSize   = 8
	// maxCorrelationIDLength bounds client supplied ids echoed into logs and headers.
	maxCorrelationIDLength = 64
)

type correlationIDKey struct{}

// CorrelationID creates a middleware that tags each request with a correlation id.
// A well-formed X-Correlation-ID request header is reused, otherwise a new id is
// generated. The id is echoed in the response header.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID, ok := acceptCorrelationID(r.Header.Get(correlationIDHeader))
			if !ok {
				correlationID = generateCorrelationID()
			}

			w.Header().Set(correlationIDHeader, correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID from the request context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

func acceptCorrelationID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxCorrelationIDLength || strings.ContainsAny(id, "\r\n") {
		return "", false
	}

	return id, true
}

// generateCorrelationID returns 16 hex characters from crypto/rand, falling back to
// a random UUID prefix.
func generateCorrelationID() string {
	bytes := make([]byte, correlationIDSize)
	if _, err := rand.Read(bytes); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:2*correlationIDSize]
	}

	return hex.EncodeToString(bytes)
}
