package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// PublicPaths is the set of request paths that bypass admin authentication and rate
// limiting. It is filled during route setup and read-only afterwards.
type PublicPaths map[string]bool

// Add registers path as public.
func (p PublicPaths) Add(path string) {
	p[path] = true
}

// Contains reports whether path is public.
func (p PublicPaths) Contains(path string) bool {
	return p[path]
}

// writeProblem writes an RFC 7807 response without importing the api package.
func writeProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, title, detail string) {
	correlationID := GetCorrelationID(r.Context())

	problem := map[string]any{
		"type":          fmt.Sprintf("https://sentinel.correlator.io/problems/%d", status),
		"title":         title,
		"status":        status,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("encode_error", err),
		)
	}
}
