// Package middleware provides HTTP middleware components for the Sentinel ops API.
package middleware

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost matches the cost used when operators generate the configured hash.
	bcryptCost  = 10
	bcryptLimit = 72

	adminTokenHeader = "X-Admin-Token"
)

// Admin authentication errors.
var (
	ErrMissingAdminToken = errors.New("missing admin token")
	ErrInvalidAdminToken = errors.New("invalid admin token")
	ErrEmptyAdminToken   = errors.New("admin token cannot be empty")
	ErrInvalidTokenHash  = errors.New("admin token hash is not a valid bcrypt hash")
)

// AdminVerifier checks presented admin tokens against a configured bcrypt hash.
// The plaintext token is never held by the service.
type AdminVerifier struct {
	hash []byte
}

// NewAdminVerifier creates a verifier for hash. It fails if hash is not a bcrypt hash.
func NewAdminVerifier(hash string) (*AdminVerifier, error) {
	hash = strings.TrimSpace(hash)

	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTokenHash, err)
	}

	return &AdminVerifier{hash: []byte(hash)}, nil
}

// Verify reports whether token matches the configured hash in constant time.
func (v *AdminVerifier) Verify(token string) bool {
	if token == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword(v.hash, tokenInput(token)) == nil
}

// HashAdminToken returns the bcrypt hash to configure for token.
func HashAdminToken(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyAdminToken
	}

	hash, err := bcrypt.GenerateFromPassword(tokenInput(token), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin token: %w", err)
	}

	return string(hash), nil
}

// tokenInput pre-hashes tokens longer than bcrypt's 72 byte input limit.
func tokenInput(token string) []byte {
	if len(token) <= bcryptLimit {
		return []byte(token)
	}

	sum := sha256.Sum256([]byte(token))

	return sum[:]
}

// extractAdminToken reads the token from X-Admin-Token, falling back to
// Authorization: Bearer. Tokens containing newlines are rejected.
func extractAdminToken(r *http.Request) (string, bool) {
	if token := r.Header.Get(adminTokenHeader); token != "" {
		return cleanToken(token)
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return cleanToken(token)
	}

	return "", false
}

func cleanToken(token string) (string, bool) {
	if strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	token = strings.TrimSpace(token)

	return token, token != ""
}

// AdminAuth rejects requests to non-public paths that do not carry a valid admin token.
func AdminAuth(verifier *AdminVerifier, public PublicPaths, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public.Contains(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			token, found := extractAdminToken(r)

			var err error

			switch {
			case !found:
				err = ErrMissingAdminToken
			case !verifier.Verify(token):
				err = ErrInvalidAdminToken
			}

			if err != nil {
				logger.Warn("Admin authentication failed",
					slog.String("reason", err.Error()),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)

				writeProblem(w, r, logger, http.StatusUnauthorized, "Unauthorized", err.Error())

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
