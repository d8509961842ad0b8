package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "s3ntinel-admin-token" // pragma: allowlist secret

func newTestVerifier(t *testing.T, token string) *AdminVerifier {
	t.Helper()

	hash, err := HashAdminToken(token)
	require.NoError(t, err)

	verifier, err := NewAdminVerifier(hash)
	require.NoError(t, err)

	return verifier
}

func TestHashAdminToken(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("round trip", func(t *testing.T) {
		verifier := newTestVerifier(t, testAdminToken)

		assert.True(t, verifier.Verify(testAdminToken))
		assert.False(t, verifier.Verify("wrong-token"))
		assert.False(t, verifier.Verify(""))
	})

	t.Run("salted", func(t *testing.T) {
		first, err := HashAdminToken(testAdminToken)
		require.NoError(t, err)

		second, err := HashAdminToken(testAdminToken)
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
	})

	t.Run("long token is pre-hashed", func(t *testing.T) {
		long := strings.Repeat("a", 100)
		verifier := newTestVerifier(t, long)

		assert.True(t, verifier.Verify(long))
		assert.False(t, verifier.Verify(strings.Repeat("a", 99)+"b"),
			"bytes past the bcrypt limit still matter")
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := HashAdminToken("")
		require.ErrorIs(t, err, ErrEmptyAdminToken)
	})
}

func TestNewAdminVerifier_InvalidHash(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := NewAdminVerifier("not-a-bcrypt-hash")
	require.ErrorIs(t, err, ErrInvalidTokenHash)
}

func TestExtractAdminToken(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		header    string
		value     string
		wantToken string
		wantOK    bool
	}{
		{"admin header", adminTokenHeader, "tok", "tok", true},
		{"bearer", "Authorization", "Bearer tok", "tok", true},
		{"trimmed", adminTokenHeader, "  tok  ", "tok", true},
		{"lowercase bearer", "Authorization", "bearer tok", "", false},
		{"basic auth", "Authorization", "Basic dXNlcjpwYXNz", "", false},
		{"empty bearer", "Authorization", "Bearer ", "", false},
		{"header injection", adminTokenHeader, "tok\r\nX-Evil: 1", "", false},
		{"none", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, "/api/v1/windows/skd/abc", nil)
			if tt.header != "" {
				req.Header[http.CanonicalHeaderKey(tt.header)] = []string{tt.value}
			}

			token, ok := extractAdminToken(req)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantToken, token)
		})
	}

	t.Run("admin header takes precedence", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/x", nil)
		req.Header.Set(adminTokenHeader, "primary")
		req.Header.Set("Authorization", "Bearer secondary")

		token, ok := extractAdminToken(req)
		assert.True(t, ok)
		assert.Equal(t, "primary", token)
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	verifier := newTestVerifier(t, testAdminToken)

	public := PublicPaths{}
	public.Add("/ping")

	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}),
		WithCorrelationID(),
		WithAdminAuth(verifier, public, slog.New(slog.DiscardHandler)),
	)

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"public path needs no token", "/ping", "", http.StatusNoContent},
		{"missing token", "/api/v1/windows/skd/abc", "", http.StatusUnauthorized},
		{"wrong token", "/api/v1/windows/skd/abc", "nope", http.StatusUnauthorized},
		{"valid token", "/api/v1/windows/skd/abc", testAdminToken, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)

			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))
				assert.NotContains(t, rec.Body.String(), testAdminToken)
			}
		})
	}

	t.Run("nil verifier disables auth", func(t *testing.T) {
		open := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}), WithAdminAuth(nil, public, slog.New(slog.DiscardHandler)))

		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
