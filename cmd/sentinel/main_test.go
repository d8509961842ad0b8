package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/sentinel/internal/api/middleware"
)

func TestHashToken(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var out bytes.Buffer

	require.NoError(t, hashToken(strings.NewReader("  operator-token\n"), &out))

	verifier, err := middleware.NewAdminVerifier(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.True(t, verifier.Verify("operator-token"))
	assert.False(t, verifier.Verify("other-token"))
}

func TestHashToken_Empty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	err := hashToken(strings.NewReader("\n"), &bytes.Buffer{})
	assert.ErrorIs(t, err, errEmptyToken)
}
