package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTemplate = `traces | where timestamp >= datetime({from}) and timestamp < datetime({to})`

func TestNewDefinition_Valid(t *testing.T) {
	def, err := NewDefinition("Failed X", KindTraces, testTemplate)

	require.NoError(t, err)
	assert.Equal(t, "Failed X", def.Name())
	assert.Equal(t, KindTraces, def.Kind())
	assert.Equal(t, testTemplate, def.Template())
	assert.Len(t, def.Fingerprint(), 64)
	assert.False(t, def.Alert())
	assert.Equal(t, []string{"itemId"}, def.IDFields())
}

func TestNewDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		qName    string
		kind     Kind
		template string
		wantErr  error
	}{
		{"empty name", "", KindTraces, testTemplate, ErrEmptyName},
		{"blank name", "   ", KindTraces, testTemplate, ErrEmptyName},
		{"empty template", "q", KindTraces, "", ErrEmptyTemplate},
		{"unknown kind", "q", Kind("logs"), testTemplate, ErrUnknownKind},
		{"missing from", "q", KindTraces, "traces | where timestamp < datetime({to})", ErrMissingPlaceholder},
		{"missing to", "q", KindTraces, "traces | where timestamp >= datetime({from})", ErrMissingPlaceholder},
		{"unresolved host", "q", KindTraces, testTemplate + ` | where target has "{host}"`, ErrUnresolvedHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := NewDefinition(tt.qName, tt.kind, tt.template)

			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, def)
		})
	}
}

func TestFingerprint_Sensitivity(t *testing.T) {
	a, err := NewDefinition("a", KindTraces, testTemplate)
	require.NoError(t, err)

	b, err := NewDefinition("b", KindRequests, testTemplate)
	require.NoError(t, err)

	c, err := NewDefinition("a", KindTraces, testTemplate+" ")
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint(), "identical templates must share a fingerprint")
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint(), "one-byte edit must change the fingerprint")
}

func TestFingerprint_KnownValue(t *testing.T) {
	// SHA-256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Fingerprint("abc"))
}

func TestDefinition_Format(t *testing.T) {
	def, err := NewDefinition("Failed X", KindTraces, testTemplate)
	require.NoError(t, err)

	cet := time.FixedZone("CET", 3600)
	from := time.Date(2024, 1, 1, 1, 0, 0, 0, cet)
	to := time.Date(2024, 1, 1, 23, 59, 30, 500, time.UTC)

	got := def.Format(from, to)

	assert.Equal(t,
		`traces | where timestamp >= datetime(2024-01-01T00:00:00.000000000Z) and timestamp < datetime(2024-01-01T23:59:30.000000500Z)`,
		got,
	)
	assert.Equal(t, testTemplate, def.Template(), "Format must not mutate the template")
}

func TestFormatTimestamp_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 2, 29, 12, 30, 45, 123456789, time.UTC)

	parsed, err := time.Parse(TimestampLayout, FormatTimestamp(ts))

	require.NoError(t, err)
	assert.True(t, ts.Equal(parsed))
}

func TestDefinitionOptions(t *testing.T) {
	def, err := NewDefinition("q", KindExceptions, testTemplate,
		WithAlert("{app_name} failed"),
		WithIDFields("operation_Id", "itemId"),
	)
	require.NoError(t, err)

	assert.True(t, def.Alert())
	assert.Equal(t, "{app_name} failed", def.Summary())
	assert.Equal(t, []string{"operation_Id", "itemId"}, def.IDFields())

	fields := def.IDFields()
	fields[0] = "mutated"
	assert.Equal(t, "operation_Id", def.IDFields()[0], "IDFields must return a copy")
}
