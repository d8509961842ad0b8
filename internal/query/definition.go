// Package query provides the immutable query definitions sentinel polls the analytics
// backend with, and the catalog that resolves the active set for a deployment environment.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Template markers. FromMarker and ToMarker are filled per execution by Format;
// HostMarker is filled once by the catalog from the deployment environment.
const (
	FromMarker = "{from}"
	ToMarker   = "{to}"
	HostMarker = "{host}"

	// TimestampLayout is the fixed-width ISO-8601 layout used for window bounds.
	// Values are always rendered in UTC so they sort lexically.
	TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Kind tags which kind of telemetry a query reads. The set is closed.
type Kind string

// Supported query kinds.
const (
	KindTraces     Kind = "traces"
	KindRequests   Kind = "requests"
	KindExceptions Kind = "exceptions"
	KindMetrics    Kind = "metrics"
)

var (
	// ErrEmptyName is returned when a definition is constructed without a name.
	ErrEmptyName = errors.New("query name cannot be empty")

	// ErrEmptyTemplate is returned when a definition is constructed without a template.
	ErrEmptyTemplate = errors.New("query template cannot be empty")

	// ErrUnknownKind is returned for a kind outside the supported set.
	ErrUnknownKind = errors.New("unknown query kind")

	// ErrMissingPlaceholder is returned when a template lacks the {from} or {to} marker.
	ErrMissingPlaceholder = errors.New("query template is missing a time-range placeholder")

	// ErrUnresolvedHost is returned when a template still carries {host} at construction.
	ErrUnresolvedHost = errors.New("query template has an unresolved host placeholder")
)

// IsValid reports whether k is one of the supported kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindTraces, KindRequests, KindExceptions, KindMetrics:
		return true
	}

	return false
}

// DefaultIDFields returns the result columns the source system guarantees stable for one
// event of this kind. Every supported kind exposes the backend's own itemId.
func (k Kind) DefaultIDFields() []string {
	return []string{"itemId"}
}

type (
	// Definition is one named query: a template with {from}/{to} placeholders and the
	// fingerprint of its literal text. A Definition is immutable once constructed.
	Definition struct {
		name        string
		kind        Kind
		template    string
		fingerprint string
		alert       bool
		summary     string
		idFields    []string
	}

	// DefinitionOption configures optional Definition behavior.
	DefinitionOption func(*Definition)
)

// WithAlert marks records produced by the query as alert-worthy. summary is the
// human-readable notification text; it may reference {tenant}, {query}, {app_name},
// {app_version} and {external_id} ({ext_id} is accepted as a shorthand).
func WithAlert(summary string) DefinitionOption {
	return func(d *Definition) {
		d.alert = true
		d.summary = summary
	}
}

// WithIDFields overrides the result columns used to derive a record's external id.
func WithIDFields(fields ...string) DefinitionOption {
	return func(d *Definition) {
		if len(fields) > 0 {
			d.idFields = slices.Clone(fields)
		}
	}
}

// NewDefinition validates and builds a Definition. Invalid input fails here rather than
// at execution time.
func NewDefinition(name string, kind Kind, template string, opts ...DefinitionOption) (*Definition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("%w: query %q", ErrEmptyTemplate, name)
	}

	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: %q (query %q)", ErrUnknownKind, kind, name)
	}

	if !strings.Contains(template, FromMarker) || !strings.Contains(template, ToMarker) {
		return nil, fmt.Errorf("%w: query %q needs both %s and %s", ErrMissingPlaceholder, name, FromMarker, ToMarker)
	}

	if strings.Contains(template, HostMarker) {
		return nil, fmt.Errorf("%w: query %q", ErrUnresolvedHost, name)
	}

	d := &Definition{
		name:        name,
		kind:        kind,
		template:    template,
		fingerprint: Fingerprint(template),
		idFields:    kind.DefaultIDFields(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Fingerprint returns the lowercase hex SHA-256 of the template's UTF-8 bytes.
func Fingerprint(template string) string {
	sum := sha256.Sum256([]byte(template))

	return hex.EncodeToString(sum[:])
}

// FormatTimestamp renders t with TimestampLayout in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Format returns the concrete query text for the window [from, to).
func (d *Definition) Format(from, to time.Time) string {
	return strings.NewReplacer(
		FromMarker, FormatTimestamp(from),
		ToMarker, FormatTimestamp(to),
	).Replace(d.template)
}

// Name returns the query name, unique within its catalog.
func (d *Definition) Name() string { return d.name }

// Kind returns the query kind.
func (d *Definition) Kind() Kind { return d.kind }

// Template returns the literal template text.
func (d *Definition) Template() string { return d.template }

// Fingerprint returns the content hash of the template.
func (d *Definition) Fingerprint() string { return d.fingerprint }

// Alert reports whether records from this query should raise notifications.
func (d *Definition) Alert() bool { return d.alert }

// Summary returns the notification text template.
func (d *Definition) Summary() string { return d.summary }

// IDFields returns the columns that form a record's external id.
func (d *Definition) IDFields() []string { return slices.Clone(d.idFields) }

// String implements fmt.Stringer for logging.
func (d *Definition) String() string {
	return fmt.Sprintf("%s[%s]", d.name, d.fingerprint[:12])
}
