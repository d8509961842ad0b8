package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/correlator-io/sentinel/internal/query"
)

// externalIDSeparator joins multi-field external ids.
const externalIDSeparator = "|"

// Sentinel errors for row mapping failures. Rows failing with these are poison:
// they are recorded and skipped, the rest of the batch continues.
var (
	ErrNilRow            = errors.New("row cannot be nil")
	ErrMissingExternalID = errors.New("row has no external id")
	ErrInvalidRow        = errors.New("row is malformed")
)

// Column aliases, first match wins.
var (
	timeGeneratedColumns = []string{"timestamp", "TimeGenerated", "time_generated"}
	appNameColumns       = []string{"cloud_RoleName", "AppRoleName", "appName", "app_name"}
	appVersionColumns    = []string{"application_Version", "AppVersion", "appVersion", "app_version"}
)

// ExtractExternalID derives the stable identity of row from the id fields of def.
// Only source-provided identifiers are used, never the position of the row in the
// result set, so re-fetching the same event always yields the same id.
func ExtractExternalID(def *query.Definition, row Row) (string, error) {
	if row == nil {
		return "", ErrNilRow
	}

	fields := def.IDFields()
	parts := make([]string, 0, len(fields))

	for _, field := range fields {
		value, ok := stringValue(row[field])
		if !ok {
			return "", fmt.Errorf("%w: field %q is missing or empty", ErrMissingExternalID, field)
		}

		parts = append(parts, value)
	}

	return strings.Join(parts, externalIDSeparator), nil
}

// MapRow converts a raw row into a Record for tenant. now is the ingestion time.
// Records of alert-worthy queries start in AlertPending unless seeded.
func MapRow(tenant string, def *query.Definition, row Row, now time.Time, seeded bool) (*Record, error) {
	externalID, err := ExtractExternalID(def, row)
	if err != nil {
		return nil, err
	}

	generated, err := timeGenerated(row)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot encode row: %w", ErrInvalidRow, err)
	}

	state := AlertNone
	if def.Alert() && !seeded {
		state = AlertPending
	}

	return &Record{
		ExternalID:    externalID,
		Tenant:        tenant,
		QueryName:     def.Name(),
		AppName:       firstString(row, appNameColumns),
		AppVersion:    firstString(row, appVersionColumns),
		TimeGenerated: generated,
		TimeIngested:  now.UTC(),
		DupeCount:     1,
		Seeded:        seeded,
		AlertState:    state,
		Data:          data,
	}, nil
}

func timeGenerated(row Row) (time.Time, error) {
	for _, column := range timeGeneratedColumns {
		raw, ok := row[column]
		if !ok || raw == nil {
			continue
		}

		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: column %q: %w", ErrInvalidRow, column, err)
			}

			return parsed.UTC(), nil
		default:
			return time.Time{}, fmt.Errorf("%w: column %q has unsupported type %T", ErrInvalidRow, column, raw)
		}
	}

	return time.Time{}, fmt.Errorf("%w: no generation time column", ErrInvalidRow)
}

func firstString(row Row, columns []string) string {
	for _, column := range columns {
		if value, ok := stringValue(row[column]); ok {
			return value
		}
	}

	return ""
}

// stringValue renders scalar JSON values as strings. Nil, empty and composite values
// are rejected.
func stringValue(raw any) (string, bool) {
	var s string

	switch v := raw.(type) {
	case nil:
		return "", false
	case string:
		s = v
	case json.Number:
		s = v.String()
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	case bool:
		s = strconv.FormatBool(v)
	default:
		return "", false
	}

	s = strings.TrimSpace(s)

	return s, s != ""
}
