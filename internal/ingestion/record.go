// Package ingestion maps raw query result rows to telemetry records and persists them
// idempotently, keyed by (tenant, external id).
package ingestion

import (
	"encoding/json"
	"time"
)

type (
	// Row is one raw result row returned by the query backend, keyed by column name.
	Row map[string]any

	// Record is the canonical, persisted form of one telemetry event.
	Record struct {
		// ID is assigned by the store on first insert.
		ID string

		// ExternalID is derived from the source system's own identifier for the event
		// and is stable across re-ingestion.
		ExternalID string

		Tenant     string
		QueryName  string
		AppName    string
		AppVersion string

		// TimeGenerated is when the source produced the event. Set on first write only.
		TimeGenerated time.Time

		// TimeIngested is when the pipeline last observed the event. Never regresses.
		TimeIngested time.Time

		// DupeCount is how many times ExternalID has been observed for Tenant (>= 1).
		DupeCount int

		// Seeded marks records inserted by a bootstrap/backfill run. Seeded records
		// never alert.
		Seeded bool

		// AlertState tracks notification delivery for this record.
		AlertState AlertState

		// Data is the raw row body as JSON. Set on first write only.
		Data json.RawMessage
	}

	// Poison is a row that could not be mapped to a Record.
	Poison struct {
		Tenant    string
		QueryName string
		Reason    string
		Data      json.RawMessage
		CreatedAt time.Time
	}

	// UpsertResult reports what a single upsert did.
	UpsertResult struct {
		// Inserted is true when the record did not exist before.
		Inserted bool
		// ID is the store id of the record.
		ID string
		// DupeCount is the count after the write.
		DupeCount int
	}
)

// Alertable reports whether the record is waiting for a notification.
func (r *Record) Alertable() bool {
	return !r.Seeded && r.AlertState == AlertPending
}
