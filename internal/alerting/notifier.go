// Package alerting delivers one notification per newly ingested, alert-worthy
// telemetry record, decoupled from ingestion.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/correlator-io/sentinel/internal/ingestion"
)

// Summary placeholders.
const (
	placeholderTenant     = "{tenant}"
	placeholderQuery      = "{query}"
	placeholderAppName    = "{app_name}"
	placeholderAppVersion = "{app_version}"
	placeholderExternalID = "{external_id}"
	placeholderExtID      = "{ext_id}"

	defaultSummary = "[{tenant}] {query}: {app_name} {app_version} ({external_id})"
)

type (
	// Notification is the payload sent to a sink for one record.
	Notification struct {
		RecordID      string    `json:"recordId"`
		Tenant        string    `json:"tenant"`
		Query         string    `json:"query"`
		ExternalID    string    `json:"externalId"`
		AppName       string    `json:"appName,omitempty"`
		AppVersion    string    `json:"appVersion,omitempty"`
		Summary       string    `json:"summary"`
		TimeGenerated time.Time `json:"timeGenerated"`
	}

	// Delivery is the outcome reported by a sink. OK is authoritative; Error carries a
	// description when OK is false.
	Delivery struct {
		OK    bool
		Error string
	}

	// Notifier delivers notifications to an external sink.
	Notifier interface {
		Notify(ctx context.Context, n Notification) Delivery
		Name() string
	}

	// LogNotifier writes notifications to the log. Used when no external sink is configured.
	LogNotifier struct {
		logger *slog.Logger
	}
)

// Delivered is a successful Delivery.
func Delivered() Delivery {
	return Delivery{OK: true}
}

// Failed is a failed Delivery carrying err.
func Failed(err error) Delivery {
	return Delivery{Error: err.Error()}
}

// NewNotification builds the notification for record, rendering summary. An empty
// summary template falls back to a generic one.
func NewNotification(record *ingestion.Record, summary string) Notification {
	if strings.TrimSpace(summary) == "" {
		summary = defaultSummary
	}

	replacer := strings.NewReplacer(
		placeholderTenant, record.Tenant,
		placeholderQuery, record.QueryName,
		placeholderAppName, record.AppName,
		placeholderAppVersion, record.AppVersion,
		placeholderExternalID, record.ExternalID,
		placeholderExtID, record.ExternalID,
	)

	return Notification{
		RecordID:      record.ID,
		Tenant:        record.Tenant,
		Query:         record.QueryName,
		ExternalID:    record.ExternalID,
		AppName:       record.AppName,
		AppVersion:    record.AppVersion,
		Summary:       strings.Join(strings.Fields(replacer.Replace(summary)), " "),
		TimeGenerated: record.TimeGenerated,
	}
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n Notification) Delivery {
	l.logger.Warn("Alert",
		slog.String("tenant", n.Tenant),
		slog.String("query", n.Query),
		slog.String("external_id", n.ExternalID),
		slog.String("summary", n.Summary),
		slog.Time("time_generated", n.TimeGenerated),
	)

	return Delivered()
}

// Name implements Notifier.
func (l *LogNotifier) Name() string {
	return "log"
}

func (d Delivery) err() error {
	if d.OK {
		return nil
	}

	msg := d.Error
	if msg == "" {
		msg = "sink reported failure without description"
	}

	return fmt.Errorf("%w: %s", ErrDeliveryFailed, msg)
}
