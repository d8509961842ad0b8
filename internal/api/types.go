package api

import (
	"time"

	"github.com/correlator-io/sentinel/internal/scheduler"
)

type (
	// HealthStatus is the /health payload.
	HealthStatus struct {
		Status      string                      `json:"status"`
		ServiceName string                      `json:"serviceName"`
		Version     string                      `json:"version"`
		Uptime      string                      `json:"uptime,omitempty"`
		Pairs       map[scheduler.PairState]int `json:"pairs,omitempty"`
	}

	// WindowView is a persisted window with its distance from now.
	WindowView struct {
		Tenant       string    `json:"tenant"`
		Query        string    `json:"query"`
		Fingerprint  string    `json:"fingerprint"`
		QueriedUntil time.Time `json:"queriedUntil"`
		UpdatedAt    time.Time `json:"updatedAt"`
		LagSeconds   float64   `json:"lagSeconds"`
	}

	// WindowsResponse is the GET /api/v1/windows payload.
	WindowsResponse struct {
		Windows   []WindowView           `json:"windows"`
		Pairs     []scheduler.PairStatus `json:"pairs"`
		Timestamp time.Time              `json:"timestamp"`
	}

	// ResetResponse is the DELETE /api/v1/windows/{tenant}/{fingerprint} payload.
	ResetResponse struct {
		Tenant      string `json:"tenant"`
		Fingerprint string `json:"fingerprint"`
		Reset       bool   `json:"reset"`
	}
)
