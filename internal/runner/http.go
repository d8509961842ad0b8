package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/ingestion"
	"github.com/correlator-io/sentinel/internal/query"
)

const maxErrorBody = 512

var (
	// ErrEmptyEndpoint is returned when the HTTP executor has no endpoint configured.
	ErrEmptyEndpoint = errors.New("query endpoint cannot be empty")

	// ErrMalformedResponse is returned when the backend response cannot be decoded.
	ErrMalformedResponse = errors.New("malformed query response")
)

type (
	// HTTPConfig configures the HTTP query executor.
	HTTPConfig struct {
		Endpoint string
		// Token, when set, is sent as a bearer token.
		Token string
	}

	// HTTPExecutor executes queries against an analytics HTTP endpoint.
	//
	// Request:  POST {"query": "<text>", "tenant": "<tenant>"}
	// Response: {"tables": [{"columns": [{"name": "..."}], "rows": [[...], ...]}]}
	HTTPExecutor struct {
		client   *http.Client
		endpoint string
		token    string
	}

	executeRequest struct {
		Query  string `json:"query"`
		Tenant string `json:"tenant"`
		Kind   string `json:"kind"`
	}

	executeResponse struct {
		Tables []resultTable `json:"tables"`
	}

	resultTable struct {
		Name    string         `json:"name"`
		Columns []resultColumn `json:"columns"`
		Rows    [][]any        `json:"rows"`
	}

	resultColumn struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
)

// LoadHTTPConfig reads the HTTP executor configuration from the environment.
func LoadHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Endpoint: config.GetEnvStr("SENTINEL_QUERY_ENDPOINT", ""),
		Token:    config.GetEnvStr("SENTINEL_QUERY_TOKEN", ""),
	}
}

// NewHTTPExecutor creates an executor posting to cfg.Endpoint. A nil client uses a
// client without an overall timeout; attempts are bounded by the runner context.
func NewHTTPExecutor(cfg *HTTPConfig, client *http.Client) (*HTTPExecutor, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, ErrEmptyEndpoint
	}

	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &HTTPExecutor{client: client, endpoint: cfg.Endpoint, token: cfg.Token}, nil
}

// Execute implements Executor. 4xx responses are reported as ErrQueryRejected; 5xx
// responses and transport errors are returned as plain (retryable) errors.
func (e *HTTPExecutor) Execute(ctx context.Context, tenant string, kind query.Kind, text string) ([]ingestion.Row, error) {
	body, err := json.Marshal(executeRequest{Query: text, Tenant: tenant, Kind: string(kind)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		statusErr := fmt.Errorf("backend returned %d: %s", resp.StatusCode, truncate(string(msg), maxErrorBody))

		if resp.StatusCode < http.StatusInternalServerError &&
			resp.StatusCode != http.StatusTooManyRequests &&
			resp.StatusCode != http.StatusRequestTimeout {
			return nil, fmt.Errorf("%w: %w", ErrQueryRejected, statusErr)
		}

		return nil, statusErr
	}

	var decoded executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	return decoded.toRows()
}

// toRows zips the first table's columns with each row. A response without tables
// is an empty result.
func (r *executeResponse) toRows() ([]ingestion.Row, error) {
	if len(r.Tables) == 0 {
		return nil, nil
	}

	table := r.Tables[0]
	rows := make([]ingestion.Row, 0, len(table.Rows))

	for i, values := range table.Rows {
		if len(values) != len(table.Columns) {
			return nil, fmt.Errorf("%w: row %d has %d values for %d columns",
				ErrMalformedResponse, i, len(values), len(table.Columns))
		}

		row := make(ingestion.Row, len(values))
		for j, col := range table.Columns {
			row[col.Name] = values[j]
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
