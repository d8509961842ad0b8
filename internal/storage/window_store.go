package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/window"
)

var (
	// ErrWindowStoreFailed is returned when a query_state read or write fails.
	ErrWindowStoreFailed = errors.New("window storage failed")

	_ window.Store = (*WindowStore)(nil)
)

// WindowStore implements window.Store with PostgreSQL. queried_until only moves forward:
// AdvanceWindow clamps with GREATEST in the same statement that writes it.
type WindowStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewWindowStore creates a PostgreSQL-backed window store.
func NewWindowStore(conn *Connection) (*WindowStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &WindowStore{
		conn:   conn,
		logger: config.NewLogger("storage"),
	}, nil
}

// GetWindow returns the state for (tenant, fingerprint).
func (s *WindowStore) GetWindow(ctx context.Context, tenant, fingerprint string) (*window.State, bool, error) {
	query := `
		SELECT tenant, query_name, fingerprint, queried_until, updated_at
		FROM query_state
		WHERE tenant = $1 AND fingerprint = $2
	`

	state, err := scanState(s.conn.QueryRowContext(ctx, query, tenant, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, s.wrap("get window", err)
	}

	return state, true, nil
}

// AdvanceWindow raises queried_until to until, creating the row when absent, and
// returns the value in effect after the write.
func (s *WindowStore) AdvanceWindow(
	ctx context.Context,
	tenant, queryName, fingerprint string,
	until time.Time,
) (time.Time, error) {
	query := `
		INSERT INTO query_state (id, tenant, query_name, fingerprint, queried_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant, fingerprint) DO UPDATE SET
			queried_until = GREATEST(query_state.queried_until, EXCLUDED.queried_until),
			query_name    = EXCLUDED.query_name,
			updated_at    = NOW()
		RETURNING queried_until
	`

	var effective time.Time

	if err := s.conn.QueryRowContext(ctx, query,
		uuid.NewString(), tenant, queryName, fingerprint, until.UTC(),
	).Scan(&effective); err != nil {
		return time.Time{}, s.wrap("advance window", err)
	}

	return effective.UTC(), nil
}

// ListWindows returns all window states, or only those of tenant when it is non-empty.
func (s *WindowStore) ListWindows(ctx context.Context, tenant string) ([]*window.State, error) {
	query := `
		SELECT tenant, query_name, fingerprint, queried_until, updated_at
		FROM query_state
		WHERE $1 = '' OR tenant = $1
		ORDER BY tenant, query_name, updated_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, s.wrap("list windows", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	states := make([]*window.State, 0)

	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, s.wrap("list windows", err)
		}

		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, s.wrap("list windows", err)
	}

	return states, nil
}

// ResetWindow deletes the state for (tenant, fingerprint) and reports whether it existed.
func (s *WindowStore) ResetWindow(ctx context.Context, tenant, fingerprint string) (bool, error) {
	result, err := s.conn.ExecContext(ctx,
		`DELETE FROM query_state WHERE tenant = $1 AND fingerprint = $2`, tenant, fingerprint)
	if err != nil {
		return false, s.wrap("reset window", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, s.wrap("reset window", err)
	}

	if rows > 0 {
		s.logger.Warn("Window reset",
			slog.String("tenant", tenant),
			slog.String("fingerprint", fingerprint),
		)
	}

	return rows > 0, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *WindowStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

func (s *WindowStore) wrap(op string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("Database connection error",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("%w: %s: %w", ErrDatabaseUnavailable, op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrWindowStoreFailed, op, err)
}

func scanState(row rowScanner) (*window.State, error) {
	var st window.State

	if err := row.Scan(&st.Tenant, &st.QueryName, &st.Fingerprint, &st.QueriedUntil, &st.UpdatedAt); err != nil {
		return nil, err
	}

	st.QueriedUntil = st.QueriedUntil.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()

	return &st, nil
}
