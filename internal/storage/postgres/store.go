package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/internal/models"
	"pulse/internal/storage"
)

// PostgresStore implements the storage.Storer interface for PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ storage.Storer = (*PostgresStore)(nil)

// New creates a new PostgresStore and establishes a connection to the database.
// It also runs migrations to ensure the schema is up to date.
func New(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	store := &PostgresStore{db: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS monitors (
		id              BIGSERIAL PRIMARY KEY,
		url             TEXT NOT NULL,
		name            TEXT NOT NULL,
		frequency       INTEGER NOT NULL DEFAULT 300,
		expected_status INTEGER NOT NULL DEFAULT 200,
		timeout_ms      INTEGER NOT NULL DEFAULT 10000,
		custom_headers  TEXT,
		notify_email    TEXT NOT NULL,
		group_name      TEXT,
		last_checked_at TIMESTAMPTZ,
		paused_until    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS checks (
		id               BIGSERIAL PRIMARY KEY,
		monitor_id       BIGINT NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
		checked_at       TIMESTAMPTZ NOT NULL,
		status_code      INTEGER,
		response_time_ms BIGINT,
		is_success       BOOLEAN NOT NULL,
		error_message    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_checks_monitor_checked_at ON checks (monitor_id, checked_at DESC);
	CREATE INDEX IF NOT EXISTS idx_checks_checked_at ON checks (checked_at);

	CREATE TABLE IF NOT EXISTS tasks (
		id                    BIGSERIAL PRIMARY KEY,
		title                 TEXT NOT NULL,
		description           TEXT,
		source                TEXT NOT NULL DEFAULT 'manual',
		priority              TEXT NOT NULL DEFAULT 'medium',
		status                TEXT NOT NULL DEFAULT 'todo',
		due_date              TEXT,
		assigned_to           BIGINT,
		created_by            BIGINT,
		category_id           BIGINT,
		is_recurring_template BOOLEAN NOT NULL DEFAULT FALSE,
		recurring_template_id BIGINT REFERENCES tasks(id) ON DELETE SET NULL,
		recurrence_pattern    TEXT,
		recurrence_next_at    TIMESTAMPTZ,
		recurrence_end_at     TEXT,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_recurrence_next_at ON tasks (recurrence_next_at) WHERE is_recurring_template;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_template_due ON tasks (recurring_template_id, due_date)
		WHERE NOT is_recurring_template AND recurring_template_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS task_comments (
		id         BIGSERIAL PRIMARY KEY,
		task_id    BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		user_id    BIGINT,
		content    TEXT NOT NULL,
		is_system  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const monitorColumns = `id, url, name, frequency, expected_status, timeout_ms, custom_headers,
	notify_email, group_name, last_checked_at, paused_until, created_at`

func scanMonitor(row pgx.Row) (models.Monitor, error) {
	var (
		m              models.Monitor
		headers, group *string
	)
	err := row.Scan(&m.ID, &m.URL, &m.Name, &m.FrequencySeconds, &m.ExpectedStatus, &m.TimeoutMs,
		&headers, &m.NotifyEmail, &group, &m.LastCheckedAt, &m.PausedUntil, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	if headers != nil {
		m.Headers = models.DecodeHeaders(*headers)
	}
	if group != nil {
		m.Group = *group
	}
	return m, nil
}

// CreateMonitor implements the Storer interface.
func (s *PostgresStore) CreateMonitor(ctx context.Context, m *models.Monitor) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO monitors (url, name, frequency, expected_status, timeout_ms, custom_headers,
		notify_email, group_name, last_checked_at, paused_until, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING id`
	err := s.db.QueryRow(ctx, query, m.URL, m.Name, m.FrequencySeconds, m.ExpectedStatus, m.TimeoutMs,
		nullString(models.EncodeHeaders(m.Headers)), m.NotifyEmail, nullString(m.Group),
		m.LastCheckedAt, m.PausedUntil, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to insert monitor: %w", err)
	}
	return nil
}

// GetMonitor implements the Storer interface.
func (s *PostgresStore) GetMonitor(ctx context.Context, id int64) (*models.Monitor, error) {
	m, err := scanMonitor(s.db.QueryRow(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor: %w", err)
	}
	return &m, nil
}

// FindMonitorByURL implements the Storer interface.
func (s *PostgresStore) FindMonitorByURL(ctx context.Context, url string) (*models.Monitor, error) {
	m, err := scanMonitor(s.db.QueryRow(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE url = $1 ORDER BY id LIMIT 1`, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find monitor: %w", err)
	}
	return &m, nil
}

// DueMonitors implements the Storer interface.
func (s *PostgresStore) DueMonitors(ctx context.Context, now time.Time) ([]models.Monitor, error) {
	query := `SELECT ` + monitorColumns + ` FROM monitors
	WHERE (last_checked_at IS NULL OR last_checked_at <= $1::timestamptz - make_interval(secs => frequency))
	  AND (paused_until IS NULL OR paused_until <= $1::timestamptz)
	ORDER BY id`
	rows, err := s.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due monitors: %w", err)
	}
	defer rows.Close()
	var monitors []models.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitor row: %w", err)
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

// RecordCheck implements the Storer interface.
func (s *PostgresStore) RecordCheck(ctx context.Context, c *models.Check) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
		INSERT INTO checks (monitor_id, checked_at, status_code, response_time_ms, is_success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			c.MonitorID, c.CheckedAt, c.StatusCode, c.ResponseTimeMs, c.IsSuccess, c.ErrorMessage).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("failed to insert check: %w", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE monitors SET last_checked_at = $1 WHERE id = $2`, c.CheckedAt, c.MonitorID)
		if err != nil {
			return fmt.Errorf("failed to update last_checked_at: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// ListChecks implements the Storer interface.
func (s *PostgresStore) ListChecks(ctx context.Context, params storage.ListChecksParams) ([]models.Check, error) {
	args := []any{params.MonitorID}
	qb := strings.Builder{}
	qb.WriteString(`SELECT id, monitor_id, checked_at, status_code, response_time_ms, is_success, error_message
	FROM checks WHERE monitor_id = $1`)
	if params.Since != nil {
		args = append(args, *params.Since)
		qb.WriteString(fmt.Sprintf(" AND checked_at > $%d", len(args)))
	}
	qb.WriteString(" ORDER BY checked_at DESC, id DESC")
	if params.Limit > 0 {
		args = append(args, params.Limit)
		qb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	rows, err := s.db.Query(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checks: %w", err)
	}
	defer rows.Close()
	var checks []models.Check
	for rows.Next() {
		var c models.Check
		if err := rows.Scan(&c.ID, &c.MonitorID, &c.CheckedAt, &c.StatusCode, &c.ResponseTimeMs, &c.IsSuccess, &c.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan check row: %w", err)
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// PurgeChecksBefore implements the Storer interface.
func (s *PostgresStore) PurgeChecksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM checks WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge checks: %w", err)
	}
	return tag.RowsAffected(), nil
}
