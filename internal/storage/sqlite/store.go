package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pulse/internal/models"
	"pulse/internal/storage"
)

// SQLiteStore implements storage.Storer on a single sqlite connection.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Storer = (*SQLiteStore)(nil)

// New opens (or creates) the database at path and runs migrations.
// Use ":memory:" for a throwaway database.
func New(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// One connection serializes writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS monitors (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	url             TEXT NOT NULL,
	name            TEXT NOT NULL,
	frequency       INTEGER NOT NULL DEFAULT 300,
	expected_status INTEGER NOT NULL DEFAULT 200,
	timeout_ms      INTEGER NOT NULL DEFAULT 10000,
	custom_headers  TEXT,
	notify_email    TEXT NOT NULL,
	group_name      TEXT,
	last_checked_at TEXT,
	paused_until    TEXT,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checks (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	monitor_id       INTEGER NOT NULL,
	checked_at       TEXT NOT NULL,
	status_code      INTEGER,
	response_time_ms INTEGER,
	is_success       INTEGER NOT NULL,
	error_message    TEXT,
	FOREIGN KEY(monitor_id) REFERENCES monitors(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_checks_monitor_checked_at ON checks (monitor_id, checked_at DESC);
CREATE INDEX IF NOT EXISTS idx_checks_checked_at ON checks (checked_at);

CREATE TABLE IF NOT EXISTS tasks (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	title                 TEXT NOT NULL,
	description           TEXT,
	source                TEXT NOT NULL DEFAULT 'manual',
	priority              TEXT NOT NULL DEFAULT 'medium',
	status                TEXT NOT NULL DEFAULT 'todo',
	due_date              TEXT,
	assigned_to           INTEGER,
	created_by            INTEGER,
	category_id           INTEGER,
	is_recurring_template INTEGER NOT NULL DEFAULT 0,
	recurring_template_id INTEGER,
	recurrence_pattern    TEXT,
	recurrence_next_at    TEXT,
	recurrence_end_at     TEXT,
	created_at            TEXT NOT NULL,
	FOREIGN KEY(recurring_template_id) REFERENCES tasks(id) ON DELETE SET NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_recurrence_next_at ON tasks (recurrence_next_at) WHERE is_recurring_template = 1;
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_template_due ON tasks (recurring_template_id, due_date)
	WHERE is_recurring_template = 0 AND recurring_template_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS task_comments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    INTEGER NOT NULL,
	user_id    INTEGER,
	content    TEXT NOT NULL,
	is_system  INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(storage.TimeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.ParseInLocation(storage.TimeLayout, ns.String, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

type scanner interface {
	Scan(dest ...any) error
}

const monitorColumns = `id, url, name, frequency, expected_status, timeout_ms, custom_headers,
	notify_email, group_name, last_checked_at, paused_until, created_at`

func scanMonitor(row scanner) (models.Monitor, error) {
	var (
		m                      models.Monitor
		headers, group         sql.NullString
		lastChecked, pausedTil sql.NullString
		createdAt              string
	)
	err := row.Scan(&m.ID, &m.URL, &m.Name, &m.FrequencySeconds, &m.ExpectedStatus, &m.TimeoutMs,
		&headers, &m.NotifyEmail, &group, &lastChecked, &pausedTil, &createdAt)
	if err != nil {
		return m, err
	}
	m.Headers = models.DecodeHeaders(headers.String)
	m.Group = group.String
	m.LastCheckedAt = parseTime(lastChecked)
	m.PausedUntil = parseTime(pausedTil)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		m.CreatedAt = *t
	}
	return m, nil
}

// CreateMonitor inserts m and sets its ID and CreatedAt.
func (s *SQLiteStore) CreateMonitor(ctx context.Context, m *models.Monitor) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	query := `
INSERT INTO monitors (url, name, frequency, expected_status, timeout_ms, custom_headers,
	notify_email, group_name, last_checked_at, paused_until, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, m.URL, m.Name, m.FrequencySeconds, m.ExpectedStatus, m.TimeoutMs,
		nullString(models.EncodeHeaders(m.Headers)), m.NotifyEmail, nullString(m.Group),
		nullTime(m.LastCheckedAt), nullTime(m.PausedUntil), fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert monitor: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read monitor id: %w", err)
	}
	return nil
}

// GetMonitor retrieves a single monitor.
func (s *SQLiteStore) GetMonitor(ctx context.Context, id int64) (*models.Monitor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, id)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitor: %w", err)
	}
	return &m, nil
}

// FindMonitorByURL implements storage.Storer.
func (s *SQLiteStore) FindMonitorByURL(ctx context.Context, url string) (*models.Monitor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE url = ? ORDER BY id LIMIT 1`, url)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find monitor: %w", err)
	}
	return &m, nil
}

// DueMonitors implements storage.MonitorStore.
func (s *SQLiteStore) DueMonitors(ctx context.Context, now time.Time) ([]models.Monitor, error) {
	ts := fmtTime(now)
	query := `SELECT ` + monitorColumns + ` FROM monitors
WHERE (last_checked_at IS NULL
	OR CAST(strftime('%s', ?) AS INTEGER) - CAST(strftime('%s', last_checked_at) AS INTEGER) >= frequency)
  AND (paused_until IS NULL OR paused_until <= ?)
ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, ts, ts)
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

// RecordCheck implements storage.MonitorStore.
func (s *SQLiteStore) RecordCheck(ctx context.Context, c *models.Check) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	checkedAt := fmtTime(c.CheckedAt)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO checks (monitor_id, checked_at, status_code, response_time_ms, is_success, error_message)
VALUES (?, ?, ?, ?, ?, ?)`,
		c.MonitorID, checkedAt, c.StatusCode, c.ResponseTimeMs, c.IsSuccess, c.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to insert check: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read check id: %w", err)
	}

	res, err = tx.ExecContext(ctx, `UPDATE monitors SET last_checked_at = ? WHERE id = ?`, checkedAt, c.MonitorID)
	if err != nil {
		return fmt.Errorf("failed to update last_checked_at: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListChecks returns recent checks for a monitor, newest first.
func (s *SQLiteStore) ListChecks(ctx context.Context, params storage.ListChecksParams) ([]models.Check, error) {
	args := []any{params.MonitorID}
	qb := strings.Builder{}
	qb.WriteString(`SELECT id, monitor_id, checked_at, status_code, response_time_ms, is_success, error_message
FROM checks WHERE monitor_id = ?`)
	if params.Since != nil {
		args = append(args, fmtTime(*params.Since))
		qb.WriteString(" AND checked_at > ?")
	}
	qb.WriteString(" ORDER BY checked_at DESC, id DESC")
	if params.Limit > 0 {
		args = append(args, params.Limit)
		qb.WriteString(" LIMIT ?")
	}
	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checks: %w", err)
	}
	defer rows.Close()

	var checks []models.Check
	for rows.Next() {
		var (
			c         models.Check
			checkedAt string
			status    sql.NullInt64
			elapsed   sql.NullInt64
			msg       sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.MonitorID, &checkedAt, &status, &elapsed, &c.IsSuccess, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan check row: %w", err)
		}
		if t := parseTime(sql.NullString{String: checkedAt, Valid: true}); t != nil {
			c.CheckedAt = *t
		}
		if status.Valid {
			code := int(status.Int64)
			c.StatusCode = &code
		}
		c.ResponseTimeMs = int64Ptr(elapsed)
		if msg.Valid {
			m := msg.String
			c.ErrorMessage = &m
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// PurgeChecksBefore implements storage.Storer.
func (s *SQLiteStore) PurgeChecksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checks WHERE checked_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge checks: %w", err)
	}
	return res.RowsAffected()
}
