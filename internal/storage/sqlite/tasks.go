package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulse/internal/models"
	"pulse/internal/storage"
)

const taskColumns = `id, title, description, source, priority, status, due_date, assigned_to, created_by,
	category_id, is_recurring_template, recurring_template_id, recurrence_pattern, recurrence_next_at,
	recurrence_end_at, created_at`

func scanTask(row scanner) (models.Task, error) {
	var (
		t                          models.Task
		description, dueDate       sql.NullString
		assignedTo, createdBy, cat sql.NullInt64
		templateID                 sql.NullInt64
		pattern, nextAt, endAt     sql.NullString
		createdAt                  string
	)
	err := row.Scan(&t.ID, &t.Title, &description, &t.Source, &t.Priority, &t.Status, &dueDate,
		&assignedTo, &createdBy, &cat, &t.IsRecurringTemplate, &templateID, &pattern, &nextAt, &endAt, &createdAt)
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.DueDate = dueDate.String
	t.AssignedTo = int64Ptr(assignedTo)
	t.CreatedBy = int64Ptr(createdBy)
	t.CategoryID = int64Ptr(cat)
	t.RecurringTemplateID = int64Ptr(templateID)
	// An unreadable pattern leaves Pattern nil; the recurrence pass reports it.
	t.Pattern, _ = models.DecodePattern(pattern.String)
	t.RecurrenceNextAt = parseTime(nextAt)
	if endAt.Valid && endAt.String != "" {
		e := endAt.String
		t.RecurrenceEndAt = &e
	}
	if ts := parseTime(sql.NullString{String: createdAt, Valid: true}); ts != nil {
		t.CreatedAt = *ts
	}
	return t, nil
}

func queryTasks(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, query string, args ...any) ([]models.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, db execer, t *models.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	var endAt any
	if t.RecurrenceEndAt != nil && *t.RecurrenceEndAt != "" {
		endAt = *t.RecurrenceEndAt
	}
	query := `
INSERT INTO tasks (title, description, source, priority, status, due_date, assigned_to, created_by,
	category_id, is_recurring_template, recurring_template_id, recurrence_pattern, recurrence_next_at,
	recurrence_end_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, query, t.Title, nullString(t.Description), t.Source, t.Priority, t.Status,
		nullString(t.DueDate), t.AssignedTo, t.CreatedBy, t.CategoryID, t.IsRecurringTemplate,
		t.RecurringTemplateID, nullString(models.EncodePattern(t.Pattern)), nullTime(t.RecurrenceNextAt),
		endAt, fmtTime(t.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read task id: %w", err)
	}
	return nil
}

// CreateTask inserts a task or recurring template.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	return insertTask(ctx, s.db, t)
}

// GetTask retrieves a single task.
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// FindTemplateByTitle returns the oldest recurring template with the given title.
func (s *SQLiteStore) FindTemplateByTitle(ctx context.Context, title string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE is_recurring_template = 1 AND title = ? ORDER BY id LIMIT 1`, title))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find template: %w", err)
	}
	return &t, nil
}

// ListInstances returns the concrete tasks materialized from a template.
func (s *SQLiteStore) ListInstances(ctx context.Context, templateID int64) ([]models.Task, error) {
	tasks, err := queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks
WHERE recurring_template_id = ? AND is_recurring_template = 0 ORDER BY due_date, id`, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return tasks, nil
}

// DueTemplates implements storage.TemplateStore.
func (s *SQLiteStore) DueTemplates(ctx context.Context, now time.Time) ([]models.Task, error) {
	tasks, err := queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks
WHERE is_recurring_template = 1 AND recurrence_next_at IS NOT NULL AND recurrence_next_at <= ?
ORDER BY recurrence_next_at, id`, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query due templates: %w", err)
	}
	return tasks, nil
}

// ListComments returns a task's comments in insertion order.
func (s *SQLiteStore) ListComments(ctx context.Context, taskID int64) ([]models.TaskComment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, user_id, content, is_system, created_at FROM task_comments WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()
	var comments []models.TaskComment
	for rows.Next() {
		var (
			c         models.TaskComment
			userID    sql.NullInt64
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.TaskID, &userID, &c.Content, &c.IsSystem, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment row: %w", err)
		}
		c.UserID = int64Ptr(userID)
		if ts := parseTime(sql.NullString{String: createdAt, Valid: true}); ts != nil {
			c.CreatedAt = *ts
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// InRecurrenceUnit implements storage.TemplateStore.
func (s *SQLiteStore) InRecurrenceUnit(ctx context.Context, fn func(storage.RecurrenceUnit) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&recurrenceTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// recurrenceTx scopes RecurrenceUnit calls to one transaction.
type recurrenceTx struct {
	tx *sql.Tx
}

func (r *recurrenceTx) InstanceExists(ctx context.Context, templateID int64, dueDate string) (bool, error) {
	var one int
	err := r.tx.QueryRowContext(ctx, `SELECT 1 FROM tasks
WHERE recurring_template_id = ? AND due_date = ? AND is_recurring_template = 0 LIMIT 1`, templateID, dueDate).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check for existing instance: %w", err)
	}
	return true, nil
}

func (r *recurrenceTx) CreateInstance(ctx context.Context, t *models.Task) error {
	return insertTask(ctx, r.tx, t)
}

func (r *recurrenceTx) AddSystemComment(ctx context.Context, c *models.TaskComment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	res, err := r.tx.ExecContext(ctx,
		`INSERT INTO task_comments (task_id, user_id, content, is_system, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.TaskID, c.UserID, c.Content, c.IsSystem, fmtTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read comment id: %w", err)
	}
	return nil
}

func (r *recurrenceTx) SetNextDue(ctx context.Context, templateID int64, next *time.Time) error {
	res, err := r.tx.ExecContext(ctx, `UPDATE tasks SET recurrence_next_at = ? WHERE id = ? AND is_recurring_template = 1`,
		nullTime(next), templateID)
	if err != nil {
		return fmt.Errorf("failed to update recurrence_next_at: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
