package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pulse/internal/models"
	"pulse/internal/storage"
)

const taskColumns = `id, title, description, source, priority, status, due_date, assigned_to, created_by,
	category_id, is_recurring_template, recurring_template_id, recurrence_pattern, recurrence_next_at,
	recurrence_end_at, created_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanTask(row pgx.Row) (models.Task, error) {
	var (
		t                    models.Task
		description, dueDate *string
		pattern              *string
	)
	err := row.Scan(&t.ID, &t.Title, &description, &t.Source, &t.Priority, &t.Status, &dueDate,
		&t.AssignedTo, &t.CreatedBy, &t.CategoryID, &t.IsRecurringTemplate, &t.RecurringTemplateID,
		&pattern, &t.RecurrenceNextAt, &t.RecurrenceEndAt, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	if description != nil {
		t.Description = *description
	}
	if dueDate != nil {
		t.DueDate = *dueDate
	}
	if pattern != nil {
		t.Pattern, _ = models.DecodePattern(*pattern)
	}
	return t, nil
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]models.Task, error) {
	rows, err := q.Query(ctx, query, args...)
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

func insertTask(ctx context.Context, q querier, t *models.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var endAt *string
	if t.RecurrenceEndAt != nil && *t.RecurrenceEndAt != "" {
		endAt = t.RecurrenceEndAt
	}
	query := `
	INSERT INTO tasks (title, description, source, priority, status, due_date, assigned_to, created_by,
		category_id, is_recurring_template, recurring_template_id, recurrence_pattern, recurrence_next_at,
		recurrence_end_at, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	RETURNING id`
	err := q.QueryRow(ctx, query, t.Title, nullString(t.Description), t.Source, t.Priority, t.Status,
		nullString(t.DueDate), t.AssignedTo, t.CreatedBy, t.CategoryID, t.IsRecurringTemplate,
		t.RecurringTemplateID, nullString(models.EncodePattern(t.Pattern)), t.RecurrenceNextAt,
		endAt, t.CreatedAt).Scan(&t.ID)
	if isUniqueViolation(err) {
		return storage.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// CreateTask implements the Storer interface.
func (s *PostgresStore) CreateTask(ctx context.Context, t *models.Task) error {
	return insertTask(ctx, s.db, t)
}

// GetTask implements the Storer interface.
func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// FindTemplateByTitle implements the Storer interface.
func (s *PostgresStore) FindTemplateByTitle(ctx context.Context, title string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks
	WHERE is_recurring_template AND title = $1 ORDER BY id LIMIT 1`, title))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find template: %w", err)
	}
	return &t, nil
}

// ListInstances implements the Storer interface.
func (s *PostgresStore) ListInstances(ctx context.Context, templateID int64) ([]models.Task, error) {
	tasks, err := queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks
	WHERE recurring_template_id = $1 AND NOT is_recurring_template ORDER BY due_date, id`, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return tasks, nil
}

// DueTemplates implements the Storer interface.
func (s *PostgresStore) DueTemplates(ctx context.Context, now time.Time) ([]models.Task, error) {
	tasks, err := queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks
	WHERE is_recurring_template AND recurrence_next_at IS NOT NULL AND recurrence_next_at <= $1
	ORDER BY recurrence_next_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due templates: %w", err)
	}
	return tasks, nil
}

// ListComments implements the Storer interface.
func (s *PostgresStore) ListComments(ctx context.Context, taskID int64) ([]models.TaskComment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, task_id, user_id, content, is_system, created_at FROM task_comments WHERE task_id = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()
	var comments []models.TaskComment
	for rows.Next() {
		var c models.TaskComment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.UserID, &c.Content, &c.IsSystem, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment row: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// InRecurrenceUnit implements the Storer interface.
func (s *PostgresStore) InRecurrenceUnit(ctx context.Context, fn func(storage.RecurrenceUnit) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&recurrenceTx{tx: tx})
	})
}

type recurrenceTx struct {
	tx pgx.Tx
}

func (r *recurrenceTx) InstanceExists(ctx context.Context, templateID int64, dueDate string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks
	WHERE recurring_template_id = $1 AND due_date = $2 AND NOT is_recurring_template)`, templateID, dueDate).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for existing instance: %w", err)
	}
	return exists, nil
}

// CreateInstance inserts under a savepoint so a unique violation leaves the
// outer transaction usable.
func (r *recurrenceTx) CreateInstance(ctx context.Context, t *models.Task) error {
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not create savepoint: %w", err)
	}
	if err := insertTask(ctx, sp, t); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func (r *recurrenceTx) AddSystemComment(ctx context.Context, c *models.TaskComment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	err := r.tx.QueryRow(ctx,
		`INSERT INTO task_comments (task_id, user_id, content, is_system, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		c.TaskID, c.UserID, c.Content, c.IsSystem, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

func (r *recurrenceTx) SetNextDue(ctx context.Context, templateID int64, next *time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE tasks SET recurrence_next_at = $1 WHERE id = $2 AND is_recurring_template`, next, templateID)
	if err != nil {
		return fmt.Errorf("failed to update recurrence_next_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
