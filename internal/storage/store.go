package storage

import (
	"context"
	"errors"
	"time"

	"pulse/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when an insert collides with an existing unique row.
	ErrDuplicateKey = errors.New("duplicate")
)

// TimeLayout is the text form timestamps are stored in by the sqlite backend.
const TimeLayout = "2006-01-02 15:04:05"

// ListChecksParams filters check history for one monitor.
type ListChecksParams struct {
	MonitorID int64
	Since     *time.Time
	Limit     int
}

// MonitorStore is what the health-check pipeline needs.
type MonitorStore interface {
	// DueMonitors returns monitors never checked or whose cadence has elapsed
	// at now, skipping those paused past now.
	DueMonitors(ctx context.Context, now time.Time) ([]models.Monitor, error)
	// RecordCheck appends the check and stamps the monitor's last_checked_at
	// with check.CheckedAt in one transaction.
	RecordCheck(ctx context.Context, check *models.Check) error
}

// RecurrenceUnit is the per-template transactional scope of a recurrence pass.
type RecurrenceUnit interface {
	InstanceExists(ctx context.Context, templateID int64, dueDate string) (bool, error)
	CreateInstance(ctx context.Context, instance *models.Task) error
	AddSystemComment(ctx context.Context, comment *models.TaskComment) error
	SetNextDue(ctx context.Context, templateID int64, next *time.Time) error
}

// TemplateStore is what the recurrence pipeline needs.
type TemplateStore interface {
	DueTemplates(ctx context.Context, now time.Time) ([]models.Task, error)
	// InRecurrenceUnit runs fn in one transaction. The unit commits if fn
	// returns nil and rolls back otherwise.
	InRecurrenceUnit(ctx context.Context, fn func(RecurrenceUnit) error) error
}

// Storer is the full persistence contract.
type Storer interface {
	MonitorStore
	TemplateStore

	CreateMonitor(ctx context.Context, m *models.Monitor) error
	GetMonitor(ctx context.Context, id int64) (*models.Monitor, error)
	// FindMonitorByURL returns the oldest monitor probing url, or ErrNotFound.
	FindMonitorByURL(ctx context.Context, url string) (*models.Monitor, error)
	ListChecks(ctx context.Context, params ListChecksParams) ([]models.Check, error)
	// PurgeChecksBefore deletes checks older than cutoff and returns how many went.
	PurgeChecksBefore(ctx context.Context, cutoff time.Time) (int64, error)

	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	// FindTemplateByTitle returns the oldest recurring template titled title, or ErrNotFound.
	FindTemplateByTitle(ctx context.Context, title string) (*models.Task, error)
	ListInstances(ctx context.Context, templateID int64) ([]models.Task, error)
	ListComments(ctx context.Context, taskID int64) ([]models.TaskComment, error)

	Close() error
}
