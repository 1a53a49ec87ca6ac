package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse/internal/models"
	"pulse/internal/storage"
)

// SystemComment is attached to every instance created from a template.
const SystemComment = "Auto-created from recurring template"

// Processor materializes task instances from due templates.
type Processor struct {
	store  storage.TemplateStore
	logger *zap.Logger
	now    func() time.Time
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor builds a Processor. A nil logger discards output.
func NewProcessor(store storage.TemplateStore, logger *zap.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{store: store, logger: logger.Named("recurrence"), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run processes every template due now. Templates are independent: one
// failing rolls back only its own unit.
func (p *Processor) Run(ctx context.Context) (models.RunReport, error) {
	report := models.RunReport{RunID: uuid.NewString(), StartedAt: p.now()}
	log := p.logger.With(zap.String("run_id", report.RunID))

	templates, err := p.store.DueTemplates(ctx, report.StartedAt)
	if err != nil {
		return report, fmt.Errorf("select due templates: %w", err)
	}
	report.Due = len(templates)
	if len(templates) > 0 {
		log.Info("processing recurring templates", zap.Int("count", len(templates)))
	}

	for _, tmpl := range templates {
		created, err := p.processTemplate(ctx, tmpl)
		if err != nil {
			report.Failed++
			log.Error("recurring template failed", zap.Int64("template_id", tmpl.ID), zap.Error(err))
			continue
		}
		report.Processed++
		if created {
			report.Created++
		}
	}

	report.Duration = time.Since(report.StartedAt)
	return report, nil
}

func (p *Processor) processTemplate(ctx context.Context, tmpl models.Task) (bool, error) {
	if tmpl.Pattern == nil {
		return false, errors.New("template has no readable recurrence pattern")
	}
	if tmpl.RecurrenceNextAt == nil {
		return false, errors.New("template has no next occurrence")
	}
	current := *tmpl.RecurrenceNextAt
	dueDate := current.UTC().Format(models.DateLayout)

	next, err := Next(*tmpl.Pattern, current)
	if err != nil {
		return false, err
	}
	var nextAt *time.Time
	if !pastEnd(next, tmpl.RecurrenceEndAt) {
		nextAt = &next
	}

	created := false
	err = p.store.InRecurrenceUnit(ctx, func(u storage.RecurrenceUnit) error {
		exists, err := u.InstanceExists(ctx, tmpl.ID, dueDate)
		if err != nil {
			return err
		}
		if !exists {
			inst := instanceOf(tmpl, dueDate)
			switch err := u.CreateInstance(ctx, inst); {
			case errors.Is(err, storage.ErrDuplicateKey):
				// lost a race with another writer; the instance exists
			case err != nil:
				return err
			default:
				comment := &models.TaskComment{TaskID: inst.ID, UserID: tmpl.CreatedBy, Content: SystemComment, IsSystem: true}
				if err := u.AddSystemComment(ctx, comment); err != nil {
					return err
				}
				created = true
			}
		}
		return u.SetNextDue(ctx, tmpl.ID, nextAt)
	})
	if err != nil {
		return false, err
	}

	log := p.logger.With(zap.Int64("template_id", tmpl.ID), zap.String("title", tmpl.Title))
	if created {
		log.Info("created recurring instance", zap.String("due_date", dueDate))
	}
	if nextAt == nil {
		log.Info("recurring template reached end date, stopped")
	}
	return created, nil
}

// pastEnd reports whether next falls on or after the end date, taken as
// midnight UTC. An unparsable end date never stops the template.
func pastEnd(next time.Time, end *string) bool {
	if end == nil || *end == "" {
		return false
	}
	cutoff, err := time.Parse(models.DateLayout, *end)
	if err != nil {
		return false
	}
	return !next.Before(cutoff)
}

func instanceOf(tmpl models.Task, dueDate string) *models.Task {
	id := tmpl.ID
	return &models.Task{
		Title:               tmpl.Title,
		Description:         tmpl.Description,
		Source:              models.SourceRecurring,
		Priority:            tmpl.Priority,
		Status:              models.StatusTodo,
		DueDate:             dueDate,
		AssignedTo:          tmpl.AssignedTo,
		CreatedBy:           tmpl.CreatedBy,
		CategoryID:          tmpl.CategoryID,
		RecurringTemplateID: &id,
	}
}
