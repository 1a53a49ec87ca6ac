package checker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse/internal/models"
)

// DefaultRetentionDays is how long check history is kept.
const DefaultRetentionDays = 30

// Purger deletes old checks.
type Purger interface {
	PurgeChecksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention trims check history older than the configured horizon.
type Retention struct {
	store  Purger
	days   int
	logger *zap.Logger
	now    func() time.Time
}

// NewRetention builds a retention pass keeping days of history.
func NewRetention(store Purger, days int, logger *zap.Logger) *Retention {
	if days < 1 {
		days = DefaultRetentionDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retention{store: store, days: days, logger: logger.Named("retention"), now: time.Now}
}

// Run deletes every check older than the horizon.
func (r *Retention) Run(ctx context.Context) (models.RunReport, error) {
	report := models.RunReport{RunID: uuid.NewString(), StartedAt: r.now()}
	cutoff := report.StartedAt.AddDate(0, 0, -r.days)

	n, err := r.store.PurgeChecksBefore(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("purge checks: %w", err)
	}
	report.Purged = n
	report.Processed = int(n)
	report.Duration = time.Since(report.StartedAt)
	if n > 0 {
		r.logger.Info("purged old checks", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	}
	return report, nil
}
