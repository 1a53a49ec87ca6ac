// Package checker runs the health-check pipeline: select due monitors, probe
// them concurrently, persist each outcome and drive alerting.
package checker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse/internal/alert"
	"pulse/internal/models"
	"pulse/internal/notify"
	"pulse/internal/probe"
	"pulse/internal/storage"
)

// DefaultConcurrency bounds simultaneous probes within one pass.
const DefaultConcurrency = 10

// DefaultNotifyTimeout bounds one notification send.
const DefaultNotifyTimeout = 30 * time.Second

// Prober executes one probe.
type Prober interface {
	Probe(ctx context.Context, m models.Monitor) probe.Outcome
}

// Checker is the health-check pass.
type Checker struct {
	store       storage.MonitorStore
	prober      Prober
	tracker     *alert.Tracker
	notifier    notify.Notifier
	concurrency int
	notifyWait  time.Duration
	hosts       *HostLimiter
	logger      *zap.Logger
	now         func() time.Time
}

// Option customizes a Checker.
type Option func(*Checker)

// WithConcurrency sets the per-pass worker count.
func WithConcurrency(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithPerHostLimit caps concurrent probes against a single host. Zero or
// negative leaves hosts unbounded.
func WithPerHostLimit(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.hosts = NewHostLimiter(n)
		}
	}
}

// WithNotifyTimeout bounds each alert or recovery notification.
func WithNotifyTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.notifyWait = d
		}
	}
}

// WithClock overrides the time source used for selection and check timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// New creates a Checker. A nil notifier only logs transitions.
func New(store storage.MonitorStore, prober Prober, tracker *alert.Tracker, notifier notify.Notifier, logger *zap.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}
	c := &Checker{
		store:       store,
		prober:      prober,
		tracker:     tracker,
		notifier:    notifier,
		concurrency: DefaultConcurrency,
		notifyWait:  DefaultNotifyTimeout,
		logger:      logger.Named("checker"),
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run processes every monitor due now and returns once all of them finish.
func (c *Checker) Run(ctx context.Context) (models.RunReport, error) {
	report := models.RunReport{RunID: uuid.NewString(), StartedAt: c.now()}
	log := c.logger.With(zap.String("run_id", report.RunID))

	monitors, err := c.store.DueMonitors(ctx, report.StartedAt)
	if err != nil {
		return report, fmt.Errorf("select due monitors: %w", err)
	}
	report.Due = len(monitors)
	if len(monitors) == 0 {
		log.Debug("no monitors due")
		report.Duration = time.Since(report.StartedAt)
		return report, nil
	}
	log.Info("checking due monitors", zap.Int("count", len(monitors)))

	var mu sync.Mutex
	pool := NewWorkerPool(c.concurrency, func(m models.Monitor) {
		res := c.checkOne(ctx, log, m)
		mu.Lock()
		defer mu.Unlock()
		if res.failed {
			report.Failed++
			return
		}
		report.Processed++
		if res.notified {
			report.Notified++
		}
		if res.notifyFailed {
			report.NotifyFailures++
		}
	}, func(m models.Monitor, r any) {
		log.Error("check panicked", zap.Int64("monitor_id", m.ID), zap.Any("panic", r))
		mu.Lock()
		report.Failed++
		mu.Unlock()
	})
	for _, m := range monitors {
		pool.Submit(m)
	}
	pool.Stop()

	report.Duration = time.Since(report.StartedAt)
	log.Info("health pass finished",
		zap.Int("processed", report.Processed), zap.Int("failed", report.Failed),
		zap.Int("notify_failures", report.NotifyFailures), zap.Duration("took", report.Duration))
	return report, nil
}

type itemResult struct {
	failed       bool
	notified     bool
	notifyFailed bool
}

func (c *Checker) checkOne(ctx context.Context, log *zap.Logger, m models.Monitor) itemResult {
	log = log.With(zap.Int64("monitor_id", m.ID), zap.String("url", m.URL))

	if c.hosts != nil {
		host := hostKey(m.URL)
		c.hosts.Acquire(host)
		defer c.hosts.Release(host)
	}

	out := c.prober.Probe(ctx, m)
	check := out.Check(m.ID, c.now().UTC())
	if err := c.store.RecordCheck(ctx, &check); err != nil {
		log.Error("failed to record check", zap.Error(err))
		return itemResult{failed: true}
	}
	if out.Success {
		log.Debug("check ok", zap.Intp("status_code", out.StatusCode), zap.Duration("latency", out.ResponseTime))
	} else {
		log.Warn("check failed", zap.Intp("status_code", out.StatusCode), zap.String("error", out.Error))
	}

	var (
		res itemResult
		err error
	)
	nctx, cancel := context.WithTimeout(ctx, c.notifyWait)
	defer cancel()
	switch c.tracker.Observe(m.ID, out.Success) {
	case alert.WentDown:
		res.notified = true
		err = c.notifier.SendAlert(nctx, m.NotifyEmail, m, models.StateDown, out.Error)
	case alert.Recovered:
		res.notified = true
		err = c.notifier.SendRecoveryNotice(nctx, m.NotifyEmail, m)
	}
	if err != nil {
		res.notifyFailed = true
		log.Error("failed to send notification", zap.Error(err))
	}
	return res
}
