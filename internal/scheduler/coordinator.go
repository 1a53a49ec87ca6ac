// Package scheduler drives pipeline passes on a timer and on demand, with at
// most one pass per coordinator in flight.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pulse/internal/models"
)

const drainPoll = 10 * time.Millisecond

// Pass is one run of a pipeline.
type Pass func(ctx context.Context) (models.RunReport, error)

// Status is a point-in-time view of a coordinator.
type Status struct {
	Name       string            `json:"name"`
	Interval   string            `json:"interval"`
	Running    bool              `json:"running"`
	InFlight   bool              `json:"in_flight"`
	LastTickAt *time.Time        `json:"last_tick_at,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	LastReport *models.RunReport `json:"last_report,omitempty"`
	Skipped    int64             `json:"skipped"`
}

// StatusReporter exposes coordinator status to read-only consumers.
type StatusReporter interface {
	Status() Status
}

// State is the mutable scheduling state of one coordinator. It is safe for
// concurrent use; the zero value is ready.
type State struct {
	inFlight atomic.Bool
	running  atomic.Bool
	skipped  atomic.Int64

	mu         sync.Mutex
	lastTickAt *time.Time
	lastErr    string
	lastReport *models.RunReport
}

// TryBegin claims the in-flight slot. It reports false when a pass is already running.
func (s *State) TryBegin() bool {
	if s.inFlight.CompareAndSwap(false, true) {
		return true
	}
	s.skipped.Add(1)
	return false
}

// End records the pass result and releases the in-flight slot.
func (s *State) End(at time.Time, report models.RunReport, err error) {
	s.mu.Lock()
	s.lastTickAt = &at
	s.lastReport = &report
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()
	s.inFlight.Store(false)
}

// InFlight reports whether a pass currently holds the slot.
func (s *State) InFlight() bool { return s.inFlight.Load() }

func (s *State) snapshot(name string, interval time.Duration) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:      name,
		Interval:  interval.String(),
		Running:   s.running.Load(),
		InFlight:  s.inFlight.Load(),
		LastError: s.lastErr,
		Skipped:   s.skipped.Load(),
	}
	if s.lastTickAt != nil {
		t := *s.lastTickAt
		st.LastTickAt = &t
	}
	if s.lastReport != nil {
		r := *s.lastReport
		st.LastReport = &r
	}
	return st
}

// Coordinator runs a Pass every interval and on demand through RunOnce.
type Coordinator struct {
	name     string
	interval time.Duration
	pass     Pass
	state    *State
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithState injects the scheduling state, letting several owners share it.
func WithState(s *State) Option {
	return func(c *Coordinator) { c.state = s }
}

// WithClock overrides the time source used for last_tick_at.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a stopped coordinator.
func New(name string, interval time.Duration, pass Pass, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		name:     name,
		interval: interval,
		pass:     pass,
		state:    &State{},
		logger:   logger.Named("scheduler").With(zap.String("pipeline", name)),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the pipeline name.
func (c *Coordinator) Name() string { return c.name }

// Start begins ticking. The first pass runs immediately. Calling Start on a
// running coordinator is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state.running.Store(true)

	c.logger.Info("scheduler started", zap.Duration("interval", c.interval))
	go c.loop(ctx, c.done)
}

func (c *Coordinator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error("pass failed", zap.Error(err))
		}
	}()
}

// RunOnce executes one pass unless another is in flight, in which case it
// returns ran=false without waiting. The pass context is detached from ctx's
// cancellation so shutdown does not abort in-flight work.
func (c *Coordinator) RunOnce(ctx context.Context) (report models.RunReport, ran bool, err error) {
	if !c.state.TryBegin() {
		c.logger.Info("skipped: previous pass still in flight")
		return models.RunReport{}, false, nil
	}
	ran = true
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pass panicked: %v", r)
		}
		c.state.End(c.now(), report, err)
	}()

	report, err = c.pass(context.WithoutCancel(ctx))
	return report, ran, err
}

// Stop halts the ticker and waits for the in-flight pass, including one
// started through RunOnce by an external trigger.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.wg.Wait()
	for c.state.InFlight() {
		time.Sleep(drainPoll)
	}
	c.state.running.Store(false)
	c.logger.Info("scheduler stopped")
}

// Status reports the coordinator's current state.
func (c *Coordinator) Status() Status {
	return c.state.snapshot(c.name, c.interval)
}
