package checker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"pulse/internal/alert"
	"pulse/internal/models"
	"pulse/internal/probe"
	"pulse/internal/storage"
	"pulse/internal/storage/sqlite"
)

// memStore is an in-memory MonitorStore.
type memStore struct {
	mu        sync.Mutex
	monitors  []models.Monitor
	checks    []models.Check
	recordErr map[int64]error
	dueErr    error
}

func (s *memStore) DueMonitors(_ context.Context, now time.Time) ([]models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	var due []models.Monitor
	for _, m := range s.monitors {
		if m.LastCheckedAt == nil || now.Sub(*m.LastCheckedAt) >= time.Duration(m.FrequencySeconds)*time.Second {
			due = append(due, m)
		}
	}
	return due, nil
}

func (s *memStore) RecordCheck(_ context.Context, c *models.Check) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordErr[c.MonitorID]; err != nil {
		return err
	}
	s.checks = append(s.checks, *c)
	for i := range s.monitors {
		if s.monitors[i].ID == c.MonitorID {
			at := c.CheckedAt
			s.monitors[i].LastCheckedAt = &at
		}
	}
	return nil
}

type sentAlert struct {
	recipient string
	monitorID int64
	cause     string
	recovery  bool
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentAlert
	err  error
}

func (n *fakeNotifier) SendAlert(_ context.Context, recipient string, m models.Monitor, _ models.AlertState, cause string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentAlert{recipient: recipient, monitorID: m.ID, cause: cause})
	return n.err
}

func (n *fakeNotifier) SendRecoveryNotice(_ context.Context, recipient string, m models.Monitor) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentAlert{recipient: recipient, monitorID: m.ID, recovery: true})
	return n.err
}

// scriptedProber returns queued outcomes per monitor.
type scriptedProber struct {
	mu       sync.Mutex
	outcomes map[int64][]probe.Outcome
	calls    atomic.Int32
}

func (p *scriptedProber) Probe(_ context.Context, m models.Monitor) probe.Outcome {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.outcomes[m.ID]
	if len(q) == 0 {
		code := 200
		return probe.Outcome{StatusCode: &code, Success: true}
	}
	p.outcomes[m.ID] = q[1:]
	return q[0]
}

func failed(msg string) probe.Outcome { return probe.Outcome{Error: msg} }

func TestCheckerAlertsOnceAfterThreshold(t *testing.T) {
	store := &memStore{monitors: []models.Monitor{{ID: 1, URL: "https://a.example", FrequencySeconds: 60, NotifyEmail: "ops@example.com"}}}
	prober := &scriptedProber{outcomes: map[int64][]probe.Outcome{
		1: {failed("Connection refused"), failed("Connection refused"), failed("Connection refused")},
	}}
	notifier := &fakeNotifier{}

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(store, prober, alert.NewTracker(2), notifier, zaptest.NewLogger(t), WithClock(func() time.Time { return clock }))

	for i := 0; i < 4; i++ {
		report, err := c.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Processed)
		clock = clock.Add(time.Minute)
	}

	require.Len(t, notifier.sent, 2)
	assert.Equal(t, sentAlert{recipient: "ops@example.com", monitorID: 1, cause: "Connection refused"}, notifier.sent[0])
	assert.True(t, notifier.sent[1].recovery)
	assert.Len(t, store.checks, 4)
}

func TestCheckerSkipsMonitorsNotDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Second)
	store := &memStore{monitors: []models.Monitor{
		{ID: 1, FrequencySeconds: 60, LastCheckedAt: &recent},
		{ID: 2, FrequencySeconds: 60},
	}}
	prober := &scriptedProber{}
	c := New(store, prober, alert.NewTracker(2), &fakeNotifier{}, nil, WithClock(func() time.Time { return now }))

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.EqualValues(t, 1, prober.calls.Load())
}

func TestCheckerPersistenceFailureSkipsItem(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	store := &memStore{
		monitors:  []models.Monitor{{ID: 1, FrequencySeconds: 60}, {ID: 2, FrequencySeconds: 60}},
		recordErr: map[int64]error{1: errors.New("disk full")},
	}
	prober := &scriptedProber{outcomes: map[int64][]probe.Outcome{1: {failed("x")}, 2: {failed("y")}}}
	notifier := &fakeNotifier{}
	c := New(store, prober, alert.NewTracker(1), notifier, zap.New(core))

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, notifier.sent, 1)
	assert.EqualValues(t, 2, notifier.sent[0].monitorID)
	assert.Equal(t, 1, logs.FilterMessage("failed to record check").Len())
}

func TestCheckerNotifierFailureKeepsCheck(t *testing.T) {
	store := &memStore{monitors: []models.Monitor{{ID: 1, FrequencySeconds: 60}}}
	prober := &scriptedProber{outcomes: map[int64][]probe.Outcome{1: {failed("DNS resolution failed")}}}
	notifier := &fakeNotifier{err: errors.New("smtp unavailable")}
	c := New(store, prober, alert.NewTracker(1), notifier, nil)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.NotifyFailures)
	assert.Len(t, store.checks, 1)
	assert.Equal(t, "DNS resolution failed", *store.checks[0].ErrorMessage)
}

// stuckNotifier blocks until its context ends, like a relay that never answers.
type stuckNotifier struct{}

func (stuckNotifier) SendAlert(ctx context.Context, _ string, _ models.Monitor, _ models.AlertState, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckNotifier) SendRecoveryNotice(ctx context.Context, _ string, _ models.Monitor) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestCheckerNotifierTimeoutDoesNotStallPass(t *testing.T) {
	store := &memStore{monitors: []models.Monitor{{ID: 1, FrequencySeconds: 60}}}
	prober := &scriptedProber{outcomes: map[int64][]probe.Outcome{1: {failed("connection refused")}}}
	c := New(store, prober, alert.NewTracker(1), stuckNotifier{}, nil, WithNotifyTimeout(50*time.Millisecond))

	done := make(chan models.RunReport, 1)
	go func() {
		report, err := c.Run(context.WithoutCancel(context.Background()))
		assert.NoError(t, err)
		done <- report
	}()

	select {
	case report := <-done:
		assert.Equal(t, 1, report.Processed)
		assert.Equal(t, 1, report.NotifyFailures)
	case <-time.After(5 * time.Second):
		t.Fatal("pass stalled on a notifier that never returns")
	}
}

type panickyProber struct{}

func (panickyProber) Probe(_ context.Context, m models.Monitor) probe.Outcome {
	if m.ID == 1 {
		panic("nil header map")
	}
	return probe.Outcome{Success: true}
}

func TestCheckerRecoversWorkerPanic(t *testing.T) {
	store := &memStore{monitors: []models.Monitor{{ID: 1, FrequencySeconds: 60}, {ID: 2, FrequencySeconds: 60}}}
	core, logs := observer.New(zap.ErrorLevel)
	c := New(store, panickyProber{}, alert.NewTracker(2), nil, zap.New(core), WithConcurrency(1))

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Processed)
	assert.Len(t, store.checks, 1)
	assert.Equal(t, 1, logs.FilterMessage("check panicked").Len())
}

func TestCheckerSelectionError(t *testing.T) {
	store := &memStore{dueErr: errors.New("db locked")}
	c := New(store, &scriptedProber{}, alert.NewTracker(2), nil, nil)
	_, err := c.Run(context.Background())
	assert.ErrorContains(t, err, "db locked")
}

type slowProber struct {
	inFlight, peak atomic.Int32
}

func (p *slowProber) Probe(context.Context, models.Monitor) probe.Outcome {
	n := p.inFlight.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	p.inFlight.Add(-1)
	return probe.Outcome{Success: true}
}

func TestCheckerBoundsConcurrency(t *testing.T) {
	store := &memStore{}
	for i := int64(1); i <= 12; i++ {
		store.monitors = append(store.monitors, models.Monitor{ID: i, FrequencySeconds: 60})
	}
	prober := &slowProber{}
	c := New(store, prober, alert.NewTracker(2), nil, nil, WithConcurrency(3))

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, report.Processed)
	assert.LessOrEqual(t, prober.peak.Load(), int32(3))
	assert.Len(t, store.checks, 12)
}

func TestCheckerEndToEndWithSQLite(t *testing.T) {
	ctx := context.Background()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	s, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	m := &models.Monitor{URL: ts.URL, Name: "local", FrequencySeconds: 60, ExpectedStatus: 200, TimeoutMs: 2000, NotifyEmail: "ops@example.com"}
	require.NoError(t, s.CreateMonitor(ctx, m))

	notifier := &fakeNotifier{}
	c := New(s, probe.New(probe.Options{}), alert.NewTracker(1), notifier, zaptest.NewLogger(t))
	report, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)

	checks, err := s.ListChecks(ctx, storage.ListChecksParams{MonitorID: m.ID})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].IsSuccess)
	assert.Equal(t, 404, *checks[0].StatusCode)
	assert.Contains(t, *checks[0].ErrorMessage, "404")
	assert.Contains(t, *checks[0].ErrorMessage, "200")

	got, err := s.GetMonitor(ctx, m.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastCheckedAt)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "Unexpected status code: 404 (expected 200)", notifier.sent[0].cause)
}

func TestRetentionPurges(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	m := &models.Monitor{URL: "https://a.example", Name: "a", FrequencySeconds: 60, ExpectedStatus: 200, TimeoutMs: 1000, NotifyEmail: "a@example.com"}
	require.NoError(t, s.CreateMonitor(ctx, m))
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordCheck(ctx, &models.Check{MonitorID: m.ID, CheckedAt: now.AddDate(0, 0, -8)}))
	require.NoError(t, s.RecordCheck(ctx, &models.Check{MonitorID: m.ID, CheckedAt: now.AddDate(0, 0, -1)}))

	r := NewRetention(s, 7, nil)
	r.now = func() time.Time { return now }
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Purged)
}

type hostProber struct {
	mu     sync.Mutex
	active map[string]int
	peak   int
}

func (p *hostProber) Probe(_ context.Context, m models.Monitor) probe.Outcome {
	host := hostKey(m.URL)
	p.mu.Lock()
	p.active[host]++
	if p.active[host] > p.peak {
		p.peak = p.active[host]
	}
	p.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	p.mu.Lock()
	p.active[host]--
	p.mu.Unlock()
	return probe.Outcome{Success: true}
}

func TestCheckerPerHostLimit(t *testing.T) {
	store := &memStore{}
	for i := int64(1); i <= 6; i++ {
		store.monitors = append(store.monitors, models.Monitor{ID: i, URL: "https://Same.example/p", FrequencySeconds: 60})
	}
	prober := &hostProber{active: map[string]int{}}
	c := New(store, prober, alert.NewTracker(2), nil, nil, WithConcurrency(6), WithPerHostLimit(1))

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, report.Processed)
	assert.Equal(t, 1, prober.peak)
}

func TestHostLimiterReleaseUnblocks(t *testing.T) {
	hl := NewHostLimiter(1)
	hl.Acquire("a.example")

	done := make(chan struct{})
	go func() {
		hl.Acquire("a.example")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should block")
	case <-time.After(20 * time.Millisecond):
	}
	hl.Release("a.example")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after release")
	}
	hl.Acquire("b.example")
}
