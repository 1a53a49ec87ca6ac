package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/models"
	"pulse/internal/storage"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestDueMonitors(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	never := &models.Monitor{URL: "https://a.example", Name: "a", FrequencySeconds: 60, ExpectedStatus: 200, TimeoutMs: 1000, NotifyEmail: "a@example.com"}
	elapsed := &models.Monitor{URL: "https://b.example", Name: "b", FrequencySeconds: 60, ExpectedStatus: 200, TimeoutMs: 1000, NotifyEmail: "b@example.com",
		LastCheckedAt: ptr(now.Add(-60 * time.Second))}
	fresh := &models.Monitor{URL: "https://c.example", Name: "c", FrequencySeconds: 300, ExpectedStatus: 200, TimeoutMs: 1000, NotifyEmail: "c@example.com",
		LastCheckedAt: ptr(now.Add(-299 * time.Second))}
	paused := &models.Monitor{URL: "https://d.example", Name: "d", FrequencySeconds: 60, ExpectedStatus: 200, TimeoutMs: 1000, NotifyEmail: "d@example.com",
		PausedUntil: ptr(now.Add(time.Hour))}
	for _, m := range []*models.Monitor{never, elapsed, fresh, paused} {
		require.NoError(t, s.CreateMonitor(ctx, m))
	}

	due, err := s.DueMonitors(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, never.ID, due[0].ID)
	assert.Equal(t, elapsed.ID, due[1].ID)

	due, err = s.DueMonitors(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 4)
}

func TestHeadersRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	m := &models.Monitor{URL: "https://a.example", Name: "a", FrequencySeconds: 60, ExpectedStatus: 200, TimeoutMs: 1000,
		NotifyEmail: "a@example.com", Headers: []models.Header{{Key: "X-Token", Value: "abc"}}}
	require.NoError(t, s.CreateMonitor(ctx, m))

	got, err := s.GetMonitor(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Headers, got.Headers)

	// Corrupt sidecar JSON reads back as no headers.
	_, err = s.db.ExecContext(ctx, `UPDATE monitors SET custom_headers = '{not json' WHERE id = ?`, m.ID)
	require.NoError(t, err)
	got, err = s.GetMonitor(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Headers)

	_, err = s.GetMonitor(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordCheckUpdatesLastChecked(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := &models.Monitor{URL: "https://a.example", Name: "a", FrequencySeconds: 60, ExpectedStatus: 200, TimeoutMs: 1000, NotifyEmail: "a@example.com"}
	require.NoError(t, s.CreateMonitor(ctx, m))

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordCheck(ctx, &models.Check{MonitorID: m.ID, CheckedAt: at, StatusCode: ptr(503),
		ResponseTimeMs: ptr(int64(42)), ErrorMessage: ptr("Unexpected status code: 503 (expected 200)")}))
	require.NoError(t, s.RecordCheck(ctx, &models.Check{MonitorID: m.ID, CheckedAt: at.Add(time.Minute), IsSuccess: true,
		StatusCode: ptr(200), ResponseTimeMs: ptr(int64(12))}))

	got, err := s.GetMonitor(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckedAt)
	assert.True(t, got.LastCheckedAt.Equal(at.Add(time.Minute)))

	checks, err := s.ListChecks(ctx, storage.ListChecksParams{MonitorID: m.ID})
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.True(t, checks[0].IsSuccess)
	assert.Nil(t, checks[0].ErrorMessage)
	assert.False(t, checks[1].IsSuccess)
	assert.Equal(t, 503, *checks[1].StatusCode)

	err = s.RecordCheck(ctx, &models.Check{MonitorID: 12345, CheckedAt: at})
	assert.Error(t, err)
}

func TestPurgeChecksBefore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := &models.Monitor{URL: "https://a.example", Name: "a", FrequencySeconds: 60, ExpectedStatus: 200, TimeoutMs: 1000, NotifyEmail: "a@example.com"}
	require.NoError(t, s.CreateMonitor(ctx, m))

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, time.Hour} {
		require.NoError(t, s.RecordCheck(ctx, &models.Check{MonitorID: m.ID, CheckedAt: now.Add(-age), IsSuccess: true}))
	}

	n, err := s.PurgeChecksBefore(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	checks, err := s.ListChecks(ctx, storage.ListChecksParams{MonitorID: m.ID})
	require.NoError(t, err)
	assert.Len(t, checks, 1)
}

func TestRecurrenceUnit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	next := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)
	tmpl := &models.Task{Title: "Invoice run", Source: models.SourceManual, Priority: models.PriorityHigh, Status: models.StatusTodo,
		CreatedBy: ptr(int64(7)), IsRecurringTemplate: true, RecurrenceNextAt: &next,
		Pattern: &models.RecurrencePattern{Type: models.RecurMonthly, Interval: 1, DayOfMonth: ptr(31)}}
	require.NoError(t, s.CreateTask(ctx, tmpl))

	due, err := s.DueTemplates(ctx, next.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueTemplates(ctx, next)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, models.RecurMonthly, due[0].Pattern.Type)
	assert.Equal(t, 31, *due[0].Pattern.DayOfMonth)

	following := time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)
	err = s.InRecurrenceUnit(ctx, func(u storage.RecurrenceUnit) error {
		exists, err := u.InstanceExists(ctx, tmpl.ID, "2024-01-31")
		require.NoError(t, err)
		assert.False(t, exists)

		inst := &models.Task{Title: tmpl.Title, Source: models.SourceRecurring, Priority: tmpl.Priority, Status: models.StatusTodo,
			DueDate: "2024-01-31", RecurringTemplateID: &tmpl.ID}
		require.NoError(t, u.CreateInstance(ctx, inst))
		require.NoError(t, u.AddSystemComment(ctx, &models.TaskComment{TaskID: inst.ID, UserID: tmpl.CreatedBy,
			Content: "Auto-created from recurring template", IsSystem: true}))

		exists, err = u.InstanceExists(ctx, tmpl.ID, "2024-01-31")
		require.NoError(t, err)
		assert.True(t, exists)

		// The unique index backs up the existence check.
		dup := *inst
		assert.ErrorIs(t, u.CreateInstance(ctx, &dup), storage.ErrDuplicateKey)
		return u.SetNextDue(ctx, tmpl.ID, &following)
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, tmpl.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RecurrenceNextAt)
	assert.True(t, got.RecurrenceNextAt.Equal(following))

	instances, err := s.ListInstances(ctx, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	comments, err := s.ListComments(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.True(t, comments[0].IsSystem)
	assert.EqualValues(t, 7, *comments[0].UserID)
}

func TestRecurrenceUnitRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	next := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tmpl := &models.Task{Title: "Standup notes", Source: models.SourceManual, Priority: models.PriorityLow, Status: models.StatusTodo,
		IsRecurringTemplate: true, RecurrenceNextAt: &next, Pattern: &models.RecurrencePattern{Type: models.RecurDaily, Interval: 1}}
	require.NoError(t, s.CreateTask(ctx, tmpl))

	boom := errors.New("boom")
	err := s.InRecurrenceUnit(ctx, func(u storage.RecurrenceUnit) error {
		inst := &models.Task{Title: "x", Source: models.SourceRecurring, Priority: models.PriorityLow, Status: models.StatusTodo,
			DueDate: "2024-05-01", RecurringTemplateID: &tmpl.ID}
		require.NoError(t, u.CreateInstance(ctx, inst))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	instances, err := s.ListInstances(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestSetNextDueNilStopsTemplate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	next := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tmpl := &models.Task{Title: "Quarterly", Source: models.SourceManual, Priority: models.PriorityLow, Status: models.StatusTodo,
		IsRecurringTemplate: true, RecurrenceNextAt: &next, RecurrenceEndAt: ptr("2024-05-01"),
		Pattern: &models.RecurrencePattern{Type: models.RecurMonthly, Interval: 3}}
	require.NoError(t, s.CreateTask(ctx, tmpl))

	require.NoError(t, s.InRecurrenceUnit(ctx, func(u storage.RecurrenceUnit) error {
		return u.SetNextDue(ctx, tmpl.ID, nil)
	}))

	due, err := s.DueTemplates(ctx, next.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := s.GetTask(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RecurrenceNextAt)
	assert.Equal(t, "2024-05-01", *got.RecurrenceEndAt)
}

func TestFindByNaturalKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.FindMonitorByURL(ctx, "https://a.example")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	m := &models.Monitor{URL: "https://a.example", Name: "a", FrequencySeconds: 60, ExpectedStatus: 200, TimeoutMs: 1000, NotifyEmail: "a@example.com"}
	require.NoError(t, s.CreateMonitor(ctx, m))
	got, err := s.FindMonitorByURL(ctx, "https://a.example")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	plain := &models.Task{Title: "Rotate keys", Source: models.SourceManual, Priority: models.PriorityLow, Status: models.StatusTodo}
	require.NoError(t, s.CreateTask(ctx, plain))
	_, err = s.FindTemplateByTitle(ctx, "Rotate keys")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tmpl := &models.Task{Title: "Rotate keys", Source: models.SourceManual, Priority: models.PriorityLow, Status: models.StatusTodo,
		IsRecurringTemplate: true, Pattern: &models.RecurrencePattern{Type: models.RecurMonthly, Interval: 1}}
	require.NoError(t, s.CreateTask(ctx, tmpl))
	found, err := s.FindTemplateByTitle(ctx, "Rotate keys")
	require.NoError(t, err)
	assert.Equal(t, tmpl.ID, found.ID)
}
