package models

import (
	"encoding/json"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used for task due dates and recurrence end dates.
const DateLayout = "2006-01-02"

// Header is a single custom request header attached to a Monitor.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Monitor is a URL probed on its own cadence.
type Monitor struct {
	ID               int64      `json:"id"`
	URL              string     `json:"url"`
	Name             string     `json:"name"`
	FrequencySeconds int        `json:"frequency"`
	ExpectedStatus   int        `json:"expected_status"`
	TimeoutMs        int        `json:"timeout_ms"`
	Headers          []Header   `json:"headers,omitempty"`
	NotifyEmail      string     `json:"notify_email"`
	Group            string     `json:"group,omitempty"`
	LastCheckedAt    *time.Time `json:"last_checked_at"`
	PausedUntil      *time.Time `json:"paused_until,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Timeout returns the monitor's per-probe deadline.
func (m Monitor) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// Check is one immutable probe outcome.
type Check struct {
	ID             int64     `json:"id"`
	MonitorID      int64     `json:"monitor_id"`
	CheckedAt      time.Time `json:"checked_at"`
	StatusCode     *int      `json:"status_code"`      // nil when no response was received
	ResponseTimeMs *int64    `json:"response_time_ms"` // nil when the request never started
	IsSuccess      bool      `json:"is_success"`
	ErrorMessage   *string   `json:"error_message"`
}

// AlertState is the derived health of a monitor.
type AlertState string

const (
	StateUnknown AlertState = "UNKNOWN"
	StateUp      AlertState = "UP"
	StateDown    AlertState = "DOWN"
)

// RecurrenceType selects the calendar unit a template advances by.
type RecurrenceType string

const (
	RecurDaily   RecurrenceType = "daily"
	RecurWeekly  RecurrenceType = "weekly"
	RecurMonthly RecurrenceType = "monthly"
	RecurYearly  RecurrenceType = "yearly"
)

// RecurrencePattern describes how a template repeats. Month is 1-indexed.
// DayOfWeek is accepted and stored but does not affect the computed date.
type RecurrencePattern struct {
	Type       RecurrenceType `json:"type"`
	Interval   int            `json:"interval,omitempty"`
	DayOfMonth *int           `json:"dayOfMonth,omitempty"`
	DayOfWeek  *int           `json:"dayOfWeek,omitempty"`
	Month      *int           `json:"month,omitempty"`
}

// Task sources, priorities and statuses.
const (
	SourceManual    = "manual"
	SourceIsmart    = "ismart"
	SourceRecurring = "recurring"

	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"

	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Task is either a recurring template or a concrete task row.
type Task struct {
	ID                  int64              `json:"id"`
	Title               string             `json:"title"`
	Description         string             `json:"description,omitempty"`
	Source              string             `json:"source"`
	Priority            string             `json:"priority"`
	Status              string             `json:"status"`
	DueDate             string             `json:"due_date,omitempty"`
	AssignedTo          *int64             `json:"assigned_to,omitempty"`
	CreatedBy           *int64             `json:"created_by,omitempty"`
	CategoryID          *int64             `json:"category_id,omitempty"`
	IsRecurringTemplate bool               `json:"is_recurring_template"`
	RecurringTemplateID *int64             `json:"recurring_template_id,omitempty"`
	Pattern             *RecurrencePattern `json:"recurrence_pattern,omitempty"`
	RecurrenceNextAt    *time.Time         `json:"recurrence_next_at,omitempty"`
	RecurrenceEndAt     *string            `json:"recurrence_end_at,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
}

// TaskComment is an append-only note on a task.
type TaskComment struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	UserID    *int64    `json:"user_id,omitempty"`
	Content   string    `json:"content"`
	IsSystem  bool      `json:"is_system"`
	CreatedAt time.Time `json:"created_at"`
}

// DecodeHeaders parses the stored header list. Malformed JSON yields no headers,
// and entries missing a key or value are dropped.
func DecodeHeaders(raw string) []Header {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var hs []Header
	if err := json.Unmarshal([]byte(raw), &hs); err != nil {
		return nil
	}
	out := hs[:0]
	for _, h := range hs {
		if h.Key != "" && h.Value != "" {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// EncodeHeaders is the inverse of DecodeHeaders.
func EncodeHeaders(hs []Header) string {
	if len(hs) == 0 {
		return ""
	}
	b, err := json.Marshal(hs)
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodePattern parses a stored recurrence pattern. Empty input yields nil with no error.
func DecodePattern(raw string) (*RecurrencePattern, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var p RecurrencePattern
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodePattern is the inverse of DecodePattern.
func EncodePattern(p *RecurrencePattern) string {
	if p == nil {
		return ""
	}
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}

// RunReport summarizes one pipeline pass.
type RunReport struct {
	RunID          string        `json:"run_id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	Due            int           `json:"due"`
	Processed      int           `json:"processed"`
	Failed         int           `json:"failed"`
	Created        int           `json:"created,omitempty"`
	Notified       int           `json:"notified,omitempty"`
	NotifyFailures int           `json:"notify_failures,omitempty"`
	Purged         int64         `json:"purged,omitempty"`
}
