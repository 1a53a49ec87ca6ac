// Package validate holds the configuration rules monitors and tasks must satisfy
// before they are persisted.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pulse/internal/models"
	"pulse/internal/urlutil"
)

// DefaultFrequencies is the set of allowed probe cadences, in seconds.
var DefaultFrequencies = []int{60, 300, 900, 1800, 3600}

const (
	DefaultExpectedStatus = 200
	DefaultTimeoutMs      = 10000
	DefaultFrequency      = 300
)

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	dateRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Errors collects every rule a value violated.
type Errors []string

func (e Errors) Error() string {
	return strings.Join(e, "; ")
}

func (e Errors) orNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Rules are the tunable bounds for monitor validation.
type Rules struct {
	Frequencies  []int
	MinTimeoutMs int
	MaxTimeoutMs int
}

// DefaultRules returns the stock bounds.
func DefaultRules() Rules {
	return Rules{Frequencies: DefaultFrequencies, MinTimeoutMs: 1000, MaxTimeoutMs: 30000}
}

// Monitor fills zero-valued defaults on m, normalizes its URL and checks every rule.
func (r Rules) Monitor(m *models.Monitor) error {
	var errs Errors

	if strings.TrimSpace(m.URL) == "" {
		errs = append(errs, "url is required")
	} else if u, err := urlutil.CheckTarget(m.URL); err != nil {
		errs = append(errs, err.Error())
	} else {
		m.URL = u.String()
	}

	if m.Name == "" {
		m.Name = m.URL
	}
	if m.FrequencySeconds == 0 {
		m.FrequencySeconds = DefaultFrequency
	}
	if !containsInt(r.Frequencies, m.FrequencySeconds) {
		errs = append(errs, fmt.Sprintf("frequency must be one of: %s (seconds)", joinInts(r.Frequencies)))
	}

	if m.ExpectedStatus == 0 {
		m.ExpectedStatus = DefaultExpectedStatus
	}
	if m.ExpectedStatus < 100 || m.ExpectedStatus > 599 {
		errs = append(errs, "expectedStatus must be a valid HTTP status code (100-599)")
	}

	if m.TimeoutMs == 0 {
		m.TimeoutMs = DefaultTimeoutMs
	}
	if m.TimeoutMs < r.MinTimeoutMs || m.TimeoutMs > r.MaxTimeoutMs {
		errs = append(errs, fmt.Sprintf("timeoutMs must be between %d and %d", r.MinTimeoutMs, r.MaxTimeoutMs))
	}

	switch {
	case m.NotifyEmail == "":
		errs = append(errs, "notifyEmail is required")
	case !emailRe.MatchString(m.NotifyEmail):
		errs = append(errs, "notifyEmail must be a valid email address")
	}

	return errs.orNil()
}

var (
	priorities      = []string{models.PriorityLow, models.PriorityMedium, models.PriorityHigh, models.PriorityUrgent}
	statuses        = []string{models.StatusTodo, models.StatusInProgress, models.StatusDone, models.StatusCancelled}
	sources         = []string{models.SourceManual, models.SourceIsmart, models.SourceRecurring}
	recurrenceTypes = []string{
		string(models.RecurDaily), string(models.RecurWeekly),
		string(models.RecurMonthly), string(models.RecurYearly),
	}
)

// Task fills defaults on t and checks the task rules, including its recurrence pattern.
func Task(t *models.Task) error {
	var errs Errors

	title := strings.TrimSpace(t.Title)
	switch {
	case title == "":
		errs = append(errs, "Title is required")
	case len(title) > 255:
		errs = append(errs, "Title must be 255 characters or fewer")
	}
	if len(t.Description) > 5000 {
		errs = append(errs, "Description must be 5000 characters or fewer")
	}

	if t.Priority == "" {
		t.Priority = models.PriorityMedium
	}
	if !containsString(priorities, t.Priority) {
		errs = append(errs, "Priority must be one of: "+strings.Join(priorities, ", "))
	}
	if t.Status == "" {
		t.Status = models.StatusTodo
	}
	if !containsString(statuses, t.Status) {
		errs = append(errs, "Status must be one of: "+strings.Join(statuses, ", "))
	}
	if t.Source == "" {
		t.Source = models.SourceManual
	}
	if !containsString(sources, t.Source) {
		errs = append(errs, "Source must be one of: "+strings.Join(sources, ", "))
	}

	if t.DueDate != "" {
		if !dateRe.MatchString(t.DueDate) {
			errs = append(errs, "Due date must be in YYYY-MM-DD format")
		} else if _, err := time.Parse(models.DateLayout, t.DueDate); err != nil {
			errs = append(errs, "Due date is not a valid date")
		}
	}
	if t.AssignedTo != nil && *t.AssignedTo < 1 {
		errs = append(errs, "Assigned to must be a valid user ID")
	}
	if t.CategoryID != nil && *t.CategoryID < 1 {
		errs = append(errs, "Category must be a valid category ID")
	}

	if t.Pattern != nil {
		errs = append(errs, patternErrors(t.Pattern)...)
	} else if t.IsRecurringTemplate {
		errs = append(errs, "Recurring templates require a recurrence pattern")
	}
	if t.RecurrenceEndAt != nil && *t.RecurrenceEndAt != "" && !dateRe.MatchString(*t.RecurrenceEndAt) {
		errs = append(errs, "Recurrence end date must be in YYYY-MM-DD format")
	}

	return errs.orNil()
}

// Pattern checks a recurrence pattern on its own.
func Pattern(p *models.RecurrencePattern) error {
	if p == nil {
		return Errors{"Recurrence pattern is required"}
	}
	return Errors(patternErrors(p)).orNil()
}

func patternErrors(p *models.RecurrencePattern) []string {
	var errs []string
	if !containsString(recurrenceTypes, string(p.Type)) {
		errs = append(errs, "Recurrence type must be one of: "+strings.Join(recurrenceTypes, ", "))
	}
	if p.Interval < 0 {
		errs = append(errs, "Recurrence interval must be a positive integer")
	}
	if p.DayOfMonth != nil && (*p.DayOfMonth < 1 || *p.DayOfMonth > 31) {
		errs = append(errs, "Day of month must be between 1 and 31")
	}
	if p.DayOfWeek != nil && (*p.DayOfWeek < 0 || *p.DayOfWeek > 6) {
		errs = append(errs, "Day of week must be between 0 (Sunday) and 6 (Saturday)")
	}
	if p.Month != nil && (*p.Month < 1 || *p.Month > 12) {
		errs = append(errs, "Month must be between 1 and 12")
	}
	return errs
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ", ")
}
