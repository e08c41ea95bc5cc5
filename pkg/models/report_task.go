package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the stored lifecycle state of a scheduled report task.
type TaskStatus string

const (
	TaskStatusScheduled  TaskStatus = "scheduled"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCompleted  TaskStatus = "completed"

	// TaskStatusOverdue is never stored. See ScheduledTask.DisplayStatus.
	TaskStatusOverdue TaskStatus = "overdue"
)

// ValidTaskStatuses lists the statuses that may be persisted.
var ValidTaskStatuses = []TaskStatus{
	TaskStatusScheduled,
	TaskStatusProcessing,
	TaskStatusFailed,
	TaskStatusCompleted,
}

// IsValid reports whether s may be persisted.
func (s TaskStatus) IsValid() bool {
	for _, v := range ValidTaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// taskTransitions is the authoritative set of legal stored transitions.
// failed -> scheduled is a manual re-arm; the engine never performs it.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusScheduled:  {TaskStatusProcessing},
	TaskStatusProcessing: {TaskStatusScheduled, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusFailed:     {TaskStatusScheduled},
}

// CanTransition reports whether a task may move from one stored status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Recurrence controls whether and when a successfully completed task is re-armed.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// IsValid reports whether r is a known recurrence policy.
func (r Recurrence) IsValid() bool {
	switch r {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// IsRecurring reports whether tasks with this policy are re-armed after success.
func (r Recurrence) IsRecurring() bool {
	return r == RecurrenceDaily || r == RecurrenceWeekly || r == RecurrenceMonthly
}

// advance moves t forward by exactly one recurrence step.
func (r Recurrence) advance(t time.Time) time.Time {
	switch r {
	case RecurrenceDaily:
		return t.AddDate(0, 0, 1)
	case RecurrenceWeekly:
		return t.AddDate(0, 0, 7)
	case RecurrenceMonthly:
		return t.AddDate(0, 1, 0)
	}
	return t
}

// NextRunAfter returns the next due time for a recurring task that was due at
// scheduledAt. The result is whole recurrence steps after scheduledAt and is
// strictly after both scheduledAt and now, so missed runs are skipped rather
// than replayed. ok is false for non-recurring policies.
func NextRunAfter(r Recurrence, scheduledAt, now time.Time) (next time.Time, ok bool) {
	if !r.IsRecurring() {
		return time.Time{}, false
	}
	next = r.advance(scheduledAt)
	for !next.After(now) {
		next = r.advance(next)
	}
	return next, true
}

// ScheduledTask is a report generation job owned by a user.
type ScheduledTask struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	TemplateID  uuid.UUID  `json:"template_id"`
	UserID      string     `json:"user_id"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Recurrence  Recurrence `json:"recurrence"`
	Status      TaskStatus `json:"status"`
	LastError   *string    `json:"last_error,omitempty"`
	// EntityNames restricts the report to these entities. Empty means the
	// configured default entity set.
	EntityNames []string  `json:"entity_names,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsDue reports whether the poller should pick the task up at now.
func (t *ScheduledTask) IsDue(now time.Time) bool {
	return t.Status == TaskStatusScheduled && !t.ScheduledAt.After(now)
}

// DisplayStatus returns the status to present to users. A scheduled task whose
// time has passed is shown as overdue.
func (t *ScheduledTask) DisplayStatus(now time.Time) TaskStatus {
	if t.IsDue(now) {
		return TaskStatusOverdue
	}
	return t.Status
}

// RunSummary is the aggregate result of one engine invocation.
type RunSummary struct {
	Success        bool     `json:"success"`
	ProcessedCount int      `json:"processedCount"`
	Errors         []string `json:"errors"`
}
