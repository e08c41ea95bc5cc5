package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusScheduled, TaskStatusProcessing, true},
		{TaskStatusProcessing, TaskStatusScheduled, true},
		{TaskStatusProcessing, TaskStatusCompleted, true},
		{TaskStatusProcessing, TaskStatusFailed, true},
		{TaskStatusFailed, TaskStatusScheduled, true},
		{TaskStatusScheduled, TaskStatusFailed, false},
		{TaskStatusScheduled, TaskStatusCompleted, false},
		{TaskStatusProcessing, TaskStatusProcessing, false},
		{TaskStatusFailed, TaskStatusProcessing, false},
		{TaskStatusCompleted, TaskStatusScheduled, false},
		{TaskStatusScheduled, TaskStatusOverdue, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTaskStatus_OverdueIsNotStorable(t *testing.T) {
	assert.False(t, TaskStatusOverdue.IsValid())
	for _, s := range ValidTaskStatuses {
		assert.True(t, s.IsValid(), s)
	}
}

func TestNextRunAfter_WeeklyIsStrictlyAfterDueTime(t *testing.T) {
	due := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	next, ok := NextRunAfter(RecurrenceWeekly, due, due)
	require.True(t, ok)
	assert.True(t, next.After(due))
	assert.Equal(t, due.AddDate(0, 0, 7), next)

	again, _ := NextRunAfter(RecurrenceWeekly, due, due)
	assert.Equal(t, next, again, "same inputs must give the same result")

	later, _ := NextRunAfter(RecurrenceWeekly, next, next)
	assert.True(t, later.After(next), "successive runs must move forward")
}

func TestNextRunAfter_SkipsMissedRuns(t *testing.T) {
	due := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	now := due.Add(80 * time.Hour)

	next, ok := NextRunAfter(RecurrenceDaily, due, now)
	require.True(t, ok)
	assert.Equal(t, due.AddDate(0, 0, 4), next)
	assert.True(t, next.After(now))
}

func TestNextRunAfter_Monthly(t *testing.T) {
	due := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	next, ok := NextRunAfter(RecurrenceMonthly, due, due.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), next)
}

func TestNextRunAfter_NoneIsNotRearmed(t *testing.T) {
	_, ok := NextRunAfter(RecurrenceNone, time.Now(), time.Now())
	assert.False(t, ok)
	_, ok = NextRunAfter(Recurrence("hourly"), time.Now(), time.Now())
	assert.False(t, ok)
}

func TestScheduledTask_DisplayStatus(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	pastDue := &ScheduledTask{Status: TaskStatusScheduled, ScheduledAt: now.Add(-time.Hour)}
	assert.Equal(t, TaskStatusOverdue, pastDue.DisplayStatus(now))
	assert.Equal(t, TaskStatusScheduled, pastDue.Status, "display must not mutate stored status")

	future := &ScheduledTask{Status: TaskStatusScheduled, ScheduledAt: now.Add(time.Hour)}
	assert.Equal(t, TaskStatusScheduled, future.DisplayStatus(now))

	running := &ScheduledTask{Status: TaskStatusProcessing, ScheduledAt: now.Add(-time.Hour)}
	assert.Equal(t, TaskStatusProcessing, running.DisplayStatus(now))
	assert.False(t, running.IsDue(now))
}

func TestColumnMapping_MissingFields(t *testing.T) {
	m := ColumnMapping{Table: "Readings", EntityColumn: "Machine", ValueColumn: "Value"}
	assert.Equal(t, []string{"timestamp_column", "parameter_column"}, m.MissingFields())
	assert.False(t, m.IsComplete())

	m.TimestampColumn = "ReadAt"
	m.ParameterColumn = "Parameter"
	assert.Empty(t, m.MissingFields())
	assert.True(t, m.IsComplete())
}

func TestNotificationSettings_CanDeliver(t *testing.T) {
	var nilSettings *NotificationSettings
	assert.False(t, nilSettings.CanDeliver())
	assert.False(t, (&NotificationSettings{Email: "ops@example.com"}).CanDeliver())
	assert.False(t, (&NotificationSettings{NotificationsEnabled: true}).CanDeliver())
	assert.True(t, (&NotificationSettings{Email: "ops@example.com", NotificationsEnabled: true}).CanDeliver())
}

func TestDataRowID(t *testing.T) {
	ts := time.Date(2026, 4, 2, 10, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "Temperature-2026-04-02T09:30:00Z", DataRowID("Temperature", ts))
}
