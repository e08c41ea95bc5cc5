package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/crypto"
	"github.com/ekaya-inc/ekaya-reports/pkg/metrics"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

var schedulerNow = time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)

type schedulerFixture struct {
	tasks     *memoryTaskRepository
	templates *mockTemplateRepository
	settings  *mockSettingsRepository
	profiles  *mockProfileService
	data      *mockDataService
	synth     *mockSynthesizer
	delivery  *mockDelivery
	cfg       SchedulerConfig
}

func newSchedulerFixture(tasks ...*models.ScheduledTask) *schedulerFixture {
	profiles := &mockProfileService{profiles: map[string]*models.DataSourceProfile{}}
	for _, t := range tasks {
		profiles.profiles[t.UserID] = &models.DataSourceProfile{ID: uuid.New(), UserID: t.UserID, Server: "sql.internal", Database: "plant"}
	}
	return &schedulerFixture{
		tasks:     newMemoryTaskRepository(tasks...),
		templates: &mockTemplateRepository{template: &models.ReportTemplate{ID: uuid.New(), Name: "Daily", Format: models.ReportFormatPDF}},
		settings:  &mockSettingsRepository{settings: map[string]*models.NotificationSettings{}},
		profiles:  profiles,
		data: &mockDataService{rows: []models.DataRow{
			{ID: "Temp-2026-05-03T06:00:00Z", Timestamp: schedulerNow.Add(-24 * time.Hour), Entity: "M1", Parameter: "Temp", Value: 70.0},
		}},
		synth:    &mockSynthesizer{},
		delivery: &mockDelivery{},
		cfg:      SchedulerConfig{Lookback: 24 * time.Hour, MaxRows: 1000, MaxParallelUsers: 1},
	}
}

func (f *schedulerFixture) service() *reportSchedulerService {
	svc := NewReportSchedulerService(SchedulerDeps{
		Tasks:     f.tasks,
		Templates: f.templates,
		Settings:  f.settings,
		Profiles:  f.profiles,
		Data:      f.data,
		Synth:     f.synth,
		Delivery:  f.delivery,
		Metrics:   metrics.NewRecorder(),
	}, f.cfg, zap.NewNop()).(*reportSchedulerService)
	svc.now = func() time.Time { return schedulerNow }
	return svc
}

func dueTask(name, user string, recurrence models.Recurrence) *models.ScheduledTask {
	return &models.ScheduledTask{
		ID:          uuid.New(),
		Name:        name,
		TemplateID:  uuid.New(),
		UserID:      user,
		ScheduledAt: schedulerNow.Add(-time.Minute),
		Recurrence:  recurrence,
		Status:      models.TaskStatusScheduled,
		EntityNames: []string{"M1"},
	}
}

func TestRunDueTasks_NoDueTasks(t *testing.T) {
	future := dueTask("later", "u1", models.RecurrenceDaily)
	future.ScheduledAt = schedulerNow.Add(time.Hour)
	f := newSchedulerFixture(future)

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, 0, summary.ProcessedCount)
	assert.NotNil(t, summary.Errors)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, models.TaskStatusScheduled, f.tasks.get(future.ID).Status)
}

func TestRunDueTasks_OneFailureDoesNotStopOthers(t *testing.T) {
	a := dueTask("alpha", "u1", models.RecurrenceDaily)
	b := dueTask("bravo", "u2", models.RecurrenceWeekly)
	c := dueTask("charlie", "u3", models.RecurrenceMonthly)
	f := newSchedulerFixture(a, b, c)
	f.data.failFor = map[string]error{
		"u2": &mssql.UnknownColumnsError{Table: "dbo.Readings", Columns: []string{"Machine"}},
	}

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.Success)
	assert.Equal(t, 2, summary.ProcessedCount)
	require.Len(t, summary.Errors, 1)
	assert.True(t, strings.HasPrefix(summary.Errors[0], fmt.Sprintf("%s (bravo): ", b.ID)), summary.Errors[0])
	assert.Contains(t, summary.Errors[0], "Machine")

	failed := f.tasks.get(b.ID)
	assert.Equal(t, models.TaskStatusFailed, failed.Status)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, strings.TrimPrefix(summary.Errors[0], fmt.Sprintf("%s (bravo): ", b.ID)), *failed.LastError)
	assert.Equal(t, b.ScheduledAt, failed.ScheduledAt, "failed tasks are not re-armed")

	for _, ok := range []*models.ScheduledTask{a, c} {
		got := f.tasks.get(ok.ID)
		assert.Equal(t, models.TaskStatusScheduled, got.Status, ok.Name)
		assert.True(t, got.ScheduledAt.After(schedulerNow), ok.Name)
		assert.Nil(t, got.LastError)
	}
}

func TestRunDueTasks_DeliveryFailureStillReschedules(t *testing.T) {
	task := dueTask("daily", "u1", models.RecurrenceDaily)
	f := newSchedulerFixture(task)
	f.settings.settings["u1"] = &models.NotificationSettings{UserID: "u1", Email: "ops@example.com", NotificationsEnabled: true}
	f.delivery.err = fmt.Errorf("%w: smtp down", apperrors.ErrDelivery)

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.ProcessedCount)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, []string{"daily->ops@example.com"}, f.delivery.delivered)

	got := f.tasks.get(task.ID)
	assert.Equal(t, models.TaskStatusScheduled, got.Status)
	assert.Equal(t, task.ScheduledAt.AddDate(0, 0, 1), got.ScheduledAt)
}

func TestRunDueTasks_SkipsDeliveryWhenNotOptedIn(t *testing.T) {
	task := dueTask("daily", "u1", models.RecurrenceDaily)
	f := newSchedulerFixture(task)
	f.settings.settings["u1"] = &models.NotificationSettings{UserID: "u1", Email: "ops@example.com"}

	_, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.delivery.delivered)
}

func TestRunDueTasks_EndToEndDaily(t *testing.T) {
	task := dueTask("machines", "u1", models.RecurrenceDaily)
	task.ScheduledAt = schedulerNow
	f := newSchedulerFixture(task)

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &models.RunSummary{Success: true, ProcessedCount: 1, Errors: []string{}}, summary)

	got := f.tasks.get(task.ID)
	assert.Equal(t, models.TaskStatusScheduled, got.Status)
	assert.WithinDuration(t, schedulerNow.Add(24*time.Hour), got.ScheduledAt, time.Minute)
	assert.Equal(t, []string{"machines:scheduled->processing", "machines:processing->scheduled"}, f.tasks.transitions)

	require.Len(t, f.data.criteria, 1)
	criteria := f.data.criteria[0]
	assert.Equal(t, []string{"M1"}, criteria.Entities)
	assert.Empty(t, criteria.Parameters)
	assert.Equal(t, schedulerNow.Add(-24*time.Hour), criteria.From)
	assert.Equal(t, schedulerNow, criteria.To)
	assert.Equal(t, 1000, criteria.MaxRows)
}

func TestRunDueTasks_EndToEndMissingServerFails(t *testing.T) {
	task := dueTask("no-server", "u1", models.RecurrenceDaily)
	f := newSchedulerFixture(task)

	box, err := crypto.NewSecretBox(testCredentialsKey)
	require.NoError(t, err)
	repo := &mockProfileRepository{}
	require.NoError(t, repo.Create(context.Background(), &models.DataSourceProfile{
		ID:      uuid.New(),
		UserID:  "u1",
		Name:    "plant",
		Mapping: models.ColumnMapping{Table: "Readings", TimestampColumn: "ReadAt", EntityColumn: "Machine", ParameterColumn: "Parameter", ValueColumn: "Value"},
	}, ""))

	svc := f.service()
	svc.Profiles = NewDataSourceProfileService(repo, box, zap.NewNop())

	summary, err := svc.RunDueTasks(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.Success)
	assert.Equal(t, 0, summary.ProcessedCount)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "no server")

	got := f.tasks.get(task.ID)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "configuration error")
	assert.Equal(t, 0, f.synth.calls, "synthesis must not run after a failed fetch")
}

func TestRunDueTasks_NoneRecurrenceCompletes(t *testing.T) {
	task := dueTask("once", "u1", models.RecurrenceNone)
	f := newSchedulerFixture(task)

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ProcessedCount)

	got := f.tasks.get(task.ID)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, task.ScheduledAt, got.ScheduledAt)

	summary, err = f.service().RunDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ProcessedCount, "completed tasks are not picked up again")
}

func TestRunDueTasks_EmptyEntitySetFails(t *testing.T) {
	task := dueTask("no-entities", "u1", models.RecurrenceDaily)
	task.EntityNames = nil
	f := newSchedulerFixture(task)

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "no entities")
	assert.Equal(t, models.TaskStatusFailed, f.tasks.get(task.ID).Status)
}

func TestRunDueTasks_DefaultEntitiesApplied(t *testing.T) {
	task := dueTask("defaults", "u1", models.RecurrenceDaily)
	task.EntityNames = nil
	f := newSchedulerFixture(task)
	f.cfg.DefaultEntities = []string{"M7", "M8"}

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)
	require.Len(t, f.data.criteria, 1)
	assert.Equal(t, []string{"M7", "M8"}, f.data.criteria[0].Entities)
}

func TestRunDueTasks_SynthesisFailure(t *testing.T) {
	task := dueTask("synth", "u1", models.RecurrenceWeekly)
	f := newSchedulerFixture(task)
	f.synth.err = fmt.Errorf("%w: model unavailable", apperrors.ErrSynthesis)

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "synthesis error: model unavailable")
	assert.Equal(t, models.TaskStatusFailed, f.tasks.get(task.ID).Status)
}

func TestRunDueTasks_MissingTemplate(t *testing.T) {
	task := dueTask("orphan", "u1", models.RecurrenceDaily)
	f := newSchedulerFixture(task)
	f.templates.template = nil

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "report template")
	assert.Empty(t, f.data.criteria)
}

// staleListRepository returns a snapshot taken before another engine claimed
// the task.
type staleListRepository struct {
	*memoryTaskRepository
	snapshot []*models.ScheduledTask
}

func (r *staleListRepository) ListDue(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	return r.snapshot, nil
}

func TestRunDueTasks_LostClaimIsSkipped(t *testing.T) {
	task := dueTask("contended", "u1", models.RecurrenceDaily)
	f := newSchedulerFixture(task)
	snapshot, err := f.tasks.ListDue(context.Background(), schedulerNow)
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(context.Background(), task.ID, models.TaskStatusScheduled, models.TaskStatusProcessing, nil))

	svc := f.service()
	svc.Tasks = &staleListRepository{memoryTaskRepository: f.tasks, snapshot: snapshot}

	summary, err := svc.RunDueTasks(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, 0, summary.ProcessedCount)
	assert.Empty(t, f.data.criteria, "a lost claim must not run the pipeline")
}

func TestRunDueTasks_PollFailure(t *testing.T) {
	f := newSchedulerFixture()
	f.tasks.listErr = errors.New("connection refused")

	summary, err := f.service().RunDueTasks(context.Background())
	require.Error(t, err)
	assert.Nil(t, summary)
}

func TestRunDueTasks_RescheduleFailureIsReported(t *testing.T) {
	task := dueTask("sticky", "u1", models.RecurrenceDaily)
	f := newSchedulerFixture(task)
	f.tasks.rescheduleFn = func(uuid.UUID) error { return errors.New("store unavailable") }

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.ProcessedCount)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "rescheduling failed")
}

func TestRunDueTasks_ParallelUsers(t *testing.T) {
	var tasks []*models.ScheduledTask
	for i := 0; i < 6; i++ {
		tasks = append(tasks, dueTask(fmt.Sprintf("task-%d", i), fmt.Sprintf("u%d", i%3), models.RecurrenceDaily))
	}
	f := newSchedulerFixture(tasks...)
	f.cfg.MaxParallelUsers = 3
	f.data.failFor = map[string]error{"u1": fmt.Errorf("%w: login failed", apperrors.ErrConnectivity)}

	summary, err := f.service().RunDueTasks(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.ProcessedCount)
	assert.Len(t, summary.Errors, 2)
	for _, task := range tasks {
		want := models.TaskStatusScheduled
		if task.UserID == "u1" {
			want = models.TaskStatusFailed
		}
		assert.Equal(t, want, f.tasks.get(task.ID).Status, task.Name)
	}
}

func TestRunDueTasks_CancelledMidRunFinishesClaimedTask(t *testing.T) {
	a := dueTask("alpha", "u1", models.RecurrenceDaily)
	b := dueTask("bravo", "u1", models.RecurrenceDaily)
	b.ScheduledAt = a.ScheduledAt.Add(time.Second)
	f := newSchedulerFixture(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.data.onFetch = cancel

	summary, err := f.service().RunDueTasks(ctx)
	require.NoError(t, err)

	assert.True(t, summary.Success, summary.Errors)
	assert.Equal(t, 1, summary.ProcessedCount)
	assert.Empty(t, summary.Errors)
	require.Len(t, f.data.criteria, 1)

	finished := f.tasks.get(a.ID)
	assert.Equal(t, models.TaskStatusScheduled, finished.Status)
	assert.Nil(t, finished.LastError)
	assert.True(t, finished.ScheduledAt.After(schedulerNow))

	untouched := f.tasks.get(b.ID)
	assert.Equal(t, models.TaskStatusScheduled, untouched.Status)
	assert.Equal(t, b.ScheduledAt, untouched.ScheduledAt)
	assert.Equal(t, []string{"alpha:scheduled->processing", "alpha:processing->scheduled"}, f.tasks.transitions)
}

func TestRunDueTasks_CancelledBeforeStartClaimsNothing(t *testing.T) {
	a := dueTask("alpha", "u1", models.RecurrenceNone)
	b := dueTask("bravo", "u2", models.RecurrenceDaily)
	f := newSchedulerFixture(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.service().RunDueTasks(ctx)
	require.NoError(t, err)

	assert.True(t, summary.Success)
	assert.Equal(t, 0, summary.ProcessedCount)
	assert.Empty(t, f.tasks.transitions)
	assert.Empty(t, f.data.criteria)
	assert.Equal(t, models.TaskStatusScheduled, f.tasks.get(a.ID).Status)
	assert.Equal(t, models.TaskStatusScheduled, f.tasks.get(b.ID).Status)
}

func TestRunDueTasks_PassesFetchWindowToSynthesis(t *testing.T) {
	tests := []struct {
		name      string
		maxRows   int
		wantLimit int
	}{
		{name: "below cap", maxRows: 1000, wantLimit: 0},
		{name: "cap reached", maxRows: 1, wantLimit: 1},
		{name: "no cap", maxRows: 0, wantLimit: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedulerFixture(dueTask("alpha", "u1", models.RecurrenceDaily))
			f.cfg.MaxRows = tt.maxRows

			_, err := f.service().RunDueTasks(context.Background())
			require.NoError(t, err)

			require.Len(t, f.synth.windows, 1)
			window := f.synth.windows[0]
			assert.Equal(t, schedulerNow.Add(-24*time.Hour), window.From)
			assert.Equal(t, schedulerNow, window.To)
			assert.Equal(t, tt.wantLimit, window.RowLimit)
			assert.Equal(t, tt.wantLimit > 0, window.Truncated())
		})
	}
}

func TestGroupByUser(t *testing.T) {
	a1 := &models.ScheduledTask{Name: "a1", UserID: "a"}
	b1 := &models.ScheduledTask{Name: "b1", UserID: "b"}
	a2 := &models.ScheduledTask{Name: "a2", UserID: "a"}

	queues := groupByUser([]*models.ScheduledTask{a1, b1, a2})
	require.Len(t, queues, 2)
	assert.Equal(t, []*models.ScheduledTask{a1, a2}, queues[0])
	assert.Equal(t, []*models.ScheduledTask{b1}, queues[1])
}

func TestRunScheduler_StopsOnCancel(t *testing.T) {
	f := newSchedulerFixture()
	ctx, cancel := context.WithCancel(context.Background())
	runs := 0
	f.tasks.onList = func() {
		runs++
		cancel()
	}

	done := make(chan struct{})
	go func() {
		f.service().RunScheduler(ctx, time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	assert.Equal(t, 1, runs)
}
