package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/metrics"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
	"github.com/ekaya-inc/ekaya-reports/pkg/repositories"
)

// ReportSchedulerService executes due report tasks.
type ReportSchedulerService interface {
	// RunDueTasks processes every task due now. A failing task is recorded as
	// failed and never stops the others. The returned error is reserved for
	// failing to list due tasks at all.
	RunDueTasks(ctx context.Context) (*models.RunSummary, error)

	// RunScheduler calls RunDueTasks immediately and then every interval until
	// ctx is cancelled.
	RunScheduler(ctx context.Context, interval time.Duration)
}

// SchedulerConfig holds the fetch defaults applied to every task.
type SchedulerConfig struct {
	Lookback         time.Duration
	DefaultEntities  []string
	MaxRows          int
	MaxParallelUsers int
}

// SchedulerDeps groups the collaborators of the scheduler.
type SchedulerDeps struct {
	Tasks     repositories.ReportTaskRepository
	Templates repositories.ReportTemplateRepository
	Settings  repositories.NotificationSettingsRepository
	Profiles  DataSourceProfileService
	Data      ReportDataService
	Synth     ReportSynthesizer
	Delivery  ReportDeliveryService
	Metrics   *metrics.Recorder
}

type reportSchedulerService struct {
	SchedulerDeps
	cfg    SchedulerConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewReportSchedulerService creates the task executor.
func NewReportSchedulerService(deps SchedulerDeps, cfg SchedulerConfig, logger *zap.Logger) ReportSchedulerService {
	if cfg.MaxParallelUsers < 1 {
		cfg.MaxParallelUsers = 1
	}
	return &reportSchedulerService{
		SchedulerDeps: deps,
		cfg:           cfg,
		logger:        logger.Named("scheduler"),
		now:           time.Now,
	}
}

var _ ReportSchedulerService = (*reportSchedulerService)(nil)

// taskOutcome is the result of one task run. err is set for failures that
// belong in the summary.
type taskOutcome struct {
	task      *models.ScheduledTask
	processed bool
	err       error
}

func (s *reportSchedulerService) RunDueTasks(ctx context.Context) (*models.RunSummary, error) {
	s.Metrics.RunStarted()

	tasks, err := s.pollDueTasks(ctx)
	if err != nil {
		return nil, err
	}

	summary := &models.RunSummary{Errors: []string{}}
	if len(tasks) == 0 {
		summary.Success = true
		return summary, nil
	}

	queues := groupByUser(tasks)
	results := make([][]taskOutcome, len(queues))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxParallelUsers)
	for i, queue := range queues {
		g.Go(func() error {
			for j, task := range queue {
				// Unclaimed tasks stay scheduled for the next run.
				if ctx.Err() != nil {
					s.logger.Info("Run cancelled, leaving tasks scheduled",
						zap.String("user_id", task.UserID),
						zap.Int("tasks", len(queue)-j))
					break
				}
				results[i] = append(results[i], s.executeTask(ctx, task))
			}
			return nil
		})
	}
	_ = g.Wait()

	attempted := 0
	for _, queue := range results {
		attempted += len(queue)
		for _, r := range queue {
			if r.processed {
				summary.ProcessedCount++
			}
			if r.err != nil {
				summary.Errors = append(summary.Errors,
					fmt.Sprintf("%s (%s): %s", r.task.ID, r.task.Name, r.err.Error()))
			}
		}
	}
	summary.Success = len(summary.Errors) == 0

	s.logger.Info("Report run finished",
		zap.Int("due", len(tasks)),
		zap.Int("attempted", attempted),
		zap.Int("processed", summary.ProcessedCount),
		zap.Int("failed", len(summary.Errors)))

	return summary, nil
}

func (s *reportSchedulerService) pollDueTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	tasks, err := s.Tasks.ListDue(ctx, s.now())
	if err != nil {
		s.logger.Error("Failed to list due tasks", zap.Error(err))
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	return tasks, nil
}

// groupByUser splits tasks into per-user queues, keeping poll order within
// each queue and ordering queues by first appearance.
func groupByUser(tasks []*models.ScheduledTask) [][]*models.ScheduledTask {
	index := make(map[string]int)
	var queues [][]*models.ScheduledTask
	for _, t := range tasks {
		i, ok := index[t.UserID]
		if !ok {
			i = len(queues)
			index[t.UserID] = i
			queues = append(queues, nil)
		}
		queues[i] = append(queues[i], t)
	}
	return queues
}

func (s *reportSchedulerService) executeTask(ctx context.Context, task *models.ScheduledTask) taskOutcome {
	logger := s.logger.With(
		zap.String("task_id", task.ID.String()),
		zap.String("task_name", task.Name),
		zap.String("user_id", task.UserID))

	// Once claimed, a task runs to a terminal status even if the trigger is
	// cancelled. Each stage keeps its own timeout.
	ctx = context.WithoutCancel(ctx)

	if err := s.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusScheduled, models.TaskStatusProcessing, nil); err != nil {
		if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrNotFound) {
			logger.Info("Task already claimed, skipping")
			s.Metrics.TaskFinished(metrics.OutcomeSkipped, "")
			return taskOutcome{task: task}
		}
		logger.Error("Failed to claim task", zap.Error(err))
		return taskOutcome{task: task, err: fmt.Errorf("failed to claim task: %w", err)}
	}
	task.Status = models.TaskStatusProcessing

	if err := s.runPipeline(ctx, task, logger); err != nil {
		return s.failTask(ctx, task, err, logger)
	}
	return s.finishTask(ctx, task, logger)
}

// runPipeline performs fetch, synthesis and delivery. Only fetch and
// synthesis errors are returned.
func (s *reportSchedulerService) runPipeline(ctx context.Context, task *models.ScheduledTask, logger *zap.Logger) error {
	profile, err := s.Profiles.GetActive(ctx, task.UserID)
	if err != nil {
		return err
	}

	template, err := s.Templates.GetByID(ctx, task.TemplateID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: report template %s not found", apperrors.ErrConfiguration, task.TemplateID)
		}
		return fmt.Errorf("failed to load report template: %w", err)
	}
	chart, output, err := DecodeTemplateOptions(template)
	if err != nil {
		return err
	}

	criteria := s.defaultCriteria(task)

	start := time.Now()
	rows, err := s.Data.Fetch(ctx, profile, criteria)
	s.Metrics.ObserveStage(metrics.StageFetch, time.Since(start), err)
	if err != nil {
		return err
	}
	s.Metrics.RowsFetched(len(rows))

	window := models.ReportWindow{From: criteria.From, To: criteria.To}
	if criteria.ReachedCap(len(rows)) {
		window.RowLimit = criteria.MaxRows
	}

	start = time.Now()
	artifact, err := s.Synth.Generate(ctx, rows, template, chart, output, window)
	s.Metrics.ObserveStage(metrics.StageSynthesize, time.Since(start), err)
	if err != nil {
		return err
	}

	logger.Info("Report generated",
		zap.Int("rows", len(rows)),
		zap.Bool("truncated", window.Truncated()),
		zap.String("file", artifact.FileName))

	s.deliver(ctx, task, artifact, rows, logger)
	return nil
}

func (s *reportSchedulerService) defaultCriteria(task *models.ScheduledTask) mssql.FetchCriteria {
	to := s.now()
	entities := task.EntityNames
	if len(entities) == 0 {
		entities = s.cfg.DefaultEntities
	}
	return mssql.FetchCriteria{
		From:     to.Add(-s.cfg.Lookback),
		To:       to,
		Entities: entities,
		MaxRows:  s.cfg.MaxRows,
	}
}

// deliver hands the artifact to the transport when the user opted in. Every
// failure here is logged and swallowed.
func (s *reportSchedulerService) deliver(ctx context.Context, task *models.ScheduledTask, artifact *models.ReportArtifact, rows []models.DataRow, logger *zap.Logger) {
	settings, err := s.Settings.Get(ctx, task.UserID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("Failed to load notification settings", zap.Error(err))
		}
		return
	}
	if !settings.CanDeliver() {
		return
	}

	start := time.Now()
	err = s.Delivery.Deliver(ctx, task, artifact, rows, settings)
	s.Metrics.ObserveStage(metrics.StageDeliver, time.Since(start), err)
	if err != nil {
		s.Metrics.DeliveryFailed()
		logger.Warn("Report delivery failed", zap.Error(err))
	}
}

// finishTask re-arms a recurring task or completes a one-shot task.
func (s *reportSchedulerService) finishTask(ctx context.Context, task *models.ScheduledTask, logger *zap.Logger) taskOutcome {
	if next, ok := models.NextRunAfter(task.Recurrence, task.ScheduledAt, s.now()); ok {
		if err := s.Tasks.Reschedule(ctx, task.ID, next, task.Recurrence); err != nil {
			logger.Error("Failed to reschedule task", zap.Error(err))
			return taskOutcome{task: task, err: fmt.Errorf("report generated but rescheduling failed: %w", err)}
		}
		logger.Info("Task rescheduled", zap.Time("next_run", next))
		s.Metrics.TaskFinished(metrics.OutcomeRescheduled, "")
		return taskOutcome{task: task, processed: true}
	}

	if err := s.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusProcessing, models.TaskStatusCompleted, nil); err != nil {
		logger.Error("Failed to complete task", zap.Error(err))
		return taskOutcome{task: task, err: fmt.Errorf("report generated but completing the task failed: %w", err)}
	}
	logger.Info("Task completed")
	s.Metrics.TaskFinished(metrics.OutcomeCompleted, "")
	return taskOutcome{task: task, processed: true}
}

func (s *reportSchedulerService) failTask(ctx context.Context, task *models.ScheduledTask, cause error, logger *zap.Logger) taskOutcome {
	kind := apperrors.Kind(cause)
	message := cause.Error()
	logger.Warn("Task failed", zap.String("kind", kind), zap.String("error", message))
	s.Metrics.TaskFinished(metrics.OutcomeFailed, kind)

	if err := s.Tasks.UpdateStatus(ctx, task.ID, models.TaskStatusProcessing, models.TaskStatusFailed, &message); err != nil {
		logger.Error("Failed to record task failure", zap.Error(err))
	}
	return taskOutcome{task: task, err: cause}
}

func (s *reportSchedulerService) RunScheduler(ctx context.Context, interval time.Duration) {
	s.logger.Info("Starting report scheduler", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunDueTasks(ctx); err != nil {
			s.logger.Error("Scheduled run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Report scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
