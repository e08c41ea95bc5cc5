package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/database"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

// ReportTaskRepository is the durable store of scheduled report tasks. Status
// changes are compare-and-set on the current status, so two engines racing for
// the same task cannot both claim it.
type ReportTaskRepository interface {
	// Create inserts a new task in status scheduled.
	Create(ctx context.Context, task *models.ScheduledTask) error

	// GetByID returns apperrors.ErrNotFound when the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledTask, error)

	// ListDue returns tasks in status scheduled whose time is at or before now.
	// It has no side effects.
	ListDue(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error)

	// UpdateStatus moves a task from one status to another and records
	// lastError (nil clears it). Returns apperrors.ErrConflict when the task is
	// no longer in status from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.TaskStatus, lastError *string) error

	// Reschedule re-arms a processing task: status scheduled at next.
	Reschedule(ctx context.Context, id uuid.UUID, next time.Time, recurrence models.Recurrence) error

	// Rearm manually returns a failed task to scheduled at next.
	Rearm(ctx context.Context, id uuid.UUID, next time.Time) error
}

type reportTaskRepository struct {
	db *database.DB
}

// NewReportTaskRepository creates a PostgreSQL-backed task repository.
func NewReportTaskRepository(db *database.DB) ReportTaskRepository {
	return &reportTaskRepository{db: db}
}

var _ ReportTaskRepository = (*reportTaskRepository)(nil)

const reportTaskColumns = `id, name, template_id, user_id, scheduled_at, recurrence, status, last_error, entity_names, created_at, updated_at`

func (r *reportTaskRepository) Create(ctx context.Context, task *models.ScheduledTask) error {
	if task.Recurrence == "" {
		task.Recurrence = models.RecurrenceNone
	}
	if !task.Recurrence.IsValid() {
		return fmt.Errorf("invalid recurrence %q", task.Recurrence)
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.EntityNames == nil {
		task.EntityNames = []string{}
	}

	now := time.Now()
	task.Status = models.TaskStatusScheduled
	task.CreatedAt = now
	task.UpdatedAt = now

	query := `
		INSERT INTO report_tasks (id, name, template_id, user_id, scheduled_at, recurrence, status, entity_names, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		task.ID,
		task.Name,
		task.TemplateID,
		task.UserID,
		task.ScheduledAt,
		task.Recurrence,
		task.Status,
		task.EntityNames,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create report task: %w", err)
	}
	return nil
}

func (r *reportTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledTask, error) {
	query := `SELECT ` + reportTaskColumns + ` FROM report_tasks WHERE id = $1`

	task, err := scanReportTask(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report task: %w", err)
	}
	return task, nil
}

func (r *reportTaskRepository) ListDue(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	query := `
		SELECT ` + reportTaskColumns + `
		FROM report_tasks
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at, id`

	rows, err := r.db.Query(ctx, query, models.TaskStatusScheduled, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due report tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*models.ScheduledTask, 0)
	for rows.Next() {
		task, err := scanReportTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate report tasks: %w", err)
	}
	return tasks, nil
}

func (r *reportTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.TaskStatus, lastError *string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal task transition %s -> %s", from, to)
	}

	query := `
		UPDATE report_tasks
		SET status = $3, last_error = $4, updated_at = now()
		WHERE id = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query, id, from, to, lastError)
	if err != nil {
		return fmt.Errorf("failed to update report task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *reportTaskRepository) Reschedule(ctx context.Context, id uuid.UUID, next time.Time, recurrence models.Recurrence) error {
	if !recurrence.IsRecurring() {
		return fmt.Errorf("cannot reschedule task with recurrence %q", recurrence)
	}

	query := `
		UPDATE report_tasks
		SET status = $2, scheduled_at = $3, recurrence = $4, last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = $5`

	tag, err := r.db.Exec(ctx, query, id, models.TaskStatusScheduled, next, recurrence, models.TaskStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to reschedule report task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *reportTaskRepository) Rearm(ctx context.Context, id uuid.UUID, next time.Time) error {
	query := `
		UPDATE report_tasks
		SET status = $2, scheduled_at = $3, last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = $4`

	tag, err := r.db.Exec(ctx, query, id, models.TaskStatusScheduled, next, models.TaskStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to re-arm report task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

// missOrConflict explains a compare-and-set that matched no row.
func (r *reportTaskRepository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM report_tasks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check report task: %w", err)
	}
	if !exists {
		return apperrors.ErrNotFound
	}
	return apperrors.ErrConflict
}

func scanReportTask(row pgx.Row) (*models.ScheduledTask, error) {
	var t models.ScheduledTask
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.TemplateID,
		&t.UserID,
		&t.ScheduledAt,
		&t.Recurrence,
		&t.Status,
		&t.LastError,
		&t.EntityNames,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
