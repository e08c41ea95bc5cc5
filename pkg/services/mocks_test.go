package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/mailer"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

// Test encryption key (32 bytes, base64 encoded).
const testCredentialsKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

// memoryTaskRepository is an in-memory ReportTaskRepository enforcing the same
// compare-and-set rules as the PostgreSQL store.
type memoryTaskRepository struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.ScheduledTask

	listErr      error
	onList       func()
	rescheduleFn func(id uuid.UUID) error
	transitions  []string
}

func newMemoryTaskRepository(tasks ...*models.ScheduledTask) *memoryTaskRepository {
	r := &memoryTaskRepository{tasks: make(map[uuid.UUID]*models.ScheduledTask)}
	for _, t := range tasks {
		_ = r.Create(context.Background(), t)
	}
	return r
}

func (r *memoryTaskRepository) Create(ctx context.Context, task *models.ScheduledTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusScheduled
	}
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *memoryTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memoryTaskRepository) ListDue(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	if r.onList != nil {
		r.onList()
	}
	if r.listErr != nil {
		return nil, r.listErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*models.ScheduledTask
	for _, t := range r.tasks {
		if t.IsDue(now) {
			cp := *t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].Name < due[j].Name
	})
	return due, nil
}

func (r *memoryTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.TaskStatus, lastError *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if t.Status != from || !models.CanTransition(from, to) {
		return apperrors.ErrConflict
	}
	t.Status = to
	t.LastError = lastError
	r.transitions = append(r.transitions, t.Name+":"+string(from)+"->"+string(to))
	return nil
}

func (r *memoryTaskRepository) Reschedule(ctx context.Context, id uuid.UUID, next time.Time, recurrence models.Recurrence) error {
	if r.rescheduleFn != nil {
		if err := r.rescheduleFn(id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if t.Status != models.TaskStatusProcessing || !recurrence.IsRecurring() {
		return apperrors.ErrConflict
	}
	t.Status = models.TaskStatusScheduled
	t.ScheduledAt = next
	t.Recurrence = recurrence
	t.LastError = nil
	r.transitions = append(r.transitions, t.Name+":processing->scheduled")
	return nil
}

func (r *memoryTaskRepository) Rearm(ctx context.Context, id uuid.UUID, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if t.Status != models.TaskStatusFailed {
		return apperrors.ErrConflict
	}
	t.Status = models.TaskStatusScheduled
	t.ScheduledAt = next
	return nil
}

func (r *memoryTaskRepository) get(id uuid.UUID) *models.ScheduledTask {
	t, _ := r.GetByID(context.Background(), id)
	return t
}

// mockTemplateRepository returns one template for every id unless err is set.
type mockTemplateRepository struct {
	template *models.ReportTemplate
	err      error
}

func (m *mockTemplateRepository) Create(ctx context.Context, tmpl *models.ReportTemplate) error {
	m.template = tmpl
	return nil
}

func (m *mockTemplateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReportTemplate, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.template == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.template, nil
}

// mockSettingsRepository holds settings per user.
type mockSettingsRepository struct {
	settings map[string]*models.NotificationSettings
	err      error
}

func (m *mockSettingsRepository) Get(ctx context.Context, userID string) (*models.NotificationSettings, error) {
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.settings[userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return s, nil
}

func (m *mockSettingsRepository) Upsert(ctx context.Context, s *models.NotificationSettings) error {
	if m.settings == nil {
		m.settings = make(map[string]*models.NotificationSettings)
	}
	m.settings[s.UserID] = s
	return nil
}

// mockProfileRepository stores one profile per user.
type mockProfileRepository struct {
	profiles  map[string]*models.DataSourceProfile
	encrypted map[string]string
	createErr error
	getErr    error
}

func (m *mockProfileRepository) Create(ctx context.Context, p *models.DataSourceProfile, encryptedPassword string) error {
	if m.createErr != nil {
		return m.createErr
	}
	if m.profiles == nil {
		m.profiles = make(map[string]*models.DataSourceProfile)
		m.encrypted = make(map[string]string)
	}
	cp := *p
	cp.Password = ""
	m.profiles[p.UserID] = &cp
	m.encrypted[p.UserID] = encryptedPassword
	return nil
}

func (m *mockProfileRepository) GetActive(ctx context.Context, userID string) (*models.DataSourceProfile, string, error) {
	if m.getErr != nil {
		return nil, "", m.getErr
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, "", apperrors.ErrNotFound
	}
	cp := *p
	return &cp, m.encrypted[userID], nil
}

func (m *mockProfileRepository) SetActive(ctx context.Context, userID string, id uuid.UUID) error {
	return nil
}

// mockProfileService returns a profile or error per user.
type mockProfileService struct {
	profiles map[string]*models.DataSourceProfile
	errs     map[string]error
}

func (m *mockProfileService) Create(ctx context.Context, p *models.DataSourceProfile) error {
	return nil
}

func (m *mockProfileService) GetActive(ctx context.Context, userID string) (*models.DataSourceProfile, error) {
	if err, ok := m.errs[userID]; ok {
		return nil, err
	}
	if p, ok := m.profiles[userID]; ok {
		return p, nil
	}
	return nil, apperrors.ErrConfiguration
}

// mockDataService returns canned rows; failFor fails specific users. onFetch
// runs before each fetch.
type mockDataService struct {
	mu       sync.Mutex
	rows     []models.DataRow
	failFor  map[string]error
	criteria []mssql.FetchCriteria
	onFetch  func()
}

func (m *mockDataService) Fetch(ctx context.Context, profile *models.DataSourceProfile, criteria mssql.FetchCriteria) ([]models.DataRow, error) {
	m.mu.Lock()
	m.criteria = append(m.criteria, criteria)
	m.mu.Unlock()
	if m.onFetch != nil {
		m.onFetch()
	}
	if err := ctx.Err(); err != nil {
		return []models.DataRow{}, err
	}
	if err, ok := m.failFor[profile.UserID]; ok {
		return []models.DataRow{}, err
	}
	if len(criteria.Entities) == 0 {
		return []models.DataRow{}, mssql.ErrNoEntities
	}
	return m.rows, nil
}

// mockSynthesizer returns a fixed artifact and records the windows it was given.
type mockSynthesizer struct {
	mu      sync.Mutex
	err     error
	calls   int
	windows []models.ReportWindow
}

func (m *mockSynthesizer) Generate(ctx context.Context, rows []models.DataRow, template *models.ReportTemplate,
	chart models.ChartOptions, output models.OutputOptions, window models.ReportWindow) (*models.ReportArtifact, error) {
	m.mu.Lock()
	m.calls++
	m.windows = append(m.windows, window)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &models.ReportArtifact{Content: "# Report", FileName: "report.md", Format: models.ReportFormatPDF}, nil
}

// mockDelivery records deliveries and optionally fails them.
type mockDelivery struct {
	mu        sync.Mutex
	err       error
	delivered []string
}

func (m *mockDelivery) Deliver(ctx context.Context, task *models.ScheduledTask, artifact *models.ReportArtifact,
	rows []models.DataRow, settings *models.NotificationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, task.Name+"->"+settings.Email)
	return m.err
}

// mockSender records messages sent through the mailer interface.
type mockSender struct {
	result   mailer.SendResult
	messages []mailer.Message
}

func (m *mockSender) Send(ctx context.Context, msg mailer.Message) mailer.SendResult {
	m.messages = append(m.messages, msg)
	return m.result
}
