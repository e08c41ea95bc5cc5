package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/database"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

// ReportTemplateRepository stores report templates. Authoring happens
// elsewhere; the engine only reads them.
type ReportTemplateRepository interface {
	Create(ctx context.Context, tmpl *models.ReportTemplate) error
	// GetByID returns apperrors.ErrNotFound when the template does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReportTemplate, error)
}

type reportTemplateRepository struct {
	db *database.DB
}

// NewReportTemplateRepository creates a PostgreSQL-backed template repository.
func NewReportTemplateRepository(db *database.DB) ReportTemplateRepository {
	return &reportTemplateRepository{db: db}
}

var _ ReportTemplateRepository = (*reportTemplateRepository)(nil)

func (r *reportTemplateRepository) Create(ctx context.Context, tmpl *models.ReportTemplate) error {
	if tmpl.ID == uuid.Nil {
		tmpl.ID = uuid.New()
	}
	if tmpl.Format == "" {
		tmpl.Format = models.ReportFormatPDF
	}
	options := tmpl.Options
	if options == nil {
		options = map[string]any{}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to encode template options: %w", err)
	}

	now := time.Now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	query := `
		INSERT INTO report_templates (id, name, description, instructions, format, options, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.Exec(ctx, query,
		tmpl.ID,
		tmpl.Name,
		tmpl.Description,
		tmpl.Instructions,
		tmpl.Format,
		optionsJSON,
		tmpl.CreatedAt,
		tmpl.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create report template: %w", err)
	}
	return nil
}

func (r *reportTemplateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReportTemplate, error) {
	query := `
		SELECT id, name, description, instructions, format, options, created_at, updated_at
		FROM report_templates
		WHERE id = $1`

	var tmpl models.ReportTemplate
	var optionsJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&tmpl.ID,
		&tmpl.Name,
		&tmpl.Description,
		&tmpl.Instructions,
		&tmpl.Format,
		&optionsJSON,
		&tmpl.CreatedAt,
		&tmpl.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get report template: %w", err)
	}

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &tmpl.Options); err != nil {
			return nil, fmt.Errorf("failed to decode template options: %w", err)
		}
	}
	return &tmpl, nil
}
