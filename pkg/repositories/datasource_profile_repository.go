package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/database"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

// DataSourceProfileRepository stores users' data source profiles.
// Passwords are stored encrypted; encryption and decryption belong to the
// service layer, so methods take and return the ciphertext separately.
type DataSourceProfileRepository interface {
	// Create inserts a profile. When p.IsActive is set, the user's other
	// profiles are deactivated in the same transaction.
	Create(ctx context.Context, p *models.DataSourceProfile, encryptedPassword string) error

	// GetActive returns the user's active profile and its encrypted password,
	// or apperrors.ErrNotFound.
	GetActive(ctx context.Context, userID string) (*models.DataSourceProfile, string, error)

	// SetActive makes id the user's only active profile.
	SetActive(ctx context.Context, userID string, id uuid.UUID) error
}

type dataSourceProfileRepository struct {
	db *database.DB
}

// NewDataSourceProfileRepository creates a PostgreSQL-backed profile repository.
func NewDataSourceProfileRepository(db *database.DB) DataSourceProfileRepository {
	return &dataSourceProfileRepository{db: db}
}

var _ DataSourceProfileRepository = (*dataSourceProfileRepository)(nil)

func (r *dataSourceProfileRepository) Create(ctx context.Context, p *models.DataSourceProfile, encryptedPassword string) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if p.IsActive {
		if _, err := tx.Exec(ctx,
			`UPDATE datasource_profiles SET is_active = false, updated_at = now() WHERE user_id = $1 AND is_active`,
			p.UserID); err != nil {
			return fmt.Errorf("failed to deactivate profiles: %w", err)
		}
	}

	query := `
		INSERT INTO datasource_profiles (
			id, user_id, name, server, database_name, username, password_encrypted, is_active,
			table_name, timestamp_column, entity_column, parameter_column, value_column, unit_column,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = tx.Exec(ctx, query,
		p.ID,
		p.UserID,
		p.Name,
		p.Server,
		p.Database,
		p.User,
		encryptedPassword,
		p.IsActive,
		p.Mapping.Table,
		p.Mapping.TimestampColumn,
		p.Mapping.EntityColumn,
		p.Mapping.ParameterColumn,
		p.Mapping.ValueColumn,
		p.Mapping.UnitColumn,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create datasource profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *dataSourceProfileRepository) GetActive(ctx context.Context, userID string) (*models.DataSourceProfile, string, error) {
	query := `
		SELECT id, user_id, name, server, database_name, username, password_encrypted, is_active,
		       table_name, timestamp_column, entity_column, parameter_column, value_column, unit_column,
		       created_at, updated_at
		FROM datasource_profiles
		WHERE user_id = $1 AND is_active`

	var p models.DataSourceProfile
	var encryptedPassword string
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&p.ID,
		&p.UserID,
		&p.Name,
		&p.Server,
		&p.Database,
		&p.User,
		&encryptedPassword,
		&p.IsActive,
		&p.Mapping.Table,
		&p.Mapping.TimestampColumn,
		&p.Mapping.EntityColumn,
		&p.Mapping.ParameterColumn,
		&p.Mapping.ValueColumn,
		&p.Mapping.UnitColumn,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get active datasource profile: %w", err)
	}

	return &p, encryptedPassword, nil
}

func (r *dataSourceProfileRepository) SetActive(ctx context.Context, userID string, id uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if _, err := tx.Exec(ctx,
		`UPDATE datasource_profiles SET is_active = false, updated_at = now() WHERE user_id = $1 AND is_active AND id <> $2`,
		userID, id); err != nil {
		return fmt.Errorf("failed to deactivate profiles: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE datasource_profiles SET is_active = true, updated_at = now() WHERE user_id = $1 AND id = $2`,
		userID, id)
	if err != nil {
		return fmt.Errorf("failed to activate profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports a PostgreSQL unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
