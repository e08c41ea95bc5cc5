package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/crypto"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
	"github.com/ekaya-inc/ekaya-reports/pkg/repositories"
)

// DataSourceProfileService manages users' data source profiles and hands out
// usable (decrypted, complete) profiles to the report pipeline.
type DataSourceProfileService interface {
	// Create stores a profile, encrypting its password.
	Create(ctx context.Context, p *models.DataSourceProfile) error

	// GetActive returns the user's active profile with its password decrypted.
	// A missing or incomplete profile is an apperrors.ErrConfiguration.
	GetActive(ctx context.Context, userID string) (*models.DataSourceProfile, error)
}

type dataSourceProfileService struct {
	repo      repositories.DataSourceProfileRepository
	secretBox *crypto.SecretBox
	logger    *zap.Logger
}

// NewDataSourceProfileService creates a profile service.
func NewDataSourceProfileService(
	repo repositories.DataSourceProfileRepository,
	secretBox *crypto.SecretBox,
	logger *zap.Logger,
) DataSourceProfileService {
	return &dataSourceProfileService{
		repo:      repo,
		secretBox: secretBox,
		logger:    logger.Named("profiles"),
	}
}

var _ DataSourceProfileService = (*dataSourceProfileService)(nil)

func (s *dataSourceProfileService) Create(ctx context.Context, p *models.DataSourceProfile) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: user id is required", apperrors.ErrConfiguration)
	}
	if p.Server == "" {
		return fmt.Errorf("%w: server is required", apperrors.ErrConfiguration)
	}
	if p.Name == "" {
		p.Name = "default"
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	encrypted, err := s.secretBox.Seal(p.ID.String(), p.Password)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	if err := s.repo.Create(ctx, p, encrypted); err != nil {
		return err
	}

	s.logger.Info("Created data source profile",
		zap.String("id", p.ID.String()),
		zap.String("user_id", p.UserID),
		zap.Bool("active", p.IsActive))
	return nil
}

func (s *dataSourceProfileService) GetActive(ctx context.Context, userID string) (*models.DataSourceProfile, error) {
	p, encrypted, err := s.repo.GetActive(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: no active data source profile for user %s", apperrors.ErrConfiguration, userID)
		}
		return nil, fmt.Errorf("failed to load data source profile: %w", err)
	}

	if p.Server == "" {
		return nil, fmt.Errorf("%w: data source profile %q has no server", apperrors.ErrConfiguration, p.Name)
	}
	if p.Database == "" && !mssql.IsConnectionString(p.Server) {
		return nil, fmt.Errorf("%w: data source profile %q has no database", apperrors.ErrConfiguration, p.Name)
	}
	if missing := p.Mapping.MissingFields(); len(missing) > 0 {
		return nil, &mssql.IncompleteMappingError{Missing: missing}
	}

	password, err := s.secretBox.Open(p.ID.String(), encrypted)
	if err != nil {
		s.logger.Error("Failed to decrypt data source password",
			zap.String("profile_id", p.ID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, apperrors.ErrCredentialsKeyMismatch)
	}
	p.Password = password

	return p, nil
}
