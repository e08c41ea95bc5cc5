package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/database"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

// NotificationSettingsRepository stores per-user delivery preferences.
type NotificationSettingsRepository interface {
	// Get returns apperrors.ErrNotFound when the user never saved settings.
	Get(ctx context.Context, userID string) (*models.NotificationSettings, error)
	Upsert(ctx context.Context, s *models.NotificationSettings) error
}

type notificationSettingsRepository struct {
	db *database.DB
}

// NewNotificationSettingsRepository creates a PostgreSQL-backed settings repository.
func NewNotificationSettingsRepository(db *database.DB) NotificationSettingsRepository {
	return &notificationSettingsRepository{db: db}
}

var _ NotificationSettingsRepository = (*notificationSettingsRepository)(nil)

func (r *notificationSettingsRepository) Get(ctx context.Context, userID string) (*models.NotificationSettings, error) {
	var s models.NotificationSettings
	err := r.db.QueryRow(ctx,
		`SELECT user_id, email, notifications_enabled FROM notification_settings WHERE user_id = $1`,
		userID,
	).Scan(&s.UserID, &s.Email, &s.NotificationsEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification settings: %w", err)
	}
	return &s, nil
}

func (r *notificationSettingsRepository) Upsert(ctx context.Context, s *models.NotificationSettings) error {
	query := `
		INSERT INTO notification_settings (user_id, email, notifications_enabled, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email,
		    notifications_enabled = EXCLUDED.notifications_enabled,
		    updated_at = now()`

	if _, err := r.db.Exec(ctx, query, s.UserID, s.Email, s.NotificationsEnabled); err != nil {
		return fmt.Errorf("failed to save notification settings: %w", err)
	}
	return nil
}
