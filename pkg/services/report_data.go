package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

// ReportDataService fetches report rows from a user's data source.
type ReportDataService interface {
	// Fetch resolves the profile's connection, validates its mapping against
	// the live schema and runs the series query, all inside one scoped session.
	// An empty entity list fails with mssql.ErrNoEntities before connecting.
	Fetch(ctx context.Context, profile *models.DataSourceProfile, criteria mssql.FetchCriteria) ([]models.DataRow, error)
}

type reportDataService struct {
	opener  datasource.Opener
	session datasource.SessionOptions
	logger  *zap.Logger
}

// NewReportDataService creates a fetch service over opener.
func NewReportDataService(opener datasource.Opener, session datasource.SessionOptions, logger *zap.Logger) ReportDataService {
	return &reportDataService{
		opener:  opener,
		session: session,
		logger:  logger.Named("report-data"),
	}
}

var _ ReportDataService = (*reportDataService)(nil)

func (s *reportDataService) Fetch(ctx context.Context, profile *models.DataSourceProfile, criteria mssql.FetchCriteria) ([]models.DataRow, error) {
	if len(criteria.Entities) == 0 {
		return []models.DataRow{}, mssql.ErrNoEntities
	}

	cfg := mssql.ResolveConnection(mssql.ServerDescriptor{
		Server:   profile.Server,
		Database: profile.Database,
		User:     profile.User,
		Password: profile.Password,
	})

	start := time.Now()
	var rows []models.DataRow
	err := datasource.WithSession(ctx, s.opener, cfg, s.session, s.logger, func(ctx context.Context, q datasource.Querier) error {
		validated, err := mssql.ValidateMapping(ctx, q, profile.Mapping)
		if err != nil {
			return err
		}
		rows, err = mssql.FetchSeries(ctx, q, validated, criteria)
		return err
	})
	if err != nil {
		return []models.DataRow{}, err
	}

	if criteria.ReachedCap(len(rows)) {
		s.logger.Warn("Row limit reached, newer rows were not fetched",
			zap.String("profile_id", profile.ID.String()),
			zap.Int("max_rows", criteria.MaxRows),
			zap.Time("last_row", rows[len(rows)-1].Timestamp),
			zap.Time("period_end", criteria.To))
	}

	s.logger.Debug("Fetched report data",
		zap.String("profile_id", profile.ID.String()),
		zap.Int("entities", len(criteria.Entities)),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", time.Since(start)))

	return rows, nil
}
