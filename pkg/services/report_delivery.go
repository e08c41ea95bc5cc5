package services

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/mailer"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

// ReportDeliveryService sends finished reports to their owners.
type ReportDeliveryService interface {
	// Deliver e-mails artifact to settings.Email. Errors wrap
	// apperrors.ErrDelivery and must never fail the task.
	Deliver(ctx context.Context, task *models.ScheduledTask, artifact *models.ReportArtifact,
		rows []models.DataRow, settings *models.NotificationSettings) error
}

type reportDeliveryService struct {
	sender mailer.Sender
	logger *zap.Logger
}

// NewReportDeliveryService creates a delivery service over sender.
func NewReportDeliveryService(sender mailer.Sender, logger *zap.Logger) ReportDeliveryService {
	return &reportDeliveryService{
		sender: sender,
		logger: logger.Named("delivery"),
	}
}

var _ ReportDeliveryService = (*reportDeliveryService)(nil)

func (s *reportDeliveryService) Deliver(
	ctx context.Context,
	task *models.ScheduledTask,
	artifact *models.ReportArtifact,
	rows []models.DataRow,
	settings *models.NotificationSettings,
) error {
	if !settings.CanDeliver() {
		return nil
	}
	if artifact == nil {
		return fmt.Errorf("%w: nothing to deliver", apperrors.ErrDelivery)
	}

	summary := summarizeRows(rows)
	contentType := "text/markdown; charset=utf-8"
	if artifact.Format == models.ReportFormatCSV {
		contentType = "text/csv; charset=utf-8"
	}

	msg := mailer.Message{
		To:      []string{settings.Email},
		Subject: fmt.Sprintf("Report ready: %s", task.Name),
		Text:    fmt.Sprintf("%s\n\n%s\n", summary, artifact.Content),
		HTML: fmt.Sprintf("<h2>%s</h2>\n<p>%s</p>\n<pre>%s</pre>\n",
			html.EscapeString(task.Name), html.EscapeString(summary), html.EscapeString(artifact.Content)),
		Attachments: []mailer.Attachment{{
			FileName:    artifact.FileName,
			ContentType: contentType,
			Data:        []byte(artifact.Content),
		}},
	}

	result := s.sender.Send(ctx, msg)
	if !result.Success {
		return fmt.Errorf("%w: %s", apperrors.ErrDelivery, result.Error)
	}

	s.logger.Info("Delivered report",
		zap.String("task_id", task.ID.String()),
		zap.String("file", artifact.FileName))
	return nil
}

// summarizeRows describes the fetched data, e.g. "42 rows covering 2 entities
// and 3 parameters".
func summarizeRows(rows []models.DataRow) string {
	entities := make(map[string]bool)
	parameters := make(map[string]bool)
	for _, r := range rows {
		entities[r.Entity] = true
		parameters[r.Parameter] = true
	}
	if len(rows) == 0 {
		return "No data was recorded in the report period."
	}

	names := make([]string, 0, len(entities))
	for e := range entities {
		names = append(names, e)
	}
	sort.Strings(names)

	return fmt.Sprintf("%s covering %s (%s) and %s.",
		countNoun(len(rows), "row"),
		countNoun(len(entities), "entity"),
		strings.Join(names, ", "),
		countNoun(len(parameters), "parameter"))
}

func countNoun(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %s", n, inflection.Plural(noun))
}
