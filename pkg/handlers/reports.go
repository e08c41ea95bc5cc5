package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/services"
)

// ReportsHandler exposes the report engine trigger.
type ReportsHandler struct {
	scheduler services.ReportSchedulerService
	logger    *zap.Logger
}

// NewReportsHandler creates a ReportsHandler.
func NewReportsHandler(scheduler services.ReportSchedulerService, logger *zap.Logger) *ReportsHandler {
	return &ReportsHandler{scheduler: scheduler, logger: logger}
}

// RegisterRoutes registers the reports routes on the given mux.
func (h *ReportsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/reports/run", h.Run)
}

// Run handles POST /api/reports/run. Per-task failures are part of a 200
// response; only a failure to read due tasks is an error status.
func (h *ReportsHandler) Run(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scheduler.RunDueTasks(r.Context())
	if err != nil {
		h.logger.Error("Report run failed", zap.Error(err))
		status, code := statusForError(err)
		if err := ErrorResponse(w, status, code, "failed to run due report tasks"); err != nil {
			h.logger.Error("Failed to encode error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, summary); err != nil {
		h.logger.Error("Failed to encode run summary", zap.Error(err))
	}
}
