package models

import (
	"time"

	"github.com/google/uuid"
)

// ReportFormat is the declared format of a generated report.
type ReportFormat string

const (
	// ReportFormatPDF is structured text meant for document rendering.
	ReportFormatPDF ReportFormat = "pdf"
	ReportFormatCSV ReportFormat = "csv"
)

// Extension returns the file extension used for artifacts of this format.
func (f ReportFormat) Extension() string {
	if f == ReportFormatCSV {
		return "csv"
	}
	return "md"
}

// ReportTemplate describes how to turn fetched rows into a report.
type ReportTemplate struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Format       ReportFormat   `json:"format"`
	Options      map[string]any `json:"options,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ChartOptions controls the charts described in a generated report.
type ChartOptions struct {
	ChartType      string `mapstructure:"chart_type" json:"chart_type"`
	GroupBy        string `mapstructure:"group_by" json:"group_by"`
	IncludeCharts  bool   `mapstructure:"include_charts" json:"include_charts"`
	MaxSeriesCount int    `mapstructure:"max_series_count" json:"max_series_count"`
}

// DefaultChartOptions returns the options applied when a template sets none.
func DefaultChartOptions() ChartOptions {
	return ChartOptions{
		ChartType:      "line",
		GroupBy:        "parameter",
		IncludeCharts:  true,
		MaxSeriesCount: 10,
	}
}

// OutputOptions controls the generated report text.
type OutputOptions struct {
	IncludeSummary    bool   `mapstructure:"include_summary" json:"include_summary"`
	IncludeRawData    bool   `mapstructure:"include_raw_data" json:"include_raw_data"`
	IncludeStatistics bool   `mapstructure:"include_statistics" json:"include_statistics"`
	Language          string `mapstructure:"language" json:"language"`
}

// DefaultOutputOptions returns the options applied when a template sets none.
func DefaultOutputOptions() OutputOptions {
	return OutputOptions{
		IncludeSummary:    true,
		IncludeRawData:    false,
		IncludeStatistics: true,
		Language:          "en",
	}
}

// DataRow is one fetched measurement. It lives only for one pipeline run.
type DataRow struct {
	// ID is "<parameter>-<RFC3339 timestamp>". Duplicate (parameter, timestamp)
	// pairs collide; the source holds at most one value per entity, parameter
	// and timestamp.
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Entity    string    `json:"entity"`
	Parameter string    `json:"parameter"`
	Value     any       `json:"value"` // float64 or string
	Unit      string    `json:"unit,omitempty"`
}

// DataRowID builds the stable row key for a parameter and timestamp.
func DataRowID(parameter string, ts time.Time) string {
	return parameter + "-" + ts.UTC().Format(time.RFC3339)
}

// ReportWindow is the period a report was fetched for. RowLimit is set when the
// fetch stopped at the row cap, so rows after the last one returned are missing.
type ReportWindow struct {
	From     time.Time
	To       time.Time
	RowLimit int
}

// Truncated reports whether the fetch hit the row cap.
func (w ReportWindow) Truncated() bool {
	return w.RowLimit > 0
}

// ReportArtifact is generated report content. Ephemeral.
type ReportArtifact struct {
	Content  string       `json:"content"`
	FileName string       `json:"file_name"`
	Format   ReportFormat `json:"format"`
}
