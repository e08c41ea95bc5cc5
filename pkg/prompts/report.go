// Package prompts builds the LLM prompts used for report synthesis.
package prompts

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

// MaxRawRows caps the rows written verbatim into a prompt.
const MaxRawRows = 500

// ReportContext is everything the model needs to write one report.
type ReportContext struct {
	Template models.ReportTemplate
	Chart    models.ChartOptions
	Output   models.OutputOptions
	From     time.Time
	To       time.Time
	// RowLimit is set when the fetch stopped at the row cap.
	RowLimit int
	Rows     []models.DataRow
}

// SeriesStats summarizes the numeric values of one entity/parameter series.
type SeriesStats struct {
	Entity    string
	Parameter string
	Unit      string
	Count     int
	Numeric   int
	Min       float64
	Max       float64
	Mean      float64
	First     time.Time
	Last      time.Time
}

// BuildReportSystemMessage returns the system message for report synthesis.
func BuildReportSystemMessage(language string) string {
	if language == "" {
		language = "en"
	}
	return fmt.Sprintf(`You are a data analyst writing operational reports from time-series measurements.
Write in language %q. Use Markdown headings, short paragraphs and tables.
Only state facts supported by the data provided. Never invent measurements.
Do not wrap the whole answer in a code block.`, language)
}

// BuildReportPrompt renders the user prompt for a report.
func BuildReportPrompt(rc ReportContext) string {
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf("# Report: %s\n\n", rc.Template.Name))
	if rc.Template.Description != "" {
		prompt.WriteString(rc.Template.Description + "\n\n")
	}
	prompt.WriteString(fmt.Sprintf("Period: %s to %s (UTC)\n",
		rc.From.UTC().Format(time.RFC3339), rc.To.UTC().Format(time.RFC3339)))
	prompt.WriteString(fmt.Sprintf("Rows: %d\n", len(rc.Rows)))
	if rc.RowLimit > 0 && len(rc.Rows) > 0 {
		prompt.WriteString(fmt.Sprintf(
			"Note: the %d-row limit was reached. Data after %s is missing. State this in the report.\n",
			rc.RowLimit, formatTime(rc.Rows[len(rc.Rows)-1].Timestamp)))
	}
	prompt.WriteString("\n")

	if rc.Template.Instructions != "" {
		prompt.WriteString("## Instructions\n\n")
		prompt.WriteString(rc.Template.Instructions + "\n\n")
	}

	prompt.WriteString("## Required sections\n\n")
	if rc.Output.IncludeSummary {
		prompt.WriteString("- An executive summary of notable trends and anomalies.\n")
	}
	if rc.Output.IncludeStatistics {
		prompt.WriteString("- A statistics table per entity and parameter (count, min, max, mean).\n")
	}
	if rc.Chart.IncludeCharts {
		prompt.WriteString(fmt.Sprintf("- Descriptions of %s charts grouped by %s, at most %d series each.\n",
			rc.Chart.ChartType, rc.Chart.GroupBy, rc.Chart.MaxSeriesCount))
	}
	if rc.Output.IncludeRawData {
		prompt.WriteString("- An appendix with the raw data as a table.\n")
	}
	prompt.WriteString("\n")

	if len(rc.Rows) == 0 {
		prompt.WriteString("No data was recorded in this period. Say so plainly.\n")
		return prompt.String()
	}

	prompt.WriteString("## Series statistics\n\n")
	prompt.WriteString("| Entity | Parameter | Unit | Count | Min | Max | Mean | First | Last |\n")
	prompt.WriteString("|---|---|---|---|---|---|---|---|---|\n")
	for _, s := range ComputeSeriesStats(rc.Rows) {
		if s.Numeric == 0 {
			prompt.WriteString(fmt.Sprintf("| %s | %s | %s | %d | - | - | - | %s | %s |\n",
				s.Entity, s.Parameter, s.Unit, s.Count, formatTime(s.First), formatTime(s.Last)))
			continue
		}
		prompt.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %s | %s | %s | %s | %s |\n",
			s.Entity, s.Parameter, s.Unit, s.Count,
			formatFloat(s.Min), formatFloat(s.Max), formatFloat(s.Mean),
			formatTime(s.First), formatTime(s.Last)))
	}
	prompt.WriteString("\n")

	prompt.WriteString("## Data\n\n")
	rows := rc.Rows
	if len(rows) > MaxRawRows {
		prompt.WriteString(fmt.Sprintf("(first %d of %d rows)\n", MaxRawRows, len(rows)))
		rows = rows[:MaxRawRows]
	}
	prompt.WriteString("timestamp,entity,parameter,value,unit\n")
	for _, r := range rows {
		prompt.WriteString(fmt.Sprintf("%s,%s,%s,%s,%s\n",
			formatTime(r.Timestamp), r.Entity, r.Parameter, FormatValue(r.Value), r.Unit))
	}

	return prompt.String()
}

// ComputeSeriesStats groups rows by entity and parameter, sorted by both.
func ComputeSeriesStats(rows []models.DataRow) []SeriesStats {
	type key struct{ entity, parameter string }
	byKey := make(map[key]*SeriesStats)
	var sums = make(map[key]float64)

	for _, r := range rows {
		k := key{r.Entity, r.Parameter}
		s, ok := byKey[k]
		if !ok {
			s = &SeriesStats{Entity: r.Entity, Parameter: r.Parameter, First: r.Timestamp, Last: r.Timestamp}
			byKey[k] = s
		}
		s.Count++
		if s.Unit == "" {
			s.Unit = r.Unit
		}
		if r.Timestamp.Before(s.First) {
			s.First = r.Timestamp
		}
		if r.Timestamp.After(s.Last) {
			s.Last = r.Timestamp
		}

		v, ok := r.Value.(float64)
		if !ok {
			continue
		}
		if s.Numeric == 0 || v < s.Min {
			s.Min = v
		}
		if s.Numeric == 0 || v > s.Max {
			s.Max = v
		}
		s.Numeric++
		sums[k] += v
	}

	out := make([]SeriesStats, 0, len(byKey))
	for k, s := range byKey {
		if s.Numeric > 0 {
			s.Mean = sums[k] / float64(s.Numeric)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Parameter < out[j].Parameter
	})
	return out
}

// FormatValue renders a row value for text output.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return formatFloat(val)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
