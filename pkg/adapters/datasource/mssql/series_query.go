package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
	sqlguard "github.com/ekaya-inc/ekaya-reports/pkg/sql"
)

// ErrNoEntities is returned instead of running an unfiltered query.
var ErrNoEntities = fmt.Errorf("%w: no entities selected for the report", apperrors.ErrConfiguration)

// FetchCriteria selects the rows of one report.
type FetchCriteria struct {
	From time.Time
	To   time.Time
	// Entities is required; an empty list fetches nothing.
	Entities []string
	// Parameters restricts the parameters; empty means all.
	Parameters []string
	// MaxRows caps the result with TOP (n) when > 0.
	MaxRows int
}

// ReachedCap reports whether n fetched rows filled the MaxRows cap. Rows are
// ordered oldest first, so a full result has dropped the newest rows.
func (c FetchCriteria) ReachedCap(n int) bool {
	return c.MaxRows > 0 && n >= c.MaxRows
}

// BuildSeriesQuery renders the SELECT for c over a validated mapping. Identifiers
// come only from v and are bracket-quoted; every filter value is bound as a
// named parameter @p1..@pN in the returned args.
func BuildSeriesQuery(v *ValidatedMapping, c FetchCriteria) (string, []any, error) {
	if v == nil {
		return "", nil, errors.New("series query requires a validated mapping")
	}

	entities := distinct(c.Entities)
	if len(entities) == 0 {
		return "", nil, ErrNoEntities
	}
	if c.To.Before(c.From) {
		return "", nil, fmt.Errorf("%w: report range ends (%s) before it starts (%s)",
			apperrors.ErrConfiguration, c.To.Format(time.RFC3339), c.From.Format(time.RFC3339))
	}
	parameters := distinct(c.Parameters)

	if err := sqlguard.ScreenFilters(
		sqlguard.Filter{Field: "entity", Values: entities},
		sqlguard.Filter{Field: "parameter", Values: parameters},
	); err != nil {
		return "", nil, fmt.Errorf("%w: %w", apperrors.ErrConfiguration, err)
	}

	var args []any
	bind := func(value any) string {
		name := "p" + strconv.Itoa(len(args)+1)
		args = append(args, sql.Named(name, value))
		return "@" + name
	}

	ts := quoteName(v.timestamp)
	entity := quoteName(v.entity)
	parameter := quoteName(v.parameter)

	var b strings.Builder
	b.WriteString("SELECT ")
	if c.MaxRows > 0 {
		fmt.Fprintf(&b, "TOP (%d) ", c.MaxRows)
	}
	fmt.Fprintf(&b, "%s, %s, %s, %s", ts, entity, parameter, quoteName(v.value))
	if v.HasUnit() {
		b.WriteString(", " + quoteName(v.unit))
	} else {
		b.WriteString(", NULL")
	}
	fmt.Fprintf(&b, " FROM %s", qualifiedName(v.schema, v.table))
	fmt.Fprintf(&b, " WHERE %s BETWEEN %s AND %s", ts, bind(c.From), bind(c.To))
	fmt.Fprintf(&b, " AND %s IN (%s)", entity, bindAll(entities, bind))
	if len(parameters) > 0 {
		fmt.Fprintf(&b, " AND %s IN (%s)", parameter, bindAll(parameters, bind))
	}
	fmt.Fprintf(&b, " ORDER BY %s, %s, %s", ts, entity, parameter)

	return b.String(), args, nil
}

// FetchSeries runs the series query and shapes the result into DataRows. With
// no entities it returns ErrNoEntities without touching q.
func FetchSeries(ctx context.Context, q datasource.Querier, v *ValidatedMapping, c FetchCriteria) ([]models.DataRow, error) {
	query, args, err := BuildSeriesQuery(v, c)
	if err != nil {
		return []models.DataRow{}, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", apperrors.ErrConnectivity, v.Table(), err)
	}
	defer rows.Close()

	result := make([]models.DataRow, 0)
	for rows.Next() {
		var rawTS, rawEntity, rawParameter, rawValue, rawUnit any
		if err := rows.Scan(&rawTS, &rawEntity, &rawParameter, &rawValue, &rawUnit); err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}

		ts, err := toTime(rawTS)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s: %v", apperrors.ErrSchemaMismatch, v.timestamp, err)
		}
		parameter := toString(rawParameter)

		result = append(result, models.DataRow{
			ID:        models.DataRowID(parameter, ts),
			Timestamp: ts,
			Entity:    toString(rawEntity),
			Parameter: parameter,
			Value:     toValue(rawValue),
			Unit:      toString(rawUnit),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", apperrors.ErrConnectivity, v.Table(), err)
	}

	return result, nil
}

func bindAll(values []string, bind func(any) string) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = bind(v)
	}
	return strings.Join(placeholders, ", ")
}

// distinct drops blanks and repeats, keeping first-seen order.
func distinct(values []string) []string {
	var out []string
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.9999999 -07:00",
	"2006-01-02 15:04:05.9999999",
	"2006-01-02T15:04:05.9999999",
	"2006-01-02",
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case []byte:
		return parseTimestamp(string(t))
	case string:
		return parseTimestamp(t)
	case nil:
		return time.Time{}, errors.New("timestamp is NULL")
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

// toValue keeps numbers numeric. DECIMAL/MONEY arrive as []byte and are parsed;
// anything else becomes a string.
func toValue(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case int:
		return float64(n)
	case bool:
		if n {
			return 1.0
		}
		return 0.0
	case []byte:
		if f, err := strconv.ParseFloat(strings.TrimSpace(string(n)), 64); err == nil {
			return f
		}
		return string(n)
	case string:
		return n
	}
	return fmt.Sprint(v)
}
