package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-reports/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-reports/pkg/models"
)

// IncompleteMappingError lists the required mapping fields that are empty.
type IncompleteMappingError struct {
	Missing []string
}

func (e *IncompleteMappingError) Error() string {
	return "column mapping is incomplete: missing " + strings.Join(e.Missing, ", ")
}

func (e *IncompleteMappingError) Unwrap() error { return apperrors.ErrConfiguration }

// UnknownTableError means the mapped table does not exist in the data source.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("table %q not found in data source", e.Table)
}

func (e *UnknownTableError) Unwrap() error { return apperrors.ErrSchemaMismatch }

// UnknownColumnsError lists exactly the mapped columns the table lacks, in the
// order the mapping names them.
type UnknownColumnsError struct {
	Table   string
	Columns []string
}

func (e *UnknownColumnsError) Error() string {
	return fmt.Sprintf("columns not found in table %q: %s", e.Table, strings.Join(e.Columns, ", "))
}

func (e *UnknownColumnsError) Unwrap() error { return apperrors.ErrSchemaMismatch }

// ValidatedMapping is a column mapping confirmed against the live schema. Names
// are spelled as the catalog reports them. It can only be built by
// ValidateMapping, which makes its identifiers safe to quote into SQL text.
// Validate again for every fetch; schemas change.
type ValidatedMapping struct {
	schema    string
	table     string
	timestamp string
	entity    string
	parameter string
	value     string
	unit      string // empty when the mapping has no unit column
}

// Table returns the schema-qualified table name.
func (v *ValidatedMapping) Table() string {
	return v.schema + "." + v.table
}

// HasUnit reports whether rows carry a unit column.
func (v *ValidatedMapping) HasUnit() bool { return v.unit != "" }

const findTableQuery = `
	SELECT TABLE_SCHEMA, TABLE_NAME
	FROM INFORMATION_SCHEMA.TABLES
	WHERE TABLE_NAME = @p1
	  AND (@p2 = N'' OR TABLE_SCHEMA = @p2)
	ORDER BY CASE WHEN TABLE_SCHEMA = N'dbo' THEN 0 ELSE 1 END, TABLE_SCHEMA`

const listColumnsQuery = `
	SELECT COLUMN_NAME
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
	ORDER BY ORDINAL_POSITION`

// ValidateMapping checks that the mapped table and every mapped column exist.
// It is read-only. An unqualified table name resolves to dbo when several
// schemas hold a table of that name.
func ValidateMapping(ctx context.Context, q datasource.Querier, m models.ColumnMapping) (*ValidatedMapping, error) {
	if missing := m.MissingFields(); len(missing) > 0 {
		return nil, &IncompleteMappingError{Missing: missing}
	}

	wantSchema, wantTable := splitSchemaTable(m.Table)

	schema, table, err := findTable(ctx, q, wantSchema, wantTable)
	if err != nil {
		return nil, err
	}
	if table == "" {
		return nil, &UnknownTableError{Table: m.Table}
	}

	columns, err := listColumns(ctx, q, schema, table)
	if err != nil {
		return nil, err
	}

	requested := []string{m.TimestampColumn, m.EntityColumn, m.ParameterColumn, m.ValueColumn}
	if m.UnitColumn != "" {
		requested = append(requested, m.UnitColumn)
	}

	var missing []string
	seen := make(map[string]bool)
	resolved := make([]string, len(requested))
	for i, name := range requested {
		key := strings.ToLower(name)
		if actual, ok := columns[key]; ok {
			resolved[i] = actual
			continue
		}
		if !seen[key] {
			seen[key] = true
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &UnknownColumnsError{Table: m.Table, Columns: missing}
	}

	v := &ValidatedMapping{
		schema:    schema,
		table:     table,
		timestamp: resolved[0],
		entity:    resolved[1],
		parameter: resolved[2],
		value:     resolved[3],
	}
	if len(resolved) > 4 {
		v.unit = resolved[4]
	}
	return v, nil
}

// findTable returns the catalog spelling of the table, or empty names when it
// does not exist.
func findTable(ctx context.Context, q datasource.Querier, schema, table string) (string, string, error) {
	rows, err := q.QueryContext(ctx, findTableQuery, sql.Named("p1", table), sql.Named("p2", schema))
	if err != nil {
		return "", "", fmt.Errorf("%w: look up table %q: %v", apperrors.ErrConnectivity, table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", "", fmt.Errorf("%w: look up table %q: %v", apperrors.ErrConnectivity, table, err)
		}
		return "", "", nil
	}

	var foundSchema, foundTable string
	if err := rows.Scan(&foundSchema, &foundTable); err != nil {
		return "", "", fmt.Errorf("scan table row: %w", err)
	}
	return foundSchema, foundTable, nil
}

// listColumns returns the table's columns keyed by lowercased name. SQL Server's
// default collation compares identifiers case-insensitively.
func listColumns(ctx context.Context, q datasource.Querier, schema, table string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, listColumnsQuery, sql.Named("p1", schema), sql.Named("p2", table))
	if err != nil {
		return nil, fmt.Errorf("%w: list columns of %q: %v", apperrors.ErrConnectivity, table, err)
	}
	defer rows.Close()

	columns := make(map[string]string)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		columns[strings.ToLower(name)] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list columns of %q: %v", apperrors.ErrConnectivity, table, err)
	}
	return columns, nil
}
