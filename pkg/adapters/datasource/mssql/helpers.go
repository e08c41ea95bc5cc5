package mssql

import (
	"fmt"
	"strings"
)

// splitSchemaTable splits "schema.table" (brackets allowed) into its parts.
// schema is empty when the name is unqualified.
func splitSchemaTable(name string) (schema, table string) {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.ReplaceAll(cleaned, "[", "")
	cleaned = strings.ReplaceAll(cleaned, "]", "")

	if i := strings.IndexByte(cleaned, '.'); i >= 0 {
		return cleaned[:i], cleaned[i+1:]
	}
	return "", cleaned
}

// quoteName brackets an identifier the way QUOTENAME() does: ] is doubled.
func quoteName(identifier string) string {
	escaped := strings.ReplaceAll(identifier, "]", "]]")
	return fmt.Sprintf("[%s]", escaped)
}

// qualifiedName returns [schema].[table], or [table] when schema is empty.
func qualifiedName(schema, table string) string {
	if schema == "" {
		return quoteName(table)
	}
	return quoteName(schema) + "." + quoteName(table)
}
