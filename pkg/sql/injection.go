// Package sql screens user-supplied filter values before they are bound into
// data source queries.
package sql

import (
	"fmt"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionFinding describes a filter value that libinjection flagged.
type InjectionFinding struct {
	Field       string // filter the value belongs to, e.g. "entity"
	Value       string
	Fingerprint string
}

func (f *InjectionFinding) String() string {
	return fmt.Sprintf("%s value %q matches SQL injection pattern %s", f.Field, f.Value, f.Fingerprint)
}

// CheckValue returns a finding when value looks like an injection attempt, nil otherwise.
func CheckValue(field, value string) *InjectionFinding {
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionFinding{
		Field:       field,
		Value:       value,
		Fingerprint: string(fingerprint),
	}
}

// CheckValues screens every value of one filter and returns findings in input order.
func CheckValues(field string, values []string) []*InjectionFinding {
	var findings []*InjectionFinding
	for _, v := range values {
		if f := CheckValue(field, v); f != nil {
			findings = append(findings, f)
		}
	}
	return findings
}

// InjectionError reports flagged filter values.
type InjectionError struct {
	Findings []*InjectionFinding
}

func (e *InjectionError) Error() string {
	parts := make([]string, len(e.Findings))
	for i, f := range e.Findings {
		parts[i] = f.String()
	}
	return "rejected filter values: " + strings.Join(parts, "; ")
}

// Filter is one named list of user-supplied values.
type Filter struct {
	Field  string
	Values []string
}

// ScreenFilters checks filters in the order given and returns an
// *InjectionError listing every flagged value, or nil when all values are clean.
func ScreenFilters(filters ...Filter) error {
	var findings []*InjectionFinding
	for _, f := range filters {
		findings = append(findings, CheckValues(f.Field, f.Values)...)
	}
	if len(findings) == 0 {
		return nil
	}
	return &InjectionError{Findings: findings}
}
