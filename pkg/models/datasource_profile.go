package models

import (
	"time"

	"github.com/google/uuid"
)

// DataSourceProfile is a user's connection configuration for the SQL Server
// holding report data, plus the mapping of report fields onto one table.
// Password is decrypted by the service layer; it is encrypted at rest.
type DataSourceProfile struct {
	ID       uuid.UUID     `json:"id"`
	UserID   string        `json:"user_id"`
	Name     string        `json:"name"`
	Server   string        `json:"server"` // bare host or a full key=value; connection string
	Database string        `json:"database,omitempty"`
	User     string        `json:"user,omitempty"`
	Password string        `json:"-"`
	IsActive bool          `json:"is_active"`
	Mapping  ColumnMapping `json:"mapping"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ColumnMapping declares which table and columns hold the report fields.
// Names are user input until validated against the live schema.
type ColumnMapping struct {
	Table           string `json:"table"`
	TimestampColumn string `json:"timestamp_column"`
	EntityColumn    string `json:"entity_column"`
	ParameterColumn string `json:"parameter_column"`
	ValueColumn     string `json:"value_column"`
	// UnitColumn is optional.
	UnitColumn string `json:"unit_column,omitempty"`
}

// MissingFields returns the required mapping fields that are empty, in
// declaration order.
func (m ColumnMapping) MissingFields() []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"table", m.Table},
		{"timestamp_column", m.TimestampColumn},
		{"entity_column", m.EntityColumn},
		{"parameter_column", m.ParameterColumn},
		{"value_column", m.ValueColumn},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// IsComplete reports whether every required mapping field is set.
func (m ColumnMapping) IsComplete() bool {
	return len(m.MissingFields()) == 0
}

// NotificationSettings holds a user's report delivery preferences.
type NotificationSettings struct {
	UserID               string `json:"user_id"`
	Email                string `json:"email"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// CanDeliver reports whether reports should be e-mailed to the user.
func (s *NotificationSettings) CanDeliver() bool {
	return s != nil && s.NotificationsEnabled && s.Email != ""
}
