package apperrors

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrCredentialsKeyMismatch = errors.New("datasource credentials were encrypted with a different key")
)

// Report pipeline failure categories. Components wrap these (directly or through
// typed errors implementing Unwrap) so callers can classify with errors.Is.
var (
	// ErrConfiguration covers missing or incomplete profiles, mappings, and credentials.
	ErrConfiguration = errors.New("configuration error")
	// ErrSchemaMismatch means a mapped table or column is absent from the live schema.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrConnectivity covers network and authentication failures reaching a data source.
	ErrConnectivity = errors.New("connectivity error")
	// ErrSynthesis covers report content generation failures.
	ErrSynthesis = errors.New("synthesis error")
	// ErrDelivery covers transport failures. Never fatal to a task.
	ErrDelivery = errors.New("delivery error")
)

// Kind returns a short category name for logs and metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, ErrConnectivity):
		return "connectivity"
	case errors.Is(err, ErrSynthesis):
		return "synthesis"
	case errors.Is(err, ErrDelivery):
		return "delivery"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}
