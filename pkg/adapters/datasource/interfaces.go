package datasource

import (
	"context"
	"database/sql"
	"time"
)

// ConnectionConfig is a normalized description of a customer data source,
// produced by a dialect resolver and consumed by an Opener.
//
// Exactly one form is populated: RawConnectionString when the user supplied a
// complete key=value; connection string (credentials already merged in), or the
// structured Host/Instance/Port fields otherwise.
type ConnectionConfig struct {
	RawConnectionString string

	Host     string
	Instance string // named instance, e.g. SQLEXPRESS
	Port     int    // 0 means driver default
	Database string
	User     string
	Password string
}

// IsRaw reports whether the config carries a full connection string.
func (c ConnectionConfig) IsRaw() bool {
	return c.RawConnectionString != ""
}

// Opener creates a database handle for a resolved config. Implementations must
// not contact the server; WithSession pings with its own timeout.
type Opener interface {
	Open(ctx context.Context, cfg ConnectionConfig) (*sql.DB, error)
}

// Querier is the read-only subset of *sql.DB used by schema validation and
// data fetching.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SessionOptions bounds one scoped session.
type SessionOptions struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	MaxOpenConns   int
}

var _ Querier = (*sql.DB)(nil)
