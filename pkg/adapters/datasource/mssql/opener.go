package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"github.com/microsoft/go-mssqldb/azuread"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-reports/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-reports/pkg/config"
	"github.com/ekaya-inc/ekaya-reports/pkg/logging"
)

const (
	sqlServerDriver = "sqlserver"
	appName         = "ekaya-reports"
)

// Opener opens SQL Server handles with go-mssqldb. Connection strings that
// request Azure AD authentication (fedauth=...) use the azuresql driver.
type Opener struct {
	dialTimeout time.Duration
	logger      *zap.Logger
}

// NewOpener creates an Opener. dialTimeout is passed to the driver as the
// per-dial limit; zero keeps the driver default.
func NewOpener(dialTimeout time.Duration, logger *zap.Logger) *Opener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{
		dialTimeout: dialTimeout,
		logger:      logger.Named("mssql"),
	}
}

// Open implements datasource.Opener. It does not contact the server.
func (o *Opener) Open(ctx context.Context, cfg datasource.ConnectionConfig) (*sql.DB, error) {
	driver, dsn, err := o.DSN(cfg)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("Opening data source",
		zap.String("driver", driver),
		zap.String("dsn", logging.SanitizeConnectionString(dsn)))

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", driver, err)
	}
	return db, nil
}

// DSN renders cfg for the driver and returns the driver name to use with it.
func (o *Opener) DSN(cfg datasource.ConnectionConfig) (driver, dsn string, err error) {
	if cfg.IsRaw() {
		driver = sqlServerDriver
		if ConnectionStringHasKey(cfg.RawConnectionString, "fedauth") {
			driver = azuread.DriverName
		}
		dsn = cfg.RawConnectionString
		if o.dialTimeout > 0 && !ConnectionStringHasKey(cfg.RawConnectionString, "dial timeout") {
			dsn = withTrailingSeparator(dsn) + "dial timeout=" + strconv.Itoa(int(o.dialTimeout.Seconds())) + ";"
		}
		return driver, dsn, nil
	}

	if cfg.Host == "" {
		return "", "", fmt.Errorf("data source host is empty")
	}

	host := config.ResolveHostForDocker(cfg.Host)
	if cfg.Port > 0 {
		host = host + ":" + strconv.Itoa(cfg.Port)
	}

	query := url.Values{}
	if cfg.Database != "" {
		query.Add("database", cfg.Database)
	}
	query.Add("app name", appName)
	if o.dialTimeout > 0 {
		query.Add("dial timeout", strconv.Itoa(int(o.dialTimeout.Seconds())))
	}

	u := url.URL{
		Scheme:   "sqlserver",
		Host:     host,
		RawQuery: query.Encode(),
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	if cfg.Instance != "" {
		u.Path = "/" + cfg.Instance
	}

	return sqlServerDriver, u.String(), nil
}

func withTrailingSeparator(s string) string {
	if len(s) > 0 && s[len(s)-1] != ';' {
		return s + ";"
	}
	return s
}

var _ datasource.Opener = (*Opener)(nil)
