package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all configuration for ekaya-reports.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Metadata store (PostgreSQL) holding tasks, profiles, templates and settings.
	Database DatabaseConfig `yaml:"database"`

	// Customer data source (SQL Server) access settings.
	Datasource DatasourceConfig `yaml:"datasource"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	LLM       LLMConfig       `yaml:"llm"`
	SMTP      SMTPConfig      `yaml:"smtp"`

	// CredentialsKey decrypts stored datasource passwords.
	// Generate with: openssl rand -base64 32
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_reports"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// DatasourceConfig holds customer datasource connection settings. Each fetch
// opens and closes its own connection, so there is no idle TTL here.
type DatasourceConfig struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds" env:"DATASOURCE_CONNECT_TIMEOUT_SECONDS" env-default:"15"`
	QueryTimeoutSeconds   int `yaml:"query_timeout_seconds" env:"DATASOURCE_QUERY_TIMEOUT_SECONDS" env-default:"60"`
	MaxOpenConns          int `yaml:"max_open_conns" env:"DATASOURCE_MAX_OPEN_CONNS" env-default:"2"`
	// MaxRows caps rows fetched for one report.
	MaxRows int `yaml:"max_rows" env:"DATASOURCE_MAX_ROWS" env-default:"50000"`
}

// ConnectTimeout returns the connect timeout as a duration.
func (c *DatasourceConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// QueryTimeout returns the query timeout as a duration.
func (c *DatasourceConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// SchedulerConfig controls the report engine trigger and fetch defaults.
type SchedulerConfig struct {
	// RunOnce processes due tasks a single time and exits (external trigger such as cron).
	RunOnce bool `yaml:"run_once" env:"SCHEDULER_RUN_ONCE" env-default:"false"`
	// IntervalSeconds enables the in-process ticker when > 0.
	IntervalSeconds int `yaml:"interval_seconds" env:"SCHEDULER_INTERVAL_SECONDS" env-default:"0"`
	// LookbackHours is the default fetch window ending at run time.
	LookbackHours int `yaml:"lookback_hours" env:"SCHEDULER_LOOKBACK_HOURS" env-default:"24"`
	// DefaultEntitiesStr is a comma-separated entity list used when a task names none.
	DefaultEntitiesStr string `yaml:"default_entities" env:"SCHEDULER_DEFAULT_ENTITIES" env-default:""`
	// MaxParallelUsers > 1 runs different users' tasks concurrently.
	MaxParallelUsers int `yaml:"max_parallel_users" env:"SCHEDULER_MAX_PARALLEL_USERS" env-default:"1"`

	// DefaultEntities is parsed from DefaultEntitiesStr (not from config file).
	DefaultEntities []string `yaml:"-"`
}

// Interval returns the ticker interval; zero disables the ticker.
func (c *SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Lookback returns the default fetch window.
func (c *SchedulerConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// LLMConfig selects and configures the report synthesis model.
type LLMConfig struct {
	Provider          string  `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"` // "openai" or "anthropic"
	BaseURL           string  `yaml:"base_url" env:"LLM_BASE_URL" env-default:""`
	Model             string  `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	APIKey            string  `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	Temperature       float64 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.2"`
	MaxTokens         int     `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"4096"`
	TimeoutSeconds    int     `yaml:"timeout_seconds" env:"LLM_TIMEOUT_SECONDS" env-default:"120"`
	RequestsPerMinute int     `yaml:"requests_per_minute" env:"LLM_REQUESTS_PER_MINUTE" env-default:"30"`
}

// Timeout returns the per-request synthesis timeout.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SMTPConfig configures report e-mail delivery. Delivery is disabled when Host is empty.
type SMTPConfig struct {
	Host           string `yaml:"host" env:"SMTP_HOST" env-default:""`
	Port           int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	From           string `yaml:"from" env:"SMTP_FROM" env-default:"reports@ekaya.local"`
	Username       string `yaml:"username" env:"SMTP_USERNAME" env-default:""`
	Password       string `yaml:"-" env:"SMTP_PASSWORD"` // Secret - not in YAML
	StartTLS       bool   `yaml:"starttls" env:"SMTP_STARTTLS" env-default:"true"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"SMTP_TIMEOUT_SECONDS" env-default:"30"`
}

// Enabled reports whether an SMTP relay is configured.
func (c *SMTPConfig) Enabled() bool {
	return c.Host != ""
}

// Timeout returns the dial+send timeout.
func (c *SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads configuration from config.yaml with environment variable overrides.
// An optional .env file in the working directory is loaded first; variables
// already set in the environment win over .env entries.
func Load(version string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	cfg.Scheduler.DefaultEntities = parseList(cfg.Scheduler.DefaultEntitiesStr)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.provider must be openai or anthropic, got %q", c.LLM.Provider)
	}
	if c.Scheduler.LookbackHours <= 0 {
		return fmt.Errorf("scheduler.lookback_hours must be positive")
	}
	if c.Scheduler.MaxParallelUsers < 1 {
		c.Scheduler.MaxParallelUsers = 1
	}
	if c.Datasource.MaxRows <= 0 {
		return fmt.Errorf("datasource.max_rows must be positive")
	}
	return nil
}

// parseList splits a comma-separated list, dropping blanks and duplicates.
func parseList(value string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}
