// Package config provides centralized configuration management for the service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Databases DatabasesConfig
	Routing   RoutingConfig
	Source    SourceConfig
	Run       RunConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response. Runs
	// respond synchronously, so the window must cover a full run (default: 35m)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"35m"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabasesConfig holds the destination connection strings.
//
// Each named connection is a PostgreSQL URL. The routing table maps logical
// destination roles onto these names; a role referencing an empty connection
// is a startup-fatal error.
type DatabasesConfig struct {
	// ConfigURL is the connection for the operational-config store (required)
	ConfigURL string `env:"DB_CONFIG_URL" required:"true"`

	// LogURL is the connection for the audit-log store.
	// Defaults to the config store when unset.
	LogURL string `env:"DB_LOG_URL"`

	// DataURL is the connection for the business-data store.
	// Defaults to the config store when unset.
	DataURL string `env:"DB_DATA_URL"`

	// MaxConns is the maximum number of connections per pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
}

// RoutingConfig names the physical connection behind each destination role.
// Values are connection names: "config", "log" or "data".
type RoutingConfig struct {
	// OperationalConfig is the connection name for the operational-config role (default: config)
	OperationalConfig string `env:"ROUTE_OPERATIONAL_CONFIG" default:"config"`

	// AuditLog is the connection name for the audit-log role (default: log)
	AuditLog string `env:"ROUTE_AUDIT_LOG" default:"log"`

	// BusinessData is the connection name for the business-data role (default: data)
	BusinessData string `env:"ROUTE_BUSINESS_DATA" default:"data"`
}

// SourceConfig holds source connector settings.
type SourceConfig struct {
	// SampleLimit is the maximum sampled values per column for inference (default: 100)
	SampleLimit int `env:"SOURCE_SAMPLE_LIMIT" default:"100"`

	// FetchTimeout is the HTTP timeout for cloud-share downloads (default: 30s)
	FetchTimeout time.Duration `env:"SOURCE_FETCH_TIMEOUT" default:"30s"`

	// ValidateTimeout is the HTTP timeout for share URL validation probes (default: 10s)
	ValidateTimeout time.Duration `env:"SOURCE_VALIDATE_TIMEOUT" default:"10s"`

	// QueryTimeout is the per-query timeout for relational sources (default: 30s)
	QueryTimeout time.Duration `env:"SOURCE_QUERY_TIMEOUT" default:"30s"`

	// MaxFileSize is the maximum allowed source file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"SOURCE_MAX_FILE_SIZE" default:"104857600"`
}

// RunConfig holds migration execution settings.
type RunConfig struct {
	// BatchSize is the number of rows written per batch (default: 500)
	BatchSize int `env:"RUN_BATCH_SIZE" default:"500"`

	// MaxConcurrent is the maximum number of processes running at once (default: 4)
	MaxConcurrent int `env:"RUN_MAX_CONCURRENT" default:"4"`

	// MaxWaitTime is how long a run request waits for a worker slot (default: 30s)
	MaxWaitTime time.Duration `env:"RUN_MAX_WAIT_TIME" default:"30s"`

	// MaxRetries is the whole-batch retry bound for transport failures (default: 3)
	MaxRetries int `env:"RUN_MAX_RETRIES" default:"3"`

	// RetryInterval is the initial backoff between batch retries (default: 1s)
	RetryInterval time.Duration `env:"RUN_RETRY_INTERVAL" default:"1s"`

	// Timeout is the maximum duration for a single run (default: 30m)
	Timeout time.Duration `env:"RUN_TIMEOUT" default:"30m"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + strconv.Itoa(c.Port)
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// ConnectionURL returns the connection string behind a named connection.
// Unset log/data connections fall back to the config store.
func (c *DatabasesConfig) ConnectionURL(name string) string {
	switch name {
	case "config":
		return c.ConfigURL
	case "log":
		if c.LogURL == "" {
			return c.ConfigURL
		}
		return c.LogURL
	case "data":
		if c.DataURL == "" {
			return c.ConfigURL
		}
		return c.DataURL
	default:
		return ""
	}
}
