// Package config provides configuration loading and management for the sync service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civicdata/sf311-sync/internal/telemetry"
)

// EnvPrefix is the prefix used for all environment variables read by the service.
const EnvPrefix = "SF311"

const (
	// DriverPostgres stores records in a PostgreSQL database
	DriverPostgres = "postgres"

	// DriverSQLite stores records in a local SQLite file
	DriverSQLite = "sqlite"
)

const (
	// ConflictPolicySkip inserts new records and leaves existing rows untouched
	ConflictPolicySkip = "skip"

	// ConflictPolicyOverwrite inserts new records and overwrites existing rows
	ConflictPolicyOverwrite = "overwrite"
)

const (
	defaultDomain                    = "data.sfgov.org"
	defaultDatasetID                 = "vw6y-z8j6"
	defaultSourceTimeout             = 60 * time.Second
	defaultPageSize                  = 1000
	defaultPageDelay                 = time.Second
	defaultRetryDelay                = 5 * time.Second
	defaultLargeIncrementalThreshold = 100
	defaultSyncInterval              = time.Hour
	defaultPort                      = 5432
	defaultSSLMode                   = "require"
	defaultSchema                    = "bronze"
	defaultTable                     = "sf_311_calls"
	defaultSQLitePath                = "./sf311.db"
	defaultStatusPath                = "./data/status.json"
	defaultMetricsAddress            = ":9090"
	defaultArchivePrefix             = "sf311"
	defaultNotifyExchange            = "sf311"
	defaultNotifyRoutingKey          = "sync.run"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks; this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Source    SourceConfig      `yaml:"source"`
	Sync      SyncConfig        `yaml:"sync"`
	Database  *DatabaseConfig   `yaml:"database"`
	Archive   *ArchiveConfig    `yaml:"archive,omitempty"`
	Notify    *NotifyConfig     `yaml:"notify,omitempty"`
	Metrics   *MetricsConfig    `yaml:"metrics,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
	Status    *StatusConfig     `yaml:"status,omitempty"`
}

// SourceConfig defines the remote Socrata dataset
type SourceConfig struct {
	// Domain is the Socrata host serving the dataset, e.g. "data.sfgov.org"
	Domain string `yaml:"domain,omitempty"`

	// DatasetID is the four-by-four dataset identifier, e.g. "vw6y-z8j6"
	DatasetID string `yaml:"datasetId,omitempty"`

	// AppTokenFile is the path to a file containing a Socrata application token.
	// Without a token requests are subject to the shared anonymous throttling pool.
	AppTokenFile string `yaml:"appTokenFile,omitempty"`

	// Timeout bounds a single page request (e.g., "60s")
	Timeout string `yaml:"timeout,omitempty"`
}

// SyncConfig holds the engine knobs
type SyncConfig struct {
	// PageSize is the number of records requested per page
	PageSize int `yaml:"pageSize,omitempty"`

	// PageDelay is the courtesy pause between successful pages
	PageDelay string `yaml:"pageDelay,omitempty"`

	// RetryDelay is the pause before a failed page is requested again
	RetryDelay string `yaml:"retryDelay,omitempty"`

	// MaxRetries caps the retries of a single page; 0 retries forever
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// LargeIncrementalThreshold is the record count above which an incremental
	// run logs a warning
	LargeIncrementalThreshold int `yaml:"largeIncrementalThreshold,omitempty"`

	// ConflictPolicy is either "skip" or "overwrite"
	ConflictPolicy string `yaml:"conflictPolicy,omitempty"`

	// RequestedFrom is the default start date (YYYY-MM-DD) used by the daemon
	RequestedFrom string `yaml:"requestedFrom,omitempty"`

	// Interval is the pause between daemon runs
	Interval string `yaml:"interval,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Driver selects the store implementation (postgres or sqlite)
	Driver string `yaml:"driver,omitempty"`

	// Host is the database server hostname or IP address
	Host string `yaml:"host,omitempty"`

	// Port is the database server port
	Port int `yaml:"port,omitempty"`

	// User is the database username
	User string `yaml:"user,omitempty"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database,omitempty"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// Schema holds the bronze table
	Schema string `yaml:"schema,omitempty"`

	// Table is the bronze table name
	Table string `yaml:"table,omitempty"`

	// Path is the SQLite database file
	Path string `yaml:"path,omitempty"`
}

// ArchiveConfig configures raw page landing in S3-compatible storage
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	AccessKey     string `yaml:"accessKey,omitempty"`
	SecretKeyFile string `yaml:"secretKeyFile,omitempty"`
	UseSSL        bool   `yaml:"useSSL,omitempty"`
	Prefix        string `yaml:"prefix,omitempty"`
}

// NotifyConfig configures run summary publishing over AMQP
type NotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange,omitempty"`
	RoutingKey string `yaml:"routingKey,omitempty"`
}

// MetricsConfig configures Prometheus exposition
type MetricsConfig struct {
	// PushgatewayURL receives the metrics of one-shot runs when set
	PushgatewayURL string `yaml:"pushgatewayUrl,omitempty"`

	// ListenAddress serves /metrics while the daemon runs
	ListenAddress string `yaml:"listenAddress,omitempty"`
}

// StatusConfig configures run status persistence
type StatusConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses and validates configuration from YAML bytes
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateSource(&c.Source); err != nil {
		return err
	}

	if err := validateSync(&c.Sync); err != nil {
		return err
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if err := validateDatabase(c.Database); err != nil {
		return err
	}

	if c.Archive != nil && c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return fmt.Errorf("archive.endpoint is required when archive is enabled")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
	}

	if c.Notify != nil && c.Notify.Enabled && c.Notify.URL == "" {
		return fmt.Errorf("notify.url is required when notify is enabled")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func validateSource(src *SourceConfig) error {
	if src.Timeout != "" {
		if _, err := time.ParseDuration(src.Timeout); err != nil {
			return fmt.Errorf("source.timeout must be a valid duration (e.g., '60s'): %w", err)
		}
	}
	if src.Domain != "" && strings.Contains(src.Domain, "/") {
		return fmt.Errorf("source.domain must be a bare host name, got %q", src.Domain)
	}
	return nil
}

func validateSync(s *SyncConfig) error {
	if s.PageSize < 0 {
		return fmt.Errorf("sync.pageSize must not be negative, got %d", s.PageSize)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("sync.maxRetries must not be negative, got %d", s.MaxRetries)
	}
	if s.LargeIncrementalThreshold < 0 {
		return fmt.Errorf("sync.largeIncrementalThreshold must not be negative, got %d", s.LargeIncrementalThreshold)
	}

	for name, value := range map[string]string{
		"pageDelay":  s.PageDelay,
		"retryDelay": s.RetryDelay,
		"interval":   s.Interval,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("sync.%s must be a valid duration (e.g., '1s', '1h'): %w", name, err)
		}
	}

	switch s.ConflictPolicy {
	case "", ConflictPolicySkip, ConflictPolicyOverwrite:
	default:
		return fmt.Errorf("sync.conflictPolicy must be %q or %q, got %q",
			ConflictPolicySkip, ConflictPolicyOverwrite, s.ConflictPolicy)
	}

	if s.RequestedFrom != "" {
		if _, err := time.Parse(time.DateOnly, s.RequestedFrom); err != nil {
			return fmt.Errorf("sync.requestedFrom must be a date in YYYY-MM-DD format: %w", err)
		}
	}

	return nil
}

func validateDatabase(d *DatabaseConfig) error {
	prefix := fmt.Sprintf("database (%s)", d.GetDriver())
	switch d.GetDriver() {
	case DriverPostgres:
		if d.Host == "" {
			return fmt.Errorf("%s: host is required", prefix)
		}
		if d.User == "" {
			return fmt.Errorf("%s: user is required", prefix)
		}
		if d.Database == "" {
			return fmt.Errorf("%s: database is required", prefix)
		}
	case DriverSQLite:
		if d.GetPath() == "" {
			return fmt.Errorf("%s: path is required", prefix)
		}
	default:
		return fmt.Errorf("%s: driver must be %q or %q", prefix, DriverPostgres, DriverSQLite)
	}
	return nil
}

// GetDomain returns the Socrata domain, defaulting to data.sfgov.org
func (s *SourceConfig) GetDomain() string {
	if s.Domain == "" {
		return defaultDomain
	}
	return s.Domain
}

// GetDatasetID returns the dataset identifier, defaulting to the 311 cases dataset
func (s *SourceConfig) GetDatasetID() string {
	if s.DatasetID == "" {
		return defaultDatasetID
	}
	return s.DatasetID
}

// GetTimeout returns the per-request timeout
func (s *SourceConfig) GetTimeout() time.Duration {
	return parseDurationOr(s.Timeout, defaultSourceTimeout)
}

// GetAppToken returns the Socrata application token using the following priority:
// 1. Read from AppTokenFile if specified
// 2. Read from the SF311_SOCRATA_APP_TOKEN environment variable
//
// An empty token is valid; the API then applies anonymous throttling.
func (s *SourceConfig) GetAppToken() (string, error) {
	if s.AppTokenFile != "" {
		return readSecretFile(s.AppTokenFile)
	}
	return os.Getenv(EnvPrefix + "_SOCRATA_APP_TOKEN"), nil
}

// GetPageSize returns the page size
func (s *SyncConfig) GetPageSize() int {
	if s.PageSize == 0 {
		return defaultPageSize
	}
	return s.PageSize
}

// GetPageDelay returns the courtesy pause between pages
func (s *SyncConfig) GetPageDelay() time.Duration {
	return parseDurationOr(s.PageDelay, defaultPageDelay)
}

// GetRetryDelay returns the pause before retrying a failed page
func (s *SyncConfig) GetRetryDelay() time.Duration {
	return parseDurationOr(s.RetryDelay, defaultRetryDelay)
}

// GetLargeIncrementalThreshold returns the warning threshold for incremental runs
func (s *SyncConfig) GetLargeIncrementalThreshold() int {
	if s.LargeIncrementalThreshold == 0 {
		return defaultLargeIncrementalThreshold
	}
	return s.LargeIncrementalThreshold
}

// GetConflictPolicy returns the conflict policy, defaulting to overwrite
func (s *SyncConfig) GetConflictPolicy() string {
	if s.ConflictPolicy == "" {
		return ConflictPolicyOverwrite
	}
	return s.ConflictPolicy
}

// GetInterval returns the pause between daemon runs
func (s *SyncConfig) GetInterval() time.Duration {
	return parseDurationOr(s.Interval, defaultSyncInterval)
}

// GetDriver returns the store driver, defaulting to postgres
func (d *DatabaseConfig) GetDriver() string {
	if d.Driver == "" {
		return DriverPostgres
	}
	return d.Driver
}

// GetPort returns the database port
func (d *DatabaseConfig) GetPort() int {
	if d.Port == 0 {
		return defaultPort
	}
	return d.Port
}

// GetSchema returns the schema holding the bronze table
func (d *DatabaseConfig) GetSchema() string {
	if d.Schema == "" {
		return defaultSchema
	}
	return d.Schema
}

// GetTable returns the bronze table name
func (d *DatabaseConfig) GetTable() string {
	if d.Table == "" {
		return defaultTable
	}
	return d.Table
}

// GetPath returns the SQLite database file
func (d *DatabaseConfig) GetPath() string {
	if d.Path == "" {
		return defaultSQLitePath
	}
	return d.Path
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from SF311_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		return readSecretFile(d.PasswordFile)
	}

	if envPassword := os.Getenv(EnvPrefix + "_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s_DATABASE_PASSWORD environment variable", EnvPrefix,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.GetPort(),
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetSecretKey returns the archive secret key from SecretKeyFile or the
// SF311_ARCHIVE_SECRET_KEY environment variable
func (a *ArchiveConfig) GetSecretKey() (string, error) {
	if a.SecretKeyFile != "" {
		return readSecretFile(a.SecretKeyFile)
	}
	return os.Getenv(EnvPrefix + "_ARCHIVE_SECRET_KEY"), nil
}

// GetPrefix returns the object key prefix
func (a *ArchiveConfig) GetPrefix() string {
	if a.Prefix == "" {
		return defaultArchivePrefix
	}
	return a.Prefix
}

// GetExchange returns the AMQP exchange name
func (n *NotifyConfig) GetExchange() string {
	if n.Exchange == "" {
		return defaultNotifyExchange
	}
	return n.Exchange
}

// GetRoutingKey returns the AMQP routing key
func (n *NotifyConfig) GetRoutingKey() string {
	if n.RoutingKey == "" {
		return defaultNotifyRoutingKey
	}
	return n.RoutingKey
}

// GetPushgatewayURL returns the Pushgateway of one-shot runs, empty when unset
func (m *MetricsConfig) GetPushgatewayURL() string {
	if m == nil {
		return ""
	}
	return m.PushgatewayURL
}

// GetListenAddress returns the metrics listen address
func (m *MetricsConfig) GetListenAddress() string {
	if m == nil || m.ListenAddress == "" {
		return defaultMetricsAddress
	}
	return m.ListenAddress
}

// GetStatusPath returns the path of the run status file
func (c *Config) GetStatusPath() string {
	if c.Status == nil || c.Status.Path == "" {
		return defaultStatusPath
	}
	return c.Status.Path
}

// ArchiveEnabled reports whether raw pages are archived
func (c *Config) ArchiveEnabled() bool {
	return c.Archive != nil && c.Archive.Enabled
}

// NotifyEnabled reports whether run summaries are published
func (c *Config) NotifyEnabled() bool {
	return c.Notify != nil && c.Notify.Enabled
}

// TracingEnabled reports whether spans are exported
func (c *Config) TracingEnabled() bool {
	return c.Telemetry != nil && c.Telemetry.Enabled &&
		c.Telemetry.Tracing != nil && c.Telemetry.Tracing.Enabled
}

func parseDurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func readSecretFile(path string) (string, error) {
	cleanPath := filepath.Clean(path)

	// #nosec G304 -- path comes from operator-supplied configuration
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret from file %s: %w", path, err)
	}

	return strings.TrimSpace(string(data)), nil
}
