// Package main provides the mailwatch server CLI.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/internal/scanner"
)

// Config represents the server configuration.
type Config struct {
	Server          ServerConfig        `yaml:"server"`
	Auth            AuthConfig          `yaml:"auth"`
	Ingest          IngestConfig        `yaml:"ingest"`
	Database        DatabaseConfig      `yaml:"database"`
	TimeSeries      TimeSeriesConfig    `yaml:"timeseries"`
	Metrics         MetricsConfig       `yaml:"metrics"`
	Scanner         ScannerConfig       `yaml:"scanner"`
	Alerting        AlertingConfig      `yaml:"alerting"`
	Notifications   NotificationsConfig `yaml:"notifications"`
	Bus             BusConfig           `yaml:"bus"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"` // default: 10s
	Verbose         bool                `yaml:"-"`                // set via CLI flag
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	HTTPAddress     string    `yaml:"http_address"`      // default: :8443
	TLS             TLSConfig `yaml:"tls"`               // TLS for the agent-facing API
	MaxBodyBytes    int64     `yaml:"max_body_bytes"`    // default: 5 MiB
	MaxBatchSize    int       `yaml:"max_batch_size"`    // default: 1000
	HeartbeatPerMin int       `yaml:"heartbeat_per_min"` // per client IP, 0 disables
}

// TLSConfig contains TLS settings for the server.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig locates the agent token signing secret.
type AuthConfig struct {
	SecretEnv string `yaml:"secret_env"` // default: MAILWATCH_JWT_SECRET
}

// IngestConfig tunes batch acceptance.
type IngestConfig struct {
	MaxSkew    time.Duration `yaml:"max_skew"`     // default: 5m
	RatePerMin int           `yaml:"rate_per_min"` // per node, 0 disables
	Burst      int           `yaml:"burst"`        // default: rate_per_min
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"` // default: ./data/mailwatch.db
	// RetentionDays bounds samples and health checks kept in SQLite
	// (default: 30, -1 keeps everything). Alert history is never pruned.
	RetentionDays int `yaml:"retention_days"`
}

// TimeSeriesConfig selects where samples and health results are written.
type TimeSeriesConfig struct {
	Backend    string           `yaml:"backend"` // sqlite (default) or clickhouse
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig contains ClickHouse settings.
type ClickHouseConfig struct {
	Addresses     []string `yaml:"addresses"`
	Database      string   `yaml:"database"`
	Username      string   `yaml:"username"`
	PasswordEnv   string   `yaml:"password_env"`
	Compression   bool     `yaml:"compression"`
	RetentionDays int      `yaml:"retention_days"` // default: 30
}

// MetricsConfig contains the Prometheus listener settings.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // default: true
	Address string `yaml:"address"` // default: :9090
}

// ScannerConfig configures the reputation scanner.
type ScannerConfig struct {
	Enabled      bool               `yaml:"enabled"`
	Interval     time.Duration      `yaml:"interval"`      // default: 5m
	Concurrency  int                `yaml:"concurrency"`   // default: 4
	ProbeTimeout time.Duration      `yaml:"probe_timeout"` // default: 5s
	Providers    []scanner.Provider `yaml:"providers"`     // default: scanner.DefaultProviders()
	Resources    []models.Resource  `yaml:"resources"`     // checked in addition to node addresses
}

// AlertingConfig configures rule evaluation.
type AlertingConfig struct {
	RulesSource       string        `yaml:"rules_source"` // file (default) or database
	RulesFile         string        `yaml:"rules_file"`   // default: rules.yaml
	Watch             *bool         `yaml:"watch"`        // reload rules_file on change, default: true
	Interval          time.Duration `yaml:"interval"`     // default: 15s
	NotifyTimeout     time.Duration `yaml:"notify_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // agents' heartbeat interval, default: 30s
	StaleFactor       int           `yaml:"stale_factor"`       // default: 3
	RateWindow        time.Duration `yaml:"rate_window"`        // default: 5m
}

// NotificationsConfig configures the dispatcher. Channels listed here take
// precedence over the notification_channels table.
type NotificationsConfig struct {
	ChannelTimeout time.Duration                 `yaml:"channel_timeout"` // default: 10s
	Channels       []*models.NotificationChannel `yaml:"channels"`
}

// BusConfig configures the optional NATS publisher.
type BusConfig struct {
	NATSURL       string `yaml:"nats_url"`       // empty disables publishing
	SubjectPrefix string `yaml:"subject_prefix"` // default: mailwatch.alerts
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8443"
	}
	if c.Auth.SecretEnv == "" {
		c.Auth.SecretEnv = "MAILWATCH_JWT_SECRET"
	}
	if c.Ingest.RatePerMin > 0 && c.Ingest.Burst <= 0 {
		c.Ingest.Burst = c.Ingest.RatePerMin
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/mailwatch.db"
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 30
	}
	c.TimeSeries.Backend = strings.ToLower(c.TimeSeries.Backend)
	if c.TimeSeries.Backend == "" {
		c.TimeSeries.Backend = "sqlite"
	}
	if c.TimeSeries.ClickHouse.Database == "" {
		c.TimeSeries.ClickHouse.Database = "mailwatch"
	}
	if c.TimeSeries.ClickHouse.RetentionDays <= 0 {
		c.TimeSeries.ClickHouse.RetentionDays = 30
	}
	if c.Metrics.Enabled == nil {
		enabled := true
		c.Metrics.Enabled = &enabled
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if len(c.Scanner.Providers) == 0 {
		c.Scanner.Providers = scanner.DefaultProviders()
	}
	if c.Alerting.RulesSource == "" {
		c.Alerting.RulesSource = "file"
	}
	if c.Alerting.RulesFile == "" {
		c.Alerting.RulesFile = "rules.yaml"
	}
	if c.Alerting.Watch == nil {
		watch := true
		c.Alerting.Watch = &watch
	}
	if c.Bus.SubjectPrefix == "" {
		c.Bus.SubjectPrefix = "mailwatch.alerts"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}
	if c.Database.RetentionDays < -1 {
		return fmt.Errorf("database.retention_days must be positive, or -1 to keep everything")
	}
	switch c.TimeSeries.Backend {
	case "sqlite":
	case "clickhouse":
		if len(c.TimeSeries.ClickHouse.Addresses) == 0 {
			return fmt.Errorf("timeseries.clickhouse.addresses is required for the clickhouse backend")
		}
	default:
		return fmt.Errorf("timeseries.backend %q must be sqlite or clickhouse", c.TimeSeries.Backend)
	}
	switch c.Alerting.RulesSource {
	case "file", "database":
	default:
		return fmt.Errorf("alerting.rules_source %q must be file or database", c.Alerting.RulesSource)
	}
	for i, p := range c.Scanner.Providers {
		if p.Name == "" || p.Zone == "" {
			return fmt.Errorf("scanner.providers[%d] needs a name and a zone", i)
		}
		if _, err := models.ParseTier(string(p.Tier)); err != nil {
			return fmt.Errorf("scanner.providers[%d]: %w", i, err)
		}
	}
	for i, ch := range c.Notifications.Channels {
		if ch.Name == "" || ch.Type == "" {
			return fmt.Errorf("notifications.channels[%d] needs a name and a type", i)
		}
	}
	return nil
}
