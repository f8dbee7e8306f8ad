// Package main provides the mailwatch agent CLI.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// Config represents the agent configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Node   NodeConfig   `yaml:"node"`
	Agent  AgentConfig  `yaml:"agent"`
	Probes ProbesConfig `yaml:"probes"`
}

// ServerConfig contains ingestion gateway connection settings.
type ServerConfig struct {
	URL                string        `yaml:"url"`                  // e.g. https://mailwatch.example.com:8443
	Token              string        `yaml:"token"`                // agent JWT
	TokenEnv           string        `yaml:"token_env"`            // env var holding the token (preferred)
	Timeout            time.Duration `yaml:"timeout"`              // HTTP timeout (default: 10s)
	CAFile             string        `yaml:"ca_file"`              // private CA issued by mailwatchctl cert ca
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // dev only
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID        string            `yaml:"id"`   // optional, auto-generated if empty
	Role      string            `yaml:"role"` // relay, store, cache, filter
	Hostname  string            `yaml:"hostname"`
	IPAddress string            `yaml:"ip_address"` // public sending IP, checked by the health scanner
	Metadata  map[string]string `yaml:"metadata"`
}

// AgentConfig contains loop timings and buffer sizing.
type AgentConfig struct {
	Interval          time.Duration `yaml:"interval"`           // collection interval (default: 15s)
	FlushInterval     time.Duration `yaml:"flush_interval"`     // transport interval (default: 15s)
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // default: 30s
	SendTimeout       time.Duration `yaml:"send_timeout"`       // default: 10s
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`   // default: 5s
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`      // default: 5s
	BufferCapacity    int           `yaml:"buffer_capacity"`    // default: 100
	MaxBatch          int           `yaml:"max_batch"`          // samples per request, default: 500
}

// ProbesConfig selects the probes run on each collection.
type ProbesConfig struct {
	System  SystemProbeConfig  `yaml:"system"`
	Queue   QueueProbeConfig   `yaml:"queue"`
	MailLog MailLogProbeConfig `yaml:"maillog"`
	SMTP    SMTPProbeConfig    `yaml:"smtp"`
	Redis   RedisProbeConfig   `yaml:"redis"`
	Rspamd  RspamdProbeConfig  `yaml:"rspamd"`
}

// SystemProbeConfig configures CPU, memory and disk collection.
type SystemProbeConfig struct {
	Enabled   *bool  `yaml:"enabled"` // default: true
	ProcMount string `yaml:"proc_mount"`
	DiskPath  string `yaml:"disk_path"`
}

// QueueProbeConfig configures Postfix queue counting.
type QueueProbeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpoolDir string `yaml:"spool_dir"`
}

// MailLogProbeConfig configures delivery outcome counting from the mail log.
type MailLogProbeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: /var/log/mail.log
}

// SMTPProbeConfig configures the local MTA greeting check.
type SMTPProbeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RedisProbeConfig configures the cache node probe.
type RedisProbeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// RspamdProbeConfig configures the spam filter probe.
type RspamdProbeConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
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

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Node.ID == "" {
		c.Node.ID = uuid.New().String()
	}
	if c.Node.Hostname == "" {
		c.Node.Hostname, _ = os.Hostname()
	}
	c.Node.Role = strings.ToLower(strings.TrimSpace(c.Node.Role))
	if c.Server.Token == "" && c.Server.TokenEnv != "" {
		c.Server.Token = os.Getenv(c.Server.TokenEnv)
	}
	if c.Server.Timeout <= 0 {
		c.Server.Timeout = 10 * time.Second
	}
	if c.Agent.Interval <= 0 {
		c.Agent.Interval = 15 * time.Second
	}
	if c.Agent.FlushInterval <= 0 {
		c.Agent.FlushInterval = c.Agent.Interval
	}
	if c.Agent.HeartbeatInterval <= 0 {
		c.Agent.HeartbeatInterval = 30 * time.Second
	}
	if c.Agent.SendTimeout <= 0 {
		c.Agent.SendTimeout = 10 * time.Second
	}
	if c.Agent.ShutdownTimeout <= 0 {
		c.Agent.ShutdownTimeout = 5 * time.Second
	}
	if c.Agent.ProbeTimeout <= 0 {
		c.Agent.ProbeTimeout = 5 * time.Second
	}
	if c.Agent.BufferCapacity <= 0 {
		c.Agent.BufferCapacity = 100
	}
	if c.Agent.MaxBatch <= 0 {
		c.Agent.MaxBatch = 500
	}
	if c.Probes.System.Enabled == nil {
		enabled := true
		c.Probes.System.Enabled = &enabled
	}
	if c.Node.Metadata == nil {
		c.Node.Metadata = make(map[string]string)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.Token == "" {
		return fmt.Errorf("server.token or server.token_env is required")
	}
	if !models.NodeRole(c.Node.Role).IsValid() {
		return fmt.Errorf("node.role %q must be one of relay, store, cache, filter", c.Node.Role)
	}
	if c.Node.IPAddress != "" && net.ParseIP(c.Node.IPAddress) == nil {
		return fmt.Errorf("node.ip_address %q is not an IP address", c.Node.IPAddress)
	}
	if c.Server.CAFile != "" && !strings.HasPrefix(c.Server.URL, "https://") {
		return fmt.Errorf("server.ca_file requires an https server.url")
	}
	if c.Agent.BufferCapacity < 1 {
		return fmt.Errorf("agent.buffer_capacity must be positive")
	}
	return nil
}
