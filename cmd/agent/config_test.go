package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("MAILWATCH_AGENT_TOKEN", "tok-123")

	path := writeConfig(t, `
server:
  url: "https://mailwatch.example.com:8443"
  token_env: MAILWATCH_AGENT_TOKEN

node:
  id: relay-01
  role: Relay
  ip_address: 192.0.2.10
  metadata:
    dc: fra1

agent:
  interval: 10s
  buffer_capacity: 500

probes:
  queue:
    enabled: true
    spool_dir: /var/spool/postfix
  smtp:
    enabled: true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Token != "tok-123" {
		t.Errorf("Server.Token = %q, want the value of token_env", cfg.Server.Token)
	}
	if cfg.Node.Role != "relay" {
		t.Errorf("Node.Role = %q, want relay", cfg.Node.Role)
	}
	if cfg.Agent.Interval != 10*time.Second {
		t.Errorf("Agent.Interval = %v, want 10s", cfg.Agent.Interval)
	}
	if cfg.Agent.FlushInterval != 10*time.Second {
		t.Errorf("Agent.FlushInterval = %v, want the collection interval", cfg.Agent.FlushInterval)
	}
	if cfg.Agent.BufferCapacity != 500 {
		t.Errorf("Agent.BufferCapacity = %d, want 500", cfg.Agent.BufferCapacity)
	}
	if !*cfg.Probes.System.Enabled {
		t.Error("system probe should be enabled by default")
	}
	if !cfg.Probes.Queue.Enabled || !cfg.Probes.SMTP.Enabled || cfg.Probes.Redis.Enabled {
		t.Errorf("Probes = %+v", cfg.Probes)
	}
	if cfg.Node.Metadata["dc"] != "fra1" {
		t.Errorf("Node.Metadata = %v", cfg.Node.Metadata)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	if cfg.Node.ID == "" {
		t.Error("Node.ID should be generated")
	}
	if cfg.Agent.Interval != 15*time.Second {
		t.Errorf("Agent.Interval = %v, want 15s", cfg.Agent.Interval)
	}
	if cfg.Agent.HeartbeatInterval != 30*time.Second {
		t.Errorf("Agent.HeartbeatInterval = %v, want 30s", cfg.Agent.HeartbeatInterval)
	}
	if cfg.Agent.BufferCapacity != 100 {
		t.Errorf("Agent.BufferCapacity = %d, want 100", cfg.Agent.BufferCapacity)
	}
	if cfg.Agent.MaxBatch != 500 {
		t.Errorf("Agent.MaxBatch = %d, want 500", cfg.Agent.MaxBatch)
	}
	if cfg.Server.Timeout != 10*time.Second {
		t.Errorf("Server.Timeout = %v, want 10s", cfg.Server.Timeout)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server: ServerConfig{URL: "https://mailwatch.example.com", Token: "tok"},
			Node:   NodeConfig{Role: "store"},
		}
		cfg.setDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing url", func(c *Config) { c.Server.URL = "" }, "server.url is required"},
		{"missing token", func(c *Config) { c.Server.Token = "" }, "token"},
		{"bad role", func(c *Config) { c.Node.Role = "mx" }, "node.role"},
		{"bad ip", func(c *Config) { c.Node.IPAddress = "relay-01" }, "node.ip_address"},
		{"ca file over http", func(c *Config) {
			c.Server.URL = "http://mailwatch.example.com"
			c.Server.CAFile = "/etc/mailwatch/ca.crt"
		}, "ca_file"},
		{"ca file over https", func(c *Config) { c.Server.CAFile = "/etc/mailwatch/ca.crt" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/agent.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuildProbes(t *testing.T) {
	disabled := false
	cfg := &Config{}
	cfg.Probes.System.Enabled = &disabled
	cfg.Probes.Queue.Enabled = true
	cfg.Probes.MailLog.Enabled = true
	cfg.Probes.MailLog.Path = filepath.Join(t.TempDir(), "mail.log")
	cfg.Probes.Redis.Enabled = true
	cfg.Probes.Rspamd.Enabled = true

	probes, closeProbes, err := buildProbes(cfg)
	if err != nil {
		t.Fatalf("buildProbes: %v", err)
	}
	defer closeProbes()

	var names []string
	for _, p := range probes {
		names = append(names, p.Name())
	}
	if got := strings.Join(names, ","); got != "postfix_queue,maillog,redis,rspamd" {
		t.Errorf("probes = %s", got)
	}
}
