package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/mailwatch/internal/agent"
	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/internal/security"
	"github.com/good-yellow-bee/mailwatch/pkg/config"
)

var (
	configFile string
	serverURL  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mailwatch-agent",
	Short: "mailwatch agent - mail node telemetry collector",
	Long: `mailwatch-agent samples host and mail service health on one node,
buffers samples while the server is unreachable and ships them to the
mailwatch ingestion gateway.`,
	RunE: runAgent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailwatch-agent %s\n", config.VersionString())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "agent.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "server URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}

	var tlsConfig *tls.Config
	if cfg.Server.CAFile != "" || cfg.Server.InsecureSkipVerify {
		tlsConfig, err = security.ClientTLS(cfg.Server.CAFile, cfg.Server.InsecureSkipVerify)
		if err != nil {
			return err
		}
		if cfg.Server.InsecureSkipVerify {
			log.Printf("WARNING: server certificate verification is disabled")
		}
	}

	client, err := agent.NewClient(agent.ClientConfig{
		ServerURL: cfg.Server.URL,
		Token:     cfg.Server.Token,
		Timeout:   cfg.Server.Timeout,
		TLS:       tlsConfig,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	role := models.NodeRole(cfg.Node.Role)
	probes, closeProbes, err := buildProbes(cfg)
	if err != nil {
		return err
	}
	defer closeProbes()

	collector := agent.NewCollector(cfg.Node.ID, role, probes...)
	collector.SetProbeTimeout(cfg.Agent.ProbeTimeout)
	collector.SetVerbose(verbose)

	a, err := agent.New(&agent.Config{
		ID:                cfg.Node.ID,
		Role:              role,
		Hostname:          cfg.Node.Hostname,
		IPAddress:         cfg.Node.IPAddress,
		Metadata:          cfg.Node.Metadata,
		Verbose:           verbose,
		Interval:          cfg.Agent.Interval,
		FlushInterval:     cfg.Agent.FlushInterval,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		SendTimeout:       cfg.Agent.SendTimeout,
		ShutdownTimeout:   cfg.Agent.ShutdownTimeout,
		BufferCapacity:    cfg.Agent.BufferCapacity,
		MaxBatch:          cfg.Agent.MaxBatch,
	}, collector, client)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	collector.Start(ctx)

	log.Printf("starting mailwatch-agent %s", config.Version)
	log.Printf("node %s (%s) reporting to %s with %d probes", cfg.Node.ID, role, cfg.Server.URL, len(probes))

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("run agent: %w", err)
	}

	stats := a.Stats()
	log.Printf("agent stopped (sent=%d buffered=%d dropped=%d)", stats.Sent, a.BufferLen(), stats.Dropped)
	return nil
}

// buildProbes creates the configured probes. The returned func releases
// probes holding connections.
func buildProbes(cfg *Config) ([]agent.Probe, func(), error) {
	var probes []agent.Probe
	var closers []func() error

	if *cfg.Probes.System.Enabled {
		p, err := agent.NewSystemProbe(cfg.Probes.System.ProcMount, cfg.Probes.System.DiskPath)
		if err != nil {
			return nil, nil, fmt.Errorf("system probe: %w", err)
		}
		probes = append(probes, p)
	}
	if cfg.Probes.Queue.Enabled {
		probes = append(probes, agent.NewQueueProbe(cfg.Probes.Queue.SpoolDir))
	}
	if cfg.Probes.MailLog.Enabled {
		p, err := agent.NewMailLogProbe(cfg.Probes.MailLog.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("maillog probe: %w", err)
		}
		probes = append(probes, p)
	}
	if cfg.Probes.SMTP.Enabled {
		probes = append(probes, agent.NewSMTPProbe(cfg.Probes.SMTP.Addr))
	}
	if cfg.Probes.Redis.Enabled {
		p := agent.NewRedisProbe(agent.RedisProbeConfig{
			Addr:     cfg.Probes.Redis.Addr,
			Password: os.Getenv(cfg.Probes.Redis.PasswordEnv),
			DB:       cfg.Probes.Redis.DB,
		})
		probes = append(probes, p)
		closers = append(closers, p.Close)
	}
	if cfg.Probes.Rspamd.Enabled {
		probes = append(probes, agent.NewRspamdProbe(cfg.Probes.Rspamd.URL))
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("[agent] close probe: %v", err)
			}
		}
	}
	return probes, closeAll, nil
}
