package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/mailwatch/internal/alerting"
	"github.com/good-yellow-bee/mailwatch/internal/api"
	"github.com/good-yellow-bee/mailwatch/internal/api/auth"
	"github.com/good-yellow-bee/mailwatch/internal/api/health"
	"github.com/good-yellow-bee/mailwatch/internal/api/middleware"
	"github.com/good-yellow-bee/mailwatch/internal/bus"
	"github.com/good-yellow-bee/mailwatch/internal/metrics"
	"github.com/good-yellow-bee/mailwatch/internal/notifier"
	"github.com/good-yellow-bee/mailwatch/internal/scanner"
	"github.com/good-yellow-bee/mailwatch/internal/server"
	"github.com/good-yellow-bee/mailwatch/internal/storage"
	"github.com/good-yellow-bee/mailwatch/pkg/config"
)

var (
	configFile string
	httpAddr   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mailwatch-server",
	Short: "mailwatch server - fleet telemetry ingestion and alerting",
	Long: `mailwatch-server accepts telemetry batches from mailwatch agents,
checks sending addresses against DNS blocklists, evaluates alert rules
and notifies the configured channels.`,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailwatch-server %s\n", config.VersionString())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVarP(&httpAddr, "address", "a", "", "HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	var cfg *Config
	if configFile != "" {
		var err error
		cfg, err = LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = DefaultConfig()
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddress = httpAddr
	}
	cfg.Verbose = verbose

	secret := os.Getenv(cfg.Auth.SecretEnv)
	if secret == "" {
		return fmt.Errorf("%s environment variable is required", cfg.Auth.SecretEnv)
	}
	tokens := auth.NewTokenService([]byte(secret))

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	stores, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	log.Printf("database initialized at %s (time series: %s)", cfg.Database.Path, cfg.TimeSeries.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Evaluation inputs
	inputs := alerting.NewInputCache(alerting.InputCacheConfig{
		HeartbeatInterval: cfg.Alerting.HeartbeatInterval,
		StaleFactor:       cfg.Alerting.StaleFactor,
		RateWindow:        cfg.Alerting.RateWindow,
	})
	if err := inputs.Load(ctx, stores.Nodes()); err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}

	// Ingestion
	gateway := server.NewGateway(tokens, stores.Samples(), stores.Nodes(), server.GatewayConfig{
		MaxSkew: cfg.Ingest.MaxSkew,
		Verbose: cfg.Verbose,
	})
	if cfg.Ingest.RatePerMin > 0 {
		gateway.SetLimiter(middleware.NewRateLimiter("ingest", cfg.Ingest.RatePerMin, cfg.Ingest.Burst))
	}
	gateway.OnAccepted(inputs.ObserveSamples)
	gateway.OnHeartbeat(inputs.ObserveHeartbeat)

	apiServer, err := api.New(&api.Config{
		Address:         cfg.Server.HTTPAddress,
		TLSEnabled:      cfg.Server.TLS.Enabled,
		TLSCertFile:     cfg.Server.TLS.CertFile,
		TLSKeyFile:      cfg.Server.TLS.KeyFile,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		MaxBatchSize:    cfg.Server.MaxBatchSize,
		HeartbeatPerMin: cfg.Server.HeartbeatPerMin,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Verbose:         cfg.Verbose,
	}, gateway)
	if err != nil {
		return fmt.Errorf("create API server: %w", err)
	}
	apiServer.RegisterHealthChecker(health.NewStoreChecker("sqlite", stores.sqlite))
	if stores.clickhouse != nil {
		apiServer.RegisterHealthChecker(health.NewStoreChecker("clickhouse", stores.clickhouse))
	}

	// Notifications
	dispatcher, err := newDispatcher(cfg, stores)
	if err != nil {
		return err
	}

	// Alerting
	evaluator := alerting.NewEvaluator(alerting.EvaluatorConfig{
		Interval:      cfg.Alerting.Interval,
		NotifyTimeout: cfg.Alerting.NotifyTimeout,
		Verbose:       cfg.Verbose,
	}, inputs, stores.AlertEvents(), notifier.NewAlertHandler(dispatcher))

	rules, err := loadRules(ctx, cfg, stores)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	evaluator.SetRules(rules)
	apiServer.RegisterHealthChecker(health.NewLoopChecker("evaluator", evaluator.LastTick, 4*cfg.Alerting.Interval))
	if err := evaluator.Restore(ctx, time.Now()); err != nil {
		return fmt.Errorf("restore alert state: %w", err)
	}
	log.Printf("loaded %d alert rules from %s", len(rules), cfg.Alerting.RulesSource)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return apiServer.Run(gctx)
	})

	if *cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Address)
		g.Go(func() error {
			return metricsServer.Run(gctx, cfg.ShutdownTimeout)
		})
	}

	g.Go(func() error {
		return evaluator.Run(gctx)
	})

	if cfg.Alerting.RulesSource == "file" && *cfg.Alerting.Watch {
		g.Go(func() error {
			return alerting.WatchRules(gctx, cfg.Alerting.RulesFile, evaluator.SetRules)
		})
	}

	if cfg.TimeSeries.Backend != "clickhouse" && cfg.Database.RetentionDays > 0 {
		keep := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
		g.Go(func() error {
			storage.RunRetention(gctx, stores.sqlite, keep, time.Hour)
			return nil
		})
	}

	if cfg.Scanner.Enabled {
		sc := scanner.New(scanner.Config{
			Concurrency:  cfg.Scanner.Concurrency,
			ProbeTimeout: cfg.Scanner.ProbeTimeout,
			Interval:     cfg.Scanner.Interval,
			Verbose:      cfg.Verbose,
		}, scanner.NodeResources{
			Nodes: stores.Nodes(),
			Extra: cfg.Scanner.Resources,
		}, cfg.Scanner.Providers, scanner.NewDNSBLProber(nil), stores.HealthChecks())
		sc.OnResults(inputs.ObserveHealth)
		apiServer.RegisterHealthChecker(health.NewLoopChecker("scanner", sc.LastCycle, 3*cfg.Scanner.Interval))
		g.Go(func() error {
			return sc.Run(gctx)
		})
	}

	if cfg.Bus.NATSURL != "" {
		pub, err := bus.NewPublisher(cfg.Bus.NATSURL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer pub.Close()
		transitions, unsubscribe := evaluator.Subscribe(256)
		defer unsubscribe()
		g.Go(func() error {
			bus.Forward(gctx, transitions, pub, cfg.Bus.SubjectPrefix)
			return nil
		})
		log.Printf("publishing alert transitions to %s.*", cfg.Bus.SubjectPrefix)
	}

	info := config.GetBuildInfo()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.GoVersion).Set(1)
	log.Printf("starting mailwatch-server %s", config.VersionString())

	err = g.Wait()
	waitNotifications(evaluator, cfg.ShutdownTimeout)

	if err != nil {
		return fmt.Errorf("run server: %w", err)
	}
	log.Printf("server stopped")
	return nil
}

// backends bundles the storage backends the server opened.
type backends struct {
	storage.Storage
	sqlite     *storage.SQLiteStorage
	clickhouse *storage.ClickHouseStorage
}

func openStorage(cfg *Config) (*backends, error) {
	s := &backends{sqlite: storage.NewSQLiteStorage(cfg.Database.Path)}

	var ts storage.TimeSeriesStorage
	if cfg.TimeSeries.Backend == "clickhouse" {
		ch := cfg.TimeSeries.ClickHouse
		s.clickhouse = storage.NewClickHouseStorage(&storage.ClickHouseConfig{
			Addresses:     ch.Addresses,
			Database:      ch.Database,
			Username:      ch.Username,
			Password:      os.Getenv(ch.PasswordEnv),
			Compression:   ch.Compression,
			RetentionDays: ch.RetentionDays,
		})
		ts = s.clickhouse
	}
	s.Storage = storage.WithTimeSeries(s.sqlite, ts)

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func newDispatcher(cfg *Config, s *backends) (*notifier.Dispatcher, error) {
	var channels notifier.ChannelSource = s.Channels()
	if len(cfg.Notifications.Channels) > 0 {
		channels = notifier.StaticChannels(cfg.Notifications.Channels)
	}

	d := notifier.NewDispatcher(notifier.Config{
		ChannelTimeout: cfg.Notifications.ChannelTimeout,
		Verbose:        cfg.Verbose,
	}, channels)

	if err := d.RegisterBuiltins(); err != nil {
		return nil, err
	}
	return d, nil
}

func loadRules(ctx context.Context, cfg *Config, s *backends) ([]*alerting.Rule, error) {
	if cfg.Alerting.RulesSource == "database" {
		return alerting.LoadRulesFromStore(ctx, s.Rules())
	}
	return alerting.LoadRulesFromFile(cfg.Alerting.RulesFile)
}

// waitNotifications gives in-flight notifications until grace to finish.
func waitNotifications(e *alerting.Evaluator, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("[alerting] shutdown grace elapsed with notifications in flight")
	}
}
