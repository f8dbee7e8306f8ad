package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/pkg/config"
)

// ClickHouseConfig selects the cluster and sizes the pool.
type ClickHouseConfig struct {
	Addresses     []string // host:port, native protocol
	Database      string
	Username      string
	Password      string
	MaxOpenConns  int // default 5
	MaxIdleConns  int // default 5
	DialTimeout   time.Duration
	Compression   bool // LZ4 on the wire
	RetentionDays int  // table TTL, default 30
}

// ClickHouseStorage keeps samples and health checks in MergeTree tables.
// Nodes, rules, channels and alert events stay in SQLite.
type ClickHouseStorage struct {
	config  *ClickHouseConfig
	db      *sql.DB
	samples *clickhouseSampleRepo
	health  *clickhouseHealthRepo
}

// NewClickHouseStorage fills in defaults; nothing connects until Open.
func NewClickHouseStorage(config *ClickHouseConfig) *ClickHouseStorage {
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 5
	}
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = config.MaxOpenConns
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 30
	}
	return &ClickHouseStorage{config: config}
}

func (s *ClickHouseStorage) options() *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: s.config.Addresses,
		Auth: clickhouse.Auth{
			Database: s.config.Database,
			Username: s.config.Username,
			Password: s.config.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct{ Name, Version string }{{Name: "mailwatch", Version: config.Version}},
		},
		DialTimeout:     s.config.DialTimeout,
		MaxOpenConns:    s.config.MaxOpenConns,
		MaxIdleConns:    s.config.MaxIdleConns,
		ConnMaxLifetime: time.Hour,
	}
	if s.config.Compression {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	return opts
}

// Open connects and pings the cluster.
func (s *ClickHouseStorage) Open() error {
	db := clickhouse.OpenDB(s.options())

	ctx, cancel := context.WithTimeout(context.Background(), s.config.DialTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping clickhouse %v: %w", s.config.Addresses, err)
	}

	s.db = db
	s.samples = &clickhouseSampleRepo{db: db}
	s.health = &clickhouseHealthRepo{db: db}
	log.Printf("[clickhouse] connected to %v, database %q", s.config.Addresses, s.config.Database)
	return nil
}

// Close closes the pool.
func (s *ClickHouseStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the time-series tables if they don't exist.
func (s *ClickHouseStorage) Migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range clickhouseSchema(s.config.RetentionDays) {
		if _, err := s.db.ExecContext(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("create %s table: %w", stmt.table, err)
		}
	}

	indexes := []string{
		"ALTER TABLE health_checks ADD INDEX IF NOT EXISTS idx_resource resource TYPE bloom_filter(0.01) GRANULARITY 4",
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			log.Printf("[clickhouse] warning: failed to create index: %v", err)
		}
	}

	return nil
}

type clickhouseTable struct {
	table string
	ddl   string
}

func clickhouseSchema(retentionDays int) []clickhouseTable {
	return []clickhouseTable{
		{
			table: "metric_samples",
			ddl: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS metric_samples (
					node_id String,
					node_role LowCardinality(String),
					timestamp DateTime64(9, 'UTC'),
					ts_raw String,
					cpu_percent Nullable(Float64),
					memory_percent Nullable(Float64),
					disk_percent Nullable(Float64),
					load1 Nullable(Float64),
					load5 Nullable(Float64),
					load15 Nullable(Float64),
					process_count Nullable(Int64),
					uptime_seconds Nullable(Float64),
					service Map(String, Float64),
					_date Date DEFAULT toDate(timestamp)
				)
				ENGINE = MergeTree()
				PARTITION BY toYYYYMM(_date)
				ORDER BY (node_id, timestamp)
				TTL _date + INTERVAL %d DAY DELETE
				SETTINGS index_granularity = 8192
			`, retentionDays),
		},
		{
			table: "health_checks",
			ddl: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS health_checks (
					id UUID,
					resource String,
					node_id String,
					provider LowCardinality(String),
					tier LowCardinality(String),
					outcome LowCardinality(String),
					listed UInt8,
					latency_ms Float64,
					error String,
					checked_at DateTime64(9, 'UTC'),
					_date Date DEFAULT toDate(checked_at)
				)
				ENGINE = MergeTree()
				PARTITION BY toYYYYMM(_date)
				ORDER BY (resource, provider, checked_at)
				TTL _date + INTERVAL %d DAY DELETE
			`, retentionDays),
		},
	}
}

// Ping checks the connection health.
func (s *ClickHouseStorage) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("clickhouse not initialized")
	}
	return s.db.PingContext(ctx)
}

// DB returns the underlying connection for health checks.
func (s *ClickHouseStorage) DB() *sql.DB {
	return s.db
}

// Samples returns the sample repository.
func (s *ClickHouseStorage) Samples() SampleRepository { return s.samples }

// HealthChecks returns the health check repository.
func (s *ClickHouseStorage) HealthChecks() HealthCheckRepository { return s.health }

type clickhouseSampleRepo struct {
	db *sql.DB
}

// InsertBatch sends all samples as one ClickHouse block.
func (r *clickhouseSampleRepo) InsertBatch(ctx context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_samples (
			node_id, node_role, timestamp, ts_raw,
			cpu_percent, memory_percent, disk_percent, load1, load5, load15,
			process_count, uptime_seconds, service
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range samples {
		if _, err := stmt.ExecContext(ctx, sampleRow(&samples[i])...); err != nil {
			return fmt.Errorf("exec sample %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// sampleRow maps a sample to insert arguments. Missing system metrics become NULLs.
func sampleRow(s *models.MetricSample) []any {
	row := []any{
		s.NodeID,
		string(s.NodeRole),
		s.Timestamp.UTC(),
		s.Timestamp.Format(time.RFC3339Nano),
	}
	if s.System != nil {
		row = append(row,
			&s.System.CPUPercent, &s.System.MemoryPercent, &s.System.DiskPercent,
			&s.System.Load1, &s.System.Load5, &s.System.Load15,
			int64Ptr(int64(s.System.ProcessCount)), &s.System.UptimeSeconds,
		)
	} else {
		row = append(row, nil, nil, nil, nil, nil, nil, nil, nil)
	}
	service := s.Service
	if service == nil {
		service = map[string]float64{}
	}
	return append(row, service)
}

func int64Ptr(v int64) *int64 { return &v }

type clickhouseHealthRepo struct {
	db *sql.DB
}

// InsertBatch sends all probe results as one ClickHouse block.
func (r *clickhouseHealthRepo) InsertBatch(ctx context.Context, results []models.HealthCheckResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO health_checks (
			id, resource, node_id, provider, tier, outcome, listed, latency_ms, error, checked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range results {
		res := &results[i]
		if res.ID == "" {
			res.ID = uuid.New().String()
		}
		_, err := stmt.ExecContext(ctx,
			res.ID,
			res.Resource,
			res.NodeID,
			res.Provider,
			string(res.Tier),
			string(res.Outcome),
			uint8(boolToInt(res.Listed)),
			float64(res.Latency)/float64(time.Millisecond),
			res.Error,
			res.CheckedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("exec health check %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
