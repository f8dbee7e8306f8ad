package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	// Pure Go SQLite driver, registers as "sqlite".
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	path string
	db   *sql.DB

	samples  *sqliteSampleRepo
	health   *sqliteHealthRepo
	nodes    *sqliteNodeRepo
	events   *sqliteEventRepo
	rules    *sqliteRuleRepo
	channels *sqliteChannelRepo
}

// NewSQLiteStorage creates a new SQLite storage. Use ":memory:" for a
// private in-memory database.
func NewSQLiteStorage(path string) *SQLiteStorage {
	return &SQLiteStorage{path: path}
}

// sqlitePragmas run on every new connection. WAL lets the scanner and the
// evaluator read while a batch commits.
var sqlitePragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

func (s *SQLiteStorage) dsn() string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	if s.path == ":memory:" {
		return ":memory:?" + q.Encode()
	}
	return "file:" + s.path + "?" + q.Encode()
}

// Open opens the database file, creating it if needed.
func (s *SQLiteStorage) Open() error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("open %s: %w", s.path, err)
	}

	s.db = db
	s.samples = &sqliteSampleRepo{db: db}
	s.health = &sqliteHealthRepo{db: db}
	s.nodes = &sqliteNodeRepo{db: db}
	s.events = &sqliteEventRepo{db: db}
	s.rules = &sqliteRuleRepo{db: db}
	s.channels = &sqliteChannelRepo{db: db}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying connection.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Migrate brings the schema up to date with the embedded migrations.
func (s *SQLiteStorage) Migrate() error {
	migrations, err := loadMigrations(migrationFiles)
	if err != nil {
		return err
	}
	return runMigrations(context.Background(), s.db, migrations)
}

// Ping checks the connection health.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Prune deletes samples and health check results older than before.
// Nodes, rules, channels and alert events are kept.
func (s *SQLiteStorage) Prune(ctx context.Context, before time.Time) (PruneResult, error) {
	var res PruneResult
	r, err := s.db.ExecContext(ctx, "DELETE FROM metric_samples WHERE ts_unix_ms < ?", before.UnixMilli())
	if err != nil {
		return res, fmt.Errorf("prune samples: %w", err)
	}
	res.Samples, _ = r.RowsAffected()

	r, err = s.db.ExecContext(ctx, "DELETE FROM health_checks WHERE checked_at < ?", toNanos(before))
	if err != nil {
		return res, fmt.Errorf("prune health checks: %w", err)
	}
	res.HealthChecks, _ = r.RowsAffected()
	return res, nil
}

// Samples returns the sample repository.
func (s *SQLiteStorage) Samples() SampleRepository { return s.samples }

// HealthChecks returns the health check repository.
func (s *SQLiteStorage) HealthChecks() HealthCheckRepository { return s.health }

// Nodes returns the node repository.
func (s *SQLiteStorage) Nodes() NodeRepository { return s.nodes }

// AlertEvents returns the alert event repository.
func (s *SQLiteStorage) AlertEvents() AlertEventRepository { return s.events }

// Rules returns the rule repository.
func (s *SQLiteStorage) Rules() RuleRepository { return s.rules }

// Channels returns the channel repository.
func (s *SQLiteStorage) Channels() ChannelRepository { return s.channels }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
