// Package storage provides the store boundary used by the ingestion and alerting pipeline.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// ErrOpenEventExists is returned when a second firing event is created for the same rule and scope.
var ErrOpenEventExists = errors.New("open alert event already exists for rule and scope")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the main interface for database operations.
type Storage interface {
	// Open initializes the database connection.
	Open() error
	// Close closes the database connection.
	Close() error
	// Migrate runs database migrations.
	Migrate() error
	// Ping checks the connection health.
	Ping(ctx context.Context) error

	// Repository accessors
	Samples() SampleRepository
	HealthChecks() HealthCheckRepository
	Nodes() NodeRepository
	AlertEvents() AlertEventRepository
	Rules() RuleRepository
	Channels() ChannelRepository
}

// TimeSeriesStorage stores append-only rows keyed by time and scope.
type TimeSeriesStorage interface {
	Open() error
	Close() error
	Migrate() error
	Ping(ctx context.Context) error
	Samples() SampleRepository
	HealthChecks() HealthCheckRepository
}

// SampleRepository appends metric samples.
type SampleRepository interface {
	// InsertBatch commits all samples in one transaction, in order.
	// On error nothing is committed.
	InsertBatch(ctx context.Context, samples []models.MetricSample) error
}

// HealthCheckRepository appends reputation probe results.
type HealthCheckRepository interface {
	InsertBatch(ctx context.Context, results []models.HealthCheckResult) error
}

// NodeRepository tracks agent registrations.
type NodeRepository interface {
	// Upsert creates the node on first contact and refreshes it afterwards.
	Upsert(ctx context.Context, hb *models.Heartbeat, seenAt time.Time) error
	Get(ctx context.Context, id string) (*models.NodeRegistration, error)
	List(ctx context.Context) ([]*models.NodeRegistration, error)
}

// AlertEventRepository persists alert lifecycle history. Events are never deleted.
type AlertEventRepository interface {
	// Create inserts a new event. Returns ErrOpenEventExists if a firing
	// event already exists for the same rule and scope.
	Create(ctx context.Context, e *models.AlertEvent) error
	// Update rewrites status, message, details, resolvedAt and notified.
	Update(ctx context.Context, e *models.AlertEvent) error
	// Latest returns the most recent event per (rule, scope).
	Latest(ctx context.Context) ([]*models.AlertEvent, error)
	// ListOpen returns all firing events.
	ListOpen(ctx context.Context) ([]*models.AlertEvent, error)
}

// RuleRepository stores alert rules.
type RuleRepository interface {
	List(ctx context.Context) ([]*models.AlertRule, error)
	Save(ctx context.Context, rule *models.AlertRule) error
}

// ChannelRepository stores notification channels.
type ChannelRepository interface {
	List(ctx context.Context) ([]*models.NotificationChannel, error)
	Save(ctx context.Context, ch *models.NotificationChannel) error
}

// withTimeSeries routes sample and health writes to a dedicated time-series store.
type withTimeSeries struct {
	Storage
	ts TimeSeriesStorage
}

// WithTimeSeries returns a Storage that writes samples and health results to ts
// and everything else to base. Open, Close and Migrate cover both stores.
func WithTimeSeries(base Storage, ts TimeSeriesStorage) Storage {
	if ts == nil {
		return base
	}
	return &withTimeSeries{Storage: base, ts: ts}
}

func (s *withTimeSeries) Open() error {
	if err := s.Storage.Open(); err != nil {
		return err
	}
	if err := s.ts.Open(); err != nil {
		s.Storage.Close()
		return err
	}
	return nil
}

func (s *withTimeSeries) Close() error {
	return errors.Join(s.ts.Close(), s.Storage.Close())
}

func (s *withTimeSeries) Migrate() error {
	if err := s.Storage.Migrate(); err != nil {
		return err
	}
	return s.ts.Migrate()
}

func (s *withTimeSeries) Ping(ctx context.Context) error {
	return errors.Join(s.Storage.Ping(ctx), s.ts.Ping(ctx))
}

func (s *withTimeSeries) Samples() SampleRepository {
	return s.ts.Samples()
}

func (s *withTimeSeries) HealthChecks() HealthCheckRepository {
	return s.ts.HealthChecks()
}
