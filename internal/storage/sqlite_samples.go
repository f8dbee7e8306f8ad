package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

type sqliteSampleRepo struct {
	db *sql.DB
}

// InsertBatch writes all samples in one transaction. The client timestamp is
// kept verbatim next to its unix millisecond form for range queries.
func (r *sqliteSampleRepo) InsertBatch(ctx context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_samples (node_id, node_role, ts, ts_unix_ms, system_json, service_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range samples {
		s := &samples[i]

		var system sql.NullString
		if s.System != nil {
			v, err := marshalJSON(s.System)
			if err != nil {
				return fmt.Errorf("marshal system metrics for sample %d: %w", i, err)
			}
			system = sql.NullString{String: v, Valid: true}
		}

		var service sql.NullString
		if len(s.Service) > 0 {
			v, err := marshalJSON(s.Service)
			if err != nil {
				return fmt.Errorf("marshal service metrics for sample %d: %w", i, err)
			}
			service = sql.NullString{String: v, Valid: true}
		}

		_, err := stmt.ExecContext(ctx,
			s.NodeID,
			string(s.NodeRole),
			s.Timestamp.Format(time.RFC3339Nano),
			s.Timestamp.UnixMilli(),
			system,
			service,
		)
		if err != nil {
			return fmt.Errorf("insert sample %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit samples: %w", err)
	}
	return nil
}

type sqliteHealthRepo struct {
	db *sql.DB
}

// InsertBatch appends probe results. Results without an ID get one.
func (r *sqliteHealthRepo) InsertBatch(ctx context.Context, results []models.HealthCheckResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO health_checks (id, resource, node_id, provider, tier, outcome, listed, latency_ms, error, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
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
			boolToInt(res.Listed),
			float64(res.Latency)/float64(time.Millisecond),
			res.Error,
			toNanos(res.CheckedAt),
		)
		if err != nil {
			return fmt.Errorf("insert health check %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit health checks: %w", err)
	}
	return nil
}
