package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

type sqliteEventRepo struct {
	db *sql.DB
}

const eventColumns = `id, rule_id, rule_name, severity, status, message, details_json,
	node_id, fired_at, resolved_at, notified, updated_at`

// Create inserts a new alert event. The partial unique index on open events
// turns a second firing event for the same rule and scope into ErrOpenEventExists.
func (r *sqliteEventRepo) Create(ctx context.Context, e *models.AlertEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	details, err := marshalDetails(e.Details)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO alert_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.RuleID, e.RuleName, string(e.Severity), string(e.Status), e.Message, details,
		e.NodeID, toNanos(e.FiredAt), nullNanos(e.ResolvedAt), boolToInt(e.Notified), toNanos(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenEventExists
		}
		return fmt.Errorf("create alert event: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing event.
func (r *sqliteEventRepo) Update(ctx context.Context, e *models.AlertEvent) error {
	details, err := marshalDetails(e.Details)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE alert_events
		SET status = ?, message = ?, details_json = ?, resolved_at = ?, notified = ?, updated_at = ?
		WHERE id = ?
	`,
		string(e.Status), e.Message, details, nullNanos(e.ResolvedAt), boolToInt(e.Notified),
		toNanos(e.UpdatedAt), e.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenEventExists
		}
		return fmt.Errorf("update alert event %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Latest returns the most recent event for every (rule, scope) pair.
func (r *sqliteEventRepo) Latest(ctx context.Context) ([]*models.AlertEvent, error) {
	return r.query(ctx, `
		SELECT `+eventColumns+` FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY rule_id, node_id ORDER BY fired_at DESC, rowid DESC
			) AS rn
			FROM alert_events
		) WHERE rn = 1
		ORDER BY rule_id, node_id
	`)
}

// ListOpen returns all firing events, oldest first.
func (r *sqliteEventRepo) ListOpen(ctx context.Context) ([]*models.AlertEvent, error) {
	return r.query(ctx, `
		SELECT `+eventColumns+` FROM alert_events
		WHERE status = 'firing'
		ORDER BY fired_at
	`)
}

func (r *sqliteEventRepo) query(ctx context.Context, q string, args ...any) ([]*models.AlertEvent, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alert events: %w", err)
	}
	defer rows.Close()

	var events []*models.AlertEvent
	for rows.Next() {
		var (
			e          models.AlertEvent
			severity   string
			status     string
			details    string
			firedAt    int64
			resolvedAt sql.NullInt64
			notified   int
			updatedAt  int64
		)
		err := rows.Scan(&e.ID, &e.RuleID, &e.RuleName, &severity, &status, &e.Message, &details,
			&e.NodeID, &firedAt, &resolvedAt, &notified, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		e.Severity = models.Severity(severity)
		e.Status = models.AlertStatus(status)
		e.FiredAt = fromNanos(firedAt)
		e.UpdatedAt = fromNanos(updatedAt)
		e.Notified = notified == 1
		if resolvedAt.Valid {
			t := fromNanos(resolvedAt.Int64)
			e.ResolvedAt = &t
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decode details for event %s: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func marshalDetails(d map[string]any) (string, error) {
	if d == nil {
		return "{}", nil
	}
	s, err := marshalJSON(d)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return s, nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
