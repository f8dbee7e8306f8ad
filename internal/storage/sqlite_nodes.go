package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

type sqliteNodeRepo struct {
	db *sql.DB
}

// Upsert registers the node on first contact. Later calls refresh identity
// fields and last_seen and keep first_seen.
func (r *sqliteNodeRepo) Upsert(ctx context.Context, hb *models.Heartbeat, seenAt time.Time) error {
	meta := hb.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO nodes (id, hostname, ip_address, role, version, metadata_json, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			role = excluded.role,
			version = excluded.version,
			metadata_json = excluded.metadata_json,
			last_seen = excluded.last_seen
	`,
		hb.NodeID, hb.Hostname, hb.IPAddress, string(hb.Role), hb.Version, metaJSON,
		toNanos(seenAt), toNanos(seenAt),
	)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", hb.NodeID, err)
	}
	return nil
}

// Get returns the node or ErrNotFound.
func (r *sqliteNodeRepo) Get(ctx context.Context, id string) (*models.NodeRegistration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, hostname, ip_address, role, version, metadata_json, first_seen, last_seen
		FROM nodes WHERE id = ?
	`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// List returns all nodes ordered by id.
func (r *sqliteNodeRepo) List(ctx context.Context) ([]*models.NodeRegistration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, hostname, ip_address, role, version, metadata_json, first_seen, last_seen
		FROM nodes ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.NodeRegistration
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(s rowScanner) (*models.NodeRegistration, error) {
	var (
		n         models.NodeRegistration
		role      string
		metaJSON  string
		firstSeen int64
		lastSeen  int64
	)
	if err := s.Scan(&n.ID, &n.Hostname, &n.IPAddress, &role, &n.Version, &metaJSON, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	n.Role = models.NodeRole(role)
	n.FirstSeen = fromNanos(firstSeen)
	n.LastSeen = fromNanos(lastSeen)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &n.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &n, nil
}
