package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

type sqliteRuleRepo struct {
	db *sql.DB
}

// List returns all stored rules, enabled or not.
func (r *sqliteRuleRepo) List(ctx context.Context) ([]*models.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, severity, condition, threshold, duration_ms, cooldown_ms,
			channels_json, enabled, scope, roles_json, labels_json
		FROM alert_rules ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.AlertRule
	for rows.Next() {
		var (
			rule       models.AlertRule
			severity   string
			scope      string
			threshold  sql.NullFloat64
			durationMs int64
			cooldownMs int64
			channels   string
			enabled    int
			roles      string
			labels     string
		)
		err := rows.Scan(&rule.ID, &rule.Name, &rule.Description, &severity, &rule.Condition, &threshold,
			&durationMs, &cooldownMs, &channels, &enabled, &scope, &roles, &labels)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.Severity = models.Severity(severity)
		rule.Scope = models.RuleScope(scope)
		rule.Duration = time.Duration(durationMs) * time.Millisecond
		rule.Cooldown = time.Duration(cooldownMs) * time.Millisecond
		if threshold.Valid {
			v := threshold.Float64
			rule.Threshold = &v
		}
		on := enabled == 1
		rule.Enabled = &on
		if err := json.Unmarshal([]byte(channels), &rule.Channels); err != nil {
			return nil, fmt.Errorf("decode channels for rule %s: %w", rule.ID, err)
		}
		if err := json.Unmarshal([]byte(roles), &rule.Roles); err != nil {
			return nil, fmt.Errorf("decode roles for rule %s: %w", rule.ID, err)
		}
		if err := json.Unmarshal([]byte(labels), &rule.Labels); err != nil {
			return nil, fmt.Errorf("decode labels for rule %s: %w", rule.ID, err)
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// Save inserts or replaces a rule.
func (r *sqliteRuleRepo) Save(ctx context.Context, rule *models.AlertRule) error {
	channels, _ := marshalJSON(nonNilStrings(rule.Channels))
	roles, _ := marshalJSON(nonNilRoles(rule.Roles))
	labels := "{}"
	if rule.Labels != nil {
		labels, _ = marshalJSON(rule.Labels)
	}
	var threshold sql.NullFloat64
	if rule.Threshold != nil {
		threshold = sql.NullFloat64{Float64: *rule.Threshold, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, name, description, severity, condition, threshold, duration_ms,
			cooldown_ms, channels_json, enabled, scope, roles_json, labels_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			severity = excluded.severity,
			condition = excluded.condition,
			threshold = excluded.threshold,
			duration_ms = excluded.duration_ms,
			cooldown_ms = excluded.cooldown_ms,
			channels_json = excluded.channels_json,
			enabled = excluded.enabled,
			scope = excluded.scope,
			roles_json = excluded.roles_json,
			labels_json = excluded.labels_json
	`,
		rule.ID, rule.Name, rule.Description, string(rule.Severity), rule.Condition, threshold,
		rule.Duration.Milliseconds(), rule.Cooldown.Milliseconds(), channels,
		boolToInt(rule.IsEnabled()), string(rule.Scope), roles, labels,
	)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return nil
}

type sqliteChannelRepo struct {
	db *sql.DB
}

// List returns all stored channels ordered by name.
func (r *sqliteChannelRepo) List(ctx context.Context) ([]*models.NotificationChannel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, config_json, enabled, rate_per_minute
		FROM notification_channels ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []*models.NotificationChannel
	for rows.Next() {
		var (
			ch      models.NotificationChannel
			config  string
			enabled int
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &config, &enabled, &ch.RatePerMinute); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(config), &ch.Config); err != nil {
			return nil, fmt.Errorf("decode config for channel %s: %w", ch.Name, err)
		}
		channels = append(channels, &ch)
	}
	return channels, rows.Err()
}

// Save inserts or replaces a channel keyed by id.
func (r *sqliteChannelRepo) Save(ctx context.Context, ch *models.NotificationChannel) error {
	config := "{}"
	if ch.Config != nil {
		config, _ = marshalJSON(ch.Config)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_channels (id, name, type, config_json, enabled, rate_per_minute)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			config_json = excluded.config_json,
			enabled = excluded.enabled,
			rate_per_minute = excluded.rate_per_minute
	`, ch.ID, ch.Name, ch.Type, config, boolToInt(ch.Enabled), ch.RatePerMinute)
	if err != nil {
		return fmt.Errorf("save channel %s: %w", ch.Name, err)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilRoles(r []models.NodeRole) []models.NodeRole {
	if r == nil {
		return []models.NodeRole{}
	}
	return r
}
