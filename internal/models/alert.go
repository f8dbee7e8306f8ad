package models

import (
	"fmt"
	"time"
)

// Severity represents alert severity level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity converts a string to Severity.
func ParseSeverity(s string) Severity {
	switch s {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// RuleScope says what a rule is evaluated against.
type RuleScope string

const (
	ScopeNode  RuleScope = "node"
	ScopeFleet RuleScope = "fleet"
)

// AlertRule is a declarative alert condition. Read-only to the evaluator.
type AlertRule struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Severity    Severity          `json:"severity"`
	Condition   string            `json:"condition"`
	Threshold   *float64          `json:"threshold,omitempty"`
	Duration    time.Duration     `json:"duration"`
	Cooldown    time.Duration     `json:"cooldown"`
	Channels    []string          `json:"channels"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Scope       RuleScope         `json:"scope"`
	Roles       []NodeRole        `json:"roles,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// IsEnabled returns whether the rule is enabled (defaults to true).
func (r *AlertRule) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// AppliesTo reports whether a node scoped rule covers role.
func (r *AlertRule) AppliesTo(role NodeRole) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, rr := range r.Roles {
		if rr == role {
			return true
		}
	}
	return false
}

// Validate checks the static fields of a rule.
func (r *AlertRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Condition == "" {
		return fmt.Errorf("rule %s: condition is required", r.ID)
	}
	if r.Duration < 0 {
		return fmt.Errorf("rule %s: duration must not be negative", r.ID)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("rule %s: cooldown must not be negative", r.ID)
	}
	switch r.Scope {
	case ScopeNode, ScopeFleet:
	default:
		return fmt.Errorf("rule %s: invalid scope %q", r.ID, r.Scope)
	}
	for _, role := range r.Roles {
		if !role.IsValid() {
			return fmt.Errorf("rule %s: unknown role %q", r.ID, role)
		}
	}
	return nil
}

// AlertStatus is the lifecycle state of an AlertEvent.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// AlertEvent is one lifecycle instance of a rule firing. Never deleted.
type AlertEvent struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"ruleId"`
	RuleName   string         `json:"ruleName"`
	Severity   Severity       `json:"severity"`
	Status     AlertStatus    `json:"status"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	NodeID     string         `json:"nodeId,omitempty"`
	FiredAt    time.Time      `json:"firedAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	Notified   bool           `json:"notified"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// IsOpen reports whether the event is still firing.
func (e *AlertEvent) IsOpen() bool {
	return e.Status == AlertFiring
}

// Scope returns the scope key of the event, "" for fleet-wide rules.
func (e *AlertEvent) Scope() string {
	return e.NodeID
}

// Clone returns a copy that shares no mutable state with e.
func (e *AlertEvent) Clone() *AlertEvent {
	c := *e
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		c.ResolvedAt = &t
	}
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}
