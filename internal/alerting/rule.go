// Package alerting evaluates declarative alert rules against the latest
// fleet inputs and drives one state machine per rule and scope.
package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// RuleSpec is the YAML form of an alert rule.
type RuleSpec struct {
	// ID identifies the rule; defaults to the name.
	ID          string `yaml:"id,omitempty"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Severity    string `yaml:"severity,omitempty"`
	// Condition is an expression over input names, e.g. "cpuPercent > threshold".
	Condition string   `yaml:"condition"`
	Threshold *float64 `yaml:"threshold,omitempty"`
	// Duration the condition must hold before firing (e.g. "2m").
	Duration string `yaml:"duration,omitempty"`
	// Cooldown after resolution during which the rule cannot re-enter pending.
	Cooldown string            `yaml:"cooldown,omitempty"`
	Channels []string          `yaml:"channels,omitempty"`
	Enabled  *bool             `yaml:"enabled,omitempty"`
	Scope    string            `yaml:"scope,omitempty"`
	Roles    []string          `yaml:"roles,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
}

// ToModel converts the YAML form into a domain rule.
func (s *RuleSpec) ToModel() (*models.AlertRule, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("rule name is required")
	}
	r := &models.AlertRule{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Severity:    models.SeverityMedium,
		Condition:   strings.TrimSpace(s.Condition),
		Threshold:   s.Threshold,
		Channels:    s.Channels,
		Enabled:     s.Enabled,
		Scope:       models.RuleScope(s.Scope),
		Labels:      s.Labels,
	}
	if r.ID == "" {
		r.ID = s.Name
	}
	if r.Scope == "" {
		r.Scope = models.ScopeNode
	}

	switch models.Severity(strings.ToLower(s.Severity)) {
	case "":
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
		r.Severity = models.Severity(strings.ToLower(s.Severity))
	default:
		return nil, fmt.Errorf("invalid severity %q for rule %q", s.Severity, s.Name)
	}

	var err error
	if r.Duration, err = parseOptionalDuration(s.Duration); err != nil {
		return nil, fmt.Errorf("invalid duration %q for rule %q: %w", s.Duration, s.Name, err)
	}
	if r.Cooldown, err = parseOptionalDuration(s.Cooldown); err != nil {
		return nil, fmt.Errorf("invalid cooldown %q for rule %q: %w", s.Cooldown, s.Name, err)
	}

	for _, role := range s.Roles {
		parsed, err := models.ParseNodeRole(role)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", s.Name, err)
		}
		r.Roles = append(r.Roles, parsed)
	}
	return r, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// RulesConfig represents the top-level YAML configuration.
type RulesConfig struct {
	Rules []*RuleSpec `yaml:"rules"`
}

// Rule is an alert rule with its condition compiled.
type Rule struct {
	models.AlertRule
	cond *Condition
}

// NewRule validates r and compiles its condition.
func NewRule(r models.AlertRule) (*Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	cond, err := CompileCondition(r.Condition)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if cond.UsesThreshold() && r.Threshold == nil {
		return nil, fmt.Errorf("rule %s: condition references threshold but none is set", r.ID)
	}
	return &Rule{AlertRule: r, cond: cond}, nil
}

// Compiled returns the compiled condition.
func (r *Rule) Compiled() *Condition {
	return r.cond
}

// CompileRules compiles a list of domain rules, rejecting duplicate IDs.
func CompileRules(rules []*models.AlertRule) ([]*Rule, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]*Rule, 0, len(rules))
	for i, r := range rules {
		compiled, err := NewRule(*r)
		if err != nil {
			return nil, fmt.Errorf("invalid rule at index %d: %w", i, err)
		}
		if seen[compiled.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", compiled.ID)
		}
		seen[compiled.ID] = true
		out = append(out, compiled)
	}
	return out, nil
}
