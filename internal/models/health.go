package models

import (
	"fmt"
	"time"
)

// Tier is the priority class of a reputation provider.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
)

// ParseTier converts a string to Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierCritical, TierHigh, TierMedium:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Rank orders tiers for scanning; lower runs first.
func (t Tier) Rank() int {
	switch t {
	case TierCritical:
		return 0
	case TierHigh:
		return 1
	default:
		return 2
	}
}

// Outcome is the result class of one reputation probe.
type Outcome string

const (
	OutcomeClean         Outcome = "clean"
	OutcomeListed        Outcome = "listed"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// HealthCheckResult is one probe outcome. Append-only.
type HealthCheckResult struct {
	ID        string        `json:"id"`
	Resource  string        `json:"resource"`
	NodeID    string        `json:"nodeId,omitempty"`
	Provider  string        `json:"provider"`
	Tier      Tier          `json:"tier"`
	Outcome   Outcome       `json:"outcome"`
	Listed    bool          `json:"listed"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// Indeterminate reports whether the probe gave no usable answer.
func (r *HealthCheckResult) Indeterminate() bool {
	return r.Outcome == OutcomeIndeterminate
}

// Resource is something the health scanner probes, usually a sending IP.
type Resource struct {
	Address string `json:"address" yaml:"address"`
	NodeID  string `json:"nodeId,omitempty" yaml:"node_id"`
}
