package models

import (
	"testing"
	"time"
)

func TestParseNodeRole(t *testing.T) {
	tests := []struct {
		input   string
		want    NodeRole
		wantErr bool
	}{
		{"relay", RoleRelay, false},
		{"store", RoleStore, false},
		{"cache", RoleCache, false},
		{"filter", RoleFilter, false},
		{"mx", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseNodeRole(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNodeRole(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseNodeRole(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestMetricSample_Inputs(t *testing.T) {
	s := NewMetricSample("relay-1", RoleRelay, time.Now())
	s.System = &SystemMetrics{CPUPercent: 42, MemoryPercent: 60, ProcessCount: 120}
	s.SetService("queueDeferred", 17)

	in := s.Inputs()
	if in["cpuPercent"] != 42 {
		t.Errorf("cpuPercent = %v, want 42", in["cpuPercent"])
	}
	if in["processCount"] != 120 {
		t.Errorf("processCount = %v, want 120", in["processCount"])
	}
	if in["queueDeferred"] != 17 {
		t.Errorf("queueDeferred = %v, want 17", in["queueDeferred"])
	}
}

func TestMetricSample_InputsWithoutSystem(t *testing.T) {
	s := NewMetricSample("cache-1", RoleCache, time.Now())
	s.SetService("redisHitRate", 0.93)

	in := s.Inputs()
	if _, ok := in["cpuPercent"]; ok {
		t.Error("cpuPercent should be absent without system metrics")
	}
	if len(in) != 1 {
		t.Errorf("len(inputs) = %d, want 1", len(in))
	}
}

func TestNodeRegistration_IsStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n := &NodeRegistration{ID: "n1", LastSeen: now.Add(-40 * time.Second)}

	if n.IsStale(now, 15*time.Second, 3) {
		t.Error("40s without heartbeat should not be stale at 3x15s")
	}
	if !n.IsStale(now, 10*time.Second, 3) {
		t.Error("40s without heartbeat should be stale at 3x10s")
	}
}

func TestTier_Rank(t *testing.T) {
	if !(TierCritical.Rank() < TierHigh.Rank() && TierHigh.Rank() < TierMedium.Rank()) {
		t.Error("tiers must rank critical < high < medium")
	}
}

func TestAlertRule_Validate(t *testing.T) {
	f := false
	tests := []struct {
		name    string
		rule    AlertRule
		wantErr bool
	}{
		{"valid", AlertRule{ID: "cpu", Condition: "cpuPercent > 90", Scope: ScopeNode}, false},
		{"missing id", AlertRule{Condition: "x", Scope: ScopeNode}, true},
		{"missing condition", AlertRule{ID: "cpu", Scope: ScopeNode}, true},
		{"bad scope", AlertRule{ID: "cpu", Condition: "x", Scope: "global"}, true},
		{"negative duration", AlertRule{ID: "cpu", Condition: "x", Scope: ScopeNode, Duration: -time.Second}, true},
		{"bad role", AlertRule{ID: "cpu", Condition: "x", Scope: ScopeNode, Roles: []NodeRole{"mx"}}, true},
		{"disabled still valid", AlertRule{ID: "cpu", Condition: "x", Scope: ScopeFleet, Enabled: &f}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAlertRule_AppliesTo(t *testing.T) {
	r := AlertRule{Roles: []NodeRole{RoleRelay}}
	if !r.AppliesTo(RoleRelay) {
		t.Error("rule should apply to relay")
	}
	if r.AppliesTo(RoleCache) {
		t.Error("rule should not apply to cache")
	}
	if !(&AlertRule{}).AppliesTo(RoleCache) {
		t.Error("rule without roles should apply to every role")
	}
}

func TestAlertEvent_Clone(t *testing.T) {
	now := time.Now()
	e := &AlertEvent{ID: "e1", Status: AlertResolved, ResolvedAt: &now, Details: map[string]any{"cpuPercent": 95.0}}
	c := e.Clone()
	c.Details["cpuPercent"] = 10.0
	*c.ResolvedAt = now.Add(time.Hour)

	if e.Details["cpuPercent"] != 95.0 {
		t.Error("clone shares details map")
	}
	if !e.ResolvedAt.Equal(now) {
		t.Error("clone shares resolvedAt")
	}
}
