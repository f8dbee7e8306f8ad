// Package models defines domain models for MailWatch.
package models

import (
	"fmt"
	"time"
)

// NodeRole identifies what kind of mail infrastructure a node runs.
type NodeRole string

const (
	RoleRelay  NodeRole = "relay"
	RoleStore  NodeRole = "store"
	RoleCache  NodeRole = "cache"
	RoleFilter NodeRole = "filter"
)

// ParseNodeRole converts a string to NodeRole.
func ParseNodeRole(s string) (NodeRole, error) {
	r := NodeRole(s)
	if !r.IsValid() {
		return "", fmt.Errorf("unknown node role %q", s)
	}
	return r, nil
}

// IsValid reports whether r is a known role.
func (r NodeRole) IsValid() bool {
	switch r {
	case RoleRelay, RoleStore, RoleCache, RoleFilter:
		return true
	}
	return false
}

// SystemMetrics holds host level measurements.
type SystemMetrics struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	ProcessCount  int     `json:"processCount"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// MetricSample is one snapshot produced by an agent collector.
type MetricSample struct {
	NodeID    string             `json:"nodeId"`
	NodeRole  NodeRole           `json:"nodeRole"`
	Timestamp time.Time          `json:"timestamp"`
	System    *SystemMetrics     `json:"system,omitempty"`
	Service   map[string]float64 `json:"service,omitempty"`
}

// NewMetricSample creates a sample stamped with ts.
func NewMetricSample(nodeID string, role NodeRole, ts time.Time) *MetricSample {
	return &MetricSample{
		NodeID:    nodeID,
		NodeRole:  role,
		Timestamp: ts,
		Service:   make(map[string]float64),
	}
}

// SetService records a service-specific measurement.
func (s *MetricSample) SetService(name string, value float64) {
	if s.Service == nil {
		s.Service = make(map[string]float64)
	}
	s.Service[name] = value
}

// Inputs flattens the sample into named values usable by rule conditions.
func (s *MetricSample) Inputs() map[string]float64 {
	out := make(map[string]float64, len(s.Service)+8)
	if s.System != nil {
		out["cpuPercent"] = s.System.CPUPercent
		out["memoryPercent"] = s.System.MemoryPercent
		out["diskPercent"] = s.System.DiskPercent
		out["load1"] = s.System.Load1
		out["load5"] = s.System.Load5
		out["load15"] = s.System.Load15
		out["processCount"] = float64(s.System.ProcessCount)
		out["uptimeSeconds"] = s.System.UptimeSeconds
	}
	for k, v := range s.Service {
		out[k] = v
	}
	return out
}

// IngestRequest is the wire form of a MetricBatch.
type IngestRequest struct {
	Samples []MetricSample `json:"samples"`
}

// Rejection reports one sample the gateway refused.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// IngestResult is the per-batch outcome returned by the gateway.
type IngestResult struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}
