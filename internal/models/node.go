package models

import "time"

// NodeRegistration is the identity and heartbeat record of one agent.
type NodeRegistration struct {
	ID        string            `json:"id"`
	Hostname  string            `json:"hostname"`
	IPAddress string            `json:"ipAddress"`
	Role      NodeRole          `json:"role"`
	Version   string            `json:"version,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	FirstSeen time.Time         `json:"firstSeen"`
	LastSeen  time.Time         `json:"lastSeen"`
}

// IsStale reports whether no heartbeat arrived within factor times the expected interval.
func (n *NodeRegistration) IsStale(now time.Time, interval time.Duration, factor int) bool {
	if factor < 1 {
		factor = 1
	}
	return now.Sub(n.LastSeen) > time.Duration(factor)*interval
}

// Heartbeat is the payload an agent reports on its heartbeat interval.
type Heartbeat struct {
	NodeID    string            `json:"nodeId"`
	Hostname  string            `json:"hostname"`
	IPAddress string            `json:"ipAddress"`
	Role      NodeRole          `json:"role"`
	Version   string            `json:"version,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
