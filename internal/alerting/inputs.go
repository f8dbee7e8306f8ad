package alerting

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// ScopeInputs are the named values one rule scope is evaluated against.
type ScopeInputs struct {
	// NodeID is empty for the fleet scope.
	NodeID string
	Role   models.NodeRole
	Values map[string]float64
	// HealthIndeterminate is set when the latest probes for the scope were
	// indeterminate and none reported a listing.
	HealthIndeterminate bool
}

// Snapshot is the input state of every scope at one instant.
type Snapshot struct {
	Fleet ScopeInputs
	Nodes []ScopeInputs
}

// InputSource provides evaluation inputs.
type InputSource interface {
	Snapshot(ctx context.Context, now time.Time) (*Snapshot, error)
}

// NodeLister lists registered nodes.
type NodeLister interface {
	List(ctx context.Context) ([]*models.NodeRegistration, error)
}

// InputCacheConfig configures derived inputs.
type InputCacheConfig struct {
	// HeartbeatInterval is the agents' expected heartbeat interval.
	HeartbeatInterval time.Duration
	// StaleFactor is how many missed intervals make a node stale.
	StaleFactor int
	// RateWindow is the span used for counter rates.
	RateWindow time.Duration
}

func (c *InputCacheConfig) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleFactor <= 0 {
		c.StaleFactor = 3
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 5 * time.Minute
	}
}

type nodeInputs struct {
	reg      models.NodeRegistration
	latest   *models.MetricSample
	counters map[string]*counterWindow
}

// InputCache holds the latest sample per node, node registrations and the
// latest probe result per resource and provider. It implements InputSource.
type InputCache struct {
	mu     sync.RWMutex
	config InputCacheConfig
	nodes  map[string]*nodeInputs
	health map[string]map[string]models.HealthCheckResult
}

// NewInputCache creates an empty cache.
func NewInputCache(cfg InputCacheConfig) *InputCache {
	cfg.setDefaults()
	return &InputCache{
		config: cfg,
		nodes:  make(map[string]*nodeInputs),
		health: make(map[string]map[string]models.HealthCheckResult),
	}
}

// Load seeds node registrations from the store.
func (c *InputCache) Load(ctx context.Context, nodes NodeLister) error {
	regs, err := nodes.List(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range regs {
		n := c.node(reg.ID)
		n.reg = *reg
	}
	return nil
}

// node returns the entry for id, creating it. Caller holds the write lock.
func (c *InputCache) node(id string) *nodeInputs {
	n, ok := c.nodes[id]
	if !ok {
		n = &nodeInputs{
			reg:      models.NodeRegistration{ID: id},
			counters: make(map[string]*counterWindow),
		}
		c.nodes[id] = n
	}
	return n
}

// ObserveSamples records committed samples. Older samples than the one held
// for a node do not replace it.
func (c *InputCache) ObserveSamples(samples []models.MetricSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range samples {
		s := samples[i]
		n := c.node(s.NodeID)
		if n.reg.Role == "" {
			n.reg.Role = s.NodeRole
		}
		for name, v := range s.Inputs() {
			if !strings.HasSuffix(name, "Total") {
				continue
			}
			w, ok := n.counters[name]
			if !ok {
				w = newCounterWindow(c.config.RateWindow)
				n.counters[name] = w
			}
			w.add(s.Timestamp, v)
		}
		if n.latest == nil || !s.Timestamp.Before(n.latest.Timestamp) {
			n.latest = &s
		}
	}
}

// ObserveHeartbeat records a heartbeat.
func (c *InputCache) ObserveHeartbeat(hb models.Heartbeat, seenAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.node(hb.NodeID)
	if n.reg.FirstSeen.IsZero() {
		n.reg.FirstSeen = seenAt
	}
	n.reg.Hostname = hb.Hostname
	n.reg.IPAddress = hb.IPAddress
	n.reg.Role = hb.Role
	n.reg.Version = hb.Version
	n.reg.LastSeen = seenAt
}

// ObserveHealth records probe results, keeping the latest per resource and provider.
func (c *InputCache) ObserveHealth(results []models.HealthCheckResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range results {
		byProvider, ok := c.health[r.Resource]
		if !ok {
			byProvider = make(map[string]models.HealthCheckResult)
			c.health[r.Resource] = byProvider
		}
		if prev, ok := byProvider[r.Provider]; ok && r.CheckedAt.Before(prev.CheckedAt) {
			continue
		}
		byProvider[r.Provider] = r
	}
}

type healthSummary struct {
	listed         int
	listedCritical int
	listedHigh     int
	indeterminate  int
	checked        int
}

func summarize(byProvider map[string]models.HealthCheckResult) healthSummary {
	var s healthSummary
	for _, r := range byProvider {
		s.checked++
		switch r.Outcome {
		case models.OutcomeListed:
			s.listed++
			switch r.Tier {
			case models.TierCritical:
				s.listedCritical++
			case models.TierHigh:
				s.listedHigh++
			}
		case models.OutcomeIndeterminate:
			s.indeterminate++
		}
	}
	return s
}

// Snapshot builds the inputs of every scope as of now.
func (c *InputCache) Snapshot(_ context.Context, now time.Time) (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{}

	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	stale := 0
	for _, id := range ids {
		n := c.nodes[id]
		in := ScopeInputs{NodeID: id, Role: n.reg.Role, Values: make(map[string]float64)}

		if n.latest != nil {
			for k, v := range n.latest.Inputs() {
				in.Values[k] = v
			}
			in.Values["sampleAgeSeconds"] = now.Sub(n.latest.Timestamp).Seconds()
		}
		for name, w := range n.counters {
			if rate, ok := w.perMinute(); ok {
				in.Values[strings.TrimSuffix(name, "Total")+"PerMin"] = rate
			}
		}
		if !n.reg.LastSeen.IsZero() {
			in.Values["heartbeatAgeSeconds"] = now.Sub(n.reg.LastSeen).Seconds()
		}

		// Only heartbeats count as contact: sample timestamps come from the
		// agent's clock and may run ahead of ours.
		isStale := n.reg.LastSeen.IsZero() || n.reg.IsStale(now, c.config.HeartbeatInterval, c.config.StaleFactor)
		in.Values["stale"] = boolInput(isStale)
		if isStale {
			stale++
		}

		if n.reg.IPAddress != "" {
			if byProvider, ok := c.health[n.reg.IPAddress]; ok {
				s := summarize(byProvider)
				in.Values["listed"] = float64(s.listed)
				in.Values["listedCritical"] = float64(s.listedCritical)
				in.Values["listedHigh"] = float64(s.listedHigh)
				in.Values["indeterminate"] = float64(s.indeterminate)
				in.HealthIndeterminate = s.indeterminate > 0 && s.listed == 0
			}
		}

		snap.Nodes = append(snap.Nodes, in)
	}

	fleet := ScopeInputs{Values: map[string]float64{
		"nodesTotal": float64(len(c.nodes)),
		"nodesStale": float64(stale),
	}}
	var listed, listedCritical, listedHigh, indeterminate int
	for _, byProvider := range c.health {
		s := summarize(byProvider)
		if s.listed > 0 {
			listed++
		}
		if s.listedCritical > 0 {
			listedCritical++
		}
		if s.listedHigh > 0 {
			listedHigh++
		}
		indeterminate += s.indeterminate
	}
	if len(c.health) > 0 {
		fleet.Values["listed"] = float64(listed)
		fleet.Values["listedCritical"] = float64(listedCritical)
		fleet.Values["listedHigh"] = float64(listedHigh)
		fleet.Values["indeterminate"] = float64(indeterminate)
		fleet.Values["resourcesChecked"] = float64(len(c.health))
		fleet.HealthIndeterminate = indeterminate > 0 && listed == 0
	}
	snap.Fleet = fleet

	return snap, nil
}

func boolInput(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
