package agent

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// Probe fills part of a sample from one local source.
type Probe interface {
	Name() string
	Collect(ctx context.Context, sample *models.MetricSample) error
}

// BackgroundProbe gathers data continuously between collections.
type BackgroundProbe interface {
	Probe
	Run(ctx context.Context) error
}

// Collector produces one sample per call from its probes.
type Collector struct {
	nodeID       string
	role         models.NodeRole
	probes       []Probe
	probeTimeout time.Duration
	verbose      bool
	now          func() time.Time

	probeErrors atomic.Uint64
}

// NewCollector creates a collector for one node.
func NewCollector(nodeID string, role models.NodeRole, probes ...Probe) *Collector {
	return &Collector{
		nodeID:       nodeID,
		role:         role,
		probes:       probes,
		probeTimeout: 5 * time.Second,
		now:          time.Now,
	}
}

// SetVerbose enables verbose logging.
func (c *Collector) SetVerbose(v bool) {
	c.verbose = v
}

// SetProbeTimeout bounds how long a single probe may run.
func (c *Collector) SetProbeTimeout(d time.Duration) {
	if d > 0 {
		c.probeTimeout = d
	}
}

// Start runs every background probe until ctx is canceled. A probe whose Run
// fails is logged and keeps failing its collections.
func (c *Collector) Start(ctx context.Context) {
	for _, p := range c.probes {
		bp, ok := p.(BackgroundProbe)
		if !ok {
			continue
		}
		go func() {
			if err := bp.Run(ctx); err != nil {
				log.Printf("[collector] probe %s stopped: %v", bp.Name(), err)
			}
		}()
	}
}

// Collect takes one snapshot. A failing probe is logged and skipped.
func (c *Collector) Collect(ctx context.Context) models.MetricSample {
	sample := models.NewMetricSample(c.nodeID, c.role, c.now().UTC())

	for _, p := range c.probes {
		pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		err := p.Collect(pctx, sample)
		cancel()
		if err != nil {
			c.probeErrors.Add(1)
			log.Printf("[collector] probe %s failed: %v", p.Name(), err)
			continue
		}
		if c.verbose {
			log.Printf("[collector] probe %s ok", p.Name())
		}
	}

	return *sample
}

// ProbeErrors returns the number of failed probe runs.
func (c *Collector) ProbeErrors() uint64 {
	return c.probeErrors.Load()
}
