package agent

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// HeartbeatConfig configures the heartbeat loop.
type HeartbeatConfig struct {
	Interval  time.Duration // How often to send heartbeats (default: 15s)
	Timeout   time.Duration // Timeout for one heartbeat call (default: 5s)
	MaxMissed int           // Consecutive failures that make the gateway unreachable (default: 3)
	Verbose   bool

	// OnUnreachable runs once when MaxMissed consecutive heartbeats failed,
	// and again only after a heartbeat has succeeded in between.
	OnUnreachable func()
}

// DefaultHeartbeatConfig returns default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:  15 * time.Second,
		Timeout:   5 * time.Second,
		MaxMissed: 3,
	}
}

// HeartbeatSender delivers one heartbeat.
type HeartbeatSender interface {
	Heartbeat(ctx context.Context, hb *models.Heartbeat) error
}

// PayloadProvider builds the heartbeat payload.
type PayloadProvider func() *models.Heartbeat

// Heartbeater announces the node to the gateway on its own interval,
// independent of whether there are samples to send.
type Heartbeater struct {
	config  HeartbeatConfig
	sender  HeartbeatSender
	payload PayloadProvider

	missed      atomic.Int32
	unreachable atomic.Bool
	sent        atomic.Uint64
	lastOK      atomic.Int64
}

// NewHeartbeater creates a heartbeat loop. Zero config fields take defaults.
func NewHeartbeater(sender HeartbeatSender, config HeartbeatConfig, payload PayloadProvider) *Heartbeater {
	def := DefaultHeartbeatConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxMissed <= 0 {
		config.MaxMissed = def.MaxMissed
	}
	if payload == nil {
		payload = func() *models.Heartbeat { return &models.Heartbeat{} }
	}
	return &Heartbeater{config: config, sender: sender, payload: payload}
}

// Run sends a heartbeat immediately, so a fresh node registers without
// waiting an interval, then one per interval until ctx is done.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.logf("started, interval=%v max_missed=%d", h.config.Interval, h.config.MaxMissed)
	for {
		h.beat(ctx)
		select {
		case <-ctx.Done():
			h.logf("stopped after %d heartbeats", h.sent.Load())
			return
		case <-ticker.C:
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	err := h.sender.Heartbeat(callCtx, h.payload())
	if err == nil {
		if h.unreachable.Swap(false) {
			log.Printf("[heartbeat] gateway reachable again after %d misses", h.missed.Load())
		}
		h.missed.Store(0)
		h.sent.Add(1)
		h.lastOK.Store(time.Now().UnixNano())
		return
	}
	if ctx.Err() != nil {
		return
	}

	missed := h.missed.Add(1)
	h.logf("heartbeat failed (%d/%d): %v", missed, h.config.MaxMissed, err)
	if int(missed) < h.config.MaxMissed || h.unreachable.Swap(true) {
		return
	}
	log.Printf("[heartbeat] %d consecutive heartbeats failed, gateway unreachable", missed)
	if h.config.OnUnreachable != nil {
		h.config.OnUnreachable()
	}
}

// Missed returns the current run of failed heartbeats.
func (h *Heartbeater) Missed() int {
	return int(h.missed.Load())
}

// Unreachable reports whether the gateway is considered unreachable.
func (h *Heartbeater) Unreachable() bool {
	return h.unreachable.Load()
}

// Sent returns the number of successful heartbeats.
func (h *Heartbeater) Sent() uint64 {
	return h.sent.Load()
}

// LastSuccess returns when the latest heartbeat was accepted, or zero.
func (h *Heartbeater) LastSuccess() time.Time {
	n := h.lastOK.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (h *Heartbeater) logf(format string, args ...interface{}) {
	if h.config.Verbose {
		log.Printf("[heartbeat] "+format, args...)
	}
}
