// Package agent implements the node-side collector and transport.
package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/agent/buffer"
	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/pkg/config"
)

// DefaultMaxBatch is half the gateway's default max_batch_size.
const DefaultMaxBatch = 500

// Config contains agent configuration.
type Config struct {
	ID        string
	Role      models.NodeRole
	Hostname  string
	IPAddress string
	Metadata  map[string]string
	Verbose   bool

	Interval          time.Duration // Collection interval (default: 15s)
	FlushInterval     time.Duration // Transport interval (default: 15s)
	HeartbeatInterval time.Duration // Heartbeat interval (default: 30s)
	SendTimeout       time.Duration // Timeout for one send (default: 10s)
	ShutdownTimeout   time.Duration // Grace for the final flush (default: 5s)
	BufferCapacity    int           // Offline buffer size (default: 100)
	MaxBatch          int           // Samples per request (default: 500)
	BackoffInitial    time.Duration // First retry delay (default: 1s)
	BackoffMax        time.Duration // Retry delay cap (default: 5m)
}

// SampleSource produces one sample per call.
type SampleSource interface {
	Collect(ctx context.Context) models.MetricSample
}

// Transport delivers batches and heartbeats to the server.
type Transport interface {
	Send(ctx context.Context, samples []models.MetricSample) (*models.IngestResult, error)
	Heartbeat(ctx context.Context, hb *models.Heartbeat) error
}

// Agent runs one collection loop and one transport loop sharing an offline buffer.
type Agent struct {
	config      *Config
	source      SampleSource
	transport   Transport
	buffer      buffer.Buffer
	backoff     *Backoff
	heartbeater *Heartbeater

	// batchLimit starts at MaxBatch and halves on every 413. Only the
	// transport loop touches it.
	batchLimit int

	collected  uint64
	sent       uint64
	rejected   uint64
	discarded  uint64
	sendErrors uint64

	mu     sync.Mutex
	closed bool
}

// New creates a new agent with the given configuration.
func New(cfg *Config, source SampleSource, transport Transport) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if !cfg.Role.IsValid() {
		return nil, fmt.Errorf("invalid node role %q", cfg.Role)
	}
	if source == nil || transport == nil {
		return nil, fmt.Errorf("sample source and transport are required")
	}

	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = buffer.DefaultCapacity
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}

	return &Agent{
		config:     cfg,
		source:     source,
		transport:  transport,
		buffer:     buffer.NewRing(cfg.BufferCapacity),
		backoff:    NewBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		batchLimit: cfg.MaxBatch,
	}, nil
}

// Run starts the loops and blocks until ctx is canceled and the final flush finished.
func (a *Agent) Run(ctx context.Context) error {
	a.heartbeater = NewHeartbeater(a.transport, HeartbeatConfig{
		Interval:      a.config.HeartbeatInterval,
		Timeout:       a.config.SendTimeout,
		Verbose:       a.config.Verbose,
		OnUnreachable: a.dropConnections,
	}, a.buildHeartbeat)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.collectLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.transportLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.heartbeater.Run(ctx)
	}()

	a.logf("started node=%s role=%s interval=%v", a.config.ID, a.config.Role, a.config.Interval)
	wg.Wait()

	return a.Stop()
}

// collectLoop pushes one sample per interval into the buffer.
func (a *Agent) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	a.collectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.collectOnce(ctx)
		}
	}
}

func (a *Agent) collectOnce(ctx context.Context) {
	sample := a.source.Collect(ctx)
	a.buffer.Push(sample)
	atomic.AddUint64(&a.collected, 1)
}

// transportLoop is the only sender, so at most one send is outstanding.
// After a failure it waits the next backoff delay instead of the flush interval.
func (a *Agent) transportLoop(ctx context.Context) {
	timer := time.NewTimer(a.config.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.finalFlush()
			return
		case <-timer.C:
		}

		delay := a.config.FlushInterval
		if err := a.flush(ctx); err != nil {
			delay = a.backoff.Failure(retryAfter(err))
			a.logf("send failed, retry in %v: %v", delay, err)
		} else {
			a.backoff.Success()
		}
		timer.Reset(delay)
	}
}

// flush drains the buffer and sends it in order, at most batchLimit samples
// per request. On a retryable failure everything not yet sent goes back into
// the buffer. A batch the server refused for its content is discarded; one
// refused for its size is split and retried in the same flush.
func (a *Agent) flush(ctx context.Context) error {
	pending := a.buffer.Drain()
	for len(pending) > 0 {
		n := min(len(pending), a.batchLimit)
		batch := pending[:n]

		err := a.send(ctx, batch)
		switch {
		case err == nil:
		case tooLarge(err) && n > 1:
			a.batchLimit = n / 2
			log.Printf("[agent] server refused %d samples as too large, sending at most %d per request", n, a.batchLimit)
			continue
		case IsPermanent(err) || tooLarge(err):
			atomic.AddUint64(&a.discarded, uint64(n))
			log.Printf("[agent] server refused batch of %d samples, discarding: %v", n, err)
		default:
			a.buffer.Requeue(pending)
			return err
		}
		pending = pending[n:]
	}
	return nil
}

func (a *Agent) send(ctx context.Context, batch []models.MetricSample) error {
	sendCtx, cancel := context.WithTimeout(ctx, a.config.SendTimeout)
	defer cancel()

	result, err := a.transport.Send(sendCtx, batch)
	if err != nil {
		atomic.AddUint64(&a.sendErrors, 1)
		return err
	}

	atomic.AddUint64(&a.sent, uint64(result.Accepted))
	if len(result.Rejected) > 0 {
		atomic.AddUint64(&a.rejected, uint64(len(result.Rejected)))
		for _, r := range result.Rejected {
			log.Printf("[agent] sample %d rejected: %s", r.Index, r.Reason)
		}
	}
	a.logf("sent batch of %d samples (accepted=%d)", len(batch), result.Accepted)
	return nil
}

// finalFlush gives buffered samples one bounded chance on shutdown.
func (a *Agent) finalFlush() {
	if a.buffer.IsEmpty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	if err := a.flush(ctx); err != nil {
		log.Printf("[agent] final flush failed, %d samples lost: %v", a.buffer.Len(), err)
	}
}

// dropConnections closes pooled connections once heartbeats keep failing,
// so the next send dials the gateway afresh.
func (a *Agent) dropConnections() {
	if c, ok := a.transport.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func (a *Agent) buildHeartbeat() *models.Heartbeat {
	meta := map[string]string{
		"os":              runtime.GOOS,
		"arch":            runtime.GOARCH,
		"buffered":        fmt.Sprint(a.buffer.Len()),
		"samples_sent":    fmt.Sprint(atomic.LoadUint64(&a.sent)),
		"interval":        a.config.Interval.String(),
		"samples_dropped": fmt.Sprint(a.dropped()),
		"send_failures":   fmt.Sprint(a.backoff.Failures()),
	}
	for k, v := range a.config.Metadata {
		meta[k] = v
	}
	return &models.Heartbeat{
		NodeID:    a.config.ID,
		Hostname:  a.config.Hostname,
		IPAddress: a.config.IPAddress,
		Role:      a.config.Role,
		Version:   config.Version,
		Metadata:  meta,
	}
}

func (a *Agent) dropped() uint64 {
	if r, ok := a.buffer.(*buffer.Ring); ok {
		return r.Dropped()
	}
	return 0
}

// Stop marks the agent closed.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.logf("stopped (collected=%d sent=%d buffered=%d)", atomic.LoadUint64(&a.collected), atomic.LoadUint64(&a.sent), a.buffer.Len())
	return nil
}

// BufferLen returns the current buffer length.
func (a *Agent) BufferLen() int {
	return a.buffer.Len()
}

// Stats holds agent counters.
type Stats struct {
	Collected  uint64
	Sent       uint64
	Rejected   uint64
	Discarded  uint64
	SendErrors uint64
	Dropped    uint64
}

// Stats returns current agent statistics.
func (a *Agent) Stats() Stats {
	return Stats{
		Collected:  atomic.LoadUint64(&a.collected),
		Sent:       atomic.LoadUint64(&a.sent),
		Rejected:   atomic.LoadUint64(&a.rejected),
		Discarded:  atomic.LoadUint64(&a.discarded),
		SendErrors: atomic.LoadUint64(&a.sendErrors),
		Dropped:    a.dropped(),
	}
}

// logf logs a message if verbose mode is enabled.
func (a *Agent) logf(format string, args ...interface{}) {
	if a.config.Verbose {
		log.Printf("[agent] "+format, args...)
	}
}
