// Package server implements the ingestion gateway that accepts agent batches.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/api/auth"
	"github.com/good-yellow-bee/mailwatch/internal/metrics"
	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/internal/storage"
)

// ErrRateLimited is returned when a principal exceeds its ingest rate.
var ErrRateLimited = errors.New("rate limit exceeded")

// Authenticator validates agent credentials.
type Authenticator interface {
	ValidateToken(token string) (*auth.Principal, error)
}

// Limiter decides whether a keyed request may proceed.
type Limiter interface {
	Allow(key string) bool
}

// SampleObserver is called with the samples of every committed batch.
type SampleObserver func(samples []models.MetricSample)

// HeartbeatObserver is called after a heartbeat was recorded.
type HeartbeatObserver func(hb models.Heartbeat, seenAt time.Time)

// GatewayConfig holds gateway settings.
type GatewayConfig struct {
	// MaxSkew bounds how far in the future a sample timestamp may lie.
	MaxSkew time.Duration
	Verbose bool
}

// Gateway validates and commits agent batches and heartbeats.
type Gateway struct {
	auth    Authenticator
	samples storage.SampleRepository
	nodes   storage.NodeRepository
	limiter Limiter
	maxSkew time.Duration
	verbose bool
	now     func() time.Time

	mu                 sync.RWMutex
	sampleObservers    []SampleObserver
	heartbeatObservers []HeartbeatObserver

	totalBatches  uint64
	totalAccepted uint64
	totalRejected uint64
}

// NewGateway creates a gateway on top of the sample and node repositories.
func NewGateway(authn Authenticator, samples storage.SampleRepository, nodes storage.NodeRepository, cfg GatewayConfig) *Gateway {
	skew := cfg.MaxSkew
	if skew == 0 {
		skew = DefaultMaxSkew
	}
	return &Gateway{
		auth:    authn,
		samples: samples,
		nodes:   nodes,
		maxSkew: skew,
		verbose: cfg.Verbose,
		now:     time.Now,
	}
}

// SetLimiter enables per-principal rate limiting. Nil disables it.
func (g *Gateway) SetLimiter(l Limiter) {
	g.limiter = l
}

// OnAccepted registers an observer for committed samples.
func (g *Gateway) OnAccepted(fn SampleObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sampleObservers = append(g.sampleObservers, fn)
}

// OnHeartbeat registers an observer for recorded heartbeats.
func (g *Gateway) OnHeartbeat(fn HeartbeatObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heartbeatObservers = append(g.heartbeatObservers, fn)
}

// Ingest authenticates the credential, validates every sample and commits the
// valid ones in one transaction. Rejected samples are reported by index; they
// never fail the rest of the batch. Nothing is written if the credential is bad.
//
// malformed lists positions the caller could not decode; the samples at those
// indices are placeholders and are reported with the given reason.
func (g *Gateway) Ingest(ctx context.Context, credential string, samples []models.MetricSample, malformed ...models.Rejection) (*models.IngestResult, error) {
	principal, err := g.authenticate(credential)
	if err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("unauthorized").Inc()
		return nil, err
	}
	if err := g.allow(principal); err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("rate_limited").Inc()
		return nil, err
	}
	if len(samples) == 0 {
		metrics.IngestBatchesTotal.WithLabelValues("invalid").Inc()
		return nil, ErrEmptyBatch
	}

	now := g.now()
	result := &models.IngestResult{Rejected: []models.Rejection{}}
	valid := make([]models.MetricSample, 0, len(samples))
	notPermitted := 0

	undecoded := make(map[int]string, len(malformed))
	for _, m := range malformed {
		undecoded[m.Index] = m.Reason
	}

	for i := range samples {
		if reason, ok := undecoded[i]; ok {
			result.Rejected = append(result.Rejected, models.Rejection{Index: i, Reason: reason})
			continue
		}
		s := &samples[i]
		err := ValidateSample(i, s, now, g.maxSkew)
		if err == nil && !principal.Permits(s.NodeID) {
			err = &ValidationError{Index: i, Field: "nodeId", Reason: "credential not permitted for node " + quote(s.NodeID), Err: ErrNodeNotPermitted}
			notPermitted++
		}
		if err != nil {
			result.Rejected = append(result.Rejected, models.Rejection{Index: i, Reason: rejectionReason(err)})
			continue
		}
		valid = append(valid, *s)
	}

	metrics.IngestSamplesRejected.Add(float64(len(result.Rejected)))
	atomic.AddUint64(&g.totalRejected, uint64(len(result.Rejected)))

	if len(valid) == 0 {
		if notPermitted == len(samples) {
			metrics.IngestBatchesTotal.WithLabelValues("forbidden").Inc()
			return result, &AuthError{Reason: "credential not permitted for the submitted nodes", Forbidden: true, Err: ErrNodeNotPermitted}
		}
		metrics.IngestBatchesTotal.WithLabelValues("rejected").Inc()
		if g.verbose {
			log.Printf("[gateway] batch rejected: %d samples invalid", len(samples))
		}
		return result, nil
	}

	start := time.Now()
	if err := g.samples.InsertBatch(ctx, valid); err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("store_error").Inc()
		log.Printf("[gateway] commit failed for %d samples: %v", len(valid), err)
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	metrics.IngestCommitDuration.Observe(time.Since(start).Seconds())

	result.Accepted = len(valid)
	metrics.IngestSamplesAccepted.Add(float64(result.Accepted))
	atomic.AddUint64(&g.totalBatches, 1)
	atomic.AddUint64(&g.totalAccepted, uint64(result.Accepted))

	outcome := "accepted"
	if len(result.Rejected) > 0 {
		outcome = "partial"
	}
	metrics.IngestBatchesTotal.WithLabelValues(outcome).Inc()

	if g.verbose {
		log.Printf("[gateway] batch committed: accepted=%d rejected=%d", result.Accepted, len(result.Rejected))
	}

	g.mu.RLock()
	observers := g.sampleObservers
	g.mu.RUnlock()
	for _, fn := range observers {
		fn(valid)
	}

	return result, nil
}

// Heartbeat records that a node is alive. Repeated identical heartbeats only
// refresh last_seen.
func (g *Gateway) Heartbeat(ctx context.Context, credential string, hb *models.Heartbeat) error {
	principal, err := g.authenticate(credential)
	if err != nil {
		return err
	}
	if strings.TrimSpace(hb.NodeID) == "" {
		return &ValidationError{Field: "nodeId", Reason: "required"}
	}
	if !hb.Role.IsValid() {
		return &ValidationError{Field: "role", Reason: "unknown role " + quote(string(hb.Role))}
	}
	if !principal.Permits(hb.NodeID) {
		return &AuthError{Reason: "credential not permitted for node " + quote(hb.NodeID), Forbidden: true, Err: ErrNodeNotPermitted}
	}

	seenAt := g.now()
	if err := g.nodes.Upsert(ctx, hb, seenAt); err != nil {
		log.Printf("[gateway] heartbeat upsert failed for %s: %v", hb.NodeID, err)
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	metrics.HeartbeatsTotal.Inc()

	if g.verbose {
		log.Printf("[gateway] heartbeat from %s (%s)", hb.NodeID, hb.Role)
	}

	g.mu.RLock()
	observers := g.heartbeatObservers
	g.mu.RUnlock()
	for _, fn := range observers {
		fn(*hb, seenAt)
	}
	return nil
}

// Stats returns committed batch, accepted and rejected sample counts.
func (g *Gateway) Stats() (batches, accepted, rejected uint64) {
	return atomic.LoadUint64(&g.totalBatches),
		atomic.LoadUint64(&g.totalAccepted),
		atomic.LoadUint64(&g.totalRejected)
}

func (g *Gateway) authenticate(credential string) (*auth.Principal, error) {
	p, err := g.auth.ValidateToken(credential)
	if err != nil {
		metrics.IngestAuthFailures.Inc()
		reason := "invalid credential"
		if errors.Is(err, auth.ErrMissingToken) {
			reason = "missing credential"
		}
		return nil, &AuthError{Reason: reason, Err: err}
	}
	return p, nil
}

func (g *Gateway) allow(p *auth.Principal) error {
	if g.limiter == nil {
		return nil
	}
	key := p.NodeID
	if p.Fleet() {
		key = "fleet:" + p.TokenID
	}
	if !g.limiter.Allow(key) {
		return ErrRateLimited
	}
	return nil
}

func rejectionReason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		if ve.Field == "" {
			return ve.Reason
		}
		return ve.Field + ": " + ve.Reason
	}
	return err.Error()
}
