// Package scanner runs periodic reputation checks of sending resources
// against DNS blocklist providers.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/good-yellow-bee/mailwatch/internal/metrics"
	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// ErrCycleInProgress is returned when RunCycle is called while a cycle runs.
var ErrCycleInProgress = errors.New("scan cycle already in progress")

// ErrProbeTimeout marks a probe abandoned at its deadline.
var ErrProbeTimeout = errors.New("probe timeout")

// ProbeError describes a probe that produced no usable answer.
type ProbeError struct {
	Provider string
	Resource string
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Provider, e.Resource, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Provider is a reputation list to check resources against.
type Provider struct {
	Name          string      `yaml:"name"`
	Zone          string      `yaml:"zone"`
	Tier          models.Tier `yaml:"tier"`
	Enabled       bool        `yaml:"enabled"`
	RatePerSecond float64     `yaml:"rate_per_second"` // 0 means unpaced
}

// DefaultProviders returns the built-in provider list.
func DefaultProviders() []Provider {
	return []Provider{
		{Name: "spamhaus", Zone: "zen.spamhaus.org", Tier: models.TierCritical, Enabled: true, RatePerSecond: 10},
		{Name: "barracuda", Zone: "b.barracudacentral.org", Tier: models.TierHigh, Enabled: true, RatePerSecond: 5},
		{Name: "spamcop", Zone: "bl.spamcop.net", Tier: models.TierHigh, Enabled: true, RatePerSecond: 5},
		{Name: "psbl", Zone: "psbl.surriel.com", Tier: models.TierMedium, Enabled: true, RatePerSecond: 5},
		{Name: "mailspike", Zone: "bl.mailspike.net", Tier: models.TierMedium, Enabled: true, RatePerSecond: 5},
	}
}

// Prober checks one resource against one provider. It must not panic; all
// failures are reported through the result's outcome.
type Prober interface {
	Check(ctx context.Context, res models.Resource, prov Provider) models.HealthCheckResult
}

// ResourceSource lists the resources to check in a cycle.
type ResourceSource interface {
	Resources(ctx context.Context) ([]models.Resource, error)
}

// StaticResources is a fixed resource list.
type StaticResources []models.Resource

// Resources returns a copy of the list.
func (s StaticResources) Resources(context.Context) ([]models.Resource, error) {
	out := make([]models.Resource, len(s))
	copy(out, s)
	return out, nil
}

// NodeLister lists registered nodes.
type NodeLister interface {
	List(ctx context.Context) ([]*models.NodeRegistration, error)
}

// NodeResources checks the sending address of every registered node plus a
// fixed list of extra resources. Duplicate addresses are checked once.
type NodeResources struct {
	Nodes NodeLister
	Extra []models.Resource
}

// Resources lists node addresses first, then the extra resources.
func (s NodeResources) Resources(ctx context.Context) ([]models.Resource, error) {
	var out []models.Resource
	seen := make(map[string]bool)
	if s.Nodes != nil {
		nodes, err := s.Nodes.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list nodes: %w", err)
		}
		for _, n := range nodes {
			if n.IPAddress == "" || seen[n.IPAddress] {
				continue
			}
			seen[n.IPAddress] = true
			out = append(out, models.Resource{Address: n.IPAddress, NodeID: n.ID})
		}
	}
	for _, r := range s.Extra {
		if seen[r.Address] {
			continue
		}
		seen[r.Address] = true
		out = append(out, r)
	}
	return out, nil
}

// ResultStore persists probe results.
type ResultStore interface {
	InsertBatch(ctx context.Context, results []models.HealthCheckResult) error
}

// ResultObserver receives the results of each completed cycle.
type ResultObserver func(results []models.HealthCheckResult)

// Config contains scanner configuration.
type Config struct {
	Concurrency  int
	ProbeTimeout time.Duration
	Interval     time.Duration
	Verbose      bool
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
}

// CycleReport summarizes one scan cycle.
type CycleReport struct {
	StartedAt     time.Time
	Duration      time.Duration
	Results       []models.HealthCheckResult
	Listed        int
	Indeterminate int
	Canceled      bool
}

type job struct {
	resource models.Resource
	provider Provider
}

// Scanner runs scan cycles over a bounded worker pool.
type Scanner struct {
	config    Config
	source    ResourceSource
	providers []Provider
	prober    Prober
	store     ResultStore
	limiters  map[string]*rate.Limiter
	running   atomic.Bool
	lastCycle atomic.Int64
	now       func() time.Time

	mu        sync.RWMutex
	observers []ResultObserver
}

// New creates a scanner. store may be nil.
func New(cfg Config, source ResourceSource, providers []Provider, prober Prober, store ResultStore) *Scanner {
	cfg.setDefaults()
	limiters := make(map[string]*rate.Limiter)
	for _, p := range providers {
		if p.RatePerSecond > 0 {
			burst := int(p.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
			limiters[p.Name] = rate.NewLimiter(rate.Limit(p.RatePerSecond), burst)
		}
	}
	return &Scanner{
		config:    cfg,
		source:    source,
		providers: providers,
		prober:    prober,
		store:     store,
		limiters:  limiters,
		now:       time.Now,
	}
}

// OnResults registers an observer called after each cycle.
func (s *Scanner) OnResults(fn ResultObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Run executes a cycle immediately and then on every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	log.Printf("[scanner] starting: %d providers, interval %s, concurrency %d",
		len(s.enabledProviders()), s.config.Interval, s.config.Concurrency)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[scanner] cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle checks every resource against every enabled provider, dispatching
// higher tiers first. Cycles never overlap.
func (s *Scanner) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer s.running.Store(false)

	report := &CycleReport{StartedAt: s.now()}

	resources, err := s.source.Resources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}

	jobs := s.buildJobs(resources)
	results := make([]models.HealthCheckResult, len(jobs))
	sem := semaphore.NewWeighted(int64(s.config.Concurrency))
	var wg sync.WaitGroup

	dispatched := 0
	for i, j := range jobs {
		if ctx.Err() != nil {
			report.Canceled = true
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			report.Canceled = true
			break
		}
		dispatched++
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = s.runProbe(ctx, j)
		}(i, j)
	}
	wg.Wait()

	report.Results = results[:dispatched]
	report.Duration = s.now().Sub(report.StartedAt)
	listed := make(map[string]bool)
	for _, r := range report.Results {
		switch r.Outcome {
		case models.OutcomeListed:
			report.Listed++
			listed[r.Resource] = true
		case models.OutcomeIndeterminate:
			report.Indeterminate++
		}
	}

	metrics.ScanCycleDuration.Observe(report.Duration.Seconds())
	metrics.ListedResources.Set(float64(len(listed)))

	s.persist(ctx, report.Results)

	s.mu.RLock()
	observers := append([]ResultObserver(nil), s.observers...)
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(report.Results)
	}

	if s.config.Verbose || report.Listed > 0 {
		log.Printf("[scanner] cycle done: %d probes, %d listed, %d indeterminate in %s",
			len(report.Results), report.Listed, report.Indeterminate, report.Duration.Round(time.Millisecond))
	}
	if report.Canceled {
		return report, ctx.Err()
	}
	s.lastCycle.Store(time.Now().UnixNano())
	return report, nil
}

// LastCycle returns when the last complete cycle finished, or the zero time.
func (s *Scanner) LastCycle() time.Time {
	if n := s.lastCycle.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

func (s *Scanner) enabledProviders() []Provider {
	var out []Provider
	for _, p := range s.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

func (s *Scanner) buildJobs(resources []models.Resource) []job {
	providers := s.enabledProviders()
	jobs := make([]job, 0, len(resources)*len(providers))
	for _, r := range resources {
		for _, p := range providers {
			jobs = append(jobs, job{resource: r, provider: p})
		}
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].provider.Tier.Rank() < jobs[b].provider.Tier.Rank()
	})
	return jobs
}

// runProbe runs one probe under the per-probe timeout. A probe that does not
// return by its deadline is abandoned and its late result discarded.
func (s *Scanner) runProbe(ctx context.Context, j job) models.HealthCheckResult {
	start := s.now()
	if lim, ok := s.limiters[j.provider.Name]; ok {
		if err := lim.Wait(ctx); err != nil {
			return s.indeterminate(j, start, err)
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()

	done := make(chan models.HealthCheckResult, 1)
	go func() {
		done <- s.prober.Check(probeCtx, j.resource, j.provider)
	}()

	var result models.HealthCheckResult
	select {
	case result = <-done:
	case <-probeCtx.Done():
		err := ErrProbeTimeout
		if errors.Is(probeCtx.Err(), context.Canceled) {
			err = context.Canceled
		}
		result = s.indeterminate(j, start, err)
	}

	if result.CheckedAt.IsZero() {
		result.CheckedAt = s.now()
	}
	metrics.ProbesTotal.WithLabelValues(j.provider.Name, string(result.Outcome)).Inc()
	metrics.ProbeDuration.WithLabelValues(j.provider.Name).Observe(result.Latency.Seconds())
	return result
}

func (s *Scanner) indeterminate(j job, start time.Time, err error) models.HealthCheckResult {
	now := s.now()
	return models.HealthCheckResult{
		Resource:  j.resource.Address,
		NodeID:    j.resource.NodeID,
		Provider:  j.provider.Name,
		Tier:      j.provider.Tier,
		Outcome:   models.OutcomeIndeterminate,
		Latency:   now.Sub(start),
		Error:     (&ProbeError{Provider: j.provider.Name, Resource: j.resource.Address, Err: err}).Error(),
		CheckedAt: now,
	}
}

func (s *Scanner) persist(ctx context.Context, results []models.HealthCheckResult) {
	if s.store == nil || len(results) == 0 {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.InsertBatch(storeCtx, results); err != nil {
		log.Printf("[scanner] failed to store %d results: %v", len(results), err)
	}
}
