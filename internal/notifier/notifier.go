// Package notifier fans alert events out to notification channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/mailwatch/internal/metrics"
	"github.com/good-yellow-bee/mailwatch/internal/models"
)

var (
	// ErrRateLimited is returned when a channel is over its delivery rate.
	ErrRateLimited = errors.New("notification rate limited")
	// ErrUnknownChannel is returned for a channel name with no configuration.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNoAdapter is returned for a channel whose type has no registered adapter.
	ErrNoAdapter = errors.New("no adapter for channel type")
	// ErrDeliveryTimeout is returned when an adapter does not finish in time.
	ErrDeliveryTimeout = errors.New("delivery timed out")
)

// DispatchError is a failed delivery to one channel.
type DispatchError struct {
	Channel string
	Type    string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("channel %s (%s): %v", e.Channel, e.Type, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Adapter delivers messages over one channel type.
type Adapter interface {
	// Type returns the channel type the adapter serves (e.g. "slack").
	Type() string
	// Deliver sends msg using the channel's config.
	Deliver(ctx context.Context, msg Message, config map[string]string) error
}

// ChannelSource lists configured notification channels.
type ChannelSource interface {
	List(ctx context.Context) ([]*models.NotificationChannel, error)
}

// StaticChannels is a ChannelSource over a fixed list.
type StaticChannels []*models.NotificationChannel

// List returns the channels.
func (s StaticChannels) List(context.Context) ([]*models.NotificationChannel, error) {
	return s, nil
}

// ChannelOutcome is the result of one delivery attempt.
type ChannelOutcome struct {
	Channel  string
	Type     string
	Duration time.Duration
	// Err is nil on success, otherwise a *DispatchError.
	Err error
}

// DispatchResult summarizes one dispatch.
type DispatchResult struct {
	Outcomes []ChannelOutcome
	// Notified is true when at least one channel succeeded.
	Notified bool
	// NoChannels is set when no enabled channel was configured for the event.
	NoChannels bool
}

// Failed returns the outcomes that did not succeed.
func (r *DispatchResult) Failed() []ChannelOutcome {
	var failed []ChannelOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Config configures a Dispatcher.
type Config struct {
	// ChannelTimeout bounds each delivery attempt.
	ChannelTimeout time.Duration
	Verbose        bool
}

func (c *Config) setDefaults() {
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = 10 * time.Second
	}
}

// Dispatcher delivers alert events to channels through registered adapters.
type Dispatcher struct {
	mu       sync.RWMutex
	config   Config
	channels ChannelSource
	adapters map[string]Adapter
	limiters *channelLimiters
}

// NewDispatcher creates a dispatcher reading channel configuration from channels.
func NewDispatcher(cfg Config, channels ChannelSource) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		config:   cfg,
		channels: channels,
		adapters: make(map[string]Adapter),
		limiters: newChannelLimiters(),
	}
}

// Register adds an adapter, replacing any adapter of the same type.
func (d *Dispatcher) Register(a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.Type()] = a
}

// RegisterBuiltins registers the email, Slack, Teams and webhook adapters.
func (d *Dispatcher) RegisterBuiltins() error {
	email, err := NewEmailAdapter()
	if err != nil {
		return fmt.Errorf("create email adapter: %w", err)
	}
	d.Register(email)
	d.Register(NewSlackAdapter())
	d.Register(NewTeamsAdapter())
	d.Register(NewWebhookAdapter())
	return nil
}

// Adapter returns the adapter registered for a channel type.
func (d *Dispatcher) Adapter(channelType string) (Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[channelType]
	return a, ok
}

// RateLimitStats returns per-channel rate limiter drops.
func (d *Dispatcher) RateLimitStats() map[string]int64 {
	return d.limiters.dropped()
}

// Dispatch delivers event to every enabled channel named in channelNames.
// Deliveries run concurrently and each is bounded by the channel timeout;
// Dispatch returns once all of them have settled. A failing channel never
// affects the others.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.AlertEvent, channelNames []string) *DispatchResult {
	result := &DispatchResult{}

	targets, outcomes := d.resolve(ctx, channelNames)
	if len(targets) == 0 && len(outcomes) == 0 {
		result.NoChannels = true
		if d.config.Verbose {
			log.Printf("[notifier] event %s has no enabled channels", event.ID)
		}
		return result
	}

	msg := NewMessage(event)
	attempts := make([]ChannelOutcome, len(targets))

	var g errgroup.Group
	for i, ch := range targets {
		g.Go(func() error {
			attempts[i] = d.deliver(ctx, ch, msg)
			return nil
		})
	}
	_ = g.Wait()

	result.Outcomes = append(outcomes, attempts...)
	for _, o := range result.Outcomes {
		if o.Err == nil {
			result.Notified = true
			continue
		}
		log.Printf("[notifier] event %s: %v", event.ID, o.Err)
	}
	return result
}

// resolve maps channel names to enabled channel configurations. Names that
// cannot be delivered to are returned as failed outcomes.
func (d *Dispatcher) resolve(ctx context.Context, names []string) ([]*models.NotificationChannel, []ChannelOutcome) {
	if len(names) == 0 {
		return nil, nil
	}

	var outcomes []ChannelOutcome
	configured, err := d.channels.List(ctx)
	if err != nil {
		for _, name := range names {
			outcomes = append(outcomes, failure(name, "", fmt.Errorf("list channels: %w", err)))
		}
		return nil, outcomes
	}

	byName := make(map[string]*models.NotificationChannel, len(configured)*2)
	for _, ch := range configured {
		byName[ch.Name] = ch
		if ch.ID != "" {
			byName[ch.ID] = ch
		}
	}

	seen := make(map[string]bool, len(names))
	var targets []*models.NotificationChannel
	for _, name := range names {
		ch, ok := byName[name]
		if !ok {
			outcomes = append(outcomes, failure(name, "", ErrUnknownChannel))
			continue
		}
		if !ch.Enabled || seen[ch.Name] {
			continue
		}
		seen[ch.Name] = true
		targets = append(targets, ch)
	}
	return targets, outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, ch *models.NotificationChannel, msg Message) ChannelOutcome {
	adapter, ok := d.Adapter(ch.Type)
	if !ok {
		return failure(ch.Name, ch.Type, ErrNoAdapter)
	}
	if !d.limiters.allow(ch) {
		metrics.NotificationsTotal.WithLabelValues(ch.Type, "rate_limited").Inc()
		return failure(ch.Name, ch.Type, ErrRateLimited)
	}

	start := time.Now()
	err := deliverWithTimeout(ctx, adapter, msg, ch.Config, d.config.ChannelTimeout)
	elapsed := time.Since(start)

	metrics.NotificationDuration.WithLabelValues(ch.Type).Observe(elapsed.Seconds())
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(ch.Type, failureOutcome(err)).Inc()
		out := failure(ch.Name, ch.Type, err)
		out.Duration = elapsed
		return out
	}
	metrics.NotificationsTotal.WithLabelValues(ch.Type, "success").Inc()
	if d.config.Verbose {
		log.Printf("[notifier] delivered %s to %s in %s", msg.EventID, ch.Name, elapsed)
	}
	return ChannelOutcome{Channel: ch.Name, Type: ch.Type, Duration: elapsed}
}

// deliverWithTimeout runs the adapter under a deadline. An adapter that
// ignores its context is left running and its late result discarded.
func deliverWithTimeout(ctx context.Context, a Adapter, msg Message, config map[string]string, timeout time.Duration) error {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.Deliver(dctx, msg, config)
	}()

	select {
	case err := <-done:
		return err
	case <-dctx.Done():
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return ErrDeliveryTimeout
		}
		return dctx.Err()
	}
}

// failureOutcome separates endpoint outages, which usually clear on their
// own, from failures that need a config fix.
func failureOutcome(err error) string {
	var httpErr *HTTPError
	if errors.Is(err, ErrDeliveryTimeout) || (errors.As(err, &httpErr) && httpErr.Temporary()) {
		return "unavailable"
	}
	return "failed"
}

func failure(channel, typ string, err error) ChannelOutcome {
	return ChannelOutcome{
		Channel: channel,
		Type:    typ,
		Err:     &DispatchError{Channel: channel, Type: typ, Err: err},
	}
}
