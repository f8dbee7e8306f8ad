package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Pinger is a store that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker pings one storage backend.
type StoreChecker struct {
	name   string
	pinger Pinger
}

// NewStoreChecker creates a checker named after the backend (e.g. "sqlite").
func NewStoreChecker(name string, p Pinger) *StoreChecker {
	return &StoreChecker{name: name, pinger: p}
}

// Name returns the backend name.
func (c *StoreChecker) Name() string {
	return c.name
}

// Check pings the backend.
func (c *StoreChecker) Check(ctx context.Context) error {
	if c.pinger == nil {
		return errors.New("not configured")
	}
	return c.pinger.Ping(ctx)
}

// LoopChecker fails when a background loop (evaluator ticks, scan cycles)
// has not completed a run within MaxAge. A loop that has never completed is
// given MaxAge from the checker's creation to do so.
type LoopChecker struct {
	name    string
	last    func() time.Time
	maxAge  time.Duration
	created time.Time
	now     func() time.Time
}

// NewLoopChecker creates a freshness check over last, which returns the
// completion time of the loop's latest run.
func NewLoopChecker(name string, last func() time.Time, maxAge time.Duration) *LoopChecker {
	return &LoopChecker{name: name, last: last, maxAge: maxAge, created: time.Now(), now: time.Now}
}

// Name returns the loop name.
func (c *LoopChecker) Name() string {
	return c.name
}

// Check reports a stalled loop.
func (c *LoopChecker) Check(context.Context) error {
	now := c.now()
	last := c.last()
	if last.IsZero() {
		if now.Sub(c.created) > c.maxAge {
			return fmt.Errorf("no completed run since start %s ago", now.Sub(c.created).Round(time.Second))
		}
		return nil
	}
	if age := now.Sub(last); age > c.maxAge {
		return fmt.Errorf("last run %s ago", age.Round(time.Second))
	}
	return nil
}
