package storage

import (
	"context"
	"log"
	"time"
)

// PruneResult counts the rows one prune removed.
type PruneResult struct {
	Samples      int64
	HealthChecks int64
}

// Pruner deletes time-series rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (PruneResult, error)
}

// RunRetention prunes rows older than keep once at start and then every
// interval until ctx is done. Failures are logged and retried next round.
func RunRetention(ctx context.Context, p Pruner, keep, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := p.Prune(ctx, time.Now().Add(-keep))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Printf("[storage] retention: %v", err)
		case res.Samples > 0 || res.HealthChecks > 0:
			log.Printf("[storage] retention: removed %d samples and %d health checks older than %s",
				res.Samples, res.HealthChecks, keep)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
