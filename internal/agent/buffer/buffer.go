// Package buffer holds samples that could not be transmitted yet.
package buffer

import (
	"sync"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// DefaultCapacity is about 25 minutes of samples at a 15s cadence.
const DefaultCapacity = 100

// Buffer is the contract between the collection loop and the transport loop.
type Buffer interface {
	// Push appends a sample, evicting the oldest one when full.
	Push(sample models.MetricSample)
	// Drain removes and returns all buffered samples, oldest first.
	Drain() []models.MetricSample
	// Requeue puts a failed batch back ahead of anything pushed since it was drained.
	Requeue(samples []models.MetricSample)
	// Len returns the number of buffered samples.
	Len() int
	// IsEmpty reports whether Len is zero.
	IsEmpty() bool
}

// Ring is a fixed-capacity in-memory ring buffer with drop-oldest overflow.
// Contents are lost on process exit.
type Ring struct {
	mu      sync.Mutex
	items   []models.MetricSample
	head    int // index of the oldest sample
	count   int
	dropped uint64
}

// NewRing creates a ring holding at most capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{items: make([]models.MetricSample, capacity)}
}

// Push appends sample. When the ring is full the oldest sample is evicted first.
func (r *Ring) Push(sample models.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.items) {
		r.items[r.head] = models.MetricSample{}
		r.head = (r.head + 1) % len(r.items)
		r.count--
		r.dropped++
	}
	tail := (r.head + r.count) % len(r.items)
	r.items[tail] = sample
	r.count++
}

// Drain removes and returns all buffered samples in FIFO order.
func (r *Ring) Drain() []models.MetricSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	out := make([]models.MetricSample, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.items)
		out[i] = r.items[idx]
		r.items[idx] = models.MetricSample{}
	}
	r.head = 0
	r.count = 0
	return out
}

// Requeue returns samples to the front of the ring, keeping their order.
// Requeued samples are older than anything already buffered, so on overflow
// they are the ones dropped.
func (r *Ring) Requeue(samples []models.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(samples) - 1; i >= 0; i-- {
		if r.count == len(r.items) {
			r.dropped += uint64(i + 1)
			return
		}
		r.head = (r.head - 1 + len(r.items)) % len(r.items)
		r.items[r.head] = samples[i]
		r.count++
	}
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// IsEmpty reports whether the ring holds no samples.
func (r *Ring) IsEmpty() bool {
	return r.Len() == 0
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.items)
}

// Dropped returns how many samples were evicted on overflow.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
