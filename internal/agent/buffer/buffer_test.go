package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func createTestSample(i int) models.MetricSample {
	s := models.NewMetricSample("relay-1", models.RoleRelay, base.Add(time.Duration(i)*15*time.Second))
	s.SetService("seq", float64(i))
	return *s
}

func seqOf(s models.MetricSample) int {
	return int(s.Service["seq"])
}

func TestRing_PushDrain(t *testing.T) {
	r := NewRing(5)
	for i := 0; i < 3; i++ {
		r.Push(createTestSample(i))
	}

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}

	got := r.Drain()
	if len(got) != 3 {
		t.Fatalf("Drain() returned %d samples, want 3", len(got))
	}
	for i, s := range got {
		if seqOf(s) != i {
			t.Errorf("sample %d has seq %d, want %d", i, seqOf(s), i)
		}
	}
	if !r.IsEmpty() {
		t.Error("ring should be empty after drain")
	}
	if r.Drain() != nil {
		t.Error("Drain() on empty ring should return nil")
	}
}

func TestRing_BoundKeepsMostRecent(t *testing.T) {
	const capacity = 10
	tests := []int{11, 25, 100, 1003}

	for _, n := range tests {
		r := NewRing(capacity)
		for i := 0; i < n; i++ {
			r.Push(createTestSample(i))
		}

		if r.Len() != capacity {
			t.Fatalf("n=%d: Len() = %d, want %d", n, r.Len(), capacity)
		}
		if r.Dropped() != uint64(n-capacity) {
			t.Errorf("n=%d: Dropped() = %d, want %d", n, r.Dropped(), n-capacity)
		}

		got := r.Drain()
		for i, s := range got {
			want := n - capacity + i
			if seqOf(s) != want {
				t.Errorf("n=%d: position %d has seq %d, want %d", n, i, seqOf(s), want)
			}
		}
	}
}

func TestRing_RequeuePreservesOrder(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 3; i++ {
		r.Push(createTestSample(i))
	}
	batch := r.Drain()

	// Collector keeps pushing while the send is in flight.
	r.Push(createTestSample(3))
	r.Push(createTestSample(4))

	r.Requeue(batch)

	got := r.Drain()
	if len(got) != 5 {
		t.Fatalf("Drain() returned %d samples, want 5", len(got))
	}
	for i, s := range got {
		if seqOf(s) != i {
			t.Errorf("position %d has seq %d, want %d", i, seqOf(s), i)
		}
	}
}

func TestRing_RequeueOverflowDropsOldest(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 3; i++ {
		r.Push(createTestSample(i))
	}
	batch := r.Drain()

	r.Push(createTestSample(3))
	r.Push(createTestSample(4))
	r.Requeue(batch)

	got := r.Drain()
	want := []int{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Drain() returned %d samples, want %d", len(got), len(want))
	}
	for i, s := range got {
		if seqOf(s) != want[i] {
			t.Errorf("position %d has seq %d, want %d", i, seqOf(s), want[i])
		}
	}
	if r.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", r.Dropped())
	}
}

func TestRing_WrapAround(t *testing.T) {
	r := NewRing(3)
	for round := 0; round < 5; round++ {
		r.Push(createTestSample(round * 2))
		r.Push(createTestSample(round*2 + 1))
		got := r.Drain()
		if len(got) != 2 || seqOf(got[0]) != round*2 || seqOf(got[1]) != round*2+1 {
			t.Fatalf("round %d: unexpected drain %v", round, got)
		}
	}
}

func TestRing_DefaultCapacity(t *testing.T) {
	if NewRing(0).Cap() != DefaultCapacity {
		t.Errorf("Cap() = %d, want %d", NewRing(0).Cap(), DefaultCapacity)
	}
}

func TestRing_ConcurrentPushDrain(t *testing.T) {
	r := NewRing(50)
	const total = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			r.Push(createTestSample(i))
		}
	}()

	seen := 0
	last := -1
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		for _, s := range r.Drain() {
			if seqOf(s) <= last {
				t.Fatalf("out of order: %d after %d", seqOf(s), last)
			}
			last = seqOf(s)
			seen++
		}
		select {
		case <-done:
			for _, s := range r.Drain() {
				if seqOf(s) <= last {
					t.Fatalf("out of order: %d after %d", seqOf(s), last)
				}
				last = seqOf(s)
				seen++
			}
			if uint64(seen)+r.Dropped() != total {
				t.Errorf("seen %d + dropped %d != %d", seen, r.Dropped(), total)
			}
			return
		default:
		}
	}
}
