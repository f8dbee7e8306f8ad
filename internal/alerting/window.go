package alerting

import (
	"time"
)

type counterPoint struct {
	at    time.Time
	value float64
}

// counterWindow keeps recent readings of a monotonically increasing counter
// and derives its per-minute rate. Not safe for concurrent use; the input
// cache guards it.
type counterWindow struct {
	window  time.Duration
	points  []counterPoint
	maxSize int
}

func newCounterWindow(window time.Duration) *counterWindow {
	return &counterWindow{
		window:  window,
		points:  make([]counterPoint, 0, 32),
		maxSize: 1000,
	}
}

// add records a reading. Out-of-order readings are ignored, and a decrease
// is treated as a counter reset that starts a new series.
func (w *counterWindow) add(at time.Time, value float64) {
	if n := len(w.points); n > 0 {
		last := w.points[n-1]
		if !at.After(last.at) {
			return
		}
		if value < last.value {
			w.points = w.points[:0]
		}
	}
	w.points = append(w.points, counterPoint{at: at, value: value})
	w.pruneOld(at)

	if len(w.points) > w.maxSize {
		w.points = w.points[len(w.points)/2:]
	}
}

// pruneOld drops readings older than the window, keeping at least two so a
// rate stays available across sparse reporting.
func (w *counterWindow) pruneOld(now time.Time) {
	cutoff := now.Add(-w.window)
	drop := 0
	for drop < len(w.points)-2 && w.points[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		w.points = append(w.points[:0], w.points[drop:]...)
	}
}

// perMinute returns the rate across the retained readings.
func (w *counterWindow) perMinute() (float64, bool) {
	if len(w.points) < 2 {
		return 0, false
	}
	first, last := w.points[0], w.points[len(w.points)-1]
	span := last.at.Sub(first.at).Minutes()
	if span <= 0 {
		return 0, false
	}
	return (last.value - first.value) / span, true
}
