package metrics

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window is a fixed-size ring of frame processing times.
// Not safe for concurrent use; the Collector serializes access.
type Window struct {
	samples []float64 // milliseconds
	next    int
	full    bool
	scratch []float64
}

func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{
		samples: make([]float64, size),
		scratch: make([]float64, 0, size),
	}
}

func (w *Window) Add(d time.Duration) {
	w.samples[w.next] = float64(d) / float64(time.Millisecond)
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *Window) Len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *Window) values() []float64 {
	return w.samples[:w.Len()]
}

// Mean returns the average over the window, zero when empty.
func (w *Window) Mean() time.Duration {
	if w.Len() == 0 {
		return 0
	}
	return fromMillis(stat.Mean(w.values(), nil))
}

// Quantile returns the empirical p-quantile over the window.
func (w *Window) Quantile(p float64) time.Duration {
	if w.Len() == 0 {
		return 0
	}
	w.scratch = append(w.scratch[:0], w.values()...)
	sort.Float64s(w.scratch)
	return fromMillis(stat.Quantile(p, stat.Empirical, w.scratch, nil))
}

// Max returns the slowest frame in the window.
func (w *Window) Max() time.Duration {
	var max float64
	for _, v := range w.values() {
		if v > max {
			max = v
		}
	}
	return fromMillis(max)
}

func fromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
