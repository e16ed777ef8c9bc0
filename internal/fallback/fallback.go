// Package fallback supplies a viseme when the landmark classifier cannot:
// it holds the last accepted viseme for a short recency window and then
// relaxes to neutral, and it offers a coarse detector-free geometric
// estimate for the geometric and hybrid analysis modes.
package fallback

import (
	"sync"
	"time"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

// DefaultRecencyWindow is roughly 15 frames at 60 Hz.
const DefaultRecencyWindow = 250 * time.Millisecond

type Fallback struct {
	mu sync.Mutex

	window time.Duration
	last   viseme.Viseme
	lastAt time.Duration
	known  bool
}

func New(window time.Duration) *Fallback {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	return &Fallback{window: window, last: viseme.Neutral}
}

func (f *Fallback) Window() time.Duration {
	return f.window
}

// Remember records v as the last accepted viseme at frame timestamp ts.
// Out-of-order timestamps are ignored.
func (f *Fallback) Remember(v viseme.Viseme, ts time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.known && ts < f.lastAt {
		return
	}
	f.last = v
	f.lastAt = ts
	f.known = true
}

// Recall returns the last accepted viseme if it is recent enough at ts,
// otherwise neutral. It never returns anything else.
func (f *Fallback) Recall(ts time.Duration) viseme.Viseme {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.known {
		return viseme.Neutral
	}
	if ts-f.lastAt > f.window {
		return viseme.Neutral
	}
	return f.last
}

// Last returns the last accepted viseme and when it was recorded.
func (f *Fallback) Last() (viseme.Viseme, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.lastAt, f.known
}

func (f *Fallback) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = viseme.Neutral
	f.lastAt = 0
	f.known = false
}

// Geometric thresholds on normalized measurements.
const (
	openGap        = 0.6
	roundedLips    = 0.6
	pressedLips    = 0.7
	wideMouth      = 0.7
	closedGap      = 0.08
	estimateFloor  = 0.35
	estimateWeight = 0.5
)

// Estimate is a simple rule cascade over the strongest mouth cue. It is
// intentionally coarser than the prototype classifier, so its confidence
// is capped at estimateFloor + estimateWeight.
func Estimate(m landmarks.Measurements) viseme.Classification {
	if m.LowConfidence {
		return viseme.Rest(viseme.SourceGeometric)
	}
	m = m.Clamped()

	var (
		v        viseme.Viseme
		strength float32
	)
	switch {
	case m.LipGap <= closedGap && m.LipCompression >= pressedLips:
		v, strength = viseme.PP, m.LipCompression
	case m.LipGap <= closedGap:
		v, strength = viseme.Sil, 1-m.LipGap/closedGap
	case m.Rounding >= roundedLips && m.LipGap >= openGap/2:
		v, strength = viseme.O, m.Rounding
	case m.Rounding >= roundedLips:
		v, strength = viseme.U, m.Rounding
	case m.LipGap >= openGap:
		v, strength = viseme.AA, m.LipGap
	case m.MouthWidth >= wideMouth && m.LipGap >= openGap/2:
		v, strength = viseme.E, m.MouthWidth
	case m.MouthWidth >= wideMouth:
		v, strength = viseme.I, m.MouthWidth
	default:
		v, strength = viseme.DD, m.LipGap
	}

	return viseme.Classification{
		Viseme:     v,
		Confidence: estimateFloor + estimateWeight*strength,
		Source:     viseme.SourceGeometric,
	}
}
