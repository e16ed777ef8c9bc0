package detector

import (
	"context"
	"sync"
	"time"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
)

// Synthetic answers every frame with a canonical face built from a
// scripted sequence of mouth measurements. The script entry is picked by
// frame sequence so results are reproducible. Entries with NoFace set
// answer with a nil landmark set.
type Synthetic struct {
	script  []Shape
	latency time.Duration

	mu    sync.Mutex
	calls int
}

// Shape is one scripted detector answer.
type Shape struct {
	Measurements landmarks.Measurements
	NoFace       bool
}

// NewSynthetic builds a synthetic detector. latency, when positive, is
// waited before answering, honouring ctx.
func NewSynthetic(script []Shape, latency time.Duration) (*Synthetic, error) {
	if len(script) == 0 {
		return nil, ErrEmptyScript
	}
	s := make([]Shape, len(script))
	copy(s, script)
	return &Synthetic{script: s, latency: latency}, nil
}

// Utterance expands shapes into a script that holds each one for hold
// frames, with gap frames of no face between shapes.
func Utterance(shapes []landmarks.Measurements, hold, gap int) []Shape {
	if hold < 1 {
		hold = 1
	}
	var out []Shape
	for _, m := range shapes {
		for i := 0; i < hold; i++ {
			out = append(out, Shape{Measurements: m})
		}
		for i := 0; i < gap; i++ {
			out = append(out, Shape{NoFace: true})
		}
	}
	return out
}

// Len is the script length.
func (s *Synthetic) Len() int {
	return len(s.script)
}

// Calls reports how many detections were requested.
func (s *Synthetic) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Detect implements the optimizer detector capability.
func (s *Synthetic) Detect(ctx context.Context, frame Frame) (landmarks.Set, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	shape := s.script[frame.Seq%uint64(len(s.script))]
	if shape.NoFace {
		return nil, nil
	}
	return landmarks.Synthesize(shape.Measurements), nil
}
