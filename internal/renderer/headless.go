package renderer

import (
	"fmt"
	"sort"
	"sync"
)

// Headless is a renderer with a fixed vocabulary and no output device. It
// keeps the last applied pose, which the serve command streams to
// browsers and tests inspect.
type Headless struct {
	names map[string]struct{}
	order []string

	mu      sync.RWMutex
	last    map[string]float32
	applied int
	fail    error
}

func NewHeadless(vocabulary []string) *Headless {
	h := &Headless{names: make(map[string]struct{}, len(vocabulary))}
	for _, n := range vocabulary {
		if _, dup := h.names[n]; dup || n == "" {
			continue
		}
		h.names[n] = struct{}{}
		h.order = append(h.order, n)
	}
	sort.Strings(h.order)
	return h
}

func (h *Headless) Vocabulary() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// ApplyInfluences records a copy of influences as the current pose.
func (h *Headless) ApplyInfluences(influences map[string]float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fail != nil {
		return h.fail
	}
	pose := make(map[string]float32, len(influences))
	for name, w := range influences {
		if _, ok := h.names[name]; !ok {
			return fmt.Errorf("unknown morph target %q", name)
		}
		pose[name] = w
	}
	h.last = pose
	h.applied++
	return nil
}

// FailWith makes every later ApplyInfluences return err; nil clears it.
func (h *Headless) FailWith(err error) {
	h.mu.Lock()
	h.fail = err
	h.mu.Unlock()
}

// Last returns a copy of the most recent pose, nil before the first one.
func (h *Headless) Last() map[string]float32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return nil
	}
	out := make(map[string]float32, len(h.last))
	for k, v := range h.last {
		out[k] = v
	}
	return out
}

// Applied counts successful ApplyInfluences calls.
func (h *Headless) Applied() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.applied
}
