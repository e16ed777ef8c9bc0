package morph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

// UnknownTargetWarning reports a map target the renderer does not have.
// The binding is skipped; output for every other target is unaffected.
type UnknownTargetWarning struct {
	Viseme viseme.Viseme
	Target string
}

func (w UnknownTargetWarning) Error() string {
	return fmt.Sprintf("viseme %s references unknown morph target %q", w.Viseme, w.Target)
}

// Config tunes the smoothing.
type Config struct {
	SmoothingSteps     int     // frames needed to cross the full [0,1] range (default: 5)
	FullRateConfidence float32 // confidence at or above which the full step is used (default: 0.7)
	MinRate            float32 // fraction of the step kept at zero confidence (default: 0.1)
}

func DefaultConfig() Config {
	return Config{
		SmoothingSteps:     5,
		FullRateConfidence: 0.7,
		MinRate:            0.1,
	}
}

func (c Config) validate() error {
	if c.SmoothingSteps < 1 {
		return fmt.Errorf("smoothing steps must be at least 1, got %d", c.SmoothingSteps)
	}
	if c.FullRateConfidence <= 0 || c.FullRateConfidence > 1 {
		return fmt.Errorf("full rate confidence %.3f outside (0,1]", c.FullRateConfidence)
	}
	if c.MinRate <= 0 || c.MinRate > 1 {
		return fmt.Errorf("min rate %.3f outside (0,1]", c.MinRate)
	}
	return nil
}

// AppliedState is the renderer-facing output of one frame.
type AppliedState struct {
	Viseme     viseme.Viseme      `json:"viseme"`
	Confidence float32            `json:"confidence"`
	Influences map[string]float32 `json:"influences"`
}

type resolvedBinding struct {
	index  int
	weight float32
}

// Engine owns the per-target influence state. All mutation goes through
// ApplyViseme and Reset.
type Engine struct {
	mu sync.RWMutex

	names   []string
	current []float32
	recipes map[viseme.Viseme][]resolvedBinding

	step     float32
	fullRate float32
	minRate  float32

	warnings []UnknownTargetWarning
	logger   zerolog.Logger
}

// NewEngine resolves m against the renderer vocabulary. Targets the
// renderer lacks are dropped and logged once here, never per frame.
func NewEngine(m Map, vocabulary []string, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	names := normalizeVocabulary(vocabulary)
	if len(names) == 0 {
		return nil, errors.New("renderer vocabulary is empty")
	}

	e := &Engine{
		names:    names,
		current:  make([]float32, len(names)),
		recipes:  make(map[viseme.Viseme][]resolvedBinding, len(m)),
		step:     1 / float32(cfg.SmoothingSteps),
		fullRate: cfg.FullRateConfidence,
		minRate:  cfg.MinRate,
		logger:   logger.With().Str("component", "morph").Logger(),
	}

	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	for _, v := range viseme.All() {
		bindings, ok := m[v]
		if !ok {
			continue
		}
		resolved := make([]resolvedBinding, 0, len(bindings))
		for _, b := range bindings {
			idx, known := index[b.Target]
			if !known {
				w := UnknownTargetWarning{Viseme: v, Target: b.Target}
				e.warnings = append(e.warnings, w)
				e.logger.Warn().Str("viseme", string(v)).Str("target", b.Target).
					Msg("Morph target not in renderer vocabulary, skipping")
				continue
			}
			resolved = append(resolved, resolvedBinding{index: idx, weight: b.Weight})
		}
		e.recipes[v] = resolved
	}

	return e, nil
}

// Step is the configured maximum per-frame influence change.
func (e *Engine) Step() float32 {
	return e.step
}

// Vocabulary returns the sorted target names the engine drives.
func (e *Engine) Vocabulary() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// Warnings returns the unknown-target warnings collected at construction.
func (e *Engine) Warnings() []UnknownTargetWarning {
	out := make([]UnknownTargetWarning, len(e.warnings))
	copy(out, e.warnings)
	return out
}

// Targets returns the desired influences for v at full confidence, keyed
// by vocabulary name. Targets not driven by v are zero.
func (e *Engine) Targets(v viseme.Viseme) map[string]float32 {
	desired := e.desired(v)
	out := make(map[string]float32, len(e.names))
	for i, n := range e.names {
		out[n] = desired[i]
	}
	return out
}

func (e *Engine) desired(v viseme.Viseme) []float32 {
	desired := make([]float32, len(e.names))
	for _, b := range e.recipes[v] {
		if b.weight > desired[b.index] {
			desired[b.index] = b.weight
		}
	}
	return desired
}

// rate maps confidence onto a fraction of the step: full speed at or
// above fullRate, never below minRate.
func (e *Engine) rate(confidence float32) float32 {
	if confidence != confidence {
		return e.minRate
	}
	r := confidence / e.fullRate
	if r < e.minRate {
		return e.minRate
	}
	if r > 1 {
		return 1
	}
	return r
}

// ApplyViseme moves every target one bounded step toward v's recipe.
// Low confidence shortens the step so the face stays closer to its
// previous pose instead of freezing.
func (e *Engine) ApplyViseme(v viseme.Viseme, confidence float32) AppliedState {
	desired := e.desired(v)
	limit := e.step * e.rate(confidence)

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.current {
		delta := desired[i] - e.current[i]
		if delta > limit {
			delta = limit
		} else if delta < -limit {
			delta = -limit
		}
		e.current[i] = clamp(e.current[i]+delta, 0, 1)
	}

	return AppliedState{
		Viseme:     v,
		Confidence: confidence,
		Influences: e.snapshotLocked(),
	}
}

// Influences returns a copy of the current state.
func (e *Engine) Influences() map[string]float32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

// Reset returns every target to the neutral pose immediately.
func (e *Engine) Reset() map[string]float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.current {
		e.current[i] = 0
	}
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() map[string]float32 {
	out := make(map[string]float32, len(e.names))
	for i, n := range e.names {
		out[n] = e.current[i]
	}
	return out
}

func clamp(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
