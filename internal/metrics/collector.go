// Package metrics tracks per-frame performance of a viseme session and
// persists session summaries.
package metrics

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Outcome identifies which path produced a frame's viseme.
type Outcome string

const (
	OutcomeLandmark  Outcome = "landmark"
	OutcomeGeometric Outcome = "geometric"
	OutcomeFallback  Outcome = "fallback"
)

// FrameSample describes one processed frame.
type FrameSample struct {
	Duration      time.Duration
	Outcome       Outcome
	LowConfidence bool
	Timeout       bool
	Failure       bool
	RendererError bool
	Discarded     bool // a late detector result was dropped
}

// Snapshot is a read-only view of the rolling metrics.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Frames        uint64        `json:"frames"`
	AvgProcessing time.Duration `json:"avg_processing"`
	P95Processing time.Duration `json:"p95_processing"`
	MaxProcessing time.Duration `json:"max_processing"`

	LandmarkFrames  uint64 `json:"landmark_frames"`
	GeometricFrames uint64 `json:"geometric_frames"`
	FallbackFrames  uint64 `json:"fallback_frames"`
	Timeouts        uint64 `json:"timeouts"`
	Failures        uint64 `json:"failures"`
	LowConfidence   uint64 `json:"low_confidence"`
	RendererErrors  uint64 `json:"renderer_errors"`
	Discarded       uint64 `json:"discarded"`

	// DetectionAccuracy is the share of frames classified from landmarks
	// rather than recalled by the fallback.
	DetectionAccuracy float64 `json:"detection_accuracy"`
	MemoryBytes       uint64  `json:"memory_bytes"`
}

// Config tunes the collector.
type Config struct {
	WindowSize        int // frames in the rolling window (default: 120)
	MemorySampleEvery int // frames between heap samples, 0 disables (default: 60)
}

func DefaultConfig() Config {
	return Config{WindowSize: 120, MemorySampleEvery: 60}
}

// Collector aggregates frame samples. Record is called by the single
// frame loop; Snapshot may be called from any goroutine and always sees a
// whole frame's update.
type Collector struct {
	cfg    Config
	window *Window
	work   Snapshot
	latest atomic.Pointer[Snapshot]
	now    func() time.Time
}

func NewCollector(sessionID string, cfg Config) *Collector {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	c := &Collector{
		cfg:    cfg,
		window: NewWindow(cfg.WindowSize),
		now:    time.Now,
	}
	c.work.SessionID = sessionID
	c.work.StartedAt = c.now()
	c.work.UpdatedAt = c.work.StartedAt
	c.publish()
	return c
}

// Record folds one frame into the aggregates and publishes a new snapshot.
func (c *Collector) Record(s FrameSample) {
	w := &c.work
	w.Frames++
	c.window.Add(s.Duration)

	switch s.Outcome {
	case OutcomeLandmark:
		w.LandmarkFrames++
	case OutcomeGeometric:
		w.GeometricFrames++
	default:
		w.FallbackFrames++
	}
	if s.LowConfidence {
		w.LowConfidence++
	}
	if s.Timeout {
		w.Timeouts++
	}
	if s.Failure {
		w.Failures++
	}
	if s.RendererError {
		w.RendererErrors++
	}
	if s.Discarded {
		w.Discarded++
	}

	w.AvgProcessing = c.window.Mean()
	w.P95Processing = c.window.Quantile(0.95)
	w.MaxProcessing = c.window.Max()
	w.DetectionAccuracy = float64(w.LandmarkFrames+w.GeometricFrames) / float64(w.Frames)

	if c.cfg.MemorySampleEvery > 0 && (w.Frames == 1 || w.Frames%uint64(c.cfg.MemorySampleEvery) == 0) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		w.MemoryBytes = ms.HeapAlloc
	}

	w.UpdatedAt = c.now()
	c.publish()
}

func (c *Collector) publish() {
	snap := c.work
	c.latest.Store(&snap)
}

// Snapshot returns the most recently published aggregates.
func (c *Collector) Snapshot() Snapshot {
	return *c.latest.Load()
}
