package optimizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/bus"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/metrics"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

// Mode selects the analysis path.
type Mode string

const (
	// ModeLandmark classifies from landmarks, recalling on failure.
	ModeLandmark Mode = "landmark"
	// ModeGeometric uses the detector-free geometric estimate only.
	ModeGeometric Mode = "geometric"
	// ModeHybrid classifies from landmarks and swaps in the geometric
	// estimate when the classifier is unsure and the estimate is surer.
	ModeHybrid Mode = "hybrid"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLandmark, ModeGeometric, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("unknown analysis mode %q", s)
	}
}

// Options configures one optimizer session.
type Options struct {
	ConfidenceThreshold float32       `mapstructure:"confidence_threshold"`
	SmoothingSteps      int           `mapstructure:"smoothing_steps"`
	FullRateConfidence  float32       `mapstructure:"full_rate_confidence"`
	DetectionTimeout    time.Duration `mapstructure:"detection_timeout"`
	AnalysisTimeout     time.Duration `mapstructure:"analysis_timeout"`
	RecencyWindow       time.Duration `mapstructure:"recency_window"`
	MetricsWindow       int           `mapstructure:"metrics_window"`
	AnalysisMode        Mode          `mapstructure:"analysis_mode"`
}

// FrameBudget is one frame at 60 Hz.
const FrameBudget = time.Second / 60

func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold: 0.3,
		SmoothingSteps:      5,
		FullRateConfidence:  0.7,
		DetectionTimeout:    50 * time.Millisecond,
		AnalysisTimeout:     FrameBudget,
		RecencyWindow:       250 * time.Millisecond,
		MetricsWindow:       120,
		AnalysisMode:        ModeLandmark,
	}
}

func (o Options) validate() error {
	if _, err := ParseMode(string(o.AnalysisMode)); err != nil {
		return err
	}
	if o.DetectionTimeout <= 0 {
		return fmt.Errorf("detection timeout must be positive, got %s", o.DetectionTimeout)
	}
	if o.AnalysisTimeout <= 0 {
		return fmt.Errorf("analysis timeout must be positive, got %s", o.AnalysisTimeout)
	}
	if o.RecencyWindow <= 0 {
		return fmt.Errorf("recency window must be positive, got %s", o.RecencyWindow)
	}
	if o.MetricsWindow < 1 {
		return fmt.Errorf("metrics window must be at least 1, got %d", o.MetricsWindow)
	}
	return nil
}

// Tuning is the subset of Options that may change while a session runs.
type Tuning struct {
	ConfidenceThreshold float32
	AnalysisMode        Mode
	DetectionTimeout    time.Duration
}

func (t Tuning) validate() error {
	if t.ConfidenceThreshold < 0 || t.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %.3f outside [0,1]", t.ConfidenceThreshold)
	}
	if _, err := ParseMode(string(t.AnalysisMode)); err != nil {
		return err
	}
	if t.DetectionTimeout <= 0 {
		return fmt.Errorf("detection timeout must be positive, got %s", t.DetectionTimeout)
	}
	return nil
}

// Analyzer classifies one frame's measurements. *classifier.Classifier is
// the default.
type Analyzer interface {
	Classify(m landmarks.Measurements) viseme.Classification
}

// SessionRecorder persists the summary written at Dispose.
// *metrics.Store satisfies it.
type SessionRecorder interface {
	RecordSession(metrics.SessionSummary) error
}

// Option customizes an Optimizer at construction.
type Option func(*Optimizer)

// WithBus publishes session events on b.
func WithBus(b *bus.EventBus) Option {
	return func(o *Optimizer) { o.bus = b }
}

// WithAnalyzer replaces the landmark classifier. Threshold changes made
// through Reconfigure do not reach a custom analyzer.
func WithAnalyzer(a Analyzer) Option {
	return func(o *Optimizer) { o.analyzer = a; o.customAnalyzer = a != nil }
}

// WithSessionRecorder stores the session summary on Dispose.
func WithSessionRecorder(r SessionRecorder) Option {
	return func(o *Optimizer) { o.recorder = r }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(o *Optimizer) {
		if id != "" {
			o.sessionID = id
		}
	}
}
