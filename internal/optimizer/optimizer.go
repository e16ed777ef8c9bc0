// Package optimizer drives the per-frame viseme pipeline for one avatar
// session: landmark analysis, fallback, morph target smoothing, renderer
// hand-off and performance metrics.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/bus"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/classifier"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/detector"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/fallback"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/metrics"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/morph"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

// Detector finds face landmarks in a camera frame. A nil set with a nil
// error means no face was found.
type Detector interface {
	Detect(ctx context.Context, frame detector.Frame) (landmarks.Set, error)
}

// Renderer consumes morph target influences.
type Renderer interface {
	Vocabulary() []string
	ApplyInfluences(influences map[string]float32) error
}

type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Deps are the collaborators injected at Initialize. Map defaults to
// morph.DefaultMap. Vocabulary defaults to the renderer's.
type Deps struct {
	Map        morph.Map
	Vocabulary []string
	Renderer   Renderer
	Detector   Detector
}

// State is the session lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateAnalyzing
	StateApplying
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateAnalyzing:
		return "analyzing"
	case StateApplying:
		return "applying"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Result is the outcome of one frame.
type Result struct {
	Seq            uint64
	Viseme         viseme.Viseme
	Classification viseme.Classification
	Outcome        metrics.Outcome
	Influences     map[string]float32
	// Recovered is the per-frame error that forced the fallback path, if any.
	Recovered      error
}

type detection struct {
	seq uint64
	set landmarks.Set
	err error
}

// frameInput is what analysis receives: landmarks, or the reason there
// are none.
type frameInput struct {
	set       landmarks.Set
	err       error
	discarded bool
}

// Optimizer is one avatar session. Frame methods are meant to be driven
// by a single loop; Metrics, State, Reconfigure and Dispose are safe from
// any goroutine.
type Optimizer struct {
	opts      Options
	base      zerolog.Logger
	logger    zerolog.Logger
	sessionID string

	bus            *bus.EventBus
	recorder       SessionRecorder
	analyzer       Analyzer
	customAnalyzer bool

	state     atomic.Int32
	collector atomic.Pointer[metrics.Collector]
	pending   atomic.Pointer[Tuning]

	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by mu.
	mu         sync.Mutex
	tuning     Tuning
	classifier *classifier.Classifier
	fallback   *fallback.Fallback
	engine     *morph.Engine
	renderer   Renderer
	detector   Detector
	seq        uint64
	inflight   chan detection
	lastConf   float32
	lastViseme viseme.Viseme
	recalling  bool
}

// New creates an uninitialized session.
func New(opts Options, logger zerolog.Logger, options ...Option) *Optimizer {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Optimizer{
		opts:      opts,
		sessionID: uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		tuning: Tuning{
			ConfidenceThreshold: opts.ConfidenceThreshold,
			AnalysisMode:        opts.AnalysisMode,
			DetectionTimeout:    opts.DetectionTimeout,
		},
	}
	for _, opt := range options {
		opt(o)
	}
	o.base = logger.With().Str("session", o.sessionID).Logger()
	o.logger = o.base.With().Str("component", "optimizer").Logger()
	return o
}

// SessionID identifies this session in metrics, events and the store.
func (o *Optimizer) SessionID() string {
	return o.sessionID
}

// State returns the current lifecycle state.
func (o *Optimizer) State() State {
	return State(o.state.Load())
}

// Initialize prepares the classifier, fallback and morph engine.
func (o *Optimizer) Initialize(ctx context.Context, deps Deps) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.State() {
	case StateDisposed:
		return ErrDisposed
	case StateUninitialized:
	default:
		return initError("optimizer", errors.New("already initialized"))
	}

	if err := o.opts.validate(); err != nil {
		return initError("options", err)
	}

	ccfg := classifier.DefaultConfig()
	ccfg.ConfidenceThreshold = o.opts.ConfidenceThreshold
	cls, err := classifier.New(ccfg)
	if err != nil {
		return initError("classifier", err)
	}

	m := deps.Map
	if m == nil {
		m = morph.DefaultMap()
	}
	vocab := deps.Vocabulary
	if len(vocab) == 0 && deps.Renderer != nil {
		vocab = deps.Renderer.Vocabulary()
	}
	engine, err := morph.NewEngine(m, vocab, morph.Config{
		SmoothingSteps:     o.opts.SmoothingSteps,
		FullRateConfidence: o.opts.FullRateConfidence,
		MinRate:            morph.DefaultConfig().MinRate,
	}, o.base)
	if err != nil {
		return initError("morph", err)
	}

	if hc, ok := deps.Detector.(healthChecker); ok {
		if err := hc.CheckHealth(ctx); err != nil {
			return initError("detector", err)
		}
	}

	o.classifier = cls
	if !o.customAnalyzer {
		o.analyzer = cls
	}
	o.fallback = fallback.New(o.opts.RecencyWindow)
	o.engine = engine
	o.renderer = deps.Renderer
	o.detector = deps.Detector
	o.lastViseme = viseme.Neutral

	o.collector.Store(metrics.NewCollector(o.sessionID, metrics.Config{
		WindowSize:        o.opts.MetricsWindow,
		MemorySampleEvery: metrics.DefaultConfig().MemorySampleEvery,
	}))

	if !o.state.CompareAndSwap(int32(StateUninitialized), int32(StateReady)) {
		return ErrDisposed
	}

	for _, w := range engine.Warnings() {
		o.publish(bus.EventTypeUnknownTarget, map[string]any{"viseme": string(w.Viseme), "target": w.Target})
	}
	o.publish(bus.EventTypeSessionStarted, map[string]any{
		"mode":       string(o.tuning.AnalysisMode),
		"vocabulary": len(engine.Vocabulary()),
	})
	o.logger.Info().
		Str("mode", string(o.tuning.AnalysisMode)).
		Int("vocabulary", len(engine.Vocabulary())).
		Int("unknown_targets", len(engine.Warnings())).
		Msg("Viseme optimizer initialized")
	return nil
}

// Warnings lists map targets the renderer vocabulary lacks.
func (o *Optimizer) Warnings() []morph.UnknownTargetWarning {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.engine == nil {
		return nil
	}
	return o.engine.Warnings()
}

func (o *Optimizer) usable() error {
	switch o.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateDisposed:
		return ErrDisposed
	}
	return nil
}

// ProcessFrame runs one frame from already detected landmarks. A nil set
// means no face. Once initialized it only fails with ErrDisposed.
func (o *Optimizer) ProcessFrame(set landmarks.Set, ts time.Duration) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.usable(); err != nil {
		return Result{}, err
	}
	o.seq++
	return o.runFrame(o.seq, frameInput{set: set}, ts), nil
}

// ProcessImage detects landmarks in frame with the injected detector and
// runs the frame. Detection is bounded by the detection timeout and at
// most one request is outstanding; a frame arriving while an abandoned
// request is still running goes straight to the fallback. Cancelling ctx
// abandons the detection and the frame falls back like a failed one. Once
// initialized it only fails with ErrDisposed or ErrNoDetector.
func (o *Optimizer) ProcessImage(ctx context.Context, frame detector.Frame, ts time.Duration) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.usable(); err != nil {
		return Result{}, err
	}
	if o.detector == nil {
		return Result{}, ErrNoDetector
	}

	o.applyTuning()
	o.seq++
	seq := o.seq
	frame.Seq = seq

	in, err := o.detect(ctx, seq, frame)
	if err != nil {
		return Result{}, err
	}
	return o.runFrame(seq, in, ts), nil
}

func (o *Optimizer) detect(ctx context.Context, seq uint64, frame detector.Frame) (frameInput, error) {
	var discarded bool
	if o.inflight != nil {
		select {
		case late := <-o.inflight:
			o.inflight = nil
			discarded = true
			o.logger.Debug().Uint64("frame", late.seq).Uint64("current", seq).Msg("Discarding late detection result")
			o.publish(bus.EventTypeResultDiscarded, map[string]any{"frame": late.seq, "current": seq})
		default:
			return frameInput{err: ErrDetectorBusy}, nil
		}
	}

	dctx, cancel := context.WithTimeout(ctx, o.tuning.DetectionTimeout)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()

	done := make(chan detection, 1)
	go func() {
		set, err := o.detector.Detect(dctx, frame)
		done <- detection{seq: seq, set: set, err: err}
	}()

	select {
	case d := <-done:
		if o.ctx.Err() != nil {
			return frameInput{}, ErrDisposed
		}
		return o.detected(d, discarded), nil
	case <-dctx.Done():
	}

	if o.ctx.Err() != nil {
		return frameInput{}, ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		o.inflight = done
		return o.detected(detection{seq: seq, err: err}, discarded), nil
	}

	// The detector may have answered just as the deadline hit.
	select {
	case d := <-done:
		return o.detected(d, discarded), nil
	default:
	}

	o.inflight = done
	return frameInput{
		err:       fmt.Errorf("%w after %s", ErrDetectionTimeout, o.tuning.DetectionTimeout),
		discarded: discarded,
	}, nil
}

func (o *Optimizer) detected(d detection, discarded bool) frameInput {
	switch {
	case d.err == nil:
		return frameInput{set: d.set, discarded: discarded}
	case errors.Is(d.err, context.DeadlineExceeded):
		return frameInput{err: fmt.Errorf("%w: %w", ErrDetectionTimeout, d.err), discarded: discarded}
	default:
		return frameInput{err: fmt.Errorf("%w: %w", ErrDetectionFailure, d.err), discarded: discarded}
	}
}

// runFrame analyses, applies, renders and records one frame. Called with
// mu held.
func (o *Optimizer) runFrame(seq uint64, in frameInput, ts time.Duration) Result {
	start := time.Now()
	o.applyTuning()
	o.transition(StateReady, StateAnalyzing)

	cls, outcome, recovered := o.analyze(in, ts)

	o.transition(StateAnalyzing, StateApplying)
	applied := o.engine.ApplyViseme(cls.Viseme, cls.Confidence)

	var rendererErr bool
	if o.renderer != nil {
		if err := o.renderer.ApplyInfluences(applied.Influences); err != nil {
			rendererErr = true
			o.logger.Warn().Err(err).Uint64("frame", seq).Msg("Renderer rejected influences")
			o.publish(bus.EventTypeRendererFailed, map[string]any{"frame": seq, "error": err.Error()})
		}
	}
	o.transition(StateApplying, StateReady)

	if c := o.collector.Load(); c != nil {
		c.Record(metrics.FrameSample{
			Duration:      time.Since(start),
			Outcome:       outcome,
			LowConfidence: cls.LowConfidence,
			Timeout:       errors.Is(recovered, ErrDetectionTimeout),
			Failure:       errors.Is(recovered, ErrDetectionFailure),
			RendererError: rendererErr,
			Discarded:     in.discarded,
		})
	}

	if cls.Viseme != o.lastViseme {
		o.publish(bus.EventTypeVisemeChanged, map[string]any{
			"frame": seq, "from": string(o.lastViseme), "to": string(cls.Viseme),
			"confidence": cls.Confidence, "source": string(cls.Source),
		})
		o.lastViseme = cls.Viseme
	}

	return Result{
		Seq:            seq,
		Viseme:         cls.Viseme,
		Classification: cls,
		Outcome:        outcome,
		Influences:     applied.Influences,
		Recovered:      recovered,
	}
}

// analyze picks the viseme for a frame: the configured analysis path when
// landmarks are usable, otherwise the fallback's recall.
func (o *Optimizer) analyze(in frameInput, ts time.Duration) (viseme.Classification, metrics.Outcome, error) {
	err := in.err
	if err == nil && in.set != nil {
		cls, cerr := o.classify(in.set)
		if cerr == nil {
			o.fallback.Remember(cls.Viseme, ts)
			o.lastConf = cls.Confidence
			o.recalling = false
			if cls.Source == viseme.SourceGeometric {
				return cls, metrics.OutcomeGeometric, nil
			}
			return cls, metrics.OutcomeLandmark, nil
		}
		err = cerr
	}

	if err != nil {
		evt := bus.EventTypeDetectionFailed
		if errors.Is(err, ErrDetectionTimeout) {
			evt = bus.EventTypeDetectionTimeout
		}
		o.logger.Debug().Err(err).Msg("Landmark path failed, using fallback")
		o.publish(evt, map[string]any{"error": err.Error()})
	}

	v := o.fallback.Recall(ts)
	if !o.recalling {
		o.recalling = true
		o.publish(bus.EventTypeFallbackEngaged, map[string]any{"viseme": string(v)})
	}

	conf := float32(1)
	if last, _, ok := o.fallback.Last(); ok && last == v {
		conf = o.lastConf
	}
	return viseme.Classification{
		Viseme:     v,
		Confidence: conf,
		Source:     viseme.SourceGeometric,
	}, metrics.OutcomeFallback, err
}

// classify runs the analysis path for the current mode. Panics and
// overruns of the analysis timeout are reported as errors.
func (o *Optimizer) classify(set landmarks.Set) (cls viseme.Classification, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			cls = viseme.Classification{}
			err = fmt.Errorf("%w: analyzer panic: %v", ErrDetectionFailure, r)
		}
	}()

	m := landmarks.Extract(set)
	if m.LowConfidence {
		return cls, fmt.Errorf("%w: malformed landmark set of %d points", ErrDetectionFailure, len(set))
	}

	switch o.tuning.AnalysisMode {
	case ModeGeometric:
		cls = fallback.Estimate(m)
	case ModeHybrid:
		cls = o.analyzer.Classify(m)
		if cls.LowConfidence {
			if est := fallback.Estimate(m); est.Confidence > cls.Confidence {
				cls = est
			}
		}
	default:
		cls = o.analyzer.Classify(m)
	}

	if elapsed := time.Since(start); elapsed > o.opts.AnalysisTimeout {
		return viseme.Classification{}, fmt.Errorf("%w: analysis took %s", ErrDetectionTimeout, elapsed)
	}
	if !cls.Viseme.Valid() {
		return viseme.Classification{}, fmt.Errorf("%w: analyzer returned %q", ErrDetectionFailure, cls.Viseme)
	}
	return cls, nil
}

func (o *Optimizer) transition(from, to State) {
	o.state.CompareAndSwap(int32(from), int32(to))
}

// Metrics returns the latest per-frame snapshot. Safe to call concurrently
// with frame processing.
func (o *Optimizer) Metrics() metrics.Snapshot {
	if c := o.collector.Load(); c != nil {
		return c.Snapshot()
	}
	return metrics.Snapshot{SessionID: o.sessionID}
}

// Tuning returns the tuning in effect for the next frame.
func (o *Optimizer) Tuning() Tuning {
	if t := o.pending.Load(); t != nil {
		return *t
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tuning
}

// Reconfigure validates t and applies it at the next frame boundary.
func (o *Optimizer) Reconfigure(t Tuning) error {
	if o.State() == StateDisposed {
		return ErrDisposed
	}
	if err := t.validate(); err != nil {
		return err
	}
	o.pending.Store(&t)
	return nil
}

// applyTuning swaps in a pending Reconfigure. Called with mu held.
func (o *Optimizer) applyTuning() {
	t := o.pending.Swap(nil)
	if t == nil {
		return
	}
	if o.classifier != nil && t.ConfidenceThreshold != o.tuning.ConfidenceThreshold {
		o.classifier = o.classifier.WithThreshold(t.ConfidenceThreshold)
		if !o.customAnalyzer {
			o.analyzer = o.classifier
		}
	}
	o.tuning = *t
	o.logger.Info().
		Float32("threshold", t.ConfidenceThreshold).
		Str("mode", string(t.AnalysisMode)).
		Dur("detection_timeout", t.DetectionTimeout).
		Msg("Tuning applied")
	o.publish(bus.EventTypeReconfigured, map[string]any{
		"threshold": t.ConfidenceThreshold, "mode": string(t.AnalysisMode),
	})
}

// Dispose cancels outstanding detection, returns the face to neutral,
// pushes the neutral pose to the renderer and records the session
// summary. Later frame calls fail with ErrDisposed.
func (o *Optimizer) Dispose() error {
	prev := State(o.state.Swap(int32(StateDisposed)))
	if prev == StateDisposed {
		return ErrDisposed
	}
	o.cancel()

	o.mu.Lock()
	defer o.mu.Unlock()

	if prev == StateUninitialized {
		return nil
	}

	neutral := o.engine.Reset()
	o.fallback.Reset()
	o.inflight = nil

	var errs []error
	if o.renderer != nil {
		if err := o.renderer.ApplyInfluences(neutral); err != nil {
			errs = append(errs, fmt.Errorf("reset renderer: %w", err))
		}
	}

	summary := metrics.Summarize(o.Metrics(), time.Now())
	if o.recorder != nil {
		if err := o.recorder.RecordSession(summary); err != nil {
			errs = append(errs, fmt.Errorf("record session: %w", err))
		}
	}

	o.publish(bus.EventTypeSessionEnded, map[string]any{"summary": summary})
	o.logger.Info().
		Uint64("frames", summary.Frames).
		Float64("avg_ms", summary.AvgProcessingMs).
		Float64("detection_accuracy", summary.DetectionAccuracy).
		Msg("Viseme optimizer disposed")

	return errors.Join(errs...)
}

func (o *Optimizer) publish(t bus.EventType, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(bus.Event{Type: t, SessionID: o.sessionID, Data: data})
}
