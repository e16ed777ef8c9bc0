package optimizer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/bus"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/classifier"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/detector"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/metrics"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/morph"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/renderer"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

const frame60 = 16667 * time.Microsecond

func prototype(t *testing.T, v viseme.Viseme) landmarks.Measurements {
	t.Helper()
	for _, p := range classifier.DefaultPrototypes() {
		if p.Viseme == v {
			return landmarks.FromVector(p.Vector)
		}
	}
	t.Fatalf("no prototype for %s", v)
	return landmarks.Measurements{}
}

func face(t *testing.T, v viseme.Viseme) landmarks.Set {
	t.Helper()
	return landmarks.Synthesize(prototype(t, v))
}

func newReady(t *testing.T, opts Options, deps Deps, options ...Option) *Optimizer {
	t.Helper()
	if deps.Renderer == nil && len(deps.Vocabulary) == 0 {
		deps.Renderer = renderer.NewHeadless(morph.ARKitVocabulary())
	}
	o := New(opts, zerolog.Nop(), options...)
	require.NoError(t, o.Initialize(context.Background(), deps))
	require.Equal(t, StateReady, o.State())
	return o
}

// analyzerFunc adapts a function to Analyzer.
type analyzerFunc func(landmarks.Measurements) viseme.Classification

func (f analyzerFunc) Classify(m landmarks.Measurements) viseme.Classification { return f(m) }

type recorderFunc func(metrics.SessionSummary) error

func (f recorderFunc) RecordSession(s metrics.SessionSummary) error { return f(s) }

func TestLifecycle_Errors(t *testing.T) {
	o := New(DefaultOptions(), zerolog.Nop())
	_, err := uuid.Parse(o.SessionID())
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, o.State())

	_, err = o.ProcessFrame(nil, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, o.SessionID(), o.Metrics().SessionID)

	head := renderer.NewHeadless(morph.ARKitVocabulary())
	require.NoError(t, o.Initialize(context.Background(), Deps{Renderer: head}))

	err = o.Initialize(context.Background(), Deps{Renderer: head})
	assert.ErrorIs(t, err, ErrInitialization, "second initialize")

	_, err = o.ProcessFrame(face(t, viseme.AA), 0)
	require.NoError(t, err)

	require.NoError(t, o.Dispose())
	assert.Equal(t, StateDisposed, o.State())

	_, err = o.ProcessFrame(face(t, viseme.AA), frame60)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, o.Dispose(), ErrDisposed)
	assert.ErrorIs(t, o.Initialize(context.Background(), Deps{Renderer: head}), ErrDisposed)
	assert.ErrorIs(t, o.Reconfigure(o.Tuning()), ErrDisposed)
}

func TestInitialize_Failures(t *testing.T) {
	badMap := morph.DefaultMap()
	delete(badMap, viseme.AA)

	badOpts := DefaultOptions()
	badOpts.AnalysisMode = "telepathic"

	badSteps := DefaultOptions()
	badSteps.SmoothingSteps = 0

	tests := []struct {
		name      string
		opts      Options
		deps      Deps
		component string
	}{
		{name: "map missing entry", opts: DefaultOptions(), deps: Deps{Map: badMap, Vocabulary: morph.ARKitVocabulary()}, component: "morph"},
		{name: "empty vocabulary", opts: DefaultOptions(), deps: Deps{}, component: "morph"},
		{name: "bad mode", opts: badOpts, deps: Deps{Vocabulary: morph.ARKitVocabulary()}, component: "options"},
		{name: "bad smoothing", opts: badSteps, deps: Deps{Vocabulary: morph.ARKitVocabulary()}, component: "morph"},
		{name: "unhealthy detector", opts: DefaultOptions(), deps: Deps{Vocabulary: morph.ARKitVocabulary(), Detector: unhealthy{}}, component: "detector"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(tt.opts, zerolog.Nop())
			err := o.Initialize(context.Background(), tt.deps)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInitialization)

			var ie *InitializationError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.component, ie.Component)
			assert.Equal(t, StateUninitialized, o.State())
		})
	}
}

type unhealthy struct{}

func (unhealthy) Detect(context.Context, detector.Frame) (landmarks.Set, error) { return nil, nil }
func (unhealthy) CheckHealth(context.Context) error                             { return errors.New("connection refused") }

func TestProcessFrame_ClosedLipsIsPP(t *testing.T) {
	o := newReady(t, DefaultOptions(), Deps{})

	res, err := o.ProcessFrame(face(t, viseme.PP), 0)
	require.NoError(t, err)
	assert.Equal(t, viseme.PP, res.Viseme)
	assert.Greater(t, res.Classification.Confidence, float32(0.7))
	assert.Equal(t, viseme.SourceLandmark, res.Classification.Source)
	assert.Equal(t, metrics.OutcomeLandmark, res.Outcome)
	assert.NoError(t, res.Recovered)
	assert.Equal(t, uint64(1), res.Seq)
}

func TestProcessFrame_ClosedLipsOffPrototypeIsPP(t *testing.T) {
	tests := []struct {
		name string
		m    landmarks.Measurements
	}{
		{name: "wide with open jaw", m: landmarks.Measurements{MouthWidth: 0.7, JawOpening: 0.3, LipCompression: 0.8}},
		{name: "slightly wide", m: landmarks.Measurements{MouthWidth: 0.6, JawOpening: 0.2, LipCompression: 0.85}},
		{name: "narrow", m: landmarks.Measurements{MouthWidth: 0.25, JawOpening: 0.1, LipCompression: 0.9, Rounding: 0.3}},
		{name: "hairline gap", m: landmarks.Measurements{LipGap: 0.02, MouthWidth: 0.5, JawOpening: 0.25, LipCompression: 0.75}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newReady(t, DefaultOptions(), Deps{})
			res, err := o.ProcessFrame(landmarks.Synthesize(tt.m), 0)
			require.NoError(t, err)
			assert.Equal(t, viseme.PP, res.Viseme)
			assert.Greater(t, res.Classification.Confidence, float32(0.7))
			assert.Equal(t, metrics.OutcomeLandmark, res.Outcome)
		})
	}
}

func TestProcessFrame_HoldsLastVisemeThenRelaxes(t *testing.T) {
	o := newReady(t, DefaultOptions(), Deps{})

	open := face(t, viseme.AA)
	var ts time.Duration
	for i := 0; i < 5; i++ {
		ts = time.Duration(i) * frame60
		res, err := o.ProcessFrame(open, ts)
		require.NoError(t, err)
		require.Equal(t, viseme.AA, res.Viseme)
	}
	last := ts

	for k := 1; k <= 30; k++ {
		res, err := o.ProcessFrame(nil, last+time.Duration(k)*frame60)
		require.NoError(t, err)
		assert.Equal(t, metrics.OutcomeFallback, res.Outcome)
		assert.Equal(t, viseme.SourceGeometric, res.Classification.Source)
		if k <= 14 {
			assert.Equal(t, viseme.AA, res.Viseme, "frame %d after loss", k)
		} else {
			assert.Equal(t, viseme.Neutral, res.Viseme, "frame %d after loss", k)
		}
	}

	snap := o.Metrics()
	assert.Equal(t, uint64(35), snap.Frames)
	assert.Equal(t, uint64(5), snap.LandmarkFrames)
	assert.Equal(t, uint64(30), snap.FallbackFrames)
	assert.InDelta(t, 5.0/35.0, snap.DetectionAccuracy, 1e-9)
}

func TestProcessFrame_RelaxesToNeutralPose(t *testing.T) {
	head := renderer.NewHeadless(morph.ARKitVocabulary())
	o := newReady(t, DefaultOptions(), Deps{Renderer: head})

	for i := 0; i < 10; i++ {
		_, err := o.ProcessFrame(face(t, viseme.AA), time.Duration(i)*frame60)
		require.NoError(t, err)
	}
	require.InDelta(t, 0.6, head.Last()[morph.JawOpen], 1e-5)

	start := 10 * frame60
	var res Result
	for k := 0; k < 40; k++ {
		var err error
		res, err = o.ProcessFrame(nil, start+time.Duration(k)*frame60+time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, viseme.Neutral, res.Viseme)
	for name, v := range head.Last() {
		assert.Zero(t, v, "%s should be relaxed", name)
	}
}

func TestProcessFrame_UnknownTargetIsSkipped(t *testing.T) {
	var vocab []string
	for _, n := range morph.ARKitVocabulary() {
		if n != morph.JawOpen {
			vocab = append(vocab, n)
		}
	}
	head := renderer.NewHeadless(vocab)

	b := bus.NewEventBus()
	var unknown atomic.Int32
	b.Subscribe(bus.EventTypeUnknownTarget, func(bus.Event) { unknown.Add(1) })

	o := newReady(t, DefaultOptions(), Deps{Renderer: head}, WithBus(b))
	assert.Contains(t, o.Warnings(), morph.UnknownTargetWarning{Viseme: viseme.AA, Target: morph.JawOpen})

	for i := 0; i < 6; i++ {
		res, err := o.ProcessFrame(face(t, viseme.AA), time.Duration(i)*frame60)
		require.NoError(t, err)
		assert.NotContains(t, res.Influences, morph.JawOpen)
	}
	b.Drain()

	pose := head.Last()
	assert.InDelta(t, 0.2, pose[morph.MouthStretchLeft], 1e-5)
	assert.InDelta(t, 0.2, pose[morph.MouthStretchRight], 1e-5)
	assert.Equal(t, int32(len(o.Warnings())), unknown.Load())
	assert.Zero(t, o.Metrics().RendererErrors)
}

func TestProcessFrame_ConvergesAndStaysStable(t *testing.T) {
	opts := DefaultOptions()
	o := newReady(t, opts, Deps{})

	want := map[string]float32{}
	for _, n := range morph.ARKitVocabulary() {
		want[n] = 0
	}
	for _, b := range morph.DefaultMap()[viseme.U] {
		want[b.Target] = b.Weight
	}

	u := face(t, viseme.U)
	var prev map[string]float32
	for i := 0; i < opts.SmoothingSteps; i++ {
		res, err := o.ProcessFrame(u, time.Duration(i)*frame60)
		require.NoError(t, err)
		require.Equal(t, viseme.U, res.Viseme)
		assertStepBounded(t, prev, res.Influences, opts.SmoothingSteps)
		prev = res.Influences
	}

	approx := cmpopts.EquateApprox(0, 1e-5)
	if diff := cmp.Diff(want, prev, approx); diff != "" {
		t.Fatalf("not converged after %d frames (-want +got):\n%s", opts.SmoothingSteps, diff)
	}
	for i := opts.SmoothingSteps; i < 3*opts.SmoothingSteps; i++ {
		res, err := o.ProcessFrame(u, time.Duration(i)*frame60)
		require.NoError(t, err)
		if diff := cmp.Diff(want, res.Influences, approx); diff != "" {
			t.Fatalf("drifted at frame %d:\n%s", i, diff)
		}
		prev = res.Influences
	}

	// U's rounding targets fall while aa's jaw targets rise.
	open := face(t, viseme.AA)
	var falling bool
	for i := 3 * opts.SmoothingSteps; i < 4*opts.SmoothingSteps; i++ {
		res, err := o.ProcessFrame(open, time.Duration(i)*frame60)
		require.NoError(t, err)
		require.Equal(t, viseme.AA, res.Viseme)
		assertStepBounded(t, prev, res.Influences, opts.SmoothingSteps)
		for name, v := range res.Influences {
			if v < prev[name] {
				falling = true
			}
		}
		prev = res.Influences
	}
	assert.True(t, falling, "switching visemes should release some targets")
}

// assertStepBounded checks no influence moved more than one smoothing step
// in either direction.
func assertStepBounded(t *testing.T, prev, next map[string]float32, steps int) {
	t.Helper()
	step := 1.0 / float64(steps)
	for name, v := range next {
		assert.LessOrEqual(t, math.Abs(float64(v-prev[name])), step+1e-6, "target %s", name)
	}
}

func TestProcessFrame_NeverFailsAfterInitialize(t *testing.T) {
	o := newReady(t, DefaultOptions(), Deps{})
	rng := rand.New(rand.NewSource(42))

	inputs := func(i int) landmarks.Set {
		switch i % 5 {
		case 0:
			return nil
		case 1:
			return make(landmarks.Set, 12)
		case 2:
			s := face(t, viseme.E)
			s[landmarks.MouthLeft] = mgl32.Vec3{float32(math.NaN()), 0, 0}
			return s
		case 3:
			s := make(landmarks.Set, landmarks.FaceMeshCount)
			for j := range s {
				s[j] = mgl32.Vec3{rng.Float32(), rng.Float32(), rng.Float32()}
			}
			return s
		default:
			return landmarks.Synthesize(landmarks.Measurements{
				LipGap: rng.Float32(), MouthWidth: rng.Float32(), JawOpening: rng.Float32(),
				LipCompression: rng.Float32(), Rounding: rng.Float32(),
			})
		}
	}

	for i := 0; i < 500; i++ {
		res, err := o.ProcessFrame(inputs(i), time.Duration(i)*frame60)
		require.NoError(t, err)
		assert.True(t, res.Viseme.Valid(), "frame %d gave %q", i, res.Viseme)
		assert.GreaterOrEqual(t, res.Classification.Confidence, float32(0))
		assert.LessOrEqual(t, res.Classification.Confidence, float32(1))
		for name, v := range res.Influences {
			assert.True(t, v >= 0 && v <= 1, "%s=%v", name, v)
		}
	}
	assert.NotZero(t, o.Metrics().Failures, "malformed sets count as failures")
}

func TestProcessFrame_AnalyzerPanicFallsBack(t *testing.T) {
	calls := 0
	panicky := analyzerFunc(func(m landmarks.Measurements) viseme.Classification {
		calls++
		if calls > 2 {
			panic("prototype table corrupted")
		}
		return viseme.Classification{Viseme: viseme.O, Confidence: 0.9, Source: viseme.SourceLandmark}
	})
	o := newReady(t, DefaultOptions(), Deps{}, WithAnalyzer(panicky))

	for i := 0; i < 2; i++ {
		res, err := o.ProcessFrame(face(t, viseme.O), time.Duration(i)*frame60)
		require.NoError(t, err)
		require.Equal(t, viseme.O, res.Viseme)
	}

	res, err := o.ProcessFrame(face(t, viseme.O), 2*frame60)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Recovered, ErrDetectionFailure)
	assert.Equal(t, metrics.OutcomeFallback, res.Outcome)
	assert.Equal(t, viseme.O, res.Viseme, "recalled from the previous frame")
	assert.Equal(t, uint64(1), o.Metrics().Failures)
}

func TestProcessFrame_SlowAnalysisTimesOut(t *testing.T) {
	opts := DefaultOptions()
	opts.AnalysisTimeout = time.Millisecond
	slow := analyzerFunc(func(m landmarks.Measurements) viseme.Classification {
		time.Sleep(5 * time.Millisecond)
		return viseme.Classification{Viseme: viseme.E, Confidence: 1, Source: viseme.SourceLandmark}
	})
	o := newReady(t, opts, Deps{}, WithAnalyzer(slow))

	res, err := o.ProcessFrame(face(t, viseme.E), 0)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Recovered, ErrDetectionTimeout)
	assert.Equal(t, viseme.Neutral, res.Viseme)
	assert.Equal(t, uint64(1), o.Metrics().Timeouts)
}

func TestAnalysisModes(t *testing.T) {
	unsure := analyzerFunc(func(m landmarks.Measurements) viseme.Classification {
		return viseme.Classification{Viseme: viseme.Sil, Confidence: 0.1, Source: viseme.SourceLandmark, LowConfidence: true}
	})
	sure := analyzerFunc(func(m landmarks.Measurements) viseme.Classification {
		return viseme.Classification{Viseme: viseme.E, Confidence: 0.9, Source: viseme.SourceLandmark}
	})

	tests := []struct {
		name     string
		mode     Mode
		analyzer Analyzer
		want     viseme.Viseme
		source   viseme.Source
		outcome  metrics.Outcome
	}{
		{name: "landmark", mode: ModeLandmark, want: viseme.AA, source: viseme.SourceLandmark, outcome: metrics.OutcomeLandmark},
		{name: "landmark keeps unsure", mode: ModeLandmark, analyzer: unsure, want: viseme.Sil, source: viseme.SourceLandmark, outcome: metrics.OutcomeLandmark},
		{name: "geometric", mode: ModeGeometric, want: viseme.AA, source: viseme.SourceGeometric, outcome: metrics.OutcomeGeometric},
		{name: "hybrid replaces unsure", mode: ModeHybrid, analyzer: unsure, want: viseme.AA, source: viseme.SourceGeometric, outcome: metrics.OutcomeGeometric},
		{name: "hybrid keeps sure", mode: ModeHybrid, analyzer: sure, want: viseme.E, source: viseme.SourceLandmark, outcome: metrics.OutcomeLandmark},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.AnalysisMode = tt.mode
			var options []Option
			if tt.analyzer != nil {
				options = append(options, WithAnalyzer(tt.analyzer))
			}
			o := newReady(t, opts, Deps{}, options...)

			res, err := o.ProcessFrame(face(t, viseme.AA), 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Viseme)
			assert.Equal(t, tt.source, res.Classification.Source)
			assert.Equal(t, tt.outcome, res.Outcome)
		})
	}
}

func TestReconfigure_AppliesAtNextFrame(t *testing.T) {
	b := bus.NewEventBus()
	reconfigured := make(chan bus.Event, 1)
	b.Subscribe(bus.EventTypeReconfigured, func(e bus.Event) { reconfigured <- e })

	o := newReady(t, DefaultOptions(), Deps{}, WithBus(b))

	bad := o.Tuning()
	bad.ConfidenceThreshold = 1.5
	assert.Error(t, o.Reconfigure(bad))
	bad = o.Tuning()
	bad.AnalysisMode = "psychic"
	assert.Error(t, o.Reconfigure(bad))

	next := o.Tuning()
	next.AnalysisMode = ModeGeometric
	next.ConfidenceThreshold = 0.5
	require.NoError(t, o.Reconfigure(next))
	assert.Equal(t, next, o.Tuning())

	res, err := o.ProcessFrame(face(t, viseme.AA), 0)
	require.NoError(t, err)
	assert.Equal(t, viseme.SourceGeometric, res.Classification.Source)

	select {
	case e := <-reconfigured:
		assert.Equal(t, "geometric", e.Data["mode"])
	case <-time.After(time.Second):
		t.Fatal("no reconfigured event")
	}
}

func TestProcessFrame_RendererErrorsAreRecovered(t *testing.T) {
	head := renderer.NewHeadless(morph.ARKitVocabulary())
	o := newReady(t, DefaultOptions(), Deps{Renderer: head})

	head.FailWith(errors.New("webgl context lost"))
	for i := 0; i < 3; i++ {
		res, err := o.ProcessFrame(face(t, viseme.I), time.Duration(i)*frame60)
		require.NoError(t, err)
		assert.Equal(t, viseme.I, res.Viseme)
	}
	assert.Equal(t, uint64(3), o.Metrics().RendererErrors)

	head.FailWith(nil)
	_, err := o.ProcessFrame(face(t, viseme.I), 3*frame60)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), o.Metrics().RendererErrors)
	assert.Equal(t, 1, head.Applied())
}

func TestProcessFrame_RealTimeBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("timing scenario")
	}
	o := newReady(t, DefaultOptions(), Deps{})

	script := []viseme.Viseme{viseme.Sil, viseme.PP, viseme.AA, viseme.O, viseme.E, viseme.FF}
	sets := make([]landmarks.Set, len(script))
	for i, v := range script {
		sets[i] = face(t, v)
	}

	for i := 0; i < 60; i++ {
		_, err := o.ProcessFrame(sets[(i/10)%len(sets)], time.Duration(i)*frame60)
		require.NoError(t, err)
	}

	snap := o.Metrics()
	assert.Equal(t, uint64(60), snap.Frames)
	assert.Less(t, snap.AvgProcessing, frame60)
	assert.NotZero(t, snap.MemoryBytes)
}

func TestMetrics_ConcurrentWithFrames(t *testing.T) {
	o := newReady(t, DefaultOptions(), Deps{})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := o.Metrics()
			if s.Frames > 0 {
				assert.Equal(t, s.Frames, s.LandmarkFrames+s.GeometricFrames+s.FallbackFrames)
			}
			_ = o.State()
		}
	}()

	for i := 0; i < 300; i++ {
		set := face(t, viseme.O)
		if i%7 == 0 {
			set = nil
		}
		_, err := o.ProcessFrame(set, time.Duration(i)*frame60)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(300), o.Metrics().Frames)
}

func TestDispose_ResetsRendererAndRecordsSession(t *testing.T) {
	head := renderer.NewHeadless(morph.ARKitVocabulary())
	b := bus.NewEventBus()
	ended := make(chan bus.Event, 1)
	b.Subscribe(bus.EventTypeSessionEnded, func(e bus.Event) { ended <- e })

	var stored []metrics.SessionSummary
	rec := recorderFunc(func(s metrics.SessionSummary) error {
		stored = append(stored, s)
		return nil
	})

	o := newReady(t, DefaultOptions(), Deps{Renderer: head}, WithBus(b), WithSessionRecorder(rec), WithSessionID("avatar-1"))
	for i := 0; i < 8; i++ {
		_, err := o.ProcessFrame(face(t, viseme.AA), time.Duration(i)*frame60)
		require.NoError(t, err)
	}
	require.NotZero(t, head.Last()[morph.JawOpen])

	require.NoError(t, o.Dispose())
	for name, v := range head.Last() {
		assert.Zero(t, v, "%s not reset", name)
	}

	require.Len(t, stored, 1)
	assert.Equal(t, "avatar-1", stored[0].SessionID)
	assert.Equal(t, uint64(8), stored[0].Frames)

	select {
	case e := <-ended:
		assert.Equal(t, "avatar-1", e.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no session ended event")
	}
}

func TestDispose_BeforeInitialize(t *testing.T) {
	o := New(DefaultOptions(), zerolog.Nop())
	require.NoError(t, o.Dispose())
	_, err := o.ProcessFrame(nil, 0)
	assert.ErrorIs(t, err, ErrDisposed)
}

// gatedDetector answers with the face once release is closed, ignoring
// cancellation like a slow remote call would.
type gatedDetector struct {
	set     landmarks.Set
	release chan struct{}
	calls   atomic.Int32
}

func (d *gatedDetector) Detect(ctx context.Context, f detector.Frame) (landmarks.Set, error) {
	if d.calls.Add(1) == 1 {
		<-d.release
	}
	return d.set, nil
}

func TestProcessImage_TimeoutBusyAndLateDiscard(t *testing.T) {
	opts := DefaultOptions()
	opts.DetectionTimeout = 10 * time.Millisecond
	det := &gatedDetector{set: face(t, viseme.AA), release: make(chan struct{})}
	o := newReady(t, opts, Deps{Detector: det})
	ctx := context.Background()

	res, err := o.ProcessImage(ctx, detector.Frame{}, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Recovered, ErrDetectionTimeout)
	assert.Equal(t, metrics.OutcomeFallback, res.Outcome)

	res, err = o.ProcessImage(ctx, detector.Frame{}, frame60)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Recovered, ErrDetectorBusy)
	assert.Equal(t, int32(1), det.calls.Load(), "no second request while the first is in flight")

	close(det.release)

	ts := 2 * frame60
	require.Eventually(t, func() bool {
		res, err = o.ProcessImage(ctx, detector.Frame{}, ts)
		ts += frame60
		return err == nil && res.Outcome == metrics.OutcomeLandmark
	}, time.Second, time.Millisecond)
	assert.Equal(t, viseme.AA, res.Viseme)

	snap := o.Metrics()
	assert.Equal(t, uint64(1), snap.Discarded)
	assert.Equal(t, uint64(1), snap.Timeouts)
}

type failingDetector struct{}

func (failingDetector) Detect(context.Context, detector.Frame) (landmarks.Set, error) {
	return nil, errors.New("camera unplugged")
}

func TestProcessImage_DetectorFailureAndNoFace(t *testing.T) {
	o := newReady(t, DefaultOptions(), Deps{Detector: failingDetector{}})
	res, err := o.ProcessImage(context.Background(), detector.Frame{}, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Recovered, ErrDetectionFailure)
	assert.Equal(t, viseme.Neutral, res.Viseme)

	synth, err := detector.NewSynthetic(detector.Utterance([]landmarks.Measurements{prototype(t, viseme.PP)}, 1, 1), 0)
	require.NoError(t, err)
	o = newReady(t, DefaultOptions(), Deps{Detector: synth})

	// Sequences start at 1, which the script maps to its no-face entry.
	res, err = o.ProcessImage(context.Background(), detector.Frame{}, 0)
	require.NoError(t, err)
	assert.NoError(t, res.Recovered)
	assert.Equal(t, metrics.OutcomeFallback, res.Outcome)

	res, err = o.ProcessImage(context.Background(), detector.Frame{}, frame60)
	require.NoError(t, err)
	assert.Equal(t, viseme.PP, res.Viseme)
	assert.Equal(t, metrics.OutcomeLandmark, res.Outcome)
}

func TestProcessImage_NoDetector(t *testing.T) {
	o := newReady(t, DefaultOptions(), Deps{})
	_, err := o.ProcessImage(context.Background(), detector.Frame{}, 0)
	assert.ErrorIs(t, err, ErrNoDetector)
}

// blockingDetector waits for cancellation.
type blockingDetector struct {
	started chan struct{}
	once    sync.Once
}

func (d *blockingDetector) Detect(ctx context.Context, f detector.Frame) (landmarks.Set, error) {
	d.once.Do(func() { close(d.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessImage_CallerCancelFallsBack(t *testing.T) {
	opts := DefaultOptions()
	opts.DetectionTimeout = time.Minute
	det := &blockingDetector{started: make(chan struct{})}
	o := newReady(t, opts, Deps{Detector: det})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-det.started
		cancel()
	}()

	res, err := o.ProcessImage(ctx, detector.Frame{}, 0)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeFallback, res.Outcome)
	assert.ErrorIs(t, res.Recovered, ErrDetectionFailure)
	assert.ErrorIs(t, res.Recovered, context.Canceled)
	assert.Equal(t, viseme.Neutral, res.Viseme)
	assert.Equal(t, StateReady, o.State())

	// an already cancelled caller still gets a frame
	res, err = o.ProcessImage(ctx, detector.Frame{}, frame60)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeFallback, res.Outcome)
}

func TestDispose_CancelsOutstandingDetection(t *testing.T) {
	opts := DefaultOptions()
	opts.DetectionTimeout = time.Minute
	det := &blockingDetector{started: make(chan struct{})}
	o := newReady(t, opts, Deps{Detector: det})

	errc := make(chan error, 1)
	go func() {
		_, err := o.ProcessImage(context.Background(), detector.Frame{}, 0)
		errc <- err
	}()

	<-det.started
	require.NoError(t, o.Dispose())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(time.Second):
		t.Fatal("detection not cancelled by dispose")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "disposed", StateDisposed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Hybrid ")
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, m)
	_, err = ParseMode("")
	assert.Error(t, err)
}
