package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/bus"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/classifier"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/config"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/detector"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/metrics"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/morph"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/optimizer"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/renderer"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

// defaultScript is the synthetic utterance used when no script is given.
var defaultScript = []viseme.Viseme{
	viseme.Sil, viseme.PP, viseme.AA, viseme.E, viseme.I, viseme.O, viseme.U,
	viseme.FF, viseme.TH, viseme.SS, viseme.KK, viseme.NN, viseme.RR, viseme.CH, viseme.DD,
}

// pipeline is one fully wired optimizer session.
type pipeline struct {
	opt      *optimizer.Optimizer
	renderer optimizer.Renderer
	detector optimizer.Detector
	store    *metrics.Store
	bus      *bus.EventBus
	closers  []func()
}

// scriptShapes turns visemes into synthetic detector answers using the
// classifier prototypes, holding each for hold frames.
func scriptShapes(visemes []viseme.Viseme, hold, gap int) ([]detector.Shape, error) {
	protos := make(map[viseme.Viseme]landmarks.Vector)
	for _, p := range classifier.DefaultPrototypes() {
		protos[p.Viseme] = p.Vector
	}

	shapes := make([]landmarks.Measurements, 0, len(visemes))
	for _, v := range visemes {
		vec, ok := protos[v]
		if !ok {
			return nil, fmt.Errorf("no mouth shape for viseme %s", v)
		}
		shapes = append(shapes, landmarks.FromVector(vec))
	}
	return detector.Utterance(shapes, hold, gap), nil
}

func buildPipeline(ctx context.Context, cfg *config.Config, script []detector.Shape) (*pipeline, error) {
	p := &pipeline{bus: bus.NewEventBus()}

	m := morph.DefaultMap()
	if cfg.Morph.MapFile != "" {
		loaded, err := morph.LoadMapFile(cfg.Morph.MapFile)
		if err != nil {
			return nil, err
		}
		m = loaded
	}

	if cfg.Renderer.Model != "" {
		mesh, err := renderer.LoadMorphMesh(cfg.Renderer.Model)
		if err != nil {
			return nil, fmt.Errorf("load avatar: %w", err)
		}
		p.renderer = mesh
	} else {
		p.renderer = renderer.NewHeadless(morph.ARKitVocabulary())
	}

	switch cfg.Detector.Kind {
	case config.DetectorWebSocket:
		ws := detector.NewWSClient(cfg.Detector.URL, log.Component("detector"))
		if err := ws.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect landmark service: %w", err)
		}
		p.detector = ws
		p.closers = append(p.closers, ws.Disconnect)
	default:
		synth, err := detector.NewSynthetic(script, cfg.Detector.Latency)
		if err != nil {
			return nil, err
		}
		p.detector = synth
	}

	var options []optimizer.Option
	options = append(options, optimizer.WithBus(p.bus))
	if cfg.Metrics.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Metrics.DBPath), 0755); err != nil {
			p.Close()
			return nil, err
		}
		store, err := metrics.OpenStore(cfg.Metrics.DBPath)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.store = store
		p.closers = append(p.closers, func() { store.Close() })
		options = append(options, optimizer.WithSessionRecorder(store))
	}

	p.opt = optimizer.New(cfg.Optimizer, log.Zerolog(), options...)
	if err := p.opt.Initialize(ctx, optimizer.Deps{Map: m, Renderer: p.renderer, Detector: p.detector}); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Close disposes the session and releases adapters, newest first.
func (p *pipeline) Close() {
	if p.opt != nil && p.opt.State() != optimizer.StateDisposed {
		if err := p.opt.Dispose(); err != nil {
			logger := log.Component("cli")
			logger.Warn().Err(err).Msg("Dispose reported errors")
		}
	}
	p.bus.Drain()
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}
