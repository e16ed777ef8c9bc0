package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/config"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/detector"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/metrics"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/optimizer"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

func benchCmd() *cobra.Command {
	var (
		frames   int
		fps      int
		hold     int
		gap      int
		script   string
		mode     string
		realtime bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the optimizer against a scripted utterance",
		Long: `Drive a full optimizer session with a synthetic landmark detector and
report latency, accuracy and the viseme sequence that reached the renderer.

Examples:
  visemed bench
  visemed bench --frames 3600 --realtime
  visemed bench --script PP,aa,O,sil --hold 8 --gap 2
  visemed bench --mode hybrid`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *loader.Config()
			if fps < 1 || frames < 1 {
				return fmt.Errorf("--frames and --fps must be positive")
			}
			if hold < 1 {
				hold = 1
			}
			if gap < 0 {
				gap = 0
			}

			visemes, err := parseScript(script)
			if err != nil {
				return err
			}
			if mode != "" {
				m, err := optimizer.ParseMode(mode)
				if err != nil {
					return err
				}
				cfg.Optimizer.AnalysisMode = m
			}
			shapes, err := scriptShapes(visemes, hold, gap)
			if err != nil {
				return err
			}
			cfg.Detector.Kind = config.DetectorSynthetic

			p, err := buildPipeline(cmd.Context(), &cfg, shapes)
			if err != nil {
				return err
			}
			defer p.Close()

			interval := time.Second / time.Duration(fps)
			var ticker *time.Ticker
			if realtime {
				ticker = time.NewTicker(interval)
				defer ticker.Stop()
			}

			expected := make([]viseme.Viseme, 0, len(shapes))
			for i, s := range shapes {
				if s.NoFace {
					expected = append(expected, "")
					continue
				}
				expected = append(expected, visemes[i/(hold+gap)])
			}

			var (
				hits, scored int
				counts       = make(map[viseme.Viseme]int)
				start        = time.Now()
			)
			for i := 0; i < frames; i++ {
				if ticker != nil {
					select {
					case <-ticker.C:
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					}
				}
				ts := time.Duration(i) * interval
				res, err := p.opt.ProcessImage(cmd.Context(), detector.Frame{Seq: uint64(i), Timestamp: ts}, ts)
				if err != nil {
					return err
				}
				counts[res.Viseme]++
				if want := expected[i%len(expected)]; want != "" {
					scored++
					if res.Viseme == want {
						hits++
					}
				}
			}
			elapsed := time.Since(start)

			snap := p.opt.Metrics()
			printBench(snap, elapsed, counts)
			if scored > 0 {
				fmt.Printf("Script Match:     %.1f%% (%d/%d face frames)\n", 100*float64(hits)/float64(scored), hits, scored)
			}
			if p.store != nil {
				fmt.Printf("\nSession %s recorded to %s\n", p.opt.SessionID(), cfg.Metrics.DBPath)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&frames, "frames", 600, "frames to process")
	cmd.Flags().IntVar(&fps, "fps", 60, "frame rate used for timestamps")
	cmd.Flags().IntVar(&hold, "hold", 6, "frames each scripted viseme is held")
	cmd.Flags().IntVar(&gap, "gap", 0, "frames without a face between visemes")
	cmd.Flags().StringVar(&script, "script", "", "comma-separated visemes (default: every viseme once)")
	cmd.Flags().StringVar(&mode, "mode", "", "analysis mode override: landmark, geometric or hybrid")
	cmd.Flags().BoolVar(&realtime, "realtime", false, "pace frames at --fps instead of running flat out")

	return cmd
}

func parseScript(script string) ([]viseme.Viseme, error) {
	if strings.TrimSpace(script) == "" {
		return defaultScript, nil
	}
	var out []viseme.Viseme
	for _, part := range strings.Split(script, ",") {
		v, err := viseme.Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if v == viseme.Neutral {
			return nil, fmt.Errorf("neutral has no mouth shape to script")
		}
		out = append(out, v)
	}
	return out, nil
}

func printBench(s metrics.Snapshot, elapsed time.Duration, counts map[viseme.Viseme]int) {
	fmt.Println("Benchmark Results:")
	fmt.Println("──────────────────")
	fmt.Printf("Frames:           %d in %v\n", s.Frames, elapsed.Round(time.Millisecond))
	fmt.Printf("Avg Processing:   %v\n", s.AvgProcessing)
	fmt.Printf("P95 Processing:   %v\n", s.P95Processing)
	fmt.Printf("Max Processing:   %v\n", s.MaxProcessing)
	fmt.Printf("Landmark Frames:  %d\n", s.LandmarkFrames)
	fmt.Printf("Geometric Frames: %d\n", s.GeometricFrames)
	fmt.Printf("Fallback Frames:  %d (timeouts %d, failures %d)\n", s.FallbackFrames, s.Timeouts, s.Failures)
	fmt.Printf("Low Confidence:   %d\n", s.LowConfidence)
	fmt.Printf("Accuracy:         %.1f%%\n", 100*s.DetectionAccuracy)
	fmt.Printf("Heap:             %.1f MiB\n", float64(s.MemoryBytes)/(1<<20))

	keys := make([]viseme.Viseme, 0, len(counts))
	for v := range counts {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return counts[keys[i]] > counts[keys[j]] })

	fmt.Println("\nVisemes:")
	for _, v := range keys {
		fmt.Printf("  %-8s %d\n", v, counts[v])
	}
}
