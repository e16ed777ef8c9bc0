package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/bus"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/config"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/detector"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/renderer"
)

func serveCmd() *cobra.Command {
	var (
		addr string
		fps  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the optimizer and stream influences over WebSocket",
		Long: `Run one avatar session at a fixed frame rate. Every frame's viseme and
morph target influences are pushed to clients of /influences.

Tuning keys in the config file (confidence threshold, analysis mode,
detection timeout) are applied to the running session when the file
changes.

Endpoints:
  /influences   WebSocket frame stream
  /metrics      current session metrics (JSON)
  /logs         recent log entries (JSON, ?limit=N)
  /healthz      liveness

Examples:
  visemed serve
  visemed serve --addr :9000 --fps 30
  VISEMED_DETECTOR_KIND=websocket visemed serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loader.Config()
			if addr == "" {
				addr = cfg.Renderer.StreamAddr
			}
			if fps < 1 {
				return fmt.Errorf("--fps must be positive")
			}
			logger := log.Component("serve")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shapes, err := scriptShapes(defaultScript, 8, 4)
			if err != nil {
				return err
			}
			p, err := buildPipeline(ctx, cfg, shapes)
			if err != nil {
				return err
			}
			defer p.Close()

			for _, w := range p.opt.Warnings() {
				logger.Warn().Str("viseme", w.Viseme.String()).Str("target", w.Target).Msg("Avatar lacks morph target")
			}
			p.bus.SubscribeMultiple([]bus.EventType{
				bus.EventTypeDetectionTimeout,
				bus.EventTypeDetectionFailed,
				bus.EventTypeRendererFailed,
			}, func(e bus.Event) {
				logger.Debug().Str("event", string(e.Type)).Interface("data", e.Data).Msg("Frame recovered")
			})

			if loader.Watch(func(next *config.Config, err error) {
				if err != nil {
					logger.Warn().Err(err).Msg("Ignoring invalid config edit")
					return
				}
				if err := p.opt.Reconfigure(next.Tuning()); err != nil {
					logger.Warn().Err(err).Msg("Reconfigure rejected")
				}
			}) {
				logger.Info().Str("file", loader.File()).Msg("Watching config for tuning changes")
			}

			stream := renderer.NewStream(log.Component("stream"))
			defer stream.Close()

			mux := http.NewServeMux()
			mux.Handle("/influences", stream)
			mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, p.opt.Metrics())
			})
			mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
				limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
				writeJSON(w, log.History(limit))
			})
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{
					"session": p.opt.SessionID(),
					"state":   p.opt.State().String(),
					"clients": stream.Clients(),
				})
			})

			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			logger.Info().Str("addr", addr).Int("fps", fps).Str("session", p.opt.SessionID()).Msg("Streaming influences")

			runErr := runFrames(ctx, p, stream, fps, errCh)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("HTTP shutdown")
			}

			snap := p.opt.Metrics()
			logger.Info().
				Uint64("frames", snap.Frames).
				Dur("avg", snap.AvgProcessing).
				Float64("accuracy", snap.DetectionAccuracy).
				Uint64("dropped", stream.Dropped()).
				Msg("Session ended")
			return runErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from renderer.stream_addr)")
	cmd.Flags().IntVar(&fps, "fps", 60, "frame rate")

	return cmd
}

// runFrames drives the optimizer at fps until ctx ends or the server fails.
// Frames carry only sequence and timestamp; the landmark service owns the
// camera.
func runFrames(ctx context.Context, p *pipeline, stream *renderer.Stream, fps int, errCh <-chan error) error {
	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case now := <-ticker.C:
			ts := now.Sub(start)
			res, err := p.opt.ProcessImage(ctx, detector.Frame{Seq: seq, Timestamp: ts}, ts)
			seq++
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := stream.Broadcast(renderer.FrameMessage{
				Seq:        res.Seq,
				Viseme:     res.Viseme.String(),
				Confidence: res.Classification.Confidence,
				Source:     string(res.Classification.Source),
				Influences: res.Influences,
			}); err != nil {
				return err
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
