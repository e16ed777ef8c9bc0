package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/config"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/metrics"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/morph"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/renderer"
)

func vocabCmd() *cobra.Command {
	var mapFile string

	cmd := &cobra.Command{
		Use:   "vocab <model.glb>",
		Short: "List an avatar's morph targets and check them against the viseme map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mesh, err := renderer.LoadMorphMesh(args[0])
			if err != nil {
				return err
			}

			if mapFile == "" {
				mapFile = loader.Config().Morph.MapFile
			}
			m := morph.DefaultMap()
			if mapFile != "" {
				if m, err = morph.LoadMapFile(mapFile); err != nil {
					return err
				}
			}

			vocab := mesh.Vocabulary()
			fmt.Printf("Model: %s\n", args[0])
			fmt.Printf("Vertices: %d\n", mesh.VertexCount())
			fmt.Printf("Morph Targets (%d):\n", len(vocab))
			for _, name := range vocab {
				fmt.Printf("  %s\n", name)
			}

			missing := m.MissingTargets(vocab)
			if len(missing) == 0 {
				fmt.Println("\n✅ Every mapped target is present")
				return nil
			}
			fmt.Printf("\n⚠️  Missing %d mapped targets (skipped at runtime): %s\n",
				len(missing), strings.Join(missing, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&mapFile, "map", "", "viseme map file (default from morph.map_file)")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded avatar sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := loader.Config().Metrics.DBPath
			if path == "" {
				return fmt.Errorf("session store disabled (metrics.db_path is empty)")
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Println("No sessions recorded.")
				return nil
			}
			store, err := metrics.OpenStore(path)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.RecentSessions(limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions recorded.")
				return nil
			}

			fmt.Printf("Found %d sessions:\n\n", len(sessions))
			for _, s := range sessions {
				fmt.Printf("  [%s] %s (%v)\n", s.EndedAt.Local().Format("2006-01-02 15:04"), s.SessionID,
					s.EndedAt.Sub(s.StartedAt).Round(time.Second))
				fmt.Printf("       Frames: %d | Avg: %.2fms | P95: %.2fms | Accuracy: %.1f%%\n",
					s.Frames, s.AvgProcessingMs, s.P95ProcessingMs, 100*s.DetectionAccuracy)
				fmt.Printf("       Landmark: %d | Geometric: %d | Fallback: %d | Timeouts: %d\n\n",
					s.LandmarkFrames, s.GeometricFrames, s.FallbackFrames, s.Timeouts)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum sessions to show")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(loader.Settings())
			if err != nil {
				return err
			}
			fmt.Println("visemed Configuration:")
			fmt.Println("──────────────────────")
			fmt.Print(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f := loader.File(); f != "" {
				fmt.Println(f)
				return nil
			}
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			fmt.Println(filepath.Join(dir, "config.yaml"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the effective configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			path := filepath.Join(dir, "config.yaml")
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := loader.Save(path); err != nil {
				return err
			}
			fmt.Printf("✅ Wrote %s\n", path)
			return nil
		},
	})

	return cmd
}
