// Package main is the entry point for the visemed CLI: it drives the
// viseme optimizer against a landmark detector and streams morph target
// influences to avatar renderers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/config"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool

	loader *config.Loader
	log    *logging.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "visemed",
		Short: "visemed - real-time viseme classification for talking avatars",
		Long: `visemed turns face landmarks into smoothed morph target influences.

Benchmark the pipeline:   visemed bench --frames 600
Stream to a browser:      visemed serve --addr :8787
Inspect an avatar:        visemed vocab avatar.glb
Past sessions:            visemed sessions`,
		PersistentPreRunE:  initRuntime,
		PersistentPostRunE: closeRuntime,
		SilenceUsage:       true,
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.visemed/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("visemed v%s\n", version)
		},
	})
	root.AddCommand(benchCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(vocabCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(configCmd())

	return root
}

// initRuntime loads configuration and starts logging for every command.
func initRuntime(cmd *cobra.Command, args []string) error {
	var err error
	loader, err = config.NewLoader(cfgPath)
	if err != nil {
		return err
	}

	lcfg := loader.Config().Logging
	if verbose {
		lcfg.Level = logging.LevelDebug
	}
	log, err = logging.New(lcfg)
	if err != nil {
		return err
	}

	cli := log.Component("cli")
	cli.Debug().
		Str("command", cmd.Name()).
		Str("config", loader.File()).
		Msg("visemed starting")
	return nil
}

func closeRuntime(cmd *cobra.Command, args []string) error {
	if log != nil {
		return log.Close()
	}
	return nil
}
