// Package config provides configuration management for visemed
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/logging"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/optimizer"
)

// Config holds all application configuration
type Config struct {
	Optimizer optimizer.Options `mapstructure:"optimizer"`
	Morph     MorphConfig       `mapstructure:"morph"`
	Detector  DetectorConfig    `mapstructure:"detector"`
	Renderer  RendererConfig    `mapstructure:"renderer"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Logging   logging.Config    `mapstructure:"logging"`
}

// MorphConfig selects the viseme to morph target map
type MorphConfig struct {
	MapFile string `mapstructure:"map_file"` // YAML or JSON; empty uses the built-in ARKit map
}

// DetectorConfig selects the landmark detector
type DetectorConfig struct {
	Kind    string        `mapstructure:"kind"` // synthetic or websocket
	URL     string        `mapstructure:"url"`
	Latency time.Duration `mapstructure:"latency"` // synthetic detector answer delay
}

// RendererConfig selects the renderer vocabulary and output stream
type RendererConfig struct {
	Model      string `mapstructure:"model"`       // GLB/glTF avatar; empty uses the ARKit vocabulary
	StreamAddr string `mapstructure:"stream_addr"` // listen address for the influence stream
}

// MetricsConfig configures session persistence
type MetricsConfig struct {
	DBPath string `mapstructure:"db_path"` // empty disables the session store
}

const (
	DetectorSynthetic = "synthetic"
	DetectorWebSocket = "websocket"
)

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	dir, _ := Dir()
	return &Config{
		Optimizer: optimizer.DefaultOptions(),
		Detector: DetectorConfig{
			Kind: DetectorSynthetic,
			URL:  "http://localhost:8790",
		},
		Renderer: RendererConfig{
			StreamAddr: ":8787",
		},
		Metrics: MetricsConfig{
			DBPath: filepath.Join(dir, "sessions.db"),
		},
		Logging: logging.DefaultConfig(),
	}
}

// Validate reports settings that no component could start with.
func (c *Config) Validate() error {
	if _, err := optimizer.ParseMode(string(c.Optimizer.AnalysisMode)); err != nil {
		return err
	}
	switch c.Detector.Kind {
	case DetectorSynthetic:
	case DetectorWebSocket:
		if c.Detector.URL == "" {
			return errors.New("detector.url is required for the websocket detector")
		}
	default:
		return fmt.Errorf("unknown detector kind %q", c.Detector.Kind)
	}
	return nil
}

// Tuning extracts the settings a running session can pick up.
func (c *Config) Tuning() optimizer.Tuning {
	return optimizer.Tuning{
		ConfidenceThreshold: c.Optimizer.ConfidenceThreshold,
		AnalysisMode:        c.Optimizer.AnalysisMode,
		DetectionTimeout:    c.Optimizer.DetectionTimeout,
	}
}

// Dir returns the per-user configuration directory
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".visemed"), nil
}

// Loader reads configuration from file and environment and can watch the
// file for changes.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration once.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

// NewLoader reads path, or config.yaml from the config directory or the
// working directory when path is empty. A missing search-path file is
// not an error; defaults apply. VISEMED_* environment variables override
// file values, e.g. VISEMED_OPTIMIZER_ANALYSIS_MODE.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VISEMED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return l, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// File returns the config file in use, empty when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Settings returns the merged settings tree.
func (l *Loader) Settings() map[string]any {
	return l.v.AllSettings()
}

// Watch re-reads the config file whenever it changes and hands the result
// to onChange. An invalid edit is reported and the previous configuration
// stays current. Without a config file Watch does nothing.
func (l *Loader) Watch(onChange func(*Config, error)) bool {
	if l.File() == "" {
		return false
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err == nil {
			l.mu.Lock()
			l.cfg = cfg
			l.mu.Unlock()
		}
		onChange(cfg, err)
	})
	l.v.WatchConfig()
	return true
}

// Save writes the current settings to path as YAML
func (l *Loader) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return l.v.WriteConfigAs(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	o := cfg.Optimizer
	v.SetDefault("optimizer.confidence_threshold", o.ConfidenceThreshold)
	v.SetDefault("optimizer.smoothing_steps", o.SmoothingSteps)
	v.SetDefault("optimizer.full_rate_confidence", o.FullRateConfidence)
	v.SetDefault("optimizer.detection_timeout", o.DetectionTimeout)
	v.SetDefault("optimizer.analysis_timeout", o.AnalysisTimeout)
	v.SetDefault("optimizer.recency_window", o.RecencyWindow)
	v.SetDefault("optimizer.metrics_window", o.MetricsWindow)
	v.SetDefault("optimizer.analysis_mode", string(o.AnalysisMode))

	v.SetDefault("morph.map_file", cfg.Morph.MapFile)

	v.SetDefault("detector.kind", cfg.Detector.Kind)
	v.SetDefault("detector.url", cfg.Detector.URL)
	v.SetDefault("detector.latency", cfg.Detector.Latency)

	v.SetDefault("renderer.model", cfg.Renderer.Model)
	v.SetDefault("renderer.stream_addr", cfg.Renderer.StreamAddr)

	v.SetDefault("metrics.db_path", cfg.Metrics.DBPath)

	v.SetDefault("logging.dir", cfg.Logging.Dir)
	v.SetDefault("logging.level", string(cfg.Logging.Level))
	v.SetDefault("logging.max_history", cfg.Logging.MaxHistory)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
