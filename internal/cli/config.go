package cli

import (
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/tilerender/internal/coordinator"
	"github.com/ChuLiYu/tilerender/internal/surface"
	"github.com/ChuLiYu/tilerender/internal/tile"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// Config represents the complete configuration file.
// Fields missing from the file keep their DefaultConfig values.
type Config struct {
	Render struct {
		Width      int    `yaml:"width"`
		Height     int    `yaml:"height"`
		Rows       int    `yaml:"rows"`
		Cols       int    `yaml:"cols"`
		Format     string `yaml:"format"`     // png, bmp or tiff; empty picks from the output extension
		Output     string `yaml:"output"`     // image path
		Background string `yaml:"background"` // #rrggbb the translucent frame is flattened onto
	} `yaml:"render"`

	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
		Remote      []string      `yaml:"remote"` // worker node addresses; empty computes locally
		Listen      string        `yaml:"listen"` // address the worker command serves on
	} `yaml:"worker"`

	View struct {
		StateFile string `yaml:"state_file"` // navigation history
		Initial   string `yaml:"initial"`    // query such as "cx=-0.5&cy=0&pp=0.005&it=500"
	} `yaml:"view"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Render.Width = 640
	cfg.Render.Height = 480
	cfg.Render.Rows = 4
	cfg.Render.Cols = 4
	cfg.Render.Output = "frame.png"
	cfg.Render.Background = "#ffffff"
	cfg.Worker.WorkerCount = 4
	cfg.Worker.TaskTimeout = 30 * time.Second
	cfg.Worker.Listen = ":50051"
	cfg.View.StateFile = "tilerender-history.json"
	cfg.Metrics.Port = 9090
	return &cfg
}

// loadConfig reads path over the defaults.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// resolveConfig loads path, falling back to the defaults when the default
// path does not exist.
func resolveConfig(path string) (*Config, error) {
	cfg, err := loadConfig(path)
	if err != nil && path == DefaultConfigPath && errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// Validate checks the settings the commands depend on.
func (c *Config) Validate() error {
	if err := tile.Validate(c.Render.Width, c.Render.Height, c.Render.Rows, c.Render.Cols); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if c.Worker.WorkerCount < 1 {
		return fmt.Errorf("worker: worker_count must be at least 1, got %d", c.Worker.WorkerCount)
	}
	if c.Worker.TaskTimeout < 0 {
		return fmt.Errorf("worker: task_timeout must not be negative")
	}
	if c.Render.Format != "" {
		if _, err := surface.ParseFormat(c.Render.Format); err != nil {
			return fmt.Errorf("render: %w", err)
		}
	}
	if _, err := surface.ParseColor(c.Render.Background); err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}

// Layout returns the coordinator geometry.
func (c *Config) Layout() coordinator.Config {
	return coordinator.Config{
		Width:  c.Render.Width,
		Height: c.Render.Height,
		Rows:   c.Render.Rows,
		Cols:   c.Render.Cols,
	}
}

// OutputFormat is the configured format, or the one implied by the output path.
func (c *Config) OutputFormat() surface.Format {
	if f, err := surface.ParseFormat(c.Render.Format); err == nil {
		return f
	}
	return surface.FormatFromPath(c.Render.Output)
}

// BackgroundColor parses Render.Background; call Validate first.
func (c *Config) BackgroundColor() color.Color {
	bg, err := surface.ParseColor(c.Render.Background)
	if err != nil {
		return color.White
	}
	return bg
}

// parseLevel maps a --log-level value onto slog.
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
