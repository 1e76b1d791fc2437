// Package config loads game settings from a YAML file, SKYRUNNER_ environment
// variables and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/milk9111/skyrunner/mode"
)

const EnvPrefix = "SKYRUNNER_"

type Config struct {
	LogLevel          string        `yaml:"log_level"`
	StartMode         string        `yaml:"start_mode"`
	TransitionMS      int           `yaml:"transition_ms"`
	TransitionTimeout time.Duration `yaml:"transition_timeout"`
	Store             StoreConfig   `yaml:"store"`
	Audio             AudioConfig   `yaml:"audio"`
	Window            WindowConfig  `yaml:"window"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type AudioConfig struct {
	SampleRate int           `yaml:"sample_rate"`
	Tracks     []TrackConfig `yaml:"tracks"`
}

// TrackConfig is one music file. Owner is a mode ID, or empty for ambient
// tracks that keep playing across transitions.
type TrackConfig struct {
	Name   string  `yaml:"name"`
	Path   string  `yaml:"path"`
	Owner  string  `yaml:"owner"`
	Volume float64 `yaml:"volume"`
	Loop   bool    `yaml:"loop"`
}

type WindowConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Title  string `yaml:"title"`
}

func Default() *Config {
	return &Config{
		LogLevel:     "info",
		TransitionMS: int(mode.DefaultTransitionDuration / time.Millisecond),
		Store:        StoreConfig{Backend: "memory"},
		Audio:        AudioConfig{SampleRate: 44100},
		Window:       WindowConfig{Width: 1280, Height: 720, Title: "Skyrunner"},
	}
}

// Load reads path over the defaults and then applies the process
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment; nil means os.Environ.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, environ); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverlay lists the settings that can come from the environment. Track
// lists are file-only.
type envOverlay struct {
	LogLevel          string        `env:"LOG_LEVEL"`
	StartMode         string        `env:"START_MODE"`
	TransitionMS      int           `env:"TRANSITION_MS"`
	TransitionTimeout time.Duration `env:"TRANSITION_TIMEOUT"`
	StoreBackend      string        `env:"STORE_BACKEND"`
	StorePath         string        `env:"STORE_PATH"`
	SampleRate        int           `env:"AUDIO_SAMPLE_RATE"`
	WindowWidth       int           `env:"WINDOW_WIDTH"`
	WindowHeight      int           `env:"WINDOW_HEIGHT"`
	WindowTitle       string        `env:"WINDOW_TITLE"`
}

func applyEnv(cfg *Config, environ map[string]string) error {
	o := envOverlay{
		LogLevel:          cfg.LogLevel,
		StartMode:         cfg.StartMode,
		TransitionMS:      cfg.TransitionMS,
		TransitionTimeout: cfg.TransitionTimeout,
		StoreBackend:      cfg.Store.Backend,
		StorePath:         cfg.Store.Path,
		SampleRate:        cfg.Audio.SampleRate,
		WindowWidth:       cfg.Window.Width,
		WindowHeight:      cfg.Window.Height,
		WindowTitle:       cfg.Window.Title,
	}
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = o.LogLevel
	cfg.StartMode = o.StartMode
	cfg.TransitionMS = o.TransitionMS
	cfg.TransitionTimeout = o.TransitionTimeout
	cfg.Store = StoreConfig{Backend: o.StoreBackend, Path: o.StorePath}
	cfg.Audio.SampleRate = o.SampleRate
	cfg.Window = WindowConfig{Width: o.WindowWidth, Height: o.WindowHeight, Title: o.WindowTitle}
	return nil
}

// FieldError reports one invalid setting.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, fieldErr("log_level", "%v", err))
	}
	if c.StartMode != "" && !mode.ID(c.StartMode).Valid() {
		errs = append(errs, fieldErr("start_mode", "unknown mode %q", c.StartMode))
	}
	if c.TransitionMS < 0 {
		errs = append(errs, fieldErr("transition_ms", "must not be negative"))
	}
	if c.TransitionTimeout < 0 {
		errs = append(errs, fieldErr("transition_timeout", "must not be negative"))
	}

	switch c.Store.Backend {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fieldErr("store.path", "required for sqlite backend"))
		}
	default:
		errs = append(errs, fieldErr("store.backend", "unknown backend %q", c.Store.Backend))
	}

	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fieldErr("audio.sample_rate", "must be positive"))
	}
	seen := make(map[string]bool, len(c.Audio.Tracks))
	for i, t := range c.Audio.Tracks {
		prefix := fmt.Sprintf("audio.tracks[%d]", i)
		switch {
		case t.Name == "":
			errs = append(errs, fieldErr(prefix+".name", "required"))
		case seen[t.Name]:
			errs = append(errs, fieldErr(prefix+".name", "duplicate track %q", t.Name))
		}
		seen[t.Name] = true
		if t.Path == "" {
			errs = append(errs, fieldErr(prefix+".path", "required"))
		}
		if t.Owner != "" && !mode.ID(t.Owner).Valid() {
			errs = append(errs, fieldErr(prefix+".owner", "unknown mode %q", t.Owner))
		}
		if t.Volume < 0 || t.Volume > 1 {
			errs = append(errs, fieldErr(prefix+".volume", "must be within [0, 1]"))
		}
	}

	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		errs = append(errs, fieldErr("window", "width and height must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) TransitionDuration() time.Duration {
	return time.Duration(c.TransitionMS) * time.Millisecond
}

func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
}
