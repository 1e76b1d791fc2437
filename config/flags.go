package config

import (
	flag "github.com/spf13/pflag"
)

// Flags holds command-line overrides. Only flags the user actually set are
// applied over the loaded config.
type Flags struct {
	fs *flag.FlagSet

	Path         string
	LogLevel     string
	StartMode    string
	TransitionMS int
	StoreBackend string
	StorePath    string
}

func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.Path, "config", "c", "", "Path to a YAML config file")
	fs.StringVarP(&f.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	fs.StringVarP(&f.StartMode, "mode", "m", "", "Mode to start in (classic, combat); empty shows the menu")
	fs.IntVar(&f.TransitionMS, "transition-ms", 0, "Transition duration in milliseconds")
	fs.StringVar(&f.StoreBackend, "store", "", "State store backend (memory, sqlite)")
	fs.StringVar(&f.StorePath, "store-path", "", "SQLite database path")
	return f
}

func (f *Flags) Apply(cfg *Config) {
	if f.fs.Changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
	if f.fs.Changed("mode") {
		cfg.StartMode = f.StartMode
	}
	if f.fs.Changed("transition-ms") {
		cfg.TransitionMS = f.TransitionMS
	}
	if f.fs.Changed("store") {
		cfg.Store.Backend = f.StoreBackend
	}
	if f.fs.Changed("store-path") {
		cfg.Store.Path = f.StorePath
	}
}
