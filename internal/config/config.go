// Package config loads stormdbg settings.
//
// Settings are layered: built-in defaults, then a TOML or YAML file, then
// STORMDBG_* environment variables. Command-line flags are applied on top by
// the caller.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"github.com/dshills/stormdbg/internal/config/loader"
	"github.com/dshills/stormdbg/internal/logging"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "STORMDBG_"

// Transport modes.
const (
	ModeStdio = "stdio"
	ModeTCP   = "tcp"
)

// ErrInvalidConfig is wrapped by every validation and decoding failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all settings.
type Config struct {
	Transport TransportConfig `toml:"transport"`
	Debugger  DebuggerConfig  `toml:"debugger"`
	Logging   LoggingConfig   `toml:"logging"`
}

// TransportConfig selects how the controller is reached.
type TransportConfig struct {
	Mode        string `toml:"mode"`
	Address     string `toml:"address"`
	WriteBuffer int    `toml:"write_buffer"`
}

// DebuggerConfig tunes the execution controller.
type DebuggerConfig struct {
	// LibraryRoots hold library code that never stops.
	LibraryRoots []string `toml:"library_roots"`
	// EngineFiles are base names of the engine's own files.
	EngineFiles []string `toml:"engine_files"`
	// SearchPath is appended to the program directory for modules.
	SearchPath []string `toml:"search_path"`
}

// LoggingConfig configures the logger. An empty File means stderr.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Mode:        ModeStdio,
			WriteBuffer: 64 * 1024,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the file at path (if any)
// and the environment.
func Load(fs afero.Fs, path string) (*Config, error) {
	env := loader.NewEnvLoader(EnvPrefix)
	env.ListPath("debugger.library_roots")
	env.ListPath("debugger.engine_files")
	env.ListPath("debugger.search_path")
	return load(fs, path, env)
}

func load(fs afero.Fs, path string, env loader.Loader) (*Config, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	merged, err := toMap(Default())
	if err != nil {
		return nil, err
	}

	var sources []loader.Loader
	if path != "" {
		exists, err := afero.Exists(fs, path)
		if err != nil {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
		if !exists {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		fl, err := loader.ForFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		sources = append(sources, fl)
	}
	if env != nil {
		sources = append(sources, env)
	}

	for _, src := range sources {
		layer, err := src.Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, layer)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings for consistency.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case ModeStdio:
	case ModeTCP:
		if c.Transport.Address == "" {
			return fmt.Errorf("%w: transport.address is required in tcp mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: transport.mode %q", ErrInvalidConfig, c.Transport.Mode)
	}
	if c.Transport.WriteBuffer <= 0 {
		return fmt.Errorf("%w: transport.write_buffer must be positive", ErrInvalidConfig)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, c.Logging.Level)
	}
	return nil
}

// UseTCP switches to the tcp transport at address.
func (c *Config) UseTCP(address string) {
	c.Transport.Mode = ModeTCP
	c.Transport.Address = address
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(strings.TrimSpace(c.Logging.Level))
}

// toMap and fromMap round-trip through TOML so every layer decodes with the
// same rules as the file format.
func toMap(c *Config) (map[string]any, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := toml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg := &Config{}
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}
