// Package config loads daemon and simulator settings from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/circuitworld/internal/logging"
	"github.com/signalsfoundry/circuitworld/internal/observability"
	"github.com/signalsfoundry/circuitworld/timectrl"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Simulation SimulationConfig            `yaml:"simulation"`
	Maps       MapsConfig                  `yaml:"maps"`
	Server     ServerConfig                `yaml:"server"`
	Log        logging.Config              `yaml:"log"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
}

type SimulationConfig struct {
	// TickInterval is the wall time between propagation ticks.
	TickInterval time.Duration `yaml:"tick_interval"`
	// PumpHz is how often per second wall-clock events are drained.
	PumpHz int `yaml:"pump_hz"`
	// Mode is "realtime" or "accelerated".
	Mode string `yaml:"mode"`
	// MaxTicks stops the run after this many ticks; 0 runs until shutdown.
	MaxTicks int64 `yaml:"max_ticks"`
}

type MapsConfig struct {
	// Dir holds *.json map files loaded at startup.
	Dir string `yaml:"dir"`
	// Initial is the map the player starts on.
	Initial string `yaml:"initial"`
	// StorePath is the sqlite map store; empty disables it.
	StorePath string `yaml:"store_path"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Simulation: SimulationConfig{
			TickInterval: 500 * time.Millisecond,
			PumpHz:       30,
			Mode:         timectrl.RealTime.String(),
		},
		Maps: MapsConfig{
			Dir:       "maps",
			Initial:   "start",
			StorePath: "data/maps.db",
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		Log:     logging.Config{Level: "info", Format: "json"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays CIRCUIT_* variables, plus LOG_LEVEL/LOG_FORMAT and the
// tracing variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("CIRCUIT_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: CIRCUIT_TICK_INTERVAL: %v", ErrInvalidConfig, err)
		}
		c.Simulation.TickInterval = d
	}
	if v := os.Getenv("CIRCUIT_PUMP_HZ"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CIRCUIT_PUMP_HZ: %v", ErrInvalidConfig, err)
		}
		c.Simulation.PumpHz = n
	}
	if v := os.Getenv("CIRCUIT_MODE"); v != "" {
		c.Simulation.Mode = v
	}
	if v := os.Getenv("CIRCUIT_MAPS_DIR"); v != "" {
		c.Maps.Dir = v
	}
	if v := os.Getenv("CIRCUIT_INITIAL_MAP"); v != "" {
		c.Maps.Initial = v
	}
	if v, ok := os.LookupEnv("CIRCUIT_STORE_PATH"); ok {
		c.Maps.StorePath = v
	}
	if v := os.Getenv("CIRCUIT_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("CIRCUIT_GRPC_ADDR"); v != "" {
		c.Server.GRPCAddr = v
	}
	c.Log = logging.ConfigFromEnv(c.Log)
	c.Tracing = observability.ApplyTracingEnv(c.Tracing)
	return nil
}

// Validate rejects settings the simulation cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Simulation.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: tick_interval must be positive, got %s", ErrInvalidConfig, c.Simulation.TickInterval))
	}
	if c.Simulation.PumpHz <= 0 {
		errs = append(errs, fmt.Errorf("%w: pump_hz must be positive, got %d", ErrInvalidConfig, c.Simulation.PumpHz))
	}
	if _, err := timectrl.ParseMode(c.Simulation.Mode); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	if c.Simulation.MaxTicks < 0 {
		errs = append(errs, fmt.Errorf("%w: max_ticks must not be negative", ErrInvalidConfig))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: log: %w", ErrInvalidConfig, err))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// PumpInterval converts PumpHz into the wall-clock pump period.
func (s SimulationConfig) PumpInterval() time.Duration {
	if s.PumpHz <= 0 {
		return 0
	}
	return time.Second / time.Duration(s.PumpHz)
}

// ClockMode parses Mode, falling back to real time.
func (s SimulationConfig) ClockMode() timectrl.Mode {
	m, err := timectrl.ParseMode(s.Mode)
	if err != nil {
		return timectrl.RealTime
	}
	return m
}
