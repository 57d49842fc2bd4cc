// Package config loads the immutable startup configuration of the gateway:
// a YAML file, an optional .env file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/traffic-gateway/internal/observability"
	"github.com/signalsfoundry/traffic-gateway/model"
	"github.com/signalsfoundry/traffic-gateway/timectrl"
)

// Environment variables that override the file.
const (
	EnvBasePort     = "GATEWAY_BASE_PORT"
	EnvNetwork      = "GATEWAY_NETWORK"
	EnvEngineBinary = "GATEWAY_ENGINE_BINARY"
	EnvRouterBinary = "GATEWAY_ROUTER_BINARY"
	EnvLogLevel     = "LOG_LEVEL"
	EnvLogFormat    = "LOG_FORMAT"
)

// Config is read once at startup.
type Config struct {
	Host            string                      `yaml:"host"`
	BasePort        int                         `yaml:"base_port"`
	Functionalities []string                    `yaml:"functionalities"`
	Network         string                      `yaml:"network"`
	Networks        []model.Network             `yaml:"networks"`
	Engine          EngineConfig                `yaml:"engine"`
	Router          RouterConfig                `yaml:"router"`
	Supervisor      SupervisorConfig            `yaml:"supervisor"`
	Channel         ChannelConfig               `yaml:"channel"`
	Simulation      SimulationConfig            `yaml:"simulation"`
	Log             LogConfig                   `yaml:"log"`
	Tracing         observability.TracingConfig `yaml:"tracing"`
	AdminAddr       string                      `yaml:"admin_addr"`
	MetricsAddr     string                      `yaml:"metrics_addr"`
}

// EngineConfig describes the engine process and its control port.
type EngineConfig struct {
	Binary      string        `yaml:"binary"`
	Port        int           `yaml:"port"`
	StepLength  float64       `yaml:"step_length"`
	ExtraArgs   []string      `yaml:"extra_args"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// RouterConfig describes the routing tool.
type RouterConfig struct {
	Binary    string        `yaml:"binary"`
	WorkDir   string        `yaml:"work_dir"`
	ExtraArgs []string      `yaml:"extra_args"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueWait time.Duration `yaml:"queue_wait"`
	CacheSize int           `yaml:"cache_size"`
}

// SupervisorConfig tunes health checks and restarts.
type SupervisorConfig struct {
	HealthInterval        time.Duration `yaml:"health_interval"`
	ConnectAttempts       int           `yaml:"connect_attempts"`
	ConnectBackoff        time.Duration `yaml:"connect_backoff"`
	ConnectBackoffMax     time.Duration `yaml:"connect_backoff_max"`
	RestartDelay          time.Duration `yaml:"restart_delay"`
	MaxRestarts           int           `yaml:"max_restarts"`
	RestartWindow         time.Duration `yaml:"restart_window"`
	MaxDegradedRecoveries int           `yaml:"max_degraded_recoveries"`
}

// ChannelConfig applies to every functionality listener.
type ChannelConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// SimulationConfig controls automatic stepping. Mode is "realtime" (one step
// per StepInterval) or "accelerated" (steps back to back).
type SimulationConfig struct {
	AutoStep     bool          `yaml:"auto_step"`
	StepInterval time.Duration `yaml:"step_interval"`
	Mode         string        `yaml:"mode"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when the file leaves a field unset.
func Default() Config {
	return Config{
		Host:            "0.0.0.0",
		BasePort:        18001,
		Functionalities: []string{"graph", "route", "vehicle", "lights", "simulation"},
		Engine: EngineConfig{
			Binary:      "sumo",
			Port:        8813,
			StepLength:  1,
			CallTimeout: 5 * time.Second,
			StopTimeout: 5 * time.Second,
		},
		Router: RouterConfig{
			Binary:    "duarouter",
			Timeout:   20 * time.Second,
			QueueWait: 2 * time.Second,
			CacheSize: 256,
		},
		Supervisor: SupervisorConfig{
			HealthInterval:        2 * time.Second,
			ConnectAttempts:       20,
			ConnectBackoff:        time.Second,
			ConnectBackoffMax:     5 * time.Second,
			RestartDelay:          time.Second,
			MaxRestarts:           5,
			RestartWindow:         10 * time.Minute,
			MaxDegradedRecoveries: 3,
		},
		Channel:    ChannelConfig{GracePeriod: 2 * time.Second},
		Simulation: SimulationConfig{StepInterval: time.Second, Mode: "realtime"},
		Log:        LogConfig{Level: "info", Format: "text"},
		Tracing:    observability.DefaultTracingConfig(),
	}
}

// Load reads path over the defaults, loads envFile into the process
// environment when it exists, applies overrides and validates the result.
// An empty path uses the defaults alone.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBasePort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a port number", EnvBasePort, v)
		}
		c.BasePort = port
	}
	if v, ok := lookup(EnvNetwork); ok && v != "" {
		c.Network = v
	}
	if v, ok := lookup(EnvEngineBinary); ok && v != "" {
		c.Engine.Binary = v
	}
	if v, ok := lookup(EnvRouterBinary); ok && v != "" {
		c.Router.Binary = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Log.Format = v
	}
	c.Tracing = c.Tracing.WithEnv(lookup)
	return nil
}

// Validate rejects unknown functionalities and networks and out-of-range
// ports.
func (c Config) Validate() error {
	var problems []string
	if c.BasePort <= 0 {
		problems = append(problems, fmt.Sprintf("base_port %d must be positive", c.BasePort))
	}
	if len(c.Functionalities) == 0 {
		problems = append(problems, "no functionality enabled")
	}
	seen := make(map[model.Functionality]bool, len(c.Functionalities))
	for _, name := range c.Functionalities {
		f, err := model.ParseFunctionality(name)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if seen[f] {
			problems = append(problems, fmt.Sprintf("functionality %q listed twice", name))
		}
		seen[f] = true
	}
	if last := c.BasePort + len(c.Functionalities) - 1; c.BasePort > 0 && last > 65535 {
		problems = append(problems, fmt.Sprintf("ports %d-%d exceed 65535", c.BasePort, last))
	}
	if c.Engine.Port <= 0 || c.Engine.Port > 65535 {
		problems = append(problems, fmt.Sprintf("engine.port %d out of range", c.Engine.Port))
	}
	if c.Supervisor.ConnectBackoff < 0 || c.Supervisor.ConnectBackoffMax < c.Supervisor.ConnectBackoff {
		problems = append(problems, "supervisor.connect_backoff_max must not be below connect_backoff")
	}
	if c.Engine.StepLength <= 0 {
		problems = append(problems, "engine.step_length must be positive")
	}
	if _, err := timectrl.ParseMode(c.Simulation.Mode); err != nil {
		problems = append(problems, "simulation.mode: "+err.Error())
	}
	if c.Engine.Binary == "" {
		problems = append(problems, "engine.binary is empty")
	}
	if seen[model.FunctionalityRoute] && c.Router.Binary == "" {
		problems = append(problems, "router.binary is empty but route is enabled")
	}

	ids := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.ID == "" || n.ConfigFile == "" {
			problems = append(problems, "every network needs an id and a config_file")
			continue
		}
		ids[n.ID] = true
	}
	switch {
	case c.Network == "":
		problems = append(problems, "network is not selected")
	case !ids[c.Network]:
		problems = append(problems, fmt.Sprintf("unknown network %q", c.Network))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// StepMode returns the parsed simulation step mode. Call after Validate.
func (c Config) StepMode() timectrl.Mode {
	m, _ := timectrl.ParseMode(c.Simulation.Mode)
	return m
}

// Enabled returns the enabled functionalities as a set. Call after Validate.
func (c Config) Enabled() map[model.Functionality]bool {
	out := make(map[model.Functionality]bool, len(c.Functionalities))
	for _, name := range c.Functionalities {
		if f, err := model.ParseFunctionality(name); err == nil {
			out[f] = true
		}
	}
	return out
}

// Bindings assigns ports to the enabled functionalities.
func (c Config) Bindings() []model.Binding {
	return model.AssignPorts(c.BasePort, c.Enabled())
}

// SelectedNetwork returns the network named by Network.
func (c Config) SelectedNetwork() (model.Network, bool) {
	for _, n := range c.Networks {
		if n.ID == c.Network {
			return n, true
		}
	}
	return model.Network{}, false
}
