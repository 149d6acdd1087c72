// Package config loads the gaxx-rpc service configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/gaxx-rpc/internal/monitor"
	"github.com/3cpo-dev/gaxx-rpc/internal/ping"
)

// Environment variables that override the file.
const (
	EnvServiceURL = "GAXX_RPC_SERVICE_URL"
	EnvDatabase   = "GAXX_RPC_DATABASE"
)

type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Database   DatabaseConfig   `yaml:"database"`
	Ping       ping.Options     `yaml:"ping"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
}

type BackendConfig struct {
	ServiceURL string `yaml:"service_url"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type MonitorConfig struct {
	Schedule           string `yaml:"schedule"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	TTLSeconds         int    `yaml:"ttl_seconds"`
}

// Options converts the section for monitor.New.
func (m MonitorConfig) Options() monitor.Options {
	return monitor.Options{
		Schedule:    m.Schedule,
		TaskTimeout: time.Duration(m.TaskTimeoutSeconds) * time.Second,
		TTL:         time.Duration(m.TTLSeconds) * time.Second,
	}
}

type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// ProfilingAddress serves pprof and runtime stats when set.
	ProfilingAddress string `yaml:"profiling_address"`
}

type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	mon := monitor.DefaultOptions()
	return Config{
		Backend:  BackendConfig{ServiceURL: "tcp://0.0.0.0:9002"},
		Database: DatabaseConfig{Path: "gaxx-rpc.db"},
		Ping:     ping.DefaultOptions(),
		Monitor: MonitorConfig{
			Schedule:           mon.Schedule,
			TaskTimeoutSeconds: int(mon.TaskTimeout / time.Second),
			TTLSeconds:         int(mon.TTL / time.Second),
		},
		Monitoring: MonitoringConfig{Enabled: true, Address: ":9102"},
		Telemetry:  TelemetryConfig{Enabled: true, FlushInterval: 30 * time.Second},
		Log:        LogConfig{Level: "info"},
	}
}

// DefaultPath resolves $XDG_CONFIG_HOME/gaxx/rpc.yaml or
// ~/.config/gaxx/rpc.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "gaxx", "rpc.yaml")
}

// Load reads YAML configuration from path over the defaults. With an empty
// path the default location is used and a missing file is not an error.
// rpc.env next to the file and then the process environment override the
// service URL and database path.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	env, err := LoadEnvFile(filepath.Join(filepath.Dir(path), "rpc.env"))
	if err != nil {
		return cfg, err
	}
	for _, key := range []string{EnvServiceURL, EnvDatabase} {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	if v := env[EnvServiceURL]; v != "" {
		cfg.Backend.ServiceURL = v
	}
	if v := env[EnvDatabase]; v != "" {
		cfg.Database.Path = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Backend.ServiceURL == "" {
		problems = append(problems, "backend.service_url is empty")
	} else if !strings.Contains(c.Backend.ServiceURL, "://") {
		problems = append(problems, fmt.Sprintf("backend.service_url %q has no transport prefix", c.Backend.ServiceURL))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is empty")
	}
	if c.Ping.Interval <= 0 || c.Ping.Cycle <= 0 || c.Ping.InitialTimeout <= 0 {
		problems = append(problems, "ping intervals must be positive")
	}
	if c.Ping.Retries <= 0 {
		problems = append(problems, "ping.retries must be positive")
	}
	if c.Ping.Backoff < 0 {
		problems = append(problems, "ping.backoff must not be negative")
	}
	if c.Ping.Concurrency <= 0 {
		problems = append(problems, "ping.concurrency must be positive")
	}
	if c.Monitor.TaskTimeoutSeconds <= 0 || c.Monitor.TTLSeconds <= 0 {
		problems = append(problems, "monitor timeouts must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
