// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	Routing  RoutingConfig  `yaml:"routing"`
	Sessions SessionsConfig `yaml:"sessions"`
	Agents   []AgentConfig  `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr      string        `yaml:"http_addr"`
	ShutdownGrace time.Duration `yaml:"-"`

	ShutdownGraceRaw string `yaml:"shutdown_grace"`
}

// RegistryConfig holds capability registry configuration
type RegistryConfig struct {
	FetchTimeout time.Duration `yaml:"-"`

	FetchTimeoutRaw string `yaml:"fetch_timeout"`
}

// RoutingConfig holds agent selection and dispatch configuration
type RoutingConfig struct {
	// ConfidenceThreshold is the minimum score required to dispatch
	// a request to an agent. Below it the request is rejected.
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	Worker              WorkerConfig  `yaml:"worker"`
	Breaker             BreakerConfig `yaml:"breaker"`
}

// WorkerConfig holds timeouts for the outbound worker HTTP client
type WorkerConfig struct {
	ConnectTimeout        time.Duration `yaml:"-"`
	ResponseHeaderTimeout time.Duration `yaml:"-"`

	ConnectTimeoutRaw        string `yaml:"connect_timeout"`
	ResponseHeaderTimeoutRaw string `yaml:"response_header_timeout"`
}

// BreakerConfig holds circuit breaker settings for worker dispatch
type BreakerConfig struct {
	// MaxFailures is the number of consecutive dispatch failures
	// before the circuit for that worker opens.
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"-"`
	Interval    time.Duration `yaml:"-"`

	TimeoutRaw  string `yaml:"timeout"`
	IntervalRaw string `yaml:"interval"`
}

// SessionsConfig holds session store configuration
type SessionsConfig struct {
	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
	// SweepSchedule is a cron expression for the background session
	// sweeper. Empty disables the sweeper (lazy eviction still applies).
	SweepSchedule string `yaml:"sweep_schedule"`
	// MaxResponseContextChars bounds how much of a prior response the
	// context bridge may quote when enriching a follow-up query.
	MaxResponseContextChars int `yaml:"max_response_context_chars"`
}

// AgentConfig describes one agent endpoint to register at startup
type AgentConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Default returns a configuration with every field at its default value.
// Serving from defaults alone yields a working single-node switchboard
// with no agents registered.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:      ":8080",
			ShutdownGrace: 10 * time.Second,
		},
		Registry: RegistryConfig{
			FetchTimeout: 5 * time.Second,
		},
		Routing: RoutingConfig{
			ConfidenceThreshold: 0.3,
			Worker: WorkerConfig{
				ConnectTimeout:        10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Sessions: SessionsConfig{
			TTL:                     24 * time.Hour,
			SweepSchedule:           "@every 10m",
			MaxResponseContextChars: 150,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields left unset fall back to their Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Routing.ConfidenceThreshold < 0 || c.Routing.ConfidenceThreshold > 1 {
		return fmt.Errorf("routing.confidence_threshold must be between 0 and 1, got %v", c.Routing.ConfidenceThreshold)
	}

	for i, agent := range c.Agents {
		if agent.Endpoint == "" {
			return fmt.Errorf("agents[%d].endpoint is required", i)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "text", "json", "color":
	default:
		return fmt.Errorf("logging.format must be one of text, json, color; got %q", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be one of noop, stdout; got %q", c.Tracing.Exporter)
	}

	return nil
}

// applyDefaults fills zero-valued fields with their Default() values.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = def.Server.HTTPAddr
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = def.Server.ShutdownGrace
	}
	if c.Registry.FetchTimeout == 0 {
		c.Registry.FetchTimeout = def.Registry.FetchTimeout
	}
	if c.Routing.ConfidenceThreshold == 0 {
		c.Routing.ConfidenceThreshold = def.Routing.ConfidenceThreshold
	}
	if c.Routing.Worker.ConnectTimeout == 0 {
		c.Routing.Worker.ConnectTimeout = def.Routing.Worker.ConnectTimeout
	}
	if c.Routing.Worker.ResponseHeaderTimeout == 0 {
		c.Routing.Worker.ResponseHeaderTimeout = def.Routing.Worker.ResponseHeaderTimeout
	}
	if c.Routing.Breaker.MaxFailures == 0 {
		c.Routing.Breaker.MaxFailures = def.Routing.Breaker.MaxFailures
	}
	if c.Routing.Breaker.Timeout == 0 {
		c.Routing.Breaker.Timeout = def.Routing.Breaker.Timeout
	}
	if c.Routing.Breaker.Interval == 0 {
		c.Routing.Breaker.Interval = def.Routing.Breaker.Interval
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = def.Sessions.TTL
	}
	if c.Sessions.SweepSchedule == "" {
		c.Sessions.SweepSchedule = def.Sessions.SweepSchedule
	}
	if c.Sessions.MaxResponseContextChars == 0 {
		c.Sessions.MaxResponseContextChars = def.Sessions.MaxResponseContextChars
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = def.Tracing.Exporter
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Server.ShutdownGraceRaw, &cfg.Server.ShutdownGrace, "server.shutdown_grace"},
		{cfg.Registry.FetchTimeoutRaw, &cfg.Registry.FetchTimeout, "registry.fetch_timeout"},
		{cfg.Routing.Worker.ConnectTimeoutRaw, &cfg.Routing.Worker.ConnectTimeout, "routing.worker.connect_timeout"},
		{cfg.Routing.Worker.ResponseHeaderTimeoutRaw, &cfg.Routing.Worker.ResponseHeaderTimeout, "routing.worker.response_header_timeout"},
		{cfg.Routing.Breaker.TimeoutRaw, &cfg.Routing.Breaker.Timeout, "routing.breaker.timeout"},
		{cfg.Routing.Breaker.IntervalRaw, &cfg.Routing.Breaker.Interval, "routing.breaker.interval"},
		{cfg.Sessions.TTLRaw, &cfg.Sessions.TTL, "sessions.ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
