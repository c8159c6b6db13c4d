// Package config loads the orchestrator configuration from a YAML
// file. Durations use Go duration strings ("30s", "10m").
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from a Go duration
// string such as "30s" or "10m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level orchestrator configuration.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	NATS          NATSConfig          `yaml:"nats"`
	Engine        EngineConfig        `yaml:"engine"`
	Worker        WorkerConfig        `yaml:"worker"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type DatabaseConfig struct {
	// URL is a pgx connection string. The RULEFLEET_DATABASE_URL
	// environment variable overrides it.
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type EngineConfig struct {
	// Kind selects the container engine: process, podman or kubernetes.
	Kind string `yaml:"kind"`
	// BinaryPath is the worker binary for the process engine. Empty
	// means look it up on PATH.
	BinaryPath string `yaml:"binary_path"`
	// PodmanSocket is the libpod API socket for the podman engine.
	PodmanSocket string `yaml:"podman_socket"`
	// Namespace is the pod namespace for the kubernetes engine.
	Namespace string `yaml:"namespace"`
}

type WorkerConfig struct {
	// Queues are the worker queue names instances are placed on.
	Queues []string `yaml:"queues"`

	WebsocketURL       string `yaml:"websocket_url"`
	WebsocketSSLVerify string `yaml:"websocket_ssl_verify"`
	HeartbeatSeconds   int    `yaml:"heartbeat_seconds"`
	LogLevel           string `yaml:"log_level"`
	SkipAuditEvents    bool   `yaml:"skip_audit_events"`
	MemLimit           string `yaml:"mem_limit"`

	LivenessTimeout        Duration `yaml:"liveness_timeout"`
	RestartDelayOnFailure  Duration `yaml:"restart_delay_on_failure"`
	RestartDelayOnComplete Duration `yaml:"restart_delay_on_complete"`
}

type DispatchConfig struct {
	Workers             int      `yaml:"workers"`
	SweepInterval       Duration `yaml:"sweep_interval"`
	MaxRunningProcesses int      `yaml:"max_running_processes"`
}

type ObservabilityConfig struct {
	// MetricsPort serves Prometheus metrics and health checks. Zero
	// disables the server.
	MetricsPort   int    `yaml:"metrics_port"`
	EnableTracing bool   `yaml:"enable_tracing"`
	TraceExporter string `yaml:"trace_exporter"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if url := os.Getenv("RULEFLEET_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.Engine.Kind == "" {
		c.Engine.Kind = "podman"
	}
	if c.Engine.PodmanSocket == "" {
		c.Engine.PodmanSocket = "/run/podman/podman.sock"
	}
	if c.Engine.Namespace == "" {
		c.Engine.Namespace = "default"
	}
	if len(c.Worker.Queues) == 0 {
		c.Worker.Queues = []string{"default"}
	}
	if c.Worker.WebsocketSSLVerify == "" {
		c.Worker.WebsocketSSLVerify = "yes"
	}
	if c.Worker.HeartbeatSeconds == 0 {
		c.Worker.HeartbeatSeconds = 60
	}
	if c.Worker.LivenessTimeout == 0 {
		c.Worker.LivenessTimeout = Duration(10 * time.Minute)
	}
	if c.Worker.RestartDelayOnFailure == 0 {
		c.Worker.RestartDelayOnFailure = Duration(60 * time.Second)
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 5
	}
	if c.Dispatch.SweepInterval == 0 {
		c.Dispatch.SweepInterval = Duration(30 * time.Second)
	}
	if c.Observability.TraceExporter == "" {
		c.Observability.TraceExporter = "stdout"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch c.Engine.Kind {
	case "process", "podman", "kubernetes":
	default:
		return fmt.Errorf("engine.kind %q is not one of process, podman, kubernetes", c.Engine.Kind)
	}
	if c.Worker.WebsocketURL == "" {
		return fmt.Errorf("worker.websocket_url is required")
	}
	return nil
}
