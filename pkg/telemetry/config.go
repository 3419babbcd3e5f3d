package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration of the host manager.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version" mapstructure:"service_version"`

	// HostName identifies the managed host in traces and events.
	HostName string `yaml:"host_name" mapstructure:"host_name"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Events contains event publishing configuration.
	Events EventsConfig `yaml:"events" mapstructure:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is console or json.
	Format string `yaml:"format" mapstructure:"format"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output" mapstructure:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether spans are exported.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" mapstructure:"exporter"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" mapstructure:"sampling_rate"`

	// ExportTimeout bounds a single export.
	ExportTimeout time.Duration `yaml:"export_timeout" mapstructure:"export_timeout"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure" mapstructure:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// ListenAddress is the address of the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address" mapstructure:"listen_address"`

	// Path is the HTTP path for metrics.
	Path string `yaml:"path" mapstructure:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace" mapstructure:"namespace"`

	// Buckets are the latency buckets in seconds.
	Buckets []float64 `yaml:"buckets" mapstructure:"buckets"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	// Enabled controls whether events are published.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// BufferSize is the per-subscriber output buffer.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`

	// Topic is the bus topic events are published on.
	Topic string `yaml:"topic" mapstructure:"topic"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "hostmgr",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "hostmgr",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
			},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
			Topic:      "hostmgr.events",
		},
	}
}

// TestConfig returns a configuration for tests: metrics and events enabled,
// no exporters and no HTTP listener.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Metrics.ListenAddress = ""
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Events.Enabled {
		if c.Events.BufferSize <= 0 {
			return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("event topic is required")
		}
	}

	return nil
}
