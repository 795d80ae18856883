package telemetry

import (
	"fmt"
	"time"
)

// Config assembles the observability stack for a warden process: structured
// logging, optional tracing, the Prometheus registry, and the event stream
// the facades subscribe to. The daemon builds one from its warden.cue
// settings; library consumers start from DefaultConfig and override fields.
type Config struct {
	// ServiceName identifies the process in logs, traces, and metrics.
	// ServiceVersion is the build version, normally injected via ldflags.
	// Environment is the deployment environment (development, staging,
	// production) and rides along on every trace resource.
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are extra key/value pairs attached to the trace
	// resource, for deployment labels the schema does not name.
	ResourceAttributes map[string]string
}

// ServiceInfo is the identity a component stamps on exported telemetry.
type ServiceInfo struct {
	Name        string
	Version     string
	Environment string
	Attributes  map[string]string
}

// serviceInfo collects the identity fields for the tracer resource.
func (c *Config) serviceInfo() ServiceInfo {
	return ServiceInfo{
		Name:        c.ServiceName,
		Version:     c.ServiceVersion,
		Environment: c.Environment,
		Attributes:  c.ResourceAttributes,
	}
}

// LoggingConfig configures the zerolog stack.
type LoggingConfig struct {
	// Level is the minimum level that gets written (trace, debug, info,
	// warn, error, fatal). Format selects console (human) or json
	// (machine) output. Output is where entries go: stdout, stderr, or a
	// file path.
	Level  string
	Format string
	Output string

	// EnableCaller stamps file:line on each entry.
	EnableCaller bool

	// Sampling drops repeated entries under load: SamplingInitial entries
	// per second pass untouched, then every SamplingThereafter-th.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is the timestamp encoding (rfc3339, rfc3339nano, unix,
	// unixms, unixmicro).
	TimeFormat string
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	// Enabled turns span generation on. Off, every Start returns a
	// no-op span.
	Enabled bool

	// Exporter selects where spans go (otlp, stdout, none). Endpoint is
	// the OTLP collector address; empty uses the SDK default of
	// localhost:4317.
	Exporter string
	Endpoint string

	// SamplingRate is the head sampling ratio in [0, 1].
	SamplingRate float64

	// MaxExportBatchSize caps spans per export call. ExportTimeout bounds
	// a single export attempt.
	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers are added to OTLP requests, typically auth metadata.
	// Insecure disables TLS on the OTLP connection.
	Headers  map[string]string
	Insecure bool
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled turns the standalone metrics listener on. The registry
	// itself always exists; the HTTP facade mounts it regardless.
	Enabled bool

	// ListenAddress is the standalone listener address and Path is where
	// the handler mounts, normally /metrics.
	ListenAddress string
	Path          string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets are the latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the in-process event stream.
type EventsConfig struct {
	// Enabled turns publishing on. Off, every Publish is a no-op.
	Enabled bool

	// BufferSize is the async delivery queue length. FlushInterval is how
	// often buffered events are delivered even when the batch is not
	// full, and MaxBatchSize caps events delivered per flush.
	BufferSize    int
	FlushInterval time.Duration
	MaxBatchSize  int

	// EnableAsync delivers events from a background goroutine instead of
	// the publishing call.
	EnableAsync bool
}

// DefaultConfig returns the baseline configuration: console logs at info,
// stdout tracing, metrics on :9090, async events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:        "warden",
		ServiceVersion:     "dev",
		Environment:        "development",
		Logging:            defaultLogging(),
		Tracing:            defaultTracing(),
		Metrics:            defaultMetrics(),
		Events:             defaultEvents(),
		ResourceAttributes: make(map[string]string),
	}
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{
		Level:              "info",
		Format:             "console",
		Output:             "stdout",
		EnableCaller:       true,
		SamplingInitial:    100,
		SamplingThereafter: 100,
		TimeFormat:         "rfc3339",
	}
}

func defaultTracing() TracingConfig {
	return TracingConfig{
		Enabled:            true,
		Exporter:           "stdout",
		SamplingRate:       1.0,
		MaxExportBatchSize: 512,
		ExportTimeout:      30 * time.Second,
		Headers:            make(map[string]string),
		Insecure:           true,
	}
}

func defaultMetrics() MetricsConfig {
	return MetricsConfig{
		Enabled:                 true,
		ListenAddress:           ":9090",
		Path:                    "/metrics",
		Namespace:               "warden",
		DefaultHistogramBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}
}

func defaultEvents() EventsConfig {
	return EventsConfig{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		MaxBatchSize:  100,
		EnableAsync:   true,
	}
}

// ProductionConfig returns defaults tuned for production: json logs with
// sampling, OTLP tracing at 10%, TLS on.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig returns defaults tuned for local work: debug console
// logs with caller info, every trace sampled to stdout.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	return cfg
}

// Validate checks the assembled configuration before the stack starts.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}
	if err := c.Logging.validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Tracing.validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := c.Events.validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	return nil
}

func (lc LoggingConfig) validate() error {
	switch lc.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("unknown level %q", lc.Level)
	}
	switch lc.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown format %q (want console or json)", lc.Format)
	}
	if lc.EnableSampling && lc.SamplingThereafter <= 0 {
		return fmt.Errorf("sampling requires a positive thereafter rate, got %d", lc.SamplingThereafter)
	}
	if lc.EnableSampling && lc.SamplingInitial < 0 {
		return fmt.Errorf("sampling burst cannot be negative, got %d", lc.SamplingInitial)
	}
	return nil
}

func (tc TracingConfig) validate() error {
	if !tc.Enabled {
		return nil
	}
	switch tc.Exporter {
	case "otlp", "stdout", "none":
	default:
		return fmt.Errorf("unknown exporter %q", tc.Exporter)
	}
	if tc.SamplingRate < 0 || tc.SamplingRate > 1 {
		return fmt.Errorf("sampling rate %v outside [0, 1]", tc.SamplingRate)
	}
	return nil
}

func (mc MetricsConfig) validate() error {
	if !mc.Enabled {
		return nil
	}
	if mc.ListenAddress == "" {
		return fmt.Errorf("listen address is required when the listener is enabled")
	}
	if mc.Path == "" {
		return fmt.Errorf("handler path is required when the listener is enabled")
	}
	return nil
}

func (ec EventsConfig) validate() error {
	if !ec.Enabled {
		return nil
	}
	if ec.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", ec.BufferSize)
	}
	if ec.EnableAsync && ec.MaxBatchSize <= 0 {
		return fmt.Errorf("async delivery requires a positive batch size, got %d", ec.MaxBatchSize)
	}
	return nil
}
