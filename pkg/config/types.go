package config

import (
	"fmt"
	"time"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

// Config is the full daemon and engine configuration. It is assembled in
// three layers: DefaultConfig, then the warden.cue/warden.yaml file, then
// WARDEN_* environment overrides.
type Config struct {
	// Environment names the deployment environment. The value "production"
	// arms the production safeguards in the policy engine.
	Environment string `json:"environment,omitempty" yaml:"environment" validate:"omitempty,oneof=development staging production"`

	// WorkspaceRoot is the default workspace tree evidence scans run over.
	WorkspaceRoot string `json:"workspace_root,omitempty" yaml:"workspace_root" envconfig:"WORKSPACE_ROOT"`

	// Store configures the SQLite task store.
	Store StoreSettings `json:"store,omitempty" yaml:"store"`

	// Engine configures lifecycle timeouts and thresholds.
	Engine EngineSettings `json:"engine,omitempty" yaml:"engine"`

	// Server configures the HTTP facade.
	Server ServerSettings `json:"server,omitempty" yaml:"server"`

	// Facade configures the agent socket facade.
	Facade FacadeSettings `json:"facade,omitempty" yaml:"facade"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry TelemetrySettings `json:"telemetry,omitempty" yaml:"telemetry"`

	// Authority configures the source-id registry.
	Authority AuthoritySettings `json:"authority,omitempty" yaml:"authority"`

	// Policy configures the Rego governance gate.
	Policy PolicySettings `json:"policy,omitempty" yaml:"policy"`

	// Sweeps configures the daemon's periodic sweep intervals.
	Sweeps SweepSettings `json:"sweeps,omitempty" yaml:"sweeps"`
}

// StoreSettings configures SQLite persistence.
type StoreSettings struct {
	// Path is the database file path.
	Path string `json:"path,omitempty" yaml:"path" validate:"required"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS" validate:"min=0"`

	// MaxIdleConns bounds idle pooled connections.
	MaxIdleConns int `json:"max_idle_conns,omitempty" yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS" validate:"min=0"`

	// ConnMaxLifetimeSeconds recycles pooled connections after this age.
	ConnMaxLifetimeSeconds int `json:"conn_max_lifetime_seconds,omitempty" yaml:"conn_max_lifetime_seconds" envconfig:"CONN_MAX_LIFETIME_SECONDS" validate:"min=0"`
}

// ConnMaxLifetime returns the configured lifetime as a duration.
func (s StoreSettings) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSeconds) * time.Second
}

// EngineSettings configures lifecycle thresholds. Zero values fall back to
// the engine's own defaults.
type EngineSettings struct {
	// LeaseTTLSeconds is the default claim lease duration.
	LeaseTTLSeconds int `json:"lease_ttl_seconds,omitempty" yaml:"lease_ttl_seconds" envconfig:"LEASE_TTL_SECONDS" validate:"min=0"`

	// RetryThreshold is the attempt count at which work escalates to FAILED.
	RetryThreshold int `json:"retry_threshold,omitempty" yaml:"retry_threshold" envconfig:"RETRY_THRESHOLD" validate:"min=0"`

	// BlockedTimeoutSeconds is how long a task may sit BLOCKED before the
	// sweep requeues it.
	BlockedTimeoutSeconds int `json:"blocked_timeout_seconds,omitempty" yaml:"blocked_timeout_seconds" envconfig:"BLOCKED_TIMEOUT_SECONDS" validate:"min=0"`

	// WorkerIdleTimeoutSeconds is how long a silent worker stays routable.
	WorkerIdleTimeoutSeconds int `json:"worker_idle_timeout_seconds,omitempty" yaml:"worker_idle_timeout_seconds" envconfig:"WORKER_IDLE_TIMEOUT_SECONDS" validate:"min=0"`

	// ClaimRetries is the number of candidate rounds a claim attempts
	// before reporting contention.
	ClaimRetries int `json:"claim_retries,omitempty" yaml:"claim_retries" envconfig:"CLAIM_RETRIES" validate:"min=0"`
}

// LeaseTTL returns the lease TTL as a duration.
func (s EngineSettings) LeaseTTL() time.Duration {
	return time.Duration(s.LeaseTTLSeconds) * time.Second
}

// BlockedTimeout returns the blocked timeout as a duration.
func (s EngineSettings) BlockedTimeout() time.Duration {
	return time.Duration(s.BlockedTimeoutSeconds) * time.Second
}

// WorkerIdleTimeout returns the worker idle timeout as a duration.
func (s EngineSettings) WorkerIdleTimeout() time.Duration {
	return time.Duration(s.WorkerIdleTimeoutSeconds) * time.Second
}

// ServerSettings configures the HTTP facade.
type ServerSettings struct {
	// Addr is the listen address. Empty disables the HTTP facade.
	Addr string `json:"addr,omitempty" yaml:"addr"`

	// CORSOrigins lists allowed cross-origin callers.
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
}

// FacadeSettings configures the agent socket facade.
type FacadeSettings struct {
	// Socket is the Unix socket path. Empty disables the agent facade.
	Socket string `json:"socket,omitempty" yaml:"socket"`
}

// TelemetrySettings configures logging, metrics, and tracing.
type TelemetrySettings struct {
	// ServiceName labels telemetry output.
	ServiceName string `json:"service_name,omitempty" yaml:"service_name" envconfig:"SERVICE_NAME"`

	// LogLevel is the zerolog level (trace, debug, info, warn, error).
	LogLevel string `json:"log_level,omitempty" yaml:"log_level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn error"`

	// LogFormat selects console or json output.
	LogFormat string `json:"log_format,omitempty" yaml:"log_format" envconfig:"LOG_FORMAT" validate:"omitempty,oneof=console json"`

	// MetricsEnabled exposes Prometheus metrics on the HTTP facade.
	MetricsEnabled bool `json:"metrics_enabled,omitempty" yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`

	// TracingEnabled turns on the OTel tracer.
	TracingEnabled bool `json:"tracing_enabled,omitempty" yaml:"tracing_enabled" envconfig:"TRACING_ENABLED"`

	// TracingEndpoint is the OTLP gRPC collector address. Empty selects
	// the stdout exporter.
	TracingEndpoint string `json:"tracing_endpoint,omitempty" yaml:"tracing_endpoint" envconfig:"TRACING_ENDPOINT"`

	// TracingSampleRatio is the trace sampling ratio in [0,1].
	TracingSampleRatio float64 `json:"tracing_sample_ratio,omitempty" yaml:"tracing_sample_ratio" envconfig:"TRACING_SAMPLE_RATIO" validate:"min=0,max=1"`
}

// AuthoritySettings configures the source-id registry.
type AuthoritySettings struct {
	// Registry is the YAML registry file path. Empty uses the builtin
	// marker conventions only.
	Registry string `json:"registry,omitempty" yaml:"registry"`
}

// PolicySettings configures the Rego governance gate.
type PolicySettings struct {
	// Enabled turns policy evaluation on.
	Enabled bool `json:"enabled,omitempty" yaml:"enabled"`

	// Builtin loads the shipped baseline policies.
	Builtin bool `json:"builtin,omitempty" yaml:"builtin"`

	// Dirs lists directories of operator .rego/.json policies.
	Dirs []string `json:"dirs,omitempty" yaml:"dirs"`

	// Watch hot-reloads policy dirs on change.
	Watch bool `json:"watch,omitempty" yaml:"watch"`
}

// SweepSettings configures the daemon's periodic sweeps.
type SweepSettings struct {
	// LeaseIntervalSeconds is the stale-lease sweep period.
	LeaseIntervalSeconds int `json:"lease_interval_seconds,omitempty" yaml:"lease_interval_seconds" envconfig:"LEASE_INTERVAL_SECONDS" validate:"min=0"`

	// LeaseGraceSeconds is the extra staleness required before an expired
	// lease is reclaimed. Zero reclaims at expiry.
	LeaseGraceSeconds int `json:"lease_grace_seconds,omitempty" yaml:"lease_grace_seconds" envconfig:"LEASE_GRACE_SECONDS" validate:"min=0"`

	// BlockedIntervalSeconds is the blocked-task sweep period.
	BlockedIntervalSeconds int `json:"blocked_interval_seconds,omitempty" yaml:"blocked_interval_seconds" envconfig:"BLOCKED_INTERVAL_SECONDS" validate:"min=0"`

	// WorkerIntervalSeconds is the offline-worker sweep period.
	WorkerIntervalSeconds int `json:"worker_interval_seconds,omitempty" yaml:"worker_interval_seconds" envconfig:"WORKER_INTERVAL_SECONDS" validate:"min=0"`
}

// LeaseInterval returns the lease sweep period as a duration.
func (s SweepSettings) LeaseInterval() time.Duration {
	return time.Duration(s.LeaseIntervalSeconds) * time.Second
}

// LeaseGrace returns the extra staleness required before reclaim.
func (s SweepSettings) LeaseGrace() time.Duration {
	return time.Duration(s.LeaseGraceSeconds) * time.Second
}

// BlockedInterval returns the blocked sweep period as a duration.
func (s SweepSettings) BlockedInterval() time.Duration {
	return time.Duration(s.BlockedIntervalSeconds) * time.Second
}

// WorkerInterval returns the worker sweep period as a duration.
func (s SweepSettings) WorkerInterval() time.Duration {
	return time.Duration(s.WorkerIntervalSeconds) * time.Second
}

// DefaultConfig returns the development defaults the file and environment
// layers override.
func DefaultConfig() *Config {
	return &Config{
		Environment:   "development",
		WorkspaceRoot: ".",
		Store: StoreSettings{
			Path:                   "warden.db",
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		Engine: EngineSettings{
			LeaseTTLSeconds:          300,
			RetryThreshold:           3,
			BlockedTimeoutSeconds:    86400,
			WorkerIdleTimeoutSeconds: 300,
			ClaimRetries:             5,
		},
		Server: ServerSettings{
			Addr:        ":7463",
			CORSOrigins: []string{"*"},
		},
		Facade: FacadeSettings{
			Socket: "warden.sock",
		},
		Telemetry: TelemetrySettings{
			ServiceName:        "taskwarden",
			LogLevel:           "info",
			LogFormat:          "console",
			MetricsEnabled:     true,
			TracingSampleRatio: 1.0,
		},
		Policy: PolicySettings{
			Enabled: true,
			Builtin: true,
		},
		Sweeps: SweepSettings{
			LeaseIntervalSeconds:   30,
			BlockedIntervalSeconds: 300,
			WorkerIntervalSeconds:  60,
		},
	}
}

// TaskDefinition is one task in a batch intake file.
type TaskDefinition struct {
	// Key is the batch-local handle other definitions reference in
	// depends_on. CUE struct keys become keys automatically.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`

	// Lane is the work queue. Empty inherits the batch default.
	Lane string `json:"lane,omitempty" yaml:"lane,omitempty" validate:"omitempty,lowercase"`

	// Goal is the one-line statement of the work.
	Goal string `json:"goal" yaml:"goal" validate:"required"`

	// Description is the optional longer brief.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Archetype classifies the work for claim ordering and the test gate.
	Archetype string `json:"archetype" yaml:"archetype" validate:"required,oneof=LOGIC API SEC DB TEST PLUMBING"`

	// Priority is the scheduling priority.
	Priority string `json:"priority,omitempty" yaml:"priority,omitempty" validate:"omitempty,oneof=critical high normal low"`

	// Effort is the size hint the router matches against worker tiers.
	Effort string `json:"effort,omitempty" yaml:"effort,omitempty" validate:"omitempty,oneof=small medium large"`

	// Urgent jumps the task within its archetype rank.
	Urgent bool `json:"urgent,omitempty" yaml:"urgent,omitempty"`

	// SourceIDs cites the authority sources governing the work.
	SourceIDs []string `json:"source_ids,omitempty" yaml:"source_ids,omitempty"`

	// DependsOn lists prerequisites: batch-local keys or existing task ids.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// CreateRequest converts the definition into an engine create request.
// resolvedDeps replaces DependsOn: the importer maps batch-local keys to
// the ids of the tasks it already created.
func (d TaskDefinition) CreateRequest(resolvedDeps []string) *engine.CreateTaskRequest {
	return &engine.CreateTaskRequest{
		Lane:         d.Lane,
		Goal:         d.Goal,
		Description:  d.Description,
		Archetype:    stores.Archetype(d.Archetype),
		Priority:     stores.Priority(d.Priority),
		Urgent:       d.Urgent,
		Effort:       stores.Effort(d.Effort),
		SourceIDs:    d.SourceIDs,
		Dependencies: resolvedDeps,
	}
}

// BatchMeta is the batch-level header of an intake file.
type BatchMeta struct {
	// Name labels the batch in ledger notes.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Lane is the default lane for definitions that omit one.
	Lane string `json:"lane,omitempty" yaml:"lane,omitempty" validate:"omitempty,lowercase"`

	// Requester is recorded with the batch in the ledger.
	Requester string `json:"requester,omitempty" yaml:"requester,omitempty"`
}

// ParsedBatch is the result of parsing one or more intake sources.
type ParsedBatch struct {
	// Meta is the batch header.
	Meta BatchMeta `json:"batch"`

	// Tasks are the parsed definitions with batch defaults applied.
	Tasks []TaskDefinition `json:"tasks"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when parsing happened.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists validation errors. A non-empty list means the batch
	// must not be imported.
	Errors []ValidationError `json:"errors,omitempty"`
}

// OrderForCreation returns the definitions ordered so that every
// batch-local dependency precedes its dependents. Dependencies that do
// not match a batch key are assumed to be existing task ids and do not
// constrain the order. A reference cycle inside the batch is an error.
func (pb *ParsedBatch) OrderForCreation() ([]TaskDefinition, error) {
	byKey := make(map[string]int, len(pb.Tasks))
	for i, task := range pb.Tasks {
		if task.Key == "" {
			continue
		}
		if _, dup := byKey[task.Key]; dup {
			return nil, fmt.Errorf("duplicate task key %q", task.Key)
		}
		byKey[task.Key] = i
	}

	ordered := make([]TaskDefinition, 0, len(pb.Tasks))
	placed := make([]bool, len(pb.Tasks))
	for len(ordered) < len(pb.Tasks) {
		progressed := false
		for i, task := range pb.Tasks {
			if placed[i] {
				continue
			}
			ready := true
			for _, dep := range task.DependsOn {
				j, inBatch := byKey[dep]
				if inBatch && !placed[j] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, task)
				placed[i] = true
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for i, task := range pb.Tasks {
				if !placed[i] {
					stuck = append(stuck, task.Key)
				}
			}
			return nil, fmt.Errorf("dependency cycle among batch tasks: %v", stuck)
		}
	}
	return ordered, nil
}

// ValidationError is a parse or validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g. "tasks.charge_retry").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// StarlarkResult is the outcome of a Starlark generator run.
type StarlarkResult struct {
	// Output is the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
