package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds compiled CUE schemas keyed by name. It starts with
// the builtin task, batch, and config schemas; GetSchemaRegistry on the
// parser exposes it so callers can register their own.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// builtinSchemas are compiled into every new registry.
var builtinSchemas = map[string]string{
	"task":   builtinTaskSchema,
	"batch":  builtinBatchSchema,
	"config": builtinConfigSchema,
}

// NewSchemaRegistry creates a registry preloaded with the builtin schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	for name, src := range builtinSchemas {
		// The builtins are constants; compile failures surface in tests.
		_ = sr.RegisterSchema(name, src)
	}
	return sr
}

// RegisterSchema compiles and stores a CUE schema under the given name. The
// source should define a definition named after the capitalized name (name
// "task" defines #Task); the definition value is what data is validated
// against, so its closedness applies.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if def := val.LookupPath(cue.ParsePath(definitionPath(name))); def.Exists() {
		val = def
	}

	sr.mu.Lock()
	sr.schemas[name] = val
	sr.mu.Unlock()
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema unifies data with a named schema and reports any
// constraint the unification breaks.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("unknown schema %q", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// definitionPath maps a schema name to its definition label.
func definitionPath(name string) string {
	if name == "" {
		return "#"
	}
	return "#" + strings.ToUpper(name[:1]) + name[1:]
}

// Built-in schema definitions

const builtinTaskSchema = `
// Task schema for batch intake definitions
#Task: {
	// key is the batch-local handle referenced by depends_on
	key?: string & =~"^[a-zA-Z0-9_-]+$"

	// lane is the work queue (lowercase, optional family after a colon)
	lane?: string & =~"^[a-z0-9][a-z0-9:-]*$"

	// goal is the one-line statement of the work
	goal: string & !=""

	// description is the optional longer brief
	description?: string

	// archetype classifies the work
	archetype: "LOGIC" | "API" | "SEC" | "DB" | "TEST" | "PLUMBING"

	// priority is the scheduling priority
	priority?: "critical" | "high" | "normal" | "low"

	// effort is the size hint for tier matching
	effort?: "small" | "medium" | "large"

	// urgent jumps the task within its archetype rank
	urgent?: bool

	// source_ids cites governing authority sources
	source_ids?: [...string & !=""]

	// depends_on lists batch keys or existing task ids
	depends_on?: [...string & !=""]
}
`

const builtinBatchSchema = `
// Batch schema for the intake file header
#Batch: {
	// name labels the batch in ledger notes
	name?: string

	// lane is the default lane for tasks that omit one
	lane?: string & =~"^[a-z0-9][a-z0-9:-]*$"

	// requester is recorded with the batch
	requester?: string
}
`

const builtinConfigSchema = `
// Config schema for the warden section of warden.cue
#Config: {
	environment?:    "development" | "staging" | "production"
	workspace_root?: string

	store?: {
		path?:                      string
		max_open_conns?:            int & >=0
		max_idle_conns?:            int & >=0
		conn_max_lifetime_seconds?: int & >=0
	}

	engine?: {
		lease_ttl_seconds?:           int & >=0
		retry_threshold?:             int & >=0
		blocked_timeout_seconds?:     int & >=0
		worker_idle_timeout_seconds?: int & >=0
		claim_retries?:               int & >=0
	}

	server?: {
		addr?: string
		cors_origins?: [...string]
	}

	facade?: {
		socket?: string
	}

	telemetry?: {
		service_name?:         string
		log_level?:            "trace" | "debug" | "info" | "warn" | "error"
		log_format?:           "console" | "json"
		metrics_enabled?:      bool
		tracing_enabled?:      bool
		tracing_endpoint?:     string
		tracing_sample_ratio?: number & >=0 & <=1
	}

	authority?: {
		registry?: string
	}

	policy?: {
		enabled?: bool
		builtin?: bool
		dirs?: [...string]
		watch?: bool
	}

	sweeps?: {
		lease_interval_seconds?:   int & >=0
		lease_grace_seconds?:      int & >=0
		blocked_interval_seconds?: int & >=0
		worker_interval_seconds?:  int & >=0
	}
}
`

// ValidateTask validates a task definition against the task schema.
func (sr *SchemaRegistry) ValidateTask(ctx context.Context, task TaskDefinition) error {
	return sr.ValidateAgainstSchema(ctx, "task", task)
}

// ValidateBatchMeta validates a batch header against the batch schema.
func (sr *SchemaRegistry) ValidateBatchMeta(ctx context.Context, meta BatchMeta) error {
	return sr.ValidateAgainstSchema(ctx, "batch", meta)
}

// ValidateConfig validates a configuration against the config schema.
func (sr *SchemaRegistry) ValidateConfig(ctx context.Context, cfg Config) error {
	return sr.ValidateAgainstSchema(ctx, "config", cfg)
}
