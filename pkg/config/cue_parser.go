package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix is the environment variable prefix for overrides (WARDEN_*).
const envPrefix = "warden"

// CUEParser parses warden configuration files and task batch intake
// sources (CUE, YAML, and Starlark generators).
type CUEParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewCUEParser creates a new parser with the builtin schemas registered.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:               cuecontext.New(),
		schemaRegistry:    NewSchemaRegistry(),
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         validator.New(),
	}
}

// LoadConfig assembles the daemon configuration: DefaultConfig, then the
// given file (YAML by extension, CUE otherwise), then WARDEN_* environment
// overrides. An empty path skips the file layer.
func (cp *CUEParser) LoadConfig(ctx context.Context, path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		var err error
		if isYAMLPath(path) {
			err = cp.loadConfigYAML(path, cfg)
		} else {
			err = cp.loadConfigCUE(path, cfg)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cp.validator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadConfigCUE decodes the warden section of a CUE config file into cfg.
func (cp *CUEParser) loadConfigCUE(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	wardenVal := val.LookupPath(cue.ParsePath("warden"))
	if !wardenVal.Exists() {
		return fmt.Errorf("config %s has no warden section", path)
	}

	// Unifying with the schema closes the struct, so misspelled keys fail
	// here instead of being silently ignored.
	if schema, ok := cp.schemaRegistry.GetSchema("config"); ok {
		wardenVal = schema.Unify(wardenVal)
	}
	if err := wardenVal.Validate(); err != nil {
		return fmt.Errorf("config %s is invalid: %w", path, err)
	}

	if err := wardenVal.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return nil
}

// loadConfigYAML decodes the warden section of a YAML config file into cfg.
func (cp *CUEParser) loadConfigYAML(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	node, ok := doc["warden"]
	if !ok {
		return fmt.Errorf("config %s has no warden section", path)
	}
	if err := node.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return nil
}

// ParseBatch parses task intake sources. CUE files and directories unify
// into one value; YAML files and Starlark scripts (.star) contribute their
// own fragments. Batch defaults and validation apply across the result.
func (cp *CUEParser) ParseBatch(ctx context.Context, sources []string) (*ParsedBatch, error) {
	return cp.ParseBatchWithVars(ctx, sources, nil)
}

// ParseBatchWithVars is ParseBatch with variables passed to Starlark
// generators as the predeclared vars dict.
func (cp *CUEParser) ParseBatchWithVars(ctx context.Context, sources []string, vars map[string]interface{}) (*ParsedBatch, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError
	var fragments []*ParsedBatch

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		switch {
		case info.IsDir():
			val, files, errs := cp.loadDirectory(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, files...)

		case strings.EqualFold(filepath.Ext(source), ".star"):
			fragment, errs := cp.evalStarlarkBatch(ctx, source, vars)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if fragment != nil {
				fragments = append(fragments, fragment)
			}
			sourceFiles = append(sourceFiles, source)

		case isYAMLPath(source):
			fragment, errs := cp.parseYAMLBatch(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if fragment != nil {
				fragments = append(fragments, fragment)
			}
			sourceFiles = append(sourceFiles, source)

		default:
			val, errs := cp.loadFile(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedBatch{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	batch := &ParsedBatch{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	if cueValue.Exists() {
		if err := cueValue.Err(); err != nil {
			batch.Errors = append(batch.Errors, cp.convertCUEErrors(err)...)
			return batch, nil
		}
		cp.extractBatch(cueValue, batch)
	}

	for _, fragment := range fragments {
		mergeFragment(batch, fragment)
	}

	cp.finalizeBatch(batch)
	return batch, nil
}

// ParseBatchInline parses inline CUE intake content.
func (cp *CUEParser) ParseBatchInline(ctx context.Context, content string) (*ParsedBatch, error) {
	batch := &ParsedBatch{
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
	}

	val := cp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		batch.Errors = cp.convertCUEErrors(err)
		return batch, nil
	}

	cp.extractBatch(val, batch)
	cp.finalizeBatch(batch)
	return batch, nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractBatch pulls the batch header and task definitions out of a CUE
// value. Tasks may be a struct (keys become batch-local keys) or a list.
func (cp *CUEParser) extractBatch(val cue.Value, batch *ParsedBatch) {
	batchVal := val.LookupPath(cue.ParsePath("batch"))
	if batchVal.Exists() {
		if err := batchVal.Decode(&batch.Meta); err != nil {
			batch.Errors = append(batch.Errors, ValidationError{
				Path:     "batch",
				Message:  fmt.Sprintf("failed to decode batch header: %v", err),
				Severity: "error",
			})
		}
	}

	tasksVal := val.LookupPath(cue.ParsePath("tasks"))
	if !tasksVal.Exists() {
		return
	}

	switch tasksVal.Kind() {
	case cue.StructKind:
		iter, err := tasksVal.Fields()
		if err != nil {
			batch.Errors = append(batch.Errors, ValidationError{
				Path:     "tasks",
				Message:  fmt.Sprintf("failed to iterate tasks: %v", err),
				Severity: "error",
			})
			return
		}
		for iter.Next() {
			task, err := cp.extractTask(iter.Selector().String(), iter.Value())
			if err != nil {
				batch.Errors = append(batch.Errors, ValidationError{
					Path:     fmt.Sprintf("tasks.%s", iter.Selector()),
					Message:  err.Error(),
					Severity: "error",
				})
			} else {
				batch.Tasks = append(batch.Tasks, task)
			}
		}

	case cue.ListKind:
		list, err := tasksVal.List()
		if err != nil {
			batch.Errors = append(batch.Errors, ValidationError{
				Path:     "tasks",
				Message:  fmt.Sprintf("failed to list tasks: %v", err),
				Severity: "error",
			})
			return
		}
		idx := 0
		for list.Next() {
			task, err := cp.extractTask("", list.Value())
			if err != nil {
				batch.Errors = append(batch.Errors, ValidationError{
					Path:     fmt.Sprintf("tasks[%d]", idx),
					Message:  err.Error(),
					Severity: "error",
				})
			} else {
				batch.Tasks = append(batch.Tasks, task)
			}
			idx++
		}

	default:
		batch.Errors = append(batch.Errors, ValidationError{
			Path:     "tasks",
			Message:  "tasks must be a struct or a list",
			Severity: "error",
		})
	}
}

// extractTask decodes one task definition from a CUE value.
func (cp *CUEParser) extractTask(key string, val cue.Value) (TaskDefinition, error) {
	var task TaskDefinition

	if err := val.Decode(&task); err != nil {
		return task, fmt.Errorf("failed to decode task: %w", err)
	}

	if task.Key == "" && key != "" {
		task.Key = key
	}

	return task, nil
}

// parseYAMLBatch parses a YAML intake file into a batch fragment.
func (cp *CUEParser) parseYAMLBatch(path string) (*ParsedBatch, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	var doc struct {
		Batch BatchMeta        `yaml:"batch"`
		Tasks []TaskDefinition `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to parse YAML: %v", err),
			Severity: "error",
		}}
	}

	return &ParsedBatch{Meta: doc.Batch, Tasks: doc.Tasks}, nil
}

// evalStarlarkBatch runs a Starlark generator script. The script must
// export a tasks list; a batch dict is optional. CLI variables arrive as
// the predeclared vars dict.
func (cp *CUEParser) evalStarlarkBatch(ctx context.Context, path string, vars map[string]interface{}) (*ParsedBatch, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	input := map[string]interface{}{"vars": map[string]interface{}{}}
	if vars != nil {
		input["vars"] = vars
	}

	result, err := cp.starlarkEvaluator.Evaluate(ctx, string(content), input)
	if err != nil {
		msg := err.Error()
		if result != nil && result.Error != "" {
			msg = result.Error
		}
		return nil, []ValidationError{{
			File:     path,
			Message:  msg,
			Severity: "error",
		}}
	}

	tasksRaw, ok := result.Output["tasks"]
	if !ok {
		return nil, []ValidationError{{
			File:     path,
			Message:  "script must define a tasks list",
			Severity: "error",
		}}
	}

	fragment := &ParsedBatch{}
	if metaRaw, ok := result.Output["batch"]; ok {
		if err := decodeLoose(metaRaw, &fragment.Meta); err != nil {
			return nil, []ValidationError{{
				File:     path,
				Path:     "batch",
				Message:  fmt.Sprintf("failed to decode batch header: %v", err),
				Severity: "error",
			}}
		}
	}
	if err := decodeLoose(tasksRaw, &fragment.Tasks); err != nil {
		return nil, []ValidationError{{
			File:     path,
			Path:     "tasks",
			Message:  fmt.Sprintf("failed to decode tasks: %v", err),
			Severity: "error",
		}}
	}

	return fragment, nil
}

// mergeFragment folds a YAML or Starlark fragment into the batch. Header
// fields fill in only where the batch has none.
func mergeFragment(batch *ParsedBatch, fragment *ParsedBatch) {
	if batch.Meta.Name == "" {
		batch.Meta.Name = fragment.Meta.Name
	}
	if batch.Meta.Lane == "" {
		batch.Meta.Lane = fragment.Meta.Lane
	}
	if batch.Meta.Requester == "" {
		batch.Meta.Requester = fragment.Meta.Requester
	}
	batch.Tasks = append(batch.Tasks, fragment.Tasks...)
}

// finalizeBatch applies batch defaults and validates every definition.
func (cp *CUEParser) finalizeBatch(batch *ParsedBatch) {
	if err := cp.validator.Struct(&batch.Meta); err != nil {
		batch.Errors = append(batch.Errors, ValidationError{
			Path:     "batch",
			Message:  err.Error(),
			Severity: "error",
		})
	}

	seenKeys := make(map[string]bool)
	seenGoals := make(map[string]bool)

	for i := range batch.Tasks {
		task := &batch.Tasks[i]
		path := fmt.Sprintf("tasks[%d]", i)
		if task.Key != "" {
			path = "tasks." + task.Key
			if seenKeys[task.Key] {
				batch.Errors = append(batch.Errors, ValidationError{
					Path:     path,
					Message:  fmt.Sprintf("duplicate task key %q", task.Key),
					Severity: "error",
				})
			}
			seenKeys[task.Key] = true
		}

		if task.Lane == "" {
			task.Lane = batch.Meta.Lane
		}
		if task.Lane == "" {
			batch.Errors = append(batch.Errors, ValidationError{
				Path:     path,
				Message:  "lane is required (set the task lane or batch.lane)",
				Severity: "error",
			})
		}

		if err := cp.validator.Struct(task); err != nil {
			batch.Errors = append(batch.Errors, ValidationError{
				Path:     path,
				Message:  err.Error(),
				Severity: "error",
			})
		}

		if task.Goal != "" && task.Lane != "" {
			goalKey := task.Lane + "\x00" + task.Goal
			if seenGoals[goalKey] {
				batch.Errors = append(batch.Errors, ValidationError{
					Path:     path,
					Message:  fmt.Sprintf("duplicate goal %q in lane %q", task.Goal, task.Lane),
					Severity: "error",
				})
			}
			seenGoals[goalKey] = true
		}
	}
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ValidateWithSchema validates a value against a named builtin schema.
func (cp *CUEParser) ValidateWithSchema(ctx context.Context, data interface{}, schemaName string) error {
	return cp.schemaRegistry.ValidateAgainstSchema(ctx, schemaName, data)
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// LoadFromDirectory lists all CUE files under a directory.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}

// decodeLoose round-trips loosely typed data through JSON into dst.
func decodeLoose(src interface{}, dst interface{}) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// isYAMLPath reports whether the path has a YAML extension.
func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
