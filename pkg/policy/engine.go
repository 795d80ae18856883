package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine compiles Rego policies once at load time and evaluates their
// deny sets against task operations. All methods are safe for concurrent
// use.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	builtin  []Policy
}

// compiledPolicy pairs a policy with its prepared deny query. Preparation
// happens at load time, so evaluation never reparses Rego.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine builds a policy engine with the built-in policies loaded and
// enabled. Callers disable or extend the set afterwards.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtin:  GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// EvaluateTask runs every enabled policy against a single task. A nil
// context gets a default with the current timestamp and operation
// "validate".
func (e *Engine) EvaluateTask(ctx context.Context, task *TaskView, pctx *PolicyContext) (*PolicyResult, error) {
	if pctx == nil {
		pctx = &PolicyContext{
			Timestamp: time.Now(),
			Operation: "validate",
		}
	}
	result := e.evaluate(ctx, []*PolicyInput{{Task: task, Context: pctx}}, pctx)

	e.logger.Debug().
		Str("task_id", task.ID).
		Str("operation", pctx.Operation).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("task policy evaluation completed")
	return result, nil
}

// EvaluateClaim runs every enabled policy against a claim attempt,
// exposing both the task and the claiming worker to the rules.
func (e *Engine) EvaluateClaim(ctx context.Context, task *TaskView, worker *WorkerView) (*PolicyResult, error) {
	pctx := &PolicyContext{
		Timestamp: time.Now(),
		Operation: "claim",
		Actor:     worker.ID,
	}
	result := e.evaluate(ctx, []*PolicyInput{{Task: task, Worker: worker, Context: pctx}}, pctx)

	e.logger.Debug().
		Str("task_id", task.ID).
		Str("worker_id", worker.ID).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("claim policy evaluation completed")
	return result, nil
}

// EvaluateBatch runs every enabled policy against a batch of tasks, such
// as a parsed intake file, and folds every verdict into one result. A nil
// context gets a default with operation "create".
func (e *Engine) EvaluateBatch(ctx context.Context, tasks []TaskView, pctx *PolicyContext) (*PolicyResult, error) {
	if pctx == nil {
		pctx = &PolicyContext{
			Timestamp: time.Now(),
			Operation: "create",
		}
	}

	inputs := make([]*PolicyInput, 0, len(tasks))
	for i := range tasks {
		inputs = append(inputs, &PolicyInput{Task: &tasks[i], Context: pctx})
	}
	return e.evaluate(ctx, inputs, pctx), nil
}

// evaluate runs every enabled policy, in name order, against each input.
// A policy that fails to evaluate degrades to a warning so one broken
// rule cannot wedge the whole gate.
func (e *Engine) evaluate(ctx context.Context, inputs []*PolicyInput, pctx *PolicyContext) *PolicyResult {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	var violations []PolicyViolation
	var warnings []string
	evaluated := make([]string, 0, len(e.policies))

	for _, cp := range e.sortedPolicies() {
		if !cp.policy.Enabled {
			continue
		}
		evaluated = append(evaluated, cp.policy.Name)

		for _, input := range inputs {
			found, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("task", inputTaskID(input)).
					Msg("policy evaluation failed")
				warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
				continue
			}
			violations = append(violations, found...)
		}
	}

	allowed := true
	for i := range violations {
		if violations[i].Blocking() {
			allowed = false
			break
		}
	}

	return &PolicyResult{
		Allowed:           allowed,
		Violations:        violations,
		Warnings:          warnings,
		EvaluatedAt:       time.Now(),
		EvaluatedPolicies: evaluated,
		Duration:          time.Since(start),
		Context:           pctx,
	}
}

// sortedPolicies returns the compiled policies in name order so evaluation
// output is deterministic. Caller holds at least a read lock.
func (e *Engine) sortedPolicies() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

func inputTaskID(input *PolicyInput) string {
	if input.Task != nil {
		return input.Task.ID
	}
	return ""
}

// evaluatePolicy runs one prepared deny query and converts each member of
// the deny set into a violation.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.buildViolation(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

// buildViolation converts one deny set member into a violation. Rules may
// return a bare message string or an object overriding severity, task,
// and remediation.
func (e *Engine) buildViolation(policy *Policy, denied interface{}, input *PolicyInput) PolicyViolation {
	v := PolicyViolation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}
	if input.Task != nil {
		v.TaskID = input.Task.ID
	}

	switch d := denied.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if s, ok := d["message"].(string); ok {
			v.Message = s
		}
		if s, ok := d["severity"].(string); ok {
			v.Severity = Severity(s)
		}
		if s, ok := d["task"].(string); ok {
			v.TaskID = s
		}
		if s, ok := d["remediation"].(string); ok {
			v.Remediation = s
		}
	default:
		v.Message = fmt.Sprintf("%v", denied)
	}
	return v
}

// LoadPolicies loads policy files from the given paths and compiles each
// one. A policy that fails to compile rejects the whole load.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("policies loaded")
	return nil
}

// compileAndStorePolicy parses the policy, prepares its deny query, and
// registers it under the policy name. The query is bound to the module's
// own package, so rules live wherever the author put them. Caller holds
// the write lock.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(denyQuery(module)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("policy compiled")
	return nil
}

// denyQuery addresses the deny set inside the module's own package.
func denyQuery(module *ast.Module) string {
	return module.Package.Path.String() + ".deny"
}

// loadBuiltinPolicies compiles the built-in policy set. Caller holds the
// write lock, or no lock during construction.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtin {
		if err := e.compileAndStorePolicy(ctx, &e.builtin[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtin[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtin)).
		Msg("built-in policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.sortedPolicies() {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// ReloadPolicies drops every loaded policy and restores the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltinPolicies(ctx)
}

// setEnabled flips one policy's enabled flag.
func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().
		Str("policy", name).
		Bool("enabled", enabled).
		Msg("policy toggled")
	return nil
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}
