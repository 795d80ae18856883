package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes task generator scripts safely.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// evalOutcome carries a finished evaluation across the timeout boundary.
type evalOutcome struct {
	result *StarlarkResult
	err    error
}

// Evaluate executes a generator script with the given input and returns
// its exported globals. On timeout the in-flight evaluation is cancelled,
// not abandoned.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "taskwarden",
		Print: func(_ *starlark.Thread, msg string) {
			// Print output is suppressed; generators communicate through
			// their exported globals.
		},
	}

	done := make(chan evalOutcome, 1)
	go func() {
		result, err := se.evaluateSync(thread, script, input)
		done <- evalOutcome{result: result, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("generator timeout")
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         fmt.Sprintf("execution timeout after %v", se.timeout),
		}, fmt.Errorf("starlark execution timeout")
	case out := <-done:
		if out.err != nil {
			return &StarlarkResult{
				ExecutionTime: time.Since(startTime),
				Error:         out.err.Error(),
			}, out.err
		}
		out.result.ExecutionTime = time.Since(startTime)
		return out.result, nil
	}
}

// evaluateSync performs the actual Starlark evaluation synchronously.
// Scripts see the standard universe (range, enumerate, zip, and friends)
// plus struct, the task constructor, and the caller's input values.
func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, script string, input map[string]interface{}) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"task":   starlark.NewBuiltin("task", builtinTask),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, "batch.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		// Underscore-prefixed globals are script-internal.
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{Output: output}, nil
}

// taskFields are the keys a generator may set on a task definition,
// matching the intake schema.
var taskFields = map[string]bool{
	"key":         true,
	"lane":        true,
	"goal":        true,
	"description": true,
	"archetype":   true,
	"priority":    true,
	"effort":      true,
	"urgent":      true,
	"source_ids":  true,
	"depends_on":  true,
}

// builtinTask constructs a task definition dict from keyword arguments.
// Unknown fields fail here, at generation time, instead of surfacing as
// half-empty definitions during batch validation.
func builtinTask(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: accepts keyword arguments only", b.Name())
	}

	dict := starlark.NewDict(len(kwargs))
	for _, kv := range kwargs {
		name, ok := kv[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("%s: keyword name must be a string", b.Name())
		}
		if !taskFields[string(name)] {
			return nil, fmt.Errorf("%s: unknown field %q", b.Name(), string(name))
		}
		if err := dict.SetKey(name, kv[1]); err != nil {
			return nil, err
		}
	}

	return dict, nil
}

// toStarlarkValue converts a Go value for injection into a script.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		elems := make([]starlark.Value, len(val))
		for i, item := range val {
			elems[i] = starlark.String(item)
		}
		return starlark.NewList(elems), nil
	case []interface{}:
		return toStarlarkList(val)
	case map[string]interface{}:
		return toStarlarkDict(val)
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func toStarlarkList(items []interface{}) (starlark.Value, error) {
	elems := make([]starlark.Value, len(items))
	for i, item := range items {
		conv, err := toStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		elems[i] = conv
	}
	return starlark.NewList(elems), nil
}

func toStarlarkDict(m map[string]interface{}) (starlark.Value, error) {
	dict := starlark.NewDict(len(m))
	for k, item := range m {
		conv, err := toStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		if err := dict.SetKey(starlark.String(k), conv); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// fromStarlarkValue converts a script value back to Go. Dicts and structs
// become maps; lists, tuples, and any other iterable (a range value, for
// one) become slices.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromStarlarkElements(val.Len(), val.Index)
	case *starlark.List:
		return fromStarlarkElements(val.Len(), val.Index)
	case *starlark.Dict:
		return fromStarlarkDict(val)
	case *starlarkstruct.Struct:
		return fromStarlarkStruct(val)
	default:
		if iterable, ok := v.(starlark.Iterable); ok {
			return fromStarlarkIterable(iterable)
		}
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// fromStarlarkElements converts an indexable sequence to a Go slice.
func fromStarlarkElements(n int, index func(int) starlark.Value) ([]interface{}, error) {
	list := make([]interface{}, n)
	for i := 0; i < n; i++ {
		item, err := fromStarlarkValue(index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}

// fromStarlarkIterable drains an iterable into a Go slice.
func fromStarlarkIterable(iterable starlark.Iterable) ([]interface{}, error) {
	iter := iterable.Iterate()
	defer iter.Done()

	list := []interface{}{}
	var x starlark.Value
	for iter.Next(&x) {
		item, err := fromStarlarkValue(x)
		if err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	return list, nil
}

func fromStarlarkDict(val *starlark.Dict) (map[string]interface{}, error) {
	out := make(map[string]interface{}, val.Len())
	for _, item := range val.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("dict key must be string")
		}
		value, err := fromStarlarkValue(item[1])
		if err != nil {
			return nil, err
		}
		out[string(key)] = value
	}
	return out, nil
}

func fromStarlarkStruct(val *starlarkstruct.Struct) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(val.AttrNames()))
	for _, name := range val.AttrNames() {
		attr, err := val.Attr(name)
		if err != nil {
			continue
		}
		value, err := fromStarlarkValue(attr)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}
