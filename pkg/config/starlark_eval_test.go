package config

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
)

// evalScript runs a generator script and fails the test on any error.
func evalScript(t *testing.T, script string, input map[string]interface{}) *StarlarkResult {
	t.Helper()

	evaluator := NewStarlarkEvaluator(5 * time.Second)
	result, err := evaluator.Evaluate(context.Background(), script, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected result error: %s", result.Error)
	}
	if result.ExecutionTime == 0 {
		t.Error("expected non-zero execution time")
	}
	return result
}

func TestStarlarkGeneratorOutputs(t *testing.T) {
	t.Run("arithmetic", func(t *testing.T) {
		result := evalScript(t, "result = 2 + 2\n", nil)
		if result.Output["result"] != int64(4) {
			t.Errorf("expected result=4, got %v", result.Output["result"])
		}
	})

	t.Run("input variables", func(t *testing.T) {
		result := evalScript(t, "replicas = vars[\"count\"] * 2\n", map[string]interface{}{
			"vars": map[string]interface{}{"count": 5},
		})
		if result.Output["replicas"] != int64(10) {
			t.Errorf("expected replicas=10, got %v", result.Output["replicas"])
		}
	})

	t.Run("task generating function", func(t *testing.T) {
		script := `
def migration_tasks(shards):
    tasks = []
    for i in range(shards):
        tasks.append({
            "key": "migrate_shard_" + str(i),
            "goal": "migrate shard " + str(i) + " to the new schema",
            "archetype": "DB",
        })
    return tasks

tasks = migration_tasks(4)
`
		result := evalScript(t, script, nil)
		tasks, ok := result.Output["tasks"].([]interface{})
		if !ok {
			t.Fatalf("expected tasks to be a list, got %T", result.Output["tasks"])
		}
		if len(tasks) != 4 {
			t.Fatalf("expected 4 tasks, got %d", len(tasks))
		}
		first, ok := tasks[0].(map[string]interface{})
		if !ok {
			t.Fatalf("expected tasks[0] to be a dict, got %T", tasks[0])
		}
		if first["key"] != "migrate_shard_0" || first["archetype"] != "DB" {
			t.Errorf("unexpected first task: %v", first)
		}
	})

	t.Run("batch metadata dict", func(t *testing.T) {
		script := `
batch = {
    "name": "shard migration",
    "lane": "storage",
}
tasks = []
`
		result := evalScript(t, script, nil)
		batch, ok := result.Output["batch"].(map[string]interface{})
		if !ok {
			t.Fatalf("expected batch to be a dict, got %T", result.Output["batch"])
		}
		if batch["lane"] != "storage" {
			t.Errorf("expected lane=storage, got %v", batch["lane"])
		}
	})

	t.Run("comprehensions", func(t *testing.T) {
		script := `
lanes = ["payments", "billing", "ledger"]
tasks = [{"goal": "audit " + lane, "archetype": "SEC"} for lane in lanes]
order = {lane: i for i, lane in enumerate(lanes)}
`
		result := evalScript(t, script, nil)
		tasks, ok := result.Output["tasks"].([]interface{})
		if !ok || len(tasks) != 3 {
			t.Fatalf("expected 3 tasks, got %v", result.Output["tasks"])
		}
		order, ok := result.Output["order"].(map[string]interface{})
		if !ok || len(order) != 3 {
			t.Fatalf("expected 3 order entries, got %v", result.Output["order"])
		}
		if order["ledger"] != int64(2) {
			t.Errorf("expected order[ledger]=2, got %v", order["ledger"])
		}
	})

	t.Run("underscore globals stay private", func(t *testing.T) {
		script := `
_helper = "internal"
result = _helper + "-made-it"
`
		result := evalScript(t, script, nil)
		if _, ok := result.Output["_helper"]; ok {
			t.Error("underscore global should not be exported")
		}
		if result.Output["result"] != "internal-made-it" {
			t.Errorf("expected result='internal-made-it', got %v", result.Output["result"])
		}
	})
}

func TestStarlarkTaskConstructor(t *testing.T) {
	t.Run("valid fields", func(t *testing.T) {
		script := `
tasks = [
    task(goal = "rotate signing key", lane = "security", archetype = "SEC", urgent = True),
]
`
		result := evalScript(t, script, nil)
		tasks, ok := result.Output["tasks"].([]interface{})
		if !ok || len(tasks) != 1 {
			t.Fatalf("expected 1 task, got %v", result.Output["tasks"])
		}
		def, ok := tasks[0].(map[string]interface{})
		if !ok {
			t.Fatalf("expected task dict, got %T", tasks[0])
		}
		if def["goal"] != "rotate signing key" {
			t.Errorf("expected goal, got %v", def["goal"])
		}
		if def["urgent"] != true {
			t.Errorf("expected urgent=true, got %v", def["urgent"])
		}
	})

	t.Run("unknown field refused", func(t *testing.T) {
		evaluator := NewStarlarkEvaluator(5 * time.Second)
		_, err := evaluator.Evaluate(context.Background(), `tasks = [task(goal = "x", archetype = "LOGIC", owner = "me")]`, nil)
		if err == nil {
			t.Fatal("expected unknown field error")
		}
		if !strings.Contains(err.Error(), "owner") {
			t.Errorf("expected the field name in the error, got %v", err)
		}
	})

	t.Run("positional arguments refused", func(t *testing.T) {
		evaluator := NewStarlarkEvaluator(5 * time.Second)
		_, err := evaluator.Evaluate(context.Background(), `tasks = [task("x")]`, nil)
		if err == nil {
			t.Fatal("expected positional argument error")
		}
	})
}

func TestStarlarkExportedIterables(t *testing.T) {
	t.Run("zip tuples become lists", func(t *testing.T) {
		result := evalScript(t, "pairs = zip([\"a\", \"b\"], [1, 2])\n", nil)
		pairs, ok := result.Output["pairs"].([]interface{})
		if !ok || len(pairs) != 2 {
			t.Fatalf("expected 2 pairs, got %v", result.Output["pairs"])
		}
		if !reflect.DeepEqual(pairs[0], []interface{}{"a", int64(1)}) {
			t.Errorf("unexpected pair contents: %v", pairs[0])
		}
	})

	t.Run("range becomes a list", func(t *testing.T) {
		result := evalScript(t, "shards = range(3)\n", nil)
		if !reflect.DeepEqual(result.Output["shards"], []interface{}{int64(0), int64(1), int64(2)}) {
			t.Errorf("unexpected range contents: %v", result.Output["shards"])
		}
	})
}

func TestStarlarkScriptErrors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	scripts := map[string]string{
		"syntax error":       "invalid syntax here\n",
		"undefined variable": "tasks = undefined_variable\n",
		"bad input type":     "result = 1\n",
	}

	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			var input map[string]interface{}
			if name == "bad input type" {
				input = map[string]interface{}{"weird": struct{}{}}
			}
			result, err := evaluator.Evaluate(context.Background(), script, input)
			if err == nil {
				t.Fatal("expected an error")
			}
			if result == nil || result.Error == "" {
				t.Error("expected the error mirrored in the result")
			}
		})
	}
}

func TestStarlarkTimeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	script := `
total = 0
for i in range(10000000):
    total = total + i
`
	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected a timeout error, got %v", err)
	}
	if result == nil || result.Error == "" {
		t.Error("expected the timeout mirrored in the result")
	}
}

func TestStarlarkInputConversion(t *testing.T) {
	tests := []struct {
		name   string
		input  map[string]interface{}
		script string
		want   interface{}
	}{
		{
			name:   "bool",
			input:  map[string]interface{}{"urgent": true},
			script: "result = urgent and True\n",
			want:   true,
		},
		{
			name:   "int",
			input:  map[string]interface{}{"count": 42},
			script: "result = count + 8\n",
			want:   int64(50),
		},
		{
			name:   "float",
			input:  map[string]interface{}{"ratio": 0.25},
			script: "result = ratio * 2\n",
			want:   float64(0.5),
		},
		{
			name:   "string",
			input:  map[string]interface{}{"lane": "payments"},
			script: "result = lane + \":refunds\"\n",
			want:   "payments:refunds",
		},
		{
			name:   "interface list",
			input:  map[string]interface{}{"sources": []interface{}{"DR-01", "DR-02", "DR-03"}},
			script: "result = len(sources)\n",
			want:   int64(3),
		},
		{
			name:   "string slice",
			input:  map[string]interface{}{"lanes": []string{"payments", "billing"}},
			script: "result = lanes[0] + \",\" + lanes[1]\n",
			want:   "payments,billing",
		},
		{
			name:   "nested dict",
			input:  map[string]interface{}{"target": map[string]interface{}{"host": "localhost", "port": 7463}},
			script: "result = target[\"host\"] + \":\" + str(target[\"port\"])\n",
			want:   "localhost:7463",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := evalScript(t, tt.script, tt.input)
			if !reflect.DeepEqual(result.Output["result"], tt.want) {
				t.Errorf("expected %v (%T), got %v (%T)", tt.want, tt.want, result.Output["result"], result.Output["result"])
			}
		})
	}
}

func TestStarlarkPrintSuppressed(t *testing.T) {
	script := `
print("this should not appear")
result = "done"
`
	result := evalScript(t, script, nil)
	if result.Output["result"] != "done" {
		t.Errorf("expected result='done', got %v", result.Output["result"])
	}
}
