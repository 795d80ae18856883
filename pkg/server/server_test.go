package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/taskwarden/taskwarden/pkg/authority"
	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         ":memory:",
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry, err := authority.NewRegistry(nil)
	if err != nil {
		t.Fatalf("failed to build authority registry: %v", err)
	}
	eng, err := engine.NewEngine(store, registry, engine.Options{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	ts := httptest.NewServer(NewServer(eng, Options{Version: "test"}).Handler())
	t.Cleanup(ts.Close)
	return ts, eng
}

// do sends one JSON request and returns the status plus the raw body.
func do(t *testing.T, ts *httptest.Server, method, path string, body interface{}) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp.StatusCode, raw
}

func decode(t *testing.T, raw []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("failed to decode %s: %v", raw, err)
	}
}

// errorCode extracts the refusal code from an error envelope.
func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var envelope errorBody
	decode(t, raw, &envelope)
	return envelope.Error.Code
}

func createTask(t *testing.T, ts *httptest.Server, lane, goal string) *stores.Task {
	t.Helper()
	status, raw := do(t, ts, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"lane":      lane,
		"goal":      goal,
		"archetype": "PLUMBING",
	})
	if status != http.StatusCreated {
		t.Fatalf("create returned %d: %s", status, raw)
	}
	var task stores.Task
	decode(t, raw, &task)
	return &task
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	status, raw := do(t, ts, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz returned %d", status)
	}
	var body map[string]string
	decode(t, raw, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("healthz body = %v", body)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	ts, _ := newTestServer(t)

	task := createTask(t, ts, "payments:core", "Reconcile settlement batches")
	if task.ID == "" {
		t.Fatal("created task has no id")
	}
	if task.Status != stores.TaskStatusPending {
		t.Errorf("status = %s, want PENDING", task.Status)
	}

	status, raw := do(t, ts, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("get returned %d: %s", status, raw)
	}
	var got stores.Task
	decode(t, raw, &got)
	if got.Lane != "payments:core" {
		t.Errorf("lane = %s, want payments:core", got.Lane)
	}

	status, raw = do(t, ts, http.MethodGet, "/api/v1/tasks/no-such-task", nil)
	if status != http.StatusNotFound {
		t.Fatalf("missing task returned %d", status)
	}
	if code := errorCode(t, raw); code != engine.ErrCodeNotFound {
		t.Errorf("code = %s, want %s", code, engine.ErrCodeNotFound)
	}
}

func TestCreateTaskRejections(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown archetype",
			body:       map[string]interface{}{"lane": "core", "goal": "g", "archetype": "CHORE"},
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.ErrCodeValidation,
		},
		{
			name:       "missing goal",
			body:       map[string]interface{}{"lane": "core", "archetype": "PLUMBING"},
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.ErrCodeValidation,
		},
		{
			name:       "unknown dependency",
			body:       map[string]interface{}{"lane": "core", "goal": "g", "archetype": "PLUMBING", "dependencies": []string{"ghost"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   engine.ErrCodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, raw := do(t, ts, http.MethodPost, "/api/v1/tasks", tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", status, tt.wantStatus, raw)
			}
			if code := errorCode(t, raw); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestClaimEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	// Claiming from an empty lane is not an error; there is just nothing.
	status, _ := do(t, ts, http.MethodPost, "/api/v1/claims", map[string]interface{}{
		"lane": "payments:core", "worker_id": "w1",
	})
	if status != http.StatusNoContent {
		t.Fatalf("empty-lane claim returned %d, want 204", status)
	}

	created := createTask(t, ts, "payments:core", "76 failed captures to replay")
	status, raw := do(t, ts, http.MethodPost, "/api/v1/claims", map[string]interface{}{
		"lane": "payments:core", "worker_id": "w1", "ttl_seconds": 120,
	})
	if status != http.StatusOK {
		t.Fatalf("claim returned %d: %s", status, raw)
	}
	var task stores.Task
	decode(t, raw, &task)
	if task.ID != created.ID || task.Status != stores.TaskStatusInProgress {
		t.Errorf("claimed task = %s/%s, want %s in progress", task.ID, task.Status, created.ID)
	}

	status, raw = do(t, ts, http.MethodPost, "/api/v1/claims", map[string]interface{}{
		"lane": "payments:core",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("claim without worker returned %d", status)
	}
	if code := errorCode(t, raw); code != engine.ErrCodeValidation {
		t.Errorf("code = %s, want %s", code, engine.ErrCodeValidation)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	created := createTask(t, ts, "payments:core", "Rotate API credentials")

	// Direct promotion to REVIEWING bypasses claiming and is refused.
	status, raw := do(t, ts, http.MethodPost, "/api/v1/tasks/"+created.ID+"/state",
		map[string]interface{}{"to": "REVIEWING"})
	if status != http.StatusConflict {
		t.Fatalf("illegal transition returned %d: %s", status, raw)
	}
	if code := errorCode(t, raw); code != engine.ErrCodeInvalidTransition {
		t.Errorf("code = %s, want %s", code, engine.ErrCodeInvalidTransition)
	}

	if status, raw = do(t, ts, http.MethodPost, "/api/v1/claims", map[string]interface{}{
		"lane": "payments:core", "worker_id": "w1",
	}); status != http.StatusOK {
		t.Fatalf("claim returned %d: %s", status, raw)
	}

	status, raw = do(t, ts, http.MethodPost, "/api/v1/tasks/"+created.ID+"/submit",
		map[string]interface{}{"worker_id": "w1"})
	if status != http.StatusOK {
		t.Fatalf("submit returned %d: %s", status, raw)
	}
	var submitted struct {
		Packet *stores.ReviewPacket `json:"packet"`
		Report *struct {
			OK bool `json:"ok"`
		} `json:"report"`
	}
	decode(t, raw, &submitted)
	if submitted.Packet == nil || submitted.Report == nil || !submitted.Report.OK {
		t.Fatalf("submit body missing packet or passing report: %s", raw)
	}

	status, raw = do(t, ts, http.MethodGet, "/api/v1/reviews?lane=payments:core", nil)
	if status != http.StatusOK {
		t.Fatalf("review queue returned %d", status)
	}
	var queue struct {
		Count int `json:"count"`
	}
	decode(t, raw, &queue)
	if queue.Count != 1 {
		t.Errorf("review queue count = %d, want 1", queue.Count)
	}

	status, raw = do(t, ts, http.MethodPost, "/api/v1/tasks/"+created.ID+"/review",
		map[string]interface{}{"decision": "APPROVE"})
	if status != http.StatusOK {
		t.Fatalf("approve returned %d: %s", status, raw)
	}
	var approved stores.Task
	decode(t, raw, &approved)
	if approved.Status != stores.TaskStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", approved.Status)
	}
}

func TestDependenciesEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	first := createTask(t, ts, "storage:infra", "Provision the new volume")
	status, raw := do(t, ts, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"lane":         "storage:infra",
		"goal":         "Migrate data onto the new volume",
		"archetype":    "PLUMBING",
		"dependencies": []string{first.ID},
	})
	if status != http.StatusCreated {
		t.Fatalf("create returned %d: %s", status, raw)
	}
	var second stores.Task
	decode(t, raw, &second)

	status, raw = do(t, ts, http.MethodGet, "/api/v1/tasks/"+second.ID+"/dependencies", nil)
	if status != http.StatusOK {
		t.Fatalf("dependencies returned %d", status)
	}
	var deps struct {
		Dependencies []stores.DependencyState `json:"dependencies"`
		Ready        bool                     `json:"ready"`
	}
	decode(t, raw, &deps)
	if deps.Ready {
		t.Error("task with a pending dependency reported ready")
	}
	if len(deps.Dependencies) != 1 || deps.Dependencies[0].TaskID != first.ID {
		t.Errorf("dependencies = %+v, want just %s", deps.Dependencies, first.ID)
	}

	status, raw = do(t, ts, http.MethodGet, "/api/v1/dag?lane=storage:infra", nil)
	if status != http.StatusOK {
		t.Fatalf("dag returned %d", status)
	}
	if !strings.Contains(string(raw), "digraph") {
		t.Errorf("dag output is not DOT: %s", raw)
	}
}

func TestWorkersEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	status, raw := do(t, ts, http.MethodPost, "/api/v1/workers/heartbeat", map[string]interface{}{
		"worker_id": "w1", "lanes": []string{"payments:core"}, "tier": "senior", "capacity_limit": 3,
	})
	if status != http.StatusOK {
		t.Fatalf("heartbeat returned %d: %s", status, raw)
	}
	var worker stores.Worker
	decode(t, raw, &worker)
	if worker.Tier != stores.TierSenior || worker.CapacityLimit != 3 {
		t.Errorf("worker = %+v", worker)
	}

	status, raw = do(t, ts, http.MethodGet, "/api/v1/workers", nil)
	if status != http.StatusOK {
		t.Fatalf("workers returned %d", status)
	}
	var listed struct {
		Workers []stores.Worker `json:"workers"`
		Count   int             `json:"count"`
	}
	decode(t, raw, &listed)
	if listed.Count != 1 || listed.Workers[0].WorkerID != "w1" {
		t.Errorf("workers body = %s", raw)
	}

	status, raw = do(t, ts, http.MethodPost, "/api/v1/workers/heartbeat", map[string]interface{}{
		"lanes": []string{"payments:core"},
	})
	if status != http.StatusBadRequest {
		t.Fatalf("heartbeat without id returned %d: %s", status, raw)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	task := createTask(t, ts, "payments:core", "Emit settlement file")
	if status, raw := do(t, ts, http.MethodPost, "/api/v1/claims", map[string]interface{}{
		"lane": "payments:core", "worker_id": "w1",
	}); status != http.StatusOK {
		t.Fatalf("claim returned %d: %s", status, raw)
	}

	status, raw := do(t, ts, http.MethodGet, "/api/v1/ledger?task_id="+task.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("ledger returned %d", status)
	}
	var body struct {
		Entries []stores.LedgerEntry `json:"entries"`
		Count   int                  `json:"count"`
	}
	decode(t, raw, &body)
	if body.Count == 0 {
		t.Fatal("ledger has no entries for a claimed task")
	}
	if body.Entries[0].Event != "PENDING->IN_PROGRESS" {
		t.Errorf("first event = %s, want the claim transition", body.Entries[0].Event)
	}

	status, raw = do(t, ts, http.MethodGet, "/api/v1/ledger?since=yesterday", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad since returned %d: %s", status, raw)
	}
}

func TestSweepEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/api/v1/sweeps/leases", "/api/v1/sweeps/blocked"} {
		status, raw := do(t, ts, http.MethodPost, path, nil)
		if status != http.StatusOK {
			t.Fatalf("%s returned %d: %s", path, status, raw)
		}
		var result engine.SweepResult
		decode(t, raw, &result)
		if result.Examined != 0 || result.Requeued != 0 {
			t.Errorf("%s on an empty store did work: %+v", path, result)
		}
	}

	status, raw := do(t, ts, http.MethodPost, "/api/v1/sweeps/workers", nil)
	if status != http.StatusOK {
		t.Fatalf("worker sweep returned %d: %s", status, raw)
	}
	var swept struct {
		Offlined int64 `json:"workers_offlined"`
	}
	decode(t, raw, &swept)
	if swept.Offlined != 0 {
		t.Errorf("worker sweep offlined %d on an empty store", swept.Offlined)
	}
}
