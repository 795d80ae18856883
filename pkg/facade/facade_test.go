package facade

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskwarden/taskwarden/pkg/authority"
	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/facade/client"
	"github.com/taskwarden/taskwarden/pkg/facade/protocol"
	"github.com/taskwarden/taskwarden/pkg/stores"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

// newTestEngine builds an engine over a fresh in-memory store. The
// telemetry handle may be nil.
func newTestEngine(t *testing.T, tel *telemetry.Telemetry) *engine.Engine {
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
	eng, err := engine.NewEngine(store, registry, engine.Options{Telemetry: tel})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return eng
}

// startFacade serves the agent socket in the background and returns the
// socket path plus a shutdown func that stops the server and waits.
func startFacade(t *testing.T, eng *engine.Engine, opts Options) (string, func()) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "warden.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", path, err)
	}

	srv := NewServer(eng, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, ErrServerClosed) {
			t.Errorf("serve returned unexpected error: %v", err)
		}
	}()

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Errorf("server did not stop in time")
			}
		})
	}
	t.Cleanup(shutdown)
	return path, shutdown
}

func dialAgent(t *testing.T, path string) *client.Client {
	t.Helper()
	cl, err := client.Dial(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("failed to dial agent socket: %v", err)
	}
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func mustCreateTask(t *testing.T, eng *engine.Engine, lane, goal string) *stores.Task {
	t.Helper()
	task, err := eng.CreateTask(context.Background(), &engine.CreateTaskRequest{
		Lane:      lane,
		Goal:      goal,
		Archetype: stores.ArchetypePlumbing,
	})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

// waitEvent drains the event channel until an event of the wanted type
// arrives.
func waitEvent(t *testing.T, ch <-chan protocol.EventMessage, eventType string) protocol.EventMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestAgentHandshake(t *testing.T) {
	eng := newTestEngine(t, nil)
	path, _ := startFacade(t, eng, Options{Version: "1.2.3"})
	cl := dialAgent(t, path)

	hello := cl.Hello()
	if hello.Engine != "taskwarden" {
		t.Errorf("engine = %q, want taskwarden", hello.Engine)
	}
	if hello.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", hello.Version)
	}
	if hello.PID == 0 {
		t.Error("expected a nonzero pid")
	}

	wantOps := []string{
		string(protocol.OpTaskClaim),
		string(protocol.OpLeaseRenew),
		string(protocol.OpTaskSubmit),
		string(protocol.OpReviewDecide),
		string(protocol.OpWorkerHeartbeat),
		string(protocol.OpEventsSubscribe),
	}
	advertised := make(map[string]bool, len(hello.Ops))
	for _, op := range hello.Ops {
		advertised[op] = true
	}
	for _, op := range wantOps {
		if !advertised[op] {
			t.Errorf("HELLO does not advertise %s; got %v", op, hello.Ops)
		}
	}
}

func TestClaimAndRenewOverSocket(t *testing.T) {
	eng := newTestEngine(t, nil)
	path, _ := startFacade(t, eng, Options{})
	cl := dialAgent(t, path)
	ctx := context.Background()

	// An empty lane yields no task, not an error.
	task, err := cl.Claim(ctx, "payments:core", "agent-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim on empty lane failed: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task from empty lane, got %s", task.ID)
	}

	created := mustCreateTask(t, eng, "payments:core", "Reconcile ledger shards")

	task, err = cl.Claim(ctx, "payments:core", "agent-1", 30*time.Second)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if task == nil {
		t.Fatal("expected a claimed task")
	}
	if task.ID != created.ID {
		t.Errorf("claimed %s, want %s", task.ID, created.ID)
	}
	if task.Status != stores.TaskStatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", task.Status)
	}
	if task.WorkerID == nil || *task.WorkerID != "agent-1" {
		t.Errorf("worker_id = %v, want agent-1", task.WorkerID)
	}

	expiry, err := cl.RenewLease(ctx, task.ID, "agent-1", 2*time.Minute)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if !expiry.After(time.Now()) {
		t.Errorf("renewed expiry %s is not in the future", expiry)
	}

	// A renewal from a different worker is an ownership refusal carried
	// over the wire as a typed protocol error.
	_, err = cl.RenewLease(ctx, task.ID, "agent-2", 2*time.Minute)
	var protoErr *protocol.ErrorMessage
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if protoErr.Code != engine.ErrCodeOwnership {
		t.Errorf("code = %s, want %s", protoErr.Code, engine.ErrCodeOwnership)
	}
}

func TestReviewFlowOverSocket(t *testing.T) {
	eng := newTestEngine(t, nil)
	path, _ := startFacade(t, eng, Options{})
	cl := dialAgent(t, path)
	ctx := context.Background()

	created := mustCreateTask(t, eng, "payments:core", "Rotate webhook secrets")
	task, err := cl.Claim(ctx, "payments:core", "agent-1", 0)
	if err != nil || task == nil {
		t.Fatalf("claim failed: task=%v err=%v", task, err)
	}

	result, err := cl.Submit(ctx, task.ID, "agent-1")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if result.Packet == nil || result.Packet.TaskID != created.ID {
		t.Fatalf("packet = %+v, want one for %s", result.Packet, created.ID)
	}
	if result.Report == nil || !result.Report.OK {
		t.Fatalf("expected a passing gate report, got %+v", result.Report)
	}

	// A rejection sends the task back to the same worker with feedback.
	rejected, err := cl.Decide(ctx, task.ID, string(engine.DecisionReject), "tighten the retry bound")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Status != stores.TaskStatusInProgress {
		t.Errorf("status after reject = %s, want IN_PROGRESS", rejected.Status)
	}
	if rejected.Feedback == nil || *rejected.Feedback != "tighten the retry bound" {
		t.Errorf("feedback = %v, want the reviewer notes", rejected.Feedback)
	}

	// The surviving lease lets the worker resubmit and land an approval.
	if _, err := cl.Submit(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	approved, err := cl.Decide(ctx, task.ID, string(engine.DecisionApprove), "")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.Status != stores.TaskStatusCompleted {
		t.Errorf("status after approve = %s, want COMPLETED", approved.Status)
	}

	got, err := cl.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != stores.TaskStatusCompleted {
		t.Errorf("fetched status = %s, want COMPLETED", got.Status)
	}
}

func TestBlockAndJustifyOverSocket(t *testing.T) {
	eng := newTestEngine(t, nil)
	path, _ := startFacade(t, eng, Options{})
	cl := dialAgent(t, path)
	ctx := context.Background()

	mustCreateTask(t, eng, "storage:infra", "Resize the archive volume")
	task, err := cl.Claim(ctx, "storage:infra", "agent-1", 0)
	if err != nil || task == nil {
		t.Fatalf("claim failed: task=%v err=%v", task, err)
	}

	if err := cl.Justify(ctx, task.ID, "operator approved emergency change"); err != nil {
		t.Fatalf("justify failed: %v", err)
	}

	blocked, err := cl.Block(ctx, task.ID, "agent-1", "waiting on the SAN team")
	if err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if blocked.Status != stores.TaskStatusBlocked {
		t.Errorf("status = %s, want BLOCKED", blocked.Status)
	}

	got, err := cl.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.OverrideJustification == nil || *got.OverrideJustification != "operator approved emergency change" {
		t.Errorf("justification = %v, want the recorded text", got.OverrideJustification)
	}
}

func TestHeartbeatOverSocket(t *testing.T) {
	eng := newTestEngine(t, nil)
	path, _ := startFacade(t, eng, Options{})
	cl := dialAgent(t, path)

	worker, err := cl.Heartbeat(context.Background(), &protocol.HeartbeatParams{
		WorkerID:      "agent-7",
		Lanes:         []string{"payments:core", "storage:infra"},
		Tier:          string(stores.TierSenior),
		CapacityLimit: 2,
	})
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if worker.WorkerID != "agent-7" {
		t.Errorf("worker_id = %s, want agent-7", worker.WorkerID)
	}
	if worker.Tier != stores.TierSenior {
		t.Errorf("tier = %s, want senior", worker.Tier)
	}
	if len(worker.Lanes) != 2 {
		t.Errorf("lanes = %v, want two entries", worker.Lanes)
	}
}

func TestRefusalsCarryEngineCodes(t *testing.T) {
	eng := newTestEngine(t, nil)
	path, _ := startFacade(t, eng, Options{})
	cl := dialAgent(t, path)
	ctx := context.Background()

	tests := []struct {
		name     string
		call     func() error
		wantCode string
	}{
		{
			name: "missing task",
			call: func() error {
				_, err := cl.GetTask(ctx, "no-such-task")
				return err
			},
			wantCode: engine.ErrCodeNotFound,
		},
		{
			name: "claim without worker id",
			call: func() error {
				_, err := cl.Claim(ctx, "payments:core", "", 0)
				return err
			},
			wantCode: engine.ErrCodeValidation,
		},
		{
			name: "decision must be a verdict",
			call: func() error {
				_, err := cl.Decide(ctx, "some-task", "MAYBE", "")
				return err
			},
			wantCode: engine.ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var protoErr *protocol.ErrorMessage
			if !errors.As(err, &protoErr) {
				t.Fatalf("expected protocol error, got %v", err)
			}
			if protoErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", protoErr.Code, tt.wantCode)
			}
			if protoErr.Retryable {
				t.Error("refusal should not be marked retryable")
			}
		})
	}
}

func TestEventPushToSubscribers(t *testing.T) {
	pub, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create event publisher: %v", err)
	}
	eng := newTestEngine(t, &telemetry.Telemetry{Events: pub})
	path, shutdown := startFacade(t, eng, Options{Events: pub})

	cl := dialAgent(t, path)
	ctx := context.Background()

	if err := cl.Subscribe(ctx, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	created := mustCreateTask(t, eng, "payments:core", "Emit settlement file")

	ev := waitEvent(t, cl.Events(), telemetry.EventTypeTaskCreated)
	if ev.TaskID != created.ID {
		t.Errorf("created event task = %s, want %s", ev.TaskID, created.ID)
	}
	if ev.Lane != "payments:core" {
		t.Errorf("created event lane = %s, want payments:core", ev.Lane)
	}

	// Claims over the socket push to the same subscription.
	task, err := cl.Claim(ctx, "payments:core", "agent-1", 0)
	if err != nil || task == nil {
		t.Fatalf("claim failed: task=%v err=%v", task, err)
	}
	ev = waitEvent(t, cl.Events(), telemetry.EventTypeTaskClaimed)
	if ev.WorkerID != "agent-1" {
		t.Errorf("claimed event worker = %s, want agent-1", ev.WorkerID)
	}

	// Shutdown sends BYE and the event stream ends.
	shutdown()
	select {
	case _, ok := <-cl.Events():
		if ok {
			// Drain anything in flight; the close must still arrive.
			for range cl.Events() {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event channel did not close after shutdown")
	}
}

func TestSubscriptionFilters(t *testing.T) {
	pub, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create event publisher: %v", err)
	}
	eng := newTestEngine(t, &telemetry.Telemetry{Events: pub})
	path, _ := startFacade(t, eng, Options{Events: pub})

	cl := dialAgent(t, path)
	ctx := context.Background()

	// Only claims in the payments lane should come through.
	err = cl.Subscribe(ctx, &protocol.SubscribeParams{
		Types: []string{telemetry.EventTypeTaskClaimed},
		Lane:  "payments:core",
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	mustCreateTask(t, eng, "storage:infra", "Compact cold segments")
	mustCreateTask(t, eng, "payments:core", "Replay failed captures")

	if _, err := cl.Claim(ctx, "storage:infra", "agent-1", 0); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := cl.Claim(ctx, "payments:core", "agent-1", 0); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	ev := waitEvent(t, cl.Events(), telemetry.EventTypeTaskClaimed)
	if ev.Lane != "payments:core" {
		t.Errorf("filtered stream delivered lane %s, want payments:core only", ev.Lane)
	}

	// Nothing else was admitted by the filter.
	select {
	case extra := <-cl.Events():
		t.Errorf("unexpected extra event: %s in lane %s", extra.Type, extra.Lane)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestMalformedOpDropsConnection exercises the protocol boundary directly:
// a request naming an op outside the protocol closes the connection.
func TestMalformedOpDropsConnection(t *testing.T) {
	eng := newTestEngine(t, nil)
	path, _ := startFacade(t, eng, Options{})

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	dec := protocol.NewDecoder(conn)
	msg, err := dec.Decode()
	if err != nil || msg.Type != protocol.MessageTypeHello {
		t.Fatalf("expected HELLO, got %v (err %v)", msg, err)
	}

	enc := protocol.NewEncoder(conn)
	bad := &protocol.RequestMessage{ID: "r1", Op: protocol.Op("task.destroy")}
	if err := enc.Encode(protocol.MessageTypeRequest, bad); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected the server to drop the connection, got %v", err)
	}
}

func TestConcurrentAgents(t *testing.T) {
	eng := newTestEngine(t, nil)
	path, _ := startFacade(t, eng, Options{})
	ctx := context.Background()

	const taskCount = 6
	for i := 0; i < taskCount; i++ {
		mustCreateTask(t, eng, "payments:core", "Batch job "+string(rune('A'+i)))
	}

	var wg sync.WaitGroup
	claimed := make(chan string, taskCount)
	for i := 0; i < 3; i++ {
		workerID := "agent-" + string(rune('a'+i))
		cl := dialAgent(t, path)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := cl.Claim(ctx, "payments:core", workerID, time.Minute)
				if err != nil {
					t.Errorf("claim by %s failed: %v", workerID, err)
					return
				}
				if task == nil {
					return
				}
				claimed <- task.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := make(map[string]bool)
	for id := range claimed {
		if seen[id] {
			t.Errorf("task %s was claimed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != taskCount {
		t.Errorf("claimed %d distinct tasks, want %d", len(seen), taskCount)
	}
}
