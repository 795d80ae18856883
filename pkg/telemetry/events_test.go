package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// eventSink collects delivered events behind a mutex so async tests can
// poll it safely.
type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) add(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func syncEventsConfig() EventsConfig {
	return EventsConfig{
		Enabled:      true,
		BufferSize:   16,
		MaxBatchSize: 4,
		EnableAsync:  false,
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSyncDeliveryIsInlineAndOrdered(t *testing.T) {
	ep, err := NewEventPublisher(syncEventsConfig())
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}
	defer ep.Shutdown(context.Background())

	sink := &eventSink{}
	ep.Subscribe(sink.add, nil)

	if err := ep.PublishTaskCreated("T-1", "payments", "LOGIC"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ep.PublishTaskClaimed("T-1", "payments", "worker-7"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ep.PublishReviewRequested("T-1", "abc123"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := sink.types()
	want := []string{EventTypeTaskCreated, EventTypeTaskClaimed, EventTypeReviewRequested}
	if len(got) != len(want) {
		t.Fatalf("delivered %d events synchronously, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d type = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDisabledPublisherIsNoop(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}

	sink := &eventSink{}
	ep.Subscribe(sink.add, nil)

	if err := ep.PublishTaskFailed("T-1", "retries exhausted"); err != nil {
		t.Fatalf("publish on disabled publisher: %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("disabled publisher delivered %d events", sink.count())
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestPublishFillsIdentity(t *testing.T) {
	ep, _ := NewEventPublisher(syncEventsConfig())
	defer ep.Shutdown(context.Background())

	var got Event
	ep.Subscribe(func(ev Event) { got = ev }, nil)

	if err := ep.Publish(Event{Type: EventTypeError, Message: "boom", Level: EventLevelError}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.ID == "" {
		t.Error("delivered event has no ID")
	}
	if got.Timestamp.IsZero() {
		t.Error("delivered event has no timestamp")
	}
}

func TestSubscriberFilters(t *testing.T) {
	ep, _ := NewEventPublisher(syncEventsConfig())
	defer ep.Shutdown(context.Background())

	all := &eventSink{}
	important := &eventSink{}
	drift := &eventSink{}
	mine := &eventSink{}
	ep.Subscribe(all.add, nil)
	ep.Subscribe(important.add, FilterByLevel(EventLevelWarning))
	ep.Subscribe(drift.add, FilterByType(EventTypeDriftDetected))
	ep.Subscribe(mine.add, FilterByTaskID("T-2"))

	ep.PublishTaskCreated("T-1", "payments", "LOGIC")
	ep.PublishDriftDetected("T-2", "abc", "def")
	ep.PublishTaskEscalated("T-1", 3, "retries exhausted")

	if got := all.count(); got != 3 {
		t.Errorf("unfiltered subscriber saw %d events, want 3", got)
	}
	if got := important.count(); got != 2 {
		t.Errorf("warning-and-up subscriber saw %d events, want 2", got)
	}
	if got := drift.count(); got != 1 {
		t.Errorf("drift subscriber saw %d events, want 1", got)
	}
	if got := mine.count(); got != 1 {
		t.Errorf("task-scoped subscriber saw %d events, want 1", got)
	}
}

func TestSubscribeInsideSubscriber(t *testing.T) {
	ep, _ := NewEventPublisher(syncEventsConfig())
	defer ep.Shutdown(context.Background())

	late := &eventSink{}
	var once sync.Once
	ep.Subscribe(func(Event) {
		once.Do(func() { ep.Subscribe(late.add, nil) })
	}, nil)

	ep.PublishTaskCreated("T-1", "payments", "LOGIC")
	ep.PublishTaskCreated("T-2", "payments", "LOGIC")

	if got := late.count(); got != 1 {
		t.Errorf("late subscriber saw %d events, want only the one after it subscribed", got)
	}
}

func TestAsyncFlushOnBatchSize(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    16,
		MaxBatchSize:  2,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	defer ep.Shutdown(context.Background())

	sink := &eventSink{}
	ep.Subscribe(sink.add, nil)

	ep.PublishTaskCreated("T-1", "payments", "LOGIC")
	ep.PublishTaskClaimed("T-1", "payments", "worker-7")

	eventually(t, 2*time.Second, func() bool { return sink.count() == 2 })
}

func TestAsyncFlushOnInterval(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    16,
		MaxBatchSize:  100,
		FlushInterval: 10 * time.Millisecond,
		EnableAsync:   true,
	})
	defer ep.Shutdown(context.Background())

	sink := &eventSink{}
	ep.Subscribe(sink.add, nil)

	ep.PublishTaskCreated("T-1", "payments", "LOGIC")

	eventually(t, 2*time.Second, func() bool { return sink.count() == 1 })
}

func TestShutdownDrainsBufferedEvents(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    16,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})

	sink := &eventSink{}
	ep.Subscribe(sink.add, nil)

	ep.PublishTaskCreated("T-1", "payments", "LOGIC")
	ep.PublishTaskClaimed("T-1", "payments", "worker-7")
	ep.PublishTaskCompleted("T-1", time.Minute)

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// Delivery completes before Shutdown returns, so no polling here.
	if got := sink.count(); got != 3 {
		t.Errorf("shutdown delivered %d buffered events, want 3", got)
	}

	if err := ep.PublishTaskFailed("T-1", "late"); err == nil {
		t.Error("publish after shutdown succeeded, want error")
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    1,
		MaxBatchSize:  1,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})

	started := make(chan struct{}, 8)
	release := make(chan struct{})
	ep.Subscribe(func(Event) {
		started <- struct{}{}
		<-release
	}, nil)

	// First event reaches the subscriber, which holds the delivery loop.
	ep.PublishTaskCreated("T-1", "payments", "LOGIC")
	<-started

	// Second event fills the one-slot buffer; the third has nowhere to go.
	if err := ep.PublishTaskCreated("T-2", "payments", "LOGIC"); err != nil {
		t.Fatalf("buffering publish: %v", err)
	}
	err := ep.PublishTaskCreated("T-3", "payments", "LOGIC")
	if err == nil {
		t.Fatal("publish into a full buffer succeeded, want drop error")
	}
	if !strings.Contains(err.Error(), "buffer full") {
		t.Errorf("drop error = %q, want mention of the full buffer", err)
	}

	close(release)
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestPublishHelperShapes(t *testing.T) {
	ep, _ := NewEventPublisher(syncEventsConfig())
	defer ep.Shutdown(context.Background())

	var got Event
	ep.Subscribe(func(ev Event) { got = ev }, nil)

	ep.PublishGateRefused("T-9", "evidence_complete", "missing diff evidence")
	if got.Type != EventTypeGateRefused || got.Source != "gatekeeper" || got.Level != EventLevelWarning {
		t.Errorf("gate refusal shape = %s/%s/%s", got.Type, got.Source, got.Level)
	}
	if got.Data["rule"] != "evidence_complete" {
		t.Errorf("gate refusal rule = %v", got.Data["rule"])
	}
	if !strings.Contains(got.Message, "T-9") {
		t.Errorf("gate refusal message %q does not name the task", got.Message)
	}

	ep.PublishTaskEscalated("T-9", 3, "retries exhausted")
	if got.Type != EventTypeTaskEscalated || got.Level != EventLevelError {
		t.Errorf("escalation shape = %s/%s", got.Type, got.Level)
	}
	if got.Data["attempts"] != 3 {
		t.Errorf("escalation attempts = %v", got.Data["attempts"])
	}
}
