package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one governance occurrence on the stream: a lifecycle change, a
// refusal, an escalation. The facade fans events out to subscribed agents;
// library consumers attach their own subscribers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Source names the engine component that emitted the event.
	Source string `json:"source"`

	TaskID   string `json:"task_id,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
	Lane     string `json:"lane,omitempty"`

	Message string `json:"message"`

	// Level is one of the EventLevel constants.
	Level string `json:"level"`

	// Data carries details keyed per Type, such as the snapshot hash on a
	// review request or the attempt count on an escalation.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeTaskCreated     = "task.created"
	EventTypeTaskClaimed     = "task.claimed"
	EventTypeTaskTransition  = "task.transition"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTaskEscalated   = "task.escalated"
	EventTypeReviewRequested = "review.requested"
	EventTypeReviewDecided   = "review.decided"
	EventTypeDriftDetected   = "drift.detected"
	EventTypeGateRefused     = "gate.refused"
	EventTypePolicyViolation = "policy.violation"
	EventTypeLeaseExpired    = "lease.expired"
	EventTypeWorkerOffline   = "worker.offline"
	EventTypeError           = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber receives each event that passes its filter. Delivery is
// inline: a subscriber that blocks stalls the stream behind it, so slow
// consumers should hand off to their own queue.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants the event. A nil filter
// accepts everything.
type EventFilter func(event Event) bool

// EventPublisher carries engine events to subscribers, either inline from
// the publishing call or batched through a background goroutine.
type EventPublisher struct {
	config EventsConfig
	buffer chan Event
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	subscribers []subscriberEntry
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher builds the publisher. Disabled configuration yields a
// publisher whose Publish calls are no-ops.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}

	ep.ctx, ep.cancel = context.WithCancel(context.Background())
	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.deliverLoop()
	}
	return ep, nil
}

// Publish hands the event to subscribers, filling in a missing ID and
// timestamp. In async mode a full buffer drops the event rather than block
// the engine operation that produced it.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliver(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

// PublishTaskCreated publishes a task created event.
func (ep *EventPublisher) PublishTaskCreated(taskID, lane, archetype string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskCreated,
		Source:  "engine",
		TaskID:  taskID,
		Lane:    lane,
		Message: fmt.Sprintf("Task %s created in lane %s", taskID, lane),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"archetype": archetype,
		},
	})
}

// PublishTaskClaimed publishes a task claimed event.
func (ep *EventPublisher) PublishTaskClaimed(taskID, lane, workerID string) error {
	return ep.Publish(Event{
		Type:     EventTypeTaskClaimed,
		Source:   "engine",
		TaskID:   taskID,
		WorkerID: workerID,
		Lane:     lane,
		Message:  fmt.Sprintf("Task %s claimed by worker %s", taskID, workerID),
		Level:    EventLevelInfo,
	})
}

// PublishTaskTransition publishes a status transition event.
func (ep *EventPublisher) PublishTaskTransition(taskID, from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskTransition,
		Source:  "engine",
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s moved from %s to %s", taskID, from, to),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishTaskCompleted publishes a task completed event.
func (ep *EventPublisher) PublishTaskCompleted(taskID string, cycle time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskCompleted,
		Source:  "engine",
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s completed", taskID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"cycle_seconds": cycle.Seconds(),
		},
	})
}

// PublishTaskFailed publishes a task failed event.
func (ep *EventPublisher) PublishTaskFailed(taskID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskFailed,
		Source:  "engine",
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s failed: %s", taskID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishTaskEscalated publishes a retry-exhaustion escalation event.
// These are critical: a task has burned through its attempt budget and
// needs a human.
func (ep *EventPublisher) PublishTaskEscalated(taskID string, attempts int, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskEscalated,
		Source:  "governor",
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s escalated after %d attempts: %s", taskID, attempts, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"attempts": attempts,
			"reason":   reason,
		},
	})
}

// PublishReviewRequested publishes a review packet generation event.
func (ep *EventPublisher) PublishReviewRequested(taskID, snapshotHash string) error {
	return ep.Publish(Event{
		Type:    EventTypeReviewRequested,
		Source:  "review",
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s submitted for review", taskID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"snapshot_hash": snapshotHash,
		},
	})
}

// PublishReviewDecided publishes a review decision event.
func (ep *EventPublisher) PublishReviewDecided(taskID, decision, reviewer string) error {
	return ep.Publish(Event{
		Type:    EventTypeReviewDecided,
		Source:  "review",
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s review decided: %s by %s", taskID, decision, reviewer),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"decision": decision,
			"reviewer": reviewer,
		},
	})
}

// PublishDriftDetected publishes a drift detected event.
func (ep *EventPublisher) PublishDriftDetected(taskID, expectedHash, actualHash string) error {
	return ep.Publish(Event{
		Type:    EventTypeDriftDetected,
		Source:  "review",
		TaskID:  taskID,
		Message: fmt.Sprintf("Drift detected on task %s: packet is stale", taskID),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"expected_hash": expectedHash,
			"actual_hash":   actualHash,
		},
	})
}

// PublishGateRefused publishes a completion validation refusal event.
func (ep *EventPublisher) PublishGateRefused(taskID, rule, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeGateRefused,
		Source:  "gatekeeper",
		TaskID:  taskID,
		Message: fmt.Sprintf("Completion of task %s refused: %s - %s", taskID, rule, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"rule":   rule,
			"reason": reason,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(taskID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy_engine",
		TaskID:  taskID,
		Message: fmt.Sprintf("Policy violation on task %s: %s - %s", taskID, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishLeaseExpired publishes a lease reclaim event.
func (ep *EventPublisher) PublishLeaseExpired(taskID, workerID string, attempt int) error {
	return ep.Publish(Event{
		Type:     EventTypeLeaseExpired,
		Source:   "sweeper",
		TaskID:   taskID,
		WorkerID: workerID,
		Message:  fmt.Sprintf("Lease on task %s held by %s expired", taskID, workerID),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"attempt": attempt,
		},
	})
}

// PublishWorkerOffline publishes a worker aged-out event.
func (ep *EventPublisher) PublishWorkerOffline(workerID string) error {
	return ep.Publish(Event{
		Type:     EventTypeWorkerOffline,
		Source:   "sweeper",
		WorkerID: workerID,
		Message:  fmt.Sprintf("Worker %s marked offline after missed heartbeats", workerID),
		Level:    EventLevelWarning,
	})
}

// Subscribe registers a subscriber. The filter may be nil to receive every
// event. Subscribers cannot be removed; they live as long as the publisher.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// deliverLoop drains the buffer in batches, flushing on size or on the
// flush interval, whichever comes first.
func (ep *EventPublisher) deliverLoop() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliver(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
			// Hand off what Publish managed to buffer before the stop.
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver runs the subscribers whose filters accept the event. The
// subscriber list is snapshotted first so a subscriber may itself call
// Subscribe without deadlocking.
func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher. Buffered events are delivered before it
// returns, and after it returns no subscriber runs again.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timed out")
	}
}

// FilterByLevel accepts events at minLevel or above, ordered info,
// warning, error.
func FilterByLevel(minLevel string) EventFilter {
	rank := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	floor := rank[minLevel]
	return func(event Event) bool {
		return rank[event.Level] >= floor
	}
}

// FilterByType accepts events whose Type is one of types.
func FilterByType(types ...string) EventFilter {
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	return func(event Event) bool {
		return wanted[event.Type]
	}
}

// FilterByTaskID accepts events about one task.
func FilterByTaskID(taskID string) EventFilter {
	return func(event Event) bool {
		return event.TaskID == taskID
	}
}
