// Package client connects worker agents to a running warden daemon's
// agent socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/facade/protocol"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client is closed")

// Options contains client configuration.
type Options struct {
	// DialTimeout bounds the socket connect. Default 5s.
	DialTimeout time.Duration

	// HelloTimeout bounds the wait for the daemon's HELLO. Default 10s.
	HelloTimeout time.Duration

	// EventBuffer sizes the pushed-event channel. Default 64. A full
	// buffer drops events rather than stalling the connection.
	EventBuffer int
}

func (o *Options) normalized() Options {
	cfg := Options{}
	if o != nil {
		cfg = *o
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return cfg
}

// Client is one connection to the agent facade. One request is in flight
// at a time; pushed events arrive on Events regardless.
type Client struct {
	conn  net.Conn
	enc   *protocol.Encoder
	dec   *protocol.Decoder
	hello *protocol.HelloMessage

	reqMu   sync.Mutex // serializes requests
	replyCh chan *protocol.Message

	events chan protocol.EventMessage

	mu       sync.Mutex
	closed   bool
	readErr  error
	done     chan struct{}
	teardown sync.Once
}

// Dial connects to the daemon's agent socket and waits for its HELLO.
func Dial(ctx context.Context, socketPath string, opts *Options) (*Client, error) {
	cfg := opts.normalized()

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial agent socket: %w", err)
	}

	c := &Client{
		conn:    conn,
		enc:     protocol.NewEncoder(conn),
		dec:     protocol.NewDecoder(conn),
		replyCh: make(chan *protocol.Message, 1),
		events:  make(chan protocol.EventMessage, cfg.EventBuffer),
		done:    make(chan struct{}),
	}

	// The HELLO is read synchronously under a deadline; the reader loop
	// starts only after the handshake.
	if err := conn.SetReadDeadline(time.Now().Add(cfg.HelloTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	msg, err := c.dec.Decode()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to receive HELLO: %w", err)
	}
	if msg.Type != protocol.MessageTypeHello {
		conn.Close()
		return nil, fmt.Errorf("expected HELLO, got %s", msg.Type)
	}
	var hello protocol.HelloMessage
	if err := protocol.ParseParams(msg.Data, &hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to parse HELLO: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	c.hello = &hello
	go c.readLoop()
	return c, nil
}

// Hello returns the HELLO message received during the handshake.
func (c *Client) Hello() *protocol.HelloMessage {
	return c.hello
}

// Events returns the pushed-event channel. It delivers nothing until
// Subscribe succeeds, and closes when the connection dies.
func (c *Client) Events() <-chan protocol.EventMessage {
	return c.events
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return c.conn.Close()
}

// fail marks the client dead and wakes every waiter. First cause wins.
func (c *Client) fail(err error) {
	c.teardown.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	})
}

// readLoop routes incoming frames: replies to the waiting request, events
// to the event channel.
func (c *Client) readLoop() {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			c.fail(err)
			return
		}

		switch msg.Type {
		case protocol.MessageTypeResponse, protocol.MessageTypeError:
			select {
			case c.replyCh <- msg:
			default:
				// No waiter; the request was abandoned. Drop it.
			}
		case protocol.MessageTypeEvent:
			var ev protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &ev); err != nil {
				continue
			}
			select {
			case c.events <- ev:
			default:
				// Slow consumers drop events rather than stall reads.
			}
		case protocol.MessageTypeBye:
			c.fail(errors.New("daemon closed the connection"))
			return
		}
	}
}

// call performs one request/response round trip.
func (c *Client) call(ctx context.Context, op protocol.Op, params interface{}) (json.RawMessage, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}

	id := uuid.NewString()
	req := &protocol.RequestMessage{ID: id, Op: op, Params: raw}
	if err := c.enc.EncodeRequest(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	for {
		select {
		case msg := <-c.replyCh:
			reply, err := c.parseReply(msg, id)
			if err != nil {
				return nil, err
			}
			if reply == nil {
				// Stale reply from an abandoned request. Keep waiting.
				continue
			}
			return reply, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, c.readErr
		}
	}
}

// parseReply unpacks one RES or ERROR frame. A nil, nil return means the
// frame belonged to an earlier, abandoned request.
func (c *Client) parseReply(msg *protocol.Message, id string) (json.RawMessage, error) {
	switch msg.Type {
	case protocol.MessageTypeResponse:
		var resp protocol.ResponseMessage
		if err := protocol.ParseParams(msg.Data, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if resp.RequestID != id {
			return nil, nil
		}
		return resp.Result, nil
	case protocol.MessageTypeError:
		var errMsg protocol.ErrorMessage
		if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to parse error: %w", err)
		}
		if errMsg.RequestID != "" && errMsg.RequestID != id {
			return nil, nil
		}
		return nil, &errMsg
	default:
		return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
	}
}

// Claim asks for the next runnable task in the lane. A nil task means the
// lane has no eligible work right now.
func (c *Client) Claim(ctx context.Context, lane, workerID string, ttl time.Duration) (*stores.Task, error) {
	raw, err := c.call(ctx, protocol.OpTaskClaim, &protocol.ClaimParams{
		WorkerID:   workerID,
		Lane:       lane,
		TTLSeconds: int(ttl / time.Second),
	})
	if err != nil {
		return nil, err
	}
	var result protocol.ClaimResult
	if err := protocol.ParseParams(raw, &result); err != nil {
		return nil, err
	}
	if !result.Claimed {
		return nil, nil
	}
	return result.Task, nil
}

// RenewLease extends the lease on a claimed task and returns the new
// expiry.
func (c *Client) RenewLease(ctx context.Context, taskID, workerID string, ttl time.Duration) (time.Time, error) {
	raw, err := c.call(ctx, protocol.OpLeaseRenew, &protocol.RenewParams{
		TaskID:     taskID,
		WorkerID:   workerID,
		TTLSeconds: int(ttl / time.Second),
	})
	if err != nil {
		return time.Time{}, err
	}
	var result protocol.RenewResult
	if err := protocol.ParseParams(raw, &result); err != nil {
		return time.Time{}, err
	}
	return result.ExpiresAt, nil
}

// Submit sends a claimed task into review and returns the packet plus the
// validation report behind it.
func (c *Client) Submit(ctx context.Context, taskID, workerID string) (*protocol.SubmitResult, error) {
	raw, err := c.call(ctx, protocol.OpTaskSubmit, &protocol.SubmitParams{
		TaskID:   taskID,
		WorkerID: workerID,
	})
	if err != nil {
		return nil, err
	}
	var result protocol.SubmitResult
	if err := protocol.ParseParams(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Block declares a claimed task blocked on an external obstacle.
func (c *Client) Block(ctx context.Context, taskID, workerID, reason string) (*stores.Task, error) {
	raw, err := c.call(ctx, protocol.OpTaskBlock, &protocol.BlockParams{
		TaskID:   taskID,
		WorkerID: workerID,
		Reason:   reason,
	})
	if err != nil {
		return nil, err
	}
	var task stores.Task
	if err := protocol.ParseParams(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Justify records an override justification on a task.
func (c *Client) Justify(ctx context.Context, taskID, text string) error {
	_, err := c.call(ctx, protocol.OpTaskJustify, &protocol.JustifyParams{
		TaskID: taskID,
		Text:   text,
	})
	return err
}

// GetTask fetches one task, including rejection feedback.
func (c *Client) GetTask(ctx context.Context, taskID string) (*stores.Task, error) {
	raw, err := c.call(ctx, protocol.OpTaskGet, &protocol.GetParams{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	var task stores.Task
	if err := protocol.ParseParams(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CheckGate dry-runs completion validation for a task.
func (c *Client) CheckGate(ctx context.Context, taskID string) (*engine.GatekeeperReport, error) {
	raw, err := c.call(ctx, protocol.OpGateCheck, &protocol.GateParams{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	var report engine.GatekeeperReport
	if err := protocol.ParseParams(raw, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Decide records a review verdict as the AUTO actor.
func (c *Client) Decide(ctx context.Context, taskID, decision, notes string) (*stores.Task, error) {
	raw, err := c.call(ctx, protocol.OpReviewDecide, &protocol.DecideParams{
		TaskID:   taskID,
		Decision: decision,
		Notes:    notes,
	})
	if err != nil {
		return nil, err
	}
	var task stores.Task
	if err := protocol.ParseParams(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Heartbeat reports the agent's health and routing shape.
func (c *Client) Heartbeat(ctx context.Context, params *protocol.HeartbeatParams) (*stores.Worker, error) {
	raw, err := c.call(ctx, protocol.OpWorkerHeartbeat, params)
	if err != nil {
		return nil, err
	}
	var worker stores.Worker
	if err := protocol.ParseParams(raw, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// Subscribe opts this connection into pushed events matching the filter.
// A nil filter subscribes to everything.
func (c *Client) Subscribe(ctx context.Context, filter *protocol.SubscribeParams) error {
	if filter == nil {
		filter = &protocol.SubscribeParams{}
	}
	raw, err := c.call(ctx, protocol.OpEventsSubscribe, filter)
	if err != nil {
		return err
	}
	var result protocol.SubscribeResult
	if err := protocol.ParseParams(raw, &result); err != nil {
		return err
	}
	if !result.Subscribed {
		return errors.New("subscription refused")
	}
	return nil
}
