// Package facade serves the agent protocol over a local socket. Worker
// agents claim tasks, renew leases, submit for review, and receive pushed
// ledger events through one framed connection to the warden daemon.
package facade

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/facade/handlers"
	"github.com/taskwarden/taskwarden/pkg/facade/protocol"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("facade: server closed")

// Options configures the agent facade.
type Options struct {
	// Logger receives facade logs. Defaults to a disabled logger.
	Logger zerolog.Logger

	// Events is the publisher whose events are pushed to subscribed
	// agents. Nil disables pushes; subscriptions still succeed.
	Events *telemetry.EventPublisher

	// Version is reported in the HELLO frame.
	Version string
}

// Server accepts agent connections on a local socket and dispatches their
// requests to the engine.
type Server struct {
	registry *handlers.Registry
	logger   zerolog.Logger
	version  string

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*agentConn]struct{}
	closed bool
}

// agentConn is one agent connection plus its subscription state.
type agentConn struct {
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder

	mu         sync.Mutex
	subscribed bool
	filter     protocol.SubscribeParams
}

func (c *agentConn) subscribe(filter protocol.SubscribeParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = true
	c.filter = filter
}

func (c *agentConn) wants(ev *protocol.EventMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed && c.filter.Matches(ev)
}

// NewServer creates an agent facade over the engine. When opts.Events is
// set, the facade subscribes once and fans events out to subscribed
// connections.
func NewServer(eng *engine.Engine, opts Options) *Server {
	s := &Server{
		registry: handlers.NewRegistry(eng, opts.Logger),
		logger:   opts.Logger.With().Str("component", "facade").Logger(),
		version:  opts.Version,
		conns:    make(map[*agentConn]struct{}),
	}
	if opts.Events != nil {
		opts.Events.Subscribe(s.fanout, nil)
	}
	return s
}

// ListenAndServe listens on a Unix socket and serves until ctx is
// cancelled or Close is called. A stale socket file from a previous run is
// removed first; the file is removed again on return.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	if err := removeStaleSocket(socketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer os.Remove(socketPath)
	return s.Serve(ctx, ln)
}

// Serve accepts connections on the listener until ctx is cancelled or
// Close is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("agent facade listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}

		c := &agentConn{
			conn: conn,
			enc:  protocol.NewEncoder(conn),
			dec:  protocol.NewDecoder(conn),
		}
		s.track(c)
		go s.handle(ctx, c)
	}
}

// Close stops the listener and closes every live connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]*agentConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.enc.EncodeBye(&protocol.ByeMessage{Reason: "shutdown"})
		_ = c.conn.Close()
	}
	return err
}

func (s *Server) track(c *agentConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *agentConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// handle runs one connection's request loop.
func (s *Server) handle(ctx context.Context, c *agentConn) {
	defer func() {
		s.untrack(c)
		_ = c.conn.Close()
	}()

	hello := &protocol.HelloMessage{
		Version: s.version,
		Engine:  "taskwarden",
		PID:     os.Getpid(),
		Ops:     s.registry.Ops(),
	}
	if err := c.enc.EncodeHello(hello); err != nil {
		s.logger.Debug().Err(err).Msg("hello write failed")
		return
	}

	for {
		req, err := c.dec.DecodeRequest()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Msg("agent connection read failed")
			}
			return
		}

		if req.Op == protocol.OpEventsSubscribe {
			s.handleSubscribe(c, req)
			continue
		}

		start := time.Now()
		result, err := s.registry.Dispatch(ctx, req)
		if err != nil {
			if encErr := c.enc.EncodeError(handlers.Refusal(req.ID, err)); encErr != nil {
				return
			}
			continue
		}

		raw, err := json.Marshal(result)
		if err != nil {
			refusal := handlers.Refusal(req.ID, engine.NewPermanentError(
				"failed to encode result", err).WithCode(engine.ErrCodeInternal))
			if encErr := c.enc.EncodeError(refusal); encErr != nil {
				return
			}
			continue
		}

		resp := &protocol.ResponseMessage{
			RequestID: req.ID,
			Result:    raw,
			Duration:  time.Since(start).Seconds(),
		}
		if err := c.enc.EncodeResponse(resp); err != nil {
			return
		}
	}
}

// handleSubscribe flips the connection into event delivery. Subscriptions
// replace each other; the latest filter wins.
func (s *Server) handleSubscribe(c *agentConn, req *protocol.RequestMessage) {
	var filter protocol.SubscribeParams
	if len(req.Params) > 0 {
		if err := protocol.ParseParams(req.Params, &filter); err != nil {
			refusal := handlers.Refusal(req.ID, engine.NewPermanentError(
				"malformed params", err).WithCode(engine.ErrCodeValidation))
			_ = c.enc.EncodeError(refusal)
			return
		}
	}
	c.subscribe(filter)

	raw, _ := json.Marshal(&protocol.SubscribeResult{Subscribed: true})
	_ = c.enc.EncodeResponse(&protocol.ResponseMessage{RequestID: req.ID, Result: raw})
}

// fanout delivers one published event to every subscribed connection whose
// filter matches. A failed write is left to the connection's request loop,
// which notices the dead socket on its next read.
func (s *Server) fanout(ev telemetry.Event) {
	msg := eventMessage(ev)

	s.mu.Lock()
	conns := make([]*agentConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.wants(msg) {
			continue
		}
		if err := c.enc.EncodeEvent(msg); err != nil {
			s.logger.Debug().Err(err).Str("event", ev.Type).Msg("event push failed")
		}
	}
}

// eventMessage projects a telemetry event onto the wire shape.
func eventMessage(ev telemetry.Event) *protocol.EventMessage {
	return &protocol.EventMessage{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Type:      ev.Type,
		TaskID:    ev.TaskID,
		WorkerID:  ev.WorkerID,
		Lane:      ev.Lane,
		Message:   ev.Message,
		Level:     ev.Level,
		Data:      ev.Data,
	}
}

// removeStaleSocket clears a leftover socket file so a restarted daemon
// can bind. Regular files are left alone.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() != os.ModeSocket {
		return errors.New("facade: " + path + " exists and is not a socket")
	}
	return os.Remove(path)
}
