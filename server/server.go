// Package server implements the serving side of the wirebus protocol:
// a procedure registry, the dispatch engine that answers request frames,
// and a broadcast bus that fans publish frames out to connected peers.
//
// Request processing pipeline:
//
//	transport read loop → HandleMessage (classify frame)
//	  → for each request: go serveRequest (parallel processing)
//	    → Validate → middleware chain → procedure.invoke (reflect.Call) → codec.Encode → conn.Send
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"wirebus/codec"
	"wirebus/message"
	"wirebus/middleware"
	"wirebus/registry"
	"wirebus/telemetry"
	"wirebus/transport"
)

// ErrShutdownTimeout is returned by Close when in-flight requests do not
// finish within the grace period.
var ErrShutdownTimeout = errors.New("server: shutdown timed out waiting for in-flight requests")

// registrationTTL is the advertisement lease in seconds; the registry's
// keepalive renews it automatically while the server is up.
const registrationTTL = 10

// Server is the serving-side peer. It owns the target → procedure map and
// answers requests on every connection handed to it by a transport listener.
type Server struct {
	mu    sync.RWMutex
	procs map[string]*procedure

	bus *Bus

	middlewares []middleware.Middleware
	buildOnce   sync.Once
	handler     middleware.HandlerFunc

	listener transport.Listener
	wg       sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	closed   atomic.Bool

	reg      registry.Registry
	cluster  string
	instance registry.Instance

	codec codec.Codec
	log   *slog.Logger
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithCodec sets the frame codec. Defaults to the standard JSON codec.
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithRegistry makes Serve advertise the server under cluster and Close
// withdraw it. If inst.Addr is empty the listener's address is used.
func WithRegistry(reg registry.Registry, cluster string, inst registry.Instance) Option {
	return func(s *Server) {
		s.reg = reg
		s.cluster = cluster
		s.instance = inst
	}
}

// NewServer creates a server with an empty procedure map.
func NewServer(opts ...Option) *Server {
	s := &Server{
		procs: make(map[string]*procedure),
		codec: codec.Default(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = NewBus(s.codec, s.log)
	return s
}

// Register makes fn callable under target. Registering an already taken
// target silently replaces the previous procedure.
func (s *Server) Register(target string, fn any) error {
	p, err := newProcedure(target, fn)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.procs[target] = p
	s.mu.Unlock()
	return nil
}

// Unregister removes target and reports whether it was registered.
func (s *Server) Unregister(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[target]; !ok {
		return false
	}
	delete(s.procs, target)
	return true
}

// Use appends a middleware. Middlewares run in registration order around
// every dispatched request; they must all be added before the first request
// arrives.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// buildChain assembles the middleware onion once:
//
//	Chain(A, B, C)(dispatch) → A(B(C(dispatch)))
func (s *Server) buildChain() {
	s.buildOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	})
}

// Publish broadcasts args on topic to every connected peer.
func (s *Server) Publish(topic string, args ...any) error {
	return s.bus.Publish(topic, args...)
}

// Peers reports how many connections are currently tracked.
func (s *Server) Peers() int {
	return s.bus.Len()
}

// Serve advertises the server in the registry (when one is configured) and
// runs the listener's accept loop with the server as connection handler. It
// blocks until the listener is closed.
func (s *Server) Serve(l transport.Listener) error {
	s.listener = l
	s.buildChain()

	if s.reg != nil {
		if s.instance.Addr == "" {
			s.instance.Addr = l.Addr()
		}
		if err := s.reg.Register(s.cluster, s.instance, registrationTTL); err != nil {
			return err
		}
		s.log.Info("advertised instance",
			telemetry.LabelCluster.L(s.cluster),
			telemetry.LabelPeer.L(s.instance.Addr))
	}

	return l.Serve(s)
}

// HandleOpen tracks the new connection on the broadcast bus.
func (s *Server) HandleOpen(c transport.Conn) {
	metrics.IncrCounter(telemetry.MetricConnOpened, 1)
	s.bus.Track(c)
	s.log.Debug("connection opened", telemetry.LabelPeer.L(c.RemoteAddr()))
}

// HandleClose drops the connection from the broadcast bus.
func (s *Server) HandleClose(c transport.Conn, err error) {
	metrics.IncrCounter(telemetry.MetricConnClosed, 1)
	s.bus.Drop(c)
	if err != nil {
		s.log.Debug("connection closed",
			telemetry.LabelPeer.L(c.RemoteAddr()),
			telemetry.LabelError.L(err.Error()))
		return
	}
	s.log.Debug("connection closed", telemetry.LabelPeer.L(c.RemoteAddr()))
}

// HandleMessage classifies one inbound frame. Requests are dispatched on
// their own goroutine so a slow procedure stalls only its own caller, never
// the connection's read loop. Anything that is not a request is ignored.
func (s *Server) HandleMessage(c transport.Conn, payload []byte) {
	if s.closed.Load() {
		return
	}

	frame, err := message.Classify(payload)
	if err != nil {
		metrics.IncrCounter(telemetry.MetricDispatchDropped, 1)
		s.log.Warn("dropping unreadable frame",
			telemetry.LabelPeer.L(c.RemoteAddr()),
			telemetry.LabelError.L(err.Error()))
		return
	}

	switch frame.Kind {
	case message.KindRequest:
		s.buildChain()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveRequest(c, frame.Request)
		}()
	default:
		// A serving peer only answers requests.
		s.log.Debug("ignoring frame",
			telemetry.LabelKind.L(frame.Kind.String()),
			telemetry.LabelPeer.L(c.RemoteAddr()))
	}
}

// serveRequest runs one request through the middleware chain and writes the
// response back on the originating connection. A nil response from the chain
// means the request was dropped and no frame goes out.
func (s *Server) serveRequest(c transport.Conn, req *message.Request) {
	resp := s.handler(context.Background(), req)
	if resp == nil {
		return
	}

	data, err := s.codec.Encode(resp)
	if err != nil {
		s.log.Error("response encode failed",
			telemetry.LabelCall.L(req.Call),
			telemetry.LabelError.L(err.Error()))
		return
	}
	if err := c.Send(data); err != nil {
		metrics.IncrCounter(telemetry.MetricSendFailure, 1)
		s.log.Warn("response send failed",
			telemetry.LabelCall.L(req.Call),
			telemetry.LabelPeer.L(c.RemoteAddr()),
			telemetry.LabelError.L(err.Error()))
	}
}

// dispatch is the innermost handler: validate, resolve the target, invoke.
// A nil return means the request produced no response frame.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	if err := req.Validate(); err != nil {
		// No reliable call id to correlate a response to, so none is sent.
		metrics.IncrCounter(telemetry.MetricDispatchDropped, 1)
		s.log.Warn("request failed validation",
			telemetry.LabelTarget.L(req.Target),
			telemetry.LabelCall.L(req.Call))
		return nil
	}

	s.mu.RLock()
	p, ok := s.procs[req.Target]
	s.mu.RUnlock()
	if !ok {
		metrics.IncrCounter(telemetry.MetricDispatchDropped, 1)
		s.log.Warn("unknown target",
			telemetry.LabelTarget.L(req.Target),
			telemetry.LabelCall.L(req.Call))
		return nil
	}

	result, fault := p.invoke(req.Arguments)
	if fault != nil {
		metrics.IncrCounter(telemetry.MetricDispatchFault, 1)
		return message.NewFault(req.Call, fault)
	}

	resp, err := message.NewResult(req.Call, result)
	if err != nil {
		// The procedure returned a value the codec cannot express.
		metrics.IncrCounter(telemetry.MetricDispatchFault, 1)
		return message.NewFault(req.Call, &message.ErrorInfo{Message: err.Error()})
	}
	metrics.IncrCounter(telemetry.MetricDispatchOK, 1)
	return resp
}

// Close performs a graceful shutdown:
//  1. Withdraw from the registry, so callers stop routing here.
//  2. Set the closed flag, so no new requests are dispatched.
//  3. Close the listener, so no new connections arrive.
//  4. Wait for in-flight requests up to timeout, then drop all connections.
func (s *Server) Close(timeout time.Duration) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.reg != nil {
		if err := s.reg.Deregister(s.cluster, s.instance.Addr); err != nil {
			s.log.Warn("deregister failed",
				telemetry.LabelCluster.L(s.cluster),
				telemetry.LabelError.L(err.Error()))
		}
	}

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.bus.drain()
		return nil
	case <-time.After(timeout):
		s.bus.drain()
		return ErrShutdownTimeout
	}
}
