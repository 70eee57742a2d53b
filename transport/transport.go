// Package transport carries opaque text frames between peers over a duplex
// connection. It knows nothing about the frame contents; classification and
// dispatch happen in the server and client packages, which plug in as
// Handlers.
//
// Three transports are provided: framed TCP, WebSocket, and an in-process
// pipe pair for tests. Every Conn serializes its own writes, so Send is safe
// to call from concurrent dispatch goroutines.
package transport

import (
	"errors"
	"time"
)

var (
	ErrConnClosed     = errors.New("transport: connection closed")
	ErrListenerClosed = errors.New("transport: listener closed")
	ErrFrameTooLarge  = errors.New("transport: frame exceeds size limit")
)

// Conn is one established duplex connection. Send queues a complete frame;
// partial writes never surface here.
type Conn interface {
	Send(payload []byte) error
	Close() error
	RemoteAddr() string
}

// Handler receives connection lifecycle events. HandleOpen fires once before
// any message, HandleClose fires once after the last one. HandleMessage is
// called from the connection's single read loop, so a slow handler stalls
// only its own connection.
type Handler interface {
	HandleOpen(c Conn)
	HandleMessage(c Conn, payload []byte)
	HandleClose(c Conn, err error)
}

// Listener accepts inbound connections and pumps their frames into a
// Handler. Serve blocks until Close is called, then returns nil.
type Listener interface {
	Serve(h Handler) error
	Addr() string
	Close() error
}

// DialOption configures an outbound connection.
type DialOption func(*dialConfig)

type dialConfig struct {
	keepalive   time.Duration
	dialTimeout time.Duration
}

func defaultDialConfig() dialConfig {
	return dialConfig{
		keepalive:   30 * time.Second,
		dialTimeout: 10 * time.Second,
	}
}

// WithKeepAlive sets the interval between liveness probes on the dialed
// connection. Zero disables them.
func WithKeepAlive(d time.Duration) DialOption {
	return func(cfg *dialConfig) { cfg.keepalive = d }
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) DialOption {
	return func(cfg *dialConfig) { cfg.dialTimeout = d }
}
