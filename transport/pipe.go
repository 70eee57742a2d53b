package transport

import (
	"sync/atomic"
)

// Pipe returns two connected in-process endpoints, the left one delivering
// to a and the right one to b. Frames cross on a buffered channel and are
// handed to the receiving Handler on a dedicated pump goroutine, preserving
// per-connection FIFO order. Both HandleOpens fire before Pipe returns.
//
// Closing either endpoint shuts down both: the closing side's Handler sees
// HandleClose with a nil error, the peer's with ErrConnClosed. Frames queued
// before the close are still delivered.
func Pipe(a, b Handler) (Conn, Conn) {
	left := newPipeConn("pipe:right", a)
	right := newPipeConn("pipe:left", b)
	left.peer, right.peer = right, left

	a.HandleOpen(left)
	b.HandleOpen(right)
	go left.pump()
	go right.pump()
	return left, right
}

type pipeConn struct {
	remote   string
	handler  Handler
	peer     *pipeConn
	inbox    chan []byte
	closed   atomic.Bool
	closeErr error
	done     chan struct{}
}

func newPipeConn(remote string, h Handler) *pipeConn {
	return &pipeConn{
		remote:  remote,
		handler: h,
		inbox:   make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (c *pipeConn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	// Copy so the sender can reuse its buffer after Send returns.
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case c.peer.inbox <- buf:
		return nil
	case <-c.peer.done:
		return ErrConnClosed
	}
}

func (c *pipeConn) Close() error {
	c.shutdown(nil)
	c.peer.shutdown(ErrConnClosed)
	return nil
}

func (c *pipeConn) RemoteAddr() string {
	return c.remote
}

func (c *pipeConn) shutdown(reason error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closeErr = reason
	close(c.done)
}

func (c *pipeConn) pump() {
	for {
		select {
		case payload := <-c.inbox:
			c.handler.HandleMessage(c, payload)
		case <-c.done:
			// Drain frames that were queued before the close.
			for {
				select {
				case payload := <-c.inbox:
					c.handler.HandleMessage(c, payload)
				default:
					c.handler.HandleClose(c, c.closeErr)
					return
				}
			}
		}
	}
}
