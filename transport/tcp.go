package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPListener accepts framed TCP connections. Each accepted connection gets
// one read loop goroutine; reads must be sequential to parse frame
// boundaries, but the Handler may fan work out however it likes.
type TCPListener struct {
	ln     net.Listener
	closed atomic.Bool
}

func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Serve(h Handler) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			// Close() makes Accept fail; report that as a clean stop.
			if l.closed.Load() {
				return nil
			}
			return err
		}
		c := &tcpConn{conn: conn}
		h.HandleOpen(c)
		go c.readLoop(h)
	}
}

func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *TCPListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}

// DialTCP connects to a framed TCP listener and pumps inbound frames into h.
// HandleOpen fires before DialTCP returns, so h sees the connection before
// any frame arrives on it.
func DialTCP(addr string, h Handler, opts ...DialOption) (Conn, error) {
	cfg := defaultDialConfig()
	for _, o := range opts {
		o(&cfg)
	}

	conn, err := net.DialTimeout("tcp", addr, cfg.dialTimeout)
	if err != nil {
		return nil, err
	}

	c := &tcpConn{conn: conn}
	h.HandleOpen(c)
	go c.readLoop(h)
	if cfg.keepalive > 0 {
		go c.keepaliveLoop(cfg.keepalive)
	}
	return c, nil
}

// tcpConn serializes writes with a per-connection mutex so that concurrent
// Sends from dispatch goroutines cannot interleave frame bytes.
type tcpConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *tcpConn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, frameData, payload)
}

func (c *tcpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// readLoop reads frames sequentially until the connection dies, then fires
// HandleClose exactly once. Keepalive frames never reach the Handler.
func (c *tcpConn) readLoop(h Handler) {
	for {
		ft, payload, err := readFrame(c.conn)
		if err != nil {
			closeErr := err
			if c.closed.Load() || errors.Is(err, io.EOF) {
				closeErr = nil
			}
			c.closed.Store(true)
			c.conn.Close()
			h.HandleClose(c, closeErr)
			return
		}
		if ft == frameKeepalive {
			continue
		}
		h.HandleMessage(c, payload)
	}
}

// keepaliveLoop sends periodic empty frames so NATs and idle-connection
// reapers between the peers keep the path open.
func (c *tcpConn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		c.writeMu.Lock()
		err := writeFrame(c.conn, frameKeepalive, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
