package transport

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second
	// Send pings with this period. Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WSListener upgrades HTTP requests on a single path to WebSocket
// connections and serves frames as text messages.
type WSListener struct {
	ln      net.Listener
	srv     *http.Server
	handler Handler
	closed  atomic.Bool

	upgrader websocket.Upgrader
}

func ListenWS(addr, path string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &WSListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.upgrade)
	l.srv = &http.Server{Handler: mux}
	return l, nil
}

func (l *WSListener) Serve(h Handler) error {
	// Set before srv.Serve starts accepting, so every upgrade sees it.
	l.handler = h
	err := l.srv.Serve(l.ln)
	if l.closed.Load() {
		return nil
	}
	return err
}

func (l *WSListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *WSListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.srv.Close()
}

func (l *WSListener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newWSConn(ws)
	h := l.handler
	h.HandleOpen(c)
	go c.pingLoop()
	// Run the read loop on the HTTP handler goroutine; it lives as long as
	// the connection does.
	c.readLoop(h)
}

// DialWS connects to a WebSocket listener, e.g. "ws://host:port/wirebus".
func DialWS(url string, h Handler, opts ...DialOption) (Conn, error) {
	cfg := defaultDialConfig()
	for _, o := range opts {
		o(&cfg)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.dialTimeout}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	c := newWSConn(ws)
	h.HandleOpen(c)
	go c.pingLoop()
	go c.readLoop(h)
	return c, nil
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{ws: ws, done: make(chan struct{})}
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	return c
}

func (c *wsConn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *wsConn) readLoop(h Handler) {
	for {
		mt, payload, err := c.ws.ReadMessage()
		if err != nil {
			closeErr := err
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				closeErr = nil
			}
			c.Close()
			h.HandleClose(c, closeErr)
			return
		}
		// The protocol is text-only; drop anything else.
		if mt != websocket.TextMessage {
			continue
		}
		h.HandleMessage(c, payload)
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
