// Package client implements the calling side of the wirebus protocol: an
// asynchronous call table that correlates responses back to callbacks, and a
// topic registry receiving publish frames pushed by the serving peer.
//
// Multiple calls share one connection; each gets a correlation id and the
// read loop routes every response to its pending entry:
//
//	Call(id=1) ──┐
//	Call(id=2) ──┼──→ single conn ──→ serving peer
//	Call(id=3) ──┘
//
//	HandleMessage: ←── response(Target=2) → pending["2"] → onSuccess fires
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"wirebus/codec"
	"wirebus/message"
	"wirebus/telemetry"
	"wirebus/transport"
)

// DefaultCallTimeout bounds a call that never receives WithCallTimeout.
const DefaultCallTimeout = 60 * time.Second

var (
	// ErrNotConnected is returned by Call before a connection is bound.
	ErrNotConnected = errors.New("client: not connected")
	// ErrAlreadyConnected is returned by the Connect helpers when a
	// connection is already bound.
	ErrAlreadyConnected = errors.New("client: already connected")
	// ErrBlankTopic is returned by Subscribe for an empty or all-whitespace
	// topic.
	ErrBlankTopic = errors.New("client: blank topic")
	// ErrNilHandler is returned by Subscribe for a nil handler.
	ErrNilHandler = errors.New("client: nil handler")
)

// Callback receives the positional arguments of a completed call or a topic
// delivery.
type Callback func(args []any)

// pendingCall is one in-flight request awaiting its response.
type pendingCall struct {
	target    string
	onSuccess Callback
	onFailure Callback
	timer     *time.Timer
}

// Client is the calling-side peer. It owns at most one connection; bind one
// with a Connect helper or by passing the client as the Handler to a dial.
type Client struct {
	mu      sync.Mutex
	conn    transport.Conn
	pending map[string]*pendingCall
	seq     atomic.Uint64

	topics *topicRegistry

	codec codec.Codec
	log   *slog.Logger
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithCodec sets the frame codec. Defaults to the standard JSON codec.
func WithCodec(cd codec.Codec) Option {
	return func(c *Client) { c.codec = cd }
}

// NewClient creates an unconnected client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		pending: make(map[string]*pendingCall),
		codec:   codec.Default(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.topics = newTopicRegistry(c.log)
	return c
}

// CallOption configures a single call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithCallTimeout overrides DefaultCallTimeout for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(cfg *callConfig) { cfg.timeout = d }
}

// Call sends a request for target and returns immediately. Exactly one of
// onSuccess or onFailure fires when the matching response arrives; both are
// optional. A call whose response never arrives expires after its timeout
// with a logged diagnostic, and neither callback fires.
func (c *Client) Call(target string, args []any, onSuccess, onFailure Callback, opts ...CallOption) error {
	cfg := callConfig{timeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	id := strconv.FormatUint(c.seq.Add(1), 10)
	req, err := message.NewRequest(target, id, args)
	if err != nil {
		return err
	}
	data, err := c.codec.Encode(req)
	if err != nil {
		return err
	}

	// Register the entry before sending so the read loop can never see a
	// response for an id it does not know.
	entry := &pendingCall{target: target, onSuccess: onSuccess, onFailure: onFailure}
	c.mu.Lock()
	c.pending[id] = entry
	entry.timer = time.AfterFunc(cfg.timeout, func() { c.expire(id) })
	c.mu.Unlock()

	metrics.IncrCounter(telemetry.MetricCallStarted, 1)
	if err := conn.Send(data); err != nil {
		if e := c.claim(id); e != nil {
			e.timer.Stop()
		}
		return err
	}
	return nil
}

// Subscribe registers handler for topic. The same handler may subscribe to
// the same topic more than once; each occurrence fires independently.
func (c *Client) Subscribe(topic string, handler Callback) error {
	return c.topics.subscribe(topic, handler)
}

// UnsubscribeTopic removes every handler subscribed to topic.
func (c *Client) UnsubscribeTopic(topic string) {
	c.topics.clearTopic(topic)
}

// UnsubscribeHandler removes every occurrence of handler across all topics.
func (c *Client) UnsubscribeHandler(handler Callback) {
	c.topics.removeHandler(handler)
}

// UnsubscribeAll removes every subscription.
func (c *Client) UnsubscribeAll() {
	c.topics.clear()
}

// Close tears down the bound connection, if any. Pending calls fail through
// the close event.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// HandleOpen binds the new connection.
func (c *Client) HandleOpen(conn transport.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Debug("connected", telemetry.LabelPeer.L(conn.RemoteAddr()))
}

// HandleMessage classifies one inbound frame: responses resolve pending
// calls, publishes go to the topic registry, anything else is ignored.
func (c *Client) HandleMessage(conn transport.Conn, payload []byte) {
	frame, err := message.Classify(payload)
	if err != nil {
		c.log.Warn("dropping unreadable frame",
			telemetry.LabelPeer.L(conn.RemoteAddr()),
			telemetry.LabelError.L(err.Error()))
		return
	}

	switch frame.Kind {
	case message.KindResponse:
		c.resolve(frame.Response)
	case message.KindPublish:
		c.topics.deliver(frame.Publish.Topic, frame.Publish.Args())
	default:
		c.log.Debug("ignoring frame", telemetry.LabelKind.L(frame.Kind.String()))
	}
}

// HandleClose unbinds the connection and fails every pending call with the
// close reason, in the same single-element argument shape a wire fault uses.
func (c *Client) HandleClose(conn transport.Conn, err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	for id, entry := range pending {
		entry.timer.Stop()
		c.log.Warn("failing pending call on disconnect",
			telemetry.LabelCall.L(id),
			telemetry.LabelTarget.L(entry.target))
		c.safeInvoke(entry.onFailure, []any{map[string]any{"Message": reason, "Stacktrace": ""}})
	}
	c.log.Debug("disconnected", telemetry.LabelPeer.L(conn.RemoteAddr()))
}

// resolve routes one response to its pending call. The entry is claimed
// first, so a concurrently firing timeout loses and becomes a no-op.
func (c *Client) resolve(resp *message.Response) {
	entry := c.claim(resp.Target)
	if entry == nil {
		metrics.IncrCounter(telemetry.MetricCallUnmatched, 1)
		c.log.Warn("unmatched callback", telemetry.LabelCall.L(resp.Target))
		return
	}
	entry.timer.Stop()

	if resp.Success == nil {
		// Success was present but not a boolean. The entry is already gone;
		// no callback may fire for this call anymore.
		metrics.IncrCounter(telemetry.MetricCallMalformed, 1)
		c.log.Warn("malformed response",
			telemetry.LabelCall.L(resp.Target),
			telemetry.LabelTarget.L(entry.target))
		return
	}

	metrics.IncrCounter(telemetry.MetricCallMatched, 1)
	if *resp.Success {
		c.safeInvoke(entry.onSuccess, resp.Args())
	} else {
		c.safeInvoke(entry.onFailure, resp.Args())
	}
}

// claim removes and returns the pending entry for id. The response path, the
// timeout, and a failed send all race through here; the first wins.
func (c *Client) claim(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.pending[id]
	delete(c.pending, id)
	return entry
}

// expire fires when a call's timer goes off before its response arrived.
// The entry is discarded with a diagnostic; the failure callback stays
// silent on timeout.
func (c *Client) expire(id string) {
	entry := c.claim(id)
	if entry == nil {
		return
	}
	metrics.IncrCounter(telemetry.MetricCallTimeout, 1)
	c.log.Warn("call timed out",
		telemetry.LabelCall.L(id),
		telemetry.LabelTarget.L(entry.target))
}

// safeInvoke shields the read loop from a panicking callback.
func (c *Client) safeInvoke(cb Callback, args []any) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrCounter(telemetry.MetricHandlerPanic, 1)
			c.log.Error("callback panicked", telemetry.LabelError.L(fmt.Sprint(r)))
		}
	}()
	cb(args)
}
