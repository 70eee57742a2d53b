package server

import (
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"

	"wirebus/codec"
	"wirebus/message"
	"wirebus/telemetry"
	"wirebus/transport"
)

// Bus tracks live connections and fans publish frames out to all of them.
// Mutation and iteration are serialized through an RWMutex so a broadcast
// never observes a partially updated set.
type Bus struct {
	mu    sync.RWMutex
	conns map[transport.Conn]struct{}
	codec codec.Codec
	log   *slog.Logger
}

// NewBus creates an empty bus. A nil codec falls back to the default JSON
// codec, a nil logger to slog.Default.
func NewBus(c codec.Codec, log *slog.Logger) *Bus {
	if c == nil {
		c = codec.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		conns: make(map[transport.Conn]struct{}),
		codec: c,
		log:   log,
	}
}

// Track adds conn to the broadcast set.
func (b *Bus) Track(conn transport.Conn) {
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
}

// Drop removes conn from the broadcast set.
func (b *Bus) Drop(conn transport.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
}

// Len reports how many connections are currently tracked.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// drain closes every tracked connection and empties the set.
func (b *Bus) drain() {
	b.mu.Lock()
	for conn := range b.conns {
		conn.Close()
	}
	b.conns = make(map[transport.Conn]struct{})
	b.mu.Unlock()
}

// Publish builds one publish frame, serializes it once, and sends the
// identical bytes to every tracked connection. The set is snapshotted before
// sending so concurrent connects and disconnects do not disturb the fanout.
// A send failure on one connection is logged and does not stop delivery to
// the rest.
func (b *Bus) Publish(topic string, args ...any) error {
	pub, err := message.NewPublish(topic, args)
	if err != nil {
		return err
	}
	data, err := b.codec.Encode(pub)
	if err != nil {
		return err
	}

	b.mu.RLock()
	targets := make([]transport.Conn, 0, len(b.conns))
	for conn := range b.conns {
		targets = append(targets, conn)
	}
	b.mu.RUnlock()

	metrics.IncrCounter(telemetry.MetricBroadcastFanout, float32(len(targets)))
	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			metrics.IncrCounter(telemetry.MetricBroadcastFailure, 1)
			b.log.Warn("broadcast send failed",
				telemetry.LabelTopic.L(topic),
				telemetry.LabelPeer.L(conn.RemoteAddr()),
				telemetry.LabelError.L(err.Error()))
		}
	}
	return nil
}
