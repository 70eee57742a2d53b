package client

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"

	"wirebus/telemetry"
)

// topicRegistry holds the per-topic ordered handler lists. Handlers fire in
// subscription order; duplicates are kept and fire once per occurrence.
type topicRegistry struct {
	mu   sync.Mutex
	subs map[string][]Callback
	log  *slog.Logger
}

func newTopicRegistry(log *slog.Logger) *topicRegistry {
	return &topicRegistry{subs: make(map[string][]Callback), log: log}
}

func (t *topicRegistry) subscribe(topic string, handler Callback) error {
	if strings.TrimSpace(topic) == "" {
		return ErrBlankTopic
	}
	if handler == nil {
		return ErrNilHandler
	}
	t.mu.Lock()
	t.subs[topic] = append(t.subs[topic], handler)
	t.mu.Unlock()
	return nil
}

func (t *topicRegistry) clearTopic(topic string) {
	t.mu.Lock()
	delete(t.subs, topic)
	t.mu.Unlock()
}

// removeHandler strips every occurrence of handler from every topic.
// Handlers are compared by function pointer identity.
func (t *topicRegistry) removeHandler(handler Callback) {
	if handler == nil {
		return
	}
	ref := reflect.ValueOf(handler).Pointer()
	t.mu.Lock()
	for topic, handlers := range t.subs {
		kept := handlers[:0]
		for _, h := range handlers {
			if reflect.ValueOf(h).Pointer() != ref {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			delete(t.subs, topic)
		} else {
			t.subs[topic] = kept
		}
	}
	t.mu.Unlock()
}

func (t *topicRegistry) clear() {
	t.mu.Lock()
	t.subs = make(map[string][]Callback)
	t.mu.Unlock()
}

// deliver invokes topic's handlers in subscription order. The list is
// snapshotted first, so a handler that subscribes or unsubscribes during
// delivery does not affect the current round. A panicking handler is logged
// and the remaining handlers still run.
func (t *topicRegistry) deliver(topic string, args []any) {
	t.mu.Lock()
	handlers := make([]Callback, len(t.subs[topic]))
	copy(handlers, t.subs[topic])
	t.mu.Unlock()
	if len(handlers) == 0 {
		return
	}

	metrics.IncrCounter(telemetry.MetricTopicDelivered, 1)
	for _, h := range handlers {
		t.invoke(topic, h, args)
	}
}

func (t *topicRegistry) invoke(topic string, h Callback, args []any) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrCounter(telemetry.MetricHandlerPanic, 1)
			t.log.Error("topic handler panicked",
				telemetry.LabelTopic.L(topic),
				telemetry.LabelError.L(fmt.Sprint(r)))
		}
	}()
	h(args)
}
