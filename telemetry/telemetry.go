// Package telemetry centralizes metric names and the label helpers shared by
// the serving and calling sides. Counters are emitted through the process
// default go-metrics sink; wire one up with metrics.NewGlobal to collect
// them.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricDispatchOK      = []string{"wirebus", "server", "dispatch", "ok"}
	MetricDispatchDropped = []string{"wirebus", "server", "dispatch", "dropped"}
	MetricDispatchFault   = []string{"wirebus", "server", "dispatch", "fault"}
	MetricSendFailure     = []string{"wirebus", "server", "send", "failure"}

	MetricBroadcastFanout  = []string{"wirebus", "server", "broadcast", "fanout"}
	MetricBroadcastFailure = []string{"wirebus", "server", "broadcast", "failure"}

	MetricConnOpened = []string{"wirebus", "server", "conn", "opened"}
	MetricConnClosed = []string{"wirebus", "server", "conn", "closed"}

	MetricCallStarted   = []string{"wirebus", "client", "call", "started"}
	MetricCallMatched   = []string{"wirebus", "client", "call", "matched"}
	MetricCallUnmatched = []string{"wirebus", "client", "call", "unmatched"}
	MetricCallTimeout   = []string{"wirebus", "client", "call", "timeout"}
	MetricCallMalformed = []string{"wirebus", "client", "call", "malformed"}

	MetricTopicDelivered = []string{"wirebus", "client", "topic", "delivered"}
	MetricHandlerPanic   = []string{"wirebus", "client", "handler", "panic"}
)

// Label names a dimension attached to both log records and metrics, so the
// two telemetry streams stay correlated.
type Label string

var (
	LabelTarget  Label = "target"
	LabelCall    Label = "call"
	LabelTopic   Label = "topic"
	LabelPeer    Label = "peer"
	LabelKind    Label = "kind"
	LabelCluster Label = "cluster"
	LabelError   Label = "error"
)

func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab Label) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
