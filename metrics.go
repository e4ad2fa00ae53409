package relay

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricRelayConnAcceptedCount = []string{"relay", "connection", "accepted", "count"}
	MetricRelayConnActive        = []string{"relay", "connection", "active"}
	MetricRelayConnClosedCount   = []string{"relay", "connection", "closed", "count"}
	MetricRelayMsgInCount        = []string{"relay", "message", "in", "count"}
	MetricRelayMsgOutCount       = []string{"relay", "message", "out", "count"}
	MetricRelayMsgDroppedCount   = []string{"relay", "message", "dropped", "count"}
	MetricRelayPumpQueueDepth    = []string{"relay", "pump", "queue", "depth"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelConnID   TelemetryLabel = "conn_id"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelReason   TelemetryLabel = "reason"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
