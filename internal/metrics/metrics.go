// Package metrics exposes Prometheus instrumentation for the firehose
// consumer and the event store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts raw frames read from the firehose.
	EventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firehose_events_received_total",
			Help: "Total number of firehose frames received",
		},
	)

	// DecodeErrors counts frames that failed envelope decoding and were
	// skipped.
	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firehose_decode_errors_total",
			Help: "Total number of firehose frames that failed to decode",
		},
	)

	// EventsApplied counts events applied to the store, by kind.
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "firehose_events_applied_total",
			Help: "Total number of events applied to the store",
		},
		[]string{"kind"}, // "post_create", "post_delete", "repost", "unrepost"
	)

	// PostsDiscarded counts post-creation events with no trusted URL.
	PostsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firehose_posts_discarded_total",
			Help: "Total number of post creations discarded by the domain whitelist",
		},
	)

	// Reconnects counts transitions back to the Connecting state after a
	// transport error.
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "firehose_reconnects_total",
			Help: "Total number of firehose reconnect attempts",
		},
	)

	// StoreErrors counts failed store transactions, by operation.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Total number of failed event store operations",
		},
		[]string{"operation"},
	)

	// CursorSeq is the last persisted stream cursor position.
	CursorSeq = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "firehose_cursor_seq",
			Help: "Last persisted firehose cursor position (Jetstream time_us)",
		},
	)

	// GapDetected is 1 when the last resume fell outside the upstream
	// retention horizon.
	GapDetected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "firehose_gap_detected",
			Help: "Whether a retention gap was detected on the last resume (0 or 1)",
		},
	)

	// StreamState is the consumer state machine position (0 disconnected,
	// 1 connecting, 2 streaming).
	StreamState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "firehose_stream_state",
			Help: "Firehose consumer state (0=disconnected, 1=connecting, 2=streaming)",
		},
	)
)
