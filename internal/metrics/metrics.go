// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts frames read from a capture source.
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoagent_packets_total",
			Help: "Total number of frames read from capture sources",
		},
		[]string{"source"},
	)

	// CaptureDropsTotal counts frames the kernel dropped before the source read them.
	CaptureDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoagent_capture_drops_total",
			Help: "Total number of frames dropped by the capture source",
		},
		[]string{"source"},
	)

	// ParseErrorsTotal counts frames rejected by the parser, by reason.
	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoagent_parse_errors_total",
			Help: "Total number of frames that failed to parse",
		},
		[]string{"reason"},
	)

	// FragmentsRejectedTotal counts IP fragments over the per-source limit.
	FragmentsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nanoagent_fragments_rejected_total",
			Help: "Total number of IP fragments rejected by the per-source limit",
		},
	)

	// IPCMessagesTotal counts IPC sends and receives by outcome.
	IPCMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoagent_ipc_messages_total",
			Help: "Total number of IPC messages by channel and result",
		},
		[]string{"channel", "result"},
	)

	// IPCSendAttempts tracks how many pushes a message needed before it was
	// accepted or dropped.
	IPCSendAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nanoagent_ipc_send_attempts",
			Help:    "Number of push attempts per IPC message",
			Buckets: prometheus.LinearBuckets(1, 1, 8),
		},
		[]string{"channel"},
	)

	// IPCCorruptionsTotal counts channels found corrupted and re-created.
	IPCCorruptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoagent_ipc_corruptions_total",
			Help: "Total number of IPC channels detected as corrupted",
		},
		[]string{"channel"},
	)

	// FlowsActive tracks the number of flows in the tracker.
	FlowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nanoagent_flows_active",
			Help: "Current number of tracked flows",
		},
	)

	// PktQueueMessagesTotal counts packet queue operations.
	PktQueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanoagent_pktqueue_messages_total",
			Help: "Total number of packet queue operations by queue and op",
		},
		[]string{"queue", "op"},
	)
)

// IPC results.
const (
	ResultSent     = "sent"
	ResultDropped  = "dropped"
	ResultReceived = "received"
	ResultError    = "error"
)

// Packet queue operations.
const (
	OpPush = "push"
	OpFull = "full"
	OpPop  = "pop"
)
