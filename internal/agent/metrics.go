package agent

import (
	"sync/atomic"
)

// Metrics contains the agent's packet counters.
type Metrics struct {
	// Packet counters (using atomic for thread-safety)
	Received      atomic.Uint64
	Parsed        atomic.Uint64
	ParseErrors   atomic.Uint64
	Sent          atomic.Uint64
	Dropped       atomic.Uint64
	SendErrors    atomic.Uint64
	Corruptions   atomic.Uint64
	Mirrored      atomic.Uint64
	MirrorDropped atomic.Uint64

	FragmentsRejected atomic.Uint64
}

// Stats represents agent statistics.
type Stats struct {
	Received      uint64
	Parsed        uint64
	ParseErrors   uint64
	Sent          uint64
	Dropped       uint64
	SendErrors    uint64
	Corruptions   uint64
	Mirrored      uint64
	MirrorDropped uint64
	FragsRejected uint64
	Flows         int
	Channels      int

	CaptureReceived uint64
	CaptureDropped  uint64
	CaptureFiltered uint64
}
