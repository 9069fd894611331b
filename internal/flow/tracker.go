// Package flow tracks bidirectional flows and expires them when idle.
package flow

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"firestige.xyz/nanoagent/internal/core"
	"firestige.xyz/nanoagent/internal/log"
	"firestige.xyz/nanoagent/internal/metrics"
	"firestige.xyz/nanoagent/internal/packet"
)

// Flow is the state kept for one bidirectional flow.
type Flow struct {
	// Client is the key of the first packet seen. Its source is the client.
	Client    core.ConnKey
	FirstSeen time.Time

	mu       sync.Mutex
	lastSeen time.Time
	packets  [2]uint64
	bytes    [2]uint64
}

// Stats is a snapshot of a flow's counters, indexed by CDir.
type Stats struct {
	Packets  [2]uint64
	Bytes    [2]uint64
	LastSeen time.Time
}

func (f *Flow) record(dir core.CDir, n int, ts time.Time) {
	f.mu.Lock()
	f.packets[dir]++
	f.bytes[dir] += uint64(n)
	if ts.After(f.lastSeen) {
		f.lastSeen = ts
	}
	f.mu.Unlock()
}

// Stats returns the current counters.
func (f *Flow) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Packets: f.packets, Bytes: f.bytes, LastSeen: f.lastSeen}
}

// Tracker maps packets to flows. It is safe for concurrent use.
type Tracker struct {
	flows *cache.Cache
	log   logrus.FieldLogger
}

// NewTracker returns a tracker that forgets flows idle for idleTimeout,
// checking every cleanupInterval.
func NewTracker(idleTimeout, cleanupInterval time.Duration) *Tracker {
	t := &Tracker{
		flows: cache.New(idleTimeout, cleanupInterval),
		log:   log.Component("flow"),
	}
	t.flows.OnEvicted(func(id string, v any) {
		metrics.FlowsActive.Dec()
		t.log.WithField("flow", v.(*Flow).Client.String()).Debug("flow expired")
	})
	return t
}

// Track records pkt against its flow, creating the flow on first sight, and
// sets the packet's direction relative to the flow's client.
func (t *Tracker) Track(pkt *packet.Packet, ts time.Time) *Flow {
	key := pkt.Key()
	id := key.Canonical().ID()

	f := t.flow(id, key, ts)
	// Sliding expiry: every packet pushes the idle deadline out.
	t.flows.SetDefault(id, f)

	dir := core.C2S
	if key != f.Client {
		dir = core.S2C
	}
	pkt.SetCDir(dir)
	f.record(dir, pkt.Data().Len(), ts)
	return f
}

func (t *Tracker) flow(id string, key core.ConnKey, ts time.Time) *Flow {
	for {
		if v, ok := t.flows.Get(id); ok {
			return v.(*Flow)
		}
		f := &Flow{Client: key, FirstSeen: ts}
		// Add fails when another packet of the flow got there first.
		if t.flows.Add(id, f, cache.DefaultExpiration) == nil {
			metrics.FlowsActive.Inc()
			return f
		}
	}
}

// Lookup returns the flow a key belongs to, in either direction.
func (t *Tracker) Lookup(key core.ConnKey) (*Flow, bool) {
	v, ok := t.flows.Get(key.Canonical().ID())
	if !ok {
		return nil, false
	}
	return v.(*Flow), true
}

// Len returns the number of tracked flows, expired ones included until the
// next cleanup.
func (t *Tracker) Len() int {
	return t.flows.ItemCount()
}

// Flush forgets every flow.
func (t *Tracker) Flush() {
	n := t.flows.ItemCount()
	t.flows.Flush()
	metrics.FlowsActive.Sub(float64(n))
}
