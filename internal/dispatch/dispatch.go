// Package dispatch assigns flows to IPC channels.
package dispatch

import (
	"sync"

	"github.com/serialx/hashring"

	"firestige.xyz/nanoagent/internal/core"
)

// Dispatcher maps flows onto a set of named channels with a consistent hash
// ring, so both directions of a flow always reach the same channel and
// removing one channel only moves the flows it carried.
type Dispatcher struct {
	mu    sync.RWMutex
	ring  *hashring.HashRing
	index map[string]int
}

// New returns a dispatcher over channels. The index Pick returns is the
// position of the channel in this slice.
func New(channels []string) (*Dispatcher, error) {
	if len(channels) == 0 {
		return nil, core.ErrNoChannels
	}
	d := &Dispatcher{
		ring:  hashring.New(channels),
		index: make(map[string]int, len(channels)),
	}
	for i, name := range channels {
		d.index[name] = i
	}
	return d, nil
}

// Pick returns the channel for the flow of key.
func (d *Dispatcher) Pick(key core.ConnKey) (name string, index int, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.ring.GetNode(key.Canonical().ID())
	if !ok {
		return "", 0, core.ErrNoChannels
	}
	return name, d.index[name], nil
}

// Remove takes a channel out of rotation.
func (d *Dispatcher) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.index[name]; !ok {
		return
	}
	d.ring = d.ring.RemoveNode(name)
	delete(d.index, name)
}

// Restore puts a removed channel back at its original index.
func (d *Dispatcher) Restore(name string, index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.index[name]; ok {
		return
	}
	d.ring = d.ring.AddNode(name)
	d.index[name] = index
}

// Len returns the number of channels in rotation.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.index)
}
