package flow

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// FragmentLimiter bounds how many IP fragments one source may send per
// window. Fragments carry no ports, so a flood of them from one host lands
// on a single flow and a single channel.
type FragmentLimiter struct {
	mu           sync.Mutex
	current      map[netip.Addr]*atomic.Int64
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int64

	rejected atomic.Int64
}

// NewFragmentLimiter returns a limiter, or nil when maxPerSource <= 0. A nil
// limiter allows everything.
func NewFragmentLimiter(maxPerSource int, window time.Duration) *FragmentLimiter {
	if maxPerSource <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &FragmentLimiter{
		current:      make(map[netip.Addr]*atomic.Int64),
		windowSize:   window,
		maxPerWindow: int64(maxPerSource),
	}
}

// Allow counts a fragment from src and reports whether it is within the limit.
// The first call opens the window, so capture timestamps work as well as the
// wall clock.
func (l *FragmentLimiter) Allow(src netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.windowSize {
		l.current = make(map[netip.Addr]*atomic.Int64)
		l.windowStart = now
	}
	counter, ok := l.current[src]
	if !ok {
		counter = &atomic.Int64{}
		l.current[src] = counter
	}
	l.mu.Unlock()

	if counter.Add(1) > l.maxPerWindow {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected returns the total number of rejected fragments.
func (l *FragmentLimiter) Rejected() int64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

// ActiveSources returns the number of sources counted in the current window.
func (l *FragmentLimiter) ActiveSources() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}
