package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"firestige.xyz/nanoagent/internal/ipc"
	"firestige.xyz/nanoagent/internal/metrics"
	"firestige.xyz/nanoagent/internal/packet"
)

// DefaultPollInterval is how long Drain sleeps on an empty channel.
const DefaultPollInterval = 10 * time.Millisecond

// DrainStats counts what Drain took off a channel.
type DrainStats struct {
	Received  uint64
	Malformed uint64
}

// Drain is the receiving end of the agent. It pops packets from c until ctx
// is done and hands each one to fn. Messages that do not decode are popped
// and counted. A corrupted channel stops the drain with an error.
func Drain(ctx context.Context, c *ipc.IPC, ps *packet.Parser, poll time.Duration, fn func(*packet.Packet)) (DrainStats, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	var st DrainStats
	for {
		if ctx.Err() != nil {
			return st, nil
		}
		if !c.IsDataAvailable() {
			if c.IsCorrupted() {
				return st, ErrChannelCorrupted
			}
			select {
			case <-ctx.Done():
				return st, nil
			case <-time.After(poll):
			}
			continue
		}

		pkt, err := c.ReceivePacket(ps)
		if err != nil {
			var pe packet.PktErr
			if errors.Is(err, packet.ErrMalformedMessage) || errors.As(err, &pe) {
				st.Malformed++
				metrics.IPCMessagesTotal.WithLabelValues(c.Name(), metrics.ResultError).Inc()
				slog.Debug("dropping undecodable ipc message", "channel", c.Name(), "error", err)
				continue
			}
			return st, err
		}
		st.Received++
		metrics.IPCMessagesTotal.WithLabelValues(c.Name(), metrics.ResultReceived).Inc()
		fn(pkt)
	}
}
