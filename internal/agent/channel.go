package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/nanoagent/internal/config"
	"firestige.xyz/nanoagent/internal/ipc"
	"firestige.xyz/nanoagent/internal/metrics"
)

// ErrChannelCorrupted is returned for a channel whose shared header fails its
// consistency check. A user side re-opening the channel keeps getting it
// until the owner re-creates the objects.
var ErrChannelCorrupted = errors.New("nanoagent: ipc channel corrupted")

// channel is one IPC channel towards a nano service. A channel that could
// not be re-created is down and out of the dispatcher until a reopen works.
type channel struct {
	index int
	name  string
	ipc   *ipc.IPC

	down       bool
	lastReopen time.Time
}

func openChannel(cfg config.IPCConfig, index int) (*channel, error) {
	ch := &channel{index: index, name: cfg.ChannelName(index)}
	if err := ch.open(cfg); err != nil {
		return nil, err
	}
	return ch, nil
}

func (ch *channel) open(cfg config.IPCConfig) error {
	c, err := ipc.Init(ch.name, cfg.UID, cfg.GID, cfg.Owner, cfg.Segments)
	if err != nil {
		return fmt.Errorf("open ipc channel %s: %w", ch.name, err)
	}
	if c.IsCorrupted() {
		c.Close()
		return fmt.Errorf("%w: %s", ErrChannelCorrupted, ch.name)
	}
	ch.ipc = c
	return nil
}

func (ch *channel) close() error {
	if ch.ipc == nil {
		return nil
	}
	err := ch.ipc.Close()
	ch.ipc = nil
	return err
}

// recreate tears the channel down and opens it again. The owner side gets
// fresh shared objects.
func (a *Agent) recreate(ch *channel) bool {
	metrics.IPCCorruptionsTotal.WithLabelValues(ch.name).Inc()
	a.metrics.Corruptions.Add(1)
	slog.Warn("ipc channel corrupted, re-creating", "channel", ch.name)

	if err := ch.close(); err != nil {
		slog.Debug("closing corrupted channel", "channel", ch.name, "error", err)
	}
	ch.lastReopen = time.Now()
	if err := ch.open(a.cfg.IPC); err != nil {
		slog.Error("failed to re-create ipc channel", "channel", ch.name, "error", err)
		ch.down = true
		a.dispatcher.Remove(ch.name)
		return false
	}
	slog.Info("ipc channel re-created", "channel", ch.name)
	return true
}

// reopenDown retries the channels that are down. Channels that come back
// take their place on the ring again.
func (a *Agent) reopenDown(now time.Time) {
	for _, ch := range a.channels {
		if !ch.down || now.Sub(ch.lastReopen) < reopenInterval {
			continue
		}
		ch.lastReopen = now
		if err := ch.open(a.cfg.IPC); err != nil {
			slog.Debug("ipc channel still down", "channel", ch.name, "error", err)
			continue
		}
		ch.down = false
		a.dispatcher.Restore(ch.name, ch.index)
		slog.Info("ipc channel restored", "channel", ch.name)
	}
}
