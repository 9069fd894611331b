// Package agent runs the capture pipeline: frames are read from a capture
// source, parsed, tracked as flows and shipped to nano services over IPC.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/nanoagent/internal/capture"
	"firestige.xyz/nanoagent/internal/config"
	"firestige.xyz/nanoagent/internal/core"
	"firestige.xyz/nanoagent/internal/dispatch"
	"firestige.xyz/nanoagent/internal/flow"
	"firestige.xyz/nanoagent/internal/metrics"
	"firestige.xyz/nanoagent/internal/packet"
	"firestige.xyz/nanoagent/internal/pktqueue"
	"firestige.xyz/nanoagent/internal/shmem"
)

const (
	// BufferSize is the capacity of the channel between capture and processing.
	BufferSize = 1024

	reopenInterval = time.Second
)

// Agent moves packets from one capture source to the IPC channels.
type Agent struct {
	cfg        config.GlobalConfig
	src        capture.Source
	parser     *packet.Parser
	flows      *flow.Tracker
	fragLimit  *flow.FragmentLimiter
	dispatcher *dispatch.Dispatcher
	channels   []*channel
	metrics    Metrics

	mirror      *pktqueue.Queue
	ownsSegment bool
}

// New opens the IPC channels and the optional packet queue mirror named by
// cfg. Nothing is read from src until Run.
func New(cfg config.GlobalConfig, src capture.Source) (*Agent, error) {
	if cfg.IPC.Channels <= 0 {
		return nil, core.ErrNoChannels
	}
	a := &Agent{
		cfg:       cfg,
		src:       src,
		parser:    packet.NewParser(packet.WithSimultaneousPing(cfg.Parser.AllowSimultaneousPing)),
		flows:     flow.NewTracker(cfg.Flows.IdleTimeout, cfg.Flows.CleanupInterval),
		fragLimit: flow.NewFragmentLimiter(cfg.Flows.MaxFragmentsPerSource, cfg.Flows.FragmentWindow),
	}

	names := make([]string, 0, cfg.IPC.Channels)
	for i := 0; i < cfg.IPC.Channels; i++ {
		ch, err := openChannel(cfg.IPC, i)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.channels = append(a.channels, ch)
		names = append(names, ch.name)
	}

	var err error
	if a.dispatcher, err = dispatch.New(names); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.PktQueue.Enabled {
		if err := a.openMirror(); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) openMirror() error {
	qc := a.cfg.PktQueue
	q := &pktqueue.Queue{}
	err := q.Init(qc.Segment, qc.Queue)
	if errors.Is(err, pktqueue.ErrSegmentNotFound) && a.cfg.IPC.Owner {
		if err := pktqueue.CreateSegment(qc.Segment, qc.SegmentSize); err != nil {
			return fmt.Errorf("create packet queue segment: %w", err)
		}
		a.ownsSegment = true
		err = q.Init(qc.Segment, qc.Queue)
	}
	if err != nil {
		return fmt.Errorf("open packet queue %s/%s: %w", qc.Segment, qc.Queue, err)
	}
	a.mirror = q
	slog.Info("mirroring packets to packet queue", "segment", qc.Segment, "queue", qc.Queue)
	return nil
}

// Run processes packets until the source is exhausted or ctx is done. A
// cancelled ctx is a normal stop and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("agent starting", "source", a.src.Name(), "link_type", a.src.LinkType().String(),
		"channels", len(a.channels))

	raw := make(chan core.RawPacket, BufferSize)
	captureErr := make(chan error, 1)
	go a.captureLoop(ctx, raw, captureErr)

	ticker := time.NewTicker(reopenInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-captureErr
			slog.Info("agent stopped", "reason", ctx.Err())
			return nil

		case now := <-ticker.C:
			a.reopenDown(now)

		case pkt, ok := <-raw:
			if !ok {
				err := <-captureErr
				if err != nil && ctx.Err() == nil {
					return fmt.Errorf("capture failed: %w", err)
				}
				slog.Info("capture finished", "received", a.metrics.Received.Load())
				return nil
			}
			a.processPacket(ctx, pkt)
		}
	}
}

// captureLoop reads frames from the source and closes raw when it stops.
func (a *Agent) captureLoop(ctx context.Context, raw chan<- core.RawPacket, done chan<- error) {
	err := a.src.Capture(ctx, raw)
	close(raw)
	done <- err
}

func (a *Agent) processPacket(ctx context.Context, raw core.RawPacket) {
	a.metrics.Received.Add(1)

	pkt, err := a.parser.Decode(raw)
	if err != nil {
		a.metrics.ParseErrors.Add(1)
		metrics.ParseErrorsTotal.WithLabelValues(parseErrorReason(err)).Inc()
		slog.Debug("packet parse failed", "error", err, "len", len(raw.Data))
		return
	}
	a.metrics.Parsed.Add(1)

	if pkt.IsFragment() && !a.fragLimit.Allow(pkt.Key().SrcAddr, raw.Timestamp) {
		a.metrics.FragmentsRejected.Add(1)
		metrics.FragmentsRejectedTotal.Inc()
		return
	}

	a.flows.Track(pkt, raw.Timestamp)
	if a.mirror != nil {
		a.mirrorPacket(pkt)
	}

	_, index, err := a.dispatcher.Pick(pkt.Key())
	if err != nil {
		a.metrics.Dropped.Add(1)
		slog.Debug("no channel for packet", "key", pkt.Key().String(), "error", err)
		return
	}
	a.send(ctx, a.channels[index], pkt)
}

// send pushes pkt into ch. A full queue is retried with backoff and the
// packet dropped once the attempts run out. A channel found corrupted is
// re-created and the packet sent once more.
func (a *Agent) send(ctx context.Context, ch *channel, pkt *packet.Packet) {
	retry := a.cfg.IPC.Retry
	recreated := false
	for attempt := 1; ; attempt++ {
		err := ch.ipc.SendPacket(pkt)
		if err == nil {
			a.metrics.Sent.Add(1)
			metrics.IPCMessagesTotal.WithLabelValues(ch.name, metrics.ResultSent).Inc()
			metrics.IPCSendAttempts.WithLabelValues(ch.name).Observe(float64(attempt))
			return
		}

		var qe *shmem.QueueError
		retryable := errors.As(err, &qe) && qe.Retryable()
		if (!retryable || errors.Is(err, shmem.ErrBadWritePosition)) && ch.ipc.IsCorrupted() {
			if recreated || !a.recreate(ch) {
				a.drop(ch, attempt)
				return
			}
			recreated = true
			continue
		}
		if !retryable {
			a.metrics.SendErrors.Add(1)
			metrics.IPCMessagesTotal.WithLabelValues(ch.name, metrics.ResultError).Inc()
			slog.Debug("ipc send failed", "channel", ch.name, "error", err)
			return
		}
		if attempt >= retry.MaxAttempts {
			a.drop(ch, attempt)
			return
		}

		select {
		case <-ctx.Done():
			a.drop(ch, attempt)
			return
		case <-time.After(retry.Backoff):
		}
	}
}

func (a *Agent) drop(ch *channel, attempts int) {
	a.metrics.Dropped.Add(1)
	metrics.IPCMessagesTotal.WithLabelValues(ch.name, metrics.ResultDropped).Inc()
	metrics.IPCSendAttempts.WithLabelValues(ch.name).Observe(float64(attempts))
}

// mirrorPacket copies the frame into the packet queue. A full queue drops it.
func (a *Agent) mirrorPacket(pkt *packet.Packet) {
	mode := pktqueue.ModeL2
	if pkt.Type() == packet.TypeL3 {
		mode = pktqueue.ModeL3
	}
	proto := pktqueue.ProtoNone
	switch pkt.IPType() {
	case core.IPTypeV4:
		proto = pktqueue.ProtoIPv4
	case core.IPTypeV6:
		proto = pktqueue.ProtoIPv6
	}
	ifIndex, _ := pkt.Interface()

	ok, err := a.mirror.Push(pkt.Data().Bytes(), mode, proto, uint16(pkt.L2Header().Len()), uint16(ifIndex))
	switch {
	case err != nil:
		a.metrics.MirrorDropped.Add(1)
		slog.Debug("packet queue push failed", "error", err)
	case !ok:
		a.metrics.MirrorDropped.Add(1)
	default:
		a.metrics.Mirrored.Add(1)
	}
}

func parseErrorReason(err error) string {
	var pe packet.PktErr
	if errors.As(err, &pe) {
		return pe.Reason()
	}
	return "other"
}

// Stats returns agent statistics.
func (a *Agent) Stats() Stats {
	cs := a.src.Stats()
	return Stats{
		Received:        a.metrics.Received.Load(),
		Parsed:          a.metrics.Parsed.Load(),
		ParseErrors:     a.metrics.ParseErrors.Load(),
		Sent:            a.metrics.Sent.Load(),
		Dropped:         a.metrics.Dropped.Load(),
		SendErrors:      a.metrics.SendErrors.Load(),
		Corruptions:     a.metrics.Corruptions.Load(),
		Mirrored:        a.metrics.Mirrored.Load(),
		MirrorDropped:   a.metrics.MirrorDropped.Load(),
		FragsRejected:   a.metrics.FragmentsRejected.Load(),
		Flows:           a.flows.Len(),
		Channels:        a.dispatcher.Len(),
		CaptureReceived: cs.PacketsReceived,
		CaptureDropped:  cs.PacketsDropped,
		CaptureFiltered: cs.PacketsFiltered,
	}
}

// Close releases the channels and the mirror. The owner removes the shared
// objects it created.
func (a *Agent) Close() error {
	var errs []error
	for _, ch := range a.channels {
		if err := ch.close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.channels = nil
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			errs = append(errs, err)
		}
		a.mirror = nil
	}
	if a.ownsSegment {
		if err := pktqueue.RemoveSegment(a.cfg.PktQueue.Segment); err != nil {
			errs = append(errs, err)
		}
		a.ownsSegment = false
	}
	if a.flows != nil {
		a.flows.Flush()
	}
	return errors.Join(errs...)
}
