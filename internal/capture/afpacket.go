package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"firestige.xyz/nanoagent/internal/config"
	"firestige.xyz/nanoagent/internal/core"
	"firestige.xyz/nanoagent/internal/log"
	"firestige.xyz/nanoagent/internal/metrics"
)

const (
	afpacketSourceName = "afpacket"
	defaultPollTimeout = 100 * time.Millisecond
)

// AFPacketSource captures from an interface through a TPACKET_V3 ring.
type AFPacketSource struct {
	device    string
	frameSize int
	blockSize int
	numBlocks int
	timeout   time.Duration
	fanoutID  uint16
	expr      string
	linkType  layers.LinkType
	log       logrus.FieldLogger

	received atomic.Uint64
	dropped  atomic.Uint64 // output channel full
	kernel   atomic.Uint64 // ring full, as reported by the socket
}

// NewAFPacketSource sizes the ring for cfg. The socket is only opened by
// Capture.
func NewAFPacketSource(cfg config.CaptureConfig) (*AFPacketSource, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: afpacket source needs a device", core.ErrConfigInvalid)
	}
	frameSize, blockSize, numBlocks, err := recomputeSize(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	lt, err := linkTypeOverride(cfg.LinkType)
	if err != nil {
		return nil, err
	}
	if lt == 0 {
		lt = layers.LinkTypeEthernet
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &AFPacketSource{
		device:    cfg.Device,
		frameSize: frameSize,
		blockSize: blockSize,
		numBlocks: numBlocks,
		timeout:   timeout,
		fanoutID:  cfg.FanoutID,
		expr:      cfg.BPFFilter,
		linkType:  lt,
		log:       log.Component("capture").WithField("device", cfg.Device),
	}, nil
}

func (s *AFPacketSource) Name() string { return afpacketSourceName }

func (s *AFPacketSource) LinkType() layers.LinkType { return s.linkType }

func (s *AFPacketSource) Stats() Stats {
	return Stats{PacketsReceived: s.received.Load(), PacketsDropped: s.dropped.Load() + s.kernel.Load()}
}

func (s *AFPacketSource) open() (*afpacket.TPacket, error) {
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(s.device),
		afpacket.OptFrameSize(s.frameSize),
		afpacket.OptBlockSize(s.blockSize),
		afpacket.OptNumBlocks(s.numBlocks),
		afpacket.OptPollTimeout(s.timeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create TPacket handle: %w", err)
	}

	if s.fanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, s.fanoutID); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to set fanout: %w", err)
		}
		s.log.WithField("fanout_id", s.fanoutID).Info("afpacket fanout configured")
	}

	if s.expr != "" {
		raw, err := compileBPF(s.linkType, s.frameSize, s.expr)
		if err != nil {
			tp.Close()
			return nil, err
		}
		if err := tp.SetBPF(raw); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to set BPF: %w", err)
		}
		s.log.WithField("filter", s.expr).Debug("BPF filter applied")
	}

	if err := tp.InitSocketStats(); err != nil {
		s.log.WithError(err).Warn("failed to init socket stats")
	}
	return tp, nil
}

// Capture owns the handle for its whole lifetime, so nothing else can unmap
// the ring while a read is in progress.
func (s *AFPacketSource) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	l3Only, err := IsL3Only(s.linkType)
	if err != nil {
		return err
	}
	tp, err := s.open()
	if err != nil {
		return err
	}
	defer tp.Close()
	s.log.Info("afpacket capture started")

	for {
		if ctx.Err() != nil {
			s.log.Info("afpacket capture stopped")
			return nil
		}

		// ReadPacketData copies, so the frame outlives the next read.
		data, ci, err := tp.ReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("afpacket capture stopped")
				return nil
			}
			if errors.Is(err, afpacket.ErrTimeout) {
				continue
			}
			// EINTR and poll errors are transient.
			s.log.WithError(err).Debug("afpacket read failed")
			continue
		}
		s.received.Add(1)
		metrics.PacketsTotal.WithLabelValues(afpacketSourceName).Inc()

		if _, v3, err := tp.SocketStats(); err == nil {
			if drops, seen := uint64(v3.Drops()), s.kernel.Load(); drops > seen {
				metrics.CaptureDropsTotal.WithLabelValues(afpacketSourceName).Add(float64(drops - seen))
				s.kernel.Store(drops)
			}
		}

		raw := core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
			L3Only:         l3Only,
		}

		// Prefer dropping over stalling the ring.
		select {
		case output <- raw:
		case <-ctx.Done():
			s.log.Info("afpacket capture stopped")
			return nil
		default:
			s.dropped.Add(1)
			metrics.CaptureDropsTotal.WithLabelValues(afpacketSourceName).Inc()
		}
	}
}
