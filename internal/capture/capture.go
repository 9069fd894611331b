// Package capture reads frames from pcap files or live interfaces.
package capture

import (
	"context"
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/nanoagent/internal/config"
	"firestige.xyz/nanoagent/internal/core"
)

// Source produces raw frames.
type Source interface {
	Name() string
	// Capture sends frames to output until ctx is done or the source is
	// exhausted. A file source returns nil at end of file.
	Capture(ctx context.Context, output chan<- core.RawPacket) error
	// LinkType is valid once Capture has started.
	LinkType() layers.LinkType
	Stats() Stats
}

// Stats are the counters of a source.
type Stats struct {
	PacketsReceived uint64
	PacketsDropped  uint64
	// PacketsFiltered counts frames the BPF filter rejected in user space.
	PacketsFiltered uint64
}

// New returns the source configured by cfg.
func New(cfg config.CaptureConfig) (Source, error) {
	override, err := linkTypeOverride(cfg.LinkType)
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "file":
		return NewFileSource(cfg.Path, cfg.BPFFilter, cfg.SnapLen, override)
	case "afpacket":
		return NewAFPacketSource(cfg)
	}
	return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedSource, cfg.Type)
}
