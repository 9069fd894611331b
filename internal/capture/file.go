package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"firestige.xyz/nanoagent/internal/core"
	"firestige.xyz/nanoagent/internal/log"
	"firestige.xyz/nanoagent/internal/metrics"
)

const fileSourceName = "file"

// pcapng files start with a section header block.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// FileSource replays a pcap or pcapng file as fast as the consumer takes it.
type FileSource struct {
	path     string
	expr     string
	snapLen  int
	override layers.LinkType
	linkType atomic.Uint32
	log      logrus.FieldLogger

	received atomic.Uint64
	filtered atomic.Uint64
}

// NewFileSource returns a source for path. expr is an optional BPF filter
// and override, if not zero, replaces the link type stored in the file.
func NewFileSource(path, expr string, snapLen int, override layers.LinkType) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file source needs a path", core.ErrConfigInvalid)
	}
	if snapLen <= 0 {
		snapLen = 65535
	}
	return &FileSource{
		path:     path,
		expr:     expr,
		snapLen:  snapLen,
		override: override,
		log:      log.Component("capture").WithField("path", path),
	}, nil
}

func (s *FileSource) Name() string { return fileSourceName }

func (s *FileSource) LinkType() layers.LinkType { return layers.LinkType(s.linkType.Load()) }

func (s *FileSource) Stats() Stats {
	return Stats{PacketsReceived: s.received.Load(), PacketsFiltered: s.filtered.Load()}
}

func openReader(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, err
	}
	if bytes.Equal(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// Capture reads the whole file. Unlike a live source it never drops: it
// waits for room in output.
func (s *FileSource) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	r, err := openReader(f)
	if err != nil {
		return fmt.Errorf("failed to read capture header of %s: %w", s.path, err)
	}
	lt := r.LinkType()
	if s.override != 0 {
		lt = s.override
	}
	s.linkType.Store(uint32(lt))
	l3Only, err := IsL3Only(lt)
	if err != nil {
		return err
	}

	var flt *filter
	if s.expr != "" {
		if flt, err = newFilter(lt, s.snapLen, s.expr); err != nil {
			return err
		}
	}
	s.log.WithField("link_type", lt.String()).Info("file capture started")

	for {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.WithField("packets", s.received.Load()).Info("file capture finished")
				return nil
			}
			return fmt.Errorf("failed to read packet: %w", err)
		}
		s.received.Add(1)
		metrics.PacketsTotal.WithLabelValues(fileSourceName).Inc()

		if flt != nil && !flt.match(data) {
			s.filtered.Add(1)
			continue
		}

		raw := core.RawPacket{
			Data:           data,
			Timestamp:      ci.Timestamp,
			CaptureLen:     uint32(ci.CaptureLength),
			OrigLen:        uint32(ci.Length),
			InterfaceIndex: ci.InterfaceIndex,
			L3Only:         l3Only,
		}
		select {
		case output <- raw:
		case <-ctx.Done():
			return nil
		}
	}
}
