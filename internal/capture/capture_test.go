package capture

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/nanoagent/internal/config"
	"firestige.xyz/nanoagent/internal/core"
)

func udpLayers(dport layers.UDPPort) (*layers.IPv4, *layers.UDP) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{192, 168, 170, 8},
		DstIP:    net.IP{192, 168, 170, 20},
	}
	udp := &layers.UDP{SrcPort: 32795, DstPort: dport}
	udp.SetNetworkLayerForChecksum(ip)
	return ip, udp
}

func ethernetFrame(t *testing.T, dport layers.UDPPort) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0xe0, 0x18, 0xb1, 0x0c, 0xad},
		DstMAC:       net.HardwareAddr{0x00, 0xc0, 0x9f, 0x32, 0x41, 0x8c},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip, udp := udpLayers(dport)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("payload")))
	return buf.Bytes()
}

func rawFrame(t *testing.T, dport layers.UDPPort) []byte {
	t.Helper()
	ip, udp := udpLayers(dport)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload("payload")))
	return buf.Bytes()
}

func captureInfo(frame []byte, i int) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     time.Unix(1700000000, int64(i)*1000).UTC(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
}

func writePcap(t *testing.T, lt layers.LinkType, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, lt))
	for i, frame := range frames {
		require.NoError(t, w.WritePacket(captureInfo(frame, i), frame))
	}
	return path
}

func writePcapng(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.pcapng")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for i, frame := range frames {
		require.NoError(t, w.WritePacket(captureInfo(frame, i), frame))
	}
	require.NoError(t, w.Flush())
	return path
}

func collect(t *testing.T, s Source) []core.RawPacket {
	t.Helper()
	out := make(chan core.RawPacket)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Capture(context.Background(), out)
		close(out)
	}()

	var got []core.RawPacket
	for raw := range out {
		got = append(got, raw)
	}
	require.NoError(t, <-errc)
	return got
}

func TestFileSourcePcap(t *testing.T) {
	frames := [][]byte{ethernetFrame(t, 53), ethernetFrame(t, 54)}
	s, err := NewFileSource(writePcap(t, layers.LinkTypeEthernet, frames...), "", 0, 0)
	require.NoError(t, err)

	got := collect(t, s)
	require.Len(t, got, 2)
	for i, raw := range got {
		assert.Equal(t, frames[i], raw.Data)
		assert.False(t, raw.L3Only)
		assert.Equal(t, uint32(len(frames[i])), raw.CaptureLen)
		assert.Equal(t, time.Unix(1700000000, int64(i)*1000).UTC(), raw.Timestamp.UTC())
	}
	assert.Equal(t, layers.LinkTypeEthernet, s.LinkType())
	assert.Equal(t, Stats{PacketsReceived: 2}, s.Stats())
}

func TestFileSourcePcapng(t *testing.T) {
	frames := [][]byte{ethernetFrame(t, 53), ethernetFrame(t, 80), ethernetFrame(t, 443)}
	s, err := NewFileSource(writePcapng(t, frames...), "", 0, 0)
	require.NoError(t, err)

	got := collect(t, s)
	require.Len(t, got, 3)
	assert.Equal(t, frames[2], got[2].Data)
}

func TestFileSourceRawIP(t *testing.T) {
	frame := rawFrame(t, 53)
	s, err := NewFileSource(writePcap(t, layers.LinkTypeRaw, frame), "", 0, 0)
	require.NoError(t, err)

	got := collect(t, s)
	require.Len(t, got, 1)
	assert.True(t, got[0].L3Only)
	assert.Equal(t, frame, got[0].Data)
}

func TestFileSourceLinkTypeOverride(t *testing.T) {
	// A file that claims Ethernet but holds bare IP.
	s, err := NewFileSource(writePcap(t, layers.LinkTypeEthernet, rawFrame(t, 53)), "", 0, layers.LinkTypeRaw)
	require.NoError(t, err)

	got := collect(t, s)
	require.Len(t, got, 1)
	assert.True(t, got[0].L3Only)
	assert.Equal(t, layers.LinkTypeRaw, s.LinkType())
}

func TestFileSourceBPF(t *testing.T) {
	frames := [][]byte{ethernetFrame(t, 53), ethernetFrame(t, 80), ethernetFrame(t, 53)}
	s, err := NewFileSource(writePcap(t, layers.LinkTypeEthernet, frames...), "udp dst port 53", 0, 0)
	require.NoError(t, err)

	got := collect(t, s)
	assert.Len(t, got, 2)
	assert.Equal(t, Stats{PacketsReceived: 3, PacketsFiltered: 1}, s.Stats())
}

func TestFileSourceErrors(t *testing.T) {
	_, err := NewFileSource("", "", 0, 0)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	s, err := NewFileSource(filepath.Join(t.TempDir(), "missing.pcap"), "", 0, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Capture(context.Background(), make(chan core.RawPacket)), os.ErrNotExist)

	s, err = NewFileSource(writePcap(t, layers.LinkTypeLinuxSLL, ethernetFrame(t, 53)), "", 0, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Capture(context.Background(), make(chan core.RawPacket)), core.ErrUnsupportedLink)

	s, err = NewFileSource(writePcap(t, layers.LinkTypeEthernet, ethernetFrame(t, 53)), "not a ( filter", 0, 0)
	require.NoError(t, err)
	assert.Error(t, s.Capture(context.Background(), make(chan core.RawPacket)))
}

func TestFileSourceStopsOnCancel(t *testing.T) {
	s, err := NewFileSource(writePcap(t, layers.LinkTypeEthernet, ethernetFrame(t, 53), ethernetFrame(t, 53)), "", 0, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Nobody reads the channel; a cancelled context must still return.
	assert.NoError(t, s.Capture(ctx, make(chan core.RawPacket)))
}

func TestIsL3Only(t *testing.T) {
	tests := []struct {
		lt      layers.LinkType
		l3      bool
		wantErr bool
	}{
		{layers.LinkTypeEthernet, false, false},
		{layers.LinkTypeRaw, true, false},
		{layers.LinkTypeIPv4, true, false},
		{layers.LinkTypeIPv6, true, false},
		{12, true, false},
		{layers.LinkTypeLinuxSLL, false, true},
		{layers.LinkTypeNull, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.lt.String(), func(t *testing.T) {
			l3, err := IsL3Only(tt.lt)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrUnsupportedLink)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.l3, l3)
		})
	}
}

func TestNew(t *testing.T) {
	s, err := New(config.CaptureConfig{Type: "file", Path: "x.pcap", LinkType: "raw"})
	require.NoError(t, err)
	assert.Equal(t, "file", s.Name())

	s, err = New(config.CaptureConfig{Type: "afpacket", Device: "eth0", SnapLen: 1514, BufferSizeMB: 8})
	require.NoError(t, err)
	assert.Equal(t, "afpacket", s.Name())
	assert.Equal(t, layers.LinkTypeEthernet, s.LinkType())

	_, err = New(config.CaptureConfig{Type: "pfring"})
	assert.ErrorIs(t, err, core.ErrUnsupportedSource)

	_, err = New(config.CaptureConfig{Type: "file", Path: "x.pcap", LinkType: "token-ring"})
	assert.ErrorIs(t, err, core.ErrUnsupportedLink)

	_, err = New(config.CaptureConfig{Type: "afpacket", SnapLen: 1514, BufferSizeMB: 8})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(config.CaptureConfig{Type: "afpacket", Device: "eth0", SnapLen: 1514})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestFilterMatch(t *testing.T) {
	f, err := newFilter(layers.LinkTypeEthernet, 65535, "udp port 53")
	require.NoError(t, err)
	assert.True(t, f.match(ethernetFrame(t, 53)))
	assert.False(t, f.match(ethernetFrame(t, 80)))
	assert.False(t, f.match(nil))
}
