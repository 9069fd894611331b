package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
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
	"gopkg.in/yaml.v3"

	"firestige.xyz/nanoagent/internal/config"
	"firestige.xyz/nanoagent/internal/core"
	"firestige.xyz/nanoagent/internal/ipc"
	"firestige.xyz/nanoagent/internal/packet"
	"firestige.xyz/nanoagent/internal/shmem"
)

func tcpSynFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP{10, 1, 1, 1}, DstIP: net.IP{10, 1, 1, 2}}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 443, SYN: true, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
	return buf.Bytes()
}

func testConfig(t *testing.T) *config.GlobalConfig {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func requireDevShm(t *testing.T) {
	t.Helper()
	if _, err := os.Stat(shmem.DevShm); err != nil {
		t.Skipf("no %s on this host: %v", shmem.DevShm, err)
	}
}

func TestRunInspect(t *testing.T) {
	var buf bytes.Buffer
	err := runInspect(&buf, hex.EncodeToString(tcpSynFrame(t)), inspectOptions{})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "type:       l2")
	assert.Contains(t, out, "key:        <10.1.1.1|51000 -> 10.1.1.2|443 6>")
	assert.Contains(t, out, "ip type:    IPv4")
	assert.Contains(t, out, "protocol:   TCP")
	assert.Contains(t, out, "fragment:   false")
	assert.Contains(t, out, "l2 header:  14 bytes")
	assert.Contains(t, out, "l4 header:  20 bytes")
	assert.Contains(t, out, "tcp flags:  SYN")
}

func TestRunInspectL3(t *testing.T) {
	frame := tcpSynFrame(t)[14:]

	var buf bytes.Buffer
	require.NoError(t, runInspect(&buf, hex.EncodeToString(frame), inspectOptions{l3: true}))
	assert.Contains(t, buf.String(), "type:       l3")
	assert.Contains(t, buf.String(), "l2 header:  0 bytes")

	buf.Reset()
	err := runInspect(&buf, hex.EncodeToString(frame), inspectOptions{l3: true, ipVersion: 6})
	assert.Error(t, err)
	assert.Contains(t, buf.String(), "ip_version_mismatch")
}

func TestRunInspectErrors(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantOut string
	}{
		{"not hex", "zz", ""},
		{"too short for ethernet", "00:11:22:33", "mac_len_too_big"},
		{"arp", "ffffffffffff001122334455 0806 0001", "non_ip_packet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := runInspect(&buf, tt.frame, inspectOptions{})
			assert.Error(t, err)
			assert.Contains(t, buf.String(), tt.wantOut)
		})
	}
}

func TestRunConfigShow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runConfigShow(testConfig(t), &buf))

	out := buf.String()
	assert.Contains(t, out, "nanoagent:")
	assert.Contains(t, out, "segments: 200")
	assert.Contains(t, out, "idle_timeout: 2m0s")

	var root map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &root))
	assert.Contains(t, root["nanoagent"], "ipc")
	assert.Contains(t, root["nanoagent"], "capture")
}

func writePcap(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmd.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000, int64(i)).UTC(),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	return path
}

func TestRunCapture(t *testing.T) {
	requireDevShm(t)
	cfg := testConfig(t)
	cfg.IPC.Name = fmt.Sprintf("cmdc%d", os.Getpid())
	cfg.Capture.Type = "file"
	cfg.Capture.Path = writePcap(t, tcpSynFrame(t), tcpSynFrame(t))

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, runCapture(ctx, cfg, &out))
	assert.Contains(t, out.String(), "Captured:   2 received")
	assert.Contains(t, out.String(), "Parsed:     2 ok, 0 errors")
	assert.Contains(t, out.String(), "IPC:        2 sent, 0 dropped")
	assert.Contains(t, out.String(), "Flows:      1 active on 1 channel(s)")
}

func TestRunCaptureMissingFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Type = "file"
	cfg.Capture.Path = ""
	assert.Error(t, runCapture(context.Background(), cfg, &bytes.Buffer{}))
}

func TestRunDrainAndDump(t *testing.T) {
	requireDevShm(t)
	cfg := testConfig(t)
	cfg.IPC.Name = fmt.Sprintf("cmdd%d", os.Getpid())

	owner, err := ipc.Init(cfg.IPC.ChannelName(0), 0, 0, true, cfg.IPC.Segments)
	require.NoError(t, err)
	t.Cleanup(func() { _ = owner.Close() })

	var out bytes.Buffer
	require.NoError(t, runDump(cfg, 0, &out))
	assert.Contains(t, out.String(), "Ipc memory dump:\nRX queue:\n")
	assert.Contains(t, out.String(), "TX queue:\n")

	pkt, err := packet.Parse(packet.TypeL2, core.IPTypeUninitialized, tcpSynFrame(t))
	require.NoError(t, err)
	require.NoError(t, owner.Send([]byte("junk")))
	require.NoError(t, owner.SendPacket(pkt))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out.Reset()
	require.NoError(t, runDrain(ctx, cfg, 0, 1, time.Millisecond, &out))
	assert.Contains(t, out.String(), "c2s <10.1.1.1|51000 -> 10.1.1.2|443 6> len=60\n")
	assert.Contains(t, out.String(), "Drained 1 packet(s), 1 malformed")
}

func TestOpenUserChannelRange(t *testing.T) {
	cfg := testConfig(t)
	_, err := openUserChannel(cfg, 1)
	assert.Error(t, err)
	_, err = openUserChannel(cfg, -1)
	assert.Error(t, err)
}
