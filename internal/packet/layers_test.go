package packet

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/nanoagent/internal/core"
)

var (
	srcMAC = net.HardwareAddr{0x00, 0x50, 0x56, 0xb9, 0x4f, 0x5c}
	dstMAC = net.HardwareAddr{0xcc, 0xd8, 0xc1, 0xb1, 0xcc, 0x77}

	src4 = netip.MustParseAddr("10.0.0.1")
	dst4 = netip.MustParseAddr("10.0.0.2")
	src6 = netip.MustParseAddr("fd00::1")
	dst6 = netip.MustParseAddr("fd00::2")
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ls...)
	require.NoError(t, err)
	return buf.Bytes()
}

func ethernet(typ layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: typ}
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    src4.AsSlice(),
		DstIP:    dst4.AsSlice(),
	}
}

func ipv6(next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      src6.AsSlice(),
		DstIP:      dst6.AsSlice(),
	}
}

func TestParseSerializedTransports(t *testing.T) {
	payload := gopacket.Payload("hello")

	tests := []struct {
		name      string
		ipType    core.IPType
		layers    []gopacket.SerializableLayer
		wantKey   core.ConnKey
		wantL4Hdr int
	}{
		{
			name:   "tcp over ipv4",
			ipType: core.IPTypeV4,
			layers: []gopacket.SerializableLayer{
				ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolTCP),
				&layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true, Window: 1024}, payload,
			},
			wantKey:   core.NewConnKey(src4, 40000, dst4, 443, core.ProtoTCP),
			wantL4Hdr: tcpHeaderLen,
		},
		{
			name:   "udp over ipv6",
			ipType: core.IPTypeV6,
			layers: []gopacket.SerializableLayer{
				ethernet(layers.EthernetTypeIPv6), ipv6(layers.IPProtocolUDP),
				&layers.UDP{SrcPort: 5353, DstPort: 53}, payload,
			},
			wantKey:   core.NewConnKey(src6, 5353, dst6, 53, core.ProtoUDP),
			wantL4Hdr: udpHeaderLen,
		},
		{
			name:   "sctp over ipv4",
			ipType: core.IPTypeV4,
			layers: []gopacket.SerializableLayer{
				ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolSCTP),
				&layers.SCTP{SrcPort: 2905, DstPort: 2906, VerificationTag: 7}, payload,
			},
			wantKey:   core.NewConnKey(src4, 2905, dst4, 2906, core.ProtoSCTP),
			wantL4Hdr: sctpHeaderLen,
		},
		{
			name:   "gre over ipv4",
			ipType: core.IPTypeV4,
			layers: []gopacket.SerializableLayer{
				ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolGRE),
				&layers.GRE{Protocol: layers.EthernetTypeIPv4}, payload,
			},
			wantKey:   core.NewConnKey(src4, 0, dst4, 0, core.ProtoGRE),
			wantL4Hdr: greHeaderLen,
		},
		{
			name:   "unknown protocol over ipv4",
			ipType: core.IPTypeV4,
			layers: []gopacket.SerializableLayer{
				ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocol(253)), payload,
			},
			wantKey:   core.NewConnKey(src4, 0, dst4, 0, 253),
			wantL4Hdr: 0,
		},
		{
			name:   "tcp behind stacked vlan tags",
			ipType: core.IPTypeV4,
			layers: []gopacket.SerializableLayer{
				ethernet(layers.EthernetTypeDot1Q),
				&layers.Dot1Q{VLANIdentifier: 10, Type: layers.EthernetTypeDot1Q},
				&layers.Dot1Q{VLANIdentifier: 20, Type: layers.EthernetTypeIPv4},
				ipv4(layers.IPProtocolTCP),
				&layers.TCP{SrcPort: 1234, DstPort: 80, ACK: true, Window: 1024}, payload,
			},
			wantKey:   core.NewConnKey(src4, 1234, dst4, 80, core.ProtoTCP),
			wantL4Hdr: tcpHeaderLen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewParser().Decode(core.RawPacket{Data: serialize(t, tt.layers...)})
			require.NoError(t, err)
			assert.Equal(t, tt.ipType, p.IPType())
			assert.Equal(t, tt.wantKey, p.Key())
			assert.Equal(t, tt.wantL4Hdr, p.L4Header().Len())
			assert.Equal(t, []byte(payload), p.L4Payload().Bytes())
		})
	}
}

func TestParseDCCP(t *testing.T) {
	// gopacket has no DCCP layer; the generic 12 byte header is enough.
	dccp := gopacket.Payload{0x13, 0x88, 0x13, 0x89, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0xaa}
	frame := serialize(t, ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocol(core.ProtoDCCP)), dccp)

	p, err := Parse(TypeL2, core.IPTypeUninitialized, frame)
	require.NoError(t, err)
	assert.Equal(t, core.NewConnKey(src4, 5000, dst4, 5001, core.ProtoDCCP), p.Key())
	assert.Equal(t, dccpHeaderLen, p.L4Header().Len())
	assert.Equal(t, 1, p.L4Payload().Len())
}

func TestICMPPortSynthesis(t *testing.T) {
	const id, seq = 0x1234, 7

	tests := []struct {
		name         string
		typ          uint8
		code         uint8
		simultaneous bool
		wantSport    uint16
		wantDport    uint16
	}{
		{"echo request", layers.ICMPv4TypeEchoRequest, 0, false, id, seq},
		{"echo request simultaneous", layers.ICMPv4TypeEchoRequest, 0, true, id, 0},
		{"echo reply", layers.ICMPv4TypeEchoReply, 0, false, seq, id},
		{"echo reply simultaneous", layers.ICMPv4TypeEchoReply, 0, true, 0, id},
		{"timestamp request", layers.ICMPv4TypeTimestampRequest, 0, false, id, seq},
		{"mask reply", layers.ICMPv4TypeAddressMaskReply, 0, false, seq, id},
		{"unreachable", layers.ICMPv4TypeDestinationUnreachable, 3, false, 3, layers.ICMPv4TypeDestinationUnreachable},
		{"time exceeded", layers.ICMPv4TypeTimeExceeded, 1, true, 1, layers.ICMPv4TypeTimeExceeded},
		{"router advertisement", layers.ICMPv4TypeRouterAdvertisement, 0, false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := serialize(t,
				ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolICMPv4),
				&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(tt.typ, tt.code), Id: id, Seq: seq},
			)
			p, err := Parse(TypeL2, core.IPTypeUninitialized, frame, WithSimultaneousPing(tt.simultaneous))
			require.NoError(t, err)
			assert.Equal(t, core.NewConnKey(src4, tt.wantSport, dst4, tt.wantDport, core.ProtoICMP), p.Key())
		})
	}
}

func TestICMPv6PortSynthesis(t *testing.T) {
	const id, seq = 0x0102, 3

	tests := []struct {
		name      string
		typ       uint8
		code      uint8
		wantSport uint16
		wantDport uint16
	}{
		{"echo request", layers.ICMPv6TypeEchoRequest, 0, id, seq},
		{"echo reply", layers.ICMPv6TypeEchoReply, 0, seq, id},
		{"packet too big", layers.ICMPv6TypePacketTooBig, 0, 0, layers.ICMPv6TypePacketTooBig},
		{"unreachable", layers.ICMPv6TypeDestinationUnreachable, 4, 4, layers.ICMPv6TypeDestinationUnreachable},
		{"neighbor solicitation", layers.ICMPv6TypeNeighborSolicitation, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := serialize(t,
				ethernet(layers.EthernetTypeIPv6), ipv6(layers.IPProtocolICMPv6),
				&layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(tt.typ, tt.code)},
				&layers.ICMPv6Echo{Identifier: id, SeqNumber: seq},
			)
			p, err := Parse(TypeL2, core.IPTypeUninitialized, frame)
			require.NoError(t, err)
			assert.Equal(t, core.NewConnKey(src6, tt.wantSport, dst6, tt.wantDport, core.ProtoICMPv6), p.Key())
			assert.Equal(t, icmpHeaderLen, p.L4Header().Len())
		})
	}
}

func TestTCPFlagsOfSerializedSegment(t *testing.T) {
	frame := serialize(t,
		ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolTCP),
		&layers.TCP{SrcPort: 1, DstPort: 2, SYN: true, ACK: true, Window: 1},
	)
	p, err := Parse(TypeL2, core.IPTypeUninitialized, frame)
	require.NoError(t, err)

	flags, ok := p.TCPFlags()
	require.True(t, ok)
	assert.True(t, flags.Has(TCPFlagSYN|TCPFlagACK))
	assert.False(t, flags.Has(TCPFlagFIN))
	assert.Equal(t, "SYN|ACK", flags.String())
}

func TestParseAgreesWithGopacket(t *testing.T) {
	frame := parseHex(t, v6TCPFrame)
	gp := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	tcp, ok := gp.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)

	p, err := Parse(TypeL2, core.IPTypeUninitialized, frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(tcp.SrcPort), p.Key().SrcPort)
	assert.Equal(t, uint16(tcp.DstPort), p.Key().DstPort)
	assert.Equal(t, len(tcp.Contents), p.L4Header().Len())
	assert.Equal(t, len(tcp.Payload), p.L4Payload().Len())
}

// FuzzParse checks that no input makes the parser panic and that every view
// of a parsed packet stays within the frame.
func FuzzParse(f *testing.F) {
	for _, s := range []string{v4TCPFrame, v6TCPFrame, v4UDPFrame, v6PingFrame} {
		f.Add(parseHex(f, s), true)
	}
	f.Add([]byte{0x45, 0x00, 0x00, 0x14}, false)

	f.Fuzz(func(t *testing.T, data []byte, l2 bool) {
		typ, ipType := TypeL2, core.IPTypeUninitialized
		if !l2 {
			typ, ipType = TypeL3, core.IPTypeV4
			if len(data) > 0 && data[0]>>4 == 6 {
				ipType = core.IPTypeV6
			}
		}
		p, err := Parse(typ, ipType, data, WithSimultaneousPing(true))
		if err != nil {
			var pe PktErr
			require.ErrorAs(t, err, &pe)
			return
		}
		n := len(data)
		assert.LessOrEqual(t, p.L2Header().Len()+p.L2Payload().Len(), n)
		assert.LessOrEqual(t, p.L3().Len(), p.L2Payload().Len())
		assert.Equal(t, p.L3().Len(), p.L3Header().Len()+p.L3Payload().Len())
		if p.L4Header().Len() > 0 {
			assert.Equal(t, p.L3Payload().Len(), p.L4Header().Len()+p.L4Payload().Len())
		}
	})
}
