package core

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnKeyReverse(t *testing.T) {
	k := NewConnKey(netip.MustParseAddr("172.23.34.11"), 44633, netip.MustParseAddr("172.23.53.31"), 80, ProtoTCP)

	r := k.Reverse()
	assert.Equal(t, k.DstAddr, r.SrcAddr)
	assert.Equal(t, k.SrcAddr, r.DstAddr)
	assert.Equal(t, uint16(80), r.SrcPort)
	assert.Equal(t, uint16(44633), r.DstPort)
	assert.Equal(t, k.Proto, r.Proto)
	assert.Equal(t, k, r.Reverse())
}

func TestConnKeyReverseIsInvolution(t *testing.T) {
	keys := []ConnKey{
		{},
		NewConnKey(netip.MustParseAddr("10.0.0.1"), 1, netip.MustParseAddr("10.0.0.1"), 1, ProtoUDP),
		NewConnKey(netip.MustParseAddr("2001:6f8:102d:0:2d0:9ff:fee3:e8de"), 59201,
			netip.MustParseAddr("2001:6f8:900:7c0::2"), 80, ProtoTCP),
		NewConnKey(netip.MustParseAddr("3ffe:507:0:1:200:86ff:fe05:80da"), 31520,
			netip.MustParseAddr("3ffe:507:0:1:260:97ff:fe07:69ea"), 1024, ProtoICMPv6),
	}
	for _, k := range keys {
		assert.Equal(t, k, k.Reverse().Reverse())
	}
}

func TestConnKeyType(t *testing.T) {
	tests := []struct {
		name string
		key  ConnKey
		want IPType
	}{
		{"uninitialized", ConnKey{}, IPTypeUninitialized},
		{"v4", NewConnKey(netip.MustParseAddr("1.2.3.4"), 0, netip.MustParseAddr("5.6.7.8"), 0, ProtoGRE), IPTypeV4},
		{"v6", NewConnKey(netip.MustParseAddr("::1"), 0, netip.MustParseAddr("::2"), 0, ProtoICMPv6), IPTypeV6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.Type())
			assert.Equal(t, tt.want != IPTypeUninitialized, tt.key.IsValid())
		})
	}
	assert.Equal(t, "IPv4", IPTypeV4.String())
	assert.Equal(t, "IPv6", IPTypeV6.String())
	assert.Equal(t, "Invalid(0)", IPTypeUninitialized.String())
}

func TestConnKeyString(t *testing.T) {
	tcp := NewConnKey(netip.MustParseAddr("172.23.34.11"), 44633, netip.MustParseAddr("172.23.53.31"), 80, ProtoTCP)
	assert.Equal(t, "<172.23.34.11|44633 -> 172.23.53.31|80 6>", tcp.String())

	icmp := NewConnKey(netip.MustParseAddr("127.0.0.1"), 1, netip.MustParseAddr("127.0.0.1"), 0, ProtoICMP)
	assert.Equal(t, "<127.0.0.1 -> 127.0.0.1 1>", icmp.String())

	assert.Equal(t, "<Uninitialized connection>", ConnKey{}.String())
}

func TestConnKeyProtocolString(t *testing.T) {
	assert.Equal(t, "TCP", ConnKey{Proto: ProtoTCP}.ProtocolString())
	assert.Equal(t, "UDP", ConnKey{Proto: ProtoUDP}.ProtocolString())
	assert.Equal(t, "ICMP", ConnKey{Proto: ProtoICMP}.ProtocolString())
	assert.Equal(t, "132", ConnKey{Proto: ProtoSCTP}.ProtocolString())
}

func TestConnKeyCanonical(t *testing.T) {
	k := NewConnKey(netip.MustParseAddr("192.168.170.20"), 53, netip.MustParseAddr("192.168.170.8"), 32795, ProtoUDP)
	assert.Equal(t, k.Canonical(), k.Reverse().Canonical())
	assert.Equal(t, netip.MustParseAddr("192.168.170.8"), k.Canonical().SrcAddr)

	same := NewConnKey(netip.MustParseAddr("10.0.0.1"), 9000, netip.MustParseAddr("10.0.0.1"), 80, ProtoTCP)
	assert.Equal(t, uint16(80), same.Canonical().SrcPort)
	assert.Equal(t, same.Canonical(), same.Reverse().Canonical())
}

func TestConnKeyHash(t *testing.T) {
	a := NewConnKey(netip.MustParseAddr("10.0.0.1"), 1000, netip.MustParseAddr("10.0.0.2"), 80, ProtoTCP)
	b := a
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), a.Reverse().Hash())
	assert.Equal(t, a.Canonical().Hash(), a.Reverse().Canonical().Hash())
}

func TestCDir(t *testing.T) {
	assert.Equal(t, S2C, C2S.Other())
	assert.Equal(t, C2S, S2C.Other())
	assert.Equal(t, "c2s", C2S.String())
	assert.Equal(t, "s2c", S2C.String())
}

func TestConnKeyID(t *testing.T) {
	ping := NewConnKey(netip.MustParseAddr("fe80::1"), 7, netip.MustParseAddr("fe80::2"), 0, ProtoICMPv6)
	assert.Equal(t, "fe80::1|7|fe80::2|0|58", ping.ID())

	other := ping
	other.SrcPort = 8
	assert.NotEqual(t, ping.ID(), other.ID())
	assert.Equal(t, ping.String(), other.String(), "String hides ICMP ports, ID does not")
}
