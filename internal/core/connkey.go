// Package core defines the flow identity types shared by the parser, the
// flow tracker and the dispatcher.
package core

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"strconv"
	"strings"
)

// IP protocol numbers used across the agent.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoDCCP   uint8 = 33
	ProtoGRE    uint8 = 47
	ProtoICMPv6 uint8 = 58
	ProtoSCTP   uint8 = 132
)

// IPType is the address family of a ConnKey.
type IPType uint8

const (
	IPTypeUninitialized IPType = iota
	IPTypeV4
	IPTypeV6
)

func (t IPType) String() string {
	switch t {
	case IPTypeV4:
		return "IPv4"
	case IPTypeV6:
		return "IPv6"
	case IPTypeUninitialized:
	}
	return fmt.Sprintf("Invalid(%d)", uint8(t))
}

// ConnKey identifies a flow by its addresses, ports and IP protocol.
// ICMP keys carry synthesized ports.
type ConnKey struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
	Proto   uint8
}

// NewConnKey builds a key. IPv4-mapped IPv6 addresses are kept as given.
func NewConnKey(src netip.Addr, sport uint16, dst netip.Addr, dport uint16, proto uint8) ConnKey {
	return ConnKey{SrcAddr: src, SrcPort: sport, DstAddr: dst, DstPort: dport, Proto: proto}
}

// Reverse returns the key as seen from the peer.
func (k ConnKey) Reverse() ConnKey {
	return ConnKey{
		SrcAddr: k.DstAddr,
		SrcPort: k.DstPort,
		DstAddr: k.SrcAddr,
		DstPort: k.SrcPort,
		Proto:   k.Proto,
	}
}

// Type returns the address family of the key.
func (k ConnKey) Type() IPType {
	switch {
	case k.SrcAddr.Is4():
		return IPTypeV4
	case k.SrcAddr.Is6():
		return IPTypeV6
	}
	return IPTypeUninitialized
}

// IsValid reports whether the key holds addresses.
func (k ConnKey) IsValid() bool {
	return k.Type() != IPTypeUninitialized
}

// Canonical returns the lower of k and k.Reverse(), so both directions of a
// flow produce the same value.
func (k ConnKey) Canonical() ConnKey {
	if c := k.SrcAddr.Compare(k.DstAddr); c > 0 || (c == 0 && k.SrcPort > k.DstPort) {
		return k.Reverse()
	}
	return k
}

// HasPorts reports whether the protocol carries real port numbers.
func HasPorts(proto uint8) bool {
	return proto == ProtoTCP || proto == ProtoUDP
}

// ProtocolString names the well-known protocols and falls back to the number.
func (k ConnKey) ProtocolString() string {
	switch k.Proto {
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	}
	return strconv.Itoa(int(k.Proto))
}

// String renders the key as "<src|sport -> dst|dport proto>". Ports are
// only printed for TCP and UDP.
func (k ConnKey) String() string {
	if !k.IsValid() {
		return "<Uninitialized connection>"
	}
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(k.SrcAddr.String())
	if HasPorts(k.Proto) {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(int(k.SrcPort)))
	}
	b.WriteString(" -> ")
	b.WriteString(k.DstAddr.String())
	if HasPorts(k.Proto) {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(int(k.DstPort)))
	}
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(int(k.Proto)))
	b.WriteByte('>')
	return b.String()
}

// Hash returns a hash that is stable across processes.
func (k ConnKey) Hash() uint64 {
	h := fnv.New64a()
	var hdr [6]byte
	hdr[0] = byte(k.Type())
	hdr[1] = k.Proto
	hdr[2] = byte(k.SrcPort >> 8)
	hdr[3] = byte(k.SrcPort)
	hdr[4] = byte(k.DstPort >> 8)
	hdr[5] = byte(k.DstPort)
	h.Write(hdr[:])
	src := k.SrcAddr.As16()
	dst := k.DstAddr.As16()
	h.Write(src[:])
	h.Write(dst[:])
	return h.Sum64()
}

// ID renders every field of the key, including synthesized ICMP ports, so
// distinct keys never share an ID.
func (k ConnKey) ID() string {
	var b strings.Builder
	b.Grow(64)
	b.WriteString(k.SrcAddr.String())
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(k.SrcPort)))
	b.WriteByte('|')
	b.WriteString(k.DstAddr.String())
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(k.DstPort)))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(k.Proto)))
	return b.String()
}
