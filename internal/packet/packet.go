// Package packet parses raw frames into per-layer views and derives the
// connection key of the flow they belong to.
package packet

import (
	"firestige.xyz/nanoagent/internal/core"
)

// Type selects where parsing starts.
type Type uint8

const (
	// TypeL2 frames start with an Ethernet header.
	TypeL2 Type = 1
	// TypeL3 frames start with an IP header. The caller supplies the version.
	TypeL3 Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeL2:
		return "l2"
	case TypeL3:
		return "l3"
	}
	return "unknown"
}

// Packet is one successfully parsed frame. All views share the backing
// array of the data passed to Parse.
type Packet struct {
	typ      Type
	data     View
	fragment bool
	key      core.ConnKey
	cdir     core.CDir

	l2Header  View
	l2Payload View
	l3        View
	l3Header  View
	l3Payload View
	l4Header  View
	l4Payload View

	ifIndex uint32
	hasIf   bool
	zeco    uint64
	hasZeco bool
}

func (p *Packet) Type() Type { return p.typ }

// IPType returns the IP version of the packet.
func (p *Packet) IPType() core.IPType { return p.key.Type() }

func (p *Packet) IsFragment() bool { return p.fragment }

func (p *Packet) Data() View      { return p.data }
func (p *Packet) L2Header() View  { return p.l2Header }
func (p *Packet) L2Payload() View { return p.l2Payload }

// L3 is the IP datagram trimmed to the length its header declares.
func (p *Packet) L3() View        { return p.l3 }
func (p *Packet) L3Header() View  { return p.l3Header }
func (p *Packet) L3Payload() View { return p.l3Payload }
func (p *Packet) L4Header() View  { return p.l4Header }
func (p *Packet) L4Payload() View { return p.l4Payload }

func (p *Packet) Key() core.ConnKey { return p.key }

// SetKey overrides the key, e.g. when replaying the peer side of a flow.
func (p *Packet) SetKey(k core.ConnKey) { p.key = k }

func (p *Packet) CDir() core.CDir     { return p.cdir }
func (p *Packet) SetCDir(d core.CDir) { p.cdir = d }

func (p *Packet) SetInterface(ifIndex uint32) {
	p.ifIndex = ifIndex
	p.hasIf = true
}

// Interface returns the interface the packet arrived on, if one was set.
func (p *Packet) Interface() (uint32, bool) { return p.ifIndex, p.hasIf }

func (p *Packet) SetZecoOpaque(v uint64) {
	p.zeco = v
	p.hasZeco = true
}

// ZecoOpaque returns the tag attached by the forwarding subsystem, if any.
func (p *Packet) ZecoOpaque() (uint64, bool) { return p.zeco, p.hasZeco }

// L2DataVec returns a copy of the whole frame.
func (p *Packet) L2DataVec() []byte { return p.data.Copy() }

// TCPFlags returns the flags of a non-fragmented TCP packet.
func (p *Packet) TCPFlags() (TCPFlags, bool) {
	if p.key.Proto != core.ProtoTCP || p.fragment {
		return 0, false
	}
	return TCPFlagsFromHeader(p.l4Header)
}
