package packet

import (
	"net/netip"

	"firestige.xyz/nanoagent/internal/core"
)

// ICMPv4 message types.
const (
	icmpEchoReply      = 0
	icmpUnreach        = 3
	icmpSourceQuench   = 4
	icmpRedirect       = 5
	icmpEcho           = 8
	icmpTimeExceeded   = 11
	icmpParamProb      = 12
	icmpTimestamp      = 13
	icmpTimestampReply = 14
	icmpInfoRequest    = 15
	icmpInfoReply      = 16
	icmpMaskRequest    = 17
	icmpMaskReply      = 18
)

// ICMPv6 message types.
const (
	icmp6DstUnreach   = 1
	icmp6PacketTooBig = 2
	icmp6TimeExceeded = 3
	icmp6ParamProb    = 4
	icmp6EchoRequest  = 128
	icmp6EchoReply    = 129
	icmp6NDRedirect   = 137
)

func icmpMatchesIP(proto uint8, src netip.Addr) error {
	if proto == core.ProtoICMP && src.Is4() {
		return nil
	}
	if proto == core.ProtoICMPv6 && src.Is6() {
		return nil
	}
	return ErrICMPVersionMismatch
}

// icmpV4Ports synthesizes ports so that requests, replies and the errors
// they trigger correlate to one flow. Requests key on (id, seq), replies on
// the mirror, errors on (code, type).
func (ps *Parser) icmpV4Ports(h header) (sport, dport uint16) {
	typ, code := h.u8(0), h.u8(1)
	id, seq := h.u16(4), h.u16(6)
	switch typ {
	case icmpEcho, icmpTimestamp, icmpInfoRequest, icmpMaskRequest:
		return ps.requestPorts(id, seq)
	case icmpEchoReply, icmpTimestampReply, icmpInfoReply, icmpMaskReply:
		return ps.replyPorts(id, seq)
	case icmpUnreach, icmpSourceQuench, icmpTimeExceeded, icmpParamProb, icmpRedirect:
		return uint16(code), uint16(typ)
	}
	return 0, 0
}

func (ps *Parser) icmpV6Ports(h header) (sport, dport uint16) {
	typ, code := h.u8(0), h.u8(1)
	id, seq := h.u16(4), h.u16(6)
	switch typ {
	case icmp6EchoRequest:
		return ps.requestPorts(id, seq)
	case icmp6EchoReply:
		return ps.replyPorts(id, seq)
	case icmp6DstUnreach, icmp6PacketTooBig, icmp6TimeExceeded, icmp6ParamProb, icmp6NDRedirect:
		return uint16(code), uint16(typ)
	}
	return 0, 0
}

func (ps *Parser) requestPorts(id, seq uint16) (uint16, uint16) {
	if ps.allowSimultaneousPing {
		return id, 0
	}
	return id, seq
}

func (ps *Parser) replyPorts(id, seq uint16) (uint16, uint16) {
	if ps.allowSimultaneousPing {
		return 0, id
	}
	return seq, id
}
