package packet

import (
	"net/netip"

	"firestige.xyz/nanoagent/internal/core"
)

const (
	tcpHeaderLen  = 20
	udpHeaderLen  = 8
	icmpHeaderLen = 8
	greHeaderLen  = 4
	sctpHeaderLen = 12
	dccpHeaderLen = 12
)

// parseL4 splits the IP payload and builds the key. Non-initial fragments
// carry no L4 header, so every fragment is keyed with zero ports.
func (ps *Parser) parseL4(pkt *Packet, src, dst netip.Addr, proto uint8) (core.ConnKey, error) {
	if pkt.fragment {
		return core.NewConnKey(src, 0, dst, 0, proto), nil
	}

	var sport, dport uint16
	switch proto {
	case core.ProtoTCP:
		h, ok := headerAt(pkt.l3Payload, 0, tcpHeaderLen)
		if !ok {
			return core.ConnKey{}, ErrTooShortForL4Header
		}
		hdrLen := int(h.u8(12)>>4) * 4
		if hdrLen < tcpHeaderLen {
			return core.ConnKey{}, ErrTCPHeaderTooSmall
		}
		if hdrLen > pkt.l3Payload.Len() {
			return core.ConnKey{}, ErrTooShortForTCPOptions
		}
		pkt.splitL4(hdrLen)
		sport, dport = h.u16(0), h.u16(2)

	case core.ProtoUDP:
		h, ok := headerAt(pkt.l3Payload, 0, udpHeaderLen)
		if !ok {
			return core.ConnKey{}, ErrTooShortForL4Header
		}
		pkt.splitL4(udpHeaderLen)
		sport, dport = h.u16(0), h.u16(2)

	case core.ProtoICMP, core.ProtoICMPv6:
		if err := icmpMatchesIP(proto, src); err != nil {
			return core.ConnKey{}, err
		}
		h, ok := headerAt(pkt.l3Payload, 0, icmpHeaderLen)
		if !ok {
			return core.ConnKey{}, ErrTooShortForL4Header
		}
		pkt.splitL4(icmpHeaderLen)
		if proto == core.ProtoICMP {
			sport, dport = ps.icmpV4Ports(h)
		} else {
			sport, dport = ps.icmpV6Ports(h)
		}

	case core.ProtoGRE:
		if !pkt.l3Payload.Has(0, greHeaderLen) {
			return core.ConnKey{}, ErrTooShortForL4Header
		}
		pkt.splitL4(greHeaderLen)

	case core.ProtoSCTP:
		h, ok := headerAt(pkt.l3Payload, 0, sctpHeaderLen)
		if !ok {
			return core.ConnKey{}, ErrTooShortForL4Header
		}
		pkt.splitL4(sctpHeaderLen)
		sport, dport = h.u16(0), h.u16(2)

	case core.ProtoDCCP:
		h, ok := headerAt(pkt.l3Payload, 0, dccpHeaderLen)
		if !ok {
			return core.ConnKey{}, ErrTooShortForL4Header
		}
		pkt.splitL4(dccpHeaderLen)
		sport, dport = h.u16(0), h.u16(2)

	default:
		pkt.l4Payload = pkt.l3Payload
	}

	return core.NewConnKey(src, sport, dst, dport, proto), nil
}

// splitL4 cuts l3Payload at n. Callers have already checked n fits.
func (pkt *Packet) splitL4(n int) {
	pkt.l4Header, _ = pkt.l3Payload.Slice(0, n)
	pkt.l4Payload, _ = pkt.l3Payload.From(n)
}
