package packet

import (
	"net/netip"

	"firestige.xyz/nanoagent/internal/core"
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40

	ipv4FlagMF     = 0x2000
	ipv4OffsetMask = 0x1fff

	// IPv6 extension header protocol numbers.
	ipv6HopOpts  = 0
	ipv6Routing  = 43
	ipv6Fragment = 44
	ipv6AH       = 51
	ipv6DstOpts  = 60
	ipv6Mobility = 135

	ipv6ExtBaseLen = 8
)

func (ps *Parser) parseIPv4(pkt *Packet) (core.ConnKey, error) {
	h, ok := headerAt(pkt.l2Payload, 0, ipv4HeaderLen)
	if !ok {
		return core.ConnKey{}, ErrTooShortForIPHeader
	}
	if h.u8(0)>>4 != 4 {
		return core.ConnKey{}, ErrIPVersionMismatch
	}

	totalLen := int(h.u16(2))
	if totalLen < ipv4HeaderLen || totalLen > pkt.l2Payload.Len() {
		return core.ConnKey{}, ErrIPSizeMismatch
	}

	hdrLen := int(h.u8(0)&0x0f) * 4
	if hdrLen < ipv4HeaderLen {
		return core.ConnKey{}, ErrIPHeaderTooSmall
	}
	if hdrLen > pkt.l2Payload.Len() {
		return core.ConnKey{}, ErrTooShortForIPHeader
	}

	if off := h.u16(6); off&ipv4OffsetMask != 0 || off&ipv4FlagMF != 0 {
		pkt.fragment = true
	}

	if hdrLen > totalLen {
		return core.ConnKey{}, ErrIPSizeMismatch
	}

	// Ethernet padding past the declared length is dropped here.
	pkt.l3, _ = pkt.l2Payload.Slice(0, totalLen)
	pkt.l3Header, _ = pkt.l3.Slice(0, hdrLen)
	pkt.l3Payload, _ = pkt.l3.From(hdrLen)

	src := netip.AddrFrom4([4]byte(h.b[12:16]))
	dst := netip.AddrFrom4([4]byte(h.b[16:20]))
	return ps.parseL4(pkt, src, dst, h.u8(9))
}

func (ps *Parser) parseIPv6(pkt *Packet) (core.ConnKey, error) {
	h, ok := headerAt(pkt.l2Payload, 0, ipv6HeaderLen)
	if !ok {
		return core.ConnKey{}, ErrTooShortForIPHeader
	}
	if h.u8(0)>>4 != 6 {
		return core.ConnKey{}, ErrIPVersionMismatch
	}

	l3Len := ipv6HeaderLen + int(h.u16(4))
	if l3Len > pkt.l2Payload.Len() {
		return core.ConnKey{}, ErrIPSizeMismatch
	}
	pkt.l3, _ = pkt.l2Payload.Slice(0, l3Len)

	proto, err := ps.walkIPv6Extensions(pkt, h.u8(6))
	if err != nil {
		return core.ConnKey{}, err
	}

	src := netip.AddrFrom16([16]byte(h.b[8:24]))
	dst := netip.AddrFrom16([16]byte(h.b[24:40]))
	return ps.parseL4(pkt, src, dst, proto)
}

// isIPv6Extension reports whether proto is an extension header whose first
// byte names the next header. ESP and No Next Header are not.
func isIPv6Extension(proto uint8) bool {
	switch proto {
	case ipv6HopOpts, ipv6Routing, ipv6Fragment, ipv6AH, ipv6DstOpts, ipv6Mobility:
		return true
	}
	return false
}

// walkIPv6Extensions follows the extension header chain and splits l3 into
// header and payload. It returns the upper layer protocol.
func (ps *Parser) walkIPv6Extensions(pkt *Packet, proto uint8) (uint8, error) {
	offset := ipv6HeaderLen
	for isIPv6Extension(proto) {
		extLen, err := ipv6ExtensionLen(pkt.l3, offset, proto)
		if err != nil {
			return 0, err
		}
		if !pkt.l3.Has(offset, extLen) {
			return 0, ErrTooShortForIPExtensionHeaderBody
		}
		if proto == ipv6Fragment {
			pkt.fragment = true
		}
		proto, _ = pkt.l3.Uint8(offset)
		offset += extLen
	}

	pkt.l3Header, _ = pkt.l3.Slice(0, offset)
	pkt.l3Payload, _ = pkt.l3.From(offset)
	return proto, nil
}

func ipv6ExtensionLen(l3 View, offset int, proto uint8) (int, error) {
	switch proto {
	case ipv6Fragment:
		// No length field, always 8 bytes.
		return ipv6ExtBaseLen, nil
	case ipv6AH:
		return ipv6GenericExtensionLen(l3, offset, 4)
	case ipv6HopOpts, ipv6Routing, ipv6DstOpts, ipv6Mobility:
		return ipv6GenericExtensionLen(l3, offset, 8)
	}
	return 0, ErrUnknownIPv6ExtensionHeader
}

// ipv6GenericExtensionLen reads the {next header, length} pair at offset.
// The length field counts units of multiplier bytes beyond the first 8.
func ipv6GenericExtensionLen(l3 View, offset, multiplier int) (int, error) {
	h, ok := headerAt(l3, offset, 2)
	if !ok {
		return 0, ErrTooShortForIPExtensionHeader
	}
	return ipv6ExtBaseLen + int(h.u8(1))*multiplier, nil
}
