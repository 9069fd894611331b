package packet

import "firestige.xyz/nanoagent/internal/core"

const (
	ethernetHeaderLen = 14
	vlanTagLen        = 4

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
)

// parseL2 strips the Ethernet header and any stacked 802.1Q tags, then
// dispatches on the inner ethertype.
func (ps *Parser) parseL2(pkt *Packet) (core.ConnKey, error) {
	// The ethertype is always the last two bytes of the MAC header, which
	// grows by one tag per iteration.
	macLen := ethernetHeaderLen - vlanTagLen
	var etherType uint16
	for {
		macLen += vlanTagLen
		v, ok := pkt.data.Uint16(macLen - 2)
		if !ok {
			return core.ConnKey{}, ErrMACLenTooBig
		}
		etherType = v
		if etherType != etherTypeVLAN {
			break
		}
	}

	pkt.l2Header, _ = pkt.data.Slice(0, macLen)
	pkt.l2Payload, _ = pkt.data.From(macLen)

	switch etherType {
	case etherTypeIPv4:
		return ps.parseIPv4(pkt)
	case etherTypeIPv6:
		return ps.parseIPv6(pkt)
	}
	return core.ConnKey{}, ErrNonIPPacket
}
