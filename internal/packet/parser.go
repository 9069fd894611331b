package packet

import (
	"firestige.xyz/nanoagent/internal/core"
)

// Decoder turns captured frames into packets.
type Decoder interface {
	Decode(raw core.RawPacket) (*Packet, error)
}

// Option configures a Parser.
type Option func(*Parser)

// WithSimultaneousPing leaves the ICMP sequence number out of echo keys, so
// several concurrent pings from one host map to a single flow.
func WithSimultaneousPing(allow bool) Option {
	return func(p *Parser) {
		p.allowSimultaneousPing = allow
	}
}

// Parser holds the settings that influence key derivation. It is safe for
// concurrent use.
type Parser struct {
	allowSimultaneousPing bool
}

// NewParser returns a parser with the given options applied.
func NewParser(opts ...Option) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse decodes data with a default parser.
func Parse(typ Type, ipType core.IPType, data []byte, opts ...Option) (*Packet, error) {
	return NewParser(opts...).Parse(typ, ipType, data)
}

// Parse decodes data into a Packet. ipType is only consulted for TypeL3.
// On failure it returns a PktErr and no packet.
func (ps *Parser) Parse(typ Type, ipType core.IPType, data []byte) (*Packet, error) {
	pkt := &Packet{typ: typ, data: NewView(data)}

	var (
		key core.ConnKey
		err error
	)
	if typ == TypeL2 {
		key, err = ps.parseL2(pkt)
	} else {
		pkt.l2Payload = pkt.data
		key, err = ps.parseL3(pkt, ipType)
	}
	if err != nil {
		return nil, err
	}
	pkt.key = key
	return pkt, nil
}

// Decode implements Decoder. Bare IP frames are dispatched on the version
// nibble of their first byte.
func (ps *Parser) Decode(raw core.RawPacket) (*Packet, error) {
	typ, ipType := TypeL2, core.IPTypeUninitialized
	if raw.L3Only {
		typ = TypeL3
		if len(raw.Data) > 0 {
			switch raw.Data[0] >> 4 {
			case 4:
				ipType = core.IPTypeV4
			case 6:
				ipType = core.IPTypeV6
			}
		}
	}
	pkt, err := ps.Parse(typ, ipType, raw.Data)
	if err != nil {
		return nil, err
	}
	if raw.InterfaceIndex > 0 {
		pkt.SetInterface(uint32(raw.InterfaceIndex))
	}
	return pkt, nil
}

func (ps *Parser) parseL3(pkt *Packet, ipType core.IPType) (core.ConnKey, error) {
	switch ipType {
	case core.IPTypeV4:
		return ps.parseIPv4(pkt)
	case core.IPTypeV6:
		return ps.parseIPv6(pkt)
	}
	return core.ConnKey{}, ErrUnknownL3Protocol
}
