package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"firestige.xyz/nanoagent/internal/core"
)

// Packets cross the IPC as a fixed header followed by the raw frame. The
// receiver re-parses the frame, so views never need to be serialized.
//
//	0  magic      uint16
//	2  version    uint8
//	3  type       uint8
//	4  ip type    uint8
//	5  cdir       uint8
//	6  flags      uint8
//	7  reserved   uint8
//	8  interface  uint32
//	12 zeco       uint64
const (
	WireHeaderLen = 20

	wireMagic   = 0x4e50
	wireVersion = 1

	wireHasInterface = 1 << 0
	wireHasZeco      = 1 << 1
)

// ErrMalformedMessage is returned for messages that do not carry an encoded packet.
var ErrMalformedMessage = errors.New("nanoagent: malformed packet message")

// MarshalHeader encodes the metadata of p.
func MarshalHeader(p *Packet) []byte {
	b := make([]byte, WireHeaderLen)
	binary.BigEndian.PutUint16(b[0:], wireMagic)
	b[2] = wireVersion
	b[3] = byte(p.typ)
	b[4] = byte(p.IPType())
	b[5] = byte(p.cdir)
	if p.hasIf {
		b[6] |= wireHasInterface
		binary.BigEndian.PutUint32(b[8:], p.ifIndex)
	}
	if p.hasZeco {
		b[6] |= wireHasZeco
		binary.BigEndian.PutUint64(b[12:], p.zeco)
	}
	return b
}

// Encode returns the chunks that make up the message for p: the header and
// the frame. They are meant for a chunked send, which avoids joining them.
func Encode(p *Packet) [][]byte {
	return [][]byte{MarshalHeader(p), p.data.Bytes()}
}

// Unmarshal decodes a message produced by Encode. The frame is copied, so
// msg may point into memory that is reused afterwards.
func (ps *Parser) Unmarshal(msg []byte) (*Packet, error) {
	v := NewView(msg)
	magic, ok := v.Uint16(0)
	if !ok || magic != wireMagic {
		return nil, ErrMalformedMessage
	}
	if ver, _ := v.Uint8(2); ver != wireVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedMessage, ver)
	}
	hdr, ok := headerAt(v, 0, WireHeaderLen)
	if !ok {
		return nil, ErrMalformedMessage
	}
	typ := Type(hdr.u8(3))
	if typ != TypeL2 && typ != TypeL3 {
		return nil, fmt.Errorf("%w: packet type %d", ErrMalformedMessage, typ)
	}
	frame, _ := v.From(WireHeaderLen)

	pkt, err := ps.Parse(typ, core.IPType(hdr.u8(4)), frame.Copy())
	if err != nil {
		return nil, err
	}
	pkt.cdir = core.CDir(hdr.u8(5))
	flags := hdr.u8(6)
	if flags&wireHasInterface != 0 {
		pkt.SetInterface(binary.BigEndian.Uint32(hdr.b[8:]))
	}
	if flags&wireHasZeco != 0 {
		pkt.SetZecoOpaque(binary.BigEndian.Uint64(hdr.b[12:]))
	}
	return pkt, nil
}
