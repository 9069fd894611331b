package core

import "time"

// RawPacket is a frame handed over by a capture source. Data may alias the
// source's buffer and is only valid until the next read.
type RawPacket struct {
	Data           []byte
	Timestamp      time.Time
	CaptureLen     uint32
	OrigLen        uint32
	InterfaceIndex int
	// L3Only is set when the link type carries bare IP datagrams.
	L3Only bool
}
