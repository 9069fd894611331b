package core

import "fmt"

// CDir is the direction of a packet relative to the connection initiator.
// The caller sets it; it is never derived from packet bytes.
type CDir uint8

const (
	C2S CDir = iota
	S2C
)

// Other returns the opposite direction.
func (d CDir) Other() CDir {
	return S2C - d
}

func (d CDir) String() string {
	switch d {
	case C2S:
		return "c2s"
	case S2C:
		return "s2c"
	}
	return fmt.Sprintf("Could not match direction of a connection - neither C2S, nor S2C (%d)", uint8(d))
}
