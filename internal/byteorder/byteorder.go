// Package byteorder converts between host and network byte order.
package byteorder

import (
	"encoding/binary"
	"math/bits"
	"unsafe"
)

// Native is the byte order of the host. Structures shared with other local
// processes through memory are laid out in this order.
var Native binary.ByteOrder = detect()

func detect() binary.ByteOrder {
	var probe uint16 = 0x0102
	if *(*byte)(unsafe.Pointer(&probe)) == 0x02 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// IsLittleEndian reports whether the host stores the least significant byte first.
func IsLittleEndian() bool {
	return Native == binary.LittleEndian
}

// HostToNetwork16 converts a 16-bit value from host to network order.
func HostToNetwork16(v uint16) uint16 {
	if IsLittleEndian() {
		return bits.ReverseBytes16(v)
	}
	return v
}

// HostToNetwork32 converts a 32-bit value from host to network order.
func HostToNetwork32(v uint32) uint32 {
	if IsLittleEndian() {
		return bits.ReverseBytes32(v)
	}
	return v
}

// NetworkToHost16 converts a 16-bit value from network to host order.
func NetworkToHost16(v uint16) uint16 {
	return HostToNetwork16(v)
}

// NetworkToHost32 converts a 32-bit value from network to host order.
func NetworkToHost32(v uint32) uint32 {
	return HostToNetwork32(v)
}
