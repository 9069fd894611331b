package shmem

import (
	"bytes"
	"sync/atomic"
	"unsafe"

	"firestige.xyz/nanoagent/internal/byteorder"
)

// Region layout. The header is packed and every multi-byte field is in host
// byte order, so peers built from other toolchains can map the same object.
//
//	0     name            [64]byte, NUL terminated
//	64    owner fd        int32
//	68    user fd         int32
//	72    size of memory  int32
//	76    write position  uint16
//	78    read position   uint16
//	80    data segments   uint16
//	82    management      [512]uint16
//	1106  data            segments * 1024 bytes
const (
	// LayoutVersion identifies the layout above. It is not stored in the region.
	LayoutVersion = 1

	NameLen     = 64
	SegmentSize = 1024
	MaxSegments = SegmentSize / 2
	HeaderSize  = offMgmt + MaxSegments*2

	// MaxWriteSize is the largest message a single push accepts.
	MaxWriteSize = 0xfffc

	slotEmpty uint16 = 0xfffe
	slotSkip  uint16 = 0xfffd

	offName     = 0
	offOwnerFd  = 64
	offUserFd   = 68
	offSize     = 72
	offWritePos = 76
	offReadPos  = 78
	offSegments = 80
	offMgmt     = 82
)

// region is a typed view over the mapped bytes.
type region struct {
	mem []byte
	pos *uint32 // write and read position, one aligned word
}

func newRegion(mem []byte) region {
	return region{mem: mem, pos: (*uint32)(unsafe.Pointer(&mem[offWritePos]))}
}

// RegionSize returns the mapped size for a queue of n segments.
func RegionSize(n uint16) int {
	return HeaderSize + int(n)*SegmentSize
}

func (r region) name() string {
	b := r.mem[offName : offName+NameLen]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (r region) setName(name string) {
	b := r.mem[offName : offName+NameLen]
	clear(b)
	copy(b[:NameLen-1], name)
}

func (r region) i32(off int) int32 { return int32(byteorder.Native.Uint32(r.mem[off:])) }

func (r region) setI32(off int, v int32) { byteorder.Native.PutUint32(r.mem[off:], uint32(v)) }

func (r region) segments() uint16 { return byteorder.Native.Uint16(r.mem[offSegments:]) }

func (r region) setSegments(n uint16) { byteorder.Native.PutUint16(r.mem[offSegments:], n) }

func (r region) size() int32 { return r.i32(offSize) }

func (r region) slot(i uint16) uint16 {
	return byteorder.Native.Uint16(r.mem[offMgmt+2*int(i):])
}

func (r region) setSlot(i, v uint16) {
	byteorder.Native.PutUint16(r.mem[offMgmt+2*int(i):], v)
}

func (r region) segment(i uint16) []byte {
	off := HeaderSize + int(i)*SegmentSize
	return r.mem[off : off+SegmentSize]
}

// positions loads both positions with a single atomic read.
func (r region) positions() (write, read uint16) {
	v := atomic.LoadUint32(r.pos)
	if byteorder.IsLittleEndian() {
		return uint16(v), uint16(v >> 16)
	}
	return uint16(v >> 16), uint16(v)
}

// storeWrite publishes the write position. Everything written to the region
// before the call is visible to a reader that observes the new value.
func (r region) storeWrite(w uint16) {
	r.storeHalf(offWritePos, w)
}

func (r region) storeRead(rd uint16) {
	r.storeHalf(offReadPos, rd)
}

// storeHalf replaces the half of the position word at off. Each half has a
// single writer, so the loop only retries when the peer moved its own half.
func (r region) storeHalf(off int, v uint16) {
	shift := 0
	if (off == offReadPos) == byteorder.IsLittleEndian() {
		shift = 16
	}
	mask := uint32(0xffff) << shift
	for {
		old := atomic.LoadUint32(r.pos)
		next := old&^mask | uint32(v)<<shift
		if atomic.CompareAndSwapUint32(r.pos, old, next) {
			return
		}
	}
}
