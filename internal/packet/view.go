package packet

import "firestige.xyz/nanoagent/internal/byteorder"

// View is a read-only window over a byte slice. Every accessor checks its
// bounds and reports failure instead of panicking. Sub-views share the
// backing array of the view they were cut from.
type View struct {
	b []byte
}

// NewView wraps b without copying it.
func NewView(b []byte) View {
	return View{b: b[:len(b):len(b)]}
}

// Len returns the number of bytes in the view.
func (v View) Len() int { return len(v.b) }

// Bytes returns the viewed bytes. The caller must not modify them.
func (v View) Bytes() []byte { return v.b }

// Copy returns a fresh copy of the viewed bytes.
func (v View) Copy() []byte {
	out := make([]byte, len(v.b))
	copy(out, v.b)
	return out
}

// Has reports whether n bytes are available at off.
func (v View) Has(off, n int) bool {
	return off >= 0 && n >= 0 && off <= len(v.b) && n <= len(v.b)-off
}

// Slice returns the n bytes at off.
func (v View) Slice(off, n int) (View, bool) {
	if !v.Has(off, n) {
		return View{}, false
	}
	return View{b: v.b[off : off+n : off+n]}, true
}

// From returns everything from off to the end.
func (v View) From(off int) (View, bool) {
	if !v.Has(off, 0) {
		return View{}, false
	}
	return View{b: v.b[off:]}, true
}

// Uint8 returns the byte at off.
func (v View) Uint8(off int) (uint8, bool) {
	if !v.Has(off, 1) {
		return 0, false
	}
	return v.b[off], true
}

// Uint16 reads a network order uint16 at off.
func (v View) Uint16(off int) (uint16, bool) {
	if !v.Has(off, 2) {
		return 0, false
	}
	return byteorder.NetworkToHost16(byteorder.Native.Uint16(v.b[off:])), true
}

// Uint32 reads a network order uint32 at off.
func (v View) Uint32(off int) (uint32, bool) {
	if !v.Has(off, 4) {
		return 0, false
	}
	return byteorder.NetworkToHost32(byteorder.Native.Uint32(v.b[off:])), true
}

// header is a view that is known to hold at least the fixed part of a
// protocol header, so field reads need no further checks.
type header struct {
	View
}

// headerAt returns the n bytes at off as a header.
func headerAt(v View, off, n int) (header, bool) {
	h, ok := v.Slice(off, n)
	return header{h}, ok
}

func (h header) u8(off int) uint8 { return h.b[off] }

func (h header) u16(off int) uint16 {
	return byteorder.NetworkToHost16(byteorder.Native.Uint16(h.b[off:]))
}
