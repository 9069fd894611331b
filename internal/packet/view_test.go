package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViewBounds(t *testing.T) {
	v := NewView([]byte{0x01, 0x02, 0x03, 0x04, 0x05})

	tests := []struct {
		off, n int
		want   bool
	}{
		{0, 5, true},
		{5, 0, true},
		{4, 1, true},
		{4, 2, false},
		{6, 0, false},
		{-1, 1, false},
		{0, -1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, v.Has(tt.off, tt.n), "off=%d n=%d", tt.off, tt.n)
	}

	s, ok := v.Slice(1, 2)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x02, 0x03}, s.Bytes())
	_, ok = v.Slice(3, 3)
	assert.False(t, ok)

	rest, ok := v.From(5)
	assert.True(t, ok)
	assert.Equal(t, 0, rest.Len())
	_, ok = v.From(6)
	assert.False(t, ok)
}

func TestViewReads(t *testing.T) {
	v := NewView([]byte{0x08, 0x00, 0xde, 0xad, 0xbe, 0xef})

	b, ok := v.Uint8(2)
	assert.True(t, ok)
	assert.Equal(t, uint8(0xde), b)

	u16, ok := v.Uint16(0)
	assert.True(t, ok)
	assert.Equal(t, uint16(0x0800), u16)

	u32, ok := v.Uint32(2)
	assert.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), u32)

	_, ok = v.Uint16(5)
	assert.False(t, ok)
	_, ok = v.Uint32(3)
	assert.False(t, ok)
}

func TestViewSliceCannotGrow(t *testing.T) {
	backing := []byte{1, 2, 3, 4}
	s, ok := NewView(backing).Slice(0, 2)
	assert.True(t, ok)
	assert.Equal(t, 2, cap(s.Bytes()))

	c := s.Copy()
	c[0] = 9
	assert.Equal(t, byte(1), backing[0])
}

func TestTCPFlagsString(t *testing.T) {
	assert.Equal(t, "none", TCPFlags(0).String())
	assert.Equal(t, "FIN|RST|CWR", (TCPFlagFIN | TCPFlagRST | TCPFlagCWR).String())

	_, ok := TCPFlagsFromHeader(NewView(make([]byte, 13)))
	assert.False(t, ok)
}
