package packet

import "strings"

// TCPFlags is the flags byte of a TCP header (offset 13).
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
	TCPFlagECE
	TCPFlagCWR
)

var tcpFlagNames = [...]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}

// TCPFlagsFromHeader reads the flags out of a TCP header view.
func TCPFlagsFromHeader(hdr View) (TCPFlags, bool) {
	b, ok := hdr.Uint8(13)
	return TCPFlags(b), ok
}

// Has reports whether every flag in mask is set.
func (f TCPFlags) Has(mask TCPFlags) bool {
	return f&mask == mask
}

func (f TCPFlags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for i, name := range tcpFlagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}
