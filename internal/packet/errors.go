package packet

import "fmt"

// PktErr explains why a byte blob is not a valid packet. The values are
// terminal: parsing the same bytes again yields the same error.
type PktErr uint8

const (
	ErrUninitialized PktErr = iota
	ErrNonEthernetFrame
	ErrMACLenTooBig
	ErrNonIPPacket
	ErrUnknownL3Protocol

	ErrIPSizeMismatch
	ErrIPVersionMismatch
	ErrIPHeaderTooSmall

	ErrTooShortForIPHeader
	ErrTooShortForIPExtensionHeader
	ErrTooShortForIPExtensionHeaderBody
	ErrUnknownIPv6ExtensionHeader

	ErrTooShortForL4Header
	ErrTooShortForTCPOptions
	ErrTCPHeaderTooSmall

	ErrTooShortForICMPErrorData
	ErrICMPVersionMismatch

	numPktErrs
)

var pktErrText = [numPktErrs]struct {
	reason string
	msg    string
}{
	ErrUninitialized:                    {"uninitialized", "uninitialized packet"},
	ErrNonEthernetFrame:                 {"non_ethernet_frame", "layer 2 frame length does not match the ethernet frame length"},
	ErrMACLenTooBig:                     {"mac_len_too_big", "layer 2 frame length is greater than the packet length"},
	ErrNonIPPacket:                      {"non_ip_packet", "ethernet frame contains a non-IP packet"},
	ErrUnknownL3Protocol:                {"unknown_l3_protocol", "unknown layer 3 protocol type"},
	ErrIPSizeMismatch:                   {"ip_size_mismatch", "wrong IP header size"},
	ErrIPVersionMismatch:                {"ip_version_mismatch", "IP header version differs from the IP version defined by the ethernet frame"},
	ErrIPHeaderTooSmall:                 {"ip_header_too_small", "reported IP header length is shorter than the allowed minimum"},
	ErrTooShortForIPHeader:              {"pkt_too_short_for_ip_header", "packet is too short for the IP header"},
	ErrTooShortForIPExtensionHeader:     {"pkt_too_short_for_ip_extension_header", "packet is too short for the IP extension header"},
	ErrTooShortForIPExtensionHeaderBody: {"pkt_too_short_for_ip_extension_header_body", "packet is too short for the IP extension body"},
	ErrUnknownIPv6ExtensionHeader:       {"unknown_ipv6_extension_header", "unknown IPv6 extension"},
	ErrTooShortForL4Header:              {"pkt_too_short_for_l4_header", "IP content is too short to hold a layer 4 header"},
	ErrTooShortForTCPOptions:            {"pkt_too_short_for_tcp_options", "IP content is too short to hold all the TCP options"},
	ErrTCPHeaderTooSmall:                {"tcp_header_too_small", "reported TCP header length is shorter than the allowed minimum"},
	ErrTooShortForICMPErrorData:         {"pkt_too_short_for_icmp_error_data", "ICMP data is too short to hold all ICMP error information"},
	ErrICMPVersionMismatch:              {"icmp_version_mismatch", "ICMP version does not match the IP version"},
}

func (e PktErr) Error() string {
	if e >= numPktErrs {
		return fmt.Sprintf("unknown error: %d", uint8(e))
	}
	return pktErrText[e].msg
}

// Reason returns a short snake_case label, suitable for metric labels.
func (e PktErr) Reason() string {
	if e >= numPktErrs {
		return "unknown"
	}
	return pktErrText[e].reason
}
