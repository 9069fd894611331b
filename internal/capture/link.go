package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"

	"firestige.xyz/nanoagent/internal/core"
)

// IsL3Only reports whether frames of lt start at the IP header. Link types
// that are neither Ethernet nor bare IP cannot be parsed.
func IsL3Only(lt layers.LinkType) (bool, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return false, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return true, nil
	}
	// Some writers store LINKTYPE_RAW as DLT_RAW (12 or 14).
	if lt == 12 || lt == 14 {
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", core.ErrUnsupportedLink, lt)
}

// linkTypeOverride maps the configured link type name. Zero means none.
func linkTypeOverride(name string) (layers.LinkType, error) {
	switch name {
	case "":
		return 0, nil
	case "ethernet":
		return layers.LinkTypeEthernet, nil
	case "raw":
		return layers.LinkTypeRaw, nil
	}
	return 0, fmt.Errorf("%w: %s", core.ErrUnsupportedLink, name)
}
