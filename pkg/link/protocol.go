package link

import "fmt"

// PPP protocol numbers carried in the two byte protocol field.
const (
	ProtocolIP   uint16 = 0x0021
	ProtocolIPv6 uint16 = 0x0057
	ProtocolIPCP uint16 = 0x8021
	ProtocolLCP  uint16 = 0xC021
	ProtocolPAP  uint16 = 0xC023
	ProtocolLQR  uint16 = 0xC025
	ProtocolCHAP uint16 = 0xC223
)

// Network control protocols occupy 0x8000-0xBFFF.
const (
	ncpFirst uint16 = 0x8000
	ncpLast  uint16 = 0xBFFF
	auxFirst uint16 = 0xC000
)

// IsNCP reports whether proto is a network control protocol.
func IsNCP(proto uint16) bool {
	return proto >= ncpFirst && proto <= ncpLast
}

// IsLinkControl reports whether proto is in the link-layer control range
// (LCP, authentication, link quality).
func IsLinkControl(proto uint16) bool {
	return proto >= auxFirst
}

// ProtocolName returns a short name used in logs and metric labels.
func ProtocolName(proto uint16) string {
	switch proto {
	case ProtocolIP:
		return "IP"
	case ProtocolIPv6:
		return "IPv6"
	case ProtocolIPCP:
		return "IPCP"
	case ProtocolLCP:
		return "LCP"
	case ProtocolPAP:
		return "PAP"
	case ProtocolLQR:
		return "LQR"
	case ProtocolCHAP:
		return "CHAP"
	default:
		return fmt.Sprintf("0x%04x", proto)
	}
}
