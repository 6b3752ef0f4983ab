package rfc793

// IPProto represents the IP protocol number of the payload carried
// by an IPv4 packet (Protocol field) or IPv6 packet (Next Header field).
type IPProto uint8

// IP protocol numbers relevant to this stack.
const (
	IPProtoICMP   IPProto = 1
	IPProtoTCP    IPProto = 6
	IPProtoUDP    IPProto = 17
	IPProtoICMPv6 IPProto = 58
)

func (proto IPProto) String() string {
	switch proto {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	case IPProtoICMPv6:
		return "ICMPv6"
	}
	return "IPProto(?)"
}

// MTU is the fixed maximum transmission unit of the TUN port in bytes,
// including IP and TCP headers.
const MTU = 1500
