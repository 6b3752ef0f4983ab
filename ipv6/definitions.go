package ipv6

const sizeHeader = 40

// ToS represents the Traffic Class of an IPv6 header. 6 MSB are
// Differentiated Services; 2 LSB are Explicit Congestion Notification.
type ToS uint8

// DS returns the top 6 bits of the Traffic Class holding the Differentiated
// Services field which is used to classify packets.
func (tos ToS) DS() uint8 { return uint8(tos) >> 2 }

// ECN is the Explicit Congestion Notification which provides congestion
// control and non-congestion control traffic.
func (tos ToS) ECN() uint8 { return uint8(tos & 0b11) }
