// Package stack ties the TCP endpoint together: the connection table with
// its three indexes, the packet loop that demultiplexes TUN datagrams to
// transmission control blocks, and the blocking socket facade used by
// application goroutines.
package stack

import (
	"errors"
	"net/netip"
)

var errMixedFamily = errors.New("stack: mixed address families in tuple")

// Tuple uniquely identifies a connection by its local and remote endpoints.
// Both endpoints must belong to the same address family. Tuples are
// comparable and serve as the key of the established-connections index.
type Tuple struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// NewTuple forms a connection tuple, rejecting mixed-family endpoints.
func NewTuple(local, remote netip.AddrPort) (Tuple, error) {
	if local.Addr().Is4() != remote.Addr().Is4() {
		return Tuple{}, errMixedFamily
	}
	return Tuple{Local: local, Remote: remote}, nil
}

// Is4 reports whether the tuple belongs to the IPv4 family.
func (t Tuple) Is4() bool { return t.Local.Addr().Is4() }

func (t Tuple) String() string {
	return t.Local.String() + "<->" + t.Remote.String()
}
