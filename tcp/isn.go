package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ISNGenerator produces initial send sequence numbers following the scheme
// of RFC 6528: ISN = M + F(localip, localport, remoteip, remoteport, secret)
// where M is a clock advancing roughly every 4 microseconds and F is a keyed
// hash. The secret is drawn once at construction so sequence predictions do
// not survive process restarts.
type ISNGenerator struct {
	secret [blake2b.Size256]byte
}

// NewISNGenerator seeds a generator from crypto/rand.
func NewISNGenerator() (*ISNGenerator, error) {
	g := &ISNGenerator{}
	_, err := io.ReadFull(rand.Reader, g.secret[:])
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ISN returns the initial send sequence number for a connection identified
// by the local and remote endpoints.
func (g *ISNGenerator) ISN(local, remote netip.AddrPort) Value {
	h, err := blake2b.New256(g.secret[:])
	if err != nil {
		panic(err) // key length is fixed, cannot fail.
	}
	var ports [4]byte
	la, ra := local.Addr().As16(), remote.Addr().As16()
	binary.BigEndian.PutUint16(ports[0:2], local.Port())
	binary.BigEndian.PutUint16(ports[2:4], remote.Port())
	h.Write(la[:])
	h.Write(ra[:])
	h.Write(ports[:])
	sum := h.Sum(nil)
	f := binary.BigEndian.Uint32(sum[:4])
	m := uint32(time.Now().UnixNano() >> 12) // ~4 microsecond tick.
	return Value(f + m)
}
