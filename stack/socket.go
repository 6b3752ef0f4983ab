package stack

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/sappChak/mini-rfc793/metrics"
	"github.com/sappChak/mini-rfc793/tcp"
)

// ErrAddrInUse is returned by Bind when the target port already has a listener.
var ErrAddrInUse = errors.New("stack: address already in use")

// Listener is the accepting half of the socket facade. It wraps a TCB in
// the Listen state registered in the table's bound index.
type Listener struct {
	tbl   *Table
	local netip.AddrPort
}

// Bind creates a listener on addr. A port admits at most one listener;
// binding an occupied port fails with [ErrAddrInUse].
func Bind(addr netip.AddrPort, tbl *Table, log *slog.Logger) (*Listener, error) {
	tcb := tcp.NewListener(addr, 0, log)
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	err := tbl.bindLocked(addr.Port(), tcb)
	if err != nil {
		return nil, err
	}
	return &Listener{tbl: tbl, local: addr}, nil
}

// Addr returns the bound local endpoint.
func (l *Listener) Addr() netip.AddrPort { return l.local }

// Accept blocks until a half-open connection is available, promotes it into
// the established index and returns a stream bound to its tuple.
func (l *Listener) Accept() (*Stream, netip.AddrPort, error) {
	tbl := l.tbl
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for len(tbl.pending) == 0 {
		tbl.pendingCond.Wait()
	}
	tcb := tbl.pending[0]
	tbl.pending = tbl.pending[1:]
	metrics.PendingConnections.Set(float64(len(tbl.pending)))

	tuple, err := NewTuple(tcb.Local(), tcb.Remote())
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	tbl.established[tuple] = tcb
	metrics.EstablishedConnections.Set(float64(len(tbl.established)))
	metrics.ConnectionsAccepted.Inc()
	tbl.pendingCond.Broadcast()
	return &Stream{tbl: tbl, tuple: tuple}, tcb.Remote(), nil
}

// Close unbinds the listener. Half-open and established connections
// continue to drain independently.
func (l *Listener) Close() error {
	l.tbl.mu.Lock()
	defer l.tbl.mu.Unlock()
	delete(l.tbl.bound, l.local.Port())
	return nil
}

// Stream is the connected half of the socket facade. Application
// goroutines locate the TCB by tuple on every call rather than holding a
// reference, so the table remains the sole owner of connection state.
type Stream struct {
	tbl   *Table
	tuple Tuple
}

// LocalAddr returns the local endpoint of the connection.
func (s *Stream) LocalAddr() netip.AddrPort { return s.tuple.Local }

// RemoteAddr returns the remote endpoint of the connection.
func (s *Stream) RemoteAddr() netip.AddrPort { return s.tuple.Remote }

// Read blocks until in-order data is available and drains up to len(b)
// bytes of it. It returns 0, io.EOF once the remote has closed its sending
// side and the receive queue is empty, or when the connection is gone.
func (s *Stream) Read(b []byte) (int, error) {
	tbl := s.tbl
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	for {
		tcb, ok := tbl.established[s.tuple]
		if !ok {
			return 0, io.EOF
		}
		if tcb.RxBuffered() > 0 {
			return tcb.Read(b)
		}
		if tcb.ReadClosed() {
			return 0, io.EOF
		}
		tbl.readCond.Wait()
	}
}

// Write appends data to the connection's transmit queue up to its free
// space and returns the number of bytes accepted without waiting. The
// packet loop transmits the data on its next tick. Writing to a connection
// that no longer exists returns net.ErrClosed.
func (s *Stream) Write(b []byte) (int, error) {
	tbl := s.tbl
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tcb, ok := tbl.established[s.tuple]
	if !ok {
		return 0, net.ErrClosed
	}
	return tcb.Write(b)
}

// Shutdown closes the local sending side once the remote has closed
// theirs: a connection in CloseWait moves to LastAck and the packet loop
// emits FIN|ACK on its next tick. In any other state Shutdown is a no-op.
func (s *Stream) Shutdown() {
	tbl := s.tbl
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if tcb, ok := tbl.established[s.tuple]; ok {
		tcb.Shutdown()
	}
}

// Close shuts the stream down. It never fails; the method exists so a
// Stream satisfies io.Closer and defers read naturally.
func (s *Stream) Close() error {
	s.Shutdown()
	return nil
}
