package stack

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	rfc793 "github.com/sappChak/mini-rfc793"
	"github.com/sappChak/mini-rfc793/ipv4"
	"github.com/sappChak/mini-rfc793/tcp"
	"github.com/sappChak/mini-rfc793/tun"
)

var (
	epAddr4   = netip.MustParseAddrPort("10.0.0.9:8080")
	peerAddr4 = netip.MustParseAddrPort("10.0.0.2:45000")
	epAddr6   = netip.MustParseAddrPort("[fd00:dead:beef::5]:8081")
	peerAddr6 = netip.MustParseAddrPort("[fd00:dead:beef::2]:45001")
)

// memPort is an in-memory Port capturing outbound datagrams and feeding
// queued inbound ones.
type memPort struct {
	mu     sync.Mutex
	in     [][]byte
	sent   [][]byte
	closed bool
}

func (p *memPort) queue(pkt []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in = append(p.in, append([]byte(nil), pkt...))
}

func (p *memPort) PollRead(timeoutMillis int) (bool, error) {
	deadline := time.Now().Add(time.Duration(timeoutMillis) * time.Millisecond)
	for {
		p.mu.Lock()
		closed, n := p.closed, len(p.in)
		p.mu.Unlock()
		if closed {
			return false, io.ErrClosedPipe
		}
		if n > 0 {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *memPort) Recv(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.in) == 0 {
		return 0, tun.ErrWouldBlock
	}
	pkt := p.in[0]
	p.in = p.in[1:]
	return copy(b, pkt), nil
}

func (p *memPort) Send(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, append([]byte(nil), b...))
	return len(b), nil
}

func (p *memPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *memPort) takeSent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	sent := p.sent
	p.sent = nil
	return sent
}

// peerHarness builds wire datagrams by borrowing a second Loop's encoder.
type peerHarness struct {
	lp   *Loop
	port *memPort
}

func newPeer(t *testing.T) *peerHarness {
	t.Helper()
	port := &memPort{}
	lp, err := NewLoop(port, NewTable(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &peerHarness{lp: lp, port: port}
}

// datagram encodes one segment sent by the peer towards the endpoint.
func (p *peerHarness) datagram(t *testing.T, seg tcp.Segment, payload []byte, v6 bool) []byte {
	t.Helper()
	src, dst := peerAddr4, epAddr4
	if v6 {
		src, dst = peerAddr6, epAddr6
	}
	err := p.lp.SendSegment(src, dst, seg, payload)
	if err != nil {
		t.Fatal(err)
	}
	sent := p.port.takeSent()
	return sent[len(sent)-1]
}

type endpoint struct {
	port *memPort
	tbl  *Table
	lp   *Loop
}

func newEndpoint(t *testing.T) *endpoint {
	t.Helper()
	port := &memPort{}
	tbl := NewTable()
	lp, err := NewLoop(port, tbl, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &endpoint{port: port, tbl: tbl, lp: lp}
}

// lastSegment parses the newest outbound datagram of the endpoint.
func (ep *endpoint) lastSegment(t *testing.T) (seg tcp.Segment, payload []byte) {
	t.Helper()
	sent := ep.port.takeSent()
	if len(sent) == 0 {
		t.Fatal("expected an outbound datagram, got none")
	}
	pkt := sent[len(sent)-1]
	var tcpBytes []byte
	switch pkt[0] >> 4 {
	case 4:
		ifrm, err := ipv4.NewFrame(pkt)
		if err != nil {
			t.Fatal(err)
		}
		// The emitted header checksum must verify: resumming over the
		// stored checksum yields zero.
		var crc rfc793.CRC791
		crc.Write(pkt[:20])
		if crc.Sum16() != 0 {
			t.Fatalf("IPv4 header checksum does not verify: %#04x", crc.Sum16())
		}
		var pseudo rfc793.CRC791
		ifrm.CRCWriteTCPPseudo(&pseudo)
		if got := pseudo.PayloadSum16(ifrm.Payload()); got != 0 {
			t.Fatalf("TCP checksum does not verify: %#04x", got)
		}
		tcpBytes = ifrm.Payload()
	case 6:
		tcpBytes = pkt[40:]
	default:
		t.Fatalf("unexpected IP version in %x", pkt[0])
	}
	tfrm, err := tcp.NewFrame(tcpBytes)
	if err != nil {
		t.Fatal(err)
	}
	return tfrm.Segment(len(tfrm.Payload())), append([]byte(nil), tfrm.Payload()...)
}

// handshake drives S1 over the wire: SYN in, SYN|ACK out, final ACK in.
// Returns the ISS the endpoint picked.
func (ep *endpoint) handshake(t *testing.T, peer *peerHarness) tcp.Value {
	t.Helper()
	syn := tcp.Segment{SEQ: 1000, WND: 8192, Flags: tcp.FlagSYN}
	ep.lp.processPacket(peer.datagram(t, syn, nil, false))

	seg, _ := ep.lastSegment(t)
	if !seg.Flags.HasAll(tcp.FlagSYN | tcp.FlagACK) {
		t.Fatalf("expected SYN|ACK, got %s", seg.Flags)
	}
	if seg.ACK != 1001 {
		t.Fatalf("SYN|ACK ack = %d, want 1001", seg.ACK)
	}
	iss := seg.SEQ

	ack := tcp.Segment{SEQ: 1001, ACK: iss + 1, WND: 8192, Flags: tcp.FlagACK}
	ep.lp.processPacket(peer.datagram(t, ack, nil, false))
	return iss
}

func TestDuplicateBind(t *testing.T) {
	tbl := NewTable()
	_, err := Bind(epAddr4, tbl, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Bind(epAddr4, tbl, nil)
	if !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("second bind error = %v, want ErrAddrInUse", err)
	}
}

func TestAcceptHandshake(t *testing.T) {
	ep := newEndpoint(t)
	peer := newPeer(t)
	listener, err := Bind(epAddr4, ep.tbl, nil)
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		stream *Stream
		remote netip.AddrPort
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, remote, err := listener.Accept()
		done <- result{stream, remote, err}
	}()

	ep.handshake(t, peer)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatal(res.err)
		}
		if res.remote.Port() != peerAddr4.Port() {
			t.Fatalf("accepted remote = %s, want port %d", res.remote, peerAddr4.Port())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not unblock after handshake")
	}
	if ep.tbl.Established() != 1 {
		t.Fatalf("established = %d, want 1", ep.tbl.Established())
	}
	if ep.tbl.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", ep.tbl.Pending())
	}
}

func TestStreamReadWrite(t *testing.T) {
	ep := newEndpoint(t)
	peer := newPeer(t)
	listener, err := Bind(epAddr4, ep.tbl, nil)
	if err != nil {
		t.Fatal(err)
	}
	streamCh := make(chan *Stream, 1)
	go func() {
		stream, _, _ := listener.Accept()
		streamCh <- stream
	}()
	iss := ep.handshake(t, peer)
	stream := <-streamCh

	// Blocked read unblocks when the peer's payload arrives.
	readCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := stream.Read(buf)
		if err != nil {
			readCh <- nil
			return
		}
		readCh <- buf[:n]
	}()
	data := tcp.Segment{SEQ: 1001, ACK: iss + 1, WND: 8192, Flags: tcp.FlagPSH | tcp.FlagACK, DATALEN: 5}
	ep.lp.processPacket(peer.datagram(t, data, []byte("hello"), false))

	select {
	case got := <-readCh:
		if string(got) != "hello" {
			t.Fatalf("read %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock on inbound data")
	}
	seg, _ := ep.lastSegment(t)
	if seg.ACK != 1006 {
		t.Fatalf("data ACK = %d, want 1006", seg.ACK)
	}

	// A write is transmitted on the next tick.
	n, err := stream.Write([]byte("world"))
	if err != nil || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	ep.lp.onTick(time.Now())
	seg, payload := ep.lastSegment(t)
	if seg.SEQ != iss+1 || !bytes.Equal(payload, []byte("world")) {
		t.Fatalf("outbound data seq=%d payload=%q", seg.SEQ, payload)
	}
	if !seg.Flags.HasAll(tcp.FlagPSH | tcp.FlagACK) {
		t.Fatalf("outbound data flags = %s", seg.Flags)
	}
}

func TestResetRemovesConnection(t *testing.T) {
	ep := newEndpoint(t)
	peer := newPeer(t)
	listener, err := Bind(epAddr4, ep.tbl, nil)
	if err != nil {
		t.Fatal(err)
	}
	streamCh := make(chan *Stream, 1)
	go func() {
		stream, _, _ := listener.Accept()
		streamCh <- stream
	}()
	iss := ep.handshake(t, peer)
	stream := <-streamCh

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := stream.Read(buf)
		readErr <- err
	}()
	// Give the reader a moment to block on the condition variable.
	time.Sleep(10 * time.Millisecond)

	rst := tcp.Segment{SEQ: 1001, ACK: iss + 1, Flags: tcp.FlagRST}
	ep.lp.processPacket(peer.datagram(t, rst, nil, false))

	select {
	case err := <-readErr:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("blocked read after RST returned %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read did not observe the reset")
	}
	if ep.tbl.Established() != 0 {
		t.Fatalf("established = %d, want 0 after RST", ep.tbl.Established())
	}
	_, err = stream.Write([]byte("late"))
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("write after RST = %v, want net.ErrClosed", err)
	}
}

func TestPassiveCloseOverWire(t *testing.T) {
	ep := newEndpoint(t)
	peer := newPeer(t)
	listener, err := Bind(epAddr4, ep.tbl, nil)
	if err != nil {
		t.Fatal(err)
	}
	streamCh := make(chan *Stream, 1)
	go func() {
		stream, _, _ := listener.Accept()
		streamCh <- stream
	}()
	iss := ep.handshake(t, peer)
	stream := <-streamCh

	fin := tcp.Segment{SEQ: 1001, ACK: iss + 1, WND: 8192, Flags: tcp.FlagFIN | tcp.FlagACK}
	ep.lp.processPacket(peer.datagram(t, fin, nil, false))
	seg, _ := ep.lastSegment(t)
	if seg.ACK != 1002 {
		t.Fatalf("FIN ack = %d, want 1002", seg.ACK)
	}

	// EOF without blocking, then shutdown emits FIN|ACK on the next tick.
	var buf [8]byte
	n, err := stream.Read(buf[:])
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("read after FIN = %d, %v; want 0, io.EOF", n, err)
	}
	stream.Shutdown()
	ep.lp.onTick(time.Now())
	seg, _ = ep.lastSegment(t)
	if !seg.Flags.HasAll(tcp.FlagFIN | tcp.FlagACK) {
		t.Fatalf("shutdown tick emitted %s, want FIN|ACK", seg.Flags)
	}
	if seg.SEQ != iss+1 {
		t.Fatalf("FIN seq = %d, want %d", seg.SEQ, iss+1)
	}

	lastAck := tcp.Segment{SEQ: 1002, ACK: iss + 2, WND: 8192, Flags: tcp.FlagACK}
	ep.lp.processPacket(peer.datagram(t, lastAck, nil, false))
	if ep.tbl.Established() != 0 {
		t.Fatalf("established = %d, want 0 after final ACK", ep.tbl.Established())
	}
}

func TestIPv6Handshake(t *testing.T) {
	ep := newEndpoint(t)
	peer := newPeer(t)
	_, err := Bind(epAddr6, ep.tbl, nil)
	if err != nil {
		t.Fatal(err)
	}

	syn := tcp.Segment{SEQ: 5000, WND: 8192, Flags: tcp.FlagSYN}
	ep.lp.processPacket(peer.datagram(t, syn, nil, true))
	seg, _ := ep.lastSegment(t)
	if !seg.Flags.HasAll(tcp.FlagSYN|tcp.FlagACK) || seg.ACK != 5001 {
		t.Fatalf("IPv6 SYN|ACK = %+v", seg)
	}
	if ep.tbl.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", ep.tbl.Pending())
	}
}

func TestUnboundPortDropped(t *testing.T) {
	ep := newEndpoint(t)
	peer := newPeer(t)
	syn := tcp.Segment{SEQ: 1000, WND: 8192, Flags: tcp.FlagSYN}
	ep.lp.processPacket(peer.datagram(t, syn, nil, false))
	if sent := ep.port.takeSent(); len(sent) != 0 {
		t.Fatalf("segment to unbound port must be dropped, got %d replies", len(sent))
	}
}

func TestMixedFamilyTupleRejected(t *testing.T) {
	_, err := NewTuple(epAddr4, peerAddr6)
	if err == nil {
		t.Fatal("mixed-family tuple must be rejected")
	}
}

// TestLoopRun exercises the poll/recv cycle end to end on the in-memory
// port: handshake and echo through Run, then a port error terminates it.
func TestLoopRun(t *testing.T) {
	ep := newEndpoint(t)
	peer := newPeer(t)
	listener, err := Bind(epAddr4, ep.tbl, nil)
	if err != nil {
		t.Fatal(err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- ep.lp.Run() }()

	streamCh := make(chan *Stream, 1)
	go func() {
		stream, _, _ := listener.Accept()
		streamCh <- stream
	}()

	syn := tcp.Segment{SEQ: 1000, WND: 8192, Flags: tcp.FlagSYN}
	ep.port.queue(peer.datagram(t, syn, nil, false))

	var stream *Stream
	select {
	case stream = <-streamCh:
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not unblock while loop running")
	}

	// Wait for the SYN|ACK, extract the ISS, complete the handshake and
	// exchange a payload through the running loop.
	iss := waitForSegment(t, ep, func(seg tcp.Segment) bool {
		return seg.Flags.HasAll(tcp.FlagSYN | tcp.FlagACK)
	}).SEQ
	ep.port.queue(peer.datagram(t, tcp.Segment{SEQ: 1001, ACK: iss + 1, WND: 8192, Flags: tcp.FlagACK}, nil, false))

	data := tcp.Segment{SEQ: 1001, ACK: iss + 1, WND: 8192, Flags: tcp.FlagPSH | tcp.FlagACK, DATALEN: 4}
	ep.port.queue(peer.datagram(t, data, []byte("ping"), false))

	buf := make([]byte, 16)
	n, err := stream.Read(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("read through running loop = %q, %v", buf[:n], err)
	}

	stream.Write([]byte("pong"))
	waitForSegment(t, ep, func(seg tcp.Segment) bool { return seg.DATALEN == 4 })

	ep.port.Close()
	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("Run must surface the port error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not terminate on port error")
	}
}

// waitForSegment polls the endpoint's sent datagrams until one matches.
func waitForSegment(t *testing.T, ep *endpoint, match func(tcp.Segment) bool) tcp.Segment {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, pkt := range ep.port.takeSent() {
			var tcpBytes []byte
			switch pkt[0] >> 4 {
			case 4:
				ifrm, err := ipv4.NewFrame(pkt)
				if err != nil {
					continue
				}
				tcpBytes = ifrm.Payload()
			case 6:
				tcpBytes = pkt[40:]
			}
			tfrm, err := tcp.NewFrame(tcpBytes)
			if err != nil {
				continue
			}
			seg := tfrm.Segment(len(tfrm.Payload()))
			if match(seg) {
				return seg
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("expected segment did not appear on the wire")
	return tcp.Segment{}
}
