package stack

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	rfc793 "github.com/sappChak/mini-rfc793"
	"github.com/sappChak/mini-rfc793/ipv4"
	"github.com/sappChak/mini-rfc793/ipv6"
	"github.com/sappChak/mini-rfc793/metrics"
	"github.com/sappChak/mini-rfc793/tcp"
	"github.com/sappChak/mini-rfc793/tun"
)

const (
	// pollTimeoutMillis bounds how long the packet loop blocks on TUN
	// readability before driving retransmission ticks.
	pollTimeoutMillis = 10

	hopLimit = 64

	dontFragment ipv4.Flags = 0x4000
)

// Port is the raw datagram interface the packet loop drives. *tun.Device
// satisfies it; tests substitute an in-memory implementation.
type Port interface {
	// Send writes one complete IP datagram. Partial writes are errors.
	Send(b []byte) (int, error)
	// Recv reads exactly one datagram or fails with tun.ErrWouldBlock.
	Recv(b []byte) (int, error)
	// PollRead waits up to timeoutMillis for readability.
	PollRead(timeoutMillis int) (bool, error)
	Close() error
}

// Loop is the single dispatcher goroutine of the endpoint. It owns the TUN
// port, demultiplexes inbound datagrams to TCBs through the connection
// table and drives every TCB's retransmission timers on poll timeouts.
//
// Loop also implements [tcp.SegmentSender]: outbound segments are
// IP-encapsulated, checksummed and written to the port. Segment sends
// happen under the table lock, which is safe because the port is
// nonblocking.
type Loop struct {
	logger

	port Port
	tbl  *Table
	isn  *tcp.ISNGenerator

	ipid uint16

	rbuf [rfc793.MTU]byte
	wbuf [rfc793.MTU]byte
}

// NewLoop prepares a packet loop over port and tbl. Call [Loop.Run] on a
// dedicated goroutine afterwards.
func NewLoop(port Port, tbl *Table, log *slog.Logger) (*Loop, error) {
	isn, err := tcp.NewISNGenerator()
	if err != nil {
		return nil, err
	}
	lp := &Loop{port: port, tbl: tbl, isn: isn}
	lp.logger.log = log
	return lp, nil
}

// Run polls the port until an unrecoverable I/O error occurs. The table
// lock is never held while blocked on the poll.
func (lp *Loop) Run() error {
	for {
		ready, err := lp.port.PollRead(pollTimeoutMillis)
		if err != nil {
			lp.logerr("loop:poll", slog.String("err", err.Error()))
			return err
		}
		if !ready {
			lp.onTick(time.Now())
			continue
		}
		n, err := lp.port.Recv(lp.rbuf[:])
		if err != nil {
			if errors.Is(err, tun.ErrWouldBlock) {
				continue
			}
			lp.logerr("loop:recv", slog.String("err", err.Error()))
			return err
		}
		lp.processPacket(lp.rbuf[:n])
	}
}

// onTick drives retransmission and delayed transmission for every
// established connection and reaps expired TimeWait entries.
func (lp *Loop) onTick(now time.Time) {
	lp.tbl.mu.Lock()
	defer lp.tbl.mu.Unlock()
	for tuple, tcb := range lp.tbl.established {
		if tcb.TimeWaitExpired(now) {
			lp.info("loop:timewait-reap", slog.String("tuple", tuple.String()))
			lp.tbl.removeEstablishedLocked(tuple)
			continue
		}
		err := tcb.OnTick(now, lp)
		if err != nil {
			lp.warn("loop:tick", slog.String("tuple", tuple.String()), slog.String("err", err.Error()))
		}
	}
}

// processPacket parses one datagram and routes the contained segment to the
// right TCB: established connection first, then half-open, then a bound
// listener; everything else is dropped.
func (lp *Loop) processPacket(pkt []byte) {
	if len(pkt) == 0 {
		return
	}
	var (
		local, remote netip.AddrPort
		tcpBytes      []byte
		af            string
	)
	switch pkt[0] >> 4 {
	case 4:
		ifrm, err := ipv4.NewFrame(pkt)
		if err == nil {
			err = ifrm.ValidateExceptCRC()
		}
		if err != nil {
			metrics.ParseErrors.WithLabelValues("ipv4").Inc()
			lp.warn("loop:parse-ipv4", slog.String("err", err.Error()))
			return
		}
		if ifrm.Protocol() != rfc793.IPProtoTCP {
			return
		}
		af = "ipv4"
		src := netip.AddrFrom4(*ifrm.SourceAddr())
		dst := netip.AddrFrom4(*ifrm.DestinationAddr())
		tcpBytes = ifrm.Payload()
		local, remote = addrPortsOf(dst, src, tcpBytes)
	case 6:
		i6frm, err := ipv6.NewFrame(pkt)
		if err == nil {
			err = i6frm.ValidateSize()
		}
		if err != nil {
			metrics.ParseErrors.WithLabelValues("ipv6").Inc()
			lp.warn("loop:parse-ipv6", slog.String("err", err.Error()))
			return
		}
		if i6frm.NextHeader() != rfc793.IPProtoTCP {
			return
		}
		af = "ipv6"
		src := netip.AddrFrom16(*i6frm.SourceAddr())
		dst := netip.AddrFrom16(*i6frm.DestinationAddr())
		tcpBytes = i6frm.Payload()
		local, remote = addrPortsOf(dst, src, tcpBytes)
	default:
		return
	}
	metrics.DatagramsReceived.WithLabelValues(af).Inc()
	if !local.IsValid() {
		metrics.ParseErrors.WithLabelValues("tcp").Inc()
		return
	}

	tfrm, err := tcp.NewFrame(tcpBytes)
	if err == nil {
		err = tfrm.ValidateSize()
	}
	if err != nil {
		metrics.ParseErrors.WithLabelValues("tcp").Inc()
		lp.warn("loop:parse-tcp", slog.String("err", err.Error()))
		return
	}
	payload := tfrm.Payload()
	seg := tfrm.Segment(len(payload))
	tuple, err := NewTuple(local, remote)
	if err != nil {
		metrics.ParseErrors.WithLabelValues("tcp").Inc()
		return
	}

	now := time.Now()
	lp.tbl.mu.Lock()
	defer lp.tbl.mu.Unlock()

	if tcb, ok := lp.tbl.established[tuple]; ok {
		err = tcb.OnSegment(now, seg, payload, lp, lp.tbl.notifyRead)
		switch {
		case err == nil:
			if tcb.State() == tcp.StateListen {
				// RST during a not-yet-completed handshake reverted the
				// TCB to Listen; its connection entry is dead.
				lp.tbl.removeEstablishedLocked(tuple)
			}
		case errors.Is(err, tcp.ErrConnectionReset),
			errors.Is(err, tcp.ErrConnectionRefused),
			errors.Is(err, tcp.ErrFinished):
			lp.info("loop:remove-connection",
				slog.String("tuple", tuple.String()),
				slog.String("reason", err.Error()))
			lp.tbl.removeEstablishedLocked(tuple)
		default:
			lp.warn("loop:segment", slog.String("tuple", tuple.String()), slog.String("err", err.Error()))
		}
		return
	}

	if tcb := lp.tbl.findPendingLocked(tuple); tcb != nil {
		// Likely the final ACK of the three-way handshake.
		err = tcb.OnSegment(now, seg, payload, lp, lp.tbl.notifyRead)
		if err != nil || tcb.State() == tcp.StateListen || tcb.State() == tcp.StateClosed {
			lp.tbl.removePendingLocked(tcb)
		}
		lp.tbl.pendingCond.Broadcast()
		return
	}

	if listener, ok := lp.tbl.bound[tuple.Local.Port()]; ok {
		child, err := listener.TryEstablish(seg, tuple.Local, tuple.Remote, lp.isn.ISN(tuple.Local, tuple.Remote), lp)
		if err != nil {
			lp.warn("loop:establish", slog.String("tuple", tuple.String()), slog.String("err", err.Error()))
			return
		}
		if child != nil {
			lp.tbl.pushPendingLocked(child)
		}
		return
	}

	metrics.SegmentsDropped.WithLabelValues("no-listener").Inc()
	lp.trace("loop:drop", slog.String("tuple", tuple.String()))
}

// addrPortsOf forms (local, remote) address-ports from the datagram's
// destination and source addresses and the embedded TCP port fields.
// Returns zero values if the TCP header is too short to carry ports.
func addrPortsOf(dst, src netip.Addr, tcpBytes []byte) (local, remote netip.AddrPort) {
	if len(tcpBytes) < 4 {
		return netip.AddrPort{}, netip.AddrPort{}
	}
	srcPort := uint16(tcpBytes[0])<<8 | uint16(tcpBytes[1])
	dstPort := uint16(tcpBytes[2])<<8 | uint16(tcpBytes[3])
	return netip.AddrPortFrom(dst, dstPort), netip.AddrPortFrom(src, srcPort)
}

// SendSegment implements [tcp.SegmentSender]: encapsulate seg and payload
// in an IP datagram addressed from local to remote, checksum both layers
// and write the result to the port.
func (lp *Loop) SendSegment(local, remote netip.AddrPort, seg tcp.Segment, payload []byte) error {
	if local.Addr().Is4() {
		return lp.send4(local, remote, seg, payload)
	}
	return lp.send6(local, remote, seg, payload)
}

func (lp *Loop) send4(local, remote netip.AddrPort, seg tcp.Segment, payload []byte) error {
	const ipHeader = 20
	total := ipHeader + sizeHeaderTCP + len(payload)
	if total > len(lp.wbuf) {
		return rfc793.ErrShortBuffer
	}
	buf := lp.wbuf[:total]
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		return err
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(total))
	lp.ipid++
	ifrm.SetID(lp.ipid)
	ifrm.SetFlags(dontFragment)
	ifrm.SetTTL(hopLimit)
	ifrm.SetProtocol(rfc793.IPProtoTCP)
	*ifrm.SourceAddr() = local.Addr().As4()
	*ifrm.DestinationAddr() = remote.Addr().As4()
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	lp.putTCP(buf[ipHeader:], local, remote, seg, payload)
	var crc rfc793.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	tfrm, _ := tcp.NewFrame(buf[ipHeader:])
	tfrm.SetCRC(crc.PayloadSum16(buf[ipHeader:]))

	_, err = lp.port.Send(buf)
	if err == nil {
		metrics.SegmentsSent.WithLabelValues("ipv4").Inc()
	}
	return err
}

func (lp *Loop) send6(local, remote netip.AddrPort, seg tcp.Segment, payload []byte) error {
	const ipHeader = 40
	total := ipHeader + sizeHeaderTCP + len(payload)
	if total > len(lp.wbuf) {
		return rfc793.ErrShortBuffer
	}
	buf := lp.wbuf[:total]
	i6frm, err := ipv6.NewFrame(buf)
	if err != nil {
		return err
	}
	i6frm.ClearHeader()
	i6frm.SetVersionTrafficAndFlow(6, 0, 0)
	i6frm.SetPayloadLength(uint16(sizeHeaderTCP + len(payload)))
	i6frm.SetNextHeader(rfc793.IPProtoTCP)
	i6frm.SetHopLimit(hopLimit)
	*i6frm.SourceAddr() = local.Addr().As16()
	*i6frm.DestinationAddr() = remote.Addr().As16()

	lp.putTCP(buf[ipHeader:], local, remote, seg, payload)
	var crc rfc793.CRC791
	i6frm.CRCWritePseudo(&crc)
	tfrm, _ := tcp.NewFrame(buf[ipHeader:])
	tfrm.SetCRC(crc.PayloadSum16(buf[ipHeader:]))

	_, err = lp.port.Send(buf)
	if err == nil {
		metrics.SegmentsSent.WithLabelValues("ipv6").Inc()
	}
	return err
}

const sizeHeaderTCP = 20

// putTCP fills in the TCP header and payload at the start of buf.
func (lp *Loop) putTCP(buf []byte, local, remote netip.AddrPort, seg tcp.Segment, payload []byte) {
	tfrm, err := tcp.NewFrame(buf)
	if err != nil {
		panic(err) // caller sized the buffer.
	}
	tfrm.ClearHeader()
	tfrm.SetSourcePort(local.Port())
	tfrm.SetDestinationPort(remote.Port())
	tfrm.SetSegment(seg, 5)
	tfrm.SetUrgentPtr(0)
	copy(buf[sizeHeaderTCP:], payload)
}
