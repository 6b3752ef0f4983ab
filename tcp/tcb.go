package tcp

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/rs/xid"

	rfc793 "github.com/sappChak/mini-rfc793"
	"github.com/sappChak/mini-rfc793/internal"
	"github.com/sappChak/mini-rfc793/metrics"
)

const (
	// DefaultBufferSize is the capacity of the transmit and receive byte
	// queues of a connection unless overridden at creation.
	DefaultBufferSize = 4096

	// TimeWaitDuration is how long a connection lingers in TimeWait before
	// its state is released (2*MSL).
	TimeWaitDuration = 60 * time.Second
)

// SegmentSender writes one outbound TCP segment for the connection
// identified by (local, remote) as a single IP datagram. Implementations
// perform IP encapsulation, checksumming and the TUN write; they must not
// block indefinitely.
type SegmentSender interface {
	SendSegment(local, remote netip.AddrPort, seg Segment, payload []byte) error
}

// TCB is the Transmission Control Block of a single connection as per
// RFC 793 section 3.2: connection identity, state machine, sequence spaces,
// byte queues and retransmission timers.
//
// A TCB carries no synchronization of its own. Every method must be called
// with the owning connection table's lock held; the packet loop and the
// socket facade coordinate through that single lock.
type TCB struct {
	logger

	id    xid.ID
	role  Role
	state State

	local  netip.AddrPort
	remote netip.AddrPort // zero until a SYN is received on a passive connection.

	snd sendSpace
	rcv recvSpace

	// txq buffers application data awaiting transmission and in-flight
	// unacknowledged data: the byte at offset k corresponds to sequence
	// snd.UNA+k. rxq buffers in-order received data not yet read out.
	txq internal.Ring
	rxq internal.Ring

	timers TimerManager
	rto    time.Duration

	finPending bool  // FIN queued for the next tick.
	finSent    bool  // FIN transmitted, occupies sequence finSeq.
	finSeq     Value // sequence number of our FIN once sent.

	timeWaitAt time.Time // instant of entry into TimeWait.

	scratch [rfc793.MTU]byte // staging area for retransmissions and data carving.
}

// sendSpace contains Send Sequence Space data as per RFC 793 section 3.2.
type sendSpace struct {
	ISS Value // initial send sequence number, chosen at connection start.
	UNA Value // oldest unacknowledged sequence number.
	NXT Value // next sequence number to be sent.
	WND Size  // send window defined by remote.
	WL1 Value // segment sequence number used for last window update.
	WL2 Value // segment acknowledgment number used for last window update.
}

// recvSpace contains Receive Sequence Space data.
type recvSpace struct {
	IRS Value // initial receive sequence number, defined by remote in its SYN.
	NXT Value // next sequence number expected from remote.
	WND Size  // receive window: free space of the receive queue.
}

// NewListener creates a TCB bound to local in the Listen state. bufsize
// selects the transmit/receive queue capacity of accepted children;
// zero selects [DefaultBufferSize].
func NewListener(local netip.AddrPort, bufsize int, log *slog.Logger) *TCB {
	if bufsize <= 0 {
		bufsize = DefaultBufferSize
	}
	t := &TCB{
		id:    xid.New(),
		role:  RolePassive,
		state: StateListen,
		local: local,
		rto:   DefaultRTO,
	}
	t.logger.log = log
	t.txq.Buf = make([]byte, bufsize)
	t.rxq.Buf = make([]byte, bufsize)
	t.rcv.WND = Size(bufsize)
	return t
}

// ID returns the unique identifier assigned to this connection for log correlation.
func (t *TCB) ID() xid.ID { return t.id }

// State returns the current state of the connection state machine.
func (t *TCB) State() State { return t.state }

// Role reports whether the connection was opened passively or actively.
func (t *TCB) Role() Role { return t.role }

// Local returns the local endpoint of the connection.
func (t *TCB) Local() netip.AddrPort { return t.local }

// Remote returns the remote endpoint, the zero value before a SYN is received.
func (t *TCB) Remote() netip.AddrPort { return t.remote }

// RTO returns the current retransmission timeout.
func (t *TCB) RTO() time.Duration { return t.rto }

// SendVars returns the send-space snapshot (ISS, UNA, NXT, WND).
func (t *TCB) SendVars() (iss, una, nxt Value, wnd Size) {
	return t.snd.ISS, t.snd.UNA, t.snd.NXT, t.snd.WND
}

// RecvVars returns the receive-space snapshot (IRS, NXT, WND).
func (t *TCB) RecvVars() (irs, nxt Value, wnd Size) {
	return t.rcv.IRS, t.rcv.NXT, t.rcv.WND
}

func (t *TCB) setState(next State) {
	if next == t.state {
		return
	}
	t.info("tcb:statechange",
		slog.String("conn", t.id.String()),
		slog.String("old", t.state.String()),
		slog.String("new", next.String()))
	t.state = next
}

// TryEstablish processes a segment addressed to this listener for which no
// half-open or established connection exists. A valid connection request
// (SYN, no RST, no ACK) yields a child TCB in SynRcvd state after replying
// SYN|ACK; anything else is answered per RFC 793 Listen-state rules and
// yields no child.
func (t *TCB) TryEstablish(seg Segment, local, remote netip.AddrPort, iss Value, out SegmentSender) (*TCB, error) {
	if t.state != StateListen {
		return nil, errConnNotExist
	}
	// An incoming RST should be ignored in Listen state.
	if seg.Flags.HasAny(FlagRST) {
		return nil, nil
	}
	// Any acknowledgment is bad if it arrives on a connection still in
	// the Listen state: <SEQ=SEG.ACK><CTL=RST>.
	if seg.Flags.HasAny(FlagACK) {
		metrics.ResetsSent.Inc()
		return nil, out.SendSegment(local, remote, Segment{SEQ: seg.ACK, Flags: FlagRST}, nil)
	}
	if !seg.Flags.HasAny(FlagSYN) {
		return nil, nil // Security and precedence checks are skipped.
	}

	child := &TCB{
		id:     xid.New(),
		role:   RolePassive,
		state:  StateSynRcvd,
		local:  local,
		remote: remote,
		rto:    DefaultRTO,
	}
	child.logger = t.logger
	child.txq.Buf = make([]byte, len(t.txq.Buf))
	child.rxq.Buf = make([]byte, len(t.rxq.Buf))

	child.rcv = recvSpace{
		IRS: seg.SEQ,
		NXT: Add(seg.SEQ, 1),
		WND: Size(child.rxq.Size()),
	}
	child.snd = sendSpace{
		ISS: iss,
		UNA: iss,
		NXT: Add(iss, 1),
		WND: seg.WND,
		WL1: seg.SEQ,
		WL2: 0,
	}

	child.info("tcb:syn-rcvd",
		slog.String("conn", child.id.String()),
		slog.String("remote", remote.String()),
		slog.Uint64("irs", uint64(seg.SEQ)),
		slog.Uint64("iss", uint64(iss)))

	synAck := Segment{
		SEQ:   iss,
		ACK:   child.rcv.NXT,
		WND:   child.rcv.WND,
		Flags: synack,
	}
	err := out.SendSegment(local, remote, synAck, nil)
	if err != nil {
		return nil, err
	}
	return child, nil
}

// OnSegment processes one inbound segment for this connection following the
// order of RFC 793 section 3.9 "SEGMENT ARRIVES". notifyRead is invoked
// whenever the receive queue gains data or the connection reaches a
// half-closed or terminal state a blocked reader must observe.
//
// A returned [ErrConnectionReset], [ErrConnectionRefused] or [ErrFinished]
// means the TCB is dead and must be removed from its table.
func (t *TCB) OnSegment(now time.Time, seg Segment, payload []byte, out SegmentSender, notifyRead func()) error {
	t.traceSeg("tcb:rcv", seg)

	switch t.state {
	case StateSynSent:
		return t.rcvSynSent(seg, out)
	case StateClosed:
		return t.rcvClosed(seg, out)
	case StateListen:
		// Listener TCBs receive segments through TryEstablish.
		return nil
	}

	// First: sequence number acceptability check (RFC 793 3.9, step 1).
	if !t.isAcceptable(seg) {
		metrics.SegmentsDropped.WithLabelValues("unacceptable").Inc()
		t.traceRcv("tcb:rcv.unacceptable")
		if !seg.Flags.HasAny(FlagRST) {
			return t.sendAck(out)
		}
		return nil
	}

	// Second: RST bit.
	if seg.Flags.HasAny(FlagRST) {
		metrics.ResetsReceived.Inc()
		return t.handleRST(notifyRead)
	}

	// Fourth: a SYN in the window is an error; reset the connection.
	if seg.Flags.HasAny(FlagSYN) {
		t.warn("tcb:syn-in-window", slog.String("conn", t.id.String()))
		t.sendRST(out, t.snd.NXT)
		return t.abort(notifyRead)
	}

	// Fifth: segments without ACK are dropped beyond this point.
	if !seg.Flags.HasAny(FlagACK) {
		return nil
	}

	if t.state == StateSynRcvd {
		if t.snd.UNA.LessThan(seg.ACK) && seg.ACK.LessThanEq(t.snd.NXT) {
			t.setState(StateEstablished)
			t.info("tcb:accepted", slog.String("conn", t.id.String()), slog.String("remote", t.remote.String()))
		} else {
			metrics.ResetsSent.Inc()
			return t.sendRST(out, seg.ACK)
		}
	}

	err := t.processAck(now, seg, out)
	if err != nil {
		if err == errDropSegment {
			return nil
		}
		return err
	}
	if t.state == StateClosed {
		// Final ACK of our FIN in LastAck: connection is done.
		if notifyRead != nil {
			notifyRead()
		}
		return ErrFinished
	}

	// Seventh: segment text.
	if len(payload) > 0 {
		t.processPayload(seg, payload, out, notifyRead)
	}

	// Eighth: FIN bit.
	if seg.Flags.HasAny(FlagFIN) {
		t.processFIN(now, seg, out, notifyRead)
	}
	return nil
}

// isAcceptable implements the four-case sequence acceptance test of
// RFC 793 section 3.3 using serial arithmetic.
func (t *TCB) isAcceptable(seg Segment) bool {
	seglen := seg.LEN()
	wnd := t.rcv.WND
	switch {
	case seglen == 0 && wnd == 0:
		return seg.SEQ == t.rcv.NXT
	case seglen == 0:
		return seg.SEQ.InWindow(t.rcv.NXT, wnd)
	case wnd == 0:
		return false
	}
	return seg.SEQ.InWindow(t.rcv.NXT, wnd) || seg.Last().InWindow(t.rcv.NXT, wnd)
}

// handleRST implements RFC 793 RST processing for all synchronized and
// half-synchronized states.
func (t *TCB) handleRST(notifyRead func()) error {
	if t.state == StateSynRcvd && t.role == RolePassive {
		// Return quietly to Listen; the enclosing table discards the
		// half-open entry on its own schedule.
		t.setState(StateListen)
		return nil
	}
	return t.abort(notifyRead)
}

// abort flushes the transmit queue, moves to Closed and surfaces a
// connection reset to blocked readers and writers.
func (t *TCB) abort(notifyRead func()) error {
	t.txq.Reset()
	t.timers.Reset()
	t.finPending = false
	t.setState(StateClosed)
	if notifyRead != nil {
		notifyRead()
	}
	return ErrConnectionReset
}

// processAck implements step 5 of SEGMENT ARRIVES for synchronized states.
// Returns errDropSegment when the remainder of the segment must be ignored.
func (t *TCB) processAck(now time.Time, seg Segment, out SegmentSender) error {
	switch {
	case seg.ACK.LessThanEq(t.snd.UNA):
		// Duplicate ACK; ignore the acknowledgment but keep processing.
	case t.snd.NXT.LessThan(seg.ACK):
		// ACK of data not yet sent: reply with an ACK, drop the segment.
		t.traceSeg("tcb:rcv.ack-unsent", seg)
		t.sendAck(out)
		return errDropSegment
	default:
		acked := Sizeof(t.snd.UNA, seg.ACK)
		t.snd.UNA = seg.ACK
		// acked counts SYN/FIN octets which occupy no queue space.
		n := int(acked)
		if b := t.txq.Buffered(); n > b {
			n = b
		}
		if n > 0 {
			t.txq.ReadDiscard(n)
		}
		if t.timers.CancelByAck(seg.ACK) {
			t.rto = DefaultRTO
		}
		t.traceSnd("tcb:rcv.ack")

		finAcked := t.finSent && seg.ACK == t.snd.NXT
		switch t.state {
		case StateFinWait1:
			if finAcked {
				t.setState(StateFinWait2)
			}
		case StateClosing:
			if finAcked {
				t.enterTimeWait(now)
			}
		case StateLastAck:
			if finAcked {
				t.setState(StateClosed)
			}
		}
	}

	// Send window update as per RFC 793: only when
	// SND.WL1 < SEG.SEQ or (SND.WL1 = SEG.SEQ and SND.WL2 =< SEG.ACK).
	if t.snd.WL1.LessThan(seg.SEQ) || (t.snd.WL1 == seg.SEQ && t.snd.WL2.LessThanEq(seg.ACK)) {
		t.snd.WND = seg.WND
		t.snd.WL1 = seg.SEQ
		t.snd.WL2 = seg.ACK
	}
	return nil
}

// processPayload delivers in-order segment text to the receive queue.
func (t *TCB) processPayload(seg Segment, payload []byte, out SegmentSender, notifyRead func()) {
	switch t.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return // This should not occur since a FIN has been received from the remote side.
	}
	if seg.SEQ != t.rcv.NXT {
		// In-window but not the next expected octet. Out-of-order text
		// is not queued; acknowledge what we have and drop.
		metrics.SegmentsDropped.WithLabelValues("out-of-order").Inc()
		t.sendAck(out)
		return
	}
	if len(payload) > t.rxq.Free() {
		// Peer ignored our advertised window.
		metrics.SegmentsDropped.WithLabelValues("rx-full").Inc()
		t.sendAck(out)
		return
	}
	n, err := t.rxq.Write(payload)
	if err != nil {
		t.logerr("tcb:rx-overrun", slog.String("conn", t.id.String()), slog.String("err", errstr(err)))
		return
	}
	t.rcv.NXT = Add(t.rcv.NXT, Size(n))
	t.rcv.WND = Size(t.rxq.Free())
	t.traceRcv("tcb:rcv.data")
	t.sendAck(out)
	if notifyRead != nil {
		notifyRead()
	}
}

// processFIN implements step 8 of SEGMENT ARRIVES.
func (t *TCB) processFIN(now time.Time, seg Segment, out SegmentSender, notifyRead func()) {
	switch t.state {
	case StateSynRcvd, StateEstablished:
		t.setState(StateCloseWait)
	case StateFinWait1:
		if t.finSent && seg.ACK == t.snd.NXT && seg.Flags.HasAny(FlagACK) {
			// Our FIN was acknowledged in this very segment.
			t.enterTimeWait(now)
		} else {
			t.setState(StateClosing)
		}
	case StateFinWait2:
		t.enterTimeWait(now)
	case StateTimeWait:
		// Retransmitted remote FIN; acknowledge and restart the 2MSL wait.
		t.timeWaitAt = now
		t.sendAck(out)
		return
	default:
		return
	}
	t.rcv.NXT = Add(t.rcv.NXT, 1)
	t.sendAck(out)
	if notifyRead != nil {
		notifyRead()
	}
}

func (t *TCB) enterTimeWait(now time.Time) {
	t.timeWaitAt = now
	t.timers.Reset()
	t.setState(StateTimeWait)
}

// TimeWaitExpired reports whether the 2MSL linger of a TimeWait connection
// has elapsed and its state may be released.
func (t *TCB) TimeWaitExpired(now time.Time) bool {
	return t.state == StateTimeWait && now.Sub(t.timeWaitAt) >= TimeWaitDuration
}

// rcvClosed answers segments addressed to a connection that does not exist.
func (t *TCB) rcvClosed(seg Segment, out SegmentSender) error {
	if seg.Flags.HasAny(FlagRST) {
		return nil
	}
	metrics.ResetsSent.Inc()
	if seg.Flags.HasAny(FlagACK) {
		return t.sendRST(out, seg.ACK)
	}
	// <SEQ=0><ACK=SEG.SEQ+SEG.LEN><CTL=RST,ACK>
	rst := Segment{
		SEQ:   0,
		ACK:   Add(seg.SEQ, seg.LEN()),
		Flags: FlagRST | FlagACK,
	}
	return out.SendSegment(t.local, t.remote, rst, nil)
}

// rcvSynSent implements SYN-SENT processing of RFC 793 section 3.9. It is
// specified for completeness of the state machine; the passive flows driven
// by the listener facade never enter it.
func (t *TCB) rcvSynSent(seg Segment, out SegmentSender) error {
	hasAck := seg.Flags.HasAny(FlagACK)
	if hasAck {
		if seg.ACK.LessThanEq(t.snd.ISS) || t.snd.NXT.LessThan(seg.ACK) {
			if seg.Flags.HasAny(FlagRST) {
				return nil
			}
			metrics.ResetsSent.Inc()
			return t.sendRST(out, seg.ACK)
		}
	}
	if seg.Flags.HasAny(FlagRST) {
		if hasAck {
			t.abort(nil)
			return ErrConnectionRefused
		}
		return nil
	}
	if !seg.Flags.HasAny(FlagSYN) {
		return nil
	}
	t.rcv.IRS = seg.SEQ
	t.rcv.NXT = Add(seg.SEQ, 1)
	if hasAck {
		t.snd.UNA = seg.ACK
		if t.timers.CancelByAck(seg.ACK) {
			t.rto = DefaultRTO
		}
	}
	t.snd.WND = seg.WND
	t.snd.WL1 = seg.SEQ
	t.snd.WL2 = seg.ACK
	if t.snd.ISS.LessThan(t.snd.UNA) {
		t.setState(StateEstablished)
		return t.sendAck(out)
	}
	// Simultaneous open: our SYN has not been acknowledged.
	t.setState(StateSynRcvd)
	syn := Segment{SEQ: t.snd.ISS, ACK: t.rcv.NXT, WND: t.rcv.WND, Flags: synack}
	return out.SendSegment(t.local, t.remote, syn, nil)
}

// sendAck emits <SEQ=SND.NXT><ACK=RCV.NXT><CTL=ACK> carrying the current
// receive window.
func (t *TCB) sendAck(out SegmentSender) error {
	ack := Segment{
		SEQ:   t.snd.NXT,
		ACK:   t.rcv.NXT,
		WND:   t.rcv.WND,
		Flags: FlagACK,
	}
	return out.SendSegment(t.local, t.remote, ack, nil)
}

// sendRST emits <SEQ=seq><CTL=RST> with a zero window and no acknowledgment.
func (t *TCB) sendRST(out SegmentSender, seq Value) error {
	rst := Segment{SEQ: seq, Flags: FlagRST}
	return out.SendSegment(t.local, t.remote, rst, nil)
}

// OnTick drives the transmit side of the connection. If a retransmission
// timer has expired, that one segment is resent and nothing else happens on
// this tick; otherwise new data permitted by the usable send window is sent,
// then a queued FIN. Called by the packet loop every poll timeout.
func (t *TCB) OnTick(now time.Time, out SegmentSender) error {
	// Retransmission takes priority over new data.
	if seq, entry, ok := t.timers.PopExpired(now); ok {
		return t.retransmit(now, seq, entry, out)
	}

	inflight := Sizeof(t.snd.UNA, t.snd.NXT)
	unsent := t.txq.Buffered() - int(inflight)
	if unsent > 0 && inflight < t.snd.WND && t.canSendData() {
		err := t.sendData(now, inflight, unsent, out)
		if err != nil {
			return err
		}
	}

	if t.finPending && (t.state == StateLastAck || t.state == StateFinWait1) {
		return t.sendFIN(now, out)
	}
	return nil
}

func (t *TCB) canSendData() bool {
	return t.state == StateEstablished || t.state == StateCloseWait
}

// maxPayload returns the maximum segment payload that fits in one datagram.
func (t *TCB) maxPayload() int {
	ipHeader := 20
	if t.local.Addr().Is6() && !t.local.Addr().Is4In6() {
		ipHeader = 40
	}
	return rfc793.MTU - ipHeader - sizeHeaderTCP
}

// sendData carves segments from the unsent portion of the transmit queue up
// to the usable window and records a retransmission timer for each.
func (t *TCB) sendData(now time.Time, inflight Size, unsent int, out SegmentSender) error {
	usable := int(t.snd.WND - inflight)
	offset := int(inflight)
	for unsent > 0 && usable > 0 {
		n := unsent
		if n > usable {
			n = usable
		}
		if mp := t.maxPayload(); n > mp {
			n = mp
		}
		buf := t.scratch[:n]
		_, err := t.txq.ReadAt(buf, int64(offset))
		if err != nil {
			return err
		}
		seg := Segment{
			SEQ:     t.snd.NXT,
			ACK:     t.rcv.NXT,
			WND:     t.rcv.WND,
			Flags:   pshack,
			DATALEN: Size(n),
		}
		t.traceSeg("tcb:snd.data", seg)
		err = out.SendSegment(t.local, t.remote, seg, buf)
		if err != nil {
			return err
		}
		t.timers.Start(t.snd.NXT, pshack, n, now.Add(t.rto))
		t.snd.NXT = Add(t.snd.NXT, Size(n))
		offset += n
		unsent -= n
		usable -= n
	}
	return nil
}

// retransmit rebuilds the segment recorded by a fired timer from the
// transmit queue and resends it, doubling the retransmission timeout.
func (t *TCB) retransmit(now time.Time, seq Value, entry RTOEntry, out SegmentSender) error {
	var buf []byte
	if entry.PayloadLen > 0 {
		offset := Sizeof(t.snd.UNA, seq)
		buf = t.scratch[:entry.PayloadLen]
		_, err := t.txq.ReadAt(buf, int64(offset))
		if err != nil {
			return err
		}
	}
	seg := Segment{
		SEQ:     seq,
		ACK:     t.rcv.NXT,
		WND:     t.rcv.WND,
		Flags:   entry.Flags | FlagPSH,
		DATALEN: Size(entry.PayloadLen),
	}
	t.debug("tcb:retransmit",
		slog.String("conn", t.id.String()),
		slog.Uint64("seq", uint64(seq)),
		slog.Int("len", entry.PayloadLen),
		slog.Duration("rto", t.rto))
	metrics.Retransmissions.Inc()
	err := out.SendSegment(t.local, t.remote, seg, buf)
	if err != nil {
		return err
	}
	t.rto *= 2
	t.timers.Start(seq, entry.Flags, entry.PayloadLen, now.Add(t.rto))
	return nil
}

// sendFIN emits <SEQ=SND.NXT><ACK=RCV.NXT><CTL=FIN,ACK> and arms its
// retransmission timer.
func (t *TCB) sendFIN(now time.Time, out SegmentSender) error {
	fin := Segment{
		SEQ:   t.snd.NXT,
		ACK:   t.rcv.NXT,
		WND:   t.rcv.WND,
		Flags: finack,
	}
	t.traceSeg("tcb:snd.fin", fin)
	err := out.SendSegment(t.local, t.remote, fin, nil)
	if err != nil {
		return err
	}
	t.timers.Start(t.snd.NXT, finack, 0, now.Add(t.rto))
	t.finSeq = t.snd.NXT
	t.snd.NXT = Add(t.snd.NXT, 1)
	t.finPending = false
	t.finSent = true
	return nil
}

// Write appends application data to the transmit queue up to its free
// capacity and returns the number of bytes accepted; a full queue accepts
// zero bytes. Transmission happens on the next tick.
func (t *TCB) Write(b []byte) (int, error) {
	switch t.state {
	case StateEstablished, StateCloseWait, StateSynRcvd:
	default:
		return 0, nil
	}
	free := t.txq.Free()
	if free == 0 || len(b) == 0 {
		return 0, nil
	}
	if len(b) > free {
		b = b[:free]
	}
	return t.txq.Write(b)
}

// Read drains up to len(b) bytes of in-order received data, growing the
// advertised receive window by the amount drained.
func (t *TCB) Read(b []byte) (int, error) {
	if t.rxq.Buffered() == 0 {
		return 0, nil
	}
	n, err := t.rxq.Read(b)
	if n > 0 {
		t.rcv.WND = Size(t.rxq.Free())
	}
	return n, err
}

// RxBuffered returns the number of received bytes ready for reading.
func (t *TCB) RxBuffered() int { return t.rxq.Buffered() }

// TxBuffered returns the number of bytes in the transmit queue, including
// in-flight unacknowledged data.
func (t *TCB) TxBuffered() int { return t.txq.Buffered() }

// ReadClosed reports whether a reader that finds no buffered data should
// observe end-of-file: the remote sent its FIN or the connection is gone.
func (t *TCB) ReadClosed() bool {
	switch t.state {
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait, StateClosed:
		return true
	}
	return false
}

// Shutdown closes the local sending side. In CloseWait the connection moves
// to LastAck and the next tick emits FIN|ACK; in any other state Shutdown is
// a no-op as the facade only closes after the remote has.
func (t *TCB) Shutdown() {
	if t.state == StateCloseWait {
		t.setState(StateLastAck)
		t.finPending = true
	}
}

// Close initiates a full close from any data-bearing state, queueing a FIN
// where the state machine requires one.
func (t *TCB) Close() error {
	switch t.state {
	case StateClosed:
		return errConnNotExist
	case StateListen, StateSynSent:
		t.setState(StateClosed)
	case StateSynRcvd, StateEstablished:
		t.setState(StateFinWait1)
		t.finPending = true
	case StateCloseWait:
		t.setState(StateLastAck)
		t.finPending = true
	default:
		return errConnectionClose
	}
	return nil
}
