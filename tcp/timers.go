package tcp

import (
	"container/heap"
	"time"
)

// DefaultRTO is the retransmission timeout a connection starts with. Each
// expiry doubles the timeout; an acknowledgment that cancels a timer resets
// it back to DefaultRTO.
const DefaultRTO = 200 * time.Millisecond

// RTOEntry describes one in-flight segment awaiting acknowledgment, keyed in
// the [TimerManager] by the sequence number of its first octet. Flags and
// PayloadLen carry enough to rebuild the segment from the transmit buffer.
type RTOEntry struct {
	ExpiresAt  time.Time
	Flags      Flags
	PayloadLen int
}

type heapEntry struct {
	expiresAt time.Time
	seq       Value
}

type timerHeap []heapEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(heapEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TimerManager tracks retransmission timers for in-flight segments of one
// connection. The map indexes entries by starting sequence number; the heap
// orders the same entries by expiry so the earliest expiration is found
// without scanning. Cancelled entries linger in the heap and are skipped
// lazily on pop.
type TimerManager struct {
	heap   timerHeap
	timers map[Value]RTOEntry
}

// Start records a retransmission timer for the segment whose first octet is
// seq. Restarting an existing key replaces the previous entry.
func (tm *TimerManager) Start(seq Value, flags Flags, payloadLen int, expiresAt time.Time) {
	if tm.timers == nil {
		tm.timers = make(map[Value]RTOEntry)
	}
	tm.timers[seq] = RTOEntry{ExpiresAt: expiresAt, Flags: flags, PayloadLen: payloadLen}
	heap.Push(&tm.heap, heapEntry{expiresAt: expiresAt, seq: seq})
}

// Cancel removes the timer keyed by seq, reporting whether it existed.
func (tm *TimerManager) Cancel(seq Value) bool {
	_, ok := tm.timers[seq]
	if ok {
		delete(tm.timers, seq)
	}
	return ok
}

// CancelByAck removes every timer whose key is less-equal than ack in serial
// order and reports whether any timer was cancelled. Callers reset their RTO
// to [DefaultRTO] when CancelByAck returns true.
func (tm *TimerManager) CancelByAck(ack Value) (cancelled bool) {
	for seq := range tm.timers {
		if seq.LessThanEq(ack) {
			delete(tm.timers, seq)
			cancelled = true
		}
	}
	return cancelled
}

// PopExpired returns at most one timer whose expiry is at or before now,
// chosen by earliest expiry. The returned timer is removed; callers are
// expected to retransmit and re-arm with a doubled timeout.
func (tm *TimerManager) PopExpired(now time.Time) (Value, RTOEntry, bool) {
	for tm.heap.Len() > 0 {
		top := tm.heap[0]
		if top.expiresAt.After(now) {
			break
		}
		heap.Pop(&tm.heap)
		entry, ok := tm.timers[top.seq]
		if !ok || !entry.ExpiresAt.Equal(top.expiresAt) {
			continue // cancelled or re-armed, skip stale heap entry
		}
		delete(tm.timers, top.seq)
		return top.seq, entry, true
	}
	return 0, RTOEntry{}, false
}

// Pending returns the number of armed timers.
func (tm *TimerManager) Pending() int { return len(tm.timers) }

// NextExpiry returns the earliest armed expiry and true, or a zero time and
// false when no timer is armed.
func (tm *TimerManager) NextExpiry() (time.Time, bool) {
	var earliest time.Time
	var ok bool
	for _, entry := range tm.timers {
		if !ok || entry.ExpiresAt.Before(earliest) {
			earliest = entry.ExpiresAt
			ok = true
		}
	}
	return earliest, ok
}

// Reset drops all armed timers.
func (tm *TimerManager) Reset() {
	tm.heap = tm.heap[:0]
	for seq := range tm.timers {
		delete(tm.timers, seq)
	}
}
