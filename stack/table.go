package stack

import (
	"sync"

	"github.com/sappChak/mini-rfc793/metrics"
	"github.com/sappChak/mini-rfc793/tcp"
)

// Table is the connection table shared between the packet loop and
// application goroutines. One coarse mutex guards all three indexes and
// every TCB they contain; the TCBs carry no synchronization of their own.
//
// Two condition variables coordinate blocking facade calls with the packet
// loop: pendingCond is signalled whenever a TCB enters or leaves the pending
// queue, readCond whenever any receive queue gains data or a connection
// reaches a state a blocked reader must observe.
type Table struct {
	mu          sync.Mutex
	pendingCond *sync.Cond
	readCond    *sync.Cond

	// bound indexes listeners by local port. A port admits one listener.
	bound map[uint16]*tcp.TCB
	// pending holds half-open connections in arrival order: SYN received
	// and SYN|ACK sent, final ACK possibly still outstanding.
	pending []*tcp.TCB
	// established indexes fully open, half-open and closing connections
	// by their 4-tuple.
	established map[Tuple]*tcp.TCB
}

// NewTable returns an empty connection table.
func NewTable() *Table {
	tbl := &Table{
		bound:       make(map[uint16]*tcp.TCB),
		established: make(map[Tuple]*tcp.TCB),
	}
	tbl.pendingCond = sync.NewCond(&tbl.mu)
	tbl.readCond = sync.NewCond(&tbl.mu)
	return tbl
}

// notifyRead wakes all goroutines blocked on readable state. Callers hold tbl.mu.
func (tbl *Table) notifyRead() {
	tbl.readCond.Broadcast()
}

// bindLocked inserts a listener, failing when the port is taken. Callers hold tbl.mu.
func (tbl *Table) bindLocked(port uint16, tcb *tcp.TCB) error {
	if _, ok := tbl.bound[port]; ok {
		return ErrAddrInUse
	}
	tbl.bound[port] = tcb
	return nil
}

// findPendingLocked locates a half-open TCB by tuple. Callers hold tbl.mu.
func (tbl *Table) findPendingLocked(tuple Tuple) *tcp.TCB {
	for _, tcb := range tbl.pending {
		if tcb.Local() == tuple.Local && tcb.Remote() == tuple.Remote {
			return tcb
		}
	}
	return nil
}

// pushPendingLocked appends a freshly half-opened TCB and wakes acceptors.
// Callers hold tbl.mu.
func (tbl *Table) pushPendingLocked(tcb *tcp.TCB) {
	tbl.pending = append(tbl.pending, tcb)
	metrics.PendingConnections.Set(float64(len(tbl.pending)))
	tbl.pendingCond.Broadcast()
}

// removePendingLocked drops a TCB from the pending queue if present.
// Callers hold tbl.mu.
func (tbl *Table) removePendingLocked(tcb *tcp.TCB) {
	for i, cur := range tbl.pending {
		if cur == tcb {
			tbl.pending = append(tbl.pending[:i], tbl.pending[i+1:]...)
			metrics.PendingConnections.Set(float64(len(tbl.pending)))
			return
		}
	}
}

// removeEstablishedLocked drops a dead connection and wakes blocked readers.
// Callers hold tbl.mu.
func (tbl *Table) removeEstablishedLocked(tuple Tuple) {
	if _, ok := tbl.established[tuple]; !ok {
		return
	}
	delete(tbl.established, tuple)
	metrics.EstablishedConnections.Set(float64(len(tbl.established)))
	tbl.notifyRead()
}

// Established returns the number of connections in the established index.
func (tbl *Table) Established() int {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.established)
}

// Pending returns the number of half-open connections awaiting accept.
func (tbl *Table) Pending() int {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return len(tbl.pending)
}
