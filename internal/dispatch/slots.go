package dispatch

import "sync/atomic"

// SlotTable holds one pending-frame slot per channel (1-based).
//
// Contract:
//   - The scheduler is the only writer of Empty -> Pending (SetPending).
//   - The worker owning index i is the only caller of Take(i) and Claim(i).
//   - Distinct indices never contend; each slot is a single atomic pointer.
//   - A Claim stays in flight until Done, so the table is not Idle while the
//     last frame is still on its way to the device.
//
// Reset must not run concurrently with any other method.
type SlotTable struct {
	slots    []atomic.Pointer[Pending]
	pending  atomic.Int64
	inflight atomic.Int64

	// quiet receives a token whenever the table becomes Idle.
	quiet chan struct{}
}

func NewSlotTable(n int) *SlotTable {
	t := &SlotTable{quiet: make(chan struct{}, 1)}
	t.Reset(n)
	return t
}

// Reset allocates n empty slots.
func (t *SlotTable) Reset(n int) {
	if n < 0 {
		n = 0
	}
	t.slots = make([]atomic.Pointer[Pending], n)
	t.pending.Store(0)
	t.inflight.Store(0)
	t.drainQuiet()
}

func (t *SlotTable) Len() int { return len(t.slots) }

// SetPending assigns p to slot i and returns the frame it replaced, if any.
// An out-of-range i assigns nothing and returns nil.
// The count is raised before the swap so it never under-reports.
func (t *SlotTable) SetPending(i int, p *Pending) (replaced *Pending) {
	if i < 1 || i > len(t.slots) || p == nil {
		return nil
	}
	t.pending.Add(1)
	old := t.slots[i-1].Swap(p)
	if old != nil {
		t.pending.Add(-1)
	}
	return old
}

// Take atomically reads and clears slot i.
func (t *SlotTable) Take(i int) (*Pending, bool) {
	if i < 1 || i > len(t.slots) {
		return nil, false
	}
	old := t.slots[i-1].Swap(nil)
	if old == nil {
		return nil, false
	}
	t.pending.Add(-1)
	t.notifyIfIdle()
	return old, true
}

// Claim is Take for a frame about to be written: the table stays busy until
// the matching Done, even though slot i is already empty.
func (t *SlotTable) Claim(i int) (*Pending, bool) {
	if i < 1 || i > len(t.slots) {
		return nil, false
	}
	// Counted before the swap so an emptied slot is never seen with nothing in flight.
	t.inflight.Add(1)
	old := t.slots[i-1].Swap(nil)
	if old == nil {
		t.inflight.Add(-1)
		t.notifyIfIdle()
		return nil, false
	}
	t.pending.Add(-1)
	return old, true
}

// Done ends a Claim once its write has finished or failed.
func (t *SlotTable) Done() {
	t.inflight.Add(-1)
	t.notifyIfIdle()
}

// InFlight counts claimed frames whose write has not finished.
func (t *SlotTable) InFlight() int { return int(t.inflight.Load()) }

// Idle reports no pending slot and no write in flight.
func (t *SlotTable) Idle() bool {
	return t.inflight.Load() <= 0 && t.AllEmpty()
}

func (t *SlotTable) notifyIfIdle() {
	if t.pending.Load() > 0 || t.inflight.Load() > 0 {
		return
	}
	select {
	case t.quiet <- struct{}{}:
	default:
	}
}

// Peek reports whether slot i is pending without clearing it.
func (t *SlotTable) Peek(i int) bool {
	if i < 1 || i > len(t.slots) {
		return false
	}
	return t.slots[i-1].Load() != nil
}

// AllEmpty scans every slot.
func (t *SlotTable) AllEmpty() bool {
	for i := range t.slots {
		if t.slots[i].Load() != nil {
			return false
		}
	}
	return true
}

// PendingCount counts occupied slots.
func (t *SlotTable) PendingCount() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].Load() != nil {
			n++
		}
	}
	return n
}

// Quiet is signalled when the table may have become Idle; callers recheck Idle.
func (t *SlotTable) Quiet() <-chan struct{} { return t.quiet }

func (t *SlotTable) drainQuiet() {
	select {
	case <-t.quiet:
	default:
	}
}
