package backend

import (
	"math/bits"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// TrampolineAllocator hands out guest addresses from a fixed range, in units
// of one slot. Occupancy is a bitmap changed only with atomic operations;
// an allocation claims its slots one by one and rolls back on conflict, so a
// failed allocation leaves the bitmap as it found it. Exhaustion is only
// reported after a scan during which no other allocation rolled back and
// nothing was freed.
//
// Long-term allocations are placed from the top of the range down and
// transient ones from the bottom up, which keeps short-lived churn away from
// stubs that live for the whole process.
type TrampolineAllocator struct {
	base     uint32
	end      uint32
	slotSize uint32
	slots    int

	used []atomic.Uint64
	// runs holds the slot count of each live allocation at its first slot.
	runs []atomic.Uint32
	// released counts rollbacks and frees.
	released atomic.Uint64
}

// NewTrampolineAllocator creates an allocator over [base, end) with the given
// slot size.
func NewTrampolineAllocator(base, end, slotSize uint32) *TrampolineAllocator {
	slots := int((end - base) / slotSize)
	return &TrampolineAllocator{
		base:     base,
		end:      end,
		slotSize: slotSize,
		slots:    slots,
		used:     make([]atomic.Uint64, (slots+63)/64),
		runs:     make([]atomic.Uint32, slots),
	}
}

// Base returns the first address of the range.
func (a *TrampolineAllocator) Base() uint32 { return a.base }

// End returns the address one past the range.
func (a *TrampolineAllocator) End() uint32 { return a.end }

// SlotSize returns the allocation granule in bytes.
func (a *TrampolineAllocator) SlotSize() uint32 { return a.slotSize }

// Slots returns the number of slots in the range.
func (a *TrampolineAllocator) Slots() int { return a.slots }

// Contains reports whether addr lies in the trampoline range.
func (a *TrampolineAllocator) Contains(addr uint32) bool {
	return addr >= a.base && addr < a.end
}

// SlotIndex returns the slot index of addr, which must be slot aligned.
func (a *TrampolineAllocator) SlotIndex(addr uint32) (int, bool) {
	if !a.Contains(addr) || (addr-a.base)%a.slotSize != 0 {
		return 0, false
	}
	return int((addr - a.base) / a.slotSize), true
}

// AddressOf returns the guest address of slot i.
func (a *TrampolineAllocator) AddressOf(i int) uint32 {
	return a.base + uint32(i)*a.slotSize
}

func (a *TrampolineAllocator) isSet(i int) bool {
	return a.used[i>>6].Load()&(1<<(i&63)) != 0
}

// trySet sets bit i and reports whether it was clear before.
func (a *TrampolineAllocator) trySet(i int) bool {
	mask := uint64(1) << (i & 63)
	return a.used[i>>6].Or(mask)&mask == 0
}

func (a *TrampolineAllocator) clear(i int) {
	a.used[i>>6].And(^(uint64(1) << (i & 63)))
}

// claim tries to take slots [start, start+n). On conflict it releases what
// it took and returns the index of the busy slot, and whether any slot had
// to be rolled back.
func (a *TrampolineAllocator) claim(start, n int) (busy int, rolledBack, ok bool) {
	for i := start; i < start+n; i++ {
		if a.isSet(i) || !a.trySet(i) {
			for j := start; j < i; j++ {
				a.clear(j)
			}
			if i > start {
				a.released.Add(1)
			}
			return i, i > start, false
		}
	}
	return 0, false, true
}

// Allocate reserves at least length bytes and returns the guest address of
// the first byte. It fails with ErrTrampolinesExhausted when no run of free
// slots is long enough.
func (a *TrampolineAllocator) Allocate(length uint32, longTerm bool) (uint32, error) {
	n := int((length + a.slotSize - 1) / a.slotSize)
	if n == 0 {
		n = 1
	}

	for n <= a.slots {
		seen := a.released.Load()
		start, ownRollbacks, ok := a.scan(n, longTerm)
		if ok {
			return a.commit(start, n), nil
		}
		if a.released.Load()-seen == ownRollbacks {
			break
		}
	}

	return 0, errors.Wrapf(ErrTrampolinesExhausted,
		"no run of %d free slots in [%#x, %#x)", n, a.base, a.end)
}

// scan makes one pass over the bitmap looking for n free slots in a row.
func (a *TrampolineAllocator) scan(n int, longTerm bool) (start int, rollbacks uint64, ok bool) {
	claimAt := func(start int) (int, bool) {
		busy, rolledBack, ok := a.claim(start, n)
		if rolledBack {
			rollbacks++
		}
		return busy, ok
	}

	if longTerm {
		for start := a.slots - n; start >= 0; start-- {
			busy, ok := claimAt(start)
			if ok {
				return start, rollbacks, true
			}
			start = min(start, busy-n+1)
		}
		return 0, rollbacks, false
	}

	for start := 0; start+n <= a.slots; start++ {
		busy, ok := claimAt(start)
		if ok {
			return start, rollbacks, true
		}
		start = max(start, busy)
	}
	return 0, rollbacks, false
}

func (a *TrampolineAllocator) commit(start, n int) uint32 {
	a.runs[start].Store(uint32(n))
	return a.AddressOf(start)
}

// Free releases the allocation starting at addr. Freeing an address that is
// not the start of a live allocation fails with ErrTrampolineNotAllocated and
// changes nothing.
func (a *TrampolineAllocator) Free(addr uint32) error {
	slot, ok := a.SlotIndex(addr)
	if !ok {
		return errors.Wrapf(ErrTrampolineNotAllocated, "address %#x", addr)
	}

	n := int(a.runs[slot].Swap(0))
	if n == 0 {
		return errors.Wrapf(ErrTrampolineNotAllocated, "address %#x", addr)
	}

	for i := slot; i < slot+n; i++ {
		a.clear(i)
	}
	a.released.Add(1)
	return nil
}

// IsAllocated reports whether addr is the start of a live allocation.
func (a *TrampolineAllocator) IsAllocated(addr uint32) bool {
	slot, ok := a.SlotIndex(addr)
	return ok && a.runs[slot].Load() != 0
}

// InUse returns the number of occupied slots.
func (a *TrampolineAllocator) InUse() int {
	count := 0
	for i := range a.used {
		count += bits.OnesCount64(a.used[i].Load())
	}
	return count
}
