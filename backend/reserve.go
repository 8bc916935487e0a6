package backend

import (
	"sync/atomic"

	"github.com/sarchlab/xrt/emu"
)

const (
	// ReserveBlockShift is log2 of the reservation block size (64 KiB).
	ReserveBlockShift = 16
	// ReserveNumEntries is the number of blocks covering the 32-bit guest
	// address space.
	ReserveNumEntries = (1 << 32) >> ReserveBlockShift
)

// ReserveHelper tracks which guest memory blocks hold an active reservation,
// one bit per block. Bits are only ever changed with atomic read-modify-write
// operations, so any number of threads may reserve, store-conditional and
// store at once.
//
// Tracking is per block, not per byte: a store anywhere in the block breaks
// every reservation on it. That may fail a store-conditional spuriously but
// never lets one succeed after an intervening write.
type ReserveHelper struct {
	blocks [ReserveNumEntries / 64]atomic.Uint64
}

// NewReserveHelper creates an empty reservation bitmap.
func NewReserveHelper() *ReserveHelper {
	return &ReserveHelper{}
}

// ReserveLocation returns the byte offset of the bitmap word and the bit
// index within it for the block containing addr.
func ReserveLocation(addr uint32) (offset uint64, bit uint32) {
	block := addr >> ReserveBlockShift
	return uint64(block>>6) * 8, block & 63
}

func (h *ReserveHelper) word(offset uint64) *atomic.Uint64 {
	return &h.blocks[offset/8]
}

// IsReserved reports whether the block containing addr is reserved.
func (h *ReserveHelper) IsReserved(addr uint32) bool {
	offset, bit := ReserveLocation(addr)
	return h.word(offset).Load()&(1<<bit) != 0
}

func (h *ReserveHelper) acquire(offset uint64, bit uint32) {
	h.word(offset).Or(1 << bit)
}

// release clears the bit and reports whether it was set.
func (h *ReserveHelper) release(offset uint64, bit uint32) bool {
	mask := uint64(1) << bit
	return h.word(offset).And(^mask)&mask != 0
}

// InvalidateStore clears the reservation bits of every block touched by an
// ordinary store of size bytes at addr, including blocks at the bottom of the
// address space when the store wraps. It implements emu.StoreObserver and
// runs before the store is visible.
func (h *ReserveHelper) InvalidateStore(addr uint32, size uint32) {
	if size == 0 {
		return
	}
	end := uint64(addr) + uint64(size)
	if end > 1<<32 {
		h.invalidateBlocks(uint64(addr)>>ReserveBlockShift, ReserveNumEntries-1)
		h.invalidateBlocks(0, (end-1-(1<<32))>>ReserveBlockShift)
		return
	}
	h.invalidateBlocks(uint64(addr)>>ReserveBlockShift, (end-1)>>ReserveBlockShift)
}

func (h *ReserveHelper) invalidateBlocks(first, last uint64) {
	for block := first; block <= last; block++ {
		w := &h.blocks[block>>6]
		mask := uint64(1) << (block & 63)
		if w.Load()&mask != 0 {
			w.And(^mask)
		}
	}
}

// Reserve32 performs a word load-and-reserve for the thread owning ctx: the
// block bit is set before the value is read, and the value, word offset and
// bit are cached in ctx for the matching store-conditional.
func (h *ReserveHelper) Reserve32(ctx *ThreadContext, mem *emu.Memory, addr uint32) uint32 {
	offset, bit := ReserveLocation(addr)
	h.acquire(offset, bit)
	value := mem.Read32(addr)
	ctx.remember(uint64(value), offset, bit)
	return value
}

// Reserve64 is the doubleword form of Reserve32.
func (h *ReserveHelper) Reserve64(ctx *ThreadContext, mem *emu.Memory, addr uint32) uint64 {
	offset, bit := ReserveLocation(addr)
	h.acquire(offset, bit)
	value := mem.Read64(addr)
	ctx.remember(value, offset, bit)
	return value
}

// StoreConditional32 stores value at addr only if ctx still holds a
// reservation on the block containing addr and no store has touched that
// block since. The reservation is consumed whatever the outcome. Failure
// leaves memory untouched.
func (h *ReserveHelper) StoreConditional32(ctx *ThreadContext, mem *emu.Memory, addr uint32, value uint32) bool {
	if !ctx.consume(addr) {
		return false
	}
	offset, bit := ReserveLocation(addr)
	if !h.release(offset, bit) {
		return false
	}
	return mem.CompareAndSwap32(addr, uint32(ctx.cachedReserveValue), value)
}

// StoreConditional64 is the doubleword form of StoreConditional32.
func (h *ReserveHelper) StoreConditional64(ctx *ThreadContext, mem *emu.Memory, addr uint32, value uint64) bool {
	if !ctx.consume(addr) {
		return false
	}
	offset, bit := ReserveLocation(addr)
	if !h.release(offset, bit) {
		return false
	}
	return mem.CompareAndSwap64(addr, ctx.cachedReserveValue, value)
}

func (c *ThreadContext) remember(value, offset uint64, bit uint32) {
	c.cachedReserveValue = value
	c.cachedReserveOffset = offset
	c.cachedReserveBit = bit
	c.flags |= flagHasReserve
}

// consume drops the thread's reservation and reports whether it covered
// addr's block.
func (c *ThreadContext) consume(addr uint32) bool {
	if c.flags&flagHasReserve == 0 {
		return false
	}
	c.flags &^= flagHasReserve
	offset, bit := ReserveLocation(addr)
	return offset == c.cachedReserveOffset && bit == c.cachedReserveBit
}
