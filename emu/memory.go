// Package emu provides the guest side of the translation runtime: guest
// memory, the guest register block, and reference load/store semantics.
package emu

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

const (
	// PageShift is log2 of the guest page granularity used for backing
	// storage. It matches the reservation block size so a block never spans
	// two backing pages.
	PageShift = 16
	// PageSize is the size in bytes of one backing page.
	PageSize = 1 << PageShift

	numPages = 1 << (32 - PageShift)
)

// StoreObserver is notified of every ordinary (non-conditional) store into
// guest memory before the stored bytes become visible to other threads. The
// reservation emulator uses it to invalidate reservations. A store that runs
// past 0xFFFFFFFF wraps to address 0 and is reported with its full size.
type StoreObserver interface {
	InvalidateStore(addr uint32, size uint32)
}

// page is word-backed so every naturally aligned 4- and 8-byte location can be
// accessed atomically.
type page struct {
	words [PageSize / 8]uint64
}

func (p *page) bytes() *[PageSize]byte {
	return (*[PageSize]byte)(unsafe.Pointer(&p.words))
}

func (p *page) word32(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&p.bytes()[off&^3]))
}

func (p *page) word64(off uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(&p.bytes()[off&^7]))
}

// Memory is the 32-bit guest address space. Values are stored big-endian, as
// the guest sees them. Pages are allocated on first write; reads of untouched
// pages return zero. All aligned accesses are atomic, so Memory may be shared
// by any number of guest threads.
//
// Lane extraction assumes a little-endian host.
type Memory struct {
	pages    [numPages]atomic.Pointer[page]
	observer StoreObserver
}

// NewMemory creates an empty guest address space.
func NewMemory() *Memory {
	return &Memory{}
}

// SetStoreObserver installs the observer notified on ordinary stores. It must
// be called before guest threads start.
func (m *Memory) SetStoreObserver(o StoreObserver) {
	m.observer = o
}

func (m *Memory) lookup(addr uint32) *page {
	return m.pages[addr>>PageShift].Load()
}

func (m *Memory) ensure(addr uint32) *page {
	slot := &m.pages[addr>>PageShift]
	if p := slot.Load(); p != nil {
		return p
	}
	fresh := new(page)
	if slot.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return slot.Load()
}

func (m *Memory) notify(addr, size uint32) {
	if m.observer != nil {
		m.observer.InvalidateStore(addr, size)
	}
}

// Read8 reads one byte.
func (m *Memory) Read8(addr uint32) uint8 {
	p := m.lookup(addr)
	if p == nil {
		return 0
	}
	off := addr & (PageSize - 1)
	w := atomic.LoadUint32(p.word32(off))
	return uint8(w >> ((off & 3) * 8))
}

// Read16 reads a big-endian halfword.
func (m *Memory) Read16(addr uint32) uint16 {
	if addr&1 != 0 {
		return uint16(m.Read8(addr))<<8 | uint16(m.Read8(addr+1))
	}
	p := m.lookup(addr)
	if p == nil {
		return 0
	}
	off := addr & (PageSize - 1)
	w := atomic.LoadUint32(p.word32(off))
	lo := uint16(w >> ((off & 3) * 8))
	return bits.ReverseBytes16(lo)
}

// Read32 reads a big-endian word.
func (m *Memory) Read32(addr uint32) uint32 {
	if addr&3 != 0 {
		return uint32(m.Read16(addr))<<16 | uint32(m.Read16(addr+2))
	}
	p := m.lookup(addr)
	if p == nil {
		return 0
	}
	return bits.ReverseBytes32(atomic.LoadUint32(p.word32(addr & (PageSize - 1))))
}

// Read64 reads a big-endian doubleword.
func (m *Memory) Read64(addr uint32) uint64 {
	if addr&7 != 0 {
		return uint64(m.Read32(addr))<<32 | uint64(m.Read32(addr+4))
	}
	p := m.lookup(addr)
	if p == nil {
		return 0
	}
	return bits.ReverseBytes64(atomic.LoadUint64(p.word64(addr & (PageSize - 1))))
}

func (m *Memory) storeLane(addr uint32, value, mask uint32) {
	p := m.ensure(addr)
	ptr := p.word32(addr & (PageSize - 1))
	for {
		old := atomic.LoadUint32(ptr)
		if atomic.CompareAndSwapUint32(ptr, old, old&^mask|value&mask) {
			return
		}
	}
}

func (m *Memory) write8(addr uint32, value uint8) {
	shift := (addr & 3) * 8
	m.storeLane(addr, uint32(value)<<shift, 0xFF<<shift)
}

func (m *Memory) write16(addr uint32, value uint16) {
	if addr&1 != 0 {
		m.write8(addr, uint8(value>>8))
		m.write8(addr+1, uint8(value))
		return
	}
	shift := (addr & 3) * 8
	m.storeLane(addr, uint32(bits.ReverseBytes16(value))<<shift, 0xFFFF<<shift)
}

func (m *Memory) write32(addr uint32, value uint32) {
	if addr&3 != 0 {
		m.write16(addr, uint16(value>>16))
		m.write16(addr+2, uint16(value))
		return
	}
	p := m.ensure(addr)
	atomic.StoreUint32(p.word32(addr&(PageSize-1)), bits.ReverseBytes32(value))
}

func (m *Memory) write64(addr uint32, value uint64) {
	if addr&7 != 0 {
		m.write32(addr, uint32(value>>32))
		m.write32(addr+4, uint32(value))
		return
	}
	p := m.ensure(addr)
	atomic.StoreUint64(p.word64(addr&(PageSize-1)), bits.ReverseBytes64(value))
}

// Write8 stores one byte and invalidates any reservation on its block.
func (m *Memory) Write8(addr uint32, value uint8) {
	m.notify(addr, 1)
	m.write8(addr, value)
}

// Write16 stores a big-endian halfword.
func (m *Memory) Write16(addr uint32, value uint16) {
	m.notify(addr, 2)
	m.write16(addr, value)
}

// Write32 stores a big-endian word.
func (m *Memory) Write32(addr uint32, value uint32) {
	m.notify(addr, 4)
	m.write32(addr, value)
}

// Write64 stores a big-endian doubleword.
func (m *Memory) Write64(addr uint32, value uint64) {
	m.notify(addr, 8)
	m.write64(addr, value)
}

// CompareAndSwap32 atomically replaces the word at addr with newValue if it
// still holds old. It is the store half of a store-conditional and does not
// notify the store observer. Unaligned addresses always fail.
func (m *Memory) CompareAndSwap32(addr uint32, old, newValue uint32) bool {
	if addr&3 != 0 {
		return false
	}
	p := m.ensure(addr)
	return atomic.CompareAndSwapUint32(p.word32(addr&(PageSize-1)),
		bits.ReverseBytes32(old), bits.ReverseBytes32(newValue))
}

// CompareAndSwap64 is the doubleword form of CompareAndSwap32.
func (m *Memory) CompareAndSwap64(addr uint32, old, newValue uint64) bool {
	if addr&7 != 0 {
		return false
	}
	p := m.ensure(addr)
	return atomic.CompareAndSwapUint64(p.word64(addr&(PageSize-1)),
		bits.ReverseBytes64(old), bits.ReverseBytes64(newValue))
}

// WriteBytes copies data into guest memory starting at addr.
func (m *Memory) WriteBytes(addr uint32, data []byte) {
	if len(data) > 0 {
		m.notify(addr, uint32(len(data)))
	}
	for i, b := range data {
		m.write8(addr+uint32(i), b)
	}
}

// ReadBytes copies n bytes of guest memory starting at addr.
func (m *Memory) ReadBytes(addr uint32, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.Read8(addr + uint32(i))
	}
	return out
}

// Zero clears size bytes starting at addr.
func (m *Memory) Zero(addr uint32, size uint32) {
	if size > 0 {
		m.notify(addr, size)
	}
	for i := uint32(0); i < size; i++ {
		m.write8(addr+i, 0)
	}
}
