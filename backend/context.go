// Package backend implements the x86-64 host runtime for translated guest
// code: the per-thread context block, reservations, guest trampolines, stack
// correlation, rounding-mode switching, thunks and fault handling.
package backend

import (
	"sync/atomic"
	"unsafe"

	"github.com/sarchlab/xrt/emu"
)

// ContextLayoutVersion identifies the field order of ThreadContext. Code
// generators must refuse to run against a different version.
const ContextLayoutVersion = 1

// Byte offsets of ThreadContext fields. These are the contract with the code
// generator; layout_test.go checks them against the compiled struct.
const (
	OffsetHelperScratch          = 0
	OffsetReserveHelper          = 64
	OffsetCachedReserveValue     = 72
	OffsetGuestTickCount         = 80
	OffsetStackpoints            = 88
	OffsetCachedReserveOffset    = 96
	OffsetCachedReserveBit       = 104
	OffsetCurrentStackpointDepth = 108
	OffsetMXCSRFPU               = 112
	OffsetMXCSRVMX               = 116
	OffsetFlags                  = 120
	OffsetOx1000                 = 124
	OffsetMaxStackpoints         = 128

	// ThreadContextSize is the size of ThreadContext. The guest register
	// block starts exactly this many bytes after the context.
	ThreadContextSize = 136
)

// Bit numbers inside the flags word.
const (
	FlagBitMXCSRMode     = 0 // set when the vector control word is loaded
	FlagBitHasReserve    = 1
	FlagBitNonJavaMode   = 2
	FlagBitNonIEEEMode   = 3
	flagMXCSRMode        = 1 << FlagBitMXCSRMode
	flagHasReserve       = 1 << FlagBitHasReserve
	flagNonJavaMode      = 1 << FlagBitNonJavaMode
	flagNonIEEEMode      = 1 << FlagBitNonIEEEMode
	helperScratchVectors = 4
)

// Stackpoint correlates a host stack position with guest stack state. It is
// padded to 16 bytes so HostStack never straddles a cache line.
type Stackpoint struct {
	HostStack          uint64
	GuestStack         uint32
	GuestReturnAddress uint32
}

// ThreadContext is the per-thread block placed immediately before the guest
// register block. Generated code reaches it at negative offsets from the
// context register; see GuestRelativeOffset.
type ThreadContext struct {
	helperScratch          [helperScratchVectors * 2]uint64
	reserveHelper          *ReserveHelper
	cachedReserveValue     uint64
	guestTickCount         *uint64
	stackpoints            *Stackpoint
	cachedReserveOffset    uint64
	cachedReserveBit       uint32
	currentStackpointDepth uint32
	mxcsrFPU               uint32
	mxcsrVMX               uint32
	flags                  uint32
	// ox1000 always holds 0x1000 so emitted adds of that constant can use a
	// short memory operand.
	ox1000         uint32
	maxStackpoints uint32
	_              uint32
}

// GuestRelativeOffset converts a ThreadContext offset into the displacement
// from the start of the guest register block.
func GuestRelativeOffset(offset int) int32 {
	return int32(offset) - ThreadContextSize
}

// threadBlock fixes the adjacency of the context and the guest block.
type threadBlock struct {
	ctx   ThreadContext
	guest emu.GuestContext
}

// BackendContextForGuestContext returns the context block placed before
// guest. guest must belong to a Thread created by this package.
func BackendContextForGuestContext(guest *emu.GuestContext) *ThreadContext {
	return (*ThreadContext)(unsafe.Add(unsafe.Pointer(guest), -ThreadContextSize))
}

// GuestContext returns the guest register block following c.
func (c *ThreadContext) GuestContext() *emu.GuestContext {
	return (*emu.GuestContext)(unsafe.Add(unsafe.Pointer(c), ThreadContextSize))
}

// ScratchU64 views the helper scratch area as 64-bit lanes.
func (c *ThreadContext) ScratchU64() *[helperScratchVectors * 2]uint64 {
	return &c.helperScratch
}

// ScratchU32 views the helper scratch area as 32-bit lanes.
func (c *ThreadContext) ScratchU32() *[helperScratchVectors * 4]uint32 {
	return (*[helperScratchVectors * 4]uint32)(unsafe.Pointer(&c.helperScratch))
}

// ScratchVector views scratch vector register i as 16 bytes.
func (c *ThreadContext) ScratchVector(i int) *[16]byte {
	return (*[16]byte)(unsafe.Pointer(&c.helperScratch[i*2]))
}

// ReserveHelper returns the shared reservation bitmap.
func (c *ThreadContext) ReserveHelper() *ReserveHelper {
	return c.reserveHelper
}

// HasReservation reports whether this thread holds a reservation.
func (c *ThreadContext) HasReservation() bool {
	return c.flags&flagHasReserve != 0
}

// NonJavaMode reports whether the software float routines run in non-Java
// (denormal flushing) mode.
func (c *ThreadContext) NonJavaMode() bool {
	return c.flags&flagNonJavaMode != 0
}

// NonIEEEMode reports whether the scalar unit is in non-IEEE mode.
func (c *ThreadContext) NonIEEEMode() bool {
	return c.flags&flagNonIEEEMode != 0
}

// StackpointDepth returns the current stack correlation depth.
func (c *ThreadContext) StackpointDepth() uint32 {
	return c.currentStackpointDepth
}

// GuestTickCount reads the shared guest clock the context references.
func (c *ThreadContext) GuestTickCount() uint64 {
	if c.guestTickCount == nil {
		return 0
	}
	return atomic.LoadUint64(c.guestTickCount)
}

// Ox1000 returns the short-operand constant.
func (c *ThreadContext) Ox1000() uint32 {
	return c.ox1000
}

func (c *ThreadContext) setFlag(mask uint32, on bool) {
	if on {
		c.flags |= mask
	} else {
		c.flags &^= mask
	}
}
