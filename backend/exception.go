package backend

import (
	"sort"

	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/xrt/fault"
)

// ud2 is the two-byte undefined opcode used for breakpoints and guest traps.
var ud2 = []byte{0x0F, 0x0B}

// MMIOHandler emulates accesses that fault on memory-mapped device ranges.
type MMIOHandler interface {
	// Contains reports whether the faulting address belongs to a device.
	Contains(faultAddress uint64) bool
	// Emulate performs the access of inst on ctx. It must not advance RIP.
	Emulate(ctx *fault.HostContext, inst x86asm.Inst, faultAddress uint64, access fault.AccessType) error
}

// ExceptionCallback is the backend's host exception handler. It claims
// exceptions raised by its own code: faults on device memory are emulated
// and skipped, and ud2 at a breakpoint site is reported to the breakpoint
// handler. Everything else is declined so the next handler, and in the end
// the top-level reporter, sees it.
func (b *Backend) ExceptionCallback(ex *fault.Exception) bool {
	pc := uintptr(ex.PC())
	if !b.codeCache.Contains(pc) {
		return false
	}

	switch ex.Code {
	case fault.AccessViolation:
		return b.handleMMIO(ex)
	case fault.IllegalInstruction:
		return b.handleIllegalInstruction(ex)
	}
	return false
}

// InstallExceptionHandler registers ExceptionCallback with d.
func (b *Backend) InstallExceptionHandler(d *fault.Dispatcher) (remove func()) {
	return d.Install(b.ExceptionCallback)
}

func (b *Backend) handleMMIO(ex *fault.Exception) bool {
	if b.mmio == nil || !b.mmio.Contains(ex.FaultAddress) {
		return false
	}

	inst, err := b.decodeAt(uintptr(ex.PC()))
	if err != nil {
		Logger().Warn("undecodable instruction at device access",
			zap.Uint64("pc", ex.PC()), zap.Error(err))
		return false
	}

	if err := b.mmio.Emulate(ex.Context, inst, ex.FaultAddress, ex.Access); err != nil {
		Logger().Warn("device access emulation failed",
			zap.Uint64("pc", ex.PC()),
			zap.Uint64("address", ex.FaultAddress),
			zap.Error(err))
		return false
	}

	b.RecordMMIOExceptionForGuestInstruction(uintptr(ex.PC()))
	ex.Context.RIP += uint64(inst.Len)
	return true
}

func (b *Backend) handleIllegalInstruction(ex *fault.Exception) bool {
	pc := uintptr(ex.PC())
	code, err := b.codeCache.ReadCode(pc, len(ud2))
	if err != nil || code[0] != ud2[0] || code[1] != ud2[1] {
		return false
	}

	bp := b.breakpointAt(pc)
	if bp == nil || b.onBreakpoint == nil {
		return false
	}
	return b.onBreakpoint(bp, ex)
}

// RecordMMIOExceptionForGuestInstruction marks the guest instruction that
// produced the host instruction at host as a device access, so later
// translations can emit the access directly.
func (b *Backend) RecordMMIOExceptionForGuestInstruction(host uintptr) {
	fn := b.codeCache.LookupFunction(host)
	if fn == nil {
		return
	}
	guest, ok := fn.GuestAddressForHost(host)
	if !ok {
		return
	}
	if _, loaded := b.mmioInstructions.LoadOrStore(guest, struct{}{}); !loaded {
		Logger().Info("recorded device access",
			zap.Uint32("guest", guest), zap.Uintptr("host", host))
	}
}

// IsMMIOInstruction reports whether the guest instruction at guest was
// recorded as a device access.
func (b *Backend) IsMMIOInstruction(guest uint32) bool {
	_, ok := b.mmioInstructions.Load(guest)
	return ok
}

// MMIOInstructions returns every recorded device access, sorted.
func (b *Backend) MMIOInstructions() []uint32 {
	var out []uint32
	b.mmioInstructions.Range(func(k, _ any) bool {
		out = append(out, k.(uint32))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
