package backend

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// CreateGuestTrampoline allocates a guest address that, when called from
// guest code, runs proc with the two user values. Long-term trampolines are
// expected to live for the whole process.
func (b *Backend) CreateGuestTrampoline(proc GuestTrampolineProc, userData1, userData2 any, longTerm bool) (uint32, error) {
	guest, err := b.trampolines.Allocate(b.trampolines.SlotSize(), longTerm)
	if err != nil {
		if errors.Is(err, ErrTrampolinesExhausted) {
			Logger().Warn("guest trampolines exhausted",
				zap.Int("slots", b.trampolines.Slots()), zap.Bool("long_term", longTerm))
		}
		return 0, err
	}
	slot, _ := b.trampolines.SlotIndex(guest)

	code, err := emitTrampolineStub(slot, guest, b.routines.TrampolineDispatch, b.thunks.GuestToHost)
	if err == nil {
		_, err = b.codeCache.PatchCode(b.trampolineStub(slot), code)
	}
	if err == nil {
		err = b.codeCache.AddIndirection(guest, b.trampolineStub(slot))
	}
	if err != nil {
		_ = b.trampolines.Free(guest)
		return 0, errors.Wrapf(err, "failed to install trampoline at %#x", guest)
	}

	b.trampolineEntries[slot].Store(&trampolineEntry{
		proc:      proc,
		userData1: userData1,
		userData2: userData2,
		guest:     guest,
	})
	return guest, nil
}

// FreeGuestTrampoline releases a trampoline. Freeing an address that is not a
// live trampoline is logged and reported as ErrTrampolineNotAllocated.
func (b *Backend) FreeGuestTrampoline(guest uint32) error {
	slot, ok := b.trampolines.SlotIndex(guest)
	if !ok || !b.trampolines.IsAllocated(guest) {
		Logger().Error("freeing unallocated guest trampoline", zap.Uint32("guest", guest))
		return errors.Wrapf(ErrTrampolineNotAllocated, "address %#x", guest)
	}

	b.trampolineEntries[slot].Store(nil)
	if err := b.codeCache.AddIndirection(guest, b.thunks.ResolveFunction); err != nil {
		return err
	}
	return b.trampolines.Free(guest)
}

// InvokeGuestTrampoline runs the procedure behind the trampoline at guest on
// the thread's guest context. This is what the dispatcher reached from the
// emitted stub does.
func (b *Backend) InvokeGuestTrampoline(t *Thread, guest uint32) error {
	slot, ok := b.trampolines.SlotIndex(guest)
	if !ok {
		return errors.Wrapf(ErrTrampolineNotAllocated, "address %#x", guest)
	}
	entry := b.trampolineEntries[slot].Load()
	if entry == nil {
		return errors.Wrapf(ErrTrampolineNotAllocated, "address %#x", guest)
	}
	entry.proc(t.Guest(), entry.userData1, entry.userData2)
	return nil
}

// TrampolineStubAddress returns the host stub behind a live trampoline.
func (b *Backend) TrampolineStubAddress(guest uint32) (uintptr, bool) {
	slot, ok := b.trampolines.SlotIndex(guest)
	if !ok || b.trampolineEntries[slot].Load() == nil {
		return 0, false
	}
	return b.trampolineStub(slot), true
}

func (b *Backend) trampolineStub(slot int) uintptr {
	return b.trampolineStubs + uintptr(slot)*trampolineStubSize
}
