package backend

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sarchlab/xrt/backend/codecache"
	"github.com/sarchlab/xrt/fault"
)

// BreakpointHandler is told when execution reaches an installed breakpoint.
// It returns true if it dealt with the exception, normally after moving
// execution on.
type BreakpointHandler func(bp *Breakpoint, ex *fault.Exception) bool

type patch struct {
	host     uintptr
	original []byte
}

// Breakpoint stops execution at a guest address in translated code.
type Breakpoint struct {
	GuestAddress uint32

	patches []patch
	// global breakpoints follow newly translated functions.
	global bool
}

// NewBreakpoint creates a breakpoint at guest.
func NewBreakpoint(guest uint32) *Breakpoint {
	return &Breakpoint{GuestAddress: guest}
}

// HostAddresses returns the patched host sites.
func (bp *Breakpoint) HostAddresses() []uintptr {
	return lo.Map(bp.patches, func(p patch, _ int) uintptr { return p.host })
}

// Installed reports whether the breakpoint has at least one patched site.
func (bp *Breakpoint) Installed() bool {
	return len(bp.patches) > 0
}

// InstallBreakpoint patches every translated function covering the
// breakpoint's address, and any translated later.
func (b *Backend) InstallBreakpoint(bp *Breakpoint) error {
	b.bpMu.Lock()
	defer b.bpMu.Unlock()

	if bp.global {
		return errors.Newf("breakpoint at %#x is already installed", bp.GuestAddress)
	}

	for _, fn := range b.codeCache.FunctionsContaining(bp.GuestAddress) {
		if err := b.patchFunction(bp, fn); err != nil {
			b.restore(bp)
			return err
		}
	}

	bp.global = true
	b.breakpoints = append(b.breakpoints, bp)
	return nil
}

// InstallBreakpointInFunction patches only fn.
func (b *Backend) InstallBreakpointInFunction(bp *Breakpoint, fn *codecache.Function) error {
	b.bpMu.Lock()
	defer b.bpMu.Unlock()

	if !fn.ContainsGuest(bp.GuestAddress) {
		return errors.Newf("function %#x does not cover %#x", fn.GuestAddress, bp.GuestAddress)
	}
	return b.patchFunction(bp, fn)
}

// UninstallBreakpoint restores the original code at every site.
func (b *Backend) UninstallBreakpoint(bp *Breakpoint) error {
	b.bpMu.Lock()
	defer b.bpMu.Unlock()

	err := b.restore(bp)
	bp.global = false
	b.breakpoints = lo.Without(b.breakpoints, bp)
	return err
}

// Breakpoints returns the globally installed breakpoints.
func (b *Backend) Breakpoints() []*Breakpoint {
	b.bpMu.Lock()
	defer b.bpMu.Unlock()
	return append([]*Breakpoint(nil), b.breakpoints...)
}

func (b *Backend) patchFunction(bp *Breakpoint, fn *codecache.Function) error {
	for _, host := range fn.HostAddressesForGuest(bp.GuestAddress) {
		if _, ok := b.patched[host]; ok {
			continue
		}
		original, err := b.codeCache.PatchCode(host, ud2)
		if err != nil {
			return errors.Wrapf(err, "failed to patch breakpoint at %#x", host)
		}
		bp.patches = append(bp.patches, patch{host: host, original: original})
		b.patched[host] = bp
		Logger().Debug("breakpoint patched",
			zap.Uint32("guest", bp.GuestAddress), zap.Uintptr("host", host))
	}
	return nil
}

func (b *Backend) restore(bp *Breakpoint) error {
	var errs error
	for i := len(bp.patches) - 1; i >= 0; i-- {
		p := bp.patches[i]
		if _, err := b.codeCache.PatchCode(p.host, p.original); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		delete(b.patched, p.host)
	}
	bp.patches = nil
	return errs
}

// applyBreakpoints patches global breakpoints into a newly placed function.
func (b *Backend) applyBreakpoints(fn *codecache.Function) {
	b.bpMu.Lock()
	defer b.bpMu.Unlock()

	for _, bp := range b.breakpoints {
		if !fn.ContainsGuest(bp.GuestAddress) {
			continue
		}
		if err := b.patchFunction(bp, fn); err != nil {
			Logger().Warn("failed to apply breakpoint to new function",
				zap.Uint32("guest", bp.GuestAddress), zap.Error(err))
		}
	}
}

func (b *Backend) breakpointAt(host uintptr) *Breakpoint {
	b.bpMu.Lock()
	defer b.bpMu.Unlock()
	return b.patched[host]
}
