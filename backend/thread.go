package backend

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sarchlab/xrt/emu"
)

// Thread is one guest thread's runtime state: its context block, the guest
// registers after it, stackpoint storage and the control register it runs
// with.
type Thread struct {
	backend     *Backend
	block       *threadBlock
	stackpoints []Stackpoint
	fpcr        ControlRegister
	lsu         *emu.LoadStoreUnit
	saturated   bool
}

// ThreadOption configures a Thread.
type ThreadOption func(t *Thread)

// WithControlRegister sets the register rounding modes are loaded into.
func WithControlRegister(r ControlRegister) ThreadOption {
	return func(t *Thread) { t.fpcr = r }
}

// NewThread creates a thread with an initialized context.
func (b *Backend) NewThread(threadID uint32, opts ...ThreadOption) *Thread {
	t := &Thread{
		backend: b,
		block:   &threadBlock{},
		fpcr:    NewSoftControlRegister(),
	}
	for _, opt := range opts {
		opt(t)
	}

	if b.config.EnableHostGuestStackSynchronization {
		t.stackpoints = make([]Stackpoint, b.config.MaxStackpoints)
	}
	b.InitializeBackendContext(&t.block.ctx, t.stackpoints)
	t.fpcr.Store(t.block.ctx.ControlWord(DomainFPU))

	t.block.guest.ThreadID = threadID
	t.lsu = emu.NewLoadStoreUnit(&t.block.guest, b.memory, t)

	Logger().Debug("thread created",
		zap.Uint32("thread_id", threadID), zap.Int("stackpoints", len(t.stackpoints)))
	return t
}

// InitializeBackendContext puts ctx into its initial state with stackpoints
// as its correlation table (nil disables it).
func (b *Backend) InitializeBackendContext(ctx *ThreadContext, stackpoints []Stackpoint) {
	*ctx = ThreadContext{
		reserveHelper:  b.reserveHelper,
		guestTickCount: &b.guestTicks,
		mxcsrFPU:       DefaultFPUMXCSR,
		mxcsrVMX:       DefaultVMXMXCSR,
		flags:          flagNonJavaMode,
		ox1000:         0x1000,
	}
	if len(stackpoints) > 0 {
		ctx.stackpoints = &stackpoints[0]
		ctx.maxStackpoints = uint32(len(stackpoints))
	}
}

// DeinitializeBackendContext detaches ctx from its stackpoint storage.
func (b *Backend) DeinitializeBackendContext(ctx *ThreadContext) {
	ctx.stackpoints = nil
	ctx.maxStackpoints = 0
	ctx.currentStackpointDepth = 0
	ctx.flags &^= flagHasReserve
}

// PrepareForReentry resets the parts of ctx that must not survive a
// longjmp-style reentry into guest code: the correlation table and any
// reservation.
func (b *Backend) PrepareForReentry(ctx *ThreadContext) {
	ctx.currentStackpointDepth = 0
	ctx.flags &^= flagHasReserve
}

// Backend returns the owning backend.
func (t *Thread) Backend() *Backend { return t.backend }

// Context returns the thread's context block.
func (t *Thread) Context() *ThreadContext { return &t.block.ctx }

// Guest returns the guest register block.
func (t *Thread) Guest() *emu.GuestContext { return &t.block.guest }

// LoadStore returns the thread's guest load/store unit.
func (t *Thread) LoadStore() *emu.LoadStoreUnit { return t.lsu }

// ControlRegister returns the thread's floating-point control register.
func (t *Thread) ControlRegister() ControlRegister { return t.fpcr }

// Close releases the thread's stackpoint storage.
func (t *Thread) Close() {
	t.backend.DeinitializeBackendContext(&t.block.ctx)
	t.stackpoints = nil
}

// Reserve32 implements emu.Reserver.
func (t *Thread) Reserve32(addr uint32) uint32 {
	return t.backend.reserveHelper.Reserve32(&t.block.ctx, t.backend.memory, addr)
}

// Reserve64 implements emu.Reserver.
func (t *Thread) Reserve64(addr uint32) uint64 {
	return t.backend.reserveHelper.Reserve64(&t.block.ctx, t.backend.memory, addr)
}

// StoreConditional32 implements emu.Reserver.
func (t *Thread) StoreConditional32(addr uint32, value uint32) bool {
	return t.backend.reserveHelper.StoreConditional32(&t.block.ctx, t.backend.memory, addr, value)
}

// StoreConditional64 implements emu.Reserver.
func (t *Thread) StoreConditional64(addr uint32, value uint64) bool {
	return t.backend.reserveHelper.StoreConditional64(&t.block.ctx, t.backend.memory, addr, value)
}

// SetGuestRoundingMode applies a guest control register write to domain d
// and mirrors it into the guest registers.
func (t *Thread) SetGuestRoundingMode(d RoundingDomain, mode uint32) {
	t.block.ctx.SetRoundingMode(t.fpcr, d, mode)
	g := &t.block.guest
	if d == DomainVMX {
		g.VSCRNonJava = mode&1 != 0
		return
	}
	g.FPSCR = g.FPSCR&^(emu.FPSCRRoundingMask|emu.FPSCRNonIEEE) |
		mode&(emu.FPSCRRoundingMask|emu.FPSCRNonIEEE)
}

// EnsureDomain makes d the loaded control domain.
func (t *Thread) EnsureDomain(d RoundingDomain) bool {
	return t.block.ctx.EnsureDomain(t.fpcr, d)
}

// PushStackpoint records a frame; see ThreadContext.PushStackpoint.
func (t *Thread) PushStackpoint(hostSP uint64, guestSP, guestReturn uint32) bool {
	stored := t.block.ctx.PushStackpoint(hostSP, guestSP, guestReturn)
	if !stored && !t.saturated && t.stackpoints != nil {
		t.saturated = true
		Logger().Debug("stackpoint table saturated",
			zap.Uint32("thread_id", t.block.guest.ThreadID),
			zap.Int("capacity", len(t.stackpoints)))
	}
	return stored
}

// PopStackpoint removes the innermost frame.
func (t *Thread) PopStackpoint() (Stackpoint, bool) {
	return t.block.ctx.PopStackpoint()
}

// SynchronizeStack unwinds frames left by the guest stack pointer in r1.
func (t *Thread) SynchronizeStack() (uint64, int, error) {
	if t.stackpoints == nil {
		return 0, 0, ErrStackSyncDisabled
	}
	host, unwound, ok := t.block.ctx.SynchronizeStack(uint32(t.block.guest.R[1]))
	if !ok {
		return 0, unwound, errors.Newf("no frame survives guest stack %#x", uint32(t.block.guest.R[1]))
	}
	return host, unwound, nil
}

// MaxPseudoStackFrames is the capacity of a pseudo stack trace.
const MaxPseudoStackFrames = 32

// GuestPseudoStackTrace is a guest call chain rebuilt from stackpoints,
// innermost first.
type GuestPseudoStackTrace struct {
	Count             int
	Truncated         bool
	ReturnAddresses   [MaxPseudoStackFrames]uint32
	GuestStackPointer [MaxPseudoStackFrames]uint32
}

// Frames returns the filled return addresses.
func (st *GuestPseudoStackTrace) Frames() []uint32 {
	return st.ReturnAddresses[:st.Count]
}

// PopulatePseudoStacktrace fills st from the thread's stackpoints and reports
// whether the thread has any correlated frames.
func (b *Backend) PopulatePseudoStacktrace(t *Thread, st *GuestPseudoStackTrace) bool {
	*st = GuestPseudoStackTrace{}
	if !b.config.EnableHostGuestStackSynchronization || t.stackpoints == nil {
		return false
	}

	recs := t.block.ctx.Stackpoints()
	if len(recs) == 0 {
		return false
	}

	for i := len(recs) - 1; i >= 0; i-- {
		if st.Count == MaxPseudoStackFrames {
			st.Truncated = true
			break
		}
		st.ReturnAddresses[st.Count] = recs[i].GuestReturnAddress
		st.GuestStackPointer[st.Count] = recs[i].GuestStack
		st.Count++
	}
	return true
}
