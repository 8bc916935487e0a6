package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sarchlab/xrt/backend/codecache"
	"github.com/sarchlab/xrt/config"
	"github.com/sarchlab/xrt/emu"
)

// Translator produces host code for a guest function.
type Translator interface {
	// Translate returns the function's metadata and machine code. The
	// HostAddress and HostSize of the returned function are ignored.
	Translate(guest uint32) (codecache.Function, []byte, error)
}

// GuestTrampolineProc is the host routine behind a guest trampoline.
type GuestTrampolineProc func(ctx *emu.GuestContext, userData1, userData2 any)

type trampolineEntry struct {
	proc      GuestTrampolineProc
	userData1 any
	userData2 any
	guest     uint32
}

// Backend is the x86-64 runtime shared by all guest threads.
type Backend struct {
	config     *config.Config
	memory     *emu.Memory
	codeCache  *codecache.Cache
	ownsCache  bool
	lookaside  *codecache.Lookaside
	translator Translator
	addresses  emu.AddressTranslator
	features   Features
	routines   HostRoutines

	thunks       Thunks
	helpers      Helpers
	xmmConstants uintptr
	emitted      []EmittedCode

	reserveHelper *ReserveHelper
	guestTicks    uint64

	trampolines       *TrampolineAllocator
	trampolineStubs   uintptr
	trampolineEntries []atomic.Pointer[trampolineEntry]

	resolveMu        sync.Mutex
	mmio             MMIOHandler
	mmioInstructions sync.Map
	profiler         *Profiler

	onBreakpoint BreakpointHandler
	bpMu         sync.Mutex
	breakpoints  []*Breakpoint
	patched      map[uintptr]*Breakpoint
}

// EmittedCode is one routine the backend generated at initialization.
type EmittedCode struct {
	Name    string
	Address uintptr
	Size    int
}

// Option configures a Backend.
type Option func(b *Backend)

// WithConfig sets the configuration.
func WithConfig(c *config.Config) Option {
	return func(b *Backend) { b.config = c }
}

// WithCodeCache uses an existing code cache instead of creating one. The
// backend does not close it.
func WithCodeCache(c *codecache.Cache) Option {
	return func(b *Backend) { b.codeCache = c }
}

// WithTranslator sets the function translator used by ResolveFunction.
func WithTranslator(t Translator) Option {
	return func(b *Backend) { b.translator = t }
}

// WithAddressTranslator sets the guest virtual to physical mapping used for
// literal pools.
func WithAddressTranslator(t emu.AddressTranslator) Option {
	return func(b *Backend) { b.addresses = t }
}

// WithMMIOHandler sets the device access emulator.
func WithMMIOHandler(h MMIOHandler) Option {
	return func(b *Backend) { b.mmio = h }
}

// WithBreakpointHandler sets the handler told about breakpoint hits.
func WithBreakpointHandler(h BreakpointHandler) Option {
	return func(b *Backend) { b.onBreakpoint = h }
}

// WithHostRoutines sets the host entry points emitted code transfers to.
func WithHostRoutines(r HostRoutines) Option {
	return func(b *Backend) { b.routines = r }
}

// New creates and initializes a backend over guest memory mem.
func New(mem *emu.Memory, opts ...Option) (*Backend, error) {
	b := &Backend{
		config:        config.Default(),
		memory:        mem,
		reserveHelper: NewReserveHelper(),
		patched:       make(map[uintptr]*Breakpoint),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid backend config")
	}

	if err := b.initialize(); err != nil {
		if b.ownsCache {
			_ = b.codeCache.Close()
		}
		return nil, err
	}
	return b, nil
}

func (b *Backend) initialize() error {
	c := b.config

	if b.codeCache == nil {
		cache, err := codecache.New(c.CodeCacheSize)
		if err != nil {
			return err
		}
		b.codeCache = cache
		b.ownsCache = true
	}

	b.features = DetectFeatures(c.X64ExtensionMask)
	b.lookaside = codecache.NewLookaside(c.Lookaside)
	b.trampolines = NewTrampolineAllocator(c.TrampolineBase, c.TrampolineEnd, c.TrampolineMinLen)
	b.trampolineEntries = make([]atomic.Pointer[trampolineEntry], b.trampolines.Slots())
	if c.EnableProfiler {
		b.profiler = NewProfiler()
	}
	if b.memory != nil {
		b.memory.SetStoreObserver(b.reserveHelper)
	}

	if err := b.emitThunks(); err != nil {
		return err
	}
	if err := b.emitHelpers(); err != nil {
		return err
	}

	table, err := b.codeCache.PlaceHostCode(xmmConstantTable())
	if err != nil {
		return errors.Wrap(err, "failed to place vector constants")
	}
	b.xmmConstants = table

	// Trampoline stubs share one reserved block; slot i's stub is at a fixed
	// offset, so allocation needs no further space in the code cache.
	stubs, err := b.codeCache.PlaceHostCode(make([]byte, b.trampolines.Slots()*trampolineStubSize))
	if err != nil {
		return errors.Wrap(err, "failed to reserve trampoline stubs")
	}
	b.trampolineStubs = stubs

	b.codeCache.SetDefaultIndirectionTarget(b.thunks.ResolveFunction)
	if err := b.codeCache.CommitExecutableRange(c.TrampolineBase, c.TrampolineEnd); err != nil {
		return errors.Wrap(err, "failed to commit trampoline range")
	}

	Logger().Info("backend initialized",
		zap.Stringer("features", b.features),
		zap.Int("code_cache_bytes", b.codeCache.Size()),
		zap.Int("trampoline_slots", b.trampolines.Slots()),
		zap.Bool("stack_sync", c.EnableHostGuestStackSynchronization),
		zap.Bool("profiler", c.EnableProfiler))
	return nil
}

func (b *Backend) place(name string, code []byte, err error) (uintptr, error) {
	if err != nil {
		return 0, errors.Wrapf(err, "failed to emit %s", name)
	}
	addr, err := b.codeCache.PlaceHostCode(code)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to place %s", name)
	}
	b.emitted = append(b.emitted, EmittedCode{Name: name, Address: addr, Size: len(code)})
	Logger().Debug("emitted host routine",
		zap.String("name", name), zap.Uintptr("address", addr), zap.Int("bytes", len(code)))
	return addr, nil
}

func (b *Backend) emitThunks() (err error) {
	code, err := emitHostToGuestThunk(b.features)
	if b.thunks.HostToGuest, err = b.place("host_to_guest_thunk", code, err); err != nil {
		return err
	}
	code, err = emitGuestToHostThunk(b.features)
	if b.thunks.GuestToHost, err = b.place("guest_to_host_thunk", code, err); err != nil {
		return err
	}
	code, err = emitResolveFunctionThunk(b.routines.Resolve)
	if b.thunks.ResolveFunction, err = b.place("resolve_function_thunk", code, err); err != nil {
		return err
	}
	return nil
}

func (b *Backend) emitHelpers() (err error) {
	h := &b.helpers

	code, err := emitStackSync(noFrameSize)
	if h.SynchronizeStack, err = b.place("synchronize_guest_and_host_stack", code, err); err != nil {
		return err
	}
	for i, width := range []int{1, 2, 4} {
		code, err = emitStackSync(frameSizeFromReturn(width))
		name := fmt.Sprintf("synchronize_guest_and_host_stack_%d", width*8)
		if h.SynchronizeStackForSize[i], err = b.place(name, code, err); err != nil {
			return err
		}
	}

	code, err = emitTryAcquireReservation()
	if h.TryAcquireReservation, err = b.place("try_acquire_reservation", code, err); err != nil {
		return err
	}
	code, err = emitReservedStore(32)
	if h.ReservedStore32, err = b.place("reserved_store_32", code, err); err != nil {
		return err
	}
	code, err = emitReservedStore(64)
	if h.ReservedStore64, err = b.place("reserved_store_64", code, err); err != nil {
		return err
	}

	code, err = emitVRSQRTEFP(false)
	if h.VRSQRTEFPVector, err = b.place("vrsqrtefp_vector", code, err); err != nil {
		return err
	}
	code, err = emitVRSQRTEFP(true)
	if h.VRSQRTEFPScalar, err = b.place("vrsqrtefp_scalar", code, err); err != nil {
		return err
	}
	code, err = emitFRSQRTEFP()
	if h.FRSQRTEFP, err = b.place("frsqrtefp", code, err); err != nil {
		return err
	}
	return nil
}

// Close releases the code cache if the backend created it.
func (b *Backend) Close() error {
	if b.ownsCache {
		return b.codeCache.Close()
	}
	return nil
}

// Config returns the backend's configuration.
func (b *Backend) Config() *config.Config { return b.config }

// CodeCache returns the executable arena.
func (b *Backend) CodeCache() *codecache.Cache { return b.codeCache }

// Memory returns guest memory.
func (b *Backend) Memory() *emu.Memory { return b.memory }

// Features returns the host capabilities in use.
func (b *Backend) Features() Features { return b.features }

// Thunks returns the emitted thunk addresses.
func (b *Backend) Thunks() Thunks { return b.thunks }

// Emitted lists the generated thunks and helpers in placement order.
func (b *Backend) Emitted() []EmittedCode {
	return append([]EmittedCode(nil), b.emitted...)
}

// Helpers returns the emitted helper addresses.
func (b *Backend) Helpers() Helpers { return b.helpers }

// ReserveHelper returns the shared reservation bitmap.
func (b *Backend) ReserveHelper() *ReserveHelper { return b.reserveHelper }

// Trampolines returns the trampoline allocator.
func (b *Backend) Trampolines() *TrampolineAllocator { return b.trampolines }

// Lookaside returns the resolve lookaside cache.
func (b *Backend) Lookaside() *codecache.Lookaside { return b.lookaside }

// Profiler returns the profiler, or nil if profiling is off.
func (b *Backend) Profiler() *Profiler { return b.profiler }

// SynchronizeStackHelperForSize returns the stack sync helper taking an
// inline frame size operand of size bytes (1, 2 or 4), or the plain helper
// for any other size.
func (b *Backend) SynchronizeStackHelperForSize(size int) uintptr {
	switch size {
	case 1:
		return b.helpers.SynchronizeStackForSize[0]
	case 2:
		return b.helpers.SynchronizeStackForSize[1]
	case 4:
		return b.helpers.SynchronizeStackForSize[2]
	}
	return b.helpers.SynchronizeStack
}

// LookupXMMConstantAddress returns the host address of a vector constant.
func (b *Backend) LookupXMMConstantAddress(c XMMConstant) uintptr {
	return b.xmmConstants + uintptr(c)*16
}

// LookupXMMConstantAddress32 returns the constant's address if it fits in 32
// bits, for use as a sign-extended displacement.
func (b *Backend) LookupXMMConstantAddress32(c XMMConstant) (uint32, bool) {
	addr := b.LookupXMMConstantAddress(c)
	return uint32(addr), addr <= 0x7FFFFFFF
}

// CommitExecutableRange makes [low, high) a range of guest addresses whose
// indirection entries initially point at the resolve thunk.
func (b *Backend) CommitExecutableRange(low, high uint32) error {
	if err := b.codeCache.CommitExecutableRange(low, high); err != nil {
		return err
	}
	Logger().Debug("executable range committed",
		zap.Uint32("low", low), zap.Uint32("high", high))
	return nil
}

// ResolveFunction returns the host entry of guest, translating the function
// on first use.
func (b *Backend) ResolveFunction(guest uint32) (uintptr, error) {
	if host, ok := b.lookaside.Lookup(guest); ok {
		return host, nil
	}
	if fn := b.codeCache.LookupGuestFunction(guest); fn != nil {
		b.lookaside.Insert(guest, fn.HostAddress)
		return fn.HostAddress, nil
	}

	if b.translator == nil {
		return 0, errors.Wrapf(ErrNoTranslator, "function %#x", guest)
	}

	b.resolveMu.Lock()
	defer b.resolveMu.Unlock()

	if fn := b.codeCache.LookupGuestFunction(guest); fn != nil {
		b.lookaside.Insert(guest, fn.HostAddress)
		return fn.HostAddress, nil
	}

	meta, code, err := b.translator.Translate(guest)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to translate function %#x", guest)
	}
	meta.GuestAddress = guest
	fn, err := b.codeCache.PlaceGuestCode(meta, code)
	if err != nil {
		return 0, err
	}
	b.applyBreakpoints(fn)
	b.lookaside.Insert(guest, fn.HostAddress)

	Logger().Debug("function translated",
		zap.Uint32("guest", guest),
		zap.Uintptr("host", fn.HostAddress),
		zap.Uint32("bytes", fn.HostSize))
	return fn.HostAddress, nil
}

// InvalidateFunction drops guest from the resolve lookaside so the next call
// goes through the indirection table.
func (b *Backend) InvalidateFunction(guest uint32) {
	b.lookaside.Invalidate(guest)
}

// GetProfilerRecordForFunction returns the accumulator for guest, or nil when
// profiling is off.
func (b *Backend) GetProfilerRecordForFunction(guest uint32) *uint64 {
	if b.profiler == nil {
		return nil
	}
	return b.profiler.RecordForFunction(guest)
}

// TranslateLiteralPool maps a guest virtual address of constant data to the
// physical address the code generator embeds. Without an address translator
// addresses are identity mapped.
func (b *Backend) TranslateLiteralPool(virtual uint32) (uint32, error) {
	if b.addresses == nil {
		return virtual, nil
	}
	physical, ok := b.addresses.Translate(virtual)
	if !ok {
		return 0, errors.Newf("literal pool address %#x is not mapped", virtual)
	}
	return physical, nil
}

// AdvanceGuestTicks moves the shared guest clock forward.
func (b *Backend) AdvanceGuestTicks(n uint64) uint64 {
	return atomic.AddUint64(&b.guestTicks, n)
}

// GuestTicks reads the shared guest clock.
func (b *Backend) GuestTicks() uint64 {
	return atomic.LoadUint64(&b.guestTicks)
}
