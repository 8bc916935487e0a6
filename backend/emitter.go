package backend

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/sarchlab/xrt/emu"
)

// Register assignment shared with generated code. The guest context pointer
// lives in RSI and the guest memory base in RDI for the whole time guest code
// runs.
const (
	RegContext = x86.REG_SI
	RegMembase = x86.REG_DI
)

// ForceReturnAddress is pushed as the return address of a host-to-guest call
// so a guest return to it unwinds back to the host.
const ForceReturnAddress = 0x9FFF0000

// trampolineStubSize is the host space reserved per trampoline slot.
const trampolineStubSize = 64

var (
	calleeSaved = []int16{
		x86.REG_BX, x86.REG_BP, x86.REG_R12,
		x86.REG_R13, x86.REG_R14, x86.REG_R15,
	}

	ctxReserveHelper  = int64(GuestRelativeOffset(OffsetReserveHelper))
	ctxReserveValue   = int64(GuestRelativeOffset(OffsetCachedReserveValue))
	ctxReserveOffset  = int64(GuestRelativeOffset(OffsetCachedReserveOffset))
	ctxReserveBit     = int64(GuestRelativeOffset(OffsetCachedReserveBit))
	ctxFlags          = int64(GuestRelativeOffset(OffsetFlags))
	ctxStackpoints    = int64(GuestRelativeOffset(OffsetStackpoints))
	ctxStackpointTop  = int64(GuestRelativeOffset(OffsetCurrentStackpointDepth))
	stackpointGuestSP = int64(unsafe.Offsetof(Stackpoint{}.GuestStack))
	guestR1           = int64(unsafe.Offsetof(emu.GuestContext{}.R)) + 8
)

// HostRoutines are host entry points the emitted code transfers to. Zero
// addresses are allowed when the embedder never executes the emitted code.
type HostRoutines struct {
	// Resolve takes (context, guest address) and returns the host entry.
	Resolve uintptr
	// TrampolineDispatch takes (context, slot handle, guest address).
	TrampolineDispatch uintptr
}

// Thunks are the entry and exit sequences between host and guest code.
type Thunks struct {
	HostToGuest     uintptr
	GuestToHost     uintptr
	ResolveFunction uintptr
}

// Helpers are out-of-line routines generated code calls. TryAcquireReservation
// only takes the reservation; the caller then loads the guest value and stores
// it at OffsetCachedReserveValue for ReservedStore32/64 to compare against.
type Helpers struct {
	SynchronizeStack        uintptr
	SynchronizeStackForSize [3]uintptr // frame size operand of 1, 2 or 4 bytes
	TryAcquireReservation   uintptr
	ReservedStore32         uintptr
	ReservedStore64         uintptr
	VRSQRTEFPVector         uintptr
	VRSQRTEFPScalar         uintptr
	FRSQRTEFP               uintptr
}

// emitHostToGuestThunk emits the host-to-guest entry: target in RDI, guest
// context in RSI, memory base in RDX, following the host C convention. All
// callee-saved registers are preserved.
func emitHostToGuestThunk(f Features) ([]byte, error) {
	return assemble(func(a *assembler) {
		for _, r := range calleeSaved {
			a.push(r)
		}
		a.constReg(x86.ASUBQ, 8, x86.REG_SP)
		a.regReg(x86.AMOVQ, x86.REG_DI, x86.REG_AX)
		a.regReg(x86.AMOVQ, x86.REG_DX, RegMembase)
		a.callReg(x86.REG_AX)
		a.constReg(x86.AADDQ, 8, x86.REG_SP)
		for i := len(calleeSaved) - 1; i >= 0; i-- {
			a.pop(calleeSaved[i])
		}
		if f.AVX {
			a.op(x86.AVZEROUPPER)
		}
		a.ret()
	})
}

// emitGuestToHostThunk emits the exit used by guest code to call the host:
// target in RAX, arguments in RDX and R8. The host routine receives the guest
// context as its first argument. Context and memory base survive the call.
func emitGuestToHostThunk(f Features) ([]byte, error) {
	return assemble(func(a *assembler) {
		a.push(RegContext)
		a.push(RegMembase)
		a.constReg(x86.ASUBQ, 8, x86.REG_SP)
		if f.AVX {
			a.op(x86.AVZEROUPPER)
		}
		a.regReg(x86.AMOVQ, RegContext, x86.REG_DI)
		a.regReg(x86.AMOVQ, x86.REG_DX, x86.REG_SI)
		a.regReg(x86.AMOVQ, x86.REG_R8, x86.REG_DX)
		a.callReg(x86.REG_AX)
		a.constReg(x86.AADDQ, 8, x86.REG_SP)
		a.pop(RegMembase)
		a.pop(RegContext)
		a.ret()
	})
}

// emitResolveFunctionThunk emits the default indirection target. Guest code
// calls it with the wanted guest address in EBX; it asks the resolver for the
// host entry and tail-jumps there.
func emitResolveFunctionThunk(resolve uintptr) ([]byte, error) {
	return assemble(func(a *assembler) {
		a.push(RegContext)
		a.push(RegMembase)
		a.constReg(x86.ASUBQ, 8, x86.REG_SP)
		a.regReg(x86.AMOVQ, RegContext, x86.REG_DI)
		a.regReg(x86.AMOVL, x86.REG_BX, x86.REG_SI)
		a.constReg(x86.AMOVQ, int64(resolve), x86.REG_AX)
		a.callReg(x86.REG_AX)
		a.constReg(x86.AADDQ, 8, x86.REG_SP)
		a.pop(RegMembase)
		a.pop(RegContext)
		a.jmpReg(x86.REG_AX)
	})
}

// emitTryAcquireReservation emits the reservation half of a load-reserve for
// the guest address in ECX: the block bit is set with a locked bit-test-and-set
// and its location is cached in the context. The value is not loaded here.
// After the call, generated code loads the guest value and stores it, still
// in guest byte order, at OffsetCachedReserveValue, which the reserved store
// compares against.
func emitTryAcquireReservation() ([]byte, error) {
	return assemble(func(a *assembler) {
		a.regReg(x86.AMOVL, x86.REG_CX, x86.REG_DX)
		a.constReg(x86.ASHRL, ReserveBlockShift, x86.REG_DX)
		a.memReg(x86.AMOVQ, RegContext, ctxReserveHelper, x86.REG_AX)
		a.op(x86.ALOCK)
		a.regMem(x86.ABTSQ, x86.REG_DX, x86.REG_AX, 0)

		a.regReg(x86.AMOVL, x86.REG_DX, x86.REG_R9)
		a.constReg(x86.ASHRL, 6, x86.REG_R9)
		a.constReg(x86.ASHLQ, 3, x86.REG_R9)
		a.regMem(x86.AMOVQ, x86.REG_R9, RegContext, ctxReserveOffset)
		a.constReg(x86.AANDL, 63, x86.REG_DX)
		a.regMem(x86.AMOVL, x86.REG_DX, RegContext, ctxReserveBit)
		a.constMem(x86.AORL, flagHasReserve, RegContext, ctxFlags)
		a.ret()
	})
}

// emitReservedStore emits a store-conditional of EDX (or RDX) to the guest
// address in ECX. AL is 1 on success. The value must already be in guest
// byte order.
func emitReservedStore(width int) ([]byte, error) {
	movValue, cmpxchg := obj.As(x86.AMOVL), obj.As(x86.ACMPXCHGL)
	if width == 64 {
		movValue, cmpxchg = x86.AMOVQ, x86.ACMPXCHGQ
	}

	return assemble(func(a *assembler) {
		var fail []*obj.Prog

		a.constMem(x86.ATESTL, flagHasReserve, RegContext, ctxFlags)
		fail = append(fail, a.branch(x86.AJEQ))
		a.constMem(x86.AANDL, ^int64(flagHasReserve), RegContext, ctxFlags)

		a.regReg(x86.AMOVL, x86.REG_CX, x86.REG_R9)
		a.constReg(x86.ASHRL, ReserveBlockShift, x86.REG_R9)
		a.regReg(x86.AMOVL, x86.REG_R9, x86.REG_R10)
		a.constReg(x86.ASHRL, 6, x86.REG_R10)
		a.constReg(x86.ASHLQ, 3, x86.REG_R10)
		a.regMem(x86.ACMPQ, x86.REG_R10, RegContext, ctxReserveOffset)
		fail = append(fail, a.branch(x86.AJNE))
		a.regReg(x86.AMOVL, x86.REG_R9, x86.REG_R10)
		a.constReg(x86.AANDL, 63, x86.REG_R10)
		a.regMem(x86.ACMPL, x86.REG_R10, RegContext, ctxReserveBit)
		fail = append(fail, a.branch(x86.AJNE))

		a.memReg(x86.AMOVQ, RegContext, ctxReserveHelper, x86.REG_AX)
		a.op(x86.ALOCK)
		a.regMem(x86.ABTRQ, x86.REG_R9, x86.REG_AX, 0)
		fail = append(fail, a.branch(x86.AJCC))

		a.memReg(movValue, RegContext, ctxReserveValue, x86.REG_AX)
		a.op(x86.ALOCK)
		a.regIndexed(cmpxchg, x86.REG_DX, RegMembase, x86.REG_CX)
		p := a.prog(x86.ASETEQ)
		p.To.Type = obj.TYPE_REG
		p.To.Reg = x86.REG_AL
		a.add(p)
		a.ret()

		a.targetNext(fail...)
		a.regReg(x86.AXORL, x86.REG_AX, x86.REG_AX)
		a.ret()
	})
}

// emitStackSync emits a stack synchronization helper. loadFrameSize leaves
// the caller's frame adjustment in EDX. Frames whose recorded guest stack
// pointer is below guest r1 plus that adjustment are popped.
func emitStackSync(loadFrameSize func(a *assembler)) ([]byte, error) {
	return assemble(func(a *assembler) {
		loadFrameSize(a)
		a.memReg(x86.AMOVL, RegContext, guestR1, x86.REG_R10)
		a.regReg(x86.AADDL, x86.REG_DX, x86.REG_R10)
		a.memReg(x86.AMOVL, RegContext, ctxStackpointTop, x86.REG_CX)

		loop := a.op(obj.ANOP)
		a.regReg(x86.ATESTL, x86.REG_CX, x86.REG_CX)
		empty := a.branch(x86.AJEQ)
		a.memReg(x86.AMOVQ, RegContext, ctxStackpoints, x86.REG_AX)
		a.memReg(x86.ALEAL, x86.REG_CX, -1, x86.REG_DX)
		a.constReg(x86.ASHLQ, 4, x86.REG_DX)
		a.indexedReg(x86.AMOVL, x86.REG_AX, x86.REG_DX, 1, stackpointGuestSP, x86.REG_R9)
		a.regReg(x86.ACMPL, x86.REG_R9, x86.REG_R10)
		live := a.branch(x86.AJCC)
		a.op1(x86.ADECL, x86.REG_CX)
		a.branch(obj.AJMP).To.SetTarget(loop)

		a.targetNext(empty, live)
		a.regMem(x86.AMOVL, x86.REG_CX, RegContext, ctxStackpointTop)
		a.ret()
	})
}

// frameSizeFromReturn reads an inline frame size operand of width bytes that
// follows the call instruction and skips it.
func frameSizeFromReturn(width int) func(a *assembler) {
	load := map[int]obj.As{1: x86.AMOVBLZX, 2: x86.AMOVWLZX, 4: x86.AMOVL}[width]
	return func(a *assembler) {
		a.memReg(x86.AMOVQ, x86.REG_SP, 0, x86.REG_AX)
		a.memReg(load, x86.REG_AX, 0, x86.REG_DX)
		a.constMem(x86.AADDQ, int64(width), x86.REG_SP, 0)
	}
}

func noFrameSize(a *assembler) {
	a.regReg(x86.AXORL, x86.REG_DX, x86.REG_DX)
}

// emitVRSQRTEFP emits the vector reciprocal square root estimate on X0.
func emitVRSQRTEFP(scalar bool) ([]byte, error) {
	as := obj.As(x86.ARSQRTPS)
	if scalar {
		as = x86.ARSQRTSS
	}
	return assemble(func(a *assembler) {
		a.regReg(as, x86.REG_X0, x86.REG_X0)
		a.ret()
	})
}

// emitFRSQRTEFP emits the double precision estimate on X0, computed at single
// precision.
func emitFRSQRTEFP() ([]byte, error) {
	return assemble(func(a *assembler) {
		a.regReg(x86.ACVTSD2SS, x86.REG_X0, x86.REG_X0)
		a.regReg(x86.ARSQRTSS, x86.REG_X0, x86.REG_X0)
		a.regReg(x86.ACVTSS2SD, x86.REG_X0, x86.REG_X0)
		a.ret()
	})
}

// emitTrampolineStub emits the host body of one guest trampoline. It loads
// the slot handle and guest address and leaves through the guest-to-host
// thunk into the dispatcher.
func emitTrampolineStub(slot int, guest uint32, dispatch, guestToHost uintptr) ([]byte, error) {
	code, err := assemble(func(a *assembler) {
		a.constReg(x86.AMOVQ, int64(slot), x86.REG_DX)
		a.constReg(x86.AMOVQ, int64(guest), x86.REG_R8)
		a.constReg(x86.AMOVQ, int64(dispatch), x86.REG_AX)
		a.constReg(x86.AMOVQ, int64(guestToHost), x86.REG_R9)
		a.jmpReg(x86.REG_R9)
	})
	if err != nil {
		return nil, err
	}
	if len(code) > trampolineStubSize {
		return nil, errors.Newf("trampoline stub is %d bytes, limit %d", len(code), trampolineStubSize)
	}
	return code, nil
}

func (a *assembler) op1(as obj.As, reg int16) {
	p := a.prog(as)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	a.add(p)
}

// XMMConstant indexes the vector constant table.
type XMMConstant int

const (
	XMMZero XMMConstant = iota
	XMMOnePS
	XMMOnePD
	XMMNegativeOnePS
	XMMSignMaskPS
	XMMAbsMaskPS
	XMMSignMaskPD
	XMMAbsMaskPD
	XMMByteSwapMask
	XMMPermuteByteMask
	XMMFlushDenormalBound
	xmmConstantCount
)

// xmmConstantTable returns the table contents, 16 bytes per entry.
func xmmConstantTable() []byte {
	table := make([]byte, int(xmmConstantCount)*16)
	entry := func(c XMMConstant) []byte {
		return table[int(c)*16 : int(c)*16+16]
	}
	splat32 := func(c XMMConstant, v uint32) {
		e := entry(c)
		for i := 0; i < 4; i++ {
			binary.LittleEndian.PutUint32(e[i*4:], v)
		}
	}
	splat64 := func(c XMMConstant, v uint64) {
		e := entry(c)
		binary.LittleEndian.PutUint64(e[0:], v)
		binary.LittleEndian.PutUint64(e[8:], v)
	}

	splat32(XMMOnePS, math.Float32bits(1))
	splat64(XMMOnePD, math.Float64bits(1))
	splat32(XMMNegativeOnePS, math.Float32bits(-1))
	splat32(XMMSignMaskPS, 0x80000000)
	splat32(XMMAbsMaskPS, 0x7FFFFFFF)
	splat64(XMMSignMaskPD, 0x8000000000000000)
	splat64(XMMAbsMaskPD, 0x7FFFFFFFFFFFFFFF)
	swap := entry(XMMByteSwapMask)
	for i := range swap {
		swap[i] = byte(i ^ 3)
	}
	for i, e := 0, entry(XMMPermuteByteMask); i < 16; i++ {
		e[i] = 0x1F
	}
	splat32(XMMFlushDenormalBound, 0x00800000)
	return table
}
