package backend

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/xrt/fault"
)

const maxInstructionLen = 15

// HostMemoryReader reads host memory of a suspended thread, such as its stack.
type HostMemoryReader interface {
	ReadUint64(addr uint64) (uint64, error)
}

// ThreadDebugInfo is the captured state of a suspended host thread.
type ThreadDebugInfo struct {
	Host   fault.HostContext
	Memory HostMemoryReader
}

// CalculateNextHostInstruction returns the address execution reaches after
// the instruction at pc, given the thread's registers: branch targets for
// taken jumps and calls, the return address for ret, the fall-through
// otherwise. pc must lie inside the code cache.
func (b *Backend) CalculateNextHostInstruction(info *ThreadDebugInfo, pc uint64) (uint64, error) {
	inst, err := b.decodeAt(uintptr(pc))
	if err != nil {
		return 0, err
	}
	return nextInstruction(inst, pc, info)
}

func (b *Backend) decodeAt(pc uintptr) (x86asm.Inst, error) {
	if !b.codeCache.Contains(pc) {
		return x86asm.Inst{}, errors.Newf("address %#x is outside the code cache", pc)
	}
	end := b.codeCache.Base() + uintptr(b.codeCache.Size())
	code, err := b.codeCache.ReadCode(pc, int(min(uintptr(maxInstructionLen), end-pc)))
	if err != nil {
		return x86asm.Inst{}, err
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return x86asm.Inst{}, errors.Wrapf(err, "failed to decode instruction at %#x", pc)
	}
	return inst, nil
}

func nextInstruction(inst x86asm.Inst, pc uint64, info *ThreadDebugInfo) (uint64, error) {
	next := pc + uint64(inst.Len)

	switch inst.Op {
	case x86asm.CALL, x86asm.JMP:
		return operandTarget(inst.Args[0], next, info)
	case x86asm.RET:
		return readStack(info, info.Host.RSP())
	}

	if taken, ok := conditionTaken(inst.Op, &info.Host); ok {
		if !taken {
			return next, nil
		}
		return operandTarget(inst.Args[0], next, info)
	}

	return next, nil
}

func readStack(info *ThreadDebugInfo, addr uint64) (uint64, error) {
	if info.Memory == nil {
		return 0, errors.New("no host memory reader")
	}
	return info.Memory.ReadUint64(addr)
}

func operandTarget(arg x86asm.Arg, next uint64, info *ThreadDebugInfo) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Rel:
		return uint64(int64(next) + int64(a)), nil
	case x86asm.Reg:
		return registerValue(a, next, &info.Host)
	case x86asm.Mem:
		addr, err := effectiveAddress(a, next, &info.Host)
		if err != nil {
			return 0, err
		}
		return readStack(info, addr)
	}
	return 0, errors.Newf("unsupported branch operand %v", arg)
}

func registerValue(r x86asm.Reg, next uint64, ctx *fault.HostContext) (uint64, error) {
	switch {
	case r == 0:
		return 0, nil
	case r >= x86asm.RAX && r <= x86asm.R15:
		return ctx.GPR[r-x86asm.RAX], nil
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return ctx.GPR[r-x86asm.EAX] & 0xFFFFFFFF, nil
	case r == x86asm.RIP:
		return next, nil
	}
	return 0, errors.Newf("unsupported register %v", r)
}

func effectiveAddress(m x86asm.Mem, next uint64, ctx *fault.HostContext) (uint64, error) {
	base, err := registerValue(m.Base, next, ctx)
	if err != nil {
		return 0, err
	}
	index, err := registerValue(m.Index, next, ctx)
	if err != nil {
		return 0, err
	}
	return base + index*uint64(m.Scale) + uint64(m.Disp), nil
}

// conditionTaken evaluates a conditional jump against the flags. ok is false
// for any other instruction.
func conditionTaken(op x86asm.Op, ctx *fault.HostContext) (taken, ok bool) {
	f := ctx.RFLAGS
	cf := f&fault.FlagCF != 0
	pf := f&fault.FlagPF != 0
	zf := f&fault.FlagZF != 0
	sf := f&fault.FlagSF != 0
	of := f&fault.FlagOF != 0

	switch op {
	case x86asm.JA:
		return !cf && !zf, true
	case x86asm.JAE:
		return !cf, true
	case x86asm.JB:
		return cf, true
	case x86asm.JBE:
		return cf || zf, true
	case x86asm.JE:
		return zf, true
	case x86asm.JNE:
		return !zf, true
	case x86asm.JG:
		return !zf && sf == of, true
	case x86asm.JGE:
		return sf == of, true
	case x86asm.JL:
		return sf != of, true
	case x86asm.JLE:
		return zf || sf != of, true
	case x86asm.JO:
		return of, true
	case x86asm.JNO:
		return !of, true
	case x86asm.JP:
		return pf, true
	case x86asm.JNP:
		return !pf, true
	case x86asm.JS:
		return sf, true
	case x86asm.JNS:
		return !sf, true
	case x86asm.JCXZ:
		return ctx.GPR[fault.RCX]&0xFFFF == 0, true
	case x86asm.JECXZ:
		return ctx.GPR[fault.RCX]&0xFFFFFFFF == 0, true
	case x86asm.JRCXZ:
		return ctx.GPR[fault.RCX] == 0, true
	}
	return false, false
}

// bytesReader serves HostMemoryReader from a flat byte slice mapped at base.
type bytesReader struct {
	base uint64
	data []byte
}

// NewBytesReader returns a HostMemoryReader over data mapped at base.
func NewBytesReader(base uint64, data []byte) HostMemoryReader {
	return &bytesReader{base: base, data: data}
}

func (r *bytesReader) ReadUint64(addr uint64) (uint64, error) {
	if addr < r.base || addr-r.base+8 > uint64(len(r.data)) {
		return 0, errors.Newf("address %#x is not readable", addr)
	}
	off := addr - r.base
	return binary.LittleEndian.Uint64(r.data[off : off+8]), nil
}
