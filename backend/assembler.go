package backend

import (
	"sync"

	"github.com/cockroachdb/errors"
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// golang-asm keeps global state and is not goroutine-safe.
var assemblerMutex sync.Mutex

// assembler is a thin wrapper over the golang-asm builder for the short
// sequences this package emits.
type assembler struct {
	builder *asm.Builder
	// branches waiting for the next instruction as target.
	pending []*obj.Prog
}

// assemble runs emit against a fresh builder and returns the machine code.
func assemble(emit func(a *assembler)) ([]byte, error) {
	assemblerMutex.Lock()
	defer assemblerMutex.Unlock()

	b, err := asm.NewBuilder("amd64", 128)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a new assembly builder")
	}
	a := &assembler{builder: b}

	// The builder treats the first instruction as the function header and
	// never encodes it.
	a.op(obj.ANOP)

	emit(a)
	code := b.Assemble()
	if len(code) == 0 {
		return nil, errors.New("assembler produced no code")
	}
	return code, nil
}

func (a *assembler) prog(as obj.As) *obj.Prog {
	p := a.builder.NewProg()
	p.As = as
	for _, origin := range a.pending {
		origin.To.SetTarget(p)
	}
	a.pending = nil
	return p
}

func (a *assembler) add(p *obj.Prog) *obj.Prog {
	a.builder.AddInstruction(p)
	return p
}

func (a *assembler) op(as obj.As) *obj.Prog {
	return a.add(a.prog(as))
}

func (a *assembler) regReg(as obj.As, from, to int16) {
	p := a.prog(as)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = from
	p.To.Type = obj.TYPE_REG
	p.To.Reg = to
	a.add(p)
}

func (a *assembler) constReg(as obj.As, value int64, to int16) {
	p := a.prog(as)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_REG
	p.To.Reg = to
	a.add(p)
}

func (a *assembler) constMem(as obj.As, value int64, base int16, disp int64) {
	p := a.prog(as)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = disp
	a.add(p)
}

func (a *assembler) memReg(as obj.As, base int16, disp int64, to int16) {
	p := a.prog(as)
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = disp
	p.To.Type = obj.TYPE_REG
	p.To.Reg = to
	a.add(p)
}

func (a *assembler) indexedReg(as obj.As, base, index int16, scale int16, disp int64, to int16) {
	p := a.prog(as)
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Index = index
	p.From.Scale = scale
	p.From.Offset = disp
	p.To.Type = obj.TYPE_REG
	p.To.Reg = to
	a.add(p)
}

func (a *assembler) regMem(as obj.As, from, base int16, disp int64) {
	p := a.prog(as)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = from
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = disp
	a.add(p)
}

func (a *assembler) regIndexed(as obj.As, from, base, index int16) {
	p := a.prog(as)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = from
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Index = index
	p.To.Scale = 1
	a.add(p)
}

func (a *assembler) push(reg int16) {
	p := a.prog(x86.APUSHQ)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	a.add(p)
}

func (a *assembler) pop(reg int16) {
	p := a.prog(x86.APOPQ)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	a.add(p)
}

func (a *assembler) callReg(reg int16) {
	p := a.prog(obj.ACALL)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	a.add(p)
}

func (a *assembler) jmpReg(reg int16) {
	p := a.prog(obj.AJMP)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	a.add(p)
}

// branch emits a jump whose target is set later with setTarget or
// targetNext.
func (a *assembler) branch(as obj.As) *obj.Prog {
	p := a.prog(as)
	p.To.Type = obj.TYPE_BRANCH
	return a.add(p)
}

// targetNext makes the next emitted instruction the target of branches.
func (a *assembler) targetNext(branches ...*obj.Prog) {
	a.pending = append(a.pending, branches...)
}

func (a *assembler) ret() {
	a.op(obj.ARET)
}
