package backend_test

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/errors"
	. "github.com/onsi/gomega"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/xrt/backend"
	"github.com/sarchlab/xrt/backend/codecache"
	"github.com/sarchlab/xrt/config"
	"github.com/sarchlab/xrt/emu"
)

const testTrampolineSlots = 256

func testConfig() *config.Config {
	c := config.Default()
	c.MaxStackpoints = 64
	c.TrampolineEnd = c.TrampolineBase + testTrampolineSlots*c.TrampolineMinLen
	c.CodeCacheSize = 1 << 20
	return c
}

func newTestBackend(mem *emu.Memory, cfg *config.Config, opts ...backend.Option) *backend.Backend {
	opts = append([]backend.Option{backend.WithConfig(cfg)}, opts...)
	b, err := backend.New(mem, opts...)
	Expect(err).NotTo(HaveOccurred())
	return b
}

// fakeTranslator serves canned host code for guest functions.
type fakeTranslator struct {
	mu        sync.Mutex
	functions map[uint32]fakeFunction
	calls     map[uint32]int
}

type fakeFunction struct {
	end       uint32
	code      []byte
	sourceMap []codecache.SourceMapEntry
}

func newFakeTranslator() *fakeTranslator {
	return &fakeTranslator{
		functions: make(map[uint32]fakeFunction),
		calls:     make(map[uint32]int),
	}
}

func (f *fakeTranslator) add(guest uint32, fn fakeFunction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.functions[guest] = fn
}

func (f *fakeTranslator) callsFor(guest uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[guest]
}

func (f *fakeTranslator) Translate(guest uint32) (codecache.Function, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[guest]++
	fn, ok := f.functions[guest]
	if !ok {
		return codecache.Function{}, nil, errors.Newf("no code for %#x", guest)
	}
	return codecache.Function{GuestEnd: fn.end, SourceMap: fn.sourceMap}, fn.code, nil
}

// vzeroupper is VEX encoded, which x86asm does not decode.
var vzeroupper = []byte{0xC5, 0xF8, 0x77}

// decodeAll decodes code, reporting vzeroupper as an instruction with a zero
// Op.
func decodeAll(code []byte) []x86asm.Inst {
	var out []x86asm.Inst
	for len(code) > 0 {
		if bytes.HasPrefix(code, vzeroupper) {
			out = append(out, x86asm.Inst{Len: len(vzeroupper)})
			code = code[len(vzeroupper):]
			continue
		}
		inst, err := x86asm.Decode(code, 64)
		Expect(err).NotTo(HaveOccurred())
		out = append(out, inst)
		code = code[inst.Len:]
	}
	return out
}

func ops(insts []x86asm.Inst) []x86asm.Op {
	out := make([]x86asm.Op, len(insts))
	for i, inst := range insts {
		out[i] = inst.Op
	}
	return out
}
