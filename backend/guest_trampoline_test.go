package backend_test

import (
	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/xrt/backend"
	"github.com/sarchlab/xrt/emu"
)

var _ = Describe("Guest trampolines", func() {
	var (
		b *backend.Backend
		t *backend.Thread
	)

	BeforeEach(func() {
		b = newTestBackend(emu.NewMemory(), testConfig(),
			backend.WithHostRoutines(backend.HostRoutines{TrampolineDispatch: 0x4455667788}))
		t = b.NewThread(0)
	})

	AfterEach(func() {
		t.Close()
		Expect(b.Close()).To(Succeed())
	})

	It("should run the procedure with its user data", func() {
		var gotCtx *emu.GuestContext
		var got []any
		addr, err := b.CreateGuestTrampoline(func(ctx *emu.GuestContext, ud1, ud2 any) {
			gotCtx = ctx
			got = []any{ud1, ud2}
			ctx.R[3] = 42
		}, "first", 2, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Trampolines().Contains(addr)).To(BeTrue())

		Expect(b.InvokeGuestTrampoline(t, addr)).To(Succeed())
		Expect(gotCtx).To(BeIdenticalTo(t.Guest()))
		Expect(got).To(Equal([]any{"first", 2}))
		Expect(t.Guest().R[3]).To(Equal(uint64(42)))
	})

	It("should route the guest address to a stub that leaves through the exit thunk", func() {
		addr, err := b.CreateGuestTrampoline(func(*emu.GuestContext, any, any) {}, nil, nil, true)
		Expect(err).NotTo(HaveOccurred())

		stub, ok := b.TrampolineStubAddress(addr)
		Expect(ok).To(BeTrue())
		host, err := b.CodeCache().LookupIndirection(addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(host).To(Equal(stub))

		code, err := b.CodeCache().ReadCode(stub, 64)
		Expect(err).NotTo(HaveOccurred())
		var insts []x86asm.Inst
		for len(code) > 0 && code[0] != 0 {
			inst, err := x86asm.Decode(code, 64)
			Expect(err).NotTo(HaveOccurred())
			insts = append(insts, inst)
			code = code[inst.Len:]
			if inst.Op == x86asm.JMP {
				break
			}
		}

		// Small immediates may be encoded zero-extended from 32 bits.
		var imms []uint32
		for _, inst := range insts {
			if imm, ok := inst.Args[1].(x86asm.Imm); ok && inst.Op == x86asm.MOV {
				imms = append(imms, uint32(imm))
			}
		}
		Expect(imms).To(ContainElement(addr))
		Expect(imms).To(ContainElement(uint32(0x55667788)))
		Expect(imms).To(ContainElement(uint32(b.Thunks().GuestToHost)))
		last := insts[len(insts)-1]
		Expect(last.Op).To(Equal(x86asm.JMP))
		Expect(last.Args[0]).To(Equal(x86asm.R9))
	})

	It("should give each trampoline its own stub", func() {
		a1, err := b.CreateGuestTrampoline(func(*emu.GuestContext, any, any) {}, nil, nil, false)
		Expect(err).NotTo(HaveOccurred())
		a2, err := b.CreateGuestTrampoline(func(*emu.GuestContext, any, any) {}, nil, nil, false)
		Expect(err).NotTo(HaveOccurred())

		s1, _ := b.TrampolineStubAddress(a1)
		s2, _ := b.TrampolineStubAddress(a2)
		Expect(s2 - s1).To(Equal(uintptr(64)))
	})

	It("should return the address to the resolver when freed", func() {
		addr, err := b.CreateGuestTrampoline(func(*emu.GuestContext, any, any) {}, nil, nil, false)
		Expect(err).NotTo(HaveOccurred())

		Expect(b.FreeGuestTrampoline(addr)).To(Succeed())
		host, err := b.CodeCache().LookupIndirection(addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(host).To(Equal(b.Thunks().ResolveFunction))

		_, ok := b.TrampolineStubAddress(addr)
		Expect(ok).To(BeFalse())
		Expect(errors.Is(b.InvokeGuestTrampoline(t, addr), backend.ErrTrampolineNotAllocated)).To(BeTrue())
	})

	It("should report freeing an unallocated trampoline", func() {
		err := b.FreeGuestTrampoline(b.Trampolines().Base())
		Expect(errors.Is(err, backend.ErrTrampolineNotAllocated)).To(BeTrue())

		addr, _ := b.CreateGuestTrampoline(func(*emu.GuestContext, any, any) {}, nil, nil, false)
		Expect(b.FreeGuestTrampoline(addr)).To(Succeed())
		Expect(errors.Is(b.FreeGuestTrampoline(addr), backend.ErrTrampolineNotAllocated)).To(BeTrue())
	})

	It("should fail when every slot is taken and recover after a free", func() {
		var addrs []uint32
		for i := 0; i < testTrampolineSlots; i++ {
			addr, err := b.CreateGuestTrampoline(func(*emu.GuestContext, any, any) {}, i, nil, i%3 == 0)
			Expect(err).NotTo(HaveOccurred())
			addrs = append(addrs, addr)
		}

		_, err := b.CreateGuestTrampoline(func(*emu.GuestContext, any, any) {}, nil, nil, false)
		Expect(errors.Is(err, backend.ErrTrampolinesExhausted)).To(BeTrue())

		Expect(b.FreeGuestTrampoline(addrs[17])).To(Succeed())
		addr, err := b.CreateGuestTrampoline(func(*emu.GuestContext, any, any) {}, nil, nil, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(addr).To(Equal(addrs[17]))
	})
})
