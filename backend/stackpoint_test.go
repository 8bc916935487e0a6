package backend_test

import (
	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xrt/backend"
	"github.com/sarchlab/xrt/config"
	"github.com/sarchlab/xrt/emu"
)

var _ = Describe("Stackpoints", func() {
	var (
		cfg *config.Config
		b   *backend.Backend
		t   *backend.Thread
	)

	BeforeEach(func() {
		cfg = testConfig()
		cfg.MaxStackpoints = 4
	})

	JustBeforeEach(func() {
		b = newTestBackend(emu.NewMemory(), cfg)
		t = b.NewThread(0)
	})

	AfterEach(func() {
		t.Close()
		Expect(b.Close()).To(Succeed())
	})

	It("should push and pop in order", func() {
		Expect(t.PushStackpoint(0x7000, 0x70000000, 0x82000010)).To(BeTrue())
		Expect(t.PushStackpoint(0x6F00, 0x6FFFFF00, 0x82000020)).To(BeTrue())
		Expect(t.Context().StackpointDepth()).To(Equal(uint32(2)))

		sp, ok := t.PopStackpoint()
		Expect(ok).To(BeTrue())
		Expect(sp).To(Equal(backend.Stackpoint{
			HostStack: 0x6F00, GuestStack: 0x6FFFFF00, GuestReturnAddress: 0x82000020,
		}))
		Expect(t.Context().StackpointDepth()).To(Equal(uint32(1)))
	})

	It("should do nothing when popping an empty table", func() {
		_, ok := t.PopStackpoint()
		Expect(ok).To(BeFalse())
		Expect(t.Context().StackpointDepth()).To(BeZero())
	})

	It("should drop pushes beyond capacity but keep the depth balanced", func() {
		for i := 0; i < 4; i++ {
			Expect(t.PushStackpoint(uint64(0x8000-i*0x100), uint32(0x70000000-i*0x100), uint32(i))).To(BeTrue())
		}
		Expect(t.PushStackpoint(0x7000, 0x6FFFF000, 99)).To(BeFalse())
		Expect(t.PushStackpoint(0x6F00, 0x6FFFE000, 100)).To(BeFalse())
		Expect(t.Context().StackpointDepth()).To(Equal(uint32(6)))
		Expect(t.Context().Stackpoints()).To(HaveLen(4))

		_, ok := t.PopStackpoint()
		Expect(ok).To(BeFalse())
		_, ok = t.PopStackpoint()
		Expect(ok).To(BeFalse())

		sp, ok := t.PopStackpoint()
		Expect(ok).To(BeTrue())
		Expect(sp.GuestReturnAddress).To(Equal(uint32(3)))
	})

	It("should find the frame covering a host stack pointer", func() {
		t.PushStackpoint(0x9000, 0x70000000, 1)
		t.PushStackpoint(0x8000, 0x6FFFFF00, 2)
		t.PushStackpoint(0x7000, 0x6FFFFE00, 3)

		sp, i, ok := t.Context().LookupStackpoint(0x8800)
		Expect(ok).To(BeTrue())
		Expect(i).To(Equal(1))
		Expect(sp.GuestReturnAddress).To(Equal(uint32(2)))

		_, _, ok = t.Context().LookupStackpoint(0x6000)
		Expect(ok).To(BeFalse())
	})

	Describe("SynchronizeStack", func() {
		It("should unwind frames the guest has returned past", func() {
			t.PushStackpoint(0x9000, 0x70000000, 1)
			t.PushStackpoint(0x8000, 0x6FFFFF00, 2)
			t.PushStackpoint(0x7000, 0x6FFFFE00, 3)

			t.Guest().R[1] = 0x6FFFFF00
			host, unwound, err := t.SynchronizeStack()
			Expect(err).NotTo(HaveOccurred())
			Expect(unwound).To(Equal(1))
			Expect(host).To(Equal(uint64(0x8000)))
			Expect(t.Context().StackpointDepth()).To(Equal(uint32(2)))
		})

		It("should fail when no frame survives", func() {
			t.PushStackpoint(0x9000, 0x70000000, 1)
			t.Guest().R[1] = 0x70001000

			_, unwound, err := t.SynchronizeStack()
			Expect(err).To(HaveOccurred())
			Expect(unwound).To(Equal(1))
			Expect(t.Context().StackpointDepth()).To(BeZero())
		})

		Context("when synchronization is disabled", func() {
			BeforeEach(func() {
				cfg.EnableHostGuestStackSynchronization = false
			})

			It("should allocate no storage and refuse to synchronize", func() {
				Expect(t.PushStackpoint(0x9000, 0x70000000, 1)).To(BeFalse())
				_, _, err := t.SynchronizeStack()
				Expect(errors.Is(err, backend.ErrStackSyncDisabled)).To(BeTrue())

				var st backend.GuestPseudoStackTrace
				Expect(b.PopulatePseudoStacktrace(t, &st)).To(BeFalse())
			})
		})
	})

	Describe("PopulatePseudoStacktrace", func() {
		It("should list return addresses innermost first", func() {
			t.PushStackpoint(0x9000, 0x70000000, 0x82000100)
			t.PushStackpoint(0x8000, 0x6FFFFF00, 0x82000200)

			var st backend.GuestPseudoStackTrace
			Expect(b.PopulatePseudoStacktrace(t, &st)).To(BeTrue())
			Expect(st.Frames()).To(Equal([]uint32{0x82000200, 0x82000100}))
			Expect(st.GuestStackPointer[0]).To(Equal(uint32(0x6FFFFF00)))
			Expect(st.Truncated).To(BeFalse())
		})

		It("should report an empty table", func() {
			var st backend.GuestPseudoStackTrace
			Expect(b.PopulatePseudoStacktrace(t, &st)).To(BeFalse())
			Expect(st.Count).To(BeZero())
		})

		Context("with more frames than a trace holds", func() {
			BeforeEach(func() {
				cfg.MaxStackpoints = 40
			})

			It("should truncate", func() {
				for i := 0; i < 40; i++ {
					t.PushStackpoint(uint64(0x10000-i*16), uint32(0x70000000-i*16), uint32(i))
				}

				var st backend.GuestPseudoStackTrace
				Expect(b.PopulatePseudoStacktrace(t, &st)).To(BeTrue())
				Expect(st.Count).To(Equal(backend.MaxPseudoStackFrames))
				Expect(st.Truncated).To(BeTrue())
				Expect(st.ReturnAddresses[0]).To(Equal(uint32(39)))
			})
		})
	})

	Describe("reentry", func() {
		It("should clear the table and the reservation", func() {
			t.PushStackpoint(0x9000, 0x70000000, 1)
			t.Reserve32(0x1000)

			b.PrepareForReentry(t.Context())
			Expect(t.Context().StackpointDepth()).To(BeZero())
			Expect(t.Context().HasReservation()).To(BeFalse())
		})
	})
})
