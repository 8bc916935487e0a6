package backend_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xrt/backend"
	"github.com/sarchlab/xrt/emu"
)

// storeInterceptor runs a hook when a store to addr is announced, then hands
// the store on to the reservation helper.
type storeInterceptor struct {
	next emu.StoreObserver
	addr uint32
	hook func()
}

func (s *storeInterceptor) InvalidateStore(addr, size uint32) {
	if addr == s.addr && s.hook != nil {
		hook := s.hook
		s.hook = nil
		hook()
	}
	s.next.InvalidateStore(addr, size)
}

var _ = Describe("Reservations", func() {
	var (
		mem *emu.Memory
		b   *backend.Backend
		t0  *backend.Thread
		t1  *backend.Thread
	)

	BeforeEach(func() {
		mem = emu.NewMemory()
		b = newTestBackend(mem, testConfig())
		t0 = b.NewThread(0)
		t1 = b.NewThread(1)
	})

	AfterEach(func() {
		t0.Close()
		t1.Close()
		Expect(b.Close()).To(Succeed())
	})

	Describe("ReserveLocation", func() {
		It("should map each 64 KiB block to one bit", func() {
			offset, bit := backend.ReserveLocation(0x0000FFFF)
			Expect(offset).To(BeZero())
			Expect(bit).To(BeZero())

			offset, bit = backend.ReserveLocation(0x00010000)
			Expect(offset).To(BeZero())
			Expect(bit).To(Equal(uint32(1)))

			offset, bit = backend.ReserveLocation(0x82345678)
			block := uint32(0x82345678) >> 16
			Expect(offset).To(Equal(uint64(block/64) * 8))
			Expect(bit).To(Equal(block % 64))
		})
	})

	Describe("load-reserve and store-conditional", func() {
		It("should succeed with no intervening store", func() {
			mem.Write32(0x1000, 7)

			Expect(t0.Reserve32(0x1000)).To(Equal(uint32(7)))
			Expect(t0.Context().HasReservation()).To(BeTrue())
			Expect(b.ReserveHelper().IsReserved(0x1000)).To(BeTrue())

			Expect(t0.StoreConditional32(0x1000, 8)).To(BeTrue())
			Expect(mem.Read32(0x1000)).To(Equal(uint32(8)))
			Expect(t0.Context().HasReservation()).To(BeFalse())
			Expect(b.ReserveHelper().IsReserved(0x1000)).To(BeFalse())
		})

		It("should fail after a store to the same block by another thread", func() {
			mem.Write32(0x1000, 1)
			t0.Reserve32(0x1000)

			t1.Guest().R[3] = 0x1008
			t1.Guest().R[4] = 0xDEAD
			t1.LoadStore().STW(4, 3, 0)

			Expect(t0.StoreConditional32(0x1000, 2)).To(BeFalse())
			Expect(mem.Read32(0x1000)).To(Equal(uint32(1)))
			Expect(mem.Read32(0x1008)).To(Equal(uint32(0xDEAD)))
		})

		It("should fail after a store of the reserved value itself", func() {
			mem.Write32(0x1000, 7)
			Expect(t0.Reserve32(0x1000)).To(Equal(uint32(7)))

			mem.Write32(0x1000, 7)

			Expect(t0.StoreConditional32(0x1000, 8)).To(BeFalse())
			Expect(mem.Read32(0x1000)).To(Equal(uint32(7)))
		})

		It("should break the reservation before the store is visible", func() {
			mem.Write32(0x1000, 5)
			t0.Reserve32(0x1000)

			var (
				seen uint32
				ok   bool
			)
			mem.SetStoreObserver(&storeInterceptor{
				next: b.ReserveHelper(),
				addr: 0x1008,
				hook: func() {
					seen = mem.Read32(0x1008)
					ok = t0.StoreConditional32(0x1000, 6)
				},
			})

			mem.Write32(0x1008, 0xBEEF)

			// The conditional store ran before the plain one was published,
			// so it is ordered first and may succeed.
			Expect(seen).To(BeZero())
			Expect(ok).To(BeTrue())
			Expect(mem.Read32(0x1000)).To(Equal(uint32(6)))
			Expect(mem.Read32(0x1008)).To(Equal(uint32(0xBEEF)))
		})

		It("should break reservations on blocks a wrapping store reaches", func() {
			t0.Reserve32(0x0)
			mem.WriteBytes(0xFFFFFFFE, []byte{1, 2, 3, 4})

			Expect(b.ReserveHelper().IsReserved(0x0)).To(BeFalse())
			Expect(b.ReserveHelper().IsReserved(0xFFFF0000)).To(BeFalse())
			Expect(t0.StoreConditional32(0x0, 1)).To(BeFalse())
			Expect(mem.Read32(0x0)).To(Equal(uint32(0x03040000)))
		})

		It("should not be broken by a store to another block", func() {
			t0.Reserve32(0x1000)
			mem.Write32(0x20000, 5)
			Expect(t0.StoreConditional32(0x1000, 9)).To(BeTrue())
		})

		It("should fail without a reservation", func() {
			Expect(t0.StoreConditional32(0x1000, 1)).To(BeFalse())
			Expect(mem.Read32(0x1000)).To(BeZero())
		})

		It("should fail for an address in a different block", func() {
			t0.Reserve32(0x1000)
			Expect(t0.StoreConditional32(0x30000, 1)).To(BeFalse())
			Expect(t0.Context().HasReservation()).To(BeFalse())
		})

		It("should consume the reservation even when it fails", func() {
			t0.Reserve32(0x1000)
			mem.Write8(0x1003, 1)
			Expect(t0.StoreConditional32(0x1000, 1)).To(BeFalse())

			Expect(t0.StoreConditional32(0x1000, 1)).To(BeFalse())
		})

		It("should let only one of two reserving threads succeed", func() {
			mem.Write32(0x4000, 10)
			t0.Reserve32(0x4000)
			t1.Reserve32(0x4000)

			Expect(t1.StoreConditional32(0x4000, 11)).To(BeTrue())
			Expect(t0.StoreConditional32(0x4000, 11)).To(BeFalse())
			Expect(mem.Read32(0x4000)).To(Equal(uint32(11)))
		})

		It("should handle doublewords", func() {
			mem.Write64(0x8000, 0x0102030405060708)
			Expect(t0.Reserve64(0x8000)).To(Equal(uint64(0x0102030405060708)))
			Expect(t0.StoreConditional64(0x8000, 0x1112131415161718)).To(BeTrue())
			Expect(mem.Read64(0x8000)).To(Equal(uint64(0x1112131415161718)))
		})

		It("should invalidate every block a wide store touches", func() {
			t0.Reserve32(0x20000)
			mem.WriteBytes(0x1FFFE, []byte{1, 2, 3, 4})
			Expect(b.ReserveHelper().IsReserved(0x20000)).To(BeFalse())
			Expect(t0.StoreConditional32(0x20000, 1)).To(BeFalse())
		})
	})

	Describe("through the load/store unit", func() {
		It("should report the outcome in CR0", func() {
			g := t0.Guest()
			g.R[3] = 0x1000
			g.R[4] = 0
			g.R[6] = 99
			g.XER.SO = true
			mem.Write32(0x1000, 42)

			lsu := t0.LoadStore()
			lsu.LWARX(5, 3, 4)
			Expect(g.R[5]).To(Equal(uint64(42)))

			Expect(lsu.STWCX(6, 3, 4)).To(BeTrue())
			Expect(g.CR[0]).To(Equal(emu.CRField{EQ: true, SO: true}))
			Expect(mem.Read32(0x1000)).To(Equal(uint32(99)))

			Expect(lsu.STWCX(6, 3, 4)).To(BeFalse())
			Expect(g.CR[0].EQ).To(BeFalse())
		})

		It("should break reservations on ordinary guest stores", func() {
			g0, g1 := t0.Guest(), t1.Guest()
			g0.R[3] = 0x1000
			g1.R[3] = 0x1000
			g1.R[7] = 0xABCD

			t0.LoadStore().LWARX(5, 3, 0)
			t1.LoadStore().STW(7, 3, 8)

			Expect(t0.LoadStore().STWCX(5, 3, 0)).To(BeFalse())
		})
	})

	Describe("concurrency", func() {
		It("should never lose an increment under contention", func() {
			const workers, iterations = 8, 500
			threads := make([]*backend.Thread, workers)
			for i := range threads {
				threads[i] = b.NewThread(uint32(10 + i))
			}

			var wg sync.WaitGroup
			for _, t := range threads {
				wg.Add(1)
				go func(t *backend.Thread) {
					defer wg.Done()
					for n := 0; n < iterations; n++ {
						for {
							v := t.Reserve32(0x5000)
							if t.StoreConditional32(0x5000, v+1) {
								break
							}
						}
					}
				}(t)
			}
			wg.Wait()

			Expect(mem.Read32(0x5000)).To(Equal(uint32(workers * iterations)))
		})

		It("should let threads on disjoint blocks always succeed", func() {
			const workers, iterations = 8, 200
			failures := make([]int, workers)

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					t := b.NewThread(uint32(100 + i))
					addr := uint32(0x100000 + i*0x10000)
					for n := 0; n < iterations; n++ {
						v := t.Reserve32(addr)
						if !t.StoreConditional32(addr, v+1) {
							failures[i]++
						}
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < workers; i++ {
				Expect(failures[i]).To(BeZero())
				Expect(mem.Read32(uint32(0x100000 + i*0x10000))).To(Equal(uint32(iterations)))
			}
		})
	})
})
