package backend_test

import (
	"sync/atomic"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xrt/backend"
)

var _ = Describe("Profiler", func() {
	var p *backend.Profiler

	BeforeEach(func() {
		p = backend.NewProfiler()
	})

	It("should keep one record per function", func() {
		rec := p.RecordForFunction(0x82000000)
		Expect(p.RecordForFunction(0x82000000)).To(BeIdenticalTo(rec))
		Expect(p.RecordForFunction(0x82000010)).NotTo(BeIdenticalTo(rec))
	})

	It("should accumulate timed entries", func() {
		s := p.Begin(0x82000000)
		time.Sleep(2 * time.Millisecond)
		s.End()

		Expect(p.Snapshot()[0x82000000]).To(BeNumerically(">=", uint64(time.Millisecond)))
	})

	It("should ignore a zero sample", func() {
		Expect(func() { backend.ProfileSample{}.End() }).NotTo(Panic())
	})

	It("should snapshot and reset in place", func() {
		atomic.StoreUint64(p.RecordForFunction(0x10), 100)
		atomic.StoreUint64(p.RecordForFunction(0x20), 300)
		rec := p.RecordForFunction(0x30)
		atomic.StoreUint64(rec, 200)

		want := map[uint32]uint64{0x10: 100, 0x20: 300, 0x30: 200}
		Expect(cmp.Diff(want, p.Snapshot())).To(BeEmpty())

		p.Reset()
		Expect(cmp.Diff(map[uint32]uint64{0x10: 0, 0x20: 0, 0x30: 0}, p.Snapshot())).To(BeEmpty())
		Expect(p.RecordForFunction(0x30)).To(BeIdenticalTo(rec))
	})

	It("should rank the hottest functions", func() {
		atomic.StoreUint64(p.RecordForFunction(0x10), 100)
		atomic.StoreUint64(p.RecordForFunction(0x20), 300)
		atomic.StoreUint64(p.RecordForFunction(0x30), 300)
		atomic.StoreUint64(p.RecordForFunction(0x40), 5)

		Expect(p.Top(3)).To(Equal([]backend.ProfileEntry{
			{GuestAddress: 0x20, Nanoseconds: 300},
			{GuestAddress: 0x30, Nanoseconds: 300},
			{GuestAddress: 0x10, Nanoseconds: 100},
		}))
		Expect(p.Top(10)).To(HaveLen(4))
	})
})
