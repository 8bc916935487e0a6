package codecache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xrt/backend/codecache"
)

var _ = Describe("Lookaside", func() {
	var l *codecache.Lookaside

	BeforeEach(func() {
		// 4 sets of 2 ways, one entry per guest instruction slot.
		l = codecache.NewLookaside(codecache.LookasideConfig{
			Entries:       8,
			Associativity: 2,
			BlockSize:     4,
		})
	})

	It("should miss on a cold cache", func() {
		_, ok := l.Lookup(0x1000)
		Expect(ok).To(BeFalse())
		Expect(l.Stats().Misses).To(Equal(uint64(1)))
	})

	It("should hit after insert", func() {
		l.Insert(0x1000, 0xDEAD0000)
		host, ok := l.Lookup(0x1000)
		Expect(ok).To(BeTrue())
		Expect(host).To(Equal(uintptr(0xDEAD0000)))
		Expect(l.Stats().Hits).To(Equal(uint64(1)))
	})

	It("should overwrite an existing entry in place", func() {
		l.Insert(0x1000, 1)
		l.Insert(0x1000, 2)
		host, _ := l.Lookup(0x1000)
		Expect(host).To(Equal(uintptr(2)))
		Expect(l.Stats().Evictions).To(BeZero())
	})

	It("should evict the least recently used way", func() {
		// 0x00, 0x10, 0x20 all map to set 0 (4 sets * 4 bytes).
		l.Insert(0x00, 1)
		l.Insert(0x10, 2)
		l.Lookup(0x00)
		l.Insert(0x20, 3)

		_, ok := l.Lookup(0x10)
		Expect(ok).To(BeFalse())
		_, ok = l.Lookup(0x00)
		Expect(ok).To(BeTrue())
		Expect(l.Stats().Evictions).To(Equal(uint64(1)))
	})

	It("should drop invalidated entries", func() {
		l.Insert(0x1000, 7)
		l.Invalidate(0x1000)
		_, ok := l.Lookup(0x1000)
		Expect(ok).To(BeFalse())
	})
})
