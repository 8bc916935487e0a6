package profstore_test

import (
	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xrt/backend/profstore"
)

var _ = Describe("Store", func() {
	var (
		dir   string
		store *profstore.Store
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		var err error
		store, err = profstore.Open(dir)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("should round-trip a run", func() {
		samples := map[uint32]uint64{0x82000000: 1500, 0x82000100: 20}
		id, err := store.SaveRun("boot", samples)
		Expect(err).NotTo(HaveOccurred())

		loaded, err := store.LoadRun(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(cmp.Diff(samples, loaded)).To(BeEmpty())
	})

	It("should list runs with their headers", func() {
		first, err := store.SaveRun("first", map[uint32]uint64{1: 1})
		Expect(err).NotTo(HaveOccurred())
		second, err := store.SaveRun("second", map[uint32]uint64{1: 1, 2: 2, 3: 3})
		Expect(err).NotTo(HaveOccurred())

		runs, err := store.Runs()
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(HaveLen(2))

		byID := map[uuid.UUID]profstore.Run{}
		for _, r := range runs {
			byID[r.ID] = r
		}
		Expect(byID[first].Label).To(Equal("first"))
		Expect(byID[first].Functions).To(Equal(1))
		Expect(byID[second].Label).To(Equal("second"))
		Expect(byID[second].Functions).To(Equal(3))
		Expect(runs[0].SavedAt.After(runs[1].SavedAt)).To(BeFalse())
	})

	It("should keep runs separate and aggregate them", func() {
		a, err := store.SaveRun("a", map[uint32]uint64{0x10: 5, 0x20: 7})
		Expect(err).NotTo(HaveOccurred())
		_, err = store.SaveRun("b", map[uint32]uint64{0x10: 1, 0x30: 2})
		Expect(err).NotTo(HaveOccurred())

		loaded, err := store.LoadRun(a)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(HaveLen(2))

		total, err := store.Aggregate()
		Expect(err).NotTo(HaveOccurred())
		Expect(cmp.Diff(map[uint32]uint64{0x10: 6, 0x20: 7, 0x30: 2}, total)).To(BeEmpty())
	})

	It("should delete a run and its samples", func() {
		a, _ := store.SaveRun("a", map[uint32]uint64{0x10: 5})
		b, _ := store.SaveRun("b", map[uint32]uint64{0x10: 1})

		Expect(store.DeleteRun(a)).To(Succeed())

		_, err := store.LoadRun(a)
		Expect(errors.Is(err, profstore.ErrRunNotFound)).To(BeTrue())

		runs, err := store.Runs()
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(HaveLen(1))
		Expect(runs[0].ID).To(Equal(b))

		total, err := store.Aggregate()
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(Equal(map[uint32]uint64{0x10: 1}))
	})

	It("should report unknown runs", func() {
		_, err := store.LoadRun(uuid.New())
		Expect(errors.Is(err, profstore.ErrRunNotFound)).To(BeTrue())
	})

	It("should persist across reopen", func() {
		id, err := store.SaveRun("kept", map[uint32]uint64{0x42: 9})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Close()).To(Succeed())

		store, err = profstore.Open(dir)
		Expect(err).NotTo(HaveOccurred())
		loaded, err := store.LoadRun(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(map[uint32]uint64{0x42: 9}))
	})
})
