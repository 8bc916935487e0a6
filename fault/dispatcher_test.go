package fault_test

import (
	"github.com/cockroachdb/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/xrt/fault"
)

var _ = Describe("Dispatcher", func() {
	var (
		d        *fault.Dispatcher
		reported []error
		ex       *fault.Exception
	)

	BeforeEach(func() {
		reported = nil
		d = fault.NewDispatcher(func(_ *fault.Exception, err error) {
			reported = append(reported, err)
		})
		ex = &fault.Exception{
			Code:         fault.AccessViolation,
			FaultAddress: 0x7FC00010,
			Access:       fault.AccessWrite,
			Context:      &fault.HostContext{RIP: 0x401000},
		}
	})

	It("should stop at the first handler that claims the exception", func() {
		var order []string
		d.Install(func(*fault.Exception) bool { order = append(order, "a"); return false })
		d.Install(func(*fault.Exception) bool { order = append(order, "b"); return true })
		d.Install(func(*fault.Exception) bool { order = append(order, "c"); return true })

		Expect(d.Dispatch(ex)).To(BeTrue())
		Expect(order).To(Equal([]string{"a", "b"}))
		Expect(reported).To(BeEmpty())
	})

	It("should report unclaimed exceptions", func() {
		d.Install(func(*fault.Exception) bool { return false })

		Expect(d.Dispatch(ex)).To(BeFalse())
		Expect(reported).To(HaveLen(1))
		Expect(errors.Is(reported[0], fault.ErrUnhandled)).To(BeTrue())
		Expect(reported[0].Error()).To(ContainSubstring("access-violation at pc=0x401000 addr=0x7fc00010"))
	})

	It("should let handlers change the resume context", func() {
		d.Install(func(e *fault.Exception) bool {
			e.Context.RIP += 3
			return true
		})
		Expect(d.Dispatch(ex)).To(BeTrue())
		Expect(ex.PC()).To(Equal(uint64(0x401003)))
	})

	It("should remove handlers once", func() {
		calls := 0
		remove := d.Install(func(*fault.Exception) bool { calls++; return true })
		keep := d.Install(func(*fault.Exception) bool { return false })
		defer keep()

		remove()
		remove()
		Expect(d.Len()).To(Equal(1))

		Expect(d.Dispatch(ex)).To(BeFalse())
		Expect(calls).To(BeZero())
	})

	It("should work without a reporter", func() {
		d.SetReporter(nil)
		Expect(d.Dispatch(ex)).To(BeFalse())
	})

	It("should name exception codes", func() {
		Expect(fault.IllegalInstruction.String()).To(Equal("illegal-instruction"))
		Expect(fault.Code(9).String()).To(Equal("code(9)"))
	})

	It("should expose the stack pointer", func() {
		ctx := &fault.HostContext{}
		ctx.GPR[fault.RSP] = 0x7FFF0000
		Expect(ctx.RSP()).To(Equal(uint64(0x7FFF0000)))
	})
})
