package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/heap"
	"github.com/sarchlab/recompbridge/mem"
)

var _ = Describe("Context", func() {
	var (
		as  *mem.AddressSpace
		u   *heap.User
		ctx *emu.Context
	)

	BeforeEach(func() {
		as, u = newGuest()
		var err error
		ctx, err = emu.NewContext(as, u, 7, emu.WithProcessor(2), emu.WithStackSize(0x10000))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(ctx.Close)
	})

	It("should lay out the control block in order", func() {
		Expect(ctx.TLSArea()).To(Equal(ctx.PCR() + emu.PCRSize))
		Expect(ctx.TEB()).To(Equal(ctx.TLSArea() + emu.TLSAreaSize))

		limit, base := ctx.Stack()
		Expect(limit).To(Equal(ctx.TEB() + emu.TEBSize))
		Expect(base - limit).To(Equal(uint32(0x10000)))
		Expect(base % 16).To(BeZero())
	})

	It("should point r1 at the stack top and r13 at the PCR", func() {
		_, base := ctx.Stack()
		Expect(ctx.R[emu.RegStack]).To(Equal(uint64(base)))
		Expect(ctx.R[emu.RegPCR]).To(Equal(uint64(ctx.PCR())))
	})

	It("should fill the PCR and TEB big-endian", func() {
		pcr := ctx.PCR()
		limit, base := ctx.Stack()

		Expect(as.Read32(pcr + emu.PCRTLSPointer)).To(Equal(ctx.TLSArea()))
		Expect(as.Read32(pcr + emu.PCRTEBPointer)).To(Equal(ctx.TEB()))
		Expect(as.Read32(pcr + emu.PCRStackBase)).To(Equal(base))
		Expect(as.Read32(pcr + emu.PCRStackLimit)).To(Equal(limit))
		Expect(as.Read8(pcr + emu.PCRProcessorNum)).To(Equal(uint8(2)))
		Expect(as.Read32(ctx.TEB() + emu.TEBThreadID)).To(Equal(uint32(7)))

		// Most significant byte first.
		Expect(as.Read8(ctx.TEB() + emu.TEBThreadID + 3)).To(Equal(uint8(7)))
	})

	It("should return the block to the heap on close", func() {
		before := u.General.Diagnostics().Allocated
		ctx.Close()
		ctx.Close()
		Expect(u.General.Diagnostics().Allocated).To(BeNumerically("<", before))
	})

	It("should fail when the heap is exhausted", func() {
		_, err := emu.NewContext(as, u, 8, emu.WithStackSize(0x7F000000))
		Expect(err).To(MatchError(ContainSubstring("control block")))
	})

	Describe("calling convention", func() {
		It("should read the first eight integer arguments from r3-r10", func() {
			for i := 0; i < 8; i++ {
				ctx.SetArgInt(i, uint64(100+i))
			}
			Expect(ctx.R[3]).To(Equal(uint64(100)))
			Expect(ctx.R[10]).To(Equal(uint64(107)))
			Expect(ctx.ArgInt32(4)).To(Equal(uint32(104)))
		})

		It("should read overflow arguments from the stack", func() {
			ctx.R[emu.RegStack] -= 0x100
			sp := uint32(ctx.R[emu.RegStack])
			as.Write64(sp+0x54, 0xAAAA)
			as.Write64(sp+0x54+8, 0xBBBB)

			Expect(ctx.ArgInt(8)).To(Equal(uint64(0xAAAA)))
			Expect(ctx.ArgInt(9)).To(Equal(uint64(0xBBBB)))

			ctx.SetArgInt(10, 0xCCCC)
			Expect(as.Read64(sp + 0x54 + 16)).To(Equal(uint64(0xCCCC)))
		})

		It("should pass floats in f1-f13", func() {
			ctx.SetArgFloat(0, 1.5)
			ctx.SetArgFloat(12, 2.5)
			Expect(ctx.F[1]).To(Equal(1.5))
			Expect(ctx.F[13]).To(Equal(2.5))
			Expect(ctx.ArgFloat(12)).To(Equal(2.5))
		})

		It("should return values in r3 and f1", func() {
			ctx.SetReturn(42)
			ctx.SetReturnFloat(0.25)
			Expect(ctx.Return()).To(Equal(uint64(42)))
			Expect(ctx.F[1]).To(Equal(0.25))
		})
	})

	Describe("Call", func() {
		It("should dispatch through the function table", func() {
			ft := emu.NewFunctionTable(codeRegion)
			ft.MustRegister(0x82000100, func(c *emu.Context, as *mem.AddressSpace) {
				c.SetReturn(c.ArgInt(0) * 2)
			})
			ft.Seal()

			c, err := emu.NewContext(as, u, 9, emu.WithFunctionTable(ft))
			Expect(err).NotTo(HaveOccurred())
			defer c.Close()

			c.SetArgInt(0, 21)
			c.Call(0x82000100)
			Expect(c.Return()).To(Equal(uint64(42)))
		})

		It("should panic on an unmapped offset", func() {
			ft := emu.NewFunctionTable(codeRegion)
			c, err := emu.NewContext(as, u, 10, emu.WithFunctionTable(ft))
			Expect(err).NotTo(HaveOccurred())
			defer c.Close()

			Expect(func() { c.Call(0x82000200) }).To(PanicWith(MatchError(ContainSubstring("0x82000200"))))
		})
	})
})
