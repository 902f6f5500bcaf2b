package emu_test

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/emu"
)

var _ = Describe("RegFile", func() {
	var r *emu.RegFile

	BeforeEach(func() {
		r = &emu.RegFile{}
	})

	It("should zero-extend 32-bit writes", func() {
		r.WriteReg(5, math.MaxUint64)
		r.WriteReg32(5, 0x12345678)
		Expect(r.ReadReg(5)).To(Equal(uint64(0x12345678)))
	})

	It("should ignore out-of-range registers", func() {
		r.WriteReg(40, 1)
		Expect(r.ReadReg(40)).To(BeZero())
	})

	It("should keep field 0 in the top nibble", func() {
		r.SetCRField(0, 0xA)
		r.SetCRField(7, 0x3)
		Expect(r.CR).To(Equal(uint32(0xA0000003)))
		Expect(r.CRField(0)).To(Equal(uint32(0xA)))
		Expect(r.CRField(7)).To(Equal(uint32(0x3)))
	})

	DescribeTable("signed compare",
		func(a, b int64, want uint32) {
			r.CompareSigned(6, a, b)
			Expect(r.CRField(6)).To(Equal(want))
		},
		Entry("less", int64(-1), int64(0), emu.CRLT),
		Entry("greater", int64(3), int64(2), emu.CRGT),
		Entry("equal", int64(7), int64(7), emu.CREQ),
	)

	It("should compare unsigned values without sign", func() {
		r.CompareUnsigned(1, math.MaxUint64, 0)
		Expect(r.CRField(1)).To(Equal(emu.CRGT))
	})

	It("should copy the summary overflow into compares", func() {
		r.XER.SO = true
		r.CompareSigned(0, 1, 1)
		Expect(r.CRField(0)).To(Equal(emu.CREQ | emu.CRSO))
	})

	It("should flag unordered float compares", func() {
		r.CompareFloat(2, math.NaN(), 1)
		Expect(r.CRField(2)).To(Equal(emu.CRSO))
		r.CompareFloat(2, 1, 2)
		Expect(r.CRField(2)).To(Equal(emu.CRLT))
	})

	It("should set carry on 32-bit overflow", func() {
		Expect(r.AddCarry(0xFFFFFFFF, 2)).To(Equal(uint32(1)))
		Expect(r.XER.CA).To(BeTrue())
		Expect(r.AddCarry(1, 2)).To(Equal(uint32(3)))
		Expect(r.XER.CA).To(BeFalse())
	})
})
