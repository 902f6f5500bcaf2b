package heap_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/heap"
	"github.com/sarchlab/recompbridge/mem"
)

var _ = Describe("User heap", func() {
	var (
		as *mem.AddressSpace
		u  *heap.User
	)

	general := mem.Region{Name: "general", Kind: mem.RegionHeap, Start: 0x00020000, End: 0x00420000}
	physical := mem.Region{Name: "physical", Kind: mem.RegionHeap, Start: 0xA0000000, End: 0xA0400000}

	BeforeEach(func() {
		var err error
		as, err = mem.Reserve()
		Expect(err).NotTo(HaveOccurred())
		u, err = heap.NewUser(as, general, physical, heap.WithLogger(GinkgoLogr))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(as.Close()).To(Succeed())
	})

	It("should reject overlapping ranges", func() {
		overlapping := mem.Region{Name: "physical", Start: 0x00400000, End: 0x00800000}
		_, err := heap.NewUser(as, general, overlapping)
		Expect(err).To(MatchError(ContainSubstring("overlap")))
	})

	It("should serve plain requests from the general heap", func() {
		g := u.AllocMem(100, 0)
		Expect(general.Contains(g)).To(BeTrue())
		Expect(u.SizeMem(g)).To(BeNumerically(">=", 100))
	})

	It("should decode the physical alignment field", func() {
		// 1 << 0xC == 4096
		g := u.AllocMem(100, heap.FlagPhysical|0x0C000000)
		Expect(physical.Contains(g)).To(BeTrue())
		Expect(g % 4096).To(BeZero())
	})

	It("should raise a zero alignment field to 16", func() {
		g := u.AllocMem(3, heap.FlagPhysical)
		Expect(g).NotTo(BeZero())
		Expect(g % 16).To(BeZero())
	})

	It("should zero memory when asked", func() {
		g := u.AllocMem(64, 0)
		for i := uint32(0); i < 64; i++ {
			as.Write8(g+i, 0xFF)
		}
		u.FreeMem(g)

		z := u.AllocMem(64, heap.FlagZero)
		Expect(z).To(Equal(g))
		Expect(as.Bytes(z, 64)).To(Equal(make([]byte, 64)))
	})

	It("should route frees to the owning heap", func() {
		g := u.AllocMem(100, 0)
		p := u.AllocMem(100, heap.FlagPhysical)
		u.FreeMem(g)
		u.FreeMem(p)
		u.FreeMem(0)

		Expect(u.General.Diagnostics().Allocated).To(BeZero())
		Expect(u.Physical.Diagnostics().Allocated).To(BeZero())
	})

	It("should panic when a must-allocation cannot be served", func() {
		Expect(func() { u.MustAlloc(0x10000000) }).To(Panic())
		Expect(func() { u.MustAllocPhysical(0x10000000, 0) }).To(Panic())
		Expect(u.MustAlloc(16)).NotTo(BeZero())
	})
})
