package gpu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/fault"
	"github.com/sarchlab/recompbridge/gpu"
)

var _ = Describe("Resources", func() {
	var (
		rec *fault.Recorder
		res *gpu.Resources
	)

	BeforeEach(func() {
		rec = &fault.Recorder{}
		res = gpu.NewResources(fault.New(fault.WithHandler(rec.Handle)))
	})

	It("should look up live resources by kind", func() {
		Expect(res.Create(1, &gpu.ResourceDesc{Kind: gpu.KindTexture, Width: 4})).To(BeTrue())
		desc, ok := res.Get(1, gpu.KindTexture)
		Expect(ok).To(BeTrue())
		Expect(desc.Width).To(Equal(uint32(4)))
		Expect(res.Len()).To(Equal(1))
		Expect(rec.Len()).To(BeZero())
	})

	It("should tell destroyed from unknown resources", func() {
		res.Create(1, &gpu.ResourceDesc{Kind: gpu.KindIndexBuffer})
		_, ok := res.Destroy(1)
		Expect(ok).To(BeTrue())
		Expect(res.Alive(1)).To(BeFalse())

		_, ok = res.Get(1)
		Expect(ok).To(BeFalse())
		_, ok = res.Get(2)
		Expect(ok).To(BeFalse())
		_, ok = res.Destroy(1)
		Expect(ok).To(BeFalse())

		errs := rec.Errors()
		Expect(errs).To(HaveLen(3))
		Expect(errs[0]).To(MatchError(ContainSubstring("destroyed index buffer 1")))
		Expect(errs[1]).To(MatchError(ContainSubstring("unknown resource 2")))
		Expect(errs[2]).To(MatchError(ContainSubstring("destroyed index buffer 1")))
	})

	It("should refuse duplicate and reserved ids", func() {
		Expect(res.Create(0, &gpu.ResourceDesc{Kind: gpu.KindTexture})).To(BeFalse())
		Expect(res.Create(3, &gpu.ResourceDesc{Kind: gpu.KindTexture})).To(BeTrue())
		Expect(res.Create(3, &gpu.ResourceDesc{Kind: gpu.KindTexture})).To(BeFalse())
		Expect(rec.Len()).To(Equal(2))
	})

	It("should allow an id to be recreated after destroy", func() {
		res.Create(5, &gpu.ResourceDesc{Kind: gpu.KindVertexBuffer})
		res.Destroy(5)
		Expect(res.Create(5, &gpu.ResourceDesc{Kind: gpu.KindTexture})).To(BeTrue())
		_, ok := res.Get(5, gpu.KindTexture)
		Expect(ok).To(BeTrue())
	})

	It("should hash vertex declarations by content", func() {
		a := []gpu.VertexElement{{Offset: 0, Type: 1}, {Offset: 12, Type: 2}}
		b := []gpu.VertexElement{{Offset: 0, Type: 1}, {Offset: 12, Type: 2}}
		c := []gpu.VertexElement{{Offset: 0, Type: 1}, {Offset: 16, Type: 2}}
		Expect(gpu.HashVertexElements(a)).To(Equal(gpu.HashVertexElements(b)))
		Expect(gpu.HashVertexElements(a)).NotTo(Equal(gpu.HashVertexElements(c)))
	})
})

var _ = Describe("Arena", func() {
	It("should hand each payload back once", func() {
		a := gpu.NewArena()
		i := a.Put("x")
		j := a.Put(42)
		Expect(i).NotTo(Equal(j))
		Expect(a.Len()).To(Equal(2))

		v, ok := a.Take(i)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("x"))
		_, ok = a.Take(i)
		Expect(ok).To(BeFalse())
		Expect(a.Len()).To(Equal(1))
	})
})
