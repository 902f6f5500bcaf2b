package gpu_test

import (
	"unsafe"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/gpu"
)

var _ = Describe("Command", func() {
	It("should be 64 bytes", func() {
		Expect(unsafe.Sizeof(gpu.Command{})).To(Equal(uintptr(64)))
	})

	It("should carry float operands as bits", func() {
		c := gpu.SetViewportCmd(gpu.Viewport{Width: 1280, Height: 720, MinZ: 0.25, MaxZ: 1})
		Expect(c.Op).To(Equal(gpu.OpSetViewport))
		Expect(c.Args[2]).To(Equal(uint32(1280)))
		Expect(c.Float(4)).To(Equal(float32(0.25)))
		Expect(c.Float(5)).To(Equal(float32(1)))
	})

	It("should name opcodes", func() {
		Expect(gpu.OpDrawIndexed.String()).To(Equal("DrawIndexed"))
		Expect(gpu.Op(200).String()).To(Equal("Op(200)"))
	})

	It("should reject callbacks with too many arguments", func() {
		Expect(func() {
			gpu.GuestCallbackCmd(0x82000000, 1, 2, 3, 4, 5, 6, 7, 8, 9)
		}).To(Panic())
		c := gpu.GuestCallbackCmd(0x82000000, 7, 9)
		Expect(c.Slot).To(Equal(uint8(2)))
		Expect(c.Args[:2]).To(Equal([]uint32{7, 9}))
	})

	DescribeTable("vertex counts",
		func(prim gpu.PrimitiveType, prims, want uint32) {
			Expect(prim.VertexCount(prims)).To(Equal(want))
		},
		Entry("points", gpu.PrimPointList, uint32(5), uint32(5)),
		Entry("lines", gpu.PrimLineList, uint32(5), uint32(10)),
		Entry("line strip", gpu.PrimLineStrip, uint32(5), uint32(6)),
		Entry("triangles", gpu.PrimTriangleList, uint32(2), uint32(6)),
		Entry("triangle strip", gpu.PrimTriangleStrip, uint32(2), uint32(4)),
		Entry("fan", gpu.PrimTriangleFan, uint32(3), uint32(5)),
		Entry("rects", gpu.PrimRectList, uint32(1), uint32(3)),
		Entry("quads", gpu.PrimQuadList, uint32(2), uint32(8)),
		Entry("nothing", gpu.PrimTriangleStrip, uint32(0), uint32(0)),
	)
})

var _ = Describe("PipelineState", func() {
	It("should decode what it encodes", func() {
		s := gpu.PipelineState{
			VertexShader: 0x1111,
			PixelShader:  0x2222,
			VertexDecl:   0x3333,
			Topology:     gpu.PrimTriangleStrip,
			RenderStates: gpu.DefaultRenderStates(),
			DepthFormat:  0x1A,
		}
		s.ColorFormats[0] = 0x86
		s.RenderStates[gpu.RSCullMode] = 1

		got, err := gpu.DecodePipelineState(s.Encode())
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(s))
	})

	It("should give different states different keys", func() {
		a := gpu.PipelineState{RenderStates: gpu.DefaultRenderStates()}
		b := a
		b.RenderStates[gpu.RSAlphaBlendEnable] = 1
		Expect(a.Encode()).NotTo(Equal(b.Encode()))
	})

	It("should reject truncated keys", func() {
		_, err := gpu.DecodePipelineState([]byte{1, 2, 3})
		Expect(err).To(HaveOccurred())
	})
})
