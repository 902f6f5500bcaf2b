package gpu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sarchlab/recompbridge/gpu"
	"github.com/sarchlab/recompbridge/metrics"
)

func flushed(t *gpu.StateTracker) []gpu.DirtySet {
	var out []gpu.DirtySet
	t.Flush(func(c gpu.DirtySet) {
		out = append(out, c)
	})
	return out
}

var _ = Describe("StateTracker", func() {
	var (
		t *gpu.StateTracker
		m *metrics.Set
	)

	BeforeEach(func() {
		m = metrics.New(prometheus.NewRegistry())
		t = gpu.NewStateTracker(m)
	})

	It("should start with everything dirty", func() {
		Expect(t.Dirty()).To(Equal(gpu.DirtyAll))
		Expect(flushed(t)).To(HaveLen(10))
		Expect(t.Dirty()).To(BeZero())
		Expect(flushed(t)).To(BeEmpty())
	})

	It("should flush categories in fixed order", func() {
		flushed(t)

		t.SetIndices(gpu.IndexBinding{Buffer: 9})
		t.SetStream(0, gpu.Stream{Buffer: 3, Stride: 16})
		t.SetTexture(2, 5)
		t.SetConstants(gpu.StagePixel, 0, []float32{1, 2, 3, 4})
		t.SetConstants(gpu.StageVertex, 4, []float32{1, 2, 3, 4})
		t.SetRenderState(gpu.RSCullMode, 1)
		t.SetScissor(gpu.Rect{Right: 10, Bottom: 10})
		t.SetViewport(gpu.Viewport{Width: 10, Height: 10})
		t.SetDepthStencil(7, 0x1A)
		t.SetRenderTarget(0, 6, 0x86)

		Expect(flushed(t)).To(Equal([]gpu.DirtySet{
			gpu.DirtyRenderTargets,
			gpu.DirtyDepthStencil,
			gpu.DirtyViewport,
			gpu.DirtyScissor,
			gpu.DirtyPipeline,
			gpu.DirtyVertexConstants,
			gpu.DirtyPixelConstants,
			gpu.DirtyTextures,
			gpu.DirtyStreams,
			gpu.DirtyIndexBuffer,
		}))
	})

	It("should not mark state set to its current value", func() {
		v := gpu.Viewport{Width: 640, Height: 480, MaxZ: 1}
		Expect(t.SetViewport(v)).To(BeTrue())
		flushed(t)

		Expect(t.SetViewport(v)).To(BeFalse())
		Expect(t.SetRenderState(gpu.RSZEnable, 1)).To(BeFalse())
		Expect(t.SetTexture(0, 0)).To(BeFalse())
		Expect(t.SetSamplerState(0, gpu.SamplerAddressU, 1)).To(BeFalse())
		Expect(t.SetStream(1, gpu.Stream{})).To(BeFalse())
		Expect(t.SetConstants(gpu.StageVertex, 0, []float32{0, 0, 0, 0})).To(BeFalse())
		Expect(t.Dirty()).To(BeZero())
		Expect(testutil.ToFloat64(m.RedundantStateSets)).To(Equal(6.0))
	})

	It("should be idempotent for any repeated set", func() {
		flushed(t)
		for i := 0; i < 3; i++ {
			t.SetRenderState(gpu.RSAlphaBlendEnable, 1)
			t.SetViewport(gpu.Viewport{Width: 100})
		}
		Expect(flushed(t)).To(Equal([]gpu.DirtySet{gpu.DirtyViewport, gpu.DirtyPipeline}))
	})

	It("should track the union of dirty constant ranges", func() {
		flushed(t)
		t.SetConstants(gpu.StageVertex, 8, []float32{1, 1, 1, 1})
		t.SetConstants(gpu.StageVertex, 2, []float32{2, 2, 2, 2, 3, 3, 3, 3})

		start, data := t.Constants(gpu.StageVertex)
		Expect(start).To(Equal(uint32(2)))
		Expect(data).To(HaveLen(7 * 4))
		Expect(data[:8]).To(Equal([]float32{2, 2, 2, 2, 3, 3, 3, 3}))
		Expect(data[24:]).To(Equal([]float32{1, 1, 1, 1}))
	})

	It("should track dirty texture stages and streams", func() {
		flushed(t)
		t.SetTexture(3, 11)
		t.SetSamplerState(5, gpu.SamplerMinFilter, 2)
		t.SetStream(1, gpu.Stream{Buffer: 4, Stride: 32})
		Expect(t.DirtyTextures()).To(Equal(uint16(1<<3 | 1<<5)))
		Expect(t.DirtyStreams()).To(Equal(uint16(1 << 1)))

		flushed(t)
		Expect(t.DirtyTextures()).To(BeZero())
		Expect(t.DirtyStreams()).To(BeZero())
	})

	It("should put target formats and topology into the pipeline", func() {
		flushed(t)
		t.SetRenderTarget(1, 4, 0x86)
		Expect(t.Dirty().Has(gpu.DirtyRenderTargets | gpu.DirtyPipeline)).To(BeTrue())
		Expect(t.Pipeline().ColorFormats[1]).To(Equal(gpu.Format(0x86)))

		flushed(t)
		Expect(t.SetTopology(gpu.PrimTriangleList)).To(BeFalse())
		Expect(t.SetTopology(gpu.PrimLineList)).To(BeTrue())
		Expect(t.Dirty()).To(Equal(gpu.DirtyPipeline))
	})

	It("should count flushed categories", func() {
		flushed(t)
		t.SetViewport(gpu.Viewport{Width: 1})
		flushed(t)
		Expect(testutil.ToFloat64(m.StateFlushes.WithLabelValues("viewport"))).To(Equal(2.0))
	})
})
