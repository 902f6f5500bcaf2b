package gpu_test

import (
	"context"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sarchlab/recompbridge/config"
	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/fault"
	"github.com/sarchlab/recompbridge/gpu"
	"github.com/sarchlab/recompbridge/gpu/shadercache"
	"github.com/sarchlab/recompbridge/heap"
	"github.com/sarchlab/recompbridge/mem"
	"github.com/sarchlab/recompbridge/metrics"
)

const (
	vsHash = 0x1000000000000001
	psHash = 0x2000000000000002

	targetFormat = gpu.Format(0x86)
)

var elements = []gpu.VertexElement{
	{Stream: 0, Offset: 0, Type: 0x2A23B9, Usage: 0},
	{Stream: 0, Offset: 12, Type: 0x18280186, Usage: 10},
}

type fixture struct {
	backend *gpu.RecordingBackend
	faults  *fault.Recorder
	metrics *metrics.Set
	config  *config.Config
	r       *gpu.Renderer
	dev     *gpu.Device

	target, vs, ps, decl, vb uint32
}

func newFixture(opts ...gpu.RendererOption) *fixture {
	f := &fixture{
		backend: gpu.NewRecordingBackend(),
		faults:  &fault.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
		config:  config.Default(),
	}
	f.config.QueueCapacity = 1024
	f.config.BatchSize = 64
	f.config.CompileWorkers = 2

	shaders := shadercache.New()
	Expect(shaders.Insert(vsHash, []byte("vs"))).To(Succeed())
	Expect(shaders.Insert(psHash, []byte("ps"))).To(Succeed())

	trap := fault.New(fault.WithHandler(f.faults.Handle))
	opts = append([]gpu.RendererOption{
		gpu.WithTrap(trap),
		gpu.WithLogger(GinkgoLogr),
		gpu.WithMetrics(f.metrics),
		gpu.WithConfig(f.config),
	}, opts...)
	f.r = gpu.NewRenderer(f.backend, opts...)
	Expect(f.r.Start()).To(Succeed())
	DeferCleanup(f.r.Stop)

	f.dev = gpu.NewDevice(f.r, shaders)
	return f
}

func must(id uint32, err error) uint32 {
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return id
}

// scene creates and binds a render target, a shader pair, a vertex
// declaration and a vertex buffer, draws once so everything is flushed, and
// forgets the recorded calls.
func (f *fixture) scene() {
	d := f.dev
	f.target = must(d.CreateRenderTarget(64, 32, targetFormat))
	f.vs = must(d.CreateVertexShader(vsHash))
	f.ps = must(d.CreatePixelShader(psHash))
	f.decl = must(d.CreateVertexDeclaration(elements))
	f.vb = must(d.CreateVertexBuffer(0xA0000000, 0x1000))

	Expect(d.SetRenderTarget(0, f.target)).To(Succeed())
	Expect(d.SetVertexShader(f.vs)).To(Succeed())
	Expect(d.SetPixelShader(f.ps)).To(Succeed())
	Expect(d.SetVertexDeclaration(f.decl)).To(Succeed())
	Expect(d.SetStreamSource(0, f.vb, 0, 24)).To(Succeed())
	Expect(d.DrawPrimitive(gpu.PrimTriangleList, 0, 1)).To(Succeed())
	Expect(f.r.Flush()).To(Succeed())

	Expect(f.backend.Methods()).To(ContainElement("Draw"))
	f.backend.ResetCalls()
}

func (f *fixture) state() gpu.PipelineState {
	s := gpu.PipelineState{
		VertexShader: vsHash,
		PixelShader:  psHash,
		VertexDecl:   gpu.HashVertexElements(elements),
		Topology:     gpu.PrimTriangleList,
		RenderStates: gpu.DefaultRenderStates(),
	}
	s.ColorFormats[0] = targetFormat
	return s
}

func count(calls []gpu.Call, method string) int {
	n := 0
	for _, c := range calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

var _ = Describe("Renderer", func() {
	var f *fixture

	Context("with a bound scene", func() {
		BeforeEach(func() {
			f = newFixture()
			f.scene()
		})

		It("should bind a viewport set twice exactly once before the draw", func() {
			v := gpu.Viewport{Width: 320, Height: 240, MaxZ: 1}
			Expect(f.dev.SetViewport(v)).To(Succeed())
			Expect(f.dev.SetViewport(v)).To(Succeed())
			Expect(f.dev.DrawPrimitive(gpu.PrimTriangleList, 0, 1)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())

			want := []gpu.Call{
				{Method: "SetViewport", Args: []any{v}},
				{Method: "Draw", Args: []any{gpu.PrimTriangleList, uint32(0), uint32(3)}},
			}
			Expect(cmp.Diff(want, f.backend.Calls())).To(BeEmpty())
			Expect(testutil.ToFloat64(f.metrics.RedundantStateSets)).To(BeNumerically(">=", 1))
		})

		It("should issue nothing but the draw when no state changed", func() {
			Expect(f.dev.DrawPrimitive(gpu.PrimTriangleList, 3, 1)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())
			Expect(f.backend.Methods()).To(Equal([]string{"Draw"}))
		})

		It("should execute commands in submission order", func() {
			for i := uint32(0); i < 200; i++ {
				Expect(f.dev.Clear(gpu.ClearTarget, i, 1, 0)).To(Succeed())
			}
			Expect(f.r.Flush()).To(Succeed())

			var colors []uint32
			for _, c := range f.backend.Calls() {
				if c.Method == "Clear" {
					colors = append(colors, c.Args[1].(uint32))
				}
			}
			Expect(colors).To(HaveLen(200))
			for i, c := range colors {
				Expect(c).To(Equal(uint32(i)))
			}
		})

		It("should trap a draw reading a destroyed texture", func() {
			tex := must(f.dev.CreateTexture(16, 16, 1, 0x52, 0xA0010000))
			Expect(f.dev.SetTexture(0, tex)).To(Succeed())
			Expect(f.dev.Release(tex)).To(Succeed())
			Expect(f.dev.DrawPrimitive(gpu.PrimTriangleList, 0, 1)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())

			Expect(f.faults.Errors()).To(HaveLen(1))
			Expect(f.faults.Errors()[0]).To(MatchError(ContainSubstring("destroyed texture")))
			Expect(f.backend.Methods()).NotTo(ContainElement("Draw"))
		})

		It("should trap a reference to an unknown resource", func() {
			Expect(f.dev.SetStreamSource(1, 999, 0, 16)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())
			Expect(f.faults.Errors()).To(ConsistOf(MatchError(ContainSubstring("unknown resource 999"))))
		})

		It("should trap a resource of the wrong kind", func() {
			Expect(f.dev.SetTexture(0, f.vb)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())
			Expect(f.faults.Errors()).To(ConsistOf(MatchError(ContainSubstring("is a vertex buffer"))))
		})

		It("should trap an indexed draw without an index buffer", func() {
			Expect(f.dev.DrawIndexedPrimitive(gpu.PrimTriangleList, 0, 0, 1)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())
			Expect(f.faults.Len()).To(Equal(1))
		})

		It("should draw indexed through the bound index buffer", func() {
			ib := must(f.dev.CreateIndexBuffer(0xA0002000, 0x100, gpu.Index32))
			Expect(f.dev.SetIndices(ib)).To(Succeed())
			Expect(f.dev.DrawIndexedPrimitive(gpu.PrimTriangleStrip, -4, 6, 2)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())

			calls := f.backend.Calls()
			Expect(calls[len(calls)-1]).To(Equal(gpu.Call{
				Method: "DrawIndexed",
				Args:   []any{gpu.PrimTriangleStrip, int32(-4), uint32(6), uint32(4)},
			}))
			Expect(f.backend.Methods()).To(ContainElement("BindIndexBuffer"))
			Expect(f.backend.Methods()).To(ContainElement("BindPipeline"))
		})

		It("should reuse compiled pipelines", func() {
			Expect(f.backend.Compiles()).To(Equal(1))

			Expect(f.dev.SetRenderState(gpu.RSAlphaBlendEnable, 1)).To(Succeed())
			Expect(f.dev.DrawPrimitive(gpu.PrimTriangleList, 0, 1)).To(Succeed())
			Expect(f.dev.SetRenderState(gpu.RSAlphaBlendEnable, 0)).To(Succeed())
			Expect(f.dev.DrawPrimitive(gpu.PrimTriangleList, 0, 1)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())

			Expect(f.backend.Compiles()).To(Equal(2))
			Expect(count(f.backend.Calls(), "BindPipeline")).To(Equal(2))
			Expect(f.r.Cache().Stats().Hits).To(BeNumerically(">=", 1))
		})

		It("should upload only the dirty constant range", func() {
			Expect(f.dev.SetVertexShaderConstantF(4, []float32{1, 2, 3, 4})).To(Succeed())
			Expect(f.dev.SetVertexShaderConstantF(4, []float32{1, 2, 3, 4})).To(Succeed())
			Expect(f.dev.DrawPrimitive(gpu.PrimTriangleList, 0, 1)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())

			want := []gpu.Call{
				{Method: "SetConstants", Args: []any{gpu.StageVertex, uint32(4), []float32{1, 2, 3, 4}}},
				{Method: "Draw", Args: []any{gpu.PrimTriangleList, uint32(0), uint32(3)}},
			}
			Expect(cmp.Diff(want, f.backend.Calls())).To(BeEmpty())
			Expect(f.r.Arena().Len()).To(BeZero())
		})

		It("should skip draws whose pipeline fails to compile", func() {
			f.backend.FailShader(vsHash)
			Expect(f.dev.SetRenderState(gpu.RSCullMode, 1)).To(Succeed())
			Expect(f.dev.DrawPrimitive(gpu.PrimTriangleList, 0, 1)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())

			Expect(f.backend.Methods()).NotTo(ContainElement("Draw"))
			Expect(f.faults.Len()).To(BeZero())
		})

		It("should present the cleared target", func() {
			Expect(f.dev.Clear(gpu.ClearTarget, 0xFFFF0000, 1, 0)).To(Succeed())
			Expect(f.dev.Present()).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())

			frame := f.backend.Frame()
			Expect(frame).To(HaveLen(64 * 32))
			Expect(frame).To(HaveEach(uint32(0xFFFF0000)))
			Expect(f.backend.Frames()).To(Equal(1))
			Expect(f.r.Pacer().InFlight()).To(BeZero())
			Expect(testutil.ToFloat64(f.metrics.FramesPresented)).To(Equal(1.0))
		})

		It("should compile announced pipelines in the background", func() {
			s := f.state()
			s.RenderStates[gpu.RSZFunc] = 3

			f.r.SetLoading(true)
			Expect(f.r.Precompile(context.Background(), s)).To(Succeed())
			f.r.WaitPrecompiles()
			f.r.SetLoading(false)
			Expect(f.r.Cache().Contains(s.Encode())).To(BeTrue())
			compiles := f.backend.Compiles()

			Expect(f.dev.SetRenderState(gpu.RSZFunc, 3)).To(Succeed())
			Expect(f.dev.DrawPrimitive(gpu.PrimTriangleList, 0, 1)).To(Succeed())
			Expect(f.r.Flush()).To(Succeed())
			Expect(f.backend.Compiles()).To(Equal(compiles))
			Expect(f.backend.Methods()).To(ContainElement("Draw"))
		})
	})

	It("should skip draws without a shader pair", func() {
		f = newFixture()
		Expect(f.dev.DrawPrimitive(gpu.PrimPointList, 0, 4)).To(Succeed())
		Expect(f.r.Flush()).To(Succeed())
		Expect(f.backend.Methods()).NotTo(ContainElement("Draw"))
		Expect(f.faults.Len()).To(BeZero())
	})

	It("should fail shader creation on a cache miss", func() {
		f = newFixture()
		_, err := f.dev.CreateVertexShader(0xDEAD)
		Expect(err).To(MatchError(gpu.ErrShaderNotFound))
	})

	It("should trap a guest callback without a guest context", func() {
		f = newFixture()
		Expect(f.dev.InsertCallback(0x82000000)).To(Succeed())
		Expect(f.r.Flush()).To(Succeed())
		Expect(f.faults.Len()).To(Equal(1))
	})

	It("should refuse work after Stop", func() {
		f = newFixture()
		Expect(f.r.Stop()).To(Succeed())
		Expect(f.r.Submit(gpu.PresentCmd())).To(MatchError(gpu.ErrClosed))
		Expect(f.r.Flush()).To(MatchError(gpu.ErrClosed))
		_, err := f.dev.CreateRenderTarget(8, 8, targetFormat)
		Expect(err).To(MatchError(gpu.ErrClosed))
	})

	It("should count executed commands", func() {
		f = newFixture()
		Expect(f.dev.Clear(gpu.ClearZBuffer, 0, 1, 0)).To(Succeed())
		Expect(f.r.Flush()).To(Succeed())
		Expect(testutil.ToFloat64(f.metrics.RenderCommands.WithLabelValues("Clear"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(f.metrics.RenderCommands.WithLabelValues("Fence"))).To(Equal(1.0))
	})
})

var _ = Describe("Renderer with a guest runtime", func() {
	const (
		entryRecord = 0x82000000
		entryBlock  = 0x82000010
	)

	var (
		f       *fixture
		args    chan [2]uint64
		bound   chan bool
		release chan struct{}
	)

	BeforeEach(func() {
		as, err := mem.Reserve()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(as.Close)

		u, err := heap.NewUser(as,
			mem.Region{Name: "general", Kind: mem.RegionHeap, Start: 0x00020000, End: 0x01020000},
			mem.Region{Name: "physical", Kind: mem.RegionHeap, Start: 0xA0000000, End: 0xA1000000})
		Expect(err).NotTo(HaveOccurred())

		args = make(chan [2]uint64, 1)
		bound = make(chan bool, 1)
		release = make(chan struct{})

		ft := emu.NewFunctionTable(mem.Region{Name: "code", Kind: mem.RegionCode, Start: 0x82000000, End: 0x83000000})
		ft.MustRegister(entryRecord, func(c *emu.Context, _ *mem.AddressSpace) {
			bound <- emu.Current() == c
			args <- [2]uint64{c.ArgInt(0), c.ArgInt(1)}
		})
		ft.MustRegister(entryBlock, func(c *emu.Context, _ *mem.AddressSpace) {
			<-release
		})
		ft.Seal()

		rt := emu.NewRuntime(as, u, ft, emu.WithLogger(GinkgoLogr))
		f = newFixture(gpu.WithRuntime(rt))
	})

	It("should run guest callbacks on the render thread's context", func() {
		Expect(f.dev.InsertCallback(entryRecord, 5, 6)).To(Succeed())
		Expect(f.r.Flush()).To(Succeed())
		Expect(bound).To(Receive(BeTrue()))
		Expect(args).To(Receive(Equal([2]uint64{5, 6})))
		Expect(f.faults.Len()).To(BeZero())
	})

	It("should hold the producer back while frames are in flight", func() {
		limit := f.r.Pacer().MaxInFlight()
		Expect(f.dev.InsertCallback(entryBlock)).To(Succeed())
		for i := 0; i < limit; i++ {
			Expect(f.dev.Present()).To(Succeed())
		}

		presented := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			Expect(f.dev.Present()).To(Succeed())
			close(presented)
		}()
		Consistently(presented, 50*time.Millisecond).ShouldNot(BeClosed())
		Expect(f.r.Pacer().InFlight()).To(Equal(limit))

		close(release)
		Eventually(presented).Should(BeClosed())
		Expect(f.r.Flush()).To(Succeed())
		Expect(f.backend.Frames()).To(Equal(limit + 1))
	})
})

var _ = Describe("FramePacer", func() {
	It("should admit up to the frame limit", func() {
		p := gpu.NewFramePacer(2)
		p.Acquire()
		p.Acquire()
		Expect(p.InFlight()).To(Equal(2))
		Expect(p.AcquireTimeout(20 * time.Millisecond)).To(BeFalse())

		p.Release()
		Expect(p.AcquireTimeout(0)).To(BeTrue())
		p.Release()
		p.Release()
		Expect(p.InFlight()).To(BeZero())
	})

	It("should never exceed the limit on extra releases", func() {
		p := gpu.NewFramePacer(1)
		p.Release()
		Expect(p.InFlight()).To(BeZero())
		Expect(p.MaxInFlight()).To(Equal(1))
	})
})
