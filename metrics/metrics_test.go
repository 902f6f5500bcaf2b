package metrics_test

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/recompbridge/metrics"
)

var _ = Describe("Set", func() {
	It("should treat a nil set as a no-op", func() {
		var s *metrics.Set
		Expect(func() {
			s.HeapAllocated("general", 10)
			s.KernelWait("event", true)
			s.RenderCommand("draw")
			s.PipelineLookup(true)
			s.PipelineCompiled("precompile", 0.1)
		}).NotTo(Panic())
	})

	It("should register every collector", func() {
		reg := prometheus.NewPedanticRegistry()
		s := metrics.New(reg)

		s.KernelWait("semaphore", true)
		s.KernelWait("semaphore", false)
		s.PipelineLookup(false)
		s.RedundantStateSet()

		Expect(testutil.ToFloat64(s.KernelWaits.WithLabelValues("semaphore"))).To(Equal(2.0))
		Expect(testutil.ToFloat64(s.KernelTimeouts.WithLabelValues("semaphore"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(s.PipelineCacheMisses)).To(Equal(1.0))
		Expect(testutil.ToFloat64(s.RedundantStateSets)).To(Equal(1.0))

		families, err := reg.Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(families).NotTo(BeEmpty())
	})
})
