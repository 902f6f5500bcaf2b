// Package metrics exposes the bridge's runtime counters as prometheus
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "recompbridge"

// Set holds every collector the bridge updates. A nil *Set is valid and
// turns all updates into no-ops, so components can be built without
// metrics.
type Set struct {
	HeapAllocatedBytes *prometheus.GaugeVec
	HeapAllocFailures  *prometheus.CounterVec

	KernelWaits    *prometheus.CounterVec
	KernelTimeouts *prometheus.CounterVec
	KernelObjects  prometheus.Gauge

	GuestThreads prometheus.Gauge

	RenderCommands     *prometheus.CounterVec
	RedundantStateSets prometheus.Counter
	StateFlushes       *prometheus.CounterVec
	FramesPresented    prometheus.Counter

	PipelineCacheHits   prometheus.Counter
	PipelineCacheMisses prometheus.Counter
	PipelineCompiles    *prometheus.CounterVec
	CompileSeconds      prometheus.Histogram
}

// New creates a Set and registers it on reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		HeapAllocatedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "heap",
			Name:      "allocated_bytes",
			Help:      "Bytes currently allocated from a guest heap.",
		}, []string{"heap"}),
		HeapAllocFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heap",
			Name:      "alloc_failures_total",
			Help:      "Guest heap allocations that could not be satisfied.",
		}, []string{"heap"}),
		KernelWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "waits_total",
			Help:      "Waits on guest kernel objects.",
		}, []string{"kind"}),
		KernelTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "wait_timeouts_total",
			Help:      "Waits on guest kernel objects that timed out.",
		}, []string{"kind"}),
		KernelObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "objects",
			Help:      "Open guest kernel object handles.",
		}),
		GuestThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "emu",
			Name:      "guest_threads",
			Help:      "Running guest threads.",
		}),
		RenderCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gpu",
			Name:      "commands_total",
			Help:      "Render commands executed by the render thread.",
		}, []string{"op"}),
		RedundantStateSets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gpu",
			Name:      "redundant_state_sets_total",
			Help:      "State set commands elided because the value was already bound.",
		}),
		StateFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gpu",
			Name:      "state_flushes_total",
			Help:      "Dirty state categories flushed to the host API.",
		}, []string{"category"}),
		FramesPresented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gpu",
			Name:      "frames_presented_total",
			Help:      "Frames presented by the render thread.",
		}),
		PipelineCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipecache",
			Name:      "hits_total",
			Help:      "Pipeline cache lookups that found a compiled pipeline.",
		}),
		PipelineCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipecache",
			Name:      "misses_total",
			Help:      "Pipeline cache lookups that required a compile.",
		}),
		PipelineCompiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipecache",
			Name:      "compiles_total",
			Help:      "Pipeline compiles by task type.",
		}, []string{"task"}),
		CompileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipecache",
			Name:      "compile_seconds",
			Help:      "Time spent compiling one pipeline object.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			s.HeapAllocatedBytes, s.HeapAllocFailures,
			s.KernelWaits, s.KernelTimeouts, s.KernelObjects,
			s.GuestThreads,
			s.RenderCommands, s.RedundantStateSets, s.StateFlushes, s.FramesPresented,
			s.PipelineCacheHits, s.PipelineCacheMisses, s.PipelineCompiles, s.CompileSeconds,
		)
	}

	return s
}

// HeapAllocated sets the allocated byte gauge of a heap.
func (s *Set) HeapAllocated(heap string, bytes uint64) {
	if s == nil {
		return
	}
	s.HeapAllocatedBytes.WithLabelValues(heap).Set(float64(bytes))
}

// HeapAllocFailed counts an allocation failure.
func (s *Set) HeapAllocFailed(heap string) {
	if s == nil {
		return
	}
	s.HeapAllocFailures.WithLabelValues(heap).Inc()
}

// KernelWait counts a wait and, if timedOut, a timeout.
func (s *Set) KernelWait(kind string, timedOut bool) {
	if s == nil {
		return
	}
	s.KernelWaits.WithLabelValues(kind).Inc()
	if timedOut {
		s.KernelTimeouts.WithLabelValues(kind).Inc()
	}
}

// KernelObjectsOpen sets the open handle gauge.
func (s *Set) KernelObjectsOpen(n int) {
	if s == nil {
		return
	}
	s.KernelObjects.Set(float64(n))
}

// GuestThreadDelta adjusts the running guest thread gauge.
func (s *Set) GuestThreadDelta(delta int) {
	if s == nil {
		return
	}
	s.GuestThreads.Add(float64(delta))
}

// RenderCommand counts one executed command.
func (s *Set) RenderCommand(op string) {
	if s == nil {
		return
	}
	s.RenderCommands.WithLabelValues(op).Inc()
}

// RedundantStateSet counts one elided state set.
func (s *Set) RedundantStateSet() {
	if s == nil {
		return
	}
	s.RedundantStateSets.Inc()
}

// StateFlush counts one flushed dirty category.
func (s *Set) StateFlush(category string) {
	if s == nil {
		return
	}
	s.StateFlushes.WithLabelValues(category).Inc()
}

// FramePresented counts one presented frame.
func (s *Set) FramePresented() {
	if s == nil {
		return
	}
	s.FramesPresented.Inc()
}

// PipelineLookup counts a pipeline cache hit or miss.
func (s *Set) PipelineLookup(hit bool) {
	if s == nil {
		return
	}
	if hit {
		s.PipelineCacheHits.Inc()
	} else {
		s.PipelineCacheMisses.Inc()
	}
}

// PipelineCompiled records one compile of the given task type.
func (s *Set) PipelineCompiled(task string, seconds float64) {
	if s == nil {
		return
	}
	s.PipelineCompiles.WithLabelValues(task).Inc()
	s.CompileSeconds.Observe(seconds)
}
