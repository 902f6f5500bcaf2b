// Package main provides the entry point for recompbridge.
//
// recompbridge builds the guest environment a recompiled image expects,
// maps the image and runs its entry point on a guest thread.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sarchlab/recompbridge/config"
	"github.com/sarchlab/recompbridge/emu"
	"github.com/sarchlab/recompbridge/exports"
	"github.com/sarchlab/recompbridge/fault"
	"github.com/sarchlab/recompbridge/gpu"
	"github.com/sarchlab/recompbridge/gpu/shadercache"
	"github.com/sarchlab/recompbridge/heap"
	"github.com/sarchlab/recompbridge/kernel"
	"github.com/sarchlab/recompbridge/loader"
	"github.com/sarchlab/recompbridge/mem"
	"github.com/sarchlab/recompbridge/metrics"
	"github.com/sarchlab/recompbridge/store"
)

var (
	configPath  = flag.String("config", "", "Path to configuration JSON file")
	thunksPath  = flag.String("thunks", "", "Path to a JSON map of import names to thunk offsets")
	cacheDir    = flag.String("cache-dir", "", "Shader and pipeline cache directory (overrides config)")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
	demo        = flag.Bool("demo", false, "Run the built-in demo program instead of an image")
	demoFrames  = flag.Int("frames", 3, "Frames the demo program presents")
	verbosity   = flag.Int("v", 0, "Log verbosity")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 && !*demo {
		fmt.Fprintf(os.Stderr, "Usage: recompbridge [options] <image.elf>\n")
		fmt.Fprintf(os.Stderr, "       recompbridge [options] -demo\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, args)
		} else {
			fmt.Fprintln(os.Stderr, args)
		}
	}, funcr.Options{Verbosity: *verbosity})

	exitCode, err := run(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(int(exitCode))
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// layoutFor returns the console layout with the heaps moved to where cfg
// puts them.
func layoutFor(cfg *config.Config) (layout *mem.Layout, general, physical mem.Region, err error) {
	general = mem.Region{
		Name:  "general-heap",
		Kind:  mem.RegionHeap,
		Start: cfg.GeneralHeapBase,
		End:   uint64(cfg.GeneralHeapEnd),
	}
	physical = mem.Region{
		Name:  "physical-heap",
		Kind:  mem.RegionHeap,
		Start: cfg.PhysicalHeapBase,
		End:   uint64(cfg.PhysicalHeapBase) + cfg.PhysicalHeapSize,
	}

	def := mem.DefaultLayout()
	layout = &mem.Layout{Data: def.Data}
	for _, r := range def.Regions {
		switch r.Name {
		case general.Name:
			layout.Add(general)
		case physical.Name:
			layout.Add(physical)
		default:
			layout.Add(r)
		}
	}
	if err := layout.Validate(); err != nil {
		return nil, general, physical, errors.Wrap(err, "invalid guest layout")
	}
	return layout, general, physical, nil
}

func loadThunks(path string) (map[string]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read thunk map")
	}
	thunks := make(map[string]uint32)
	if err := json.Unmarshal(data, &thunks); err != nil {
		return nil, errors.Wrap(err, "failed to parse thunk map")
	}
	return thunks, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(err, "metrics server stopped", "addr", addr)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
}

func run(logger logr.Logger) (uint32, error) {
	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}
	layout, generalRegion, physicalRegion, err := layoutFor(cfg)
	if err != nil {
		return 0, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, reg, logger.WithName("metrics"))
	}

	as, err := mem.Reserve(mem.WithLogger(logger.WithName("mem")))
	if err != nil {
		return 0, err
	}
	defer func() { _ = as.Close() }()
	layout.ZeroData(as)

	trap := fault.New(fault.WithLogger(logger.WithName("fault")))

	user, err := heap.NewUser(as, generalRegion, physicalRegion,
		heap.WithTrap(trap),
		heap.WithLogger(logger.WithName("heap")),
		heap.WithMetrics(m))
	if err != nil {
		return 0, err
	}

	image, _ := layout.Find(loader.ImageRegion)
	funcs := emu.NewFunctionTable(image)
	rt := emu.NewRuntime(as, user, funcs,
		emu.WithLogger(logger.WithName("emu")),
		emu.WithMetrics(m),
		emu.WithDefaultStackSize(cfg.StackSize))
	kt := kernel.NewTable(as,
		kernel.WithTrap(trap),
		kernel.WithLogger(logger.WithName("kernel")),
		kernel.WithMetrics(m))

	shaderOpts := []shadercache.Option{shadercache.WithLogger(logger.WithName("shadercache"))}
	rendererOpts := []gpu.RendererOption{
		gpu.WithRuntime(rt),
		gpu.WithConfig(cfg),
		gpu.WithTrap(trap),
		gpu.WithLogger(logger.WithName("gpu")),
		gpu.WithMetrics(m),
	}
	if cfg.CacheDir != "" {
		blobs, err := store.Open(cfg.CacheDir, store.WithLogger(logger.WithName("store")))
		if err != nil {
			return 0, err
		}
		defer func() { _ = blobs.Close() }()
		shaderOpts = append(shaderOpts, shadercache.WithStore(blobs.Namespace(store.Shaders)))
		rendererOpts = append(rendererOpts, gpu.WithPipelineBlobs(blobs.Namespace(store.Pipelines)))
	}
	shaders := shadercache.New(shaderOpts...)

	backend := gpu.NewRecordingBackend()
	renderer := gpu.NewRenderer(backend, rendererOpts...)
	if err := renderer.Start(); err != nil {
		return 0, err
	}
	defer func() { _ = renderer.Stop() }()

	bridge := exports.New(as, user, rt, kt,
		exports.WithDevice(gpu.NewDevice(renderer, shaders)),
		exports.WithTrap(trap),
		exports.WithLogger(logger.WithName("exports")))

	var entry uint32
	if *demo {
		entry, err = registerDemo(funcs, bridge, *demoFrames)
		if err != nil {
			return 0, err
		}
	} else {
		prog, err := loader.Load(flag.Arg(0))
		if err != nil {
			return 0, err
		}
		if err := prog.Map(as, layout); err != nil {
			return 0, err
		}
		logger.Info("image mapped", "path", flag.Arg(0), "entry", prog.EntryPoint,
			"segments", len(prog.Segments), "bytes", prog.Size())
		entry = prog.EntryPoint

		if *thunksPath != "" {
			thunks, err := loadThunks(*thunksPath)
			if err != nil {
				return 0, err
			}
			if _, err := bridge.Bind(funcs, thunks); err != nil {
				return 0, err
			}
		}
	}
	funcs.Seal()
	logger.Info("function table sealed", "functions", funcs.Len())

	exitCode, err := rt.Start(entry, 0)
	if err != nil {
		return 0, err
	}
	if err := renderer.Flush(); err != nil {
		return 0, err
	}

	kt.Broken()
	logger.Info("guest exited", "exitCode", exitCode, "frames", backend.Frames(),
		"pipelines", renderer.Cache().Stats(), "shaders", shaders.Stats())
	return exitCode, nil
}
