package metal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metal_pipeline_cache_hits_total",
		Help: "Pipeline specializations resolved from the cache",
	})

	pipelineCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metal_pipeline_cache_misses_total",
		Help: "Pipeline specializations that triggered a compilation",
	})

	pipelineCompileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metal_pipeline_compile_errors_total",
		Help: "Pipeline specializations that failed to compile",
	})

	kernelDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metal_kernel_dispatches_total",
		Help: "Dispatches encoded, by base kernel name",
	}, []string{"kernel"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metal_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	memoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metal_memory_allocated_bytes",
		Help: "Current bytes held by live device buffers",
	})
)
