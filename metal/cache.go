package metal

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/metalfast/metal/kernels"
)

// ComputePipeline is a compiled kernel specialization, ready to be bound
// to a command encoder. Name is the specialization hash name, unique per
// compiled variant.
type ComputePipeline struct {
	Name   string
	kernel *kernels.Kernel
}

// pipelineEntry holds one cache slot. ready is closed once pipeline/err
// are set, letting concurrent lookups of the same specialization share a
// single compilation.
type pipelineEntry struct {
	ready    chan struct{}
	pipeline *ComputePipeline
	err      error
}

// pipelineCache maps specialization hash names to compiled pipelines.
// Reads are concurrent; a miss compiles exactly once. A failed
// compilation is cached and never retried.
type pipelineCache struct {
	mu      sync.RWMutex
	entries map[string]*pipelineEntry
}

func (c *pipelineCache) init() {
	c.entries = make(map[string]*pipelineEntry)
}

// GetKernel resolves the compiled pipeline for the specialization
// identified by hashName, compiling the base kernel with the given
// function constants on first use.
//
// Concurrent calls with the same hashName observe a single compilation.
// Compilation failure is a fatal configuration error: it is returned to
// every caller and never retried.
func (d *Device) GetKernel(baseName, hashName string, constants kernels.Constants) (*ComputePipeline, error) {
	c := &d.pipelines

	c.mu.RLock()
	entry, found := c.entries[hashName]
	c.mu.RUnlock()

	if !found {
		c.mu.Lock()
		entry, found = c.entries[hashName]
		if !found {
			entry = &pipelineEntry{ready: make(chan struct{})}
			c.entries[hashName] = entry
			c.mu.Unlock()

			pipelineCacheMisses.Inc()
			klog.V(1).Infof("metal: compiling pipeline %q (base %q)", hashName, baseName)
			kernel, err := kernels.Build(baseName, constants)
			if err != nil {
				pipelineCompileErrors.Inc()
				entry.err = errors.WithMessagef(err, "compiling pipeline %q", hashName)
			} else {
				entry.pipeline = &ComputePipeline{Name: hashName, kernel: kernel}
			}
			close(entry.ready)
			return entry.pipeline, entry.err
		}
		c.mu.Unlock()
	}

	pipelineCacheHits.Inc()
	<-entry.ready
	return entry.pipeline, entry.err
}
