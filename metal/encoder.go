package metal

import (
	"sync"
	"time"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/metalfast/metal/kernels"
	"github.com/gomlx/metalfast/types/tensors"
)

// CommandEncoder binds a compute pipeline, its argument slots and launch
// geometry, and encodes dispatches onto its stream. Argument bindings
// persist across dispatches; each DispatchThreadgroups snapshots the
// current bindings, so rebinding for a follow-up dispatch (the two-pass
// attention merge, say) does not disturb already encoded work.
//
// An encoder belongs to a single goroutine; the stream serializes the
// encoded work.
type CommandEncoder struct {
	stream   *Stream
	pipeline *ComputePipeline
	call     kernels.Call
}

// CommandEncoder returns an encoder for this stream.
func (s *Stream) CommandEncoder() *CommandEncoder {
	return &CommandEncoder{stream: s}
}

// SetComputePipeline selects the pipeline the next dispatches run.
func (e *CommandEncoder) SetComputePipeline(p *ComputePipeline) {
	e.pipeline = p
}

// SetTensor binds a tensor view at the given argument slot.
func (e *CommandEncoder) SetTensor(slot int, t *tensors.Tensor) {
	e.call.SetArg(slot, t)
}

// SetBytes binds a plain-old-data value (a scalar or a parameter block)
// at the given argument slot.
func (e *CommandEncoder) SetBytes(slot int, value any) {
	e.call.SetArg(slot, value)
}

// DispatchThreadgroups encodes one launch of the bound pipeline over the
// given threadgroup grid. It returns as soon as the work is queued;
// execution proceeds asynchronously in stream order. Threadgroups of a
// single dispatch run concurrently, bounded by the device's worker pool.
func (e *CommandEncoder) DispatchThreadgroups(grid, group kernels.Dims) {
	if e.pipeline == nil {
		exceptions.Panicf("metal.CommandEncoder: DispatchThreadgroups before SetComputePipeline")
	}
	kernel := e.pipeline.kernel
	call := e.call.Clone()
	call.Grid = grid
	call.Group = group

	kernelDispatches.WithLabelValues(kernel.BaseName).Inc()
	workers := &e.stream.device.workers
	e.stream.enqueue(func() {
		start := time.Now()
		if workers.IsEnabled() {
			var wg sync.WaitGroup
			for z := 0; z < grid.Z; z++ {
				for y := 0; y < grid.Y; y++ {
					for x := 0; x < grid.X; x++ {
						position := kernels.Dims{X: x, Y: y, Z: z}
						wg.Add(1)
						workers.WaitToStart(func() {
							defer wg.Done()
							kernel.Run(call, position)
						})
					}
				}
			}
			wg.Wait()
		} else {
			for z := 0; z < grid.Z; z++ {
				for y := 0; y < grid.Y; y++ {
					for x := 0; x < grid.X; x++ {
						kernel.Run(call, kernels.Dims{X: x, Y: y, Z: z})
					}
				}
			}
		}
		kernelDuration.WithLabelValues(kernel.BaseName).Observe(time.Since(start).Seconds())
	})
}
