// Package metalfast dispatches specialized GPU compute kernels for scaled
// dot-product attention (SDPA) and rotary position embeddings (RoPE) for a
// tensor-compute runtime.
//
// The heavy lifting lives in the sub-packages:
//
//   - github.com/gomlx/metalfast/fast: the dispatch core. It selects among
//     kernel strategies (single-pass vector, two-pass block-reduced vector,
//     tiled full attention), normalizes buffer layouts, marshals parameter
//     blocks and encodes dispatches onto an execution stream.
//   - github.com/gomlx/metalfast/metal: the device abstraction -- streams,
//     command encoders, the buffer allocator and the kernel specialization
//     cache.
//   - github.com/gomlx/metalfast/metal/kernels: the registry of kernel
//     variants and the kernel bodies themselves, instantiated per data type
//     with compile-time boolean constants baked in.
//   - github.com/gomlx/metalfast/types/tensors: the tensor view (shape,
//     element strides, dtype, contiguity flags, buffer handle) consumed by
//     the dispatch core.
//
// The package itself only carries the version string.
package metalfast

// Version of the metalfast library.
const Version = "v0.1.0"
