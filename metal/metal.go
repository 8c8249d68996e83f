// Package metal simulates the Metal compute device surface the kernel
// dispatch layer targets: devices with an architecture-derived class,
// buffer allocation backed by size-class pools, asynchronous command
// streams with in-order execution, compute pipelines resolved through a
// concurrency-safe specialization cache, and command encoders that bind
// argument slots and launch threadgroup grids.
//
// Kernel bodies themselves live in the metal/kernels sub-package; this
// package treats them as opaque compiled pipelines.
package metal
