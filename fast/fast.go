// Package fast dispatches the fused attention and rotary-embedding
// kernels.
//
// It is the host side of the kernel families in metal/kernels: it
// normalizes input layouts (inserting device copies only when a kernel's
// contiguity precondition is violated), decides whether an output can
// take over a donated input's storage, selects the execution strategy
// (single-pass vector, two-pass block-reduced vector, or tiled full
// attention; single-position or batched rotary), resolves the compiled
// specialization through the device's pipeline cache, and encodes the
// dispatch with its launch geometry and parameter block onto the caller's
// stream.
//
// Errors returned are terminal: a failed pipeline compilation is a fatal
// configuration error and allocation failures are propagated without
// local recovery. Shape and dtype mismatches between the inputs are
// programming errors and panic.
package fast
