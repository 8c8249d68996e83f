package kernels

// Function-constant slot indices. These are part of the host/device ABI:
// the host lists the booleans it bakes into a specialization by index, and
// the kernel bodies read them back from the same index at build time.
const (
	// Vector SDPA kernels.
	ConstHasMask         = 20
	ConstQueryTransposed = 21

	// Tiled ("steel") full-attention kernels.
	ConstAlignQ        = 200
	ConstAlignK        = 201
	ConstSteelHasMask  = 300
	ConstSteelDoCausal = 301
)

// Constants is the set of boolean function constants baked into a kernel
// specialization at build time. Features listed here change the generated
// code path, so every distinct combination yields a distinct compiled
// pipeline; runtime parameters that don't change code structure go through
// the argument slots instead.
type Constants map[int]bool

// Value returns the constant at the given slot, or false if unset.
func (c Constants) Value(slot int) bool {
	if c == nil {
		return false
	}
	return c[slot]
}
