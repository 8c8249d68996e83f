// Package kernels holds the device-side kernel bodies and the variant
// registration table that maps kernel base names to them.
//
// A kernel base name encodes the compile-time shape of the variant: the
// element type, head dimensions and the kernel family, e.g.
// "sdpa_vector_float16_128_128" or "rope_single_traditional_float32". On
// top of the base name, boolean function constants (see Constants) are
// baked in when the kernel is built, producing a distinct specialized body
// per combination -- the specialization cache in package metal keys those
// by hash name.
//
// Kernel families register themselves in init() (the same registration
// pattern used for op executors elsewhere); Build resolves a base name by
// asking each family in registration order. An unknown name or an
// unsupported element type is a configuration error: Build fails and the
// failure is fatal for the caller, never retried.
//
// Bodies perform no bounds validation beyond the grid and stride
// bookkeeping handed to them -- a mismatch between the caller's tensors and
// the declared strides is undefined behavior at this layer and must be
// prevented upstream.
package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/metalfast/types/tensors"
)

// Dims is a 3-D launch size: either the threadgroup grid or the position of
// one threadgroup within it.
type Dims struct {
	X, Y, Z int
}

// Size is the total count covered, X*Y*Z.
func (d Dims) Size() int { return d.X * d.Y * d.Z }

// MaxArgSlots is the number of argument slots of a Call. Slot indices are
// part of the host/device ABI and fixed per kernel family.
const MaxArgSlots = 20

// Call carries the bound arguments and launch geometry of one dispatch.
//
// Array arguments are bound as tensor views; plain-old-data parameters are
// bound by value. Slots are written by the command encoder and read back by
// the kernel body at the indices both sides agree on.
type Call struct {
	Grid, Group Dims

	args [MaxArgSlots]any
}

// SetArg binds value to the given slot.
func (c *Call) SetArg(slot int, value any) {
	if slot < 0 || slot >= MaxArgSlots {
		exceptions.Panicf("kernels.Call: argument slot %d out of range [0, %d)", slot, MaxArgSlots)
	}
	c.args[slot] = value
}

// IsSet reports whether the slot holds a value.
func (c *Call) IsSet(slot int) bool {
	return slot >= 0 && slot < MaxArgSlots && c.args[slot] != nil
}

// Tensor returns the tensor view bound at slot.
func (c *Call) Tensor(slot int) *tensors.Tensor {
	return ArgAt[*tensors.Tensor](c, slot)
}

// ArgAt returns the value bound at slot, asserting its type. A missing or
// mistyped argument is a programming error on the host side and panics.
func ArgAt[T any](c *Call, slot int) T {
	value, ok := c.args[slot].(T)
	if !ok {
		exceptions.Panicf("kernels.Call: argument slot %d holds %T, kernel expected %T",
			slot, c.args[slot], value)
	}
	return value
}

// Clone returns a copy of the call. The command encoder snapshots the
// argument table with it at dispatch time, so later SetArg calls don't
// affect already encoded dispatches.
func (c *Call) Clone() *Call {
	clone := *c
	return &clone
}

// Func is a kernel body, invoked once per threadgroup position of the grid.
type Func func(call *Call, group Dims)

// Kernel is a built (specialized) kernel body ready to dispatch.
type Kernel struct {
	// BaseName the kernel was built from.
	BaseName string

	// Run executes the body for one threadgroup.
	Run Func
}

// buildFunc instantiates a family's kernel for a base name. It returns
// ok=false when the name does not belong to the family.
type buildFunc func(baseName string, constants Constants) (fn Func, ok bool, err error)

type family struct {
	name  string
	build buildFunc
}

// families in registration order. Registration happens in init(), so order
// follows from file names; families with overlapping prefixes
// (sdpa_vector_2pass_* vs sdpa_vector_*) match on their own full prefix and
// cannot shadow each other.
var families []family

func register(name string, build buildFunc) {
	families = append(families, family{name: name, build: build})
}

// Build resolves baseName to a specialized kernel with the given function
// constants baked in.
//
// It fails if the name doesn't match any registered kernel family or if the
// requested element type is not supported -- a fatal configuration error
// for the caller.
func Build(baseName string, constants Constants) (*Kernel, error) {
	for _, f := range families {
		fn, ok, err := f.build(baseName, constants)
		if err != nil {
			return nil, errors.WithMessagef(err, "building kernel %q (family %s)", baseName, f.name)
		}
		if !ok {
			continue
		}
		return &Kernel{BaseName: baseName, Run: fn}, nil
	}
	return nil, errors.Errorf("no kernel registered with base name %q", baseName)
}
