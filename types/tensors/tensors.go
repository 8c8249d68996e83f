// Package tensors defines the tensor view consumed by the dispatch core.
//
// A Tensor is an immutable view: dimensions, per-axis element strides, a
// DType (see github.com/gomlx/gopjrt/dtypes) and contiguity flags, plus a
// handle to the backing device buffer. The view never owns the storage --
// buffers are acquired from the device allocator and released by the stream
// that scheduled the work using them.
//
// The package also carries the layout predicates used when negotiating
// kernel preconditions ("matrix contiguous", "head/seq transposed"), and
// the buffer donation primitive: an eligible input's storage can be handed
// over to an output, after which the donor view is invalid and panics on
// use.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Buffer is the handle to backing device storage.
//
// It is implemented by the device allocator (metal.Buffer); this package
// only reads through it.
type Buffer interface {
	// Bytes returns the raw storage. It panics if the buffer was freed.
	Bytes() []byte

	// NumBytes returns the allocation size in bytes.
	NumBytes() int
}

// Flags mirror the contiguity bits tracked alongside each view.
type Flags struct {
	RowContiguous bool
	ColContiguous bool
}

// Tensor is an immutable view of a device buffer.
//
// Use FromBuffer to create one. The zero value is invalid.
type Tensor struct {
	dtype     dtypes.DType
	dims      []int
	strides   []int // element strides, one per axis.
	flags     Flags
	donatable bool
	buffer    Buffer
}

// FromBuffer creates a tensor view over buffer with the given dtype,
// dimensions and element strides. If strides is nil, row-major strides are
// assumed. Contiguity flags are derived from the strides.
func FromBuffer(buffer Buffer, dtype dtypes.DType, dims []int, strides []int) *Tensor {
	if len(dims) == 0 {
		exceptions.Panicf("tensors.FromBuffer: scalar views are not supported")
	}
	for _, dim := range dims {
		if dim <= 0 {
			exceptions.Panicf("tensors.FromBuffer: invalid dimensions %v", dims)
		}
	}
	if strides == nil {
		strides = RowMajorStrides(dims)
	}
	if len(strides) != len(dims) {
		exceptions.Panicf("tensors.FromBuffer: %d dims but %d strides", len(dims), len(strides))
	}
	t := &Tensor{
		dtype:   dtype,
		dims:    slices.Clone(dims),
		strides: slices.Clone(strides),
		buffer:  buffer,
	}
	t.flags.RowContiguous = hasRowMajorStrides(dims, strides)
	t.flags.ColContiguous = hasColMajorStrides(dims, strides)
	if needed := t.Size() * dtype.Size(); buffer != nil && buffer.NumBytes() < needed {
		exceptions.Panicf("tensors.FromBuffer: buffer holds %d bytes, view needs %d (%s)",
			buffer.NumBytes(), needed, t)
	}
	return t
}

// RowMajorStrides returns the element strides of a dense row-major layout
// with the given dimensions.
func RowMajorStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

func hasRowMajorStrides(dims, strides []int) bool {
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] > 1 && strides[axis] != stride {
			return false
		}
		stride *= dims[axis]
	}
	return true
}

func hasColMajorStrides(dims, strides []int) bool {
	stride := 1
	for axis := 0; axis < len(dims); axis++ {
		if dims[axis] > 1 && strides[axis] != stride {
			return false
		}
		stride *= dims[axis]
	}
	return true
}

// DType of the elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Rank is the number of axes.
func (t *Tensor) Rank() int { return len(t.dims) }

// Dims returns the dimensions. The returned slice must not be modified.
func (t *Tensor) Dims() []int { return t.dims }

// Strides returns the element strides. The returned slice must not be
// modified.
func (t *Tensor) Strides() []int { return t.strides }

// Dim returns the dimension of the given axis. Negative axes count from the
// end, so Dim(-1) is the innermost dimension.
func (t *Tensor) Dim(axis int) int {
	return t.dims[t.adjustAxis(axis)]
}

// Stride returns the element stride of the given axis. Negative axes count
// from the end.
func (t *Tensor) Stride(axis int) int {
	return t.strides[t.adjustAxis(axis)]
}

func (t *Tensor) adjustAxis(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += t.Rank()
	}
	if adjusted < 0 || adjusted >= t.Rank() {
		exceptions.Panicf("tensors: axis %d out-of-bounds for rank %d (%s)", axis, t.Rank(), t)
	}
	return adjusted
}

// Size is the number of elements of the view.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// NumBytes the view spans, assuming it is dense.
func (t *Tensor) NumBytes() int { return t.Size() * t.dtype.Size() }

// Flags returns the contiguity flags.
func (t *Tensor) Flags() Flags { return t.flags }

// Buffer returns the backing storage handle. It panics if the buffer was
// donated away.
func (t *Tensor) Buffer() Buffer {
	if t.buffer == nil {
		exceptions.Panicf("tensors: use of tensor whose buffer was donated (%s)", t)
	}
	return t.buffer
}

// Donatable reports whether the backing storage may be reassigned to an
// output without a new allocation.
func (t *Tensor) Donatable() bool { return t.donatable && t.buffer != nil }

// SetDonatable marks the storage as reusable by an output. Only the longest
// holder of the buffer (typically the graph node handing the tensor to the
// dispatch core) should set this.
func (t *Tensor) SetDonatable(donatable bool) { t.donatable = donatable }

// DonateBuffer transfers the backing storage out of the view and
// invalidates it: any further access to the donor's buffer panics.
func (t *Tensor) DonateBuffer() Buffer {
	if !t.Donatable() {
		exceptions.Panicf("tensors.DonateBuffer: tensor is not donatable (%s)", t)
	}
	buffer := t.buffer
	t.buffer = nil
	t.donatable = false
	return buffer
}

// Transposed returns a new view with the two axes swapped. It shares the
// same buffer; no data moves.
func (t *Tensor) Transposed(axisA, axisB int) *Tensor {
	a, b := t.adjustAxis(axisA), t.adjustAxis(axisB)
	dims := slices.Clone(t.dims)
	strides := slices.Clone(t.strides)
	dims[a], dims[b] = dims[b], dims[a]
	strides[a], strides[b] = strides[b], strides[a]
	return FromBuffer(t.buffer, t.dtype, dims, strides)
}

// MatrixContiguous reports whether the innermost axis has stride 1 -- the
// precondition of matmul-style kernels reading the head dimension.
func (t *Tensor) MatrixContiguous() bool {
	return t.Stride(-1) == 1
}

// HeadSeqTransposed reports whether a rank-4 [batch, head, seq, feature]
// view has exactly the layout produced by swapping the head and sequence
// axes of a row-contiguous tensor. Kernels support this layout directly, so
// it does not require a normalization copy.
func (t *Tensor) HeadSeqTransposed() bool {
	if t.Rank() != 4 {
		return false
	}
	dims, strides := t.dims, t.strides
	return strides[3] == 1 &&
		strides[2] == dims[3]*dims[1] &&
		strides[1] == dims[3] &&
		strides[0] == strides[2]*dims[2]
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "(%s)%v", t.dtype, t.dims)
	if !t.flags.RowContiguous {
		fmt.Fprintf(&sb, " strides=%v", t.strides)
	}
	if t.buffer == nil {
		sb.WriteString(" <donated>")
	}
	return sb.String()
}
