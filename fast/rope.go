package fast

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/metalfast/metal"
	"github.com/gomlx/metalfast/metal/kernels"
	"github.com/gomlx/metalfast/types/tensors"
)

// RoPEConfig parameterizes the rotary embedding.
type RoPEConfig struct {
	// Traditional pairs adjacent features (2i, 2i+1); otherwise features
	// are paired across the half-dimension boundary (i, i+half).
	Traditional bool

	// Base of the per-feature frequency decay. Zero means 10000.
	Base float32

	// Scale multiplies every position. Zero means 1.
	Scale float32

	// Offset of the first row's position.
	Offset int

	// Forward selects the rotation sign convention; false applies the
	// transposed rotation used for gradients (vjp).
	Forward bool
}

// RoPE applies the rotary position embedding to x, a rank-3
// [batch, seqLen, featureDim] view with an even feature dimension, and
// returns the rotated tensor. The dispatch is encoded asynchronously onto
// the stream.
//
// Sequences of length one use the single-position kernel with the fixed
// position Offset; longer sequences use the batched kernel, where row t
// sits at position Offset+t. When x is donatable and row-contiguous the
// output takes over its storage and the rotation runs in place.
func RoPE(stream *metal.Stream, x *tensors.Tensor, config RoPEConfig) (*tensors.Tensor, error) {
	if x.Rank() != 3 {
		exceptions.Panicf("fast: rope input must be rank-3 [batch, seqLen, featureDim], got %s", x)
	}
	if x.Dim(2)%2 != 0 {
		exceptions.Panicf("fast: rope feature dimension must be even, got %s", x)
	}
	base := config.Base
	if base == 0 {
		base = 10000
	}
	scale := config.Scale
	if scale == 0 {
		scale = 1
	}

	batch, seqLen, featureDim := x.Dim(0), x.Dim(1), x.Dim(2)
	out, x, err := newRoPEOutput(stream, x)
	if err != nil {
		return nil, err
	}

	dtypeName, err := kernels.DTypeName(x.DType())
	if err != nil {
		return nil, err
	}
	single := seqLen == 1
	name := "rope"
	if single {
		name += "_single"
	}
	if config.Traditional {
		name += "_traditional"
	}
	name += "_" + dtypeName
	if !config.Forward {
		name = "vjp_" + name
	}
	if klog.V(1).Enabled() {
		klog.Infof("fast: rope %s batch=%d seqLen=%d featureDim=%d offset=%d",
			name, batch, seqLen, featureDim, config.Offset)
	}

	pipeline, err := stream.Device().GetKernel(name, name, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "resolving rotary embedding kernel")
	}

	params := kernels.RoPEParams{
		Offset:     int32(config.Offset),
		Scale:      scale,
		LogBase:    float32(math.Log2(float64(base))),
		InStrides:  [3]int64{int64(x.Stride(0)), int64(x.Stride(1)), int64(x.Stride(2))},
		OutStrides: [3]int64{int64(out.Stride(0)), int64(out.Stride(1)), int64(out.Stride(2))},
	}

	encoder := stream.CommandEncoder()
	encoder.SetComputePipeline(pipeline)
	encoder.SetTensor(0, x)
	encoder.SetTensor(1, out)
	encoder.SetBytes(2, params)

	halfDim := featureDim / 2
	var grid kernels.Dims
	if single {
		grid = kernels.Dims{X: halfDim, Y: batch, Z: 1}
	} else {
		rowGroups := (seqLen + kernels.RoPERowsPerThread - 1) / kernels.RoPERowsPerThread
		grid = kernels.Dims{X: halfDim, Y: rowGroups, Z: batch}
	}
	encoder.DispatchThreadgroups(grid, kernels.Dims{X: 32, Y: 1, Z: 1})
	return out, nil
}

// newRoPEOutput takes over a donatable row-contiguous input's storage
// (the rotation is safely in-place, each feature pair is read before it
// is written), otherwise allocates a fresh row-major output. The returned
// input view stays valid for the kernel even after donation.
func newRoPEOutput(stream *metal.Stream, x *tensors.Tensor) (out, xView *tensors.Tensor, err error) {
	if x.Donatable() && x.Flags().RowContiguous {
		buf := x.DonateBuffer()
		out = tensors.FromBuffer(buf, x.DType(), x.Dims(), x.Strides())
		return out, out, nil
	}
	buf, err := stream.Device().Allocate(x.NumBytes())
	if err != nil {
		return nil, nil, err
	}
	return tensors.FromBuffer(buf, x.DType(), x.Dims(), nil), x, nil
}
