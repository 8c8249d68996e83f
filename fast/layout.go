package fast

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/metalfast/metal"
	"github.com/gomlx/metalfast/metal/kernels"
	"github.com/gomlx/metalfast/types/tensors"
)

// layoutRequirement names a kernel layout precondition together with its
// checker, decoupled from the kernels that demand it.
type layoutRequirement struct {
	name string
	ok   func(*tensors.Tensor) bool
}

// matrixContiguous requires the innermost axis to have stride 1, the
// precondition of the kernels reading the head dimension densely.
var matrixContiguous = layoutRequirement{
	name: "matrix-contiguous",
	ok:   (*tensors.Tensor).MatrixContiguous,
}

// contiguousOrHeadSeqTransposed accepts fully row-contiguous views or the
// exact layout of a head/seq transposition, which the vector kernels
// address directly without a copy.
var contiguousOrHeadSeqTransposed = layoutRequirement{
	name: "contiguous-or-head/seq-transposed",
	ok: func(t *tensors.Tensor) bool {
		return t.Flags().RowContiguous || t.HeadSeqTransposed()
	},
}

// copyUnless returns t itself when the layout requirement holds, otherwise
// a freshly allocated row-contiguous copy populated by a device-side copy
// and registered as a stream temporary.
func copyUnless(stream *metal.Stream, t *tensors.Tensor, req layoutRequirement) (*tensors.Tensor, error) {
	if req.ok(t) {
		return t, nil
	}
	klog.V(1).Infof("fast: inserting copy to satisfy %s layout for %s", req.name, t)

	buf, err := stream.Device().Allocate(t.NumBytes())
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %s normalization copy", req.name)
	}
	stream.AddTemporary(buf)
	dst := tensors.FromBuffer(buf, t.DType(), t.Dims(), nil)
	if err := deviceCopy(stream, t, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// deviceCopy gathers src into the row-contiguous dst on the stream.
func deviceCopy(stream *metal.Stream, src, dst *tensors.Tensor) error {
	dtypeName, err := kernels.DTypeName(src.DType())
	if err != nil {
		return err
	}
	name := "copy_general_" + dtypeName
	pipeline, err := stream.Device().GetKernel(name, name, nil)
	if err != nil {
		return err
	}
	encoder := stream.CommandEncoder()
	encoder.SetComputePipeline(pipeline)
	encoder.SetTensor(0, src)
	encoder.SetTensor(1, dst)
	rows := src.Size() / src.Dim(-1)
	encoder.DispatchThreadgroups(
		kernels.Dims{X: rows, Y: 1, Z: 1},
		kernels.Dims{X: 256, Y: 1, Z: 1})
	return nil
}

// newTemporary allocates a row-major float32 intermediate registered with
// the stream, used by the two-pass reduction buffers.
func newTemporary(stream *metal.Stream, dims []int) (*tensors.Tensor, error) {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	buf, err := stream.Device().Allocate(size * dtypes.Float32.Size())
	if err != nil {
		return nil, errors.WithMessage(err, "allocating reduction intermediates")
	}
	stream.AddTemporary(buf)
	return tensors.FromBuffer(buf, dtypes.Float32, dims, nil), nil
}
