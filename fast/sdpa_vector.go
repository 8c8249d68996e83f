package fast

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/metalfast/metal"
	"github.com/gomlx/metalfast/metal/kernels"
	"github.com/gomlx/metalfast/types/tensors"
)

// Launch geometry of the vector strategies. Threadgroup sizes are fixed
// per strategy; the grid covers (batch*heads, queryLen[, blocks]).
var (
	vectorGroupDims   = kernels.Dims{X: 1024, Y: 1, Z: 1}
	twoPassPass1Group = kernels.Dims{X: 256, Y: 1, Z: 1}
	twoPassPass2Group = kernels.Dims{X: 1024, Y: 1, Z: 1}
)

// vectorMaskStrides resolves the vector-kernel mask addressing scalars:
// element strides over the (key, query, flattened batch*head) axes, with
// zero on broadcast (singleton) axes.
func vectorMaskStrides(mask *tensors.Tensor) (kvSeq, qSeq, head int32) {
	if mask.Dim(3) > 1 {
		kvSeq = int32(mask.Stride(3))
	}
	if mask.Dim(2) > 1 {
		qSeq = int32(mask.Stride(2))
	}
	if mask.Dim(1) > 1 {
		head = int32(mask.Stride(1))
	}
	return
}

// sdpaVector encodes the single-pass or two-pass vector attention.
func sdpaVector(stream *metal.Stream, q, k, v *tensors.Tensor, scale float32, config AttentionConfig, twoPass bool) (*tensors.Tensor, error) {
	// The vector kernels read the query through its strides, so a
	// head/seq-transposed query needs no copy; keys and values only need
	// the head dimension dense.
	q, err := copyUnless(stream, q, contiguousOrHeadSeqTransposed)
	if err != nil {
		return nil, err
	}
	if k, err = copyUnless(stream, k, matrixContiguous); err != nil {
		return nil, err
	}
	if v, err = copyUnless(stream, v, matrixContiguous); err != nil {
		return nil, err
	}

	headDim, valueDim := q.Dim(3), v.Dim(3)
	out, q, err := newVectorOutput(stream, q, valueDim)
	if err != nil {
		return nil, err
	}

	dtypeName, err := kernels.DTypeName(q.DType())
	if err != nil {
		return nil, err
	}
	hasMask := config.Mask != nil
	queryTransposed := !q.Flags().RowContiguous
	constants := kernels.Constants{
		kernels.ConstHasMask:         hasMask,
		kernels.ConstQueryTransposed: queryTransposed,
	}
	hashSuffix := flagSuffix(hasMask, "_mask", "_nomask") + flagSuffix(queryTransposed, "_qt", "_qnt")

	if twoPass {
		err = encodeTwoPass(stream, q, k, v, out, scale, config.Mask, dtypeName, hashSuffix, constants, headDim, valueDim)
	} else {
		err = encodeSinglePass(stream, q, k, v, out, scale, config.Mask, dtypeName, hashSuffix, constants, headDim, valueDim)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func flagSuffix(flag bool, whenTrue, whenFalse string) string {
	if flag {
		return whenTrue
	}
	return whenFalse
}

func encodeSinglePass(stream *metal.Stream, q, k, v, out *tensors.Tensor, scale float32, mask *tensors.Tensor,
	dtypeName, hashSuffix string, constants kernels.Constants, headDim, valueDim int) error {
	baseName := fmt.Sprintf("sdpa_vector_%s_%d_%d", dtypeName, headDim, valueDim)
	pipeline, err := stream.Device().GetKernel(baseName, baseName+hashSuffix, constants)
	if err != nil {
		return errors.WithMessage(err, "resolving single-pass vector attention kernel")
	}

	encoder := stream.CommandEncoder()
	encoder.SetComputePipeline(pipeline)
	encoder.SetTensor(0, q)
	encoder.SetTensor(1, k)
	encoder.SetTensor(2, v)
	encoder.SetTensor(3, out)
	encoder.SetBytes(4, int32(q.Dim(1)/k.Dim(1)))
	encoder.SetBytes(5, int32(k.Dim(2)))
	encoder.SetBytes(6, int64(k.Stride(1)))
	encoder.SetBytes(7, int64(k.Stride(2)))
	encoder.SetBytes(8, int64(v.Stride(1)))
	encoder.SetBytes(9, int64(v.Stride(2)))
	encoder.SetBytes(10, scale)
	if mask != nil {
		kvSeq, qSeq, head := vectorMaskStrides(mask)
		encoder.SetTensor(11, mask)
		encoder.SetBytes(12, kvSeq)
		encoder.SetBytes(13, qSeq)
		encoder.SetBytes(14, head)
	}

	grid := kernels.Dims{X: q.Dim(0) * q.Dim(1), Y: q.Dim(2), Z: 1}
	encoder.DispatchThreadgroups(grid, vectorGroupDims)
	return nil
}

func encodeTwoPass(stream *metal.Stream, q, k, v, out *tensors.Tensor, scale float32, mask *tensors.Tensor,
	dtypeName, hashSuffix string, constants kernels.Constants, headDim, valueDim int) error {
	batch, heads, queryLen := q.Dim(0), q.Dim(1), q.Dim(2)

	// Per-dispatch reduction intermediates, released when the stream
	// synchronizes past the merge.
	partials, err := newTemporary(stream, []int{batch, heads, queryLen, kernels.TwoPassBlocks, valueDim})
	if err != nil {
		return err
	}
	sums, err := newTemporary(stream, []int{batch, heads, queryLen, kernels.TwoPassBlocks})
	if err != nil {
		return err
	}
	maxs, err := newTemporary(stream, []int{batch, heads, queryLen, kernels.TwoPassBlocks})
	if err != nil {
		return err
	}

	pass1Name := fmt.Sprintf("sdpa_vector_2pass_1_%s_%d_%d", dtypeName, headDim, valueDim)
	pass1, err := stream.Device().GetKernel(pass1Name, pass1Name+hashSuffix, constants)
	if err != nil {
		return errors.WithMessage(err, "resolving two-pass vector attention kernel (pass 1)")
	}
	pass2Name := fmt.Sprintf("sdpa_vector_2pass_2_%s_%d", dtypeName, valueDim)
	pass2, err := stream.Device().GetKernel(pass2Name, pass2Name, nil)
	if err != nil {
		return errors.WithMessage(err, "resolving two-pass vector attention kernel (pass 2)")
	}

	encoder := stream.CommandEncoder()
	encoder.SetComputePipeline(pass1)
	encoder.SetTensor(0, q)
	encoder.SetTensor(1, k)
	encoder.SetTensor(2, v)
	encoder.SetTensor(3, partials)
	encoder.SetTensor(4, sums)
	encoder.SetTensor(5, maxs)
	encoder.SetBytes(6, int32(heads/k.Dim(1)))
	encoder.SetBytes(7, int32(k.Dim(2)))
	encoder.SetBytes(8, int64(k.Stride(1)))
	encoder.SetBytes(9, int64(k.Stride(2)))
	encoder.SetBytes(10, int64(v.Stride(1)))
	encoder.SetBytes(11, int64(v.Stride(2)))
	encoder.SetBytes(12, scale)
	if mask != nil {
		kvSeq, qSeq, head := vectorMaskStrides(mask)
		encoder.SetTensor(13, mask)
		encoder.SetBytes(14, kvSeq)
		encoder.SetBytes(15, qSeq)
		encoder.SetBytes(16, head)
	}
	grid := kernels.Dims{X: batch * heads, Y: queryLen, Z: kernels.TwoPassBlocks}
	encoder.DispatchThreadgroups(grid, twoPassPass1Group)

	// The merge pass relies on intra-stream ordering: it is encoded on
	// the same stream right after pass 1, no explicit synchronization.
	encoder = stream.CommandEncoder()
	encoder.SetComputePipeline(pass2)
	encoder.SetTensor(0, partials)
	encoder.SetTensor(1, sums)
	encoder.SetTensor(2, maxs)
	encoder.SetTensor(3, out)
	grid = kernels.Dims{X: batch * heads, Y: queryLen, Z: 1}
	encoder.DispatchThreadgroups(grid, twoPassPass2Group)
	return nil
}
