package fast

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/metalfast/metal"
	"github.com/gomlx/metalfast/metal/kernels"
	"github.com/gomlx/metalfast/types/tensors"
)

// Tiling of the full-attention kernel: 32 query rows per tile, key tiles
// narrowed to 16 columns for large head dimensions, 4x1 warps per
// threadgroup.
const (
	fullQueryTile    = 32
	fullKeyTileSmall = 32 // head dim < 128
	fullKeyTileLarge = 16
	fullWarpsM       = 4
	fullWarpsN       = 1
)

func fullKeyTile(headDim int) int {
	if headDim < 128 {
		return fullKeyTileSmall
	}
	return fullKeyTileLarge
}

// sdpaFull encodes the tiled full-attention kernel for the prefill
// regime (queryLen > vectorModeMaxQueryLen).
func sdpaFull(stream *metal.Stream, q, k, v *tensors.Tensor, scale float32, config AttentionConfig) (*tensors.Tensor, error) {
	q, err := copyUnless(stream, q, matrixContiguous)
	if err != nil {
		return nil, err
	}
	if k, err = copyUnless(stream, k, matrixContiguous); err != nil {
		return nil, err
	}
	if v, err = copyUnless(stream, v, matrixContiguous); err != nil {
		return nil, err
	}
	mask := config.Mask
	if mask != nil {
		if mask.Dim(3) != k.Dim(2) {
			exceptions.Panicf("fast: full-attention mask key axis must be dense, got %s for keyLen %d",
				mask, k.Dim(2))
		}
		if mask, err = copyUnless(stream, mask, matrixContiguous); err != nil {
			return nil, err
		}
	}

	headDim, valueDim := q.Dim(3), v.Dim(3)
	out, err := newFullOutput(stream, q, valueDim)
	if err != nil {
		return nil, err
	}

	batch, heads, queryLen, keyLen := q.Dim(0), q.Dim(1), q.Dim(2), k.Dim(2)
	bq, bk := fullQueryTile, fullKeyTile(headDim)
	params := kernels.AttnParams{
		B:         int32(batch),
		H:         int32(heads),
		D:         int32(headDim),
		QL:        int32(queryLen),
		KL:        int32(keyLen),
		GQAFactor: int32(heads / k.Dim(1)),
		Scale:     scale,

		NQ:        int32((queryLen + bq - 1) / bq),
		NK:        int32((keyLen + bk - 1) / bk),
		NQAligned: int32(queryLen / bq),
		NKAligned: int32(keyLen / bk),
		QLRem:     int32(queryLen % bq),
		KLRem:     int32(keyLen % bk),
		QLOff:     int32(keyLen - queryLen),

		QStrides: axisStrides(q),
		KStrides: axisStrides(k),
		VStrides: axisStrides(v),
		OStrides: axisStrides(out),
	}

	alignQ := queryLen%bq == 0
	alignK := keyLen%bk == 0
	hasMask := mask != nil
	constants := kernels.Constants{
		kernels.ConstAlignQ:        alignQ,
		kernels.ConstAlignK:        alignK,
		kernels.ConstSteelHasMask:  hasMask,
		kernels.ConstSteelDoCausal: config.Causal,
	}

	dtypeName, err := kernels.DTypeName(q.DType())
	if err != nil {
		return nil, err
	}
	baseName := fmt.Sprintf("steel_attention_%s_bq%d_bk%d_bd%d_wm%d_wn%d_mask%s",
		dtypeName, bq, bk, headDim, fullWarpsM, fullWarpsN, dtypeName)
	hashName := baseName +
		flagSuffix(alignQ, "_align_Q_t", "_align_Q_n") +
		flagSuffix(alignK, "_align_K_t", "_align_K_n") +
		flagSuffix(hasMask, "_has_mask_t", "_has_mask_n") +
		flagSuffix(config.Causal, "_do_causal_t", "_do_causal_n")
	pipeline, err := stream.Device().GetKernel(baseName, hashName, constants)
	if err != nil {
		return nil, errors.WithMessage(err, "resolving full-attention kernel")
	}

	encoder := stream.CommandEncoder()
	encoder.SetComputePipeline(pipeline)
	encoder.SetTensor(0, q)
	encoder.SetTensor(1, k)
	encoder.SetTensor(2, v)
	encoder.SetTensor(3, out)
	encoder.SetBytes(4, params)
	if hasMask {
		encoder.SetBytes(5, maskParams(mask))
		encoder.SetTensor(6, mask)
	}

	grid := kernels.Dims{X: int(params.NQ), Y: heads, Z: batch}
	group := kernels.Dims{X: 32, Y: fullWarpsM, Z: fullWarpsN}
	encoder.DispatchThreadgroups(grid, group)
	return out, nil
}

// axisStrides packs the (batch, head, sequence) element strides of a
// rank-4 view into the parameter-block triple; the feature axis is dense
// by precondition.
func axisStrides(t *tensors.Tensor) [3]int64 {
	return [3]int64{int64(t.Stride(0)), int64(t.Stride(1)), int64(t.Stride(2))}
}

// maskParams packs the mask strides, zeroing broadcast (singleton) axes.
func maskParams(mask *tensors.Tensor) kernels.AttnMaskParams {
	var p kernels.AttnMaskParams
	for axis := 0; axis < 3; axis++ {
		if mask.Dim(axis) > 1 {
			p.MStrides[axis] = int64(mask.Stride(axis))
		}
	}
	return p
}
