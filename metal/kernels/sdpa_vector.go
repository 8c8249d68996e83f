package kernels

import (
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func init() {
	register("sdpa_vector", buildSDPAVector)
}

// Argument slots of the single-pass vector kernel. The order is fixed: any
// change is a breaking ABI change.
const (
	vecSlotQ               = 0
	vecSlotK               = 1
	vecSlotV               = 2
	vecSlotOut             = 3
	vecSlotGQAFactor       = 4
	vecSlotN               = 5
	vecSlotKHeadStride     = 6
	vecSlotKSeqStride      = 7
	vecSlotVHeadStride     = 8
	vecSlotVSeqStride      = 9
	vecSlotScale           = 10
	vecSlotMask            = 11
	vecSlotMaskKVSeqStride = 12
	vecSlotMaskQSeqStride  = 13
	vecSlotMaskHeadStride  = 14
)

// parseHeadDims parses the "<dtype>_<qHeadDim>_<vHeadDim>" tail shared by
// the vector kernel names.
func parseHeadDims(tail string) (dtype dtypes.DType, qDim, vDim int, err error) {
	parts := strings.Split(tail, "_")
	if len(parts) != 3 {
		return dtype, 0, 0, errors.Errorf("malformed kernel name suffix %q, want <dtype>_<qHeadDim>_<vHeadDim>", tail)
	}
	dtype, ok := dtypeFromName(parts[0])
	if !ok {
		return dtype, 0, 0, errors.Errorf("no kernel variants are compiled for dtype %q", parts[0])
	}
	qDim, err = strconv.Atoi(parts[1])
	if err == nil && qDim > 0 {
		vDim, err = strconv.Atoi(parts[2])
	}
	if err != nil || qDim <= 0 || vDim <= 0 {
		return dtype, 0, 0, errors.Errorf("malformed head dimensions in kernel name suffix %q", tail)
	}
	return dtype, qDim, vDim, nil
}

func buildSDPAVector(baseName string, constants Constants) (Func, bool, error) {
	const prefix = "sdpa_vector_"
	if !strings.HasPrefix(baseName, prefix) || strings.HasPrefix(baseName, "sdpa_vector_2pass_") {
		return nil, false, nil
	}
	dtype, qDim, vDim, err := parseHeadDims(strings.TrimPrefix(baseName, prefix))
	if err != nil {
		return nil, true, err
	}
	hasMask := constants.Value(ConstHasMask)
	var fn Func
	switch dtype {
	case dtypes.Float32:
		fn = sdpaVectorGeneric[float32](hasMask, qDim, vDim)
	case dtypes.Float16:
		fn = sdpaVectorGeneric[float16.Float16](hasMask, qDim, vDim)
	case dtypes.BFloat16:
		fn = sdpaVectorGeneric[bfloat16.BFloat16](hasMask, qDim, vDim)
	}
	return fn, true, nil
}

// maskStrides resolves the vector-kernel mask addressing scalars bound at
// slots 12..14.
func maskStrides(c *Call) (kvSeq, qSeq, head int) {
	return int(ArgAt[int32](c, vecSlotMaskKVSeqStride)),
		int(ArgAt[int32](c, vecSlotMaskQSeqStride)),
		int(ArgAt[int32](c, vecSlotMaskHeadStride))
}

// sdpaVectorGeneric instantiates the single-query ("vector") attention
// kernel: one threadgroup per (batch*head, query row) streams the full key
// sequence once, keeping a running maximum and sum (online softmax) and a
// running weighted accumulation of V, and writes the normalized output
// directly.
//
// Note the ConstQueryTransposed constant only specializes the pipeline (the
// addressing code path on device); the body resolves addresses through the
// bound views' strides, which cover both layouts.
func sdpaVectorGeneric[T Element](hasMask bool, qDim, vDim int) Func {
	return func(c *Call, group Dims) {
		q, k, v, out := c.Tensor(vecSlotQ), c.Tensor(vecSlotK), c.Tensor(vecSlotV), c.Tensor(vecSlotOut)
		gqaFactor := int(ArgAt[int32](c, vecSlotGQAFactor))
		n := int(ArgAt[int32](c, vecSlotN))
		kHeadStride := int(ArgAt[int64](c, vecSlotKHeadStride))
		kSeqStride := int(ArgAt[int64](c, vecSlotKSeqStride))
		vHeadStride := int(ArgAt[int64](c, vecSlotVHeadStride))
		vSeqStride := int(ArgAt[int64](c, vecSlotVSeqStride))
		scale := ArgAt[float32](c, vecSlotScale)

		headIdx := group.X // batch*heads flattened
		qSeqIdx := group.Y
		kvHeadIdx := headIdx / gqaFactor

		numHeads := q.Dim(1)
		batchIdx, head := headIdx/numHeads, headIdx%numHeads
		qFlat := flatView[T](q)
		outFlat := flatView[T](out)
		kFlat := flatView[T](k)
		vFlat := flatView[T](v)
		qOff := batchIdx*q.Stride(0) + head*q.Stride(1) + qSeqIdx*q.Stride(2)
		outOff := batchIdx*out.Stride(0) + head*out.Stride(1) + qSeqIdx*out.Stride(2)

		var maskFlat []T
		var maskKVStride, maskQStride, maskHeadStride int
		if hasMask {
			maskFlat = flatView[T](c.Tensor(vecSlotMask))
			maskKVStride, maskQStride, maskHeadStride = maskStrides(c)
		}

		maxScore := float32(math.Inf(-1))
		var sumExp float32
		acc := make([]float32, vDim)
		qStrideD := q.Stride(3)
		for pos := 0; pos < n; pos++ {
			kOff := kvHeadIdx*kHeadStride + pos*kSeqStride
			var score float32
			for d := 0; d < qDim; d++ {
				score += toF32(qFlat[qOff+d*qStrideD]) * toF32(kFlat[kOff+d])
			}
			score *= scale
			if hasMask {
				score += toF32(maskFlat[headIdx*maskHeadStride+qSeqIdx*maskQStride+pos*maskKVStride])
			}
			newMax := max(maxScore, score)
			if math.IsInf(float64(newMax), -1) {
				// Every position so far is masked out.
				continue
			}
			factor := exp32(maxScore - newMax)
			weight := exp32(score - newMax)
			sumExp = sumExp*factor + weight
			vOff := kvHeadIdx*vHeadStride + pos*vSeqStride
			for d := 0; d < vDim; d++ {
				acc[d] = acc[d]*factor + weight*toF32(vFlat[vOff+d])
			}
			maxScore = newMax
		}

		outStrideD := out.Stride(3)
		for d := 0; d < vDim; d++ {
			outFlat[outOff+d*outStrideD] = fromF32[T](acc[d] / sumExp)
		}
	}
}

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}
