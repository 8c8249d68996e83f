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
	register("sdpa_vector_2pass_1", buildSDPAVector2Pass1)
	register("sdpa_vector_2pass_2", buildSDPAVector2Pass2)
}

// TwoPassBlocks is the fixed number of key-sequence partitions of the
// two-pass strategy: pass 1 reduces each partition independently, pass 2
// merges the partials.
const TwoPassBlocks = 32

// Argument slots of the two-pass kernels. Fixed order, breaking to change.
const (
	twoPassSlotQ               = 0
	twoPassSlotK               = 1
	twoPassSlotV               = 2
	twoPassSlotPartials        = 3
	twoPassSlotSums            = 4
	twoPassSlotMaxs            = 5
	twoPassSlotGQAFactor       = 6
	twoPassSlotN               = 7
	twoPassSlotKHeadStride     = 8
	twoPassSlotKSeqStride      = 9
	twoPassSlotVHeadStride     = 10
	twoPassSlotVSeqStride      = 11
	twoPassSlotScale           = 12
	twoPassSlotMask            = 13
	twoPassSlotMaskKVSeqStride = 14
	twoPassSlotMaskQSeqStride  = 15
	twoPassSlotMaskHeadStride  = 16

	// Pass 2 rebinds from slot 0.
	mergeSlotPartials = 0
	mergeSlotSums     = 1
	mergeSlotMaxs     = 2
	mergeSlotOut      = 3
)

func buildSDPAVector2Pass1(baseName string, constants Constants) (Func, bool, error) {
	const prefix = "sdpa_vector_2pass_1_"
	if !strings.HasPrefix(baseName, prefix) {
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
		fn = sdpaVector2Pass1Generic[float32](hasMask, qDim, vDim)
	case dtypes.Float16:
		fn = sdpaVector2Pass1Generic[float16.Float16](hasMask, qDim, vDim)
	case dtypes.BFloat16:
		fn = sdpaVector2Pass1Generic[bfloat16.BFloat16](hasMask, qDim, vDim)
	}
	return fn, true, nil
}

func buildSDPAVector2Pass2(baseName string, constants Constants) (Func, bool, error) {
	const prefix = "sdpa_vector_2pass_2_"
	if !strings.HasPrefix(baseName, prefix) {
		return nil, false, nil
	}
	parts := strings.Split(strings.TrimPrefix(baseName, prefix), "_")
	if len(parts) != 2 {
		return nil, true, errors.Errorf("malformed kernel name %q, want %s<dtype>_<vHeadDim>", baseName, prefix)
	}
	dtype, ok := dtypeFromName(parts[0])
	if !ok {
		return nil, true, errors.Errorf("no kernel variants are compiled for dtype %q", parts[0])
	}
	vDim, err := strconv.Atoi(parts[1])
	if err != nil || vDim <= 0 {
		return nil, true, errors.Errorf("malformed head dimension in kernel name %q", baseName)
	}
	var fn Func
	switch dtype {
	case dtypes.Float32:
		fn = sdpaVector2Pass2Generic[float32](vDim)
	case dtypes.Float16:
		fn = sdpaVector2Pass2Generic[float16.Float16](vDim)
	case dtypes.BFloat16:
		fn = sdpaVector2Pass2Generic[bfloat16.BFloat16](vDim)
	}
	return fn, true, nil
}

// sdpaVector2Pass1Generic is pass 1 of the block-reduced vector attention:
// one threadgroup per (batch*head, query row, key block) reduces its block
// of the key sequence to a partial maximum, partial exponential sum and
// partial weighted-V accumulation. Partials are always float32.
func sdpaVector2Pass1Generic[T Element](hasMask bool, qDim, vDim int) Func {
	return func(c *Call, group Dims) {
		q, k, v := c.Tensor(twoPassSlotQ), c.Tensor(twoPassSlotK), c.Tensor(twoPassSlotV)
		partials := c.Tensor(twoPassSlotPartials)
		sums := c.Tensor(twoPassSlotSums)
		maxs := c.Tensor(twoPassSlotMaxs)
		gqaFactor := int(ArgAt[int32](c, twoPassSlotGQAFactor))
		n := int(ArgAt[int32](c, twoPassSlotN))
		kHeadStride := int(ArgAt[int64](c, twoPassSlotKHeadStride))
		kSeqStride := int(ArgAt[int64](c, twoPassSlotKSeqStride))
		vHeadStride := int(ArgAt[int64](c, twoPassSlotVHeadStride))
		vSeqStride := int(ArgAt[int64](c, twoPassSlotVSeqStride))
		scale := ArgAt[float32](c, twoPassSlotScale)

		headIdx, qSeqIdx, block := group.X, group.Y, group.Z
		kvHeadIdx := headIdx / gqaFactor
		numHeads := q.Dim(1)
		batchIdx, head := headIdx/numHeads, headIdx%numHeads

		qFlat := flatView[T](q)
		kFlat := flatView[T](k)
		vFlat := flatView[T](v)
		partialsFlat := flatView[float32](partials)
		sumsFlat := flatView[float32](sums)
		maxsFlat := flatView[float32](maxs)

		qOff := batchIdx*q.Stride(0) + head*q.Stride(1) + qSeqIdx*q.Stride(2)
		qStrideD := q.Stride(3)

		var maskFlat []T
		var maskKVStride, maskQStride, maskHeadStride int
		if hasMask {
			maskFlat = flatView[T](c.Tensor(twoPassSlotMask))
			maskKVStride = int(ArgAt[int32](c, twoPassSlotMaskKVSeqStride))
			maskQStride = int(ArgAt[int32](c, twoPassSlotMaskQSeqStride))
			maskHeadStride = int(ArgAt[int32](c, twoPassSlotMaskHeadStride))
		}

		// partials: [B, H, qL, blocks, vDim]; sums/maxs: [B, H, qL, blocks].
		reduceOff := batchIdx*sums.Stride(0) + head*sums.Stride(1) + qSeqIdx*sums.Stride(2) + block*sums.Stride(3)
		partialOff := batchIdx*partials.Stride(0) + head*partials.Stride(1) +
			qSeqIdx*partials.Stride(2) + block*partials.Stride(3)

		blockLen := (n + TwoPassBlocks - 1) / TwoPassBlocks
		start := block * blockLen
		end := min(n, start+blockLen)

		maxScore := float32(math.Inf(-1))
		var sumExp float32
		acc := make([]float32, vDim)
		for pos := start; pos < end; pos++ {
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

		maxsFlat[reduceOff] = maxScore
		sumsFlat[reduceOff] = sumExp
		copy(partialsFlat[partialOff:partialOff+vDim], acc)
	}
}

// sdpaVector2Pass2Generic is the merge pass: one threadgroup per
// (batch*head, query row) combines the per-block partials with the
// numerically stable online-softmax merge rule and writes the final
// normalized output. The result is equal (within floating tolerance) to a
// single monolithic softmax over the whole key sequence.
func sdpaVector2Pass2Generic[T Element](vDim int) Func {
	return func(c *Call, group Dims) {
		partials := c.Tensor(mergeSlotPartials)
		sums := c.Tensor(mergeSlotSums)
		maxs := c.Tensor(mergeSlotMaxs)
		out := c.Tensor(mergeSlotOut)

		headIdx, qSeqIdx := group.X, group.Y
		numHeads := out.Dim(1)
		batchIdx, head := headIdx/numHeads, headIdx%numHeads

		partialsFlat := flatView[float32](partials)
		sumsFlat := flatView[float32](sums)
		maxsFlat := flatView[float32](maxs)
		outFlat := flatView[T](out)

		reduceOff := batchIdx*sums.Stride(0) + head*sums.Stride(1) + qSeqIdx*sums.Stride(2)
		reduceStride := sums.Stride(3)
		partialOff := batchIdx*partials.Stride(0) + head*partials.Stride(1) + qSeqIdx*partials.Stride(2)
		partialStride := partials.Stride(3)

		newMax := float32(math.Inf(-1))
		for block := 0; block < TwoPassBlocks; block++ {
			newMax = max(newMax, maxsFlat[reduceOff+block*reduceStride])
		}

		var sumExp float32
		acc := make([]float32, vDim)
		for block := 0; block < TwoPassBlocks; block++ {
			blockMax := maxsFlat[reduceOff+block*reduceStride]
			if math.IsInf(float64(blockMax), -1) {
				// Empty or fully masked block, contributes nothing.
				continue
			}
			factor := exp32(blockMax - newMax)
			sumExp += sumsFlat[reduceOff+block*reduceStride] * factor
			blockOff := partialOff + block*partialStride
			for d := 0; d < vDim; d++ {
				acc[d] += partialsFlat[blockOff+d] * factor
			}
		}

		outOff := batchIdx*out.Stride(0) + head*out.Stride(1) + qSeqIdx*out.Stride(2)
		outStrideD := out.Stride(3)
		for d := 0; d < vDim; d++ {
			outFlat[outOff+d*outStrideD] = fromF32[T](acc[d] / sumExp)
		}
	}
}
