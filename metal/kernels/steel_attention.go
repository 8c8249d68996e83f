package kernels

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func init() {
	register("steel_attention", buildSteelAttention)
}

// Argument slots of the tiled full-attention kernels. Fixed order.
const (
	steelSlotQ          = 0
	steelSlotK          = 1
	steelSlotV          = 2
	steelSlotOut        = 3
	steelSlotParams     = 4
	steelSlotMaskParams = 5
	steelSlotMask       = 6
)

// steelGeometry is the compile-time tiling baked into a steel_attention
// variant, parsed back from the kernel name.
type steelGeometry struct {
	dtype     dtypes.DType
	maskDType dtypes.DType
	bq, bk    int // query/key tile sizes
	bd        int // head dim
	wm, wn    int // warps per threadgroup, along the query/key tile
}

func parseSteelName(baseName string) (geo steelGeometry, err error) {
	const prefix = "steel_attention_"
	parts := strings.Split(strings.TrimPrefix(baseName, prefix), "_")
	if len(parts) != 7 {
		return geo, errors.Errorf("malformed kernel name %q", baseName)
	}
	var ok bool
	geo.dtype, ok = dtypeFromName(parts[0])
	if !ok {
		return geo, errors.Errorf("no kernel variants are compiled for dtype %q", parts[0])
	}
	for _, field := range []struct {
		tag  string
		dst  *int
		part string
	}{
		{"bq", &geo.bq, parts[1]},
		{"bk", &geo.bk, parts[2]},
		{"bd", &geo.bd, parts[3]},
		{"wm", &geo.wm, parts[4]},
		{"wn", &geo.wn, parts[5]},
	} {
		if _, err := fmt.Sscanf(field.part, field.tag+"%d", field.dst); err != nil || *field.dst <= 0 {
			return geo, errors.Errorf("malformed %s field %q in kernel name %q", field.tag, field.part, baseName)
		}
	}
	maskName, hasMaskTag := strings.CutPrefix(parts[6], "mask")
	if !hasMaskTag {
		return geo, errors.Errorf("malformed mask field %q in kernel name %q", parts[6], baseName)
	}
	geo.maskDType, ok = dtypeFromName(maskName)
	if !ok {
		return geo, errors.Errorf("no mask variants are compiled for dtype %q", maskName)
	}
	return geo, nil
}

func buildSteelAttention(baseName string, constants Constants) (Func, bool, error) {
	if !strings.HasPrefix(baseName, "steel_attention_") {
		return nil, false, nil
	}
	geo, err := parseSteelName(baseName)
	if err != nil {
		return nil, true, err
	}
	if geo.maskDType != geo.dtype {
		// Mixed-precision masks have no compiled variant.
		return nil, true, errors.Errorf("kernel %q requires mask dtype %s to match the query dtype %s",
			baseName, geo.maskDType, geo.dtype)
	}
	var fn Func
	switch geo.dtype {
	case dtypes.Float32:
		fn = steelAttentionGeneric[float32](geo, constants)
	case dtypes.Float16:
		fn = steelAttentionGeneric[float16.Float16](geo, constants)
	case dtypes.BFloat16:
		fn = steelAttentionGeneric[bfloat16.BFloat16](geo, constants)
	}
	return fn, true, nil
}

// steelAttentionGeneric instantiates the tiled full-attention kernel: 2-D
// tiling over (query tile, key tile) per (batch, head), with an online
// softmax carried across key tiles. The alignment constants let the aligned
// path skip the remainder bounds checks; the causal constant restricts key
// tile iteration to tiles at or before the diagonal.
func steelAttentionGeneric[T Element](geo steelGeometry, constants Constants) Func {
	alignQ := constants.Value(ConstAlignQ)
	alignK := constants.Value(ConstAlignK)
	hasMask := constants.Value(ConstSteelHasMask)
	doCausal := constants.Value(ConstSteelDoCausal)

	return func(c *Call, group Dims) {
		q, k, v, out := c.Tensor(steelSlotQ), c.Tensor(steelSlotK), c.Tensor(steelSlotV), c.Tensor(steelSlotOut)
		p := ArgAt[AttnParams](c, steelSlotParams)

		qTile, head, batch := group.X, group.Y, group.Z
		kvHead := head / int(p.GQAFactor)

		qFlat := flatView[T](q)
		kFlat := flatView[T](k)
		vFlat := flatView[T](v)
		outFlat := flatView[T](out)

		qBase := batch*int(p.QStrides[0]) + head*int(p.QStrides[1])
		kBase := batch*int(p.KStrides[0]) + kvHead*int(p.KStrides[1])
		vBase := batch*int(p.VStrides[0]) + kvHead*int(p.VStrides[1])
		outBase := batch*int(p.OStrides[0]) + head*int(p.OStrides[1])

		var maskFlat []T
		var maskParams AttnMaskParams
		if hasMask {
			maskFlat = flatView[T](c.Tensor(steelSlotMask))
			maskParams = ArgAt[AttnMaskParams](c, steelSlotMaskParams)
		}

		rows := geo.bq
		if !alignQ && qTile >= int(p.NQAligned) {
			rows = int(p.QLRem)
		}

		vDim := int(p.D)
		acc := make([]float32, vDim)
		for r := 0; r < rows; r++ {
			qi := qTile*geo.bq + r
			qOff := qBase + qi*int(p.QStrides[2])

			maxScore := float32(math.Inf(-1))
			var sumExp float32
			clear(acc)

			for t := 0; t < int(p.NK); t++ {
				tileStart := t * geo.bk
				if doCausal && tileStart > qi+int(p.QLOff) {
					// Tiles strictly beyond the diagonal never contribute.
					break
				}
				cols := geo.bk
				if !alignK && t >= int(p.NKAligned) {
					cols = int(p.KLRem)
				}
				for kj := 0; kj < cols; kj++ {
					kPos := tileStart + kj
					if doCausal && kPos > qi+int(p.QLOff) {
						continue
					}
					kOff := kBase + kPos*int(p.KStrides[2])
					var score float32
					for d := 0; d < int(p.D); d++ {
						score += toF32(qFlat[qOff+d]) * toF32(kFlat[kOff+d])
					}
					score *= p.Scale
					if hasMask {
						score += toF32(maskFlat[batch*int(maskParams.MStrides[0])+
							head*int(maskParams.MStrides[1])+
							qi*int(maskParams.MStrides[2])+kPos])
					}
					newMax := max(maxScore, score)
					if math.IsInf(float64(newMax), -1) {
						continue
					}
					factor := exp32(maxScore - newMax)
					weight := exp32(score - newMax)
					sumExp = sumExp*factor + weight
					vOff := vBase + kPos*int(p.VStrides[2])
					for d := 0; d < vDim; d++ {
						acc[d] = acc[d]*factor + weight*toF32(vFlat[vOff+d])
					}
					maxScore = newMax
				}
			}

			outOff := outBase + qi*int(p.OStrides[2])
			for d := 0; d < vDim; d++ {
				outFlat[outOff+d] = fromF32[T](acc[d] / sumExp)
			}
		}
	}
}
