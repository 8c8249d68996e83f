package kernels

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

func init() {
	register("rope", buildRoPE)
}

// Argument slots of the rotary-embedding kernels. Fixed order.
const (
	ropeSlotIn     = 0
	ropeSlotOut    = 1
	ropeSlotParams = 2
)

// RoPERowsPerThread is how many sequence rows each thread of the batched
// rotary kernel processes, amortizing the angle computation.
const RoPERowsPerThread = 4

func buildRoPE(baseName string, constants Constants) (Func, bool, error) {
	name := baseName
	forward := true
	if rest, ok := strings.CutPrefix(name, "vjp_"); ok {
		forward = false
		name = rest
	}
	rest, ok := strings.CutPrefix(name, "rope")
	if !ok {
		return nil, false, nil
	}
	single := false
	if cut, ok := strings.CutPrefix(rest, "_single"); ok {
		single = true
		rest = cut
	}
	traditional := false
	if cut, ok := strings.CutPrefix(rest, "_traditional"); ok {
		traditional = true
		rest = cut
	}
	dtypeName, ok := strings.CutPrefix(rest, "_")
	if !ok {
		return nil, false, nil
	}
	dtype, ok := dtypeFromName(dtypeName)
	if !ok {
		return nil, false, nil
	}
	var fn Func
	switch dtype {
	case dtypes.Float32:
		fn = ropeGeneric[float32](single, traditional, forward)
	case dtypes.Float16:
		fn = ropeGeneric[float16.Float16](single, traditional, forward)
	case dtypes.BFloat16:
		fn = ropeGeneric[bfloat16.BFloat16](single, traditional, forward)
	}
	return fn, true, nil
}

// ropeRotate applies the 2x2 rotation for one feature pair. The vjp variant
// is the exact transpose of the forward rotation: the sine terms swap signs.
func ropeRotate[T Element](in, out []T, aIn, bIn, aOut, bOut int, cosT, sinT float32, forward bool) {
	a := toF32(in[aIn])
	b := toF32(in[bIn])
	if forward {
		out[aOut] = fromF32[T](a*cosT - b*sinT)
		out[bOut] = fromF32[T](a*sinT + b*cosT)
	} else {
		out[aOut] = fromF32[T](a*cosT + b*sinT)
		out[bOut] = fromF32[T](-a*sinT + b*cosT)
	}
}

// ropeGeneric instantiates a rotary-embedding kernel body. The single
// variant handles one thread per (feature-half, row) at a fixed position;
// the batched variant makes each thread walk RoPERowsPerThread sequence
// rows, with the position advancing along the sequence axis.
//
// The input is addressed through 3-level (batch, sequence, feature)
// strides so transposed views work without a preparatory copy. The angle
// for feature half-index i of position p is
// p*scale*exp2(-i/halfD * log2(base)), with log2(base) precomputed on the
// host side.
func ropeGeneric[T Element](single, traditional, forward bool) Func {
	return func(c *Call, group Dims) {
		in, out := c.Tensor(ropeSlotIn), c.Tensor(ropeSlotOut)
		p := ArgAt[RoPEParams](c, ropeSlotParams)

		inFlat := flatView[T](in)
		outFlat := flatView[T](out)
		halfD := in.Dim(-1) / 2

		i := group.X // feature half-index
		invFreq := exp232(-float32(i) / float32(halfD) * p.LogBase)

		var aIn, bIn, aOut, bOut int
		if traditional {
			aIn = 2 * i * int(p.InStrides[2])
			bIn = aIn + int(p.InStrides[2])
			aOut = 2 * i * int(p.OutStrides[2])
			bOut = aOut + int(p.OutStrides[2])
		} else {
			aIn = i * int(p.InStrides[2])
			bIn = aIn + halfD*int(p.InStrides[2])
			aOut = i * int(p.OutStrides[2])
			bOut = aOut + halfD*int(p.OutStrides[2])
		}

		if single {
			row := group.Y
			theta := float32(p.Offset) * p.Scale * invFreq
			cosT, sinT := cos32(theta), sin32(theta)
			rowIn := row * int(p.InStrides[0])
			rowOut := row * int(p.OutStrides[0])
			ropeRotate(inFlat, outFlat, rowIn+aIn, rowIn+bIn, rowOut+aOut, rowOut+bOut, cosT, sinT, forward)
			return
		}

		batch := group.Z
		seqLen := in.Dim(1)
		batchIn := batch * int(p.InStrides[0])
		batchOut := batch * int(p.OutStrides[0])
		for j := 0; j < RoPERowsPerThread; j++ {
			t := group.Y*RoPERowsPerThread + j
			if t >= seqLen {
				break
			}
			theta := float32(int(p.Offset)+t) * p.Scale * invFreq
			cosT, sinT := cos32(theta), sin32(theta)
			rowIn := batchIn + t*int(p.InStrides[1])
			rowOut := batchOut + t*int(p.OutStrides[1])
			ropeRotate(inFlat, outFlat, rowIn+aIn, rowIn+bIn, rowOut+aOut, rowOut+bOut, cosT, sinT, forward)
		}
	}
}
