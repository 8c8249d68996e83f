package kernels

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

func init() {
	register("copy_general", buildCopyGeneral)
}

const (
	copySlotSrc = 0
	copySlotDst = 1
)

func buildCopyGeneral(baseName string, constants Constants) (Func, bool, error) {
	dtypeName, ok := strings.CutPrefix(baseName, "copy_general_")
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
		fn = copyGeneralGeneric[float32]()
	case dtypes.Float16:
		fn = copyGeneralGeneric[float16.Float16]()
	case dtypes.BFloat16:
		fn = copyGeneralGeneric[bfloat16.BFloat16]()
	}
	return fn, true, nil
}

// copyGeneralGeneric gathers an arbitrarily strided source view into a
// row-contiguous destination, one thread per innermost row. group.X indexes
// the row over the flattened leading axes.
func copyGeneralGeneric[T Element]() Func {
	return func(c *Call, group Dims) {
		src, dst := c.Tensor(copySlotSrc), c.Tensor(copySlotDst)
		srcFlat := flatView[T](src)
		dstFlat := flatView[T](dst)

		rank := src.Rank()
		lastDim := src.Dim(-1)
		lastStride := src.Stride(-1)

		// Decompose the flat row index into leading-axis coordinates.
		srcOff := 0
		row := group.X
		for axis := rank - 2; axis >= 0; axis-- {
			srcOff += (row % src.Dim(axis)) * src.Stride(axis)
			row /= src.Dim(axis)
		}
		dstOff := group.X * lastDim
		for d := 0; d < lastDim; d++ {
			dstFlat[dstOff+d] = srcFlat[srcOff+d*lastStride]
		}
	}
}
