package kernels

import (
	"math"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/metalfast/types/tensors"
)

// Element constrains the types kernels are instantiated for: reduced
// precision uses github.com/x448/float16 and gopjrt's bfloat16.
type Element interface {
	float32 | float16.Float16 | bfloat16.BFloat16
}

// dtypeNames is the spelling of element types inside kernel names, matching
// the name contract ("sdpa_vector_float16_...", "rope_bfloat16", ...).
var dtypeNames = map[dtypes.DType]string{
	dtypes.Float16:  "float16",
	dtypes.BFloat16: "bfloat16",
	dtypes.Float32:  "float32",
}

// DTypeName returns the kernel-name spelling of dtype, failing for element
// types no kernel variant exists for.
func DTypeName(dtype dtypes.DType) (string, error) {
	name, ok := dtypeNames[dtype]
	if !ok {
		return "", errors.Errorf("no kernel variants are compiled for dtype %s", dtype)
	}
	return name, nil
}

// dtypeFromName is the inverse of DTypeName.
func dtypeFromName(name string) (dtypes.DType, bool) {
	for dtype, n := range dtypeNames {
		if n == name {
			return dtype, true
		}
	}
	return dtypes.InvalidDType, false
}

// flatView reinterprets the tensor's backing buffer as a flat slice of T.
// Views address it through the tensor's element strides.
func flatView[T Element](t *tensors.Tensor) []T {
	return bytesAs[T](t.Buffer().Bytes())
}

func bytesAs[T Element](data []byte) []T {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/elemSize)
}

// toF32 converts an element to float32. All kernel arithmetic accumulates
// in float32 regardless of the storage type.
func toF32[T Element](v T) float32 {
	switch v := any(v).(type) {
	case float32:
		return v
	case float16.Float16:
		return v.Float32()
	case bfloat16.BFloat16:
		return v.Float32()
	}
	exceptions.Panicf("kernels: unsupported element type %T", v)
	return 0
}

// fromF32 converts a float32 back to the storage element type.
func fromF32[T Element](v float32) T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(v).(T)
	case float16.Float16:
		return any(float16.Fromfloat32(v)).(T)
	case bfloat16.BFloat16:
		return any(bfloat16.FromFloat32(v)).(T)
	}
	exceptions.Panicf("kernels: unsupported element type %T", zero)
	return zero
}

// Single-precision transcendentals, matching the device math library.
func exp232(x float32) float32 { return float32(math.Exp2(float64(x))) }
func cos32(x float32) float32  { return float32(math.Cos(float64(x))) }
func sin32(x float32) float32  { return float32(math.Sin(float64(x))) }
