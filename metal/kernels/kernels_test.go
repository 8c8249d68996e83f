package kernels

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestBuildResolvesFamilies(t *testing.T) {
	for _, name := range []string{
		"sdpa_vector_float32_128_128",
		"sdpa_vector_float16_64_64",
		"sdpa_vector_2pass_1_bfloat16_96_96",
		"sdpa_vector_2pass_2_float32_128",
		"steel_attention_float32_bq32_bk32_bd64_wm4_wn1_maskfloat32",
		"steel_attention_float16_bq32_bk16_bd128_wm4_wn1_maskfloat16",
		"rope_float32",
		"rope_single_traditional_bfloat16",
		"vjp_rope_traditional_float16",
		"vjp_rope_single_float32",
		"copy_general_float32",
	} {
		kernel, err := Build(name, nil)
		require.NoError(t, err, "base name %q", name)
		require.Equal(t, name, kernel.BaseName)
		require.NotNil(t, kernel.Run)
	}
}

func TestBuildUnknownName(t *testing.T) {
	_, err := Build("fused_gelu_float32", nil)
	require.ErrorContains(t, err, "no kernel registered")

	_, err = Build("sdpa_tiled_float32_64_64", nil)
	require.ErrorContains(t, err, "no kernel registered")
}

func TestBuildMalformedNames(t *testing.T) {
	for _, name := range []string{
		"sdpa_vector_float64_128_128",     // unsupported dtype
		"sdpa_vector_float32_128",         // missing value dim
		"sdpa_vector_float32_0_128",       // non-positive head dim
		"sdpa_vector_2pass_1_float32_x_8", // non-numeric head dim
		"sdpa_vector_2pass_2_float32_-1",
		"steel_attention_float32_bq32_bk32_bd64_wm4_wn1", // missing mask field
		"steel_attention_float32_bq32_bkXX_bd64_wm4_wn1_maskfloat32",
		"steel_attention_float32_bq32_bk32_bd64_wm4_wn1_maskfloat16", // mixed-precision mask
		"rope_float64",
		"copy_general_int32",
	} {
		_, err := Build(name, nil)
		require.Error(t, err, "base name %q should not build", name)
	}
}

func TestDTypeNames(t *testing.T) {
	name, err := DTypeName(dtypes.BFloat16)
	require.NoError(t, err)
	require.Equal(t, "bfloat16", name)

	_, err = DTypeName(dtypes.Int32)
	require.ErrorContains(t, err, "no kernel variants")

	dtype, ok := dtypeFromName("float16")
	require.True(t, ok)
	require.Equal(t, dtypes.Float16, dtype)
	_, ok = dtypeFromName("half")
	require.False(t, ok)
}

func TestConstants(t *testing.T) {
	constants := Constants{ConstHasMask: true, ConstAlignQ: false}
	require.True(t, constants.Value(ConstHasMask))
	require.False(t, constants.Value(ConstAlignQ))
	require.False(t, constants.Value(ConstSteelDoCausal), "missing slots default to false")
	var none Constants
	require.False(t, none.Value(ConstHasMask))
}

func TestCallArgSlots(t *testing.T) {
	var call Call
	call.SetArg(4, int32(7))
	call.SetArg(10, float32(0.5))
	require.True(t, call.IsSet(4))
	require.False(t, call.IsSet(5))
	require.Equal(t, int32(7), ArgAt[int32](&call, 4))
	require.Equal(t, float32(0.5), ArgAt[float32](&call, 10))
	require.Panics(t, func() { ArgAt[int64](&call, 4) }, "mistyped argument")
	require.Panics(t, func() { call.SetArg(MaxArgSlots, 1) })

	clone := call.Clone()
	call.SetArg(4, int32(9))
	require.Equal(t, int32(7), ArgAt[int32](clone, 4), "clone is a snapshot")
}
