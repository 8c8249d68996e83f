package fast

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func runRoPE(t *testing.T, batch, seqLen, featureDim int, config RoPEConfig, rng *rand.Rand) (got, want []float32) {
	t.Helper()
	stream := newTestStream(t, baseArch)
	x := randData(rng, batch*seqLen*featureDim)
	out, err := RoPE(stream, newTensor(t, stream, []int{batch, seqLen, featureDim}, x), config)
	require.NoError(t, err)
	stream.Synchronize()
	require.Equal(t, []int{batch, seqLen, featureDim}, out.Dims())
	return gather(out), refRoPE(x, batch, seqLen, featureDim, config)
}

func TestRoPEMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(60))
	for _, config := range []RoPEConfig{
		{Forward: true},
		{Forward: true, Traditional: true},
		{Forward: true, Offset: 17},
		{Forward: true, Base: 500, Scale: 0.5, Offset: 3},
		{Forward: true, Traditional: true, Base: 1e6},
		// Transposed rotation (gradient direction).
		{},
		{Traditional: true, Offset: 9},
	} {
		// 6 rows: one full group of 4 and a remainder of 2.
		got, want := runRoPE(t, 2, 6, 16, config, rng)
		requireAllClose(t, want, got, 1e-5)
	}
}

func TestRoPESinglePosition(t *testing.T) {
	rng := rand.New(rand.NewSource(61))
	for _, config := range []RoPEConfig{
		{Forward: true, Offset: 5},
		{Forward: true, Traditional: true, Offset: 5},
		{Offset: 5},
	} {
		got, want := runRoPE(t, 3, 1, 32, config, rng)
		requireAllClose(t, want, got, 1e-5)
	}
}

func TestRoPERoundTrip(t *testing.T) {
	// The vjp rotation is the inverse of the forward one, so applying
	// both must reproduce the input.
	rng := rand.New(rand.NewSource(62))
	for _, traditional := range []bool{false, true} {
		stream := newTestStream(t, baseArch)
		x := randData(rng, 2*5*24)
		forward := RoPEConfig{Forward: true, Traditional: traditional, Offset: 7, Base: 1000}
		backward := forward
		backward.Forward = false

		rotated, err := RoPE(stream, newTensor(t, stream, []int{2, 5, 24}, x), forward)
		require.NoError(t, err)
		restored, err := RoPE(stream, rotated, backward)
		require.NoError(t, err)
		stream.Synchronize()
		requireAllClose(t, x, gather(restored), 1e-5)
	}
}

func TestRoPEDonationInPlace(t *testing.T) {
	rng := rand.New(rand.NewSource(63))
	stream := newTestStream(t, baseArch)
	x := randData(rng, 2*6*16)
	config := RoPEConfig{Forward: true, Offset: 2}

	xTensor := newTensor(t, stream, []int{2, 6, 16}, x)
	donated := xTensor.Buffer()
	xTensor.SetDonatable(true)

	out, err := RoPE(stream, xTensor, config)
	require.NoError(t, err)
	stream.Synchronize()

	require.Same(t, donated, out.Buffer(), "rotation must run in the donated storage")
	require.Panics(t, func() { xTensor.Buffer() })
	requireAllClose(t, refRoPE(x, 2, 6, 16, config), gather(out), 1e-5)
}

func TestRoPENoDonationWithoutFlag(t *testing.T) {
	rng := rand.New(rand.NewSource(64))
	stream := newTestStream(t, baseArch)
	x := randData(rng, 1*4*8)

	xTensor := newTensor(t, stream, []int{1, 4, 8}, x)
	out, err := RoPE(stream, xTensor, RoPEConfig{Forward: true})
	require.NoError(t, err)
	stream.Synchronize()

	require.NotSame(t, xTensor.Buffer(), out.Buffer())
	// The input is untouched.
	requireAllClose(t, x, gather(xTensor), 0)
}

func TestRoPEHalfPrecision(t *testing.T) {
	rng := rand.New(rand.NewSource(65))
	stream := newTestStream(t, baseArch)
	x := randData(rng, 2*3*16)
	config := RoPEConfig{Forward: true, Offset: 11}

	out, err := RoPE(stream, newTensor16(t, stream, []int{2, 3, 16}, x), config)
	require.NoError(t, err)
	stream.Synchronize()
	requireAllClose(t, refRoPE(x, 2, 3, 16, config), gather16(out), 2e-2)
}

func TestRoPEValidation(t *testing.T) {
	stream := newTestStream(t, baseArch)
	rank2 := newTensor(t, stream, []int{4, 8}, make([]float32, 32))
	require.Panics(t, func() { _, _ = RoPE(stream, rank2, RoPEConfig{Forward: true}) })

	odd := newTensor(t, stream, []int{1, 2, 7}, make([]float32, 14))
	require.Panics(t, func() { _, _ = RoPE(stream, odd, RoPEConfig{Forward: true}) })
}
