package fast

import (
	"math"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/metalfast/metal"
	"github.com/gomlx/metalfast/types/tensors"
)

// vectorModeMaxQueryLen is the exclusive upper bound of the "decode"
// regime: query lengths at or below it use the vector kernels, longer
// ones the tiled full-attention kernel.
const vectorModeMaxQueryLen = 8

// TwoPassPolicy decides when the vector path switches to the two-pass
// block reduction. The intent is fixed (favor two-pass on high-throughput
// devices reading long key sequences) but the thresholds are policy, so
// they are configurable rather than tied to a device identifier.
type TwoPassPolicy struct {
	// LargestClassMinKeyLen switches to two-pass on the largest device
	// class at this key length.
	LargestClassMinKeyLen int

	// GQAMinKeyLen switches to two-pass on any device class when the
	// query heads outnumber the key/value heads, at this key length.
	GQAMinKeyLen int
}

// DefaultTwoPassPolicy is used when AttentionConfig leaves the policy
// zero-valued.
var DefaultTwoPassPolicy = TwoPassPolicy{
	LargestClassMinKeyLen: 1024,
	GQAMinKeyLen:          4096,
}

func (p TwoPassPolicy) orDefault() TwoPassPolicy {
	if p == (TwoPassPolicy{}) {
		return DefaultTwoPassPolicy
	}
	return p
}

// useTwoPass applies the policy.
func (p TwoPassPolicy) useTwoPass(class metal.DeviceClass, keyLen, gqaFactor int) bool {
	return (class.Largest() && keyLen >= p.LargestClassMinKeyLen) ||
		(gqaFactor > 1 && keyLen >= p.GQAMinKeyLen)
}

// AttentionConfig configures ScaledDotProductAttention.
type AttentionConfig struct {
	// Scale multiplies the query-key dot products. Zero means the usual
	// 1/sqrt(headDim).
	Scale float32

	// Mask is an optional additive mask, rank-4 broadcastable against
	// [batch, heads, queryLen, keyLen] on all but the key axis. Its dtype
	// must match the query's.
	Mask *tensors.Tensor

	// Causal restricts the tiled full-attention kernel to key positions
	// at or before the (offset-aligned) diagonal.
	Causal bool

	// TwoPass overrides DefaultTwoPassPolicy when non-zero.
	TwoPass TwoPassPolicy
}

// attnStrategy is the execution strategy picked for one attention call.
type attnStrategy int

const (
	strategyVector attnStrategy = iota
	strategyVectorTwoPass
	strategyFull
)

// selectStrategy is the single decision point: query length splits the
// decode and prefill regimes, and within decode the two-pass policy
// decides whether to block-reduce the key sequence.
func selectStrategy(class metal.DeviceClass, policy TwoPassPolicy, queryLen, keyLen, gqaFactor int) attnStrategy {
	if queryLen > vectorModeMaxQueryLen {
		return strategyFull
	}
	if policy.useTwoPass(class, keyLen, gqaFactor) {
		return strategyVectorTwoPass
	}
	return strategyVector
}

// ScaledDotProductAttention computes softmax(q kᵀ·scale + mask)·v fused on
// the device, encoding one dispatch (two for the two-pass strategy) onto
// the stream and returning immediately; the output tensor's contents are
// defined once the stream synchronizes past the dispatch.
//
// q is [batch, heads, queryLen, headDim]; k and v are
// [batch, kvHeads, keyLen, headDim] with heads an integer multiple of
// kvHeads (grouped-query attention). All three share one dtype. Shape or
// dtype mismatches are programming errors and panic; allocation and
// pipeline compilation failures are returned.
//
// When q is donatable and the eligibility rules allow it, the output
// takes over q's storage and q becomes invalid.
func ScaledDotProductAttention(stream *metal.Stream, q, k, v *tensors.Tensor, config AttentionConfig) (*tensors.Tensor, error) {
	validateAttentionInputs(q, k, v, config.Mask)

	batch, heads, queryLen := q.Dim(0), q.Dim(1), q.Dim(2)
	keyLen, kvHeads := k.Dim(2), k.Dim(1)
	gqaFactor := heads / kvHeads
	scale := config.Scale
	if scale == 0 {
		scale = float32(1 / math.Sqrt(float64(q.Dim(3))))
	}

	strategy := selectStrategy(
		stream.Device().Class(), config.TwoPass.orDefault(),
		queryLen, keyLen, gqaFactor)
	if klog.V(1).Enabled() {
		klog.Infof("fast: sdpa B=%d H=%d qL=%d kL=%d gqa=%d -> strategy %d",
			batch, heads, queryLen, keyLen, gqaFactor, strategy)
	}

	if strategy == strategyFull {
		return sdpaFull(stream, q, k, v, scale, config)
	}
	return sdpaVector(stream, q, k, v, scale, config, strategy == strategyVectorTwoPass)
}

func validateAttentionInputs(q, k, v, mask *tensors.Tensor) {
	if q.Rank() != 4 || k.Rank() != 4 || v.Rank() != 4 {
		exceptions.Panicf("fast: attention inputs must be rank-4, got q=%s k=%s v=%s", q, k, v)
	}
	if q.DType() != k.DType() || q.DType() != v.DType() {
		exceptions.Panicf("fast: attention inputs must share a dtype, got q=%s k=%s v=%s", q, k, v)
	}
	if q.Dim(0) != k.Dim(0) || q.Dim(0) != v.Dim(0) {
		exceptions.Panicf("fast: attention batch dimensions disagree: q=%s k=%s v=%s", q, k, v)
	}
	if q.Dim(3) != k.Dim(3) {
		exceptions.Panicf("fast: query and key head dimensions disagree: q=%s k=%s", q, k)
	}
	if k.Dim(1) != v.Dim(1) || k.Dim(2) != v.Dim(2) {
		exceptions.Panicf("fast: key and value shapes disagree: k=%s v=%s", k, v)
	}
	if k.Dim(1) == 0 || q.Dim(1)%k.Dim(1) != 0 {
		exceptions.Panicf("fast: query heads (%d) must be a multiple of key/value heads (%d)",
			q.Dim(1), k.Dim(1))
	}
	if mask != nil {
		if mask.DType() != q.DType() {
			exceptions.Panicf("fast: mask dtype %s does not match query dtype %s", mask.DType(), q.DType())
		}
		if mask.Rank() != 4 {
			exceptions.Panicf("fast: mask must be rank-4 broadcastable, got %s", mask)
		}
	}
}

// donationEligible reports whether the output may take over q's storage:
// q must be donatable, its element count must match the output's, and
// either the query has a single row or its layout is not already
// row-contiguous (a row-contiguous multi-row q has the full-mode output
// layout claim on its storage and reusing it would alias in-flight reads).
func donationEligible(q *tensors.Tensor, outSize int) bool {
	return q.Donatable() &&
		q.Size() == outSize &&
		(q.Dim(2) == 1 || !q.Flags().RowContiguous)
}

// newVectorOutput builds the output view of the vector strategies:
// dims [batch, heads, queryLen, headDim] with the head dimension
// innermost-contiguous. Multi-row outputs get the head/seq-transposed
// memory layout the vector kernels write naturally.
//
// On donation the output takes over q's storage; the returned query view
// aliases the same buffer so the kernel can still read it (the kernel
// reads each query row before overwriting it), while the caller's q
// becomes invalid.
func newVectorOutput(stream *metal.Stream, q *tensors.Tensor, headDim int) (out, qView *tensors.Tensor, err error) {
	batch, heads, queryLen := q.Dim(0), q.Dim(1), q.Dim(2)
	dims := []int{batch, heads, queryLen, headDim}

	if donationEligible(q, batch*heads*queryLen*headDim) {
		buf := q.DonateBuffer()
		out = tensors.FromBuffer(buf, q.DType(), dims, q.Strides())
		qView = tensors.FromBuffer(buf, q.DType(), q.Dims(), q.Strides())
		return out, qView, nil
	}

	buf, err := stream.Device().Allocate(batch * heads * queryLen * headDim * q.DType().Size())
	if err != nil {
		return nil, nil, err
	}
	if queryLen == 1 {
		return tensors.FromBuffer(buf, q.DType(), dims, nil), q, nil
	}
	strides := []int{queryLen * heads * headDim, headDim, heads * headDim, 1}
	return tensors.FromBuffer(buf, q.DType(), dims, strides), q, nil
}

// newFullOutput builds the output view of the tiled full-attention
// strategy: dims [batch, heads, queryLen, headDim] over the canonical
// batch-seq-head-dim memory layout.
func newFullOutput(stream *metal.Stream, q *tensors.Tensor, headDim int) (*tensors.Tensor, error) {
	batch, heads, queryLen := q.Dim(0), q.Dim(1), q.Dim(2)
	buf, err := stream.Device().Allocate(batch * heads * queryLen * headDim * q.DType().Size())
	if err != nil {
		return nil, err
	}
	dims := []int{batch, heads, queryLen, headDim}
	strides := []int{queryLen * heads * headDim, headDim, heads * headDim, 1}
	return tensors.FromBuffer(buf, q.DType(), dims, strides), nil
}
