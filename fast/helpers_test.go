package fast

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/metalfast/metal"
	"github.com/gomlx/metalfast/types/tensors"
)

const (
	baseArch  = "applegpu_g16g"
	ultraArch = "applegpu_g16d"
)

func newTestStream(t *testing.T, arch string) *metal.Stream {
	t.Helper()
	stream := metal.NewDevice(metal.WithArchitecture(arch)).NewStream()
	t.Cleanup(stream.Close)
	return stream
}

func randData(rng *rand.Rand, n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return data
}

// newTensor allocates a row-major float32 tensor filled with data.
func newTensor(t *testing.T, stream *metal.Stream, dims []int, data []float32) *tensors.Tensor {
	t.Helper()
	buf, err := stream.Device().Allocate(len(data) * dtypes.Float32.Size())
	require.NoError(t, err)
	t.Cleanup(buf.Free)
	raw := buf.Bytes()
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return tensors.FromBuffer(buf, dtypes.Float32, dims, nil)
}

// newTensor16 is newTensor for float16 storage.
func newTensor16(t *testing.T, stream *metal.Stream, dims []int, data []float32) *tensors.Tensor {
	t.Helper()
	buf, err := stream.Device().Allocate(len(data) * dtypes.Float16.Size())
	require.NoError(t, err)
	t.Cleanup(buf.Free)
	raw := buf.Bytes()
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[i*2:], float16.Fromfloat32(v).Bits())
	}
	return tensors.FromBuffer(buf, dtypes.Float16, dims, nil)
}

// gather flattens a float32 view into a row-major slice, following its
// strides.
func gather(x *tensors.Tensor) []float32 {
	raw := x.Buffer().Bytes()
	out := make([]float32, x.Size())
	dims, strides := x.Dims(), x.Strides()
	coords := make([]int, len(dims))
	for i := range out {
		offset := 0
		for axis, c := range coords {
			offset += c * strides[axis]
		}
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[offset*4:]))
		for axis := len(coords) - 1; axis >= 0; axis-- {
			coords[axis]++
			if coords[axis] < dims[axis] {
				break
			}
			coords[axis] = 0
		}
	}
	return out
}

func gather16(x *tensors.Tensor) []float32 {
	raw := x.Buffer().Bytes()
	out := make([]float32, x.Size())
	dims, strides := x.Dims(), x.Strides()
	coords := make([]int, len(dims))
	for i := range out {
		offset := 0
		for axis, c := range coords {
			offset += c * strides[axis]
		}
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[offset*2:])).Float32()
		for axis := len(coords) - 1; axis >= 0; axis-- {
			coords[axis]++
			if coords[axis] < dims[axis] {
				break
			}
			coords[axis] = 0
		}
	}
	return out
}

func requireAllClose(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for i := range want {
		diff := math.Abs(float64(want[i]) - float64(got[i]))
		scale := math.Max(1, math.Abs(float64(want[i])))
		require.LessOrEqualf(t, diff, tol*scale,
			"element %d: want %v, got %v", i, want[i], got[i])
	}
}

// sdpaSpec describes one reference attention problem over row-major data.
type sdpaSpec struct {
	batch, heads, kvHeads int
	queryLen, keyLen      int
	headDim, valueDim     int
	scale                 float32
	maskDims              []int // nil for no mask
	causal                bool
}

// refSDPA computes dense softmax attention in float64, the ground truth
// the fused kernels are compared against.
func refSDPA(spec sdpaSpec, q, k, v, mask []float32) []float32 {
	b, h, qL, kL := spec.batch, spec.heads, spec.queryLen, spec.keyLen
	d, dv := spec.headDim, spec.valueDim
	gqa := spec.heads / spec.kvHeads
	out := make([]float32, b*h*qL*dv)
	scores := make([]float64, kL)
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			kvHead := hi / gqa
			for qi := 0; qi < qL; qi++ {
				qOff := ((bi*h+hi)*qL + qi) * d
				maxScore := math.Inf(-1)
				for pos := 0; pos < kL; pos++ {
					if spec.causal && pos > qi+(kL-qL) {
						scores[pos] = math.Inf(-1)
						continue
					}
					kOff := ((bi*spec.kvHeads+kvHead)*kL + pos) * d
					var dot float64
					for di := 0; di < d; di++ {
						dot += float64(q[qOff+di]) * float64(k[kOff+di])
					}
					score := dot * float64(spec.scale)
					if mask != nil {
						score += float64(maskAt(spec.maskDims, mask, bi, hi, qi, pos))
					}
					scores[pos] = score
					maxScore = math.Max(maxScore, score)
				}
				var sum float64
				for pos := 0; pos < kL; pos++ {
					if math.IsInf(scores[pos], -1) {
						scores[pos] = 0
						continue
					}
					scores[pos] = math.Exp(scores[pos] - maxScore)
					sum += scores[pos]
				}
				outOff := ((bi*h+hi)*qL + qi) * dv
				for di := 0; di < dv; di++ {
					var acc float64
					for pos := 0; pos < kL; pos++ {
						vOff := ((bi*spec.kvHeads+kvHead)*kL + pos) * dv
						acc += scores[pos] * float64(v[vOff+di])
					}
					out[outOff+di] = float32(acc / sum)
				}
			}
		}
	}
	return out
}

// maskAt reads a broadcastable rank-4 mask at logical coordinates.
func maskAt(dims []int, mask []float32, b, h, q, k int) float32 {
	idx := 0
	for axis, c := range []int{b, h, q, k} {
		if dims[axis] > 1 {
			idx = idx*dims[axis] + c
		} else {
			idx = idx * dims[axis]
		}
	}
	return mask[idx]
}

// refRoPE rotates row-major [batch, seqLen, featureDim] data.
func refRoPE(x []float32, batch, seqLen, featureDim int, config RoPEConfig) []float32 {
	base := float64(config.Base)
	if base == 0 {
		base = 10000
	}
	scale := float64(config.Scale)
	if scale == 0 {
		scale = 1
	}
	half := featureDim / 2
	out := make([]float32, len(x))
	for bi := 0; bi < batch; bi++ {
		for ti := 0; ti < seqLen; ti++ {
			rowOff := (bi*seqLen + ti) * featureDim
			position := float64(config.Offset+ti) * scale
			for i := 0; i < half; i++ {
				theta := position * math.Pow(base, -float64(i)/float64(half))
				cosT := float32(math.Cos(theta))
				sinT := float32(math.Sin(theta))
				aIdx, bIdx := rowOff+2*i, rowOff+2*i+1
				if !config.Traditional {
					aIdx, bIdx = rowOff+i, rowOff+i+half
				}
				a, b := x[aIdx], x[bIdx]
				if config.Forward {
					out[aIdx] = a*cosT - b*sinT
					out[bIdx] = a*sinT + b*cosT
				} else {
					out[aIdx] = a*cosT + b*sinT
					out[bIdx] = -a*sinT + b*cosT
				}
			}
		}
	}
	return out
}
