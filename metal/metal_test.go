package metal

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/metalfast/metal/kernels"
	"github.com/gomlx/metalfast/types/tensors"
)

func tensorOver(buf *Buffer, dims, strides []int) *tensors.Tensor {
	return tensors.FromBuffer(buf, dtypes.Float32, dims, strides)
}

func TestDeviceClassFromArchitecture(t *testing.T) {
	for arch, want := range map[string]DeviceClass{
		"applegpu_g16g": DeviceClassBase,
		"applegpu_g16s": DeviceClassPro,
		"applegpu_g16c": DeviceClassMax,
		"applegpu_g16d": DeviceClassUltra,
		"unknown":       DeviceClassBase,
	} {
		device := NewDevice(WithArchitecture(arch))
		require.Equal(t, want, device.Class(), "architecture %q", arch)
		require.Equal(t, arch, device.Architecture())
	}
	require.True(t, DeviceClassUltra.Largest())
	require.False(t, DeviceClassMax.Largest())
}

func TestDeviceClassStrings(t *testing.T) {
	require.Equal(t, "ultra", DeviceClassUltra.String())
	parsed, err := DeviceClassString("pro")
	require.NoError(t, err)
	require.Equal(t, DeviceClassPro, parsed)
	_, err = DeviceClassString("gigantic")
	require.Error(t, err)
}

func TestAllocatorSizeClasses(t *testing.T) {
	require.Equal(t, minSizeClass, sizeClass(1))
	require.Equal(t, minSizeClass, sizeClass(minSizeClass))
	require.Equal(t, 512, sizeClass(minSizeClass+1))
	require.Equal(t, 1024, sizeClass(1000))
	require.Equal(t, 1024, sizeClass(1024))
	require.Equal(t, 2048, sizeClass(1025))
}

func TestAllocateAndFree(t *testing.T) {
	device := NewDevice()
	buf, err := device.Allocate(1000)
	require.NoError(t, err)
	require.Equal(t, 1000, buf.NumBytes())
	require.Len(t, buf.Bytes(), 1000)
	require.Equal(t, int64(1024), device.AllocatedBytes())

	buf.Free()
	require.Zero(t, device.AllocatedBytes())
	require.Panics(t, func() { buf.Bytes() }, "use after free")
	buf.Free() // double free is a no-op
}

func TestAllocateMemoryLimit(t *testing.T) {
	device := NewDevice(WithMemoryLimit(2048))
	a, err := device.Allocate(1024)
	require.NoError(t, err)
	b, err := device.Allocate(1024)
	require.NoError(t, err)

	_, err = device.Allocate(1)
	require.ErrorContains(t, err, "out of memory")

	a.Free()
	c, err := device.Allocate(512)
	require.NoError(t, err)
	b.Free()
	c.Free()
}

func TestStreamOrderingAndTemporaries(t *testing.T) {
	device := NewDevice()
	stream := device.NewStream()

	var order []int
	var mu sync.Mutex
	for i := 0; i < 100; i++ {
		i := i
		stream.enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	buf, err := device.Allocate(64)
	require.NoError(t, err)
	stream.AddTemporary(buf)
	require.NotZero(t, device.AllocatedBytes())

	stream.Synchronize()
	require.Len(t, order, 100)
	for i, got := range order {
		require.Equal(t, i, got, "commands must run in submission order")
	}
	require.Zero(t, device.AllocatedBytes(), "temporaries released at synchronization")

	stream.Close()
	require.Panics(t, func() { stream.enqueue(func() {}) }, "stream used after Close")
}

func TestStreamsAreIndependent(t *testing.T) {
	device := NewDevice()
	s1, s2 := device.NewStream(), device.NewStream()
	defer s1.Close()
	defer s2.Close()

	release := make(chan struct{})
	s1.enqueue(func() { <-release })

	var ran atomic.Bool
	s2.enqueue(func() { ran.Store(true) })
	s2.Synchronize()
	require.True(t, ran.Load(), "a blocked stream must not stall other streams")
	close(release)
}

func TestPipelineCacheSingleCompilation(t *testing.T) {
	device := NewDevice()
	const name = "rope_float32"

	const numLookups = 32
	pipelines := make([]*ComputePipeline, numLookups)
	errs := make([]error, numLookups)
	var wg sync.WaitGroup
	for i := 0; i < numLookups; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pipelines[i], errs[i] = device.GetKernel(name, name, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < numLookups; i++ {
		require.NoError(t, errs[i])
		require.Same(t, pipelines[0], pipelines[i],
			"concurrent lookups must share one compiled pipeline")
	}
}

func TestPipelineCacheDistinguishesHashNames(t *testing.T) {
	device := NewDevice()
	const base = "sdpa_vector_float32_64_64"
	masked, err := device.GetKernel(base, base+"_mask_qnt", kernels.Constants{kernels.ConstHasMask: true})
	require.NoError(t, err)
	unmasked, err := device.GetKernel(base, base+"_nomask_qnt", nil)
	require.NoError(t, err)
	require.NotSame(t, masked, unmasked)
	require.Equal(t, base+"_mask_qnt", masked.Name)

	again, err := device.GetKernel(base, base+"_mask_qnt", kernels.Constants{kernels.ConstHasMask: true})
	require.NoError(t, err)
	require.Same(t, masked, again)
}

func TestPipelineCacheCompileFailureIsSticky(t *testing.T) {
	device := NewDevice()
	const name = "sdpa_vector_float64_64_64"
	_, err := device.GetKernel(name, name, nil)
	require.Error(t, err)

	// The failure is cached: the same specialization fails again without
	// a recompilation attempt.
	_, err2 := device.GetKernel(name, name, nil)
	require.Error(t, err2)
	require.EqualError(t, err2, err.Error())
}

func TestEncoderDispatchRunsKernel(t *testing.T) {
	device := NewDevice()
	stream := device.NewStream()
	defer stream.Close()

	pipeline, err := device.GetKernel("copy_general_float32", "copy_general_float32", nil)
	require.NoError(t, err)

	// 2x4 float32, transposed source gathered into a dense destination.
	srcBuf, err := device.Allocate(8 * 4)
	require.NoError(t, err)
	dstBuf, err := device.Allocate(8 * 4)
	require.NoError(t, err)
	defer srcBuf.Free()
	defer dstBuf.Free()
	for i := range srcBuf.Bytes() {
		srcBuf.Bytes()[i] = byte(i)
	}

	encoder := stream.CommandEncoder()
	encoder.SetComputePipeline(pipeline)
	encoder.SetTensor(0, tensorOver(srcBuf, []int{4, 2}, []int{1, 4}))
	encoder.SetTensor(1, tensorOver(dstBuf, []int{4, 2}, nil))
	encoder.DispatchThreadgroups(kernels.Dims{X: 4, Y: 1, Z: 1}, kernels.Dims{X: 256, Y: 1, Z: 1})

	stream.Synchronize()

	// Row r of dst holds elements r and r+4 of the flat source.
	dst := dstBuf.Bytes()
	for r := 0; r < 4; r++ {
		require.Equal(t, srcBuf.Bytes()[r*4:(r+1)*4], dst[r*8:r*8+4])
		require.Equal(t, srcBuf.Bytes()[(r+4)*4:(r+5)*4], dst[r*8+4:r*8+8])
	}
}

func TestEncoderDispatchWithParallelismDisabled(t *testing.T) {
	// Threadgroups run inline on the stream goroutine when the worker
	// pool is disabled.
	device := NewDevice(WithMaxParallelism(0))
	stream := device.NewStream()
	defer stream.Close()

	pipeline, err := device.GetKernel("copy_general_float32", "copy_general_float32", nil)
	require.NoError(t, err)

	srcBuf, err := device.Allocate(8 * 4)
	require.NoError(t, err)
	dstBuf, err := device.Allocate(8 * 4)
	require.NoError(t, err)
	defer srcBuf.Free()
	defer dstBuf.Free()
	for i := range srcBuf.Bytes() {
		srcBuf.Bytes()[i] = byte(i)
	}

	encoder := stream.CommandEncoder()
	encoder.SetComputePipeline(pipeline)
	encoder.SetTensor(0, tensorOver(srcBuf, []int{2, 4}, nil))
	encoder.SetTensor(1, tensorOver(dstBuf, []int{2, 4}, nil))
	encoder.DispatchThreadgroups(kernels.Dims{X: 2, Y: 1, Z: 1}, kernels.Dims{X: 256, Y: 1, Z: 1})

	stream.Synchronize()
	require.Equal(t, srcBuf.Bytes(), dstBuf.Bytes())
}
