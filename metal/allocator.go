package metal

import (
	"math/bits"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is a block of device storage. The flat data may come from a
// size-class pool, so its capacity can exceed the requested length.
//
// A freed buffer is marked invalid; touching it afterwards is a
// programming error and panics.
type Buffer struct {
	device *Device
	data   []byte
	valid  bool
}

// Bytes returns the buffer's storage.
func (b *Buffer) Bytes() []byte {
	if !b.valid {
		exceptions.Panicf("metal.Buffer(%p) used after it was freed", b)
	}
	return b.data
}

// NumBytes returns the requested allocation size.
func (b *Buffer) NumBytes() int { return len(b.data) }

// Free returns the buffer's storage to its device pool.
// Any references to the buffer should be dropped after this.
func (b *Buffer) Free() {
	if b == nil || !b.valid {
		return
	}
	b.valid = false
	b.device.release(b)
}

// minSizeClass keeps tiny allocations from fragmenting the pools.
const minSizeClass = 256

// sizeClass rounds numBytes up to the pool bucket that serves it.
func sizeClass(numBytes int) int {
	if numBytes <= minSizeClass {
		return minSizeClass
	}
	return 1 << bits.Len(uint(numBytes-1))
}

// getBufferPool for the given size class.
func (d *Device) getBufferPool(class int) *sync.Pool {
	poolInterface, ok := d.bufferPools.Load(class)
	if !ok {
		poolInterface, _ = d.bufferPools.LoadOrStore(class, &sync.Pool{
			New: func() any {
				return &Buffer{data: make([]byte, class)}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// Allocate acquires numBytes of device storage. It fails with a terminal
// error when the device's memory limit would be exceeded; no local
// recovery is attempted.
func (d *Device) Allocate(numBytes int) (*Buffer, error) {
	class := sizeClass(numBytes)
	if d.memoryLimit > 0 {
		if used := d.allocatedBytes.Add(int64(class)); used > d.memoryLimit {
			d.allocatedBytes.Add(-int64(class))
			return nil, errors.Errorf("device out of memory: %d bytes requested, %d of %d in use",
				numBytes, used-int64(class), d.memoryLimit)
		}
	} else {
		d.allocatedBytes.Add(int64(class))
	}
	memoryAllocated.Set(float64(d.allocatedBytes.Load()))

	buf := d.getBufferPool(class).Get().(*Buffer)
	buf.device = d
	buf.data = buf.data[:numBytes]
	buf.valid = true
	if klog.V(2).Enabled() {
		klog.Infof("metal: allocated %d bytes (class %d)", numBytes, class)
	}
	return buf, nil
}

func (d *Device) release(buf *Buffer) {
	class := cap(buf.data)
	buf.data = buf.data[:class]
	d.allocatedBytes.Add(-int64(class))
	memoryAllocated.Set(float64(d.allocatedBytes.Load()))
	d.getBufferPool(class).Put(buf)
}

// AllocatedBytes returns the bytes currently held by live buffers,
// counted at size-class granularity.
func (d *Device) AllocatedBytes() int64 { return d.allocatedBytes.Load() }
