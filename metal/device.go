package metal

import (
	"os"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// ArchitectureEnvVar overrides the simulated GPU architecture identifier,
// e.g. "applegpu_g16d" for an Ultra class part.
const ArchitectureEnvVar = "METALFAST_ARCH"

// DefaultArchitecture is used when neither WithArchitecture nor the
// environment specifies one.
const DefaultArchitecture = "applegpu_g16g"

// Device is a simulated Metal compute device: it owns the buffer pools,
// the compiled-pipeline cache and the worker pool that executes the
// threadgroups of dispatched kernels.
//
// A Device is safe for concurrent use; create streams with NewStream to
// issue work onto it.
type Device struct {
	architecture string
	class        DeviceClass

	// bufferPools maps a byte size class to a *sync.Pool of *Buffer.
	bufferPools    sync.Map
	allocatedBytes atomic.Int64
	memoryLimit    int64

	pipelines pipelineCache

	workers workersPool
}

// DeviceOption configures NewDevice.
type DeviceOption func(*Device)

// WithArchitecture fixes the device's architecture identifier, taking
// precedence over the METALFAST_ARCH environment variable.
func WithArchitecture(arch string) DeviceOption {
	return func(d *Device) { d.architecture = arch }
}

// WithMemoryLimit caps the total bytes live buffers may hold. Zero or
// negative means unlimited.
func WithMemoryLimit(limitBytes int64) DeviceOption {
	return func(d *Device) { d.memoryLimit = limitBytes }
}

// WithMaxParallelism bounds how many threadgroups execute concurrently
// per dispatch. 0 disables parallelism, -1 removes the bound.
func WithMaxParallelism(n int) DeviceOption {
	return func(d *Device) { d.workers.SetMaxParallelism(n) }
}

// NewDevice creates a simulated device. The architecture defaults to
// DefaultArchitecture, overridable by METALFAST_ARCH and WithArchitecture.
func NewDevice(options ...DeviceOption) *Device {
	d := &Device{}
	d.workers.Initialize()
	d.pipelines.init()
	if arch := os.Getenv(ArchitectureEnvVar); arch != "" {
		d.architecture = arch
	}
	for _, option := range options {
		option(d)
	}
	if d.architecture == "" {
		d.architecture = DefaultArchitecture
	}
	d.class = classFromArchitecture(d.architecture)
	klog.V(1).Infof("metal: new device, architecture=%s class=%s", d.architecture, d.class)
	return d
}

// Architecture returns the device's architecture identifier.
func (d *Device) Architecture() string { return d.architecture }

// Class returns the device's performance tier.
func (d *Device) Class() DeviceClass { return d.class }
