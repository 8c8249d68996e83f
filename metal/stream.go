package metal

import (
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// commandQueueDepth bounds how far the host can run ahead of the device.
const commandQueueDepth = 64

// Stream is one logical execution queue on a device. Encoded commands
// run asynchronously, in submission order relative to each other; no
// ordering holds across distinct streams.
//
// Temporary buffers registered with AddTemporary are released once all
// work submitted before the next Synchronize (or Close) has completed.
type Stream struct {
	device   *Device
	commands chan func()
	finished chan struct{}

	mu          sync.Mutex
	closed      bool
	temporaries []*Buffer
}

// NewStream creates an execution stream on the device.
func (d *Device) NewStream() *Stream {
	s := &Stream{
		device:   d,
		commands: make(chan func(), commandQueueDepth),
		finished: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	for command := range s.commands {
		command()
	}
	close(s.finished)
}

// enqueue submits a command. It blocks only when the queue is full.
func (s *Stream) enqueue(command func()) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		exceptions.Panicf("metal.Stream(%p) used after Close", s)
	}
	s.commands <- command
}

// AddTemporary registers a buffer whose lifetime is tied to the work
// already submitted: it is freed at the next synchronization point.
func (s *Stream) AddTemporary(buf *Buffer) {
	if buf == nil {
		return
	}
	s.mu.Lock()
	s.temporaries = append(s.temporaries, buf)
	s.mu.Unlock()
}

// Synchronize blocks until every command submitted so far has completed,
// then releases the temporaries registered up to this point.
func (s *Stream) Synchronize() {
	s.mu.Lock()
	temporaries := s.temporaries
	s.temporaries = nil
	s.mu.Unlock()

	barrier := make(chan struct{})
	s.enqueue(func() {
		for _, buf := range temporaries {
			buf.Free()
		}
		close(barrier)
	})
	<-barrier
	if klog.V(2).Enabled() && len(temporaries) > 0 {
		klog.Infof("metal: stream sync released %d temporaries", len(temporaries))
	}
}

// Close synchronizes, stops the stream's worker and makes the stream
// invalid for further use.
func (s *Stream) Close() {
	s.Synchronize()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.commands)
	<-s.finished
}

// Device returns the device the stream issues work onto.
func (s *Stream) Device() *Device { return s.device }
