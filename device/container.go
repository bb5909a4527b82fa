// Package device provides typed growable buffers living on host memory,
// device memory, or both, built on gocca. Containers never release memory
// mid-run; they keep a backing store big enough for the largest element
// count they ever held.
package device

import (
	"log"
	"math"

	"github.com/notargets/gocca"
)

// Verbose enables allocation and transfer tracing on the standard logger.
var Verbose = false

// Synch selects whether a device-to-host transfer blocks until the host
// copy is readily available.
type Synch int

const (
	// Synchronous waits for the transfer to land before returning
	Synchronous Synch = iota
	// Asynchronous enqueues the transfer on the stream and returns
	Asynchronous
)

// Container is the capability interface shared by all buffer kinds.
// The concrete kind (host, device, paired) is selected at construction.
type Container interface {
	// Size returns the number of stored elements
	Size() int
	// ElemSize returns the byte size of one element
	ElemSize() int
	// DevMem returns the device allocation, or nil for host-only storage
	DevMem() *gocca.OCCAMemory
	// HostBytes returns the host-side storage as raw bytes, or nil for
	// device-only storage
	HostBytes() []byte
}

// GrowCapacity returns the byte-for-byte allocation policy used by every
// container: the next multiple of 128 elements above ceil(1.1*n + 10).
// Over-allocating amortizes reallocation while bounding peak waste.
func GrowCapacity(n int) int {
	if n < 0 {
		log.Panicf("device: negative container size %d", n)
	}
	conservative := int(math.Ceil(1.1*float64(n) + 10.0))
	return 128 * ((conservative + 127) / 128)
}

// Stream is a caller-supplied execution queue. Transfers and clears are
// ordered on it. A Stream with a nil device runs everything host-side,
// which lets the whole exchange engine execute without a GPU.
type Stream struct {
	device *gocca.OCCADevice
	stream *gocca.OCCAStream
}

// NewStream creates an execution stream on the given device. A nil
// device yields a host-only stream.
func NewStream(device *gocca.OCCADevice) *Stream {
	s := &Stream{device: device}
	if device != nil {
		s.stream = device.CreateStream(nil)
	}
	return s
}

// HostOnly reports whether the stream has no device attached.
func (s *Stream) HostOnly() bool { return s == nil || s.device == nil }

// Device returns the underlying gocca device, nil for host-only streams.
func (s *Stream) Device() *gocca.OCCADevice {
	if s == nil {
		return nil
	}
	return s.device
}

// Synchronize blocks until all work queued on the stream has completed.
func (s *Stream) Synchronize() {
	if s.HostOnly() {
		return
	}
	s.device.SetStream(s.stream)
	s.device.Finish()
}

// bind makes the stream current on its device so subsequent memory
// operations are ordered on it. Safe to call on host-only streams.
func (s *Stream) bind() {
	if s.HostOnly() {
		return
	}
	s.device.SetStream(s.stream)
}

func debugf(format string, args ...interface{}) {
	if Verbose {
		log.Printf(format, args...)
	}
}
