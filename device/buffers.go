package device

import (
	"log"
	"unsafe"

	"github.com/notargets/gocca"
)

// elemSize returns sizeof(T) in bytes.
func elemSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*elemSize[T]())
}

//==================================================================================================
// Host buffer
//==================================================================================================

// HostBuffer keeps data only on the host. It is the storage behind size
// tables, staging areas and all host-side reference paths.
type HostBuffer[T any] struct {
	buf  []T // backing store, len(buf) == capacity
	size int
}

// NewHostBuffer creates a host buffer holding n zero elements.
func NewHostBuffer[T any](n int) *HostBuffer[T] {
	hb := &HostBuffer[T]{}
	hb.ResizeDiscard(n)
	return hb
}

func (hb *HostBuffer[T]) Size() int     { return hb.size }
func (hb *HostBuffer[T]) ElemSize() int { return elemSize[T]() }

// DevMem returns nil: host buffers own no device allocation.
func (hb *HostBuffer[T]) DevMem() *gocca.OCCAMemory { return nil }

// Data returns the stored elements. The slice aliases the backing store
// and is invalidated by the next growing resize.
func (hb *HostBuffer[T]) Data() []T { return hb.buf[:hb.size] }

// HostBytes returns the stored elements as raw bytes.
func (hb *HostBuffer[T]) HostBytes() []byte { return sliceBytes(hb.Data()) }

// Resize sets the element count to n, preserving existing content.
func (hb *HostBuffer[T]) Resize(n int) { hb.resize(n, true) }

// ResizeDiscard sets the element count to n without preserving content,
// for write-only targets.
func (hb *HostBuffer[T]) ResizeDiscard(n int) { hb.resize(n, false) }

func (hb *HostBuffer[T]) resize(n int, keep bool) {
	old := hb.buf
	oldSize := hb.size

	hb.size = n
	if len(hb.buf) >= n {
		return
	}

	capacity := GrowCapacity(n)
	hb.buf = make([]T, capacity)
	if keep && oldSize > 0 {
		copy(hb.buf, old[:oldSize])
	}
	debugf("device: HostBuffer grew %d -> %d elements of %d bytes",
		oldSize, capacity, hb.ElemSize())
}

// Clear zeroes the stored elements.
func (hb *HostBuffer[T]) Clear() {
	var zero T
	for i := 0; i < hb.size; i++ {
		hb.buf[i] = zero
	}
}

// CopyFrom deep-copies the current contents (not capacity) of another
// host buffer of the same element type.
func (hb *HostBuffer[T]) CopyFrom(src *HostBuffer[T]) {
	hb.ResizeDiscard(src.size)
	copy(hb.buf, src.Data())
}

// TakeFrom transfers ownership of src's storage, leaving src empty.
func (hb *HostBuffer[T]) TakeFrom(src *HostBuffer[T]) {
	if hb == src {
		return
	}
	hb.buf, hb.size = src.buf, src.size
	src.buf, src.size = nil, 0
}

//==================================================================================================
// Device buffer
//==================================================================================================

// DeviceBuffer keeps data only on the device.
type DeviceBuffer[T any] struct {
	device   *gocca.OCCADevice
	mem      *gocca.OCCAMemory
	size     int
	capacity int
}

// NewDeviceBuffer creates a device buffer holding n elements on device.
// The device must not be nil; host-only configurations use HostBuffer
// or PinnedBuffer with a nil device instead.
func NewDeviceBuffer[T any](device *gocca.OCCADevice, n int) *DeviceBuffer[T] {
	if device == nil {
		log.Panicf("device: DeviceBuffer requires a device (element size %d, requested %d)",
			elemSize[T](), n)
	}
	db := &DeviceBuffer[T]{device: device}
	db.ResizeDiscard(n)
	return db
}

func (db *DeviceBuffer[T]) Size() int                 { return db.size }
func (db *DeviceBuffer[T]) ElemSize() int             { return elemSize[T]() }
func (db *DeviceBuffer[T]) DevMem() *gocca.OCCAMemory { return db.mem }

// HostBytes returns nil: device buffers own no host storage.
func (db *DeviceBuffer[T]) HostBytes() []byte { return nil }

// Resize sets the element count to n. Growing preserves existing device
// content with an asynchronous device-to-device copy on the stream.
func (db *DeviceBuffer[T]) Resize(n int, stream *Stream) { db.resize(n, stream, true) }

// ResizeDiscard grows without preserving content.
func (db *DeviceBuffer[T]) ResizeDiscard(n int) { db.resize(n, nil, false) }

func (db *DeviceBuffer[T]) resize(n int, stream *Stream, keep bool) {
	oldMem := db.mem
	oldSize := db.size

	db.size = n
	if db.capacity >= n {
		return
	}

	db.capacity = GrowCapacity(n)
	db.mem = db.device.Malloc(int64(db.capacity*db.ElemSize()), nil, nil)
	if db.mem == nil {
		log.Panicf("device: allocation of %d x %d bytes failed on DeviceBuffer",
			db.capacity, db.ElemSize())
	}

	if keep && oldMem != nil && oldSize > 0 {
		stream.bind()
		db.mem.CopyDeviceToDevice(0, oldMem, 0, int64(oldSize*db.ElemSize()))
	}
	if oldMem != nil {
		oldMem.Free()
	}
	debugf("device: DeviceBuffer grew %d -> %d elements of %d bytes",
		oldSize, db.capacity, db.ElemSize())
}

// ClearDevice zeroes the device bytes by uploading a zero staging area.
func (db *DeviceBuffer[T]) ClearDevice(stream *Stream) {
	if db.size == 0 {
		return
	}
	stream.bind()
	zero := make([]T, db.size)
	db.mem.CopyFrom(unsafe.Pointer(&zero[0]), int64(db.size*db.ElemSize()))
}

// CopyFrom deep-copies current contents from another device buffer of
// the same element type.
func (db *DeviceBuffer[T]) CopyFrom(src *DeviceBuffer[T], stream *Stream) {
	db.ResizeDiscard(src.size)
	if db.size > 0 {
		stream.bind()
		db.mem.CopyDeviceToDevice(0, src.mem, 0, int64(db.size*db.ElemSize()))
	}
}

// TakeFrom transfers ownership of src's allocation, leaving src empty.
func (db *DeviceBuffer[T]) TakeFrom(src *DeviceBuffer[T]) {
	if db == src {
		return
	}
	if db.mem != nil {
		db.mem.Free()
	}
	db.mem, db.size, db.capacity = src.mem, src.size, src.capacity
	src.mem, src.size, src.capacity = nil, 0, 0
}

// Free releases the device allocation.
func (db *DeviceBuffer[T]) Free() {
	if db.mem != nil {
		db.mem.Free()
		db.mem = nil
	}
	db.size, db.capacity = 0, 0
}

//==================================================================================================
// Pinned (paired) buffer
//==================================================================================================

// PinnedBuffer keeps data on both host and device with byte-for-byte
// identical indexing on both sides. Host and device are never
// synchronized implicitly: use UploadToDevice and DownloadFromDevice.
// With a nil device the buffer degrades to host-only storage and the
// transfer calls become no-ops.
type PinnedBuffer[T any] struct {
	device   *gocca.OCCADevice
	mem      *gocca.OCCAMemory
	buf      []T
	size     int
	capacity int
}

// NewPinnedBuffer creates a paired buffer holding n elements.
func NewPinnedBuffer[T any](device *gocca.OCCADevice, n int) *PinnedBuffer[T] {
	pb := &PinnedBuffer[T]{device: device}
	pb.ResizeDiscard(n)
	return pb
}

func (pb *PinnedBuffer[T]) Size() int                 { return pb.size }
func (pb *PinnedBuffer[T]) ElemSize() int             { return elemSize[T]() }
func (pb *PinnedBuffer[T]) DevMem() *gocca.OCCAMemory { return pb.mem }

// Data returns the host-side elements.
func (pb *PinnedBuffer[T]) Data() []T { return pb.buf[:pb.size] }

// HostBytes returns the host-side elements as raw bytes.
func (pb *PinnedBuffer[T]) HostBytes() []byte { return sliceBytes(pb.Data()) }

// Resize sets the element count to n, preserving both host and device
// content across reallocation.
func (pb *PinnedBuffer[T]) Resize(n int, stream *Stream) { pb.resize(n, stream, true) }

// ResizeDiscard grows without preserving content.
func (pb *PinnedBuffer[T]) ResizeDiscard(n int) { pb.resize(n, nil, false) }

func (pb *PinnedBuffer[T]) resize(n int, stream *Stream, keep bool) {
	old := pb.buf
	oldMem := pb.mem
	oldSize := pb.size

	pb.size = n
	if pb.capacity >= n {
		return
	}

	pb.capacity = GrowCapacity(n)
	pb.buf = make([]T, pb.capacity)
	if keep && oldSize > 0 {
		copy(pb.buf, old[:oldSize])
	}

	if pb.device != nil {
		pb.mem = pb.device.Malloc(int64(pb.capacity*pb.ElemSize()), nil, nil)
		if pb.mem == nil {
			log.Panicf("device: allocation of %d x %d bytes failed on PinnedBuffer",
				pb.capacity, pb.ElemSize())
		}
		if keep && oldMem != nil && oldSize > 0 {
			stream.bind()
			pb.mem.CopyDeviceToDevice(0, oldMem, 0, int64(oldSize*pb.ElemSize()))
		}
		if oldMem != nil {
			oldMem.Free()
		}
	}
	debugf("device: PinnedBuffer grew %d -> %d elements of %d bytes",
		oldSize, pb.capacity, pb.ElemSize())
}

// UploadToDevice pushes the host content to the device.
func (pb *PinnedBuffer[T]) UploadToDevice(stream *Stream) {
	if pb.mem == nil || pb.size == 0 {
		return
	}
	debugf("device: H2D transfer of %d x %d bytes", pb.size, pb.ElemSize())
	stream.bind()
	pb.mem.CopyFrom(unsafe.Pointer(&pb.buf[0]), int64(pb.size*pb.ElemSize()))
}

// DownloadFromDevice pulls the device content to the host. With
// Synchronous the host data is readily available on return.
func (pb *PinnedBuffer[T]) DownloadFromDevice(stream *Stream, synch Synch) {
	if pb.mem == nil || pb.size == 0 {
		return
	}
	debugf("device: D2H transfer of %d x %d bytes", pb.size, pb.ElemSize())
	stream.bind()
	pb.mem.CopyTo(unsafe.Pointer(&pb.buf[0]), int64(pb.size*pb.ElemSize()))
	if synch == Synchronous {
		stream.Synchronize()
	}
}

// ClearHost zeroes the host bytes only.
func (pb *PinnedBuffer[T]) ClearHost() {
	var zero T
	for i := 0; i < pb.size; i++ {
		pb.buf[i] = zero
	}
}

// ClearDevice zeroes the device bytes only.
func (pb *PinnedBuffer[T]) ClearDevice(stream *Stream) {
	if pb.mem == nil || pb.size == 0 {
		return
	}
	stream.bind()
	zero := make([]T, pb.size)
	pb.mem.CopyFrom(unsafe.Pointer(&zero[0]), int64(pb.size*pb.ElemSize()))
}

// Clear zeroes both sides.
func (pb *PinnedBuffer[T]) Clear(stream *Stream) {
	pb.ClearDevice(stream)
	pb.ClearHost()
}

// CopyFrom deep-copies current contents (both sides) from another
// pinned buffer of the same element type.
func (pb *PinnedBuffer[T]) CopyFrom(src *PinnedBuffer[T], stream *Stream) {
	pb.ResizeDiscard(src.size)
	copy(pb.buf, src.Data())
	if pb.mem != nil && src.mem != nil && pb.size > 0 {
		stream.bind()
		pb.mem.CopyDeviceToDevice(0, src.mem, 0, int64(pb.size*pb.ElemSize()))
	}
}

// TakeFrom transfers ownership of src's storage, leaving src empty.
func (pb *PinnedBuffer[T]) TakeFrom(src *PinnedBuffer[T]) {
	if pb == src {
		return
	}
	if pb.mem != nil {
		pb.mem.Free()
	}
	pb.buf, pb.mem, pb.size, pb.capacity = src.buf, src.mem, src.size, src.capacity
	src.buf, src.mem, src.size, src.capacity = nil, nil, 0, 0
}

// Free releases the device allocation and drops the host storage.
func (pb *PinnedBuffer[T]) Free() {
	if pb.mem != nil {
		pb.mem.Free()
		pb.mem = nil
	}
	pb.buf = nil
	pb.size, pb.capacity = 0, 0
}
