// Package exchange holds the per-participant bookkeeping shared by the
// halo, redistribution and reverse passes: direction-indexed element
// counts with their prefix-sum offsets, the raw transfer buffers, and
// the phase state machine every exchanger runs through.
package exchange

import (
	"fmt"

	"github.com/notargets/gocca"
	"github.com/notargets/halox/comm"
	"github.com/notargets/halox/device"
)

// Entity is the per-participant exchange state. Sizes and Offsets are
// recomputed every time the owning phase runs; the byte buffers only
// ever grow.
type Entity struct {
	// Sizes[d] is the element count destined for direction d in the
	// current operation.
	Sizes [comm.NumDirections]int32
	// Offsets is the exclusive prefix sum of Sizes. After
	// ComputeSendOffsets it is valid for exactly one packing pass;
	// mutating Sizes requires recomputing it.
	Offsets [comm.NumDirections + 1]int32

	// Receive-side counterparts, filled from the size exchange.
	RecvSizes   [comm.NumDirections]int32
	RecvOffsets [comm.NumDirections + 1]int32

	// Serialized payloads for all directions back-to-back in offset
	// order.
	SendBuf *device.PinnedBuffer[byte]
	RecvBuf *device.PinnedBuffer[byte]

	// Device copies of the info tables read by packing kernels.
	infosDev *device.PinnedBuffer[int32]
}

// NewEntity creates exchange state backed by the given device (nil for
// host-only).
func NewEntity(dev *gocca.OCCADevice) *Entity {
	return &Entity{
		SendBuf:  device.NewPinnedBuffer[byte](dev, 0),
		RecvBuf:  device.NewPinnedBuffer[byte](dev, 0),
		infosDev: device.NewPinnedBuffer[int32](dev, 0),
	}
}

// ClearSizes zeroes the send-side counts before a size-building pass.
func (e *Entity) ClearSizes() {
	for d := range e.Sizes {
		e.Sizes[d] = 0
	}
}

// ComputeSendOffsets builds Offsets from Sizes by exclusive prefix sum.
func (e *Entity) ComputeSendOffsets() {
	exclusivePrefixSum(&e.Sizes, &e.Offsets)
}

// ComputeRecvOffsets builds RecvOffsets from RecvSizes.
func (e *Entity) ComputeRecvOffsets() {
	exclusivePrefixSum(&e.RecvSizes, &e.RecvOffsets)
}

func exclusivePrefixSum(sizes *[comm.NumDirections]int32, offsets *[comm.NumDirections + 1]int32) {
	offsets[0] = 0
	for d := 0; d < comm.NumDirections; d++ {
		offsets[d+1] = offsets[d] + sizes[d]
	}
}

// TotalSend returns the total element count across all send directions.
func (e *Entity) TotalSend() int { return int(e.Offsets[comm.NumDirections]) }

// TotalRecv returns the total element count across all recv directions.
func (e *Entity) TotalRecv() int { return int(e.RecvOffsets[comm.NumDirections]) }

// ResizeSendBuf grows the send buffer to hold every direction's payload
// at the packer's byte stride.
func (e *Entity) ResizeSendBuf(strideBytes int) {
	e.SendBuf.ResizeDiscard(e.TotalSend() * strideBytes)
}

// ResizeRecvBuf grows the receive buffer likewise.
func (e *Entity) ResizeRecvBuf(strideBytes int) {
	e.RecvBuf.ResizeDiscard(e.TotalRecv() * strideBytes)
}

// SendSlice returns the send-buffer byte range of direction d.
func (e *Entity) SendSlice(d, strideBytes int) []byte {
	lo := int(e.Offsets[d]) * strideBytes
	hi := int(e.Offsets[d+1]) * strideBytes
	return e.SendBuf.Data()[lo:hi]
}

// RecvSlice returns the receive-buffer byte range of direction d.
func (e *Entity) RecvSlice(d, strideBytes int) []byte {
	lo := int(e.RecvOffsets[d]) * strideBytes
	hi := int(e.RecvOffsets[d+1]) * strideBytes
	return e.RecvBuf.Data()[lo:hi]
}

// UploadInfosToDevice pushes the freshly computed sizes and offsets to
// device memory so packing kernels can read them. Layout: send sizes,
// send offsets, recv sizes, recv offsets back-to-back.
func (e *Entity) UploadInfosToDevice(stream *device.Stream) {
	n := comm.NumDirections
	e.infosDev.ResizeDiscard(2*n + 2*(n+1))
	data := e.infosDev.Data()
	copy(data[:n], e.Sizes[:])
	copy(data[n:2*n+1], e.Offsets[:])
	copy(data[2*n+1:3*n+1], e.RecvSizes[:])
	copy(data[3*n+1:], e.RecvOffsets[:])
	e.infosDev.UploadToDevice(stream)
}

// InfosDevMem returns the device allocation holding the info tables.
func (e *Entity) InfosDevMem() *gocca.OCCAMemory { return e.infosDev.DevMem() }

// CheckSizeInvariant validates that the offsets are a consistent prefix
// sum of the sizes.
func (e *Entity) CheckSizeInvariant() error {
	if e.Offsets[0] != 0 {
		return fmt.Errorf("exchange: offsets[0] = %d", e.Offsets[0])
	}
	for d := 0; d < comm.NumDirections; d++ {
		if e.Offsets[d+1] != e.Offsets[d]+e.Sizes[d] {
			return fmt.Errorf("exchange: offsets[%d+1]=%d does not extend offsets[%d]=%d by sizes[%d]=%d",
				d, e.Offsets[d+1], d, e.Offsets[d], d, e.Sizes[d])
		}
	}
	return nil
}
