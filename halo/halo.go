// Package halo implements the three exchange passes of the engine:
// ghost-particle halo construction, particle redistribution between
// subdomains, and the reverse pass merging ghost contributions back
// into their owners. Each pass is an exchange.Exchanger driven through
// the shared phase machine; transport goes through a comm.Communicator
// and all payloads are flat packer records.
package halo

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/halox/comm"
	"github.com/notargets/halox/device"
	"github.com/notargets/halox/exchange"
	"github.com/notargets/halox/packer"
	"github.com/notargets/halox/particles"
)

// exchangerBase carries the plumbing shared by the three passes. An
// element is one transfer unit: a particle for bare vectors, a whole
// object for object vectors.
type exchangerBase struct {
	pv *particles.ParticleVector
	ov *particles.ObjectVector // nil for bare particle vectors

	topo   *comm.GridTopology
	fabric comm.Communicator
	stream *device.Stream

	ent *exchange.Entity

	// dc is the kernel-side packing path, nil on host-only streams and
	// for object vectors (their interleaved records pack on the host).
	dc *deviceChannels
}

// kernelPath reports whether packing runs through compiled kernels.
func (b *exchangerBase) kernelPath() bool {
	return !b.stream.HostOnly() && b.ov == nil
}

func (b *exchangerBase) objSize() int {
	if b.ov != nil {
		return b.ov.ObjSize()
	}
	return 1
}

func (b *exchangerBase) numElements() int {
	if b.ov != nil {
		return b.ov.NumObjects()
	}
	return b.pv.LocalSize()
}

// recordStride is the byte size of one element record: the particle
// records of the element back-to-back, then the object record.
func (b *exchangerBase) recordStride(pp, op *packer.ChannelPacker) int {
	s := b.objSize() * pp.Stride()
	if op != nil {
		s += op.Stride()
	}
	return s
}

// packElement serializes element e (particles, then object record)
// into dst at off and returns the offset past the record.
func (b *exchangerBase) packElement(e int, dst []byte, off int, shift particles.Vec3,
	pp, op *packer.ChannelPacker) int {
	base := e * b.objSize()
	for k := 0; k < b.objSize(); k++ {
		off = pp.PackElement(base+k, dst, off, shift)
	}
	if op != nil {
		off = op.PackElement(e, dst, off, shift)
	}
	return off
}

// unpackElement deserializes one element record into destination
// element e, overwriting channel values.
func (b *exchangerBase) unpackElement(src []byte, off int, e int,
	pp, op *packer.ChannelPacker) int {
	base := e * b.objSize()
	for k := 0; k < b.objSize(); k++ {
		off = pp.UnpackOverwrite(src, off, base+k)
	}
	if op != nil {
		off = op.UnpackOverwrite(src, off, e)
	}
	return off
}

func shiftVec(topo *comm.GridTopology, dir int) particles.Vec3 {
	s := topo.Shift(dir)
	return particles.Vec3{float32(s.X), float32(s.Y), float32(s.Z)}
}

// transferBytes runs the payload phase over the fabric: hand each
// direction's send slice to the communicator and copy what arrives
// into the receive buffer at its offset.
func (b *exchangerBase) transferBytes(stride int) error {
	var send [comm.NumDirections][]byte
	var expect [comm.NumDirections]int
	for d := 0; d < comm.NumDirections; d++ {
		send[d] = b.ent.SendSlice(d, stride)
		expect[d] = int(b.ent.RecvSizes[d]) * stride
	}
	recv, err := b.fabric.ExchangeBytes(b.topo, &send, &expect)
	if err != nil {
		return err
	}
	for d := 0; d < comm.NumDirections; d++ {
		copy(b.ent.RecvSlice(d, stride), recv[d])
	}
	return nil
}

// HaloExchanger builds the ghost layer: every element within cutoff of
// a subdomain face is copied to the ranks behind that face, edge, or
// corner (up to 7 directions for an element in a corner region), with
// coordinates shifted into each destination's local frame. Received
// ghosts replace the halo store. The per-slot map entries recorded
// while packing are what the reverse pass later uses to route
// contributions back.
type HaloExchanger struct {
	exchangerBase

	cutoff float64

	pp *packer.ChannelPacker // local store, all channels
	op *packer.ChannelPacker // local object store, object vectors only
	up *packer.ChannelPacker // halo store
	uo *packer.ChannelPacker // halo object store

	sendLists  [comm.NumDirections][]int32
	mapEntries []exchange.MapEntry
}

// NewHaloExchanger creates the halo pass for one participant. For
// object vectors pass the vector as both pv (its embedded particle
// vector) and ov; for bare particle vectors ov is nil.
func NewHaloExchanger(pv *particles.ParticleVector, ov *particles.ObjectVector,
	topo *comm.GridTopology, fabric comm.Communicator, stream *device.Stream,
	cutoff float64) (*HaloExchanger, error) {
	if cutoff <= 0 {
		return nil, fmt.Errorf("halo: cutoff %g", cutoff)
	}
	ext := topo.LocalExtent()
	if 2*cutoff > ext.X || 2*cutoff > ext.Y || 2*cutoff > ext.Z {
		return nil, fmt.Errorf("halo: cutoff %g exceeds half the subdomain extent %v", cutoff, ext)
	}
	h := &HaloExchanger{
		exchangerBase: exchangerBase{
			pv: pv, ov: ov,
			topo: topo, fabric: fabric, stream: stream,
			ent: exchange.NewEntity(stream.Device()),
		},
		cutoff: cutoff,
		pp:     packer.NewChannelPacker(pv.Local, nil),
		up:     packer.NewChannelPacker(pv.Halo, nil),
	}
	if ov != nil {
		h.op = packer.NewChannelPacker(ov.LocalObjects, nil)
		h.uo = packer.NewChannelPacker(ov.HaloObjects, nil)
	}
	if h.kernelPath() {
		h.dc = newDeviceChannels(stream, topo)
	}
	return h, nil
}

// Name identifies the pass in phase errors and logs.
func (h *HaloExchanger) Name() string { return h.pv.Name + "/halo" }

// NeedExchange runs the halo pass every step for mobile participants.
func (h *HaloExchanger) NeedExchange(step int) bool { return !h.pv.Static }

// MapEntries returns the per-slot routing records of the last pass,
// in send-slot order. Valid until the next PrepareSizes.
func (h *HaloExchanger) MapEntries() []exchange.MapEntry { return h.mapEntries }

// Entity exposes the pass's size bookkeeping to the reverse pass.
func (h *HaloExchanger) Entity() *exchange.Entity { return h.ent }

// elementDirections appends to dst every direction bucket the element
// with axis flags lo/hi must be copied to. Each boundary-adjacent axis
// contributes its face, and combinations contribute edges and corners.
func elementDirections(dst []int, topo *comm.GridTopology, lo, hi [3]bool) []int {
	var axis [3][]int
	for ax := 0; ax < 3; ax++ {
		axis[ax] = append(axis[ax][:0], 0)
		if lo[ax] {
			axis[ax] = append(axis[ax], -1)
		}
		if hi[ax] {
			axis[ax] = append(axis[ax], 1)
		}
	}
	for _, dx := range axis[0] {
		for _, dy := range axis[1] {
			for _, dz := range axis[2] {
				d := comm.DirectionIndex(dx, dy, dz)
				if d == comm.SelfDirection || topo.NeighborRank(d) < 0 {
					continue
				}
				dst = append(dst, d)
			}
		}
	}
	return dst
}

// elementBounds returns the coordinate bounds of element e: the
// position itself for particles, the bounding box for objects.
func (b *exchangerBase) elementBounds(e int, pos []particles.Vec3) (min, max particles.Vec3) {
	base := e * b.objSize()
	min, max = pos[base], pos[base]
	for k := 1; k < b.objSize(); k++ {
		p := pos[base+k]
		for ax := 0; ax < 3; ax++ {
			if p[ax] < min[ax] {
				min[ax] = p[ax]
			}
			if p[ax] > max[ax] {
				max[ax] = p[ax]
			}
		}
	}
	return min, max
}

// PrepareSizes downloads fresh positions and builds the per-direction
// send lists and counts.
func (h *HaloExchanger) PrepareSizes(step int) error {
	h.pv.Local.DownloadAll(h.stream)
	if h.ov != nil {
		h.ov.LocalObjects.DownloadAll(h.stream)
	}

	ext := h.topo.LocalExtent()
	extF := [3]float32{float32(ext.X), float32(ext.Y), float32(ext.Z)}
	rc := float32(h.cutoff)
	pos := h.pv.Local.Vec3Data(particles.ChannelPositions)

	h.ent.ClearSizes()
	for d := range h.sendLists {
		h.sendLists[d] = h.sendLists[d][:0]
	}

	var dirs []int
	for e := 0; e < h.numElements(); e++ {
		min, max := h.elementBounds(e, pos)
		var lo, hi [3]bool
		for ax := 0; ax < 3; ax++ {
			lo[ax] = min[ax] < rc
			hi[ax] = max[ax] >= extF[ax]-rc
		}
		dirs = elementDirections(dirs[:0], h.topo, lo, hi)
		for _, d := range dirs {
			h.sendLists[d] = append(h.sendLists[d], int32(e))
			h.ent.Sizes[d]++
		}
	}
	h.ent.ComputeSendOffsets()
	return h.ent.CheckSizeInvariant()
}

// ExchangeSizes swaps counts with every neighbor.
func (h *HaloExchanger) ExchangeSizes() error {
	recv, err := h.fabric.ExchangeSizes(h.topo, &h.ent.Sizes)
	if err != nil {
		return err
	}
	h.ent.RecvSizes = recv
	h.ent.ComputeRecvOffsets()
	return nil
}

// ResizeBuffers grows the transfer buffers and the map to the counts
// just agreed on.
func (h *HaloExchanger) ResizeBuffers() error {
	stride := h.recordStride(h.pp, h.op)
	h.ent.ResizeSendBuf(stride)
	h.ent.ResizeRecvBuf(stride)
	if n := h.ent.TotalSend(); cap(h.mapEntries) < n {
		h.mapEntries = make([]exchange.MapEntry, n)
	} else {
		h.mapEntries = h.mapEntries[:n]
	}
	h.ent.UploadInfosToDevice(h.stream)
	return nil
}

// PrepareData packs every send list into the send buffer in offset
// order, shifting coordinates into each destination's frame and
// recording the map entry of every slot.
func (h *HaloExchanger) PrepareData() error {
	g := 0
	for d := 0; d < comm.NumDirections; d++ {
		for _, src := range h.sendLists[d] {
			h.mapEntries[g] = exchange.NewMapEntry(d, int(src))
			g++
		}
	}

	if h.dc != nil {
		if err := h.dc.ensure(h.pp, true, 0); err != nil {
			return err
		}
		return h.dc.pack(h.ent, &h.sendLists, h.pv.Local)
	}

	buf := h.ent.SendBuf.Data()
	stride := h.recordStride(h.pp, h.op)
	for d := 0; d < comm.NumDirections; d++ {
		shift := shiftVec(h.topo, d)
		off := int(h.ent.Offsets[d]) * stride
		for _, src := range h.sendLists[d] {
			off = h.packElement(int(src), buf, off, shift, h.pp, h.op)
		}
	}
	h.ent.SendBuf.UploadToDevice(h.stream)
	return nil
}

// ExchangeData moves the packed payloads.
func (h *HaloExchanger) ExchangeData() error {
	return h.transferBytes(h.recordStride(h.pp, h.op))
}

// CombineAndUnpack replaces the halo store with the received ghosts,
// in arrival order, and pushes it to the device.
func (h *HaloExchanger) CombineAndUnpack() error {
	n := h.ent.TotalRecv()
	h.pv.Halo.ResizeDiscard(n * h.objSize())
	if h.ov != nil {
		h.ov.HaloObjects.ResizeDiscard(n)
		h.uo.Update()
	}
	h.up.Update()

	if h.dc != nil {
		if err := h.dc.ensure(h.up, true, 0); err != nil {
			return err
		}
		if err := h.dc.unpack(h.ent, h.pv.Halo, 0); err != nil {
			return err
		}
		h.pv.Halo.DownloadAll(h.stream)
	} else {
		src := h.ent.RecvBuf.Data()
		off := 0
		for e := 0; e < n; e++ {
			off = h.unpackElement(src, off, e, h.up, h.uo)
		}
		h.pv.Halo.UploadAll(h.stream)
	}
	if h.ov != nil {
		h.ov.HaloObjects.UploadAll(h.stream)
		if err := h.ov.CheckContiguity(); err != nil {
			return err
		}
	}
	if device.Verbose {
		log.Printf("halo %s: sent %d, received %d ghosts", h.pv.Name, h.ent.TotalSend(), n)
	}
	return nil
}

var _ exchange.Exchanger = (*HaloExchanger)(nil)

// localFrame reports whether p lies inside [0, ext) on every axis.
func localFrame(p particles.Vec3, ext r3.Vec) bool {
	return p[0] >= 0 && float64(p[0]) < ext.X &&
		p[1] >= 0 && float64(p[1]) < ext.Y &&
		p[2] >= 0 && float64(p[2]) < ext.Z
}
