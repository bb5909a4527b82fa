package halo

import (
	"fmt"
	"log"

	"github.com/notargets/halox/comm"
	"github.com/notargets/halox/device"
	"github.com/notargets/halox/exchange"
	"github.com/notargets/halox/packer"
	"github.com/notargets/halox/particles"
)

// Redistributor migrates ownership: an element whose coordinates have
// left [0, extent) on some axis is packed toward the neighbor behind
// the crossed face (or edge/corner when several axes crossed at once),
// removed from the local store, and appended to the destination's
// local store with its coordinates rebased into the new frame. Objects
// move whole, keyed by their center of mass. Elements leaving through
// a non-periodic wall are dropped with a warning; wall bounce upstream
// is supposed to prevent that.
type Redistributor struct {
	exchangerBase

	every int // step interval

	pp *packer.ChannelPacker
	op *packer.ChannelPacker

	sendLists [comm.NumDirections][]int32
	keep      []bool
	lost      int
}

// NewRedistributor creates the redistribution pass. every is the step
// interval at which the pass runs; ov is nil for bare particle
// vectors.
func NewRedistributor(pv *particles.ParticleVector, ov *particles.ObjectVector,
	topo *comm.GridTopology, fabric comm.Communicator, stream *device.Stream,
	every int) (*Redistributor, error) {
	if every < 1 {
		return nil, fmt.Errorf("halo: redistribution interval %d", every)
	}
	r := &Redistributor{
		exchangerBase: exchangerBase{
			pv: pv, ov: ov,
			topo: topo, fabric: fabric, stream: stream,
			ent: exchange.NewEntity(stream.Device()),
		},
		every: every,
		pp:    packer.NewChannelPacker(pv.Local, nil),
	}
	if ov != nil {
		r.op = packer.NewChannelPacker(ov.LocalObjects, nil)
	}
	if r.kernelPath() {
		r.dc = newDeviceChannels(stream, topo)
	}
	return r, nil
}

func (r *Redistributor) Name() string { return r.pv.Name + "/redistribute" }

// NeedExchange runs the pass on the configured interval only.
func (r *Redistributor) NeedExchange(step int) bool {
	return !r.pv.Static && step%r.every == 0
}

// elementCenter returns the migration-deciding coordinate of element
// e: its position for particles, the center of mass for objects.
func (r *Redistributor) elementCenter(e int, pos []particles.Vec3) particles.Vec3 {
	if r.objSize() == 1 {
		return pos[e]
	}
	var c particles.Vec3
	base := e * r.objSize()
	for k := 0; k < r.objSize(); k++ {
		for ax := 0; ax < 3; ax++ {
			c[ax] += pos[base+k][ax]
		}
	}
	inv := 1 / float32(r.objSize())
	for ax := 0; ax < 3; ax++ {
		c[ax] *= inv
	}
	return c
}

// PrepareSizes classifies every element by the boundary it crossed.
func (r *Redistributor) PrepareSizes(step int) error {
	r.pv.Local.DownloadAll(r.stream)
	if r.ov != nil {
		r.ov.LocalObjects.DownloadAll(r.stream)
	}

	ext := r.topo.LocalExtent()
	extF := [3]float32{float32(ext.X), float32(ext.Y), float32(ext.Z)}
	pos := r.pv.Local.Vec3Data(particles.ChannelPositions)

	n := r.numElements()
	r.ent.ClearSizes()
	for d := range r.sendLists {
		r.sendLists[d] = r.sendLists[d][:0]
	}
	if cap(r.keep) < n {
		r.keep = make([]bool, n)
	} else {
		r.keep = r.keep[:n]
	}
	r.lost = 0

	for e := 0; e < n; e++ {
		c := r.elementCenter(e, pos)
		var off [3]int
		for ax := 0; ax < 3; ax++ {
			if c[ax] < 0 {
				off[ax] = -1
			} else if c[ax] >= extF[ax] {
				off[ax] = 1
			}
		}
		d := comm.DirectionIndex(off[0], off[1], off[2])
		if d == comm.SelfDirection {
			r.keep[e] = true
			continue
		}
		r.keep[e] = false
		if r.topo.NeighborRank(d) < 0 {
			r.lost++
			continue
		}
		r.sendLists[d] = append(r.sendLists[d], int32(e))
		r.ent.Sizes[d]++
	}
	if r.lost > 0 {
		log.Printf("redistribute %s: dropping %d elements that left through a wall", r.pv.Name, r.lost)
	}
	r.ent.ComputeSendOffsets()
	return r.ent.CheckSizeInvariant()
}

func (r *Redistributor) ExchangeSizes() error {
	recv, err := r.fabric.ExchangeSizes(r.topo, &r.ent.Sizes)
	if err != nil {
		return err
	}
	r.ent.RecvSizes = recv
	r.ent.ComputeRecvOffsets()
	return nil
}

func (r *Redistributor) ResizeBuffers() error {
	stride := r.recordStride(r.pp, r.op)
	r.ent.ResizeSendBuf(stride)
	r.ent.ResizeRecvBuf(stride)
	r.ent.UploadInfosToDevice(r.stream)
	return nil
}

// PrepareData packs the leavers while their local indices are still
// valid; compaction happens only after the payload is on the wire.
func (r *Redistributor) PrepareData() error {
	if r.dc != nil {
		if err := r.dc.ensure(r.pp, true, 0); err != nil {
			return err
		}
		return r.dc.pack(r.ent, &r.sendLists, r.pv.Local)
	}

	buf := r.ent.SendBuf.Data()
	stride := r.recordStride(r.pp, r.op)
	for d := 0; d < comm.NumDirections; d++ {
		shift := shiftVec(r.topo, d)
		off := int(r.ent.Offsets[d]) * stride
		for _, src := range r.sendLists[d] {
			off = r.packElement(int(src), buf, off, shift, r.pp, r.op)
		}
	}
	r.ent.SendBuf.UploadToDevice(r.stream)
	return nil
}

func (r *Redistributor) ExchangeData() error {
	return r.transferBytes(r.recordStride(r.pp, r.op))
}

// CombineAndUnpack compacts the survivors and appends the arrivals.
// Compaction rewrites the whole store host-side, so the arrivals
// unpack on the host as well and the store goes back up wholesale.
func (r *Redistributor) CombineAndUnpack() error {
	keepParticles := r.keep
	if r.objSize() > 1 {
		keepParticles = make([]bool, len(r.keep)*r.objSize())
		for e, k := range r.keep {
			for j := 0; j < r.objSize(); j++ {
				keepParticles[e*r.objSize()+j] = k
			}
		}
	}
	kept := r.pv.Local.CompactKeep(keepParticles)
	if r.ov != nil {
		r.ov.LocalObjects.CompactKeep(r.keep)
	}

	nRecv := r.ent.TotalRecv()
	r.pv.Local.Resize(kept+nRecv*r.objSize(), r.stream)
	if r.ov != nil {
		r.ov.LocalObjects.Resize(r.ov.NumObjects()+nRecv, r.stream)
	}
	r.pp.Update()
	if r.op != nil {
		r.op.Update()
	}

	src := r.ent.RecvBuf.Data()
	ext := r.topo.LocalExtent()
	pos := r.pv.Local.Vec3Data(particles.ChannelPositions)
	keptElems := kept / r.objSize()
	off := 0
	for e := 0; e < nRecv; e++ {
		off = r.unpackElement(src, off, keptElems+e, r.pp, r.op)
	}
	for i := kept; i < len(pos); i++ {
		if !localFrame(pos[i], ext) && device.Verbose {
			log.Printf("redistribute %s: arrival %d outside local frame %v", r.pv.Name, i, pos[i])
		}
	}

	r.pv.Local.UploadAll(r.stream)
	if r.ov != nil {
		r.ov.LocalObjects.UploadAll(r.stream)
		if err := r.ov.CheckContiguity(); err != nil {
			return err
		}
	}
	if device.Verbose {
		log.Printf("redistribute %s: kept %d, sent %d, received %d", r.pv.Name, kept, r.ent.TotalSend(), nRecv)
	}
	return nil
}

var _ exchange.Exchanger = (*Redistributor)(nil)
