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

// ReverseExchanger sends ghost contributions home. After interactions
// have accumulated into halo-store channels (forces, typically), the
// pass packs each ghost's reverse channels keyed by the direction the
// ghost arrived from, sends them back toward that direction, and
// additively merges each arriving record into the local element the
// forward pass copied out, located through the forward map entries. A
// contribution whose float lanes all sit below epsilon leaves the
// owner bit-identical.
type ReverseExchanger struct {
	exchangerBase

	fwd *HaloExchanger
	eps float32

	pp *packer.ChannelPacker // halo store, reverse channel subset
	op *packer.ChannelPacker // halo object store subset, object vectors only
	up *packer.ChannelPacker // local store, same subset
	uo *packer.ChannelPacker
}

// NewReverseExchanger creates the reverse pass over the given forward
// halo pass. channels selects the additively merged channel subset
// (forces by default when nil); eps zero selects packer.DefaultEpsilon.
func NewReverseExchanger(fwd *HaloExchanger, channels []string, eps float32) (*ReverseExchanger, error) {
	if eps < 0 {
		return nil, fmt.Errorf("halo: negative epsilon %g", eps)
	}
	if eps == 0 {
		eps = packer.DefaultEpsilon
	}
	if channels == nil {
		channels = []string{particles.ChannelForces}
	}
	r := &ReverseExchanger{
		exchangerBase: exchangerBase{
			pv: fwd.pv, ov: fwd.ov,
			topo: fwd.topo, fabric: fwd.fabric, stream: fwd.stream,
			ent: exchange.NewEntity(fwd.stream.Device()),
		},
		fwd: fwd,
		eps: eps,
		pp:  packer.NewChannelPacker(fwd.pv.Halo, channels),
		up:  packer.NewChannelPacker(fwd.pv.Local, channels),
	}
	if fwd.ov != nil {
		r.op = packer.NewChannelPacker(fwd.ov.HaloObjects, []string{particles.ChannelObjectStates})
		r.uo = packer.NewChannelPacker(fwd.ov.LocalObjects, []string{particles.ChannelObjectStates})
	}
	if r.kernelPath() {
		r.dc = newDeviceChannels(fwd.stream, fwd.topo)
	}
	return r, nil
}

func (r *ReverseExchanger) Name() string { return r.pv.Name + "/reverse" }

// NeedExchange follows the forward pass.
func (r *ReverseExchanger) NeedExchange(step int) bool { return r.fwd.NeedExchange(step) }

// PrepareSizes mirrors the forward receive counts: every ghost that
// arrived from direction d sends its contribution back toward d.
func (r *ReverseExchanger) PrepareSizes(step int) error {
	r.pv.Halo.DownloadAll(r.stream)
	if r.ov != nil {
		r.ov.HaloObjects.DownloadAll(r.stream)
	}
	r.ent.Sizes = r.fwd.ent.RecvSizes
	r.ent.ComputeSendOffsets()
	return r.ent.CheckSizeInvariant()
}

func (r *ReverseExchanger) ExchangeSizes() error {
	recv, err := r.fabric.ExchangeSizes(r.topo, &r.ent.Sizes)
	if err != nil {
		return err
	}
	r.ent.RecvSizes = recv
	r.ent.ComputeRecvOffsets()
	// Each reverse arrival must pair with a forward send slot.
	for d := 0; d < comm.NumDirections; d++ {
		if r.ent.RecvSizes[d] != r.fwd.ent.Sizes[d] {
			return fmt.Errorf("halo: reverse arrivals from direction %d count %d, forward pass sent %d",
				d, r.ent.RecvSizes[d], r.fwd.ent.Sizes[d])
		}
	}
	return nil
}

func (r *ReverseExchanger) ResizeBuffers() error {
	stride := r.recordStride(r.pp, r.op)
	r.ent.ResizeSendBuf(stride)
	r.ent.ResizeRecvBuf(stride)
	r.ent.UploadInfosToDevice(r.stream)
	return nil
}

// PrepareData packs the halo store straight through: the halo holds
// ghosts grouped by arrival direction in receive order, which is
// exactly the reverse send order. No coordinate shift applies.
func (r *ReverseExchanger) PrepareData() error {
	if r.dc != nil {
		if err := r.dc.ensure(r.pp, false, r.eps); err != nil {
			return err
		}
		return r.dc.packSequential(r.ent, r.pv.Halo)
	}

	buf := r.ent.SendBuf.Data()
	off := 0
	for e := 0; e < r.ent.TotalSend(); e++ {
		off = r.packElement(e, buf, off, particles.Vec3{}, r.pp, r.op)
	}
	r.ent.SendBuf.UploadToDevice(r.stream)
	return nil
}

func (r *ReverseExchanger) ExchangeData() error {
	return r.transferBytes(r.recordStride(r.pp, r.op))
}

// CombineAndUnpack merges the arrivals into their owners. The g-th
// record arriving from direction d pairs with forward send slot
// fwdOffsets[d]+g, whose map entry names the owning local element.
func (r *ReverseExchanger) CombineAndUnpack() error {
	entries := r.fwd.MapEntries()

	if r.dc != nil {
		// Arrival order matches forward send-slot order record for
		// record because the receive counts equal the forward send
		// counts, so the forward map is the arrival map.
		if err := r.dc.ensure(r.up, false, r.eps); err != nil {
			return err
		}
		if err := r.dc.unpackAdd(r.ent, r.pv.Local, entries); err != nil {
			return err
		}
		r.pv.Local.DownloadAll(r.stream)
	} else {
		r.pv.Local.DownloadAll(r.stream)
		if r.ov != nil {
			r.ov.LocalObjects.DownloadAll(r.stream)
		}

		src := r.ent.RecvBuf.Data()
		stride := r.recordStride(r.pp, r.op)
		for d := 0; d < comm.NumDirections; d++ {
			off := int(r.ent.RecvOffsets[d]) * stride
			for g := 0; g < int(r.ent.RecvSizes[d]); g++ {
				slot := int(r.fwd.ent.Offsets[d]) + g
				e := entries[slot].DstIndex()
				base := e * r.objSize()
				for k := 0; k < r.objSize(); k++ {
					off = r.up.UnpackAdd(src, off, base+k, r.eps)
				}
				if r.uo != nil {
					off = r.uo.UnpackAdd(src, off, e, r.eps)
				}
			}
		}

		r.pv.Local.UploadAll(r.stream)
		if r.ov != nil {
			r.ov.LocalObjects.UploadAll(r.stream)
		}
	}
	if device.Verbose {
		log.Printf("reverse %s: merged %d contributions", r.pv.Name, r.ent.TotalRecv())
	}
	return nil
}

var _ exchange.Exchanger = (*ReverseExchanger)(nil)
