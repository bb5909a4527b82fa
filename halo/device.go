package halo

import (
	"fmt"

	"github.com/notargets/halox/comm"
	"github.com/notargets/halox/device"
	"github.com/notargets/halox/exchange"
	"github.com/notargets/halox/packer"
	"github.com/notargets/halox/particles"
)

// deviceChannels drives the kernel-side packing path of one pass. It
// compiles one pack/unpack program per selected channel of a record
// layout and launches them back-to-back on the participant's stream,
// reading slot maps and the exchange info tables out of device memory.
// Host-only streams never construct one; object vectors keep the host
// path because their records interleave two stores while the channel
// kernels address uniform particle records.
type deviceChannels struct {
	stream *device.Stream

	names  []string
	kerns  []*packer.Kernels
	stride int

	srcMap  *device.PinnedBuffer[int32]
	shift   *device.PinnedBuffer[float32]
	entries *device.PinnedBuffer[uint32]
}

// newDeviceChannels stages the per-direction shift table, which is
// fixed by the topology.
func newDeviceChannels(stream *device.Stream, topo *comm.GridTopology) *deviceChannels {
	dc := &deviceChannels{
		stream:  stream,
		srcMap:  device.NewPinnedBuffer[int32](stream.Device(), 0),
		shift:   device.NewPinnedBuffer[float32](stream.Device(), comm.NumDirections*3),
		entries: device.NewPinnedBuffer[uint32](stream.Device(), 0),
	}
	tab := dc.shift.Data()
	for d := 0; d < comm.NumDirections; d++ {
		s := shiftVec(topo, d)
		for ax := 0; ax < 3; ax++ {
			tab[d*3+ax] = s[ax]
		}
	}
	dc.shift.UploadToDevice(stream)
	return dc
}

// ensure compiles the kernels for the packer's current record layout.
// Already-built kernels are reused until the layout changes. shifted
// disables the coordinate shift for passes that never apply one, and
// eps is baked into the additive-merge program.
func (dc *deviceChannels) ensure(p *packer.ChannelPacker, shifted bool, eps float32) error {
	if dc.kerns != nil && dc.stride == p.Stride() {
		return nil
	}
	dc.release()

	if p.Stride()%4 != 0 {
		return fmt.Errorf("halo: record stride %d is not word granular", p.Stride())
	}
	for _, c := range p.Layout() {
		if c.ElemSize%4 != 0 {
			return fmt.Errorf("halo: channel %q element size %d is not word granular",
				c.Name, c.ElemSize)
		}
		cfg := packer.KernelConfig{
			RecordWords:  p.Stride() / 4,
			ChannelWords: c.ElemSize / 4,
			ChannelOff:   c.ByteOff / 4,
			Shift:        shifted && c.NeedShift,
			Epsilon:      eps,
		}
		k, err := packer.BuildKernels(dc.stream.Device(), cfg)
		if err != nil {
			return err
		}
		dc.names = append(dc.names, c.Name)
		dc.kerns = append(dc.kerns, k)
	}
	dc.stride = p.Stride()
	return nil
}

func (dc *deviceChannels) release() {
	for _, k := range dc.kerns {
		k.Free()
	}
	dc.names, dc.kerns, dc.stride = nil, nil, 0
}

// pack launches the packing kernels over the slot-to-source map built
// from the per-direction send lists, then pulls the packed records back
// to the host side of the send buffer for the wire.
func (dc *deviceChannels) pack(ent *exchange.Entity, sendLists *[comm.NumDirections][]int32,
	set *particles.ChannelSet) error {
	n := ent.TotalSend()
	dc.srcMap.ResizeDiscard(n)
	slots := dc.srcMap.Data()
	g := 0
	for d := 0; d < comm.NumDirections; d++ {
		for _, src := range sendLists[d] {
			slots[g] = src
			g++
		}
	}
	return dc.launchPack(ent, set, n)
}

// packSequential packs elements 0..n-1 in store order, the slot layout
// of the reverse pass.
func (dc *deviceChannels) packSequential(ent *exchange.Entity, set *particles.ChannelSet) error {
	n := ent.TotalSend()
	dc.srcMap.ResizeDiscard(n)
	slots := dc.srcMap.Data()
	for g := 0; g < n; g++ {
		slots[g] = int32(g)
	}
	return dc.launchPack(ent, set, n)
}

func (dc *deviceChannels) launchPack(ent *exchange.Entity, set *particles.ChannelSet, n int) error {
	if n == 0 {
		return nil
	}
	dc.srcMap.UploadToDevice(dc.stream)
	for i, name := range dc.names {
		c, _ := set.Channel(name)
		if err := dc.kerns[i].RunPack(n, dc.srcMap.DevMem(), ent.InfosDevMem(),
			dc.shift.DevMem(), c.DevMem(), ent.SendBuf.DevMem()); err != nil {
			return fmt.Errorf("halo: packing channel %q: %w", name, err)
		}
	}
	ent.SendBuf.DownloadFromDevice(dc.stream, device.Synchronous)
	return nil
}

// unpack pushes the received records to the device and lands them at
// consecutive destination elements starting at dstBase.
func (dc *deviceChannels) unpack(ent *exchange.Entity, set *particles.ChannelSet, dstBase int) error {
	n := ent.TotalRecv()
	if n == 0 {
		return nil
	}
	ent.RecvBuf.UploadToDevice(dc.stream)
	for i, name := range dc.names {
		c, _ := set.Channel(name)
		if err := dc.kerns[i].RunUnpack(n, dstBase, ent.RecvBuf.DevMem(), c.DevMem()); err != nil {
			return fmt.Errorf("halo: unpacking channel %q: %w", name, err)
		}
	}
	return nil
}

// unpackAdd merges the received records into the elements their map
// entries name. The entries arrive in forward send-slot order, which
// matches the reverse arrival order record for record.
func (dc *deviceChannels) unpackAdd(ent *exchange.Entity, set *particles.ChannelSet,
	entries []exchange.MapEntry) error {
	n := ent.TotalRecv()
	if n == 0 {
		return nil
	}
	dc.entries.ResizeDiscard(n)
	raw := dc.entries.Data()
	for i, e := range entries[:n] {
		raw[i] = uint32(e)
	}
	dc.entries.UploadToDevice(dc.stream)

	ent.RecvBuf.UploadToDevice(dc.stream)
	for i, name := range dc.names {
		c, _ := set.Channel(name)
		if err := dc.kerns[i].RunUnpackAdd(n, dc.entries.DevMem(),
			ent.RecvBuf.DevMem(), c.DevMem()); err != nil {
			return fmt.Errorf("halo: merging channel %q: %w", name, err)
		}
	}
	return nil
}
