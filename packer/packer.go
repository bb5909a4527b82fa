// Package packer serializes particle channels into the flat
// per-element wire records carried by the exchange buffers. A packer
// binds to one channel store, selects the channels taking part in a
// pass, and fixes the byte layout of one record: the selected channels
// back-to-back in registration order. The host path below is the
// reference implementation; the OKL generators in kernels.go emit the
// device equivalents operating on the same byte layout.
package packer

import (
	"fmt"
	"unsafe"

	"github.com/notargets/halox/particles"
)

// DefaultEpsilon is the additive-merge guard threshold: incoming
// float lanes smaller in magnitude are treated as zero and skipped, so
// a reverse pass carrying no real contribution leaves the destination
// bit-identical.
const DefaultEpsilon float32 = 1e-6

// ChannelPacker fixes the wire record layout of one store.
type ChannelPacker struct {
	set   *particles.ChannelSet
	allow map[string]bool // nil selects every channel

	names   []string
	chans   []*particles.Channel
	offsets []int // byte offset of each selected channel in the record
	stride  int
}

// NewChannelPacker binds a packer to a store. A nil allow slice selects
// every registered channel; otherwise only the named channels are
// packed, still in the store's registration order.
func NewChannelPacker(set *particles.ChannelSet, allow []string) *ChannelPacker {
	p := &ChannelPacker{set: set}
	if allow != nil {
		p.allow = make(map[string]bool, len(allow))
		for _, name := range allow {
			if _, ok := set.Channel(name); !ok {
				panic(fmt.Sprintf("packer: allow list names unknown channel %q", name))
			}
			p.allow[name] = true
		}
	}
	p.Update()
	return p
}

// Update rebuilds the record layout from the store's current channel
// registration. Call it after channels are added to the store.
func (p *ChannelPacker) Update() {
	p.names = p.names[:0]
	p.chans = p.chans[:0]
	p.offsets = p.offsets[:0]
	p.stride = 0
	for _, name := range p.set.Names() {
		if p.allow != nil && !p.allow[name] {
			continue
		}
		c, _ := p.set.Channel(name)
		p.names = append(p.names, name)
		p.chans = append(p.chans, c)
		p.offsets = append(p.offsets, p.stride)
		p.stride += c.ElemSize
	}
}

// Stride returns the record byte size.
func (p *ChannelPacker) Stride() int { return p.stride }

// Names returns the selected channel names in record order.
func (p *ChannelPacker) Names() []string { return p.names }

// ChannelLayout describes one selected channel's place in the wire
// record. Device kernel builders consume it to parameterize one kernel
// per channel.
type ChannelLayout struct {
	Name      string
	ByteOff   int
	ElemSize  int
	NeedShift bool
}

// Layout returns the record layout in channel order.
func (p *ChannelPacker) Layout() []ChannelLayout {
	out := make([]ChannelLayout, len(p.chans))
	for i, c := range p.chans {
		out[i] = ChannelLayout{
			Name:      c.Name,
			ByteOff:   p.offsets[i],
			ElemSize:  c.ElemSize,
			NeedShift: c.NeedShift,
		}
	}
	return out
}

// PackElement serializes element src into dst at byte offset off,
// adding shift to coordinate channels, and returns the offset past the
// written record.
func (p *ChannelPacker) PackElement(src int, dst []byte, off int, shift particles.Vec3) int {
	for i, c := range p.chans {
		rec := dst[off+p.offsets[i] : off+p.offsets[i]+c.ElemSize]
		copy(rec, c.ElemBytes(src))
		if c.NeedShift {
			v := (*particles.Vec3)(unsafe.Pointer(&rec[0]))
			for ax := 0; ax < 3; ax++ {
				v[ax] += shift[ax]
			}
		}
	}
	return off + p.stride
}

// UnpackOverwrite deserializes the record at byte offset off into
// element dst, replacing its channel values, and returns the offset
// past the record.
func (p *ChannelPacker) UnpackOverwrite(src []byte, off int, dst int) int {
	for i, c := range p.chans {
		copy(c.ElemBytes(dst), src[off+p.offsets[i]:off+p.offsets[i]+c.ElemSize])
	}
	return off + p.stride
}

// UnpackAdd merges the record at byte offset off into element dst
// lane-wise: every selected channel is treated as float32 lanes and
// each incoming lane s with |s| >= eps is added to the destination
// lane. The caller selects only float-valued channels for additive
// passes. Returns the offset past the record.
func (p *ChannelPacker) UnpackAdd(src []byte, off int, dst int, eps float32) int {
	for i, c := range p.chans {
		if c.ElemSize%particles.Float32Size != 0 {
			panic(fmt.Sprintf("packer: channel %q element size %d is not float lanes",
				c.Name, c.ElemSize))
		}
		rec := src[off+p.offsets[i] : off+p.offsets[i]+c.ElemSize]
		dstBytes := c.ElemBytes(dst)
		lanes := c.ElemSize / particles.Float32Size
		in := unsafe.Slice((*float32)(unsafe.Pointer(&rec[0])), lanes)
		out := unsafe.Slice((*float32)(unsafe.Pointer(&dstBytes[0])), lanes)
		for l := 0; l < lanes; l++ {
			s := in[l]
			if s < eps && s > -eps {
				continue
			}
			out[l] += s
		}
	}
	return off + p.stride
}
