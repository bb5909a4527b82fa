// Package particles is the entity store collaborator of the exchange
// engine: GPU-resident particle and object vectors exposing their
// attribute data as named channels. Channels keep a flat byte layout
// with identical indexing on host and device so packing kernels and the
// host reference path see the same bytes.
package particles

import (
	"fmt"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/notargets/halox/device"
)

// Well-known channel names.
const (
	ChannelPositions  = "positions"
	ChannelVelocities = "velocities"
	ChannelForces     = "forces"
	ChannelIDs        = "ids"
)

// Vec3 is the storage layout of vector-of-3 float channels.
type Vec3 [3]float32

// Vec3Size and the other layout constants are the supported per-element
// channel byte widths.
const (
	Vec3Size    = 12
	Float32Size = 4
	Int64Size   = 8
)

// Channel is one named attribute array of a store. NeedShift marks
// channels holding frame-local coordinates, which receive the
// subdomain shift when packed toward a neighbor.
type Channel struct {
	Name      string
	ElemSize  int
	NeedShift bool

	buf *device.PinnedBuffer[byte]
}

// Bytes returns the channel's host bytes for its current element count.
func (c *Channel) Bytes() []byte { return c.buf.Data() }

// ElemBytes returns the bytes of element i.
func (c *Channel) ElemBytes(i int) []byte {
	return c.buf.Data()[i*c.ElemSize : (i+1)*c.ElemSize]
}

// DevMem returns the channel's device allocation, nil when running
// host-only.
func (c *Channel) DevMem() *gocca.OCCAMemory { return c.buf.DevMem() }

// Upload pushes the channel's host bytes to the device.
func (c *Channel) Upload(stream *device.Stream) { c.buf.UploadToDevice(stream) }

// Download pulls the channel's device bytes to the host.
func (c *Channel) Download(stream *device.Stream) {
	c.buf.DownloadFromDevice(stream, device.Synchronous)
}

// ChannelSet is one store (local or halo) of a participant: an ordered
// collection of equally-sized channels sharing one element count.
type ChannelSet struct {
	dev      *gocca.OCCADevice
	count    int
	order    []string
	channels map[string]*Channel
}

// NewChannelSet creates an empty store backed by the given device (nil
// for host-only).
func NewChannelSet(dev *gocca.OCCADevice) *ChannelSet {
	return &ChannelSet{dev: dev, channels: make(map[string]*Channel)}
}

// AddChannel registers a named channel with a fixed per-element byte
// size. Registration order is the canonical channel order.
func (cs *ChannelSet) AddChannel(name string, elemSize int, needShift bool) *Channel {
	if _, exists := cs.channels[name]; exists {
		panic(fmt.Sprintf("particles: channel %q registered twice", name))
	}
	c := &Channel{
		Name:      name,
		ElemSize:  elemSize,
		NeedShift: needShift,
		buf:       device.NewPinnedBuffer[byte](cs.dev, cs.count*elemSize),
	}
	cs.channels[name] = c
	cs.order = append(cs.order, name)
	return c
}

// Channel looks a channel up by name.
func (cs *ChannelSet) Channel(name string) (*Channel, bool) {
	c, ok := cs.channels[name]
	return c, ok
}

// Names returns channel names in registration order.
func (cs *ChannelSet) Names() []string { return cs.order }

// Count returns the store's element count.
func (cs *ChannelSet) Count() int { return cs.count }

// Resize sets the element count on every channel, preserving content.
func (cs *ChannelSet) Resize(n int, stream *device.Stream) {
	cs.count = n
	for _, name := range cs.order {
		c := cs.channels[name]
		c.buf.Resize(n*c.ElemSize, stream)
	}
}

// ResizeDiscard grows every channel without preserving content.
func (cs *ChannelSet) ResizeDiscard(n int) {
	cs.count = n
	for _, name := range cs.order {
		c := cs.channels[name]
		c.buf.ResizeDiscard(n * c.ElemSize)
	}
}

// Clear zeroes all channels host-side.
func (cs *ChannelSet) Clear() {
	for _, name := range cs.order {
		cs.channels[name].buf.ClearHost()
	}
}

// UploadAll pushes every channel to the device.
func (cs *ChannelSet) UploadAll(stream *device.Stream) {
	for _, name := range cs.order {
		cs.channels[name].buf.UploadToDevice(stream)
	}
}

// DownloadAll pulls every channel from the device.
func (cs *ChannelSet) DownloadAll(stream *device.Stream) {
	for _, name := range cs.order {
		cs.channels[name].buf.DownloadFromDevice(stream, device.Synchronous)
	}
}

// CompactKeep drops every element whose keep flag is false, preserving
// the relative order of survivors, and shrinks the element count.
// Returns the new count. Capacity is retained.
func (cs *ChannelSet) CompactKeep(keep []bool) int {
	if len(keep) != cs.count {
		panic(fmt.Sprintf("particles: keep mask has %d entries for %d elements",
			len(keep), cs.count))
	}
	for _, name := range cs.order {
		c := cs.channels[name]
		data := c.Bytes()
		dst := 0
		for src := 0; src < cs.count; src++ {
			if !keep[src] {
				continue
			}
			if dst != src {
				copy(data[dst*c.ElemSize:(dst+1)*c.ElemSize], data[src*c.ElemSize:(src+1)*c.ElemSize])
			}
			dst++
		}
	}
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	cs.count = n
	for _, name := range cs.order {
		c := cs.channels[name]
		c.buf.Resize(n*c.ElemSize, nil)
	}
	return n
}

// Vec3Data reinterprets a 12-byte channel as [3]float32 elements.
func (cs *ChannelSet) Vec3Data(name string) []Vec3 {
	c := cs.mustChannel(name, Vec3Size)
	b := c.Bytes()
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*Vec3)(unsafe.Pointer(&b[0])), cs.count)
}

// Float32Data reinterprets a 4-byte channel as float32 elements.
func (cs *ChannelSet) Float32Data(name string) []float32 {
	c := cs.mustChannel(name, Float32Size)
	b := c.Bytes()
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), cs.count)
}

// Int64Data reinterprets an 8-byte channel as int64 elements.
func (cs *ChannelSet) Int64Data(name string) []int64 {
	c := cs.mustChannel(name, Int64Size)
	b := c.Bytes()
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b[0])), cs.count)
}

func (cs *ChannelSet) mustChannel(name string, elemSize int) *Channel {
	c, ok := cs.channels[name]
	if !ok {
		panic(fmt.Sprintf("particles: unknown channel %q", name))
	}
	if c.ElemSize != elemSize {
		panic(fmt.Sprintf("particles: channel %q has element size %d, accessor expects %d",
			name, c.ElemSize, elemSize))
	}
	return c
}
