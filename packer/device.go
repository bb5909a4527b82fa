package packer

import (
	"fmt"

	"github.com/notargets/gocca"
)

// DefaultBlockSize is the @inner width used when a KernelConfig leaves
// BlockSize zero.
const DefaultBlockSize = 128

// Kernels holds the compiled pack/unpack programs of one channel's
// record layout. They are built once per participant channel and
// reused every pass; only the launch arguments change.
type Kernels struct {
	Pack      *gocca.OCCAKernel
	Unpack    *gocca.OCCAKernel
	UnpackAdd *gocca.OCCAKernel
}

// BuildKernels compiles the three OKL kernels of one channel layout on
// the given device.
func BuildKernels(dev *gocca.OCCADevice, cfg KernelConfig) (*Kernels, error) {
	if dev == nil {
		return nil, fmt.Errorf("packer: building kernels without a device")
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	defines := GetKernelDefines(cfg)

	k := &Kernels{}
	var err error
	if k.Pack, err = dev.BuildKernelFromString(defines+GetPackKernel(cfg), "packChannel", nil); err != nil {
		return nil, fmt.Errorf("packer: building packChannel: %w", err)
	}
	if k.Unpack, err = dev.BuildKernelFromString(defines+GetUnpackKernel(cfg), "unpackChannel", nil); err != nil {
		return nil, fmt.Errorf("packer: building unpackChannel: %w", err)
	}
	if k.UnpackAdd, err = dev.BuildKernelFromString(defines+GetUnpackAddKernel(cfg), "unpackChannelAdd", nil); err != nil {
		return nil, fmt.Errorf("packer: building unpackChannelAdd: %w", err)
	}
	return k, nil
}

// RunPack launches the forward packing kernel: n send slots, the
// slot-to-source map, the uploaded exchange info table (the kernel
// reads the send offsets out of it), the 27x3 shift table, the channel
// data and the send buffer.
func (k *Kernels) RunPack(n int, srcMap, exchInfos, shiftTable, src, sendBuf *gocca.OCCAMemory) error {
	return k.Pack.RunWithArgs(n, srcMap, exchInfos, shiftTable, src, sendBuf)
}

// RunUnpack launches the overwrite unpacking kernel, landing n records
// at consecutive elements from dstBase.
func (k *Kernels) RunUnpack(n, dstBase int, recvBuf, dst *gocca.OCCAMemory) error {
	return k.Unpack.RunWithArgs(n, dstBase, recvBuf, dst)
}

// RunUnpackAdd launches the additive unpacking kernel, routing each
// record through its map entry.
func (k *Kernels) RunUnpackAdd(n int, mapEntries, recvBuf, dst *gocca.OCCAMemory) error {
	return k.UnpackAdd.RunWithArgs(n, mapEntries, recvBuf, dst)
}

// Free releases the compiled kernels.
func (k *Kernels) Free() {
	for _, kern := range []*gocca.OCCAKernel{k.Pack, k.Unpack, k.UnpackAdd} {
		if kern != nil {
			kern.Free()
		}
	}
	k.Pack, k.Unpack, k.UnpackAdd = nil, nil, nil
}
