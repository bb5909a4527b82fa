package device

import (
	"log"
	"unsafe"
)

// GenericCopyToHost copies any container's current contents into a host
// buffer without knowing the source element type. The element byte sizes
// must be compatible: the source size must be a multiple of the
// destination size. Incompatible sizes abort the run, since a silent
// reinterpretation would corrupt simulation data.
func GenericCopyToHost[T any](dst *HostBuffer[T], src Container, stream *Stream) {
	srcElem := src.ElemSize()
	dstElem := dst.ElemSize()
	if srcElem%dstElem != 0 {
		log.Panicf("device: incompatible element sizes when copying: %d %% %d != 0",
			srcElem, dstElem)
	}

	factor := srcElem / dstElem
	dst.Resize(src.Size() * factor)
	if dst.size == 0 {
		return
	}

	if mem := src.DevMem(); mem != nil {
		stream.bind()
		mem.CopyTo(unsafe.Pointer(&dst.buf[0]), int64(dst.size*dstElem))
		return
	}
	copy(dst.HostBytes(), src.HostBytes())
}
