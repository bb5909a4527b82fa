package exchange

import (
	"fmt"

	"github.com/notargets/halox/comm"
)

// BucketSearch resolves a global element index to the direction bucket
// it belongs to: the unique d with offsets[d] <= g < offsets[d+1].
// Packing kernels run the same bisection over an offset table staged in
// fast shared memory, which keeps the per-block working set small and
// avoids a global index-to-direction lookup table. Allocation-free.
func BucketSearch(offsets *[comm.NumDirections + 1]int32, g int32) int {
	lo, hi := 0, comm.NumDirections // invariant: offsets[lo] <= g < offsets[hi]
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if offsets[mid] <= g {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// MapEntry compactly encodes the direction and destination local index
// of one transferred element, recorded during the halo pass and
// consumed by the reverse pass to route a contribution back to its
// origin without any auxiliary search.
type MapEntry uint32

const (
	mapDirShift  = 27
	mapIndexMask = 1<<mapDirShift - 1

	// MaxMapIndex bounds local indices representable in a MapEntry.
	MaxMapIndex = mapIndexMask
)

// NewMapEntry packs a direction bucket and a destination local index.
func NewMapEntry(dir, dstIndex int) MapEntry {
	if dstIndex < 0 || dstIndex > MaxMapIndex {
		panic(fmt.Sprintf("exchange: map index %d outside 27-bit range", dstIndex))
	}
	return MapEntry(uint32(dir)<<mapDirShift | uint32(dstIndex))
}

// Direction returns the encoded direction bucket.
func (m MapEntry) Direction() int { return int(m >> mapDirShift) }

// DstIndex returns the encoded destination local index.
func (m MapEntry) DstIndex() int { return int(m & mapIndexMask) }
