package comm

import (
	"encoding/binary"
	"fmt"
)

// Communicator moves exchange data between ranks as a two-phase
// protocol: per-direction element counts first, then the packed payload
// bytes. Both calls block until the paired communication completes; a
// stalled collective is unrecoverable by design, so no deadline or
// retry semantics exist here. The interface takes explicit sizes so a
// deadline could later be added without changing the contract.
//
// A rank with nothing to say in some direction still participates with
// a zero-length message, keeping all ranks in lockstep.
type Communicator interface {
	Rank() int
	Size() int

	// ExchangeSizes swaps sendSizes[d] with the neighbor behind every
	// direction and returns what will arrive from each: recvSizes[d] is
	// the element count the neighbor at dir d packed toward this rank.
	// Directions with no neighbor, and the self bucket, come back zero.
	ExchangeSizes(topo *GridTopology, sendSizes *[NumDirections]int32) ([NumDirections]int32, error)

	// ExchangeBytes sends each direction's payload slice and returns the
	// received payloads, validating each against expectBytes[d]. A
	// length mismatch means ranks disagree on buffer bookkeeping and is
	// fatal to the run.
	ExchangeBytes(topo *GridTopology, send *[NumDirections][]byte,
		expectBytes *[NumDirections]int) ([NumDirections][]byte, error)
}

// sizeMismatchError reports a payload that disagrees with the size
// exchange that preceded it.
func sizeMismatchError(dir, got, want int) error {
	return fmt.Errorf("comm: payload for direction %d is %d bytes, size exchange announced %d",
		dir, got, want)
}

func encodeSize(n int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(n))
	return buf
}

func decodeSize(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}
