package comm

import (
	"fmt"
	"sync"

	"github.com/btracey/mpi"
)

// MPIComm is the production Communicator, carried over the mpi package's
// blocking point-to-point sends and receives. mpi.Init must have been
// called by the owning simulation before the first exchange.
//
// Each participant owns one MPIComm constructed with a distinct tag
// base, so concurrent participant exchanges on independent streams
// never collide on {destination, tag} pairs.
type MPIComm struct {
	tagBase int
}

var _ Communicator = (*MPIComm)(nil)

// Tag layout: tagBase + phase*NumDirections + senderDir.
const (
	phaseSizes = iota
	phasePayload
	phaseCount
)

// NewMPIComm creates an MPI-backed endpoint. participantID must be
// unique per attached participant and identical on all ranks.
func NewMPIComm(participantID int) *MPIComm {
	return &MPIComm{tagBase: participantID * phaseCount * NumDirections}
}

func (c *MPIComm) Rank() int { return mpi.Rank() }
func (c *MPIComm) Size() int { return mpi.Size() }

func (c *MPIComm) tag(phase, senderDir int) int {
	return c.tagBase + phase*NumDirections + senderDir
}

// exchange posts one raw send per live direction from goroutines, then
// collects the paired receives, so that synchronous transports cannot
// deadlock on send ordering.
func (c *MPIComm) exchange(topo *GridTopology, phase int,
	payload func(dir int) []byte) ([NumDirections][]byte, error) {

	var recv [NumDirections][]byte
	var wg sync.WaitGroup
	sendErrs := make([]error, NumDirections)

	for dir := 0; dir < NumDirections; dir++ {
		if dir == SelfDirection {
			continue
		}
		dst := topo.NeighborRank(dir)
		if dst < 0 {
			continue
		}
		wg.Add(1)
		go func(dir, dst int) {
			defer wg.Done()
			sendErrs[dir] = mpi.Send(mpi.Raw(payload(dir)), dst, c.tag(phase, dir))
		}(dir, dst)
	}

	var recvErr error
	for dir := 0; dir < NumDirections; dir++ {
		if dir == SelfDirection {
			continue
		}
		src := topo.NeighborRank(dir)
		if src < 0 {
			continue
		}
		var data mpi.Raw
		if err := mpi.Receive(&data, src, c.tag(phase, InverseDirection(dir))); err != nil {
			recvErr = fmt.Errorf("comm: receive from rank %d direction %d: %w", src, dir, err)
			break
		}
		recv[dir] = data
	}

	wg.Wait()
	if recvErr != nil {
		return recv, recvErr
	}
	for dir, err := range sendErrs {
		if err != nil {
			return recv, fmt.Errorf("comm: send toward direction %d: %w", dir, err)
		}
	}
	return recv, nil
}

// ExchangeSizes implements Communicator.
func (c *MPIComm) ExchangeSizes(topo *GridTopology, sendSizes *[NumDirections]int32) ([NumDirections]int32, error) {
	var recv [NumDirections]int32
	raw, err := c.exchange(topo, phaseSizes, func(dir int) []byte {
		return encodeSize(sendSizes[dir])
	})
	if err != nil {
		return recv, err
	}
	for dir := 0; dir < NumDirections; dir++ {
		if raw[dir] == nil {
			continue
		}
		if len(raw[dir]) != 4 {
			return recv, fmt.Errorf("comm: malformed size message on direction %d: %d bytes",
				dir, len(raw[dir]))
		}
		recv[dir] = decodeSize(raw[dir])
	}
	return recv, nil
}

// ExchangeBytes implements Communicator.
func (c *MPIComm) ExchangeBytes(topo *GridTopology, send *[NumDirections][]byte,
	expectBytes *[NumDirections]int) ([NumDirections][]byte, error) {

	recv, err := c.exchange(topo, phasePayload, func(dir int) []byte {
		return send[dir]
	})
	if err != nil {
		return recv, err
	}
	for dir := 0; dir < NumDirections; dir++ {
		if dir == SelfDirection || topo.NeighborRank(dir) < 0 {
			continue
		}
		if len(recv[dir]) != expectBytes[dir] {
			return recv, sizeMismatchError(dir, len(recv[dir]), expectBytes[dir])
		}
	}
	return recv, nil
}
