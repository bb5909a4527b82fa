package comm

import (
	"fmt"
)

// message is one hop of the loopback fabric. dir is the direction the
// sender packed toward, which the receiver uses to match the message to
// its own direction bucket.
type message struct {
	dir  int32
	data []byte
}

// LoopbackFabric connects a set of in-process ranks with per-pair FIFO
// channels. It serves multi-rank tests and single-process runs; a
// production deployment swaps in the MPI-backed communicator without
// touching the exchange pipeline. One fabric must be owned by exactly
// one participant so concurrent participant exchanges never interleave.
type LoopbackFabric struct {
	size  int
	chans [][]chan message // chans[src][dst]
}

// NewLoopbackFabric wires n in-process ranks together.
func NewLoopbackFabric(n int) *LoopbackFabric {
	f := &LoopbackFabric{size: n, chans: make([][]chan message, n)}
	for src := 0; src < n; src++ {
		f.chans[src] = make([]chan message, n)
		for dst := 0; dst < n; dst++ {
			// Roomy enough that a rank running one operation ahead
			// never blocks mid-post
			f.chans[src][dst] = make(chan message, 2*NumDirections)
		}
	}
	return f
}

// Rank returns the communicator endpoint for one rank of the fabric.
func (f *LoopbackFabric) Rank(r int) *Loopback {
	return &Loopback{
		fabric:  f,
		rank:    r,
		pending: make(map[pendingKey][][]byte),
	}
}

type pendingKey struct {
	src int
	dir int32
}

// Loopback is the in-process Communicator endpoint of one rank.
type Loopback struct {
	fabric  *LoopbackFabric
	rank    int
	pending map[pendingKey][][]byte // out-of-order arrivals, FIFO per key
}

var _ Communicator = (*Loopback)(nil)

func (l *Loopback) Rank() int { return l.rank }
func (l *Loopback) Size() int { return l.fabric.size }

func (l *Loopback) send(dst int, dir int32, data []byte) {
	l.fabric.chans[l.rank][dst] <- message{dir: dir, data: data}
}

// recv returns the next message src sent toward senderDir, buffering
// messages for other directions that arrive ahead of it. Successive
// exchanges may overlap across ranks, so several messages can be
// queued per key; FIFO order per key is what pairs each message with
// the right operation.
func (l *Loopback) recv(src int, senderDir int32) []byte {
	key := pendingKey{src, senderDir}
	if q := l.pending[key]; len(q) > 0 {
		data := q[0]
		l.pending[key] = q[1:]
		return data
	}
	ch := l.fabric.chans[src][l.rank]
	for {
		msg := <-ch
		if msg.dir == senderDir {
			return msg.data
		}
		k := pendingKey{src, msg.dir}
		l.pending[k] = append(l.pending[k], msg.data)
	}
}

// ExchangeSizes implements Communicator.
func (l *Loopback) ExchangeSizes(topo *GridTopology, sendSizes *[NumDirections]int32) ([NumDirections]int32, error) {
	var recv [NumDirections]int32
	if topo.Rank() != l.rank {
		return recv, fmt.Errorf("comm: topology rank %d does not match endpoint rank %d",
			topo.Rank(), l.rank)
	}

	// Post all sizes, then collect. The buffered channels make the send
	// phase non-blocking so all ranks can post before any collects.
	for dir := 0; dir < NumDirections; dir++ {
		if dir == SelfDirection {
			continue
		}
		dst := topo.NeighborRank(dir)
		if dst < 0 {
			continue
		}
		l.send(dst, int32(dir), encodeSize(sendSizes[dir]))
	}

	for dir := 0; dir < NumDirections; dir++ {
		if dir == SelfDirection {
			continue
		}
		src := topo.NeighborRank(dir)
		if src < 0 {
			continue
		}
		data := l.recv(src, int32(InverseDirection(dir)))
		if len(data) != 4 {
			return recv, fmt.Errorf("comm: malformed size message from rank %d: %d bytes", src, len(data))
		}
		recv[dir] = decodeSize(data)
	}
	return recv, nil
}

// ExchangeBytes implements Communicator.
func (l *Loopback) ExchangeBytes(topo *GridTopology, send *[NumDirections][]byte,
	expectBytes *[NumDirections]int) ([NumDirections][]byte, error) {

	var recv [NumDirections][]byte
	for dir := 0; dir < NumDirections; dir++ {
		if dir == SelfDirection {
			continue
		}
		dst := topo.NeighborRank(dir)
		if dst < 0 {
			continue
		}
		// Copy so the sender may reuse its buffer immediately
		payload := make([]byte, len(send[dir]))
		copy(payload, send[dir])
		l.send(dst, int32(dir), payload)
	}

	for dir := 0; dir < NumDirections; dir++ {
		if dir == SelfDirection {
			continue
		}
		src := topo.NeighborRank(dir)
		if src < 0 {
			continue
		}
		data := l.recv(src, int32(InverseDirection(dir)))
		if len(data) != expectBytes[dir] {
			return recv, sizeMismatchError(dir, len(data), expectBytes[dir])
		}
		recv[dir] = data
	}
	return recv, nil
}
