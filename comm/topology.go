package comm

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// GridTopology places each rank in a 3D grid of subdomains and answers
// which rank sits behind each of the 26 neighbor directions. Subdomain
// geometry is supplied by the owning simulation; positions are kept in
// the rank-local frame [0, LocalExtent) per axis.
type GridTopology struct {
	Dims     [3]int  // ranks per axis
	Periodic [3]bool // per-axis periodic boundary conditions
	Global   r3.Vec  // full physical domain extent

	rank   int
	coords [3]int
}

// NewGridTopology builds the topology view for one rank. Ranks are
// laid out x-major: rank = (cx*Dims[1] + cy)*Dims[2] + cz.
func NewGridTopology(rank int, dims [3]int, periodic [3]bool, global r3.Vec) (*GridTopology, error) {
	total := dims[0] * dims[1] * dims[2]
	if dims[0] < 1 || dims[1] < 1 || dims[2] < 1 {
		return nil, fmt.Errorf("invalid rank grid %v", dims)
	}
	if rank < 0 || rank >= total {
		return nil, fmt.Errorf("rank %d outside grid of %d ranks", rank, total)
	}

	t := &GridTopology{
		Dims:     dims,
		Periodic: periodic,
		Global:   global,
		rank:     rank,
	}
	t.coords[0] = rank / (dims[1] * dims[2])
	t.coords[1] = (rank / dims[2]) % dims[1]
	t.coords[2] = rank % dims[2]
	return t, nil
}

// Rank returns this process's rank.
func (t *GridTopology) Rank() int { return t.rank }

// NumRanks returns the total number of cooperating processes.
func (t *GridTopology) NumRanks() int { return t.Dims[0] * t.Dims[1] * t.Dims[2] }

// Coords returns this rank's grid coordinates.
func (t *GridTopology) Coords() [3]int { return t.coords }

// LocalExtent returns the physical extent of one subdomain.
func (t *GridTopology) LocalExtent() r3.Vec {
	return r3.Vec{
		X: t.Global.X / float64(t.Dims[0]),
		Y: t.Global.Y / float64(t.Dims[1]),
		Z: t.Global.Z / float64(t.Dims[2]),
	}
}

// NeighborRank returns the rank behind a direction bucket, or -1 when
// the direction crosses a non-periodic domain wall. The self bucket
// maps to this rank.
func (t *GridTopology) NeighborRank(dir int) int {
	dx, dy, dz := DirectionOffset(dir)
	off := [3]int{dx, dy, dz}

	var c [3]int
	for ax := 0; ax < 3; ax++ {
		c[ax] = t.coords[ax] + off[ax]
		if c[ax] < 0 || c[ax] >= t.Dims[ax] {
			if !t.Periodic[ax] {
				return -1
			}
			c[ax] = (c[ax] + t.Dims[ax]) % t.Dims[ax]
		}
	}
	return (c[0]*t.Dims[1]+c[1])*t.Dims[2] + c[2]
}

// Shift returns the position correction applied to an element packed
// toward dir, so that its coordinates land in the destination rank's
// local frame.
func (t *GridTopology) Shift(dir int) r3.Vec {
	dx, dy, dz := DirectionOffset(dir)
	ext := t.LocalExtent()
	return r3.Vec{
		X: -float64(dx) * ext.X,
		Y: -float64(dy) * ext.Y,
		Z: -float64(dz) * ext.Z,
	}
}
