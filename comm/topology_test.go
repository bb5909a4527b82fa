package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestDirectionRoundTrip(t *testing.T) {
	seen := make(map[int]bool)
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				dir := DirectionIndex(dx, dy, dz)
				require.True(t, dir >= 0 && dir < NumDirections)
				require.False(t, seen[dir], "duplicate direction index %d", dir)
				seen[dir] = true

				gx, gy, gz := DirectionOffset(dir)
				assert.Equal(t, [3]int{dx, dy, dz}, [3]int{gx, gy, gz})
			}
		}
	}
	assert.Equal(t, SelfDirection, DirectionIndex(0, 0, 0))
}

func TestInverseDirection(t *testing.T) {
	for dir := 0; dir < NumDirections; dir++ {
		dx, dy, dz := DirectionOffset(dir)
		inv := InverseDirection(dir)
		ix, iy, iz := DirectionOffset(inv)
		assert.Equal(t, [3]int{-dx, -dy, -dz}, [3]int{ix, iy, iz})
		assert.Equal(t, dir, InverseDirection(inv))
	}
	assert.Equal(t, SelfDirection, InverseDirection(SelfDirection))
}

func TestGridTopologyNeighbors(t *testing.T) {
	dims := [3]int{2, 2, 2}
	global := r3.Vec{X: 8, Y: 8, Z: 8}

	t.Run("NonPeriodicWalls", func(t *testing.T) {
		topo, err := NewGridTopology(0, dims, [3]bool{}, global)
		require.NoError(t, err)
		require.Equal(t, [3]int{0, 0, 0}, topo.Coords())

		// Rank 0 sits at the low corner: every negative offset hits a wall
		assert.Equal(t, -1, topo.NeighborRank(DirectionIndex(-1, 0, 0)))
		assert.Equal(t, -1, topo.NeighborRank(DirectionIndex(0, -1, 0)))
		assert.Equal(t, -1, topo.NeighborRank(DirectionIndex(-1, -1, -1)))

		assert.Equal(t, 4, topo.NeighborRank(DirectionIndex(1, 0, 0)))
		assert.Equal(t, 2, topo.NeighborRank(DirectionIndex(0, 1, 0)))
		assert.Equal(t, 1, topo.NeighborRank(DirectionIndex(0, 0, 1)))
		assert.Equal(t, 7, topo.NeighborRank(DirectionIndex(1, 1, 1)))
		assert.Equal(t, 0, topo.NeighborRank(SelfDirection))
	})

	t.Run("PeriodicWrap", func(t *testing.T) {
		topo, err := NewGridTopology(0, dims, [3]bool{true, true, true}, global)
		require.NoError(t, err)
		// With two ranks per axis the wrap lands on the same neighbor
		// as the positive offset
		assert.Equal(t, 4, topo.NeighborRank(DirectionIndex(-1, 0, 0)))
		assert.Equal(t, 7, topo.NeighborRank(DirectionIndex(-1, -1, -1)))
	})

	t.Run("NeighborSymmetry", func(t *testing.T) {
		// If B is A's neighbor at dir, A is B's neighbor at the inverse
		for rank := 0; rank < 8; rank++ {
			a, err := NewGridTopology(rank, dims, [3]bool{true, true, true}, global)
			require.NoError(t, err)
			for dir := 0; dir < NumDirections; dir++ {
				n := a.NeighborRank(dir)
				require.GreaterOrEqual(t, n, 0)
				b, err := NewGridTopology(n, dims, [3]bool{true, true, true}, global)
				require.NoError(t, err)
				assert.Equal(t, rank, b.NeighborRank(InverseDirection(dir)))
			}
		}
	})
}

func TestGridTopologyGeometry(t *testing.T) {
	topo, err := NewGridTopology(0, [3]int{2, 4, 1}, [3]bool{}, r3.Vec{X: 8, Y: 8, Z: 8})
	require.NoError(t, err)

	ext := topo.LocalExtent()
	assert.Equal(t, r3.Vec{X: 4, Y: 2, Z: 8}, ext)

	// A particle packed toward +x lands in the neighbor's frame shifted
	// down by one subdomain extent
	shift := topo.Shift(DirectionIndex(1, 0, 0))
	assert.Equal(t, r3.Vec{X: -4, Y: 0, Z: 0}, shift)

	shift = topo.Shift(DirectionIndex(-1, 1, 0))
	assert.Equal(t, r3.Vec{X: 4, Y: -2, Z: 0}, shift)

	assert.Equal(t, r3.Vec{}, topo.Shift(SelfDirection))
}

func TestGridTopologyValidation(t *testing.T) {
	_, err := NewGridTopology(8, [3]int{2, 2, 2}, [3]bool{}, r3.Vec{})
	assert.Error(t, err)
	_, err = NewGridTopology(0, [3]int{0, 2, 2}, [3]bool{}, r3.Vec{})
	assert.Error(t, err)
}
