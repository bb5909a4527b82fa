package halo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/halox/comm"
	"github.com/notargets/halox/device"
	"github.com/notargets/halox/exchange"
	"github.com/notargets/halox/particles"
)

func TestRedistributeTwoRanks(t *testing.T) {
	totals := make(chan int, 2)
	runRanks(t, 2, func(rank int, fabric *comm.LoopbackFabric) error {
		topo, err := comm.NewGridTopology(rank, [3]int{2, 1, 1},
			[3]bool{true, false, false}, r3.Vec{X: 8, Y: 4, Z: 4})
		if err != nil {
			return err
		}
		stream := device.NewStream(nil)

		pv := particles.NewParticleVector("pv", nil, 2)
		pos := pv.Local.Vec3Data(particles.ChannelPositions)
		ids := pv.Local.Int64Data(particles.ChannelIDs)
		pos[0] = particles.Vec3{2, 2, 2} // stays
		ids[0] = int64(10 + rank)
		if rank == 0 {
			pos[1] = particles.Vec3{4.25, 2, 2} // crossed +x into rank 1
		} else {
			pos[1] = particles.Vec3{-0.5, 2, 2} // crossed -x into rank 0
		}
		ids[1] = int64(20 + rank)

		red, err := NewRedistributor(pv, nil, topo, fabric.Rank(rank), stream, 1)
		if err != nil {
			return err
		}
		if err := exchange.Run(0, red); err != nil {
			return err
		}

		assert.Equal(t, 2, pv.LocalSize())
		pos = pv.Local.Vec3Data(particles.ChannelPositions)
		ids = pv.Local.Int64Data(particles.ChannelIDs)
		assert.Equal(t, int64(10+rank), ids[0], "survivor compacted to the front")
		assert.Equal(t, int64(20+(1-rank)), ids[1], "arrival appended after survivors")
		if rank == 0 {
			assert.Equal(t, particles.Vec3{3.5, 2, 2}, pos[1], "rebased into the local frame")
		} else {
			assert.Equal(t, particles.Vec3{0.25, 2, 2}, pos[1])
		}
		totals <- pv.LocalSize()
		return nil
	})
	assert.Equal(t, 4, <-totals+<-totals, "redistribution conserves the particle count")
}

func TestRedistributeEdgeAndCornerCrossings(t *testing.T) {
	topo := singleRankTopo(t, r3.Vec{X: 4, Y: 4, Z: 4})
	fabric := comm.NewLoopbackFabric(1)

	pv := particles.NewParticleVector("pv", nil, 3)
	pos := pv.Local.Vec3Data(particles.ChannelPositions)
	pos[0] = particles.Vec3{4.5, 2, 2}      // one face
	pos[1] = particles.Vec3{4.5, -0.5, 2}   // edge, two axes crossed
	pos[2] = particles.Vec3{4.5, -0.5, 4.5} // corner, three axes crossed

	red, err := NewRedistributor(pv, nil, topo, fabric.Rank(0), device.NewStream(nil), 1)
	require.NoError(t, err)
	require.NoError(t, exchange.Run(0, red))

	require.Equal(t, 3, pv.LocalSize(), "nothing lost or duplicated")
	got := make(map[particles.Vec3]bool)
	for _, p := range pv.Local.Vec3Data(particles.ChannelPositions) {
		got[p] = true
	}
	assert.True(t, got[particles.Vec3{0.5, 2, 2}])
	assert.True(t, got[particles.Vec3{0.5, 3.5, 2}])
	assert.True(t, got[particles.Vec3{0.5, 3.5, 0.5}])
}

func TestRedistributeWallDrop(t *testing.T) {
	topo, err := comm.NewGridTopology(0, [3]int{1, 1, 1},
		[3]bool{false, false, false}, r3.Vec{X: 4, Y: 4, Z: 4})
	require.NoError(t, err)
	fabric := comm.NewLoopbackFabric(1)

	pv := particles.NewParticleVector("pv", nil, 2)
	pos := pv.Local.Vec3Data(particles.ChannelPositions)
	pos[0] = particles.Vec3{2, 2, 2}
	pos[1] = particles.Vec3{4.5, 2, 2} // out through a closed wall

	red, err := NewRedistributor(pv, nil, topo, fabric.Rank(0), device.NewStream(nil), 1)
	require.NoError(t, err)
	require.NoError(t, exchange.Run(0, red))
	assert.Equal(t, 1, pv.LocalSize())
}

func TestRedistributeInterval(t *testing.T) {
	pv := particles.NewParticleVector("pv", nil, 0)
	topo := singleRankTopo(t, r3.Vec{X: 4, Y: 4, Z: 4})
	fabric := comm.NewLoopbackFabric(1)

	red, err := NewRedistributor(pv, nil, topo, fabric.Rank(0), device.NewStream(nil), 10)
	require.NoError(t, err)
	assert.True(t, red.NeedExchange(0))
	assert.False(t, red.NeedExchange(7))
	assert.True(t, red.NeedExchange(20))

	_, err = NewRedistributor(pv, nil, topo, fabric.Rank(0), device.NewStream(nil), 0)
	assert.Error(t, err)
}

func TestObjectRedistributeWrapsWholeObject(t *testing.T) {
	topo := singleRankTopo(t, r3.Vec{X: 4, Y: 4, Z: 4})
	fabric := comm.NewLoopbackFabric(1)
	stream := device.NewStream(nil)

	// Center of mass at x = 4.2 has crossed +x; the whole object wraps
	// around, including the trailing particle still inside the box.
	ov := particles.NewObjectVector("ov", nil, 1, 3)
	pos := ov.Local.Vec3Data(particles.ChannelPositions)
	pos[0] = particles.Vec3{3.9, 2, 2}
	pos[1] = particles.Vec3{4.2, 2, 2}
	pos[2] = particles.Vec3{4.5, 2, 2}

	red, err := NewRedistributor(&ov.ParticleVector, ov, topo, fabric.Rank(0), stream, 1)
	require.NoError(t, err)
	require.NoError(t, exchange.Run(0, red))

	require.Equal(t, 1, ov.NumObjects())
	require.Equal(t, 3, ov.Local.Count())
	require.NoError(t, ov.CheckContiguity())
	pos = ov.Local.Vec3Data(particles.ChannelPositions)
	assert.InDelta(t, -0.1, pos[0][0], 1e-6)
	assert.InDelta(t, 0.2, pos[1][0], 1e-6)
	assert.Equal(t, float32(0.5), pos[2][0])
}
