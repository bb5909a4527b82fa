package halo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/halox/comm"
	"github.com/notargets/halox/device"
	"github.com/notargets/halox/exchange"
	"github.com/notargets/halox/packer"
	"github.com/notargets/halox/particles"
)

func TestReverseMergesAtOwner(t *testing.T) {
	runRanks(t, 2, func(rank int, fabric *comm.LoopbackFabric) error {
		topo, err := comm.NewGridTopology(rank, [3]int{2, 1, 1},
			[3]bool{true, false, false}, r3.Vec{X: 8, Y: 4, Z: 4})
		if err != nil {
			return err
		}
		stream := device.NewStream(nil)
		endpoint := fabric.Rank(rank)

		pv := particles.NewParticleVector("pv", nil, 2)
		pos := pv.Local.Vec3Data(particles.ChannelPositions)
		ids := pv.Local.Int64Data(particles.ChannelIDs)
		frc := pv.Local.Vec3Data(particles.ChannelForces)
		pos[0] = particles.Vec3{3.5, 2, 2} // ghosted to the neighbor
		ids[0] = int64(100 + rank)
		frc[0] = particles.Vec3{1, 1, 1}
		pos[1] = particles.Vec3{2, 2, 2}
		ids[1] = int64(200 + rank)
		frc[1] = particles.Vec3{1, 1, 1}

		h, err := NewHaloExchanger(pv, nil, topo, endpoint, stream, 1.0)
		if err != nil {
			return err
		}
		if err := exchange.Run(0, h); err != nil {
			return err
		}

		// Interactions deposited a marker force on the ghost, keyed by
		// its id so the origin is verifiable after the merge. The
		// middle lane stays below epsilon and must not perturb the
		// owner.
		hIDs := pv.Halo.Int64Data(particles.ChannelIDs)
		hFrc := pv.Halo.Vec3Data(particles.ChannelForces)
		for i := range hFrc {
			hFrc[i] = particles.Vec3{float32(hIDs[i]), 5e-7, -2}
		}

		rev, err := NewReverseExchanger(h, nil, 0)
		if err != nil {
			return err
		}
		if err := exchange.Run(0, rev); err != nil {
			return err
		}

		frc = pv.Local.Vec3Data(particles.ChannelForces)
		ownID := float32(100 + rank)
		assert.Equal(t, particles.Vec3{1 + ownID, 1, -1}, frc[0],
			"marker added, sub-epsilon lane skipped")
		assert.Equal(t, particles.Vec3{1, 1, 1}, frc[1], "interior particle untouched")

		// Positions are not part of the reverse channel subset.
		assert.Equal(t, particles.Vec3{3.5, 2, 2}, pv.Local.Vec3Data(particles.ChannelPositions)[0])
		return nil
	})
}

func TestReverseCornerRouting(t *testing.T) {
	// Single periodic rank: the corner particle is ghosted to 7
	// directions, and each ghost's contribution must come home to the
	// same owner.
	topo := singleRankTopo(t, r3.Vec{X: 4, Y: 4, Z: 4})
	fabric := comm.NewLoopbackFabric(1)
	stream := device.NewStream(nil)

	pv := particles.NewParticleVector("pv", nil, 1)
	pv.Local.Vec3Data(particles.ChannelPositions)[0] = particles.Vec3{0.5, 0.5, 0.5}

	h, err := NewHaloExchanger(pv, nil, topo, fabric.Rank(0), stream, 1.0)
	require.NoError(t, err)
	require.NoError(t, exchange.Run(0, h))
	require.Equal(t, 7, pv.HaloSize())

	hFrc := pv.Halo.Vec3Data(particles.ChannelForces)
	for i := range hFrc {
		hFrc[i] = particles.Vec3{1, 0, 0}
	}

	rev, err := NewReverseExchanger(h, nil, 0)
	require.NoError(t, err)
	require.NoError(t, exchange.Run(0, rev))

	frc := pv.Local.Vec3Data(particles.ChannelForces)
	assert.Equal(t, particles.Vec3{7, 0, 0}, frc[0], "all seven ghost contributions merged")
}

func TestReverseEmptyContributionIsNoOp(t *testing.T) {
	topo := singleRankTopo(t, r3.Vec{X: 4, Y: 4, Z: 4})
	fabric := comm.NewLoopbackFabric(1)
	stream := device.NewStream(nil)

	pv := particles.NewParticleVector("pv", nil, 1)
	pv.Local.Vec3Data(particles.ChannelPositions)[0] = particles.Vec3{0.5, 2, 2}
	pv.Local.Vec3Data(particles.ChannelForces)[0] = particles.Vec3{0.125, -0.25, 0.5}

	h, err := NewHaloExchanger(pv, nil, topo, fabric.Rank(0), stream, 1.0)
	require.NoError(t, err)
	require.NoError(t, exchange.Run(0, h))
	require.Equal(t, 1, pv.HaloSize())

	// The ghost carries no contribution: the merged result must be
	// bit-identical to the owner's state.
	hFrc := pv.Halo.Vec3Data(particles.ChannelForces)
	for i := range hFrc {
		hFrc[i] = particles.Vec3{}
	}

	rev, err := NewReverseExchanger(h, nil, packer.DefaultEpsilon)
	require.NoError(t, err)
	require.NoError(t, exchange.Run(0, rev))
	assert.Equal(t, particles.Vec3{0.125, -0.25, 0.5},
		pv.Local.Vec3Data(particles.ChannelForces)[0])
}

func TestObjectReversePerParticleMerge(t *testing.T) {
	topo := singleRankTopo(t, r3.Vec{X: 4, Y: 4, Z: 4})
	fabric := comm.NewLoopbackFabric(1)
	stream := device.NewStream(nil)

	ov := particles.NewObjectVector("ov", nil, 1, 3)
	pos := ov.Local.Vec3Data(particles.ChannelPositions)
	pos[0] = particles.Vec3{3.5, 2, 2}
	pos[1] = particles.Vec3{3.6, 2, 2}
	pos[2] = particles.Vec3{3.7, 2, 2}

	h, err := NewHaloExchanger(&ov.ParticleVector, ov, topo, fabric.Rank(0), stream, 1.0)
	require.NoError(t, err)
	require.NoError(t, exchange.Run(0, h))
	require.Equal(t, 3, ov.Halo.Count())

	hFrc := ov.Halo.Vec3Data(particles.ChannelForces)
	for i := range hFrc {
		hFrc[i] = particles.Vec3{float32(i + 1), 0, 0}
	}

	rev, err := NewReverseExchanger(h, nil, 0)
	require.NoError(t, err)
	require.NoError(t, exchange.Run(0, rev))

	frc := ov.Local.Vec3Data(particles.ChannelForces)
	for i := 0; i < 3; i++ {
		assert.Equal(t, particles.Vec3{float32(i + 1), 0, 0}, frc[i],
			"each ghost particle merges into its own slot of the object")
	}
}

func TestReverseRejectsNegativeEpsilon(t *testing.T) {
	topo := singleRankTopo(t, r3.Vec{X: 4, Y: 4, Z: 4})
	fabric := comm.NewLoopbackFabric(1)
	pv := particles.NewParticleVector("pv", nil, 0)
	h, err := NewHaloExchanger(pv, nil, topo, fabric.Rank(0), device.NewStream(nil), 1.0)
	require.NoError(t, err)

	_, err = NewReverseExchanger(h, nil, -1)
	assert.Error(t, err)
}
