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
	"github.com/notargets/halox/utils"
)

// Runs the forward and reverse passes with a real backend attached, so
// packing, unpacking and the additive merge all go through the compiled
// kernels instead of the host reference path.
func TestHaloAndReverseOnDevice(t *testing.T) {
	dev := utils.CreateTestDevice()
	defer dev.Free()
	stream := device.NewStream(dev)

	topo := singleRankTopo(t, r3.Vec{X: 4, Y: 4, Z: 4})
	fabric := comm.NewLoopbackFabric(1)

	pv := particles.NewParticleVector("pv", dev, 2)
	pos := pv.Local.Vec3Data(particles.ChannelPositions)
	ids := pv.Local.Int64Data(particles.ChannelIDs)
	pos[0] = particles.Vec3{0.5, 2, 2} // one face
	ids[0] = 7
	pos[1] = particles.Vec3{0.5, 0.5, 0.5} // corner region
	ids[1] = 8
	pv.Local.UploadAll(stream)

	h, err := NewHaloExchanger(pv, nil, topo, fabric.Rank(0), stream, 1.0)
	require.NoError(t, err)
	require.NotNil(t, h.dc, "device stream selects the kernel path")
	require.NoError(t, exchange.Run(0, h))

	// Same ghosting as the host path: the face particle once, the
	// corner particle to all 7 periodic images.
	require.Equal(t, 8, pv.HaloSize())
	hPos := pv.Halo.Vec3Data(particles.ChannelPositions)
	hIDs := pv.Halo.Int64Data(particles.ChannelIDs)
	got := make(map[particles.Vec3]int)
	for i := range hPos {
		switch hIDs[i] {
		case 7:
			assert.Equal(t, particles.Vec3{4.5, 2, 2}, hPos[i])
		case 8:
			got[hPos[i]]++
		default:
			t.Errorf("unexpected ghost id %d", hIDs[i])
		}
	}
	want := make(map[particles.Vec3]int)
	for _, x := range []float32{0.5, 4.5} {
		for _, y := range []float32{0.5, 4.5} {
			for _, z := range []float32{0.5, 4.5} {
				if x == 0.5 && y == 0.5 && z == 0.5 {
					continue
				}
				want[particles.Vec3{x, y, z}]++
			}
		}
	}
	assert.Equal(t, want, got)

	// Every ghost deposits a unit force; the kernel-side merge must
	// land one contribution at the face owner and seven at the corner
	// owner.
	rev, err := NewReverseExchanger(h, nil, 0)
	require.NoError(t, err)
	require.NotNil(t, rev.dc)

	frc := pv.Halo.Vec3Data(particles.ChannelForces)
	for i := range frc {
		frc[i] = particles.Vec3{1, 0, 0}
	}
	pv.Halo.UploadAll(stream)
	require.NoError(t, exchange.Run(0, rev))

	lFrc := pv.Local.Vec3Data(particles.ChannelForces)
	assert.Equal(t, particles.Vec3{1, 0, 0}, lFrc[0])
	assert.Equal(t, particles.Vec3{7, 0, 0}, lFrc[1])
}

// Redistribution packs leavers through the kernels; migration results
// must match the host path.
func TestRedistributeOnDevice(t *testing.T) {
	dev := utils.CreateTestDevice()
	defer dev.Free()
	stream := device.NewStream(dev)

	topo := singleRankTopo(t, r3.Vec{X: 4, Y: 4, Z: 4})
	fabric := comm.NewLoopbackFabric(1)

	pv := particles.NewParticleVector("pv", dev, 2)
	pos := pv.Local.Vec3Data(particles.ChannelPositions)
	ids := pv.Local.Int64Data(particles.ChannelIDs)
	pos[0] = particles.Vec3{4.5, 2, 2} // crossed the +x face
	ids[0] = 1
	pos[1] = particles.Vec3{2, 2, 2}
	ids[1] = 2
	pv.Local.UploadAll(stream)

	red, err := NewRedistributor(pv, nil, topo, fabric.Rank(0), stream, 1)
	require.NoError(t, err)
	require.NotNil(t, red.dc)
	require.NoError(t, exchange.Run(0, red))

	require.Equal(t, 2, pv.LocalSize())
	pos = pv.Local.Vec3Data(particles.ChannelPositions)
	ids = pv.Local.Int64Data(particles.ChannelIDs)
	assert.Equal(t, int64(2), ids[0], "survivor stays in front")
	assert.Equal(t, int64(1), ids[1], "arrival appended after the survivors")
	assert.Equal(t, particles.Vec3{0.5, 2, 2}, pos[1], "coordinates rebased into the new frame")
}
