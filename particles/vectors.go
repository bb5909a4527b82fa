package particles

import (
	"fmt"

	"github.com/notargets/gocca"
)

// ParticleVector is one attached participant: a set of locally owned
// particles plus the halo store holding ghost copies received from
// neighbors. The halo store is rebuilt every halo pass; the local store
// changes size only under redistribution.
type ParticleVector struct {
	Name string

	Local *ChannelSet
	Halo  *ChannelSet

	// Static participants never move or exchange; the phase runner
	// short-circuits their exchanges.
	Static bool
}

// NewParticleVector creates a participant with the standard channel
// layout: positions (shifted on packing), velocities, forces, ids.
func NewParticleVector(name string, dev *gocca.OCCADevice, n int) *ParticleVector {
	pv := &ParticleVector{
		Name:  name,
		Local: NewChannelSet(dev),
		Halo:  NewChannelSet(dev),
	}
	for _, cs := range []*ChannelSet{pv.Local, pv.Halo} {
		cs.AddChannel(ChannelPositions, Vec3Size, true)
		cs.AddChannel(ChannelVelocities, Vec3Size, false)
		cs.AddChannel(ChannelForces, Vec3Size, false)
		cs.AddChannel(ChannelIDs, Int64Size, false)
	}
	pv.Local.ResizeDiscard(n)
	return pv
}

// LocalSize returns the number of locally owned particles.
func (pv *ParticleVector) LocalSize() int { return pv.Local.Count() }

// HaloSize returns the number of ghost particles currently held.
func (pv *ParticleVector) HaloSize() int { return pv.Halo.Count() }

// ObjSize returns the particles-per-object stride; bare particle
// vectors have stride 1.
func (pv *ParticleVector) ObjSize() int { return 1 }

// ObjectVector is a participant whose particles are grouped into
// rigid/soft objects of a fixed size. An object's particle block is
// always objId*ObjSize .. objId*ObjSize+ObjSize contiguous, in the
// local store, the halo store, and every transfer buffer.
type ObjectVector struct {
	ParticleVector

	objSize int

	// Object-level channels, one record per object (e.g. center of
	// mass + bounding extents used by interaction culling).
	LocalObjects *ChannelSet
	HaloObjects  *ChannelSet
}

// ObjectStateSize is the byte size of the object-level record channel.
const ObjectStateSize = 2 * Vec3Size // center of mass + extents

// ChannelObjectStates names the object-level record channel.
const ChannelObjectStates = "object_states"

// NewObjectVector creates an object participant with nObj objects of
// objSize particles each.
func NewObjectVector(name string, dev *gocca.OCCADevice, nObj, objSize int) *ObjectVector {
	if objSize < 1 {
		panic(fmt.Sprintf("particles: object size %d for %q", objSize, name))
	}
	ov := &ObjectVector{
		ParticleVector: *NewParticleVector(name, dev, nObj*objSize),
		objSize:        objSize,
		LocalObjects:   NewChannelSet(dev),
		HaloObjects:    NewChannelSet(dev),
	}
	for _, cs := range []*ChannelSet{ov.LocalObjects, ov.HaloObjects} {
		cs.AddChannel(ChannelObjectStates, ObjectStateSize, false)
	}
	ov.LocalObjects.ResizeDiscard(nObj)
	return ov
}

// ObjSize returns the particles-per-object stride.
func (ov *ObjectVector) ObjSize() int { return ov.objSize }

// NumObjects returns the number of locally owned objects.
func (ov *ObjectVector) NumObjects() int { return ov.LocalObjects.Count() }

// CheckContiguity validates the particle/object count invariant.
func (ov *ObjectVector) CheckContiguity() error {
	if ov.Local.Count() != ov.LocalObjects.Count()*ov.objSize {
		return fmt.Errorf("particles: %q holds %d particles for %d objects of size %d",
			ov.Name, ov.Local.Count(), ov.LocalObjects.Count(), ov.objSize)
	}
	if ov.Halo.Count() != ov.HaloObjects.Count()*ov.objSize {
		return fmt.Errorf("particles: %q halo holds %d particles for %d objects of size %d",
			ov.Name, ov.Halo.Count(), ov.HaloObjects.Count(), ov.objSize)
	}
	return nil
}
