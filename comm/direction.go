// Package comm provides the rank topology of the simulation (a 3D grid
// of processes, each owning one axis-aligned subdomain) and the
// two-phase transport used to move exchange buffers between ranks:
// sizes first, then payload.
package comm

// NumDirections is the number of buckets in the 3x3x3 neighbor
// topology: the 26 neighbor offsets plus the self/no-transfer bucket.
const NumDirections = 27

// SelfDirection is the reserved bucket for elements that stay local.
const SelfDirection = 13

// DirectionIndex encodes a neighbor offset in {-1,0,1}^3 as a bucket
// index in 0..26. (0,0,0) maps to SelfDirection.
func DirectionIndex(dx, dy, dz int) int {
	return (dx+1)*9 + (dy+1)*3 + (dz + 1)
}

// DirectionOffset decodes a bucket index back into its neighbor offset.
func DirectionOffset(dir int) (dx, dy, dz int) {
	dx = dir/9 - 1
	dy = (dir/3)%3 - 1
	dz = dir%3 - 1
	return
}

// InverseDirection returns the bucket a message sent toward dir arrives
// from on the receiving rank.
func InverseDirection(dir int) int {
	return NumDirections - 1 - dir
}
