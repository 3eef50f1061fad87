package lidar

import (
	"math"

	"github.com/golang/geo/r3"
)

type voxelKey struct{ x, y, z int64 }

type voxelAcc struct {
	sum r3.Vector
	n   int
}

// VoxelFilter downsamples points to one centroid per cubic voxel of side
// leaf. Output order follows the first point seen in each voxel, so the
// result is deterministic for a given input. A non-positive leaf returns a
// copy of the input.
func VoxelFilter(points []r3.Vector, leaf float64) []r3.Vector {
	if len(points) == 0 {
		return nil
	}
	if leaf <= 0 {
		return append([]r3.Vector(nil), points...)
	}
	inv := 1.0 / leaf
	index := make(map[voxelKey]int, len(points)/2+1)
	accs := make([]voxelAcc, 0, len(points)/2+1)
	for _, p := range points {
		k := voxelKey{
			x: int64(math.Floor(p.X * inv)),
			y: int64(math.Floor(p.Y * inv)),
			z: int64(math.Floor(p.Z * inv)),
		}
		i, ok := index[k]
		if !ok {
			i = len(accs)
			index[k] = i
			accs = append(accs, voxelAcc{})
		}
		accs[i].sum = accs[i].sum.Add(p)
		accs[i].n++
	}
	out := make([]r3.Vector, len(accs))
	for i, a := range accs {
		out[i] = a.sum.Mul(1 / float64(a.n))
	}
	return out
}
