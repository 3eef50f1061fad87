package registration

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// ICPConfig configures point-to-point ICP.
type ICPConfig struct {
	MaxCorrespondenceDist float64
	MaxIterations         int
	TransformEpsilon      float64 // stop when the increment is below this (metres and radians)
}

// ICPResult is the outcome of an ICP run. Transform maps the source cloud
// onto the target. Fitness is the mean squared distance from each
// transformed source point to its nearest target point; lower is better.
type ICPResult struct {
	Transform  lidar.Pose
	Fitness    float64
	Converged  bool
	Iterations int
}

// ICP aligns source to target starting from initial. Converged is false
// only when too few pairs fall within the correspondence distance to
// estimate a transform; hitting the iteration cap still counts as converged.
func ICP(source, target []r3.Vector, initial lidar.Pose, cfg ICPConfig) ICPResult {
	res := ICPResult{Transform: initial, Fitness: math.Inf(1)}
	if len(source) < 3 || len(target) < 3 {
		return res
	}
	tree := lidar.NewKDTree(target)
	maxSq := cfg.MaxCorrespondenceDist * cfg.MaxCorrespondenceDist
	eps := cfg.TransformEpsilon
	if eps <= 0 {
		eps = 1e-6
	}

	current := initial
	src := make([]r3.Vector, 0, len(source))
	dst := make([]r3.Vector, 0, len(source))
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		src, dst = src[:0], dst[:0]
		for _, p := range source {
			q := current.Apply(p)
			nn, ok := tree.Nearest(q)
			if !ok || nn.SqDist > maxSq {
				continue
			}
			src = append(src, q)
			dst = append(dst, nn.Point)
		}
		if len(src) < 3 {
			if res.Iterations == 0 {
				return res
			}
			break
		}
		step, ok := kabsch(src, dst)
		if !ok {
			break
		}
		current = step.Compose(current)
		res.Iterations = iter + 1
		res.Converged = true
		if step.TranslationNorm() < eps && step.RotationAngle() < eps {
			break
		}
	}
	if res.Iterations == 0 {
		return res
	}
	res.Transform = current
	res.Fitness = FitnessScore(source, tree, current)
	return res
}

// FitnessScore is the mean squared nearest-neighbour distance of source
// transformed by pose against the indexed target.
func FitnessScore(source []r3.Vector, target *lidar.KDTree, pose lidar.Pose) float64 {
	if len(source) == 0 || target.Len() == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, p := range source {
		nn, _ := target.Nearest(pose.Apply(p))
		sum += nn.SqDist
	}
	return sum / float64(len(source))
}

// kabsch returns the rigid transform minimising Σ‖R·src + t − dst‖².
func kabsch(src, dst []r3.Vector) (lidar.Pose, bool) {
	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	inv := 1 / float64(len(src))
	cs, cd = cs.Mul(inv), cd.Mul(inv)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return lidar.Pose{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Reflection: flip the axis of the smallest singular value.
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	var rot lidar.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i][j] = r.At(i, j)
		}
	}
	t := cd.Sub(rot.MulVec(cs))
	return lidar.NewPose(t, rot), true
}
