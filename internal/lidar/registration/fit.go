package registration

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// collinearEps is the smallest ratio λ_mid/λ_max of a neighbourhood that
// still defines a plane.
const collinearEps = 1e-3

// principal holds the eigen-decomposition of a neighbourhood covariance.
// Values are ascending; Vectors[i] belongs to Values[i].
type principal struct {
	Centroid r3.Vector
	Values   [3]float64
	Vectors  [3]r3.Vector
}

func analyse(pts []r3.Vector) (principal, bool) {
	var pc principal
	if len(pts) < 2 {
		return pc, false
	}
	data := make([]float64, 0, 3*len(pts))
	for _, p := range pts {
		data = append(data, p.X, p.Y, p.Z)
		pc.Centroid = pc.Centroid.Add(p)
	}
	pc.Centroid = pc.Centroid.Mul(1 / float64(len(pts)))

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, mat.NewDense(len(pts), 3, data), nil)

	var es mat.EigenSym
	if !es.Factorize(&cov, true) {
		return pc, false
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	for i := 0; i < 3; i++ {
		pc.Values[i] = vals[i]
		pc.Vectors[i] = r3.Vector{X: vecs.At(0, i), Y: vecs.At(1, i), Z: vecs.At(2, i)}
	}
	return pc, true
}

// FitLine fits a line to pts. It fails unless the largest eigenvalue of the
// covariance exceeds ratio times the middle one.
func FitLine(pts []r3.Vector, ratio float64) (centroid, dir r3.Vector, ok bool) {
	pc, ok := analyse(pts)
	if !ok || pc.Values[2] <= ratio*pc.Values[1] {
		return r3.Vector{}, r3.Vector{}, false
	}
	return pc.Centroid, pc.Vectors[2].Normalize(), true
}

// FitPlane fits a plane n·p + d = 0 with unit n to pts. It fails for
// collinear neighbourhoods and when any point is farther than maxDist from
// the fitted plane.
func FitPlane(pts []r3.Vector, maxDist float64) (normal r3.Vector, d float64, ok bool) {
	if len(pts) < 3 {
		return r3.Vector{}, 0, false
	}
	pc, ok := analyse(pts)
	if !ok || pc.Values[2] <= 0 || pc.Values[1] < collinearEps*pc.Values[2] {
		return r3.Vector{}, 0, false
	}
	normal = pc.Vectors[0].Normalize()
	d = -normal.Dot(pc.Centroid)
	for _, p := range pts {
		if math.Abs(normal.Dot(p)+d) > maxDist {
			return r3.Vector{}, 0, false
		}
	}
	return normal, d, true
}

// lineBasis returns two unit vectors orthogonal to dir and to each other.
func lineBasis(dir r3.Vector) (r3.Vector, r3.Vector) {
	u := dir.Normalize()
	e1 := u.Ortho()
	e2 := u.Cross(e1).Normalize()
	return e1, e2
}
