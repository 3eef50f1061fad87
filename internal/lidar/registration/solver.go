package registration

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// ErrInsufficientCorrespondences is returned when a registration cycle
// cannot find enough valid correspondences to constrain the pose.
var ErrInsufficientCorrespondences = errors.New("insufficient correspondences")

// Correspondence is one linear residual row. For q = pose.Apply(Source)
// the residual is Normal·q + Offset; the solver drives it to zero.
type Correspondence struct {
	Source r3.Vector
	Normal r3.Vector
	Offset float64
	Weight float64
}

// Associator finds correspondences for a pose estimate. Rows may exceed
// matched when one source point yields several residuals.
type Associator interface {
	Associate(pose lidar.Pose) (rows []Correspondence, matched int)
}

// Result reports a registration run.
type Result struct {
	Pose            lidar.Pose
	Iterations      int
	Correspondences int // matched source points in the last iteration
	Converged       bool
	Degenerate      bool // at least one direction was suppressed
	Suppressed      int  // suppressed directions in the last iteration
	Eigenvalues     [6]float64
}

// Solver runs Gauss-Newton on [tx, ty, tz, roll, pitch, yaw]. Directions
// whose eigenvalue of JᵀWJ falls below DegeneracyThreshold receive no
// update, so an under-constrained component keeps its initial value.
type Solver struct {
	cfg lidar.SolverConfig
}

// NewSolver creates a solver.
func NewSolver(cfg lidar.SolverConfig) *Solver {
	return &Solver{cfg: cfg}
}

// Solve refines initial against the correspondences produced by a. When the
// first association falls short of MinCorrespondences the initial pose is
// returned with ErrInsufficientCorrespondences.
func (s *Solver) Solve(a Associator, initial lidar.Pose) (Result, error) {
	res := Result{Pose: initial}
	x := initial.Vector()

	for iter := 0; iter < s.cfg.MaxIterations; iter++ {
		pose := lidar.PoseFromVector(x)
		rows, matched := a.Associate(pose)
		res.Correspondences = matched
		if matched < s.cfg.MinCorrespondences {
			if iter == 0 {
				return res, fmt.Errorf("%d matched, need %d: %w", matched, s.cfg.MinCorrespondences, ErrInsufficientCorrespondences)
			}
			break
		}

		delta, eig, suppressed, ok := s.step(pose, rows)
		if !ok {
			break
		}
		res.Eigenvalues = eig
		res.Suppressed = suppressed
		if suppressed > 0 {
			res.Degenerate = true
		}
		for i := range x {
			x[i] += delta[i]
		}
		res.Iterations = iter + 1
		res.Pose = lidar.PoseFromVector(x)

		dRot := math.Sqrt(delta[3]*delta[3]+delta[4]*delta[4]+delta[5]*delta[5]) * 180 / math.Pi
		dTrans := math.Sqrt(delta[0]*delta[0] + delta[1]*delta[1] + delta[2]*delta[2])
		if dRot < s.cfg.ConvergeRotDeg && dTrans < s.cfg.ConvergeTransM {
			res.Converged = true
			break
		}
	}

	res.Pose.Roll = lidar.NormalizeAngle(res.Pose.Roll)
	res.Pose.Pitch = lidar.NormalizeAngle(res.Pose.Pitch)
	res.Pose.Yaw = lidar.NormalizeAngle(res.Pose.Yaw)
	if res.Degenerate {
		logs.Diagf("degenerate registration: %d direction(s) suppressed, eigenvalues %.3g", res.Suppressed, res.Eigenvalues)
	}
	return res, nil
}

// step computes one truncated Gauss-Newton update
// Δ = −Σ_{λᵢ ≥ thr} (vᵢᵀg / λᵢ) vᵢ with H = JᵀWJ and g = JᵀWr.
func (s *Solver) step(pose lidar.Pose, rows []Correspondence) (delta [6]float64, eig [6]float64, suppressed int, ok bool) {
	dRoll, dPitch, dYaw := rotationDerivatives(pose.Roll, pose.Pitch, pose.Yaw)

	var h [36]float64
	var g [6]float64
	var J [6]float64
	for _, c := range rows {
		n := c.Normal
		r := n.Dot(pose.Apply(c.Source)) + c.Offset
		J[0], J[1], J[2] = n.X, n.Y, n.Z
		J[3] = n.Dot(dRoll.MulVec(c.Source))
		J[4] = n.Dot(dPitch.MulVec(c.Source))
		J[5] = n.Dot(dYaw.MulVec(c.Source))
		w := c.Weight
		for i := 0; i < 6; i++ {
			g[i] += w * J[i] * r
			for j := i; j < 6; j++ {
				h[i*6+j] += w * J[i] * J[j]
			}
		}
	}
	for i := 0; i < 6; i++ {
		for j := 0; j < i; j++ {
			h[i*6+j] = h[j*6+i]
		}
	}

	var es mat.EigenSym
	if !es.Factorize(mat.NewSymDense(6, h[:]), true) {
		return delta, eig, 0, false
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	for k := 0; k < 6; k++ {
		eig[k] = vals[k]
		if vals[k] < s.cfg.DegeneracyThreshold || vals[k] <= 0 {
			suppressed++
			continue
		}
		var proj float64
		for i := 0; i < 6; i++ {
			proj += vecs.At(i, k) * g[i]
		}
		coef := proj / vals[k]
		for i := 0; i < 6; i++ {
			delta[i] -= coef * vecs.At(i, k)
		}
	}
	return delta, eig, suppressed, true
}

// rotationDerivatives returns ∂R/∂roll, ∂R/∂pitch and ∂R/∂yaw for
// R = Rz(yaw)·Ry(pitch)·Rx(roll).
func rotationDerivatives(roll, pitch, yaw float64) (dRoll, dPitch, dYaw lidar.Mat3) {
	rx, ry, rz := lidar.RotX(roll), lidar.RotY(pitch), lidar.RotZ(yaw)

	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	sy, cy := math.Sincos(yaw)
	drx := lidar.Mat3{{0, 0, 0}, {0, -sr, -cr}, {0, cr, -sr}}
	dry := lidar.Mat3{{-sp, 0, cp}, {0, 0, 0}, {-cp, 0, -sp}}
	drz := lidar.Mat3{{-sy, -cy, 0}, {cy, -sy, 0}, {0, 0, 0}}

	dRoll = rz.Mul(ry).Mul(drx)
	dPitch = rz.Mul(dry).Mul(rx)
	dYaw = drz.Mul(ry).Mul(rx)
	return dRoll, dPitch, dYaw
}
