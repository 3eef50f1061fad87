package posegraph

import (
	"fmt"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// Solver minimises Σ wₑ‖err(Tᵢ⁻¹Tⱼ, measured)‖² over all edges with
// L-BFGS. Each edge contributes a central-difference gradient over the
// twelve parameters of its two nodes.
type Solver struct {
	MaxIterations     int
	GradientThreshold float64
}

// NewSolver returns a solver with default limits.
func NewSolver() *Solver {
	return &Solver{MaxIterations: 200, GradientThreshold: 1e-9}
}

// edgeError is the residual twist between the measured and the current
// relative pose.
func edgeError(e Edge, from, to lidar.Pose) []float64 {
	d := lidar.Between(e.Measured, lidar.Between(from, to))
	v := d.Vector()
	for i := 3; i < 6; i++ {
		v[i] = lidar.NormalizeAngle(v[i])
	}
	return v
}

func edgeCost(e Edge, from, to lidar.Pose) float64 {
	w := e.Weight
	if w <= 0 {
		w = 1
	}
	var sum float64
	for _, r := range edgeError(e, from, to) {
		sum += r * r
	}
	return w * sum
}

// Optimize returns corrected poses for every node of g. Node 0 is
// returned unchanged. g is not modified.
func (s *Solver) Optimize(g *Graph) ([]lidar.Pose, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("pose graph: %w", err)
	}
	out := append([]lidar.Pose(nil), g.Nodes...)
	if len(g.Nodes) < 2 || len(g.Edges) == 0 {
		return out, nil
	}

	anchor := g.Nodes[0]
	x0 := make([]float64, 6*(len(g.Nodes)-1))
	for i := 1; i < len(g.Nodes); i++ {
		copy(x0[6*(i-1):], g.Nodes[i].Vector())
	}
	node := func(x []float64, i int) lidar.Pose {
		if i == 0 {
			return anchor
		}
		return lidar.PoseFromVector(x[6*(i-1) : 6*i])
	}

	cost := func(x []float64) float64 {
		var sum float64
		for _, e := range g.Edges {
			sum += edgeCost(e, node(x, e.From), node(x, e.To))
		}
		return sum
	}

	settings := &fd.Settings{Formula: fd.Central}
	local := make([]float64, 12)
	localGrad := make([]float64, 12)
	grad := func(dst, x []float64) {
		for i := range dst {
			dst[i] = 0
		}
		for _, e := range g.Edges {
			copy(local[:6], node(x, e.From).Vector())
			copy(local[6:], node(x, e.To).Vector())
			fd.Gradient(localGrad, func(p []float64) float64 {
				return edgeCost(e, lidar.PoseFromVector(p[:6]), lidar.PoseFromVector(p[6:]))
			}, local, settings)
			if e.From > 0 {
				addInto(dst[6*(e.From-1):6*e.From], localGrad[:6])
			}
			if e.To > 0 {
				addInto(dst[6*(e.To-1):6*e.To], localGrad[6:])
			}
		}
	}

	initial := cost(x0)
	res, err := optimize.Minimize(optimize.Problem{Func: cost, Grad: grad}, x0, &optimize.Settings{
		GradientThreshold: s.GradientThreshold,
		MajorIterations:   s.MaxIterations,
	}, &optimize.LBFGS{})
	if res == nil {
		return nil, fmt.Errorf("pose graph: %w", err)
	}
	if err != nil {
		if res.F > initial {
			return nil, fmt.Errorf("pose graph: %w", err)
		}
		logs.Diagf("pose graph stopped early (%v), keeping best cost %.6g of %.6g", err, res.F, initial)
	}
	for i := 1; i < len(g.Nodes); i++ {
		p := node(res.X, i)
		p.Roll = lidar.NormalizeAngle(p.Roll)
		p.Pitch = lidar.NormalizeAngle(p.Pitch)
		p.Yaw = lidar.NormalizeAngle(p.Yaw)
		out[i] = p
	}
	logs.Tracef("pose graph: %d nodes, %d edges, cost %.6g → %.6g in %d iterations (%v)",
		len(g.Nodes), len(g.Edges), initial, res.F, res.Stats.MajorIterations, res.Status)
	return out, nil
}

func addInto(dst, src []float64) {
	for i := range src {
		dst[i] += src[i]
	}
}
