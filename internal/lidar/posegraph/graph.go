// Package posegraph corrects keyframe poses against relative pose
// measurements. Node 0 anchors the map frame and is never moved.
package posegraph

import (
	"fmt"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// Edge is a relative pose measurement: Measured ≈ Nodes[From]⁻¹∘Nodes[To].
type Edge struct {
	From, To int
	Measured lidar.Pose
	Weight   float64 // non-positive weights count as 1
}

// Graph holds the node estimates and the edges between them. Node indices
// are keyframe sequence numbers.
type Graph struct {
	Nodes []lidar.Pose
	Edges []Edge
}

// AddNode appends a node and returns its index.
func (g *Graph) AddNode(p lidar.Pose) int {
	g.Nodes = append(g.Nodes, p)
	return len(g.Nodes) - 1
}

// AddEdge appends an edge.
func (g *Graph) AddEdge(e Edge) {
	g.Edges = append(g.Edges, e)
}

// AddOdometryEdge links node to its predecessor using the current
// estimates, so the edge holds the relative motion at insertion time.
func (g *Graph) AddOdometryEdge(node int) {
	if node <= 0 || node >= len(g.Nodes) {
		return
	}
	g.AddEdge(Edge{From: node - 1, To: node, Measured: lidar.Between(g.Nodes[node-1], g.Nodes[node]), Weight: 1})
}

// Validate reports edges that reference missing nodes.
func (g *Graph) Validate() error {
	for i, e := range g.Edges {
		if e.From < 0 || e.From >= len(g.Nodes) || e.To < 0 || e.To >= len(g.Nodes) {
			return fmt.Errorf("edge %d (%d→%d) references a node outside [0, %d)", i, e.From, e.To, len(g.Nodes))
		}
		if e.From == e.To {
			return fmt.Errorf("edge %d is a self loop on node %d", i, e.From)
		}
	}
	return nil
}

// LoopWeight converts an alignment fitness (mean squared distance) to an
// edge weight relative to odometry edges.
func LoopWeight(fitness float64) float64 {
	const floor = 0.01
	if fitness < floor {
		fitness = floor
	}
	return 0.1 / fitness
}
