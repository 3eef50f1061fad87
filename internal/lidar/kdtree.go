package lidar

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a search hit: the index into the slice the tree was built
// from, the point itself and its squared distance to the query.
type Neighbor struct {
	Index  int
	Point  r3.Vector
	SqDist float64
}

// KDTree is a static 3-D nearest-neighbour index. It is read-only after
// construction and safe for concurrent queries.
type KDTree struct {
	tree *kdtree.Tree
	n    int
}

// NewKDTree indexes points. The input slice is not modified.
func NewKDTree(points []r3.Vector) *KDTree {
	t := &KDTree{n: len(points)}
	if len(points) == 0 {
		return t
	}
	pts := make(kdPoints, len(points))
	for i, p := range points {
		pts[i] = kdPoint{v: p, idx: i}
	}
	t.tree = kdtree.New(pts, false)
	return t
}

// Len returns the number of indexed points.
func (t *KDTree) Len() int { return t.n }

// Nearest returns the closest indexed point to q.
func (t *KDTree) Nearest(q r3.Vector) (Neighbor, bool) {
	if t.tree == nil {
		return Neighbor{}, false
	}
	c, d := t.tree.Nearest(kdPoint{v: q, idx: -1})
	p, ok := c.(kdPoint)
	if !ok {
		return Neighbor{}, false
	}
	return Neighbor{Index: p.idx, Point: p.v, SqDist: d}, true
}

// KNearest returns up to k points closest to q ordered by ascending distance.
func (t *KDTree) KNearest(q r3.Vector, k int) []Neighbor {
	if t.tree == nil || k <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keep, kdPoint{v: q, idx: -1})
	return collect(keep.Heap)
}

// Radius returns every point within r of q ordered by ascending distance.
func (t *KDTree) Radius(q r3.Vector, r float64) []Neighbor {
	if t.tree == nil || r <= 0 {
		return nil
	}
	// kdtree distances are squared.
	keep := kdtree.NewDistKeeper(r * r)
	t.tree.NearestSet(keep, kdPoint{v: q, idx: -1})
	return collect(keep.Heap)
}

func collect(h kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, cd := range h {
		// Keepers seed the heap with a nil sentinel.
		p, ok := cd.Comparable.(kdPoint)
		if !ok || math.IsInf(cd.Dist, 1) {
			continue
		}
		out = append(out, Neighbor{Index: p.idx, Point: p.v, SqDist: cd.Dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SqDist < out[j].SqDist })
	return out
}

type kdPoint struct {
	v   r3.Vector
	idx int
}

func (p kdPoint) coord(d kdtree.Dim) float64 {
	switch d {
	case 0:
		return p.v.X
	case 1:
		return p.v.Y
	default:
		return p.v.Z
	}
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coord(d) - c.(kdPoint).coord(d)
}

func (p kdPoint) Dims() int { return 3 }

func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	return p.v.Sub(c.(kdPoint).v).Norm2()
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p kdPoints) Len() int                      { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int        { return kdPlane{points: p, dim: d}.Pivot() }
func (p kdPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// kdPlane sorts points along one dimension for median partitioning.
type kdPlane struct {
	points kdPoints
	dim    kdtree.Dim
}

func (p kdPlane) Len() int { return len(p.points) }
func (p kdPlane) Less(i, j int) bool {
	return p.points[i].coord(p.dim) < p.points[j].coord(p.dim)
}
func (p kdPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	return kdPlane{points: p.points[start:end], dim: p.dim}
}
func (p kdPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
