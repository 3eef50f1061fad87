package registration

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// LineModel selects how an edge correspondence is built.
type LineModel int

const (
	// TwoPointLine uses the two nearest target edge points.
	TwoPointLine LineModel = iota
	// PCALine fits a line to LineNeighbours nearest target edge points.
	PCALine
)

// lineEigenRatio is how much the dominant covariance eigenvalue must exceed
// the second for a neighbourhood to count as a line.
const lineEigenRatio = 3.0

// rowSearchFactor widens the nearest neighbour query when neighbours must
// come from more than one scan line.
const rowSearchFactor = 5

// MatchConfig tunes correspondence search.
type MatchConfig struct {
	Line             LineModel
	LineNeighbours   int
	PlaneNeighbours  int
	MaxSqDist        float64 // neighbours farther than this are not used
	PlaneMaxDistance float64
	// MaxRowGap, when positive and the target carries rows, makes
	// TwoPointLine and plane neighbourhoods span scan lines: besides the
	// nearest point they must include points from other rows no more than
	// MaxRowGap lines from it.
	MaxRowGap int
}

// Target is an indexed pair of edge and planar clouds in the target frame.
// Either tree may be nil. CornerRows and SurfaceRows, when set, hold the
// scan line of each indexed point.
type Target struct {
	Corners     *lidar.KDTree
	Surfaces    *lidar.KDTree
	CornerRows  []int
	SurfaceRows []int
}

// NewTarget indexes corner and surface clouds.
func NewTarget(corners, surfaces []r3.Vector) Target {
	return Target{Corners: lidar.NewKDTree(corners), Surfaces: lidar.NewKDTree(surfaces)}
}

// NewRowTarget indexes corner and surface clouds together with the scan line
// of every point. A rows slice whose length does not match its cloud is
// ignored.
func NewRowTarget(corners []r3.Vector, cornerRows []int, surfaces []r3.Vector, surfaceRows []int) Target {
	t := NewTarget(corners, surfaces)
	if len(cornerRows) == len(corners) {
		t.CornerRows = cornerRows
	}
	if len(surfaceRows) == len(surfaces) {
		t.SurfaceRows = surfaceRows
	}
	return t
}

// Matcher associates source edge and planar points with a target.
// It implements Associator.
type Matcher struct {
	cfg      MatchConfig
	target   Target
	corners  []r3.Vector
	surfaces []r3.Vector
}

// NewMatcher creates a matcher for the given source clouds.
func NewMatcher(cfg MatchConfig, target Target, corners, surfaces []r3.Vector) *Matcher {
	return &Matcher{cfg: cfg, target: target, corners: corners, surfaces: surfaces}
}

// robustWeight down-weights large residuals; a non-positive result means
// the correspondence is rejected.
func robustWeight(d float64) float64 {
	w := 1 - 0.9*math.Abs(d)
	if w <= 0.1 {
		return 0
	}
	return w
}

// Associate implements Associator.
func (m *Matcher) Associate(pose lidar.Pose) ([]Correspondence, int) {
	rows := make([]Correspondence, 0, 2*len(m.corners)+len(m.surfaces))
	matched := 0
	if m.target.Corners != nil && m.target.Corners.Len() >= 2 {
		for _, p := range m.corners {
			var ok bool
			rows, ok = m.matchLine(rows, p, pose.Apply(p))
			if ok {
				matched++
			}
		}
	}
	if m.target.Surfaces != nil && m.target.Surfaces.Len() >= 3 {
		for _, p := range m.surfaces {
			var ok bool
			rows, ok = m.matchPlane(rows, p, pose.Apply(p))
			if ok {
				matched++
			}
		}
	}
	return rows, matched
}

func (m *Matcher) neighbours(tree *lidar.KDTree, q r3.Vector, k int) []r3.Vector {
	nn := tree.KNearest(q, k)
	if len(nn) < k || nn[len(nn)-1].SqDist > m.cfg.MaxSqDist {
		return nil
	}
	out := make([]r3.Vector, len(nn))
	for i, n := range nn {
		out[i] = n.Point
	}
	return out
}

// spanningNeighbours returns k neighbours of q: the nearest target point,
// then up to k/2 (at least one) of the nearest points on other rows within
// MaxRowGap of its row, then the nearest remaining points on its own row.
// Without a point on another row there is no neighbourhood. When rows are
// unknown it falls back to plain nearest neighbours.
func (m *Matcher) spanningNeighbours(tree *lidar.KDTree, rows []int, q r3.Vector, k int) []r3.Vector {
	if m.cfg.MaxRowGap <= 0 || rows == nil {
		return m.neighbours(tree, q, k)
	}
	nn := tree.KNearest(q, rowSearchFactor*k)
	if len(nn) < k || nn[0].SqDist > m.cfg.MaxSqDist {
		return nil
	}
	home := rows[nn[0].Index]
	var same, other []r3.Vector
	for _, n := range nn[1:] {
		if n.SqDist > m.cfg.MaxSqDist {
			break
		}
		gap := rows[n.Index] - home
		if gap < 0 {
			gap = -gap
		}
		switch {
		case gap == 0:
			same = append(same, n.Point)
		case gap <= m.cfg.MaxRowGap:
			other = append(other, n.Point)
		}
	}
	if len(other) == 0 {
		return nil
	}
	cross := min(max(k/2, 1), len(other))
	out := make([]r3.Vector, 0, k)
	out = append(out, nn[0].Point)
	out = append(out, other[:cross]...)
	for _, group := range [][]r3.Vector{same, other[cross:]} {
		for _, p := range group {
			if len(out) == k {
				return out
			}
			out = append(out, p)
		}
	}
	if len(out) < k {
		return nil
	}
	return out
}

// matchLine appends two residual rows measuring the offset of q from the
// target edge along two directions perpendicular to it.
func (m *Matcher) matchLine(rows []Correspondence, src, q r3.Vector) ([]Correspondence, bool) {
	var a, dir r3.Vector
	switch m.cfg.Line {
	case PCALine:
		nb := m.neighbours(m.target.Corners, q, m.cfg.LineNeighbours)
		if nb == nil {
			return rows, false
		}
		var ok bool
		a, dir, ok = FitLine(nb, lineEigenRatio)
		if !ok {
			return rows, false
		}
	default:
		nb := m.spanningNeighbours(m.target.Corners, m.target.CornerRows, q, 2)
		if nb == nil {
			return rows, false
		}
		dir = nb[1].Sub(nb[0])
		if dir.Norm2() < 1e-12 {
			return rows, false
		}
		a = nb[0]
	}

	e1, e2 := lineBasis(dir)
	off := q.Sub(a)
	r1, r2 := e1.Dot(off), e2.Dot(off)
	w := robustWeight(math.Hypot(r1, r2))
	if w == 0 {
		return rows, false
	}
	rows = append(rows,
		Correspondence{Source: src, Normal: e1, Offset: -e1.Dot(a), Weight: w},
		Correspondence{Source: src, Normal: e2, Offset: -e2.Dot(a), Weight: w},
	)
	return rows, true
}

func (m *Matcher) matchPlane(rows []Correspondence, src, q r3.Vector) ([]Correspondence, bool) {
	nb := m.spanningNeighbours(m.target.Surfaces, m.target.SurfaceRows, q, m.cfg.PlaneNeighbours)
	if nb == nil {
		return rows, false
	}
	n, d, ok := FitPlane(nb, m.cfg.PlaneMaxDistance)
	if !ok {
		return rows, false
	}
	w := robustWeight(n.Dot(q) + d)
	if w == 0 {
		return rows, false
	}
	return append(rows, Correspondence{Source: src, Normal: n, Offset: d, Weight: w}), true
}
