package l4features

import (
	"math"
	"sort"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l3rangeimage"
)

// FeaturePoint is a selected point with the curvature that selected it.
// Voxel-downsampled less-flat points carry Sector -1 and zero curvature.
type FeaturePoint struct {
	Pos       r3.Vector
	Curvature float64
	Category  lidar.FeatureCategory
	Row       int
	Sector    int
}

// FeatureSet holds the four mutually exclusive feature categories of a scan.
type FeatureSet struct {
	Timestamp time.Time
	Sharp     []FeaturePoint
	LessSharp []FeaturePoint
	Flat      []FeaturePoint
	LessFlat  []FeaturePoint
}

// CornerCloud returns sharp ∪ less-sharp positions, the edge map of a scan.
func (fs *FeatureSet) CornerCloud() []r3.Vector {
	out := make([]r3.Vector, 0, len(fs.Sharp)+len(fs.LessSharp))
	out = appendPositions(out, fs.Sharp)
	return appendPositions(out, fs.LessSharp)
}

// SurfaceCloud returns flat ∪ less-flat positions, the planar map of a scan.
func (fs *FeatureSet) SurfaceCloud() []r3.Vector {
	out := make([]r3.Vector, 0, len(fs.Flat)+len(fs.LessFlat))
	out = appendPositions(out, fs.Flat)
	return appendPositions(out, fs.LessFlat)
}

// CornerRows returns the scan line of each CornerCloud point.
func (fs *FeatureSet) CornerRows() []int {
	out := make([]int, 0, len(fs.Sharp)+len(fs.LessSharp))
	out = appendRows(out, fs.Sharp)
	return appendRows(out, fs.LessSharp)
}

// SurfaceRows returns the scan line of each SurfaceCloud point.
func (fs *FeatureSet) SurfaceRows() []int {
	out := make([]int, 0, len(fs.Flat)+len(fs.LessFlat))
	out = appendRows(out, fs.Flat)
	return appendRows(out, fs.LessFlat)
}

// Positions returns the positions of pts.
func Positions(pts []FeaturePoint) []r3.Vector {
	return appendPositions(make([]r3.Vector, 0, len(pts)), pts)
}

func appendPositions(dst []r3.Vector, pts []FeaturePoint) []r3.Vector {
	for _, p := range pts {
		dst = append(dst, p.Pos)
	}
	return dst
}

func appendRows(dst []int, pts []FeaturePoint) []int {
	for _, p := range pts {
		dst = append(dst, p.Row)
	}
	return dst
}

// Extractor selects edge and planar features from segmented range images.
// It keeps scratch buffers between calls and is not safe for concurrent use.
type Extractor struct {
	cfg lidar.FeatureConfig

	curvature []float64
	picked    []bool
	occluded  []bool
	label     []int8
	order     []int
}

const (
	labelNone int8 = iota
	labelCorner
	labelFlat
)

// NewExtractor creates an extractor for the given configuration.
func NewExtractor(cfg *lidar.Config) *Extractor {
	return &Extractor{cfg: cfg.Features}
}

// Extract computes curvature over img.Segmented and selects features.
func (e *Extractor) Extract(img *l3rangeimage.RangeImage) *FeatureSet {
	fs := &FeatureSet{Timestamp: img.Timestamp}
	pts := img.Segmented
	n := len(pts)
	w := e.cfg.CurvatureWindow
	if n < 2*w+1 {
		return fs
	}
	e.reset(n)
	e.computeCurvature(pts)
	e.markOccluded(pts)

	sections := e.cfg.SectionsTotal
	for row := 0; row < img.Rows; row++ {
		start, end := img.RowStart[row], img.RowEnd[row]
		if start < w {
			start = w
		}
		if end > n-w-1 {
			end = n - w - 1
		}
		if end <= start {
			continue
		}
		var lessFlat []r3.Vector
		for s := 0; s < sections; s++ {
			sp := (start*(sections-s) + end*s) / sections
			ep := (start*(sections-1-s)+end*(s+1))/sections - 1
			if sp >= ep {
				continue
			}
			e.order = e.order[:0]
			for i := sp; i <= ep; i++ {
				e.order = append(e.order, i)
			}
			sort.SliceStable(e.order, func(a, b int) bool {
				return e.curvature[e.order[a]] < e.curvature[e.order[b]]
			})
			e.selectCorners(pts, fs, row, s)
			e.selectFlat(pts, fs, row, s)

			for i := sp; i <= ep; i++ {
				if e.label[i] == labelNone && !e.occluded[i] {
					lessFlat = append(lessFlat, pts[i].Point)
				}
			}
		}
		for _, p := range lidar.VoxelFilter(lessFlat, e.cfg.LessFlatLeafSize) {
			fs.LessFlat = append(fs.LessFlat, FeaturePoint{Pos: p, Category: lidar.SurfLessFlat, Row: row, Sector: -1})
		}
	}

	logs.Tracef("features: sharp=%d less_sharp=%d flat=%d less_flat=%d from %d points",
		len(fs.Sharp), len(fs.LessSharp), len(fs.Flat), len(fs.LessFlat), n)
	return fs
}

func (e *Extractor) reset(n int) {
	if cap(e.curvature) < n {
		e.curvature = make([]float64, n)
		e.picked = make([]bool, n)
		e.occluded = make([]bool, n)
		e.label = make([]int8, n)
	}
	e.curvature = e.curvature[:n]
	e.picked = e.picked[:n]
	e.occluded = e.occluded[:n]
	e.label = e.label[:n]
	for i := 0; i < n; i++ {
		e.curvature[i] = 0
		e.picked[i] = false
		e.occluded[i] = false
		e.label[i] = labelNone
	}
}

// computeCurvature sets c = |Σ_{k≠0} (r[i+k] − r[i])| / r[i] over the window.
func (e *Extractor) computeCurvature(pts []l3rangeimage.SegmentedPoint) {
	w := e.cfg.CurvatureWindow
	for i := w; i < len(pts)-w; i++ {
		ri := pts[i].Range
		var diff float64
		for k := -w; k <= w; k++ {
			if k != 0 {
				diff += pts[i+k].Range - ri
			}
		}
		if ri > 0 {
			e.curvature[i] = math.Abs(diff) / ri
		}
	}
}

// markOccluded excludes points next to a range jump on the far side, and
// points on surfaces nearly parallel to the beam.
func (e *Extractor) markOccluded(pts []l3rangeimage.SegmentedPoint) {
	w := e.cfg.CurvatureWindow
	gap := e.cfg.NeighborColumnGap
	jump := e.cfg.OcclusionRangeDiff
	ratio := e.cfg.ParallelBeamRatio
	n := len(pts)
	for i := w; i < n-w-1; i++ {
		d1, d2 := pts[i].Range, pts[i+1].Range
		colDiff := pts[i+1].Col - pts[i].Col
		if colDiff < 0 {
			colDiff = -colDiff
		}
		if colDiff < gap {
			if d1-d2 > jump {
				for k := i - w; k <= i; k++ {
					e.exclude(k)
				}
			} else if d2-d1 > jump {
				for k := i + 1; k <= i+w+1 && k < n; k++ {
					e.exclude(k)
				}
			}
		}

		diff1 := math.Abs(pts[i-1].Range - pts[i].Range)
		diff2 := math.Abs(pts[i+1].Range - pts[i].Range)
		if diff1 > ratio*pts[i].Range && diff2 > ratio*pts[i].Range {
			e.exclude(i)
		}
	}
}

func (e *Extractor) exclude(i int) {
	e.picked[i] = true
	e.occluded[i] = true
}

// selectCorners walks the sector from highest curvature down.
func (e *Extractor) selectCorners(pts []l3rangeimage.SegmentedPoint, fs *FeatureSet, row, sector int) {
	maxSharp := e.cfg.EdgeFeatureNum
	maxTotal := maxSharp + e.cfg.EdgeLessFeatureNum
	picked := 0
	for k := len(e.order) - 1; k >= 0; k-- {
		i := e.order[k]
		if e.picked[i] || pts[i].Ground || e.curvature[i] <= e.cfg.EdgeThreshold {
			continue
		}
		if picked >= maxTotal {
			break
		}
		picked++
		fp := FeaturePoint{Pos: pts[i].Point, Curvature: e.curvature[i], Row: row, Sector: sector}
		if picked <= maxSharp {
			fp.Category = lidar.CornerSharp
			fs.Sharp = append(fs.Sharp, fp)
		} else {
			fp.Category = lidar.CornerLessSharp
			fs.LessSharp = append(fs.LessSharp, fp)
		}
		e.label[i] = labelCorner
		e.suppressNeighbours(pts, i)
	}
}

// selectFlat walks the sector from lowest curvature up, ground points only.
func (e *Extractor) selectFlat(pts []l3rangeimage.SegmentedPoint, fs *FeatureSet, row, sector int) {
	picked := 0
	for _, i := range e.order {
		if picked >= e.cfg.SurfFeatureNum {
			break
		}
		if e.picked[i] || !pts[i].Ground || e.curvature[i] >= e.cfg.SurfThreshold {
			continue
		}
		picked++
		fs.Flat = append(fs.Flat, FeaturePoint{
			Pos: pts[i].Point, Curvature: e.curvature[i], Category: lidar.SurfFlat, Row: row, Sector: sector,
		})
		e.label[i] = labelFlat
		e.suppressNeighbours(pts, i)
	}
}

// suppressNeighbours marks i and up to CurvatureWindow points on each side
// as picked, stopping at a column gap wider than NeighborColumnGap.
func (e *Extractor) suppressNeighbours(pts []l3rangeimage.SegmentedPoint, i int) {
	e.picked[i] = true
	w := e.cfg.CurvatureWindow
	gap := e.cfg.NeighborColumnGap
	for l := 1; l <= w && i+l < len(pts); l++ {
		if absInt(pts[i+l].Col-pts[i+l-1].Col) > gap {
			break
		}
		e.picked[i+l] = true
	}
	for l := 1; l <= w && i-l >= 0; l++ {
		if absInt(pts[i-l].Col-pts[i-l+1].Col) > gap {
			break
		}
		e.picked[i-l] = true
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
