package l3rangeimage

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

const rad2deg = 180.0 / math.Pi

// Deskewer removes intra-scan motion from a point captured relTime seconds
// after the scan started. A nil Deskewer leaves points unchanged.
type Deskewer interface {
	Deskew(p r3.Vector, relTime float64) r3.Vector
}

// Cell is one slot of the range image.
type Cell struct {
	Valid   bool
	Range   float64
	Point   r3.Vector
	Source  int // index into Scan.Points
	RelTime float64
	Label   lidar.SegmentLabel
	Segment int // component id, 0 for ground and empty cells
}

// SegmentedPoint is a range image cell retained for feature extraction.
type SegmentedPoint struct {
	Point  r3.Vector
	Row    int
	Col    int
	Range  float64
	Ground bool
}

// Stats counts what happened to the points of one scan.
type Stats struct {
	Input          int
	DroppedInvalid int
	DroppedRange   int
	DroppedBounds  int
	Projected      int
	GroundCells    int
	Segments       int
	SegmentCells   int
	NoiseCells     int
}

// RangeImage is the projected, labelled scan.
type RangeImage struct {
	Timestamp time.Time
	Rows      int
	Cols      int
	Cells     []Cell // row-major, Rows*Cols

	// Segmented holds segment cells and thinned ground cells ordered by row
	// then column. RowStart[i] and RowEnd[i] bound the entries of row i that
	// have a full curvature window on both sides; RowEnd < RowStart for
	// rows with too few points.
	Segmented []SegmentedPoint
	RowStart  []int
	RowEnd    []int

	// Outliers are noise cells above the ground boundary on every fifth column.
	Outliers []r3.Vector

	Stats Stats
}

// At returns the cell at (row, col).
func (img *RangeImage) At(row, col int) *Cell {
	return &img.Cells[row*img.Cols+col]
}

// Projector turns raw scans into labelled range images.
type Projector struct {
	sensor lidar.SensorConfig
	seg    lidar.SegmentationConfig
	window int
}

// NewProjector creates a projector for the given configuration.
func NewProjector(cfg *lidar.Config) *Projector {
	return &Projector{
		sensor: cfg.Sensor,
		seg:    cfg.Segmentation,
		window: cfg.Features.CurvatureWindow,
	}
}

// Project builds the range image of scan. Invalid points are dropped and
// counted; no input is fatal.
func (p *Projector) Project(scan *lidar.Scan, deskew Deskewer) *RangeImage {
	rows, cols := p.sensor.NScan, p.sensor.HorizonScan
	img := &RangeImage{
		Timestamp: scan.Timestamp,
		Rows:      rows,
		Cols:      cols,
		Cells:     make([]Cell, rows*cols),
	}
	img.Stats.Input = len(scan.Points)

	useRing := scan.Fields.Has(lidar.FieldRing)
	useTime := scan.Fields.Has(lidar.FieldRelTime)
	period := p.sensor.ScanPeriod.Seconds()
	startAz, haveStart := 0.0, false

	for i, rp := range scan.Points {
		if !rp.Finite() {
			img.Stats.DroppedInvalid++
			continue
		}

		var row int
		if useRing {
			row = int(rp.Ring)
		} else {
			vert := math.Atan2(rp.Z, math.Hypot(rp.X, rp.Y)) * rad2deg
			// Returns below the lowest beam bin go negative and are dropped.
			row = int(math.Floor((vert + p.sensor.AngBottomDeg) / p.sensor.AngResYDeg))
		}
		if row < 0 || row >= rows {
			img.Stats.DroppedBounds++
			continue
		}

		horizon := math.Atan2(rp.X, rp.Y) * rad2deg
		col := -int(math.Round((horizon-90.0)/p.sensor.AngResXDeg)) + cols/2
		if col >= cols {
			col -= cols
		}
		if col < 0 || col >= cols {
			img.Stats.DroppedBounds++
			continue
		}

		var rel float64
		if useTime {
			rel = float64(rp.RelTime)
		} else {
			if !haveStart {
				startAz, haveStart = horizon, true
			}
			rel = sweepFraction(startAz, horizon) * period
		}

		v := rp.Vec()
		if deskew != nil {
			v = deskew.Deskew(v, rel)
		}
		r := v.Norm()
		if r < p.sensor.MinRange {
			img.Stats.DroppedRange++
			continue
		}

		c := img.At(row, col)
		if !c.Valid {
			img.Stats.Projected++
		}
		*c = Cell{Valid: true, Range: r, Point: v, Source: i, RelTime: rel}
	}

	p.labelGround(img)
	p.labelSegments(img)
	p.collect(img)

	logs.Tracef("projected %d/%d points: ground=%d segments=%d noise=%d dropped(invalid=%d range=%d bounds=%d)",
		img.Stats.Projected, img.Stats.Input, img.Stats.GroundCells, img.Stats.Segments,
		img.Stats.NoiseCells, img.Stats.DroppedInvalid, img.Stats.DroppedRange, img.Stats.DroppedBounds)
	return img
}

// sweepFraction is the clockwise azimuth travelled from start, as a fraction
// of one revolution in [0, 1).
func sweepFraction(startDeg, azDeg float64) float64 {
	d := math.Mod(azDeg-startDeg, 360)
	if d < 0 {
		d += 360
	}
	return d / 360
}

// collect flattens segment and ground cells into img.Segmented. Most ground
// cells are skipped: only every GroundDownsampleStride-th column is kept,
// plus the columns next to the image seam.
func (p *Projector) collect(img *RangeImage) {
	stride := p.seg.GroundDownsampleStride
	if stride < 1 {
		stride = 1
	}
	w := p.window
	img.RowStart = make([]int, img.Rows)
	img.RowEnd = make([]int, img.Rows)
	img.Segmented = make([]SegmentedPoint, 0, img.Stats.SegmentCells+img.Stats.GroundCells/stride+img.Rows)

	for i := 0; i < img.Rows; i++ {
		img.RowStart[i] = len(img.Segmented) - 1 + w
		for j := 0; j < img.Cols; j++ {
			c := img.At(i, j)
			switch c.Label {
			case lidar.LabelNoise:
				if i > p.sensor.GroundScanInd && j%5 == 0 {
					img.Outliers = append(img.Outliers, c.Point)
				}
				continue
			case lidar.LabelGround:
				if j%stride != 0 && j > 5 && j < img.Cols-5 {
					continue
				}
			case lidar.LabelSegment:
			default:
				continue
			}
			img.Segmented = append(img.Segmented, SegmentedPoint{
				Point:  c.Point,
				Row:    i,
				Col:    j,
				Range:  c.Range,
				Ground: c.Label == lidar.LabelGround,
			})
		}
		img.RowEnd[i] = len(img.Segmented) - 1 - w
	}
}
