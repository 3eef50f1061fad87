package lidar

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
)

// FieldMask advertises which optional fields of RawPoint a source fills in.
// Minimal sources report only coordinates and intensity.
type FieldMask uint8

const (
	// FieldRing means RawPoint.Ring holds the laser ring index.
	FieldRing FieldMask = 1 << iota
	// FieldRelTime means RawPoint.RelTime holds seconds since scan start.
	FieldRelTime
)

// Has reports whether every bit of f is set in m.
func (m FieldMask) Has(f FieldMask) bool { return m&f == f }

// RawPoint is a single return in the sensor frame.
type RawPoint struct {
	X, Y, Z   float64
	Intensity float32
	Ring      uint16  // valid when the scan carries FieldRing
	RelTime   float32 // seconds since scan start, valid with FieldRelTime
}

// Vec returns the point coordinates.
func (p RawPoint) Vec() r3.Vector { return r3.Vector{X: p.X, Y: p.Y, Z: p.Z} }

// Range returns the Euclidean distance from the sensor origin.
func (p RawPoint) Range() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

// Finite reports whether all coordinates are finite numbers.
func (p RawPoint) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsNaN(p.Z) &&
		!math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0) && !math.IsInf(p.Z, 0)
}

// Scan is one full sensor rotation.
type Scan struct {
	Timestamp time.Time
	Fields    FieldMask
	Points    []RawPoint
}

// SegmentLabel classifies a range image cell.
type SegmentLabel int

const (
	LabelUnlabeled SegmentLabel = iota
	LabelGround
	LabelSegment
	LabelNoise
)

func (l SegmentLabel) String() string {
	switch l {
	case LabelGround:
		return "ground"
	case LabelSegment:
		return "segment"
	case LabelNoise:
		return "noise"
	default:
		return "unlabeled"
	}
}

// FeatureCategory is the role a point plays in registration.
// The categories are mutually exclusive for any single point.
type FeatureCategory int

const (
	CornerSharp FeatureCategory = iota
	CornerLessSharp
	SurfFlat
	SurfLessFlat
)

func (c FeatureCategory) String() string {
	switch c {
	case CornerSharp:
		return "corner_sharp"
	case CornerLessSharp:
		return "corner_less_sharp"
	case SurfFlat:
		return "surf_flat"
	default:
		return "surf_less_flat"
	}
}
