package pipeline

import (
	"context"
	"reflect"
	"time"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l3rangeimage"
	"github.com/banshee-data/lidarmap/internal/lidar/l4features"
	"github.com/banshee-data/lidarmap/internal/lidar/l5odometry"
	"github.com/banshee-data/lidarmap/internal/lidar/l6mapping"
)

// ---------------------------------------------------------------------------
// Stage interfaces. The concrete layer types satisfy these; tests may
// substitute their own.
// ---------------------------------------------------------------------------

// ProjectionStage turns a raw scan into a segmented range image (L3).
type ProjectionStage interface {
	Project(scan *lidar.Scan, deskew l3rangeimage.Deskewer) *l3rangeimage.RangeImage
}

// FeatureStage selects edge and planar features (L4).
type FeatureStage interface {
	Extract(img *l3rangeimage.RangeImage) *l4features.FeatureSet
}

// OdometryStage registers consecutive feature sets (L5).
type OdometryStage interface {
	Match(fs *l4features.FeatureSet) l5odometry.Result
}

// MappingStage refines odometry against the keyframe map (L6).
type MappingStage interface {
	Process(odom l5odometry.Result) l6mapping.Result
}

// LoopStage runs revisit detection until ctx is done.
type LoopStage interface {
	Run(ctx context.Context) error
}

// DeskewSource supplies motion correction for a scan. It returns nil when
// no correction is available.
type DeskewSource interface {
	DeskewerFor(scan *lidar.Scan, period time.Duration) l3rangeimage.Deskewer
}

// OdometrySink receives every odometry result in scan order.
type OdometrySink interface {
	PublishOdometry(r l5odometry.Result)
}

// MappingSink receives every mapping result in scan order. It is an
// adapter, not a domain layer: persistence and publishers implement it.
type MappingSink interface {
	PublishMapping(r l6mapping.Result)
}

// isNilInterface checks if an interface value is nil or contains a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}
