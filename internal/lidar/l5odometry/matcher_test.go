package l5odometry

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l4features"
	"github.com/banshee-data/lidarmap/internal/testutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func defaultConfig() *lidar.Config {
	cfg := lidar.DefaultConfig()
	return &cfg
}

// points tags the fixture with rows cycling 0, 1, 2 so that consecutive
// samples of a line, and grid neighbours of a plane, sit on adjacent rings.
func points(vs []r3.Vector, cat lidar.FeatureCategory) []l4features.FeaturePoint {
	out := make([]l4features.FeaturePoint, len(vs))
	for i, v := range vs {
		out[i] = l4features.FeaturePoint{Pos: v, Category: cat, Row: i % 3}
	}
	return out
}

// roomScan is the room seen from a sensor displaced by x along the x axis.
func roomScan(i int, x float64) *l4features.FeatureSet {
	d := r3.Vector{X: -x}
	return &l4features.FeatureSet{
		Timestamp: t0.Add(time.Duration(i) * 100 * time.Millisecond),
		Sharp:     points(testutil.Shift(testutil.RoomCorners(), d), lidar.CornerSharp),
		Flat:      points(testutil.Shift(testutil.RoomSurfaces(), d), lidar.SurfFlat),
	}
}

func TestMatchFirstScanInitialises(t *testing.T) {
	t.Parallel()

	m := NewScanMatcher(defaultConfig())
	res := m.Match(roomScan(0, 0))

	assert.False(t, res.Initialized)
	assert.False(t, res.Skipped)
	assert.Equal(t, lidar.IdentityPose(), res.Pose)
	assert.Equal(t, lidar.IdentityPose(), res.Increment)
	assert.Len(t, res.Corners, len(testutil.RoomCorners()))
	assert.Len(t, res.Surfaces, len(testutil.RoomSurfaces()))
}

func TestMatchAccumulatesConstantMotion(t *testing.T) {
	t.Parallel()

	m := NewScanMatcher(defaultConfig())
	m.Match(roomScan(0, 0))

	for i := 1; i <= 3; i++ {
		res := m.Match(roomScan(i, 0.1*float64(i)))
		require.True(t, res.Initialized)
		require.False(t, res.Skipped, "scan %d", i)
		assert.InDelta(t, 0.1, res.Increment.X, 1e-3, "scan %d increment", i)
		assert.InDelta(t, 0, res.Increment.Y, 1e-3)
		assert.InDelta(t, 0, res.Increment.Yaw, 1e-3)
		assert.InDelta(t, 0.1*float64(i), res.Pose.X, 3e-3, "scan %d pose", i)
		assert.Positive(t, res.Iterations)
	}
	assert.InDelta(t, 0.3, m.Pose().X, 3e-3)
}

func TestMatchSkipsAndPropagatesGuess(t *testing.T) {
	t.Parallel()

	m := NewScanMatcher(defaultConfig())
	m.Match(roomScan(0, 0))
	first := m.Match(roomScan(1, 0.1))
	require.False(t, first.Skipped)

	empty := &l4features.FeatureSet{Timestamp: t0.Add(200 * time.Millisecond)}
	res := m.Match(empty)
	assert.True(t, res.Skipped)
	assert.Equal(t, first.Increment, res.Increment)
	assert.InDelta(t, first.Pose.X+first.Increment.X, res.Pose.X, 1e-6)
	assert.Zero(t, res.Iterations)
}

func TestMatchSkipWithoutHistoryKeepsIdentity(t *testing.T) {
	t.Parallel()

	m := NewScanMatcher(defaultConfig())
	m.Match(&l4features.FeatureSet{Timestamp: t0})
	res := m.Match(roomScan(1, 0.1))

	assert.True(t, res.Initialized)
	assert.True(t, res.Skipped)
	assert.Equal(t, lidar.IdentityPose(), res.Increment)
	assert.Equal(t, lidar.IdentityPose(), res.Pose)
}
