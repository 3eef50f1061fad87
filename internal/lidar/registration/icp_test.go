package registration

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/testutil"
)

func icpConfig() ICPConfig {
	return ICPConfig{MaxCorrespondenceDist: 1, MaxIterations: 50, TransformEpsilon: 1e-8}
}

func TestICPRecoversTranslation(t *testing.T) {
	t.Parallel()

	target := testutil.RoomSurfaces()
	source := testutil.Shift(target, r3.Vector{X: -0.1})

	res := ICP(source, target, lidar.IdentityPose(), icpConfig())
	require.True(t, res.Converged)
	assertPose(t, lidar.Pose{X: 0.1}, res.Transform, 1e-6)
	assert.Less(t, res.Fitness, 1e-9)
}

func TestICPRecoversYaw(t *testing.T) {
	t.Parallel()

	motion := lidar.Pose{Yaw: 0.01}
	target := testutil.RoomSurfaces()
	source := testutil.SeenFrom(target, motion)

	res := ICP(source, target, lidar.IdentityPose(), icpConfig())
	require.True(t, res.Converged)
	assertPose(t, motion, res.Transform, 1e-6)
	assert.Less(t, res.Fitness, 1e-9)
}

func TestICPTooFewPoints(t *testing.T) {
	t.Parallel()

	res := ICP([]r3.Vector{{X: 1}, {X: 2}}, testutil.RoomSurfaces(), lidar.Pose{X: 3}, icpConfig())
	assert.False(t, res.Converged)
	assert.True(t, math.IsInf(res.Fitness, 1))
	assert.Equal(t, lidar.Pose{X: 3}, res.Transform)
}

func TestICPNoPairsWithinDistance(t *testing.T) {
	t.Parallel()

	target := testutil.RoomSurfaces()
	source := testutil.Shift(target, r3.Vector{Z: 100})

	res := ICP(source, target, lidar.IdentityPose(), icpConfig())
	assert.False(t, res.Converged)
	assert.Zero(t, res.Iterations)
}

func TestFitnessScore(t *testing.T) {
	t.Parallel()

	target := []r3.Vector{{X: 0}, {X: 10}}
	tree := lidar.NewKDTree(target)
	got := FitnessScore([]r3.Vector{{X: 1}, {X: 8}}, tree, lidar.IdentityPose())
	assert.InDelta(t, (1.0+4.0)/2, got, 1e-12)
	assert.True(t, math.IsInf(FitnessScore(nil, tree, lidar.IdentityPose()), 1))
}
