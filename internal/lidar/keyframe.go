package lidar

import (
	"time"

	"github.com/golang/geo/r3"
)

// Keyframe is a retained scan: its map pose and its feature clouds in the
// sensor frame. Clouds are never modified after the keyframe is created, so
// they may be shared between readers without copying.
type Keyframe struct {
	Seq       int
	Timestamp time.Time
	Pose      Pose
	Corners   []r3.Vector
	Surfaces  []r3.Vector
}

// WorldCorners returns the corner cloud transformed by the keyframe pose.
func (k *Keyframe) WorldCorners() []r3.Vector { return TransformCloud(k.Corners, k.Pose) }

// WorldSurfaces returns the surface cloud transformed by the keyframe pose.
func (k *Keyframe) WorldSurfaces() []r3.Vector { return TransformCloud(k.Surfaces, k.Pose) }

// PoseConstraint is a relative pose measurement between two keyframes,
// produced by loop closure. Relative maps Target into Source's frame.
type PoseConstraint struct {
	Source   int
	Target   int
	Relative Pose
	Fitness  float64
}

// StampedPose is one entry of a trajectory.
type StampedPose struct {
	Timestamp time.Time
	Pose      Pose
}
