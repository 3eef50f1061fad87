package visualiser

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// Update kinds.
const (
	KindOdometry = "odometry"
	KindMapping  = "mapping"
)

// PoseUpdate is one message on the pose stream.
type PoseUpdate struct {
	Seq        uint64
	Kind       string
	Timestamp  time.Time
	Pose       lidar.Pose
	Degenerate bool
	Skipped    bool

	// Mapping only.
	Refined     bool
	Keyframe    int // sequence number of a new keyframe, or -1
	LoopClosure int // loop constraints applied in this cycle
}

// toStruct encodes the update as a protobuf Struct. Numbers travel as
// doubles, so timestamps are split into whole seconds and nanoseconds
// to survive the trip exactly.
func (u PoseUpdate) toStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"seq":          structpb.NewNumberValue(float64(u.Seq)),
		"kind":         structpb.NewStringValue(u.Kind),
		"timestamp_s":  structpb.NewNumberValue(float64(u.Timestamp.Unix())),
		"timestamp_ns": structpb.NewNumberValue(float64(u.Timestamp.Nanosecond())),
		"x":            structpb.NewNumberValue(u.Pose.X),
		"y":            structpb.NewNumberValue(u.Pose.Y),
		"z":            structpb.NewNumberValue(u.Pose.Z),
		"roll":         structpb.NewNumberValue(u.Pose.Roll),
		"pitch":        structpb.NewNumberValue(u.Pose.Pitch),
		"yaw":          structpb.NewNumberValue(u.Pose.Yaw),
		"degenerate":   structpb.NewBoolValue(u.Degenerate),
		"skipped":      structpb.NewBoolValue(u.Skipped),
	}
	if u.Kind == KindMapping {
		fields["refined"] = structpb.NewBoolValue(u.Refined)
		fields["keyframe"] = structpb.NewNumberValue(float64(u.Keyframe))
		fields["loop_closures"] = structpb.NewNumberValue(float64(u.LoopClosure))
	}
	return &structpb.Struct{Fields: fields}
}

// UpdateFromStruct decodes a streamed message. Unknown fields are ignored.
func UpdateFromStruct(s *structpb.Struct) PoseUpdate {
	f := s.GetFields()
	num := func(k string) float64 { return f[k].GetNumberValue() }
	u := PoseUpdate{
		Seq:        uint64(num("seq")),
		Kind:       f["kind"].GetStringValue(),
		Timestamp:  time.Unix(int64(num("timestamp_s")), int64(num("timestamp_ns"))),
		Pose:       lidar.Pose{X: num("x"), Y: num("y"), Z: num("z"), Roll: num("roll"), Pitch: num("pitch"), Yaw: num("yaw")},
		Degenerate: f["degenerate"].GetBoolValue(),
		Skipped:    f["skipped"].GetBoolValue(),
		Keyframe:   -1,
	}
	if u.Kind == KindMapping {
		u.Refined = f["refined"].GetBoolValue()
		u.Keyframe = int(num("keyframe"))
		u.LoopClosure = int(num("loop_closures"))
	}
	return u
}
