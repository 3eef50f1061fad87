package export

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// TrajectoryGeoJSON builds a feature collection in the map's x/y plane
// (metres, not geographic coordinates): one LineString for the path and a
// Point per keyframe. A positive tolerance simplifies the path with
// Douglas-Peucker.
func TrajectoryGeoJSON(poses []lidar.StampedPose, keyframes []lidar.Keyframe, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	if len(poses) > 0 {
		ls := make(orb.LineString, len(poses))
		for i, sp := range poses {
			ls[i] = orb.Point{sp.Pose.X, sp.Pose.Y}
		}
		if tolerance > 0 && len(ls) > 2 {
			ls = simplify.DouglasPeucker(tolerance).LineString(ls)
		}
		path := geojson.NewFeature(ls)
		path.Properties["kind"] = "trajectory"
		path.Properties["poses"] = len(poses)
		path.Properties["start"] = poses[0].Timestamp.UTC().Format(time.RFC3339Nano)
		path.Properties["end"] = poses[len(poses)-1].Timestamp.UTC().Format(time.RFC3339Nano)
		fc.Append(path)
	}

	for _, kf := range keyframes {
		pt := geojson.NewFeature(orb.Point{kf.Pose.X, kf.Pose.Y})
		pt.Properties["kind"] = "keyframe"
		pt.Properties["seq"] = kf.Seq
		pt.Properties["z"] = kf.Pose.Z
		pt.Properties["yaw"] = kf.Pose.Yaw
		fc.Append(pt)
	}
	return fc
}
