package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// Session is everything needed to export one mapping run. Scans holds the
// per-scan poses as first published; loop corrections only reach
// Keyframes.
type Session struct {
	Name        string
	Scans       []lidar.StampedPose
	Keyframes   []lidar.Keyframe
	Constraints []lidar.PoseConstraint
}

// Trajectory returns the keyframe poses with their timestamps, in keyframe
// order. It is the persisted trajectory and agrees with the exported map.
func (s Session) Trajectory() []lidar.StampedPose {
	out := make([]lidar.StampedPose, len(s.Keyframes))
	for i, kf := range s.Keyframes {
		out[i] = lidar.StampedPose{Timestamp: kf.Timestamp, Pose: kf.Pose}
	}
	return out
}

// Options selects what WriteAll produces.
type Options struct {
	MapLeafSize      float64 // voxel leaf for the PCD map; 0 keeps every point
	CompressMap      bool    // write map.pcd.zst instead of map.pcd
	ReadableTime     bool    // add a readable time column to the CSV
	GeoJSONTolerance float64 // Douglas-Peucker tolerance in metres; 0 disables
	Chart            bool
	Plot             bool
}

// DefaultOptions matches the layout the command writes on exit.
func DefaultOptions() Options {
	return Options{MapLeafSize: 0.2, CompressMap: true, ReadableTime: true, Chart: true, Plot: true}
}

// WriteAll writes every selected artefact into dir, creating it if needed,
// and returns the paths written.
func WriteAll(dir string, s Session, o Options) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	var written []string
	write := func(name string, fn func(io.Writer) error) error {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if err := fn(f); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		written = append(written, path)
		return nil
	}

	traj := s.Trajectory()
	if err := write("trajectory.txt", func(w io.Writer) error { return WriteTrajectoryText(w, traj) }); err != nil {
		return written, err
	}
	if err := write("trajectory.csv", func(w io.Writer) error { return WriteTrajectoryCSV(w, traj, o.ReadableTime) }); err != nil {
		return written, err
	}
	if len(s.Scans) > 0 {
		if err := write("scan_poses.txt", func(w io.Writer) error { return WriteTrajectoryText(w, s.Scans) }); err != nil {
			return written, err
		}
	}
	if err := write("trajectory.geojson", func(w io.Writer) error {
		fc := TrajectoryGeoJSON(traj, s.Keyframes, o.GeoJSONTolerance)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(fc)
	}); err != nil {
		return written, err
	}

	mapName := "map.pcd"
	if o.CompressMap {
		mapName += ".zst"
	}
	mapPath := filepath.Join(dir, mapName)
	cloud := AssembleMap(s.Keyframes, o.MapLeafSize)
	if err := SavePCD(mapPath, cloud); err != nil {
		return written, err
	}
	written = append(written, mapPath)

	title := s.Name
	if title == "" {
		title = "lidarmap"
	}
	if o.Chart {
		if err := write("trajectory.html", func(w io.Writer) error {
			return RenderChart(w, title, traj, s.Keyframes, s.Constraints)
		}); err != nil {
			return written, err
		}
	}
	if o.Plot && len(traj) > 0 {
		plotPath := filepath.Join(dir, "trajectory.png")
		if err := SavePlot(plotPath, title, traj, s.Keyframes); err != nil {
			return written, err
		}
		written = append(written, plotPath)
	}

	logs.Opsf("exported %d scan poses, %d keyframes, %d map points to %s", len(s.Scans), len(s.Keyframes), len(cloud), dir)
	return written, nil
}
