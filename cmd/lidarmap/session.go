package main

import (
	"sync"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/export"
	"github.com/banshee-data/lidarmap/internal/lidar/l6mapping"
)

// sessionLog keeps the published scan poses and accepted loop constraints
// in memory for the export written on exit. The exported trajectory itself
// comes from the keyframe snapshot, which carries loop corrections.
type sessionLog struct {
	mu          sync.Mutex
	scans       []lidar.StampedPose
	constraints []lidar.PoseConstraint
}

func newSessionLog() *sessionLog { return &sessionLog{} }

// PublishMapping implements pipeline.MappingSink.
func (s *sessionLog) PublishMapping(r l6mapping.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans = append(s.scans, lidar.StampedPose{Timestamp: r.Timestamp, Pose: r.Pose})
	s.constraints = append(s.constraints, r.Constraints...)
}

func (s *sessionLog) session(name string, keyframes []lidar.Keyframe) export.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return export.Session{
		Name:        name,
		Scans:       append([]lidar.StampedPose(nil), s.scans...),
		Keyframes:   keyframes,
		Constraints: append([]lidar.PoseConstraint(nil), s.constraints...),
	}
}
