// Package loopclosure detects revisits of previously mapped places and
// turns them into relative pose constraints between keyframes.
//
// The detector runs on its own ticker, independent of the mapping rate,
// and only reads keyframe history through consistent snapshots.
package loopclosure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/registration"
	"github.com/banshee-data/lidarmap/internal/monitoring"
	"github.com/banshee-data/lidarmap/internal/timeutil"
)

var (
	// ErrNoCandidate means no keyframe qualified as a revisit.
	ErrNoCandidate = errors.New("no loop closure candidate")
	// ErrRejected means alignment with the candidate was not good enough.
	ErrRejected = errors.New("loop closure rejected")
)

// KeyframeSource provides consistent copies of the keyframe history.
type KeyframeSource interface {
	Snapshot() []lidar.Keyframe
}

// ConstraintSink receives accepted loop constraints.
type ConstraintSink interface {
	AddConstraint(c lidar.PoseConstraint)
}

// Alignment is the outcome of aligning a source cloud onto a target.
type Alignment struct {
	Transform lidar.Pose
	Fitness   float64
	Converged bool
}

// Aligner registers two world-frame clouds.
type Aligner interface {
	Align(source, target []r3.Vector, initial lidar.Pose) Alignment
}

// ICPAligner aligns with point-to-point ICP.
type ICPAligner struct {
	Config registration.ICPConfig
}

// Align implements Aligner.
func (a ICPAligner) Align(source, target []r3.Vector, initial lidar.Pose) Alignment {
	res := registration.ICP(source, target, initial, a.Config)
	return Alignment{Transform: res.Transform, Fitness: res.Fitness, Converged: res.Converged}
}

// Detector searches the keyframe history for revisits of the latest
// keyframe.
type Detector struct {
	cfg     lidar.LoopClosureConfig
	src     KeyframeSource
	sink    ConstraintSink
	aligner Aligner
	clock   timeutil.Clock

	lastTested int
}

// Option configures a Detector.
type Option func(*Detector)

// WithAligner replaces the default ICP aligner.
func WithAligner(a Aligner) Option { return func(d *Detector) { d.aligner = a } }

// WithClock replaces the wall clock driving Run.
func WithClock(c timeutil.Clock) Option { return func(d *Detector) { d.clock = c } }

// NewDetector creates a detector reading from src and publishing to sink.
func NewDetector(cfg *lidar.Config, src KeyframeSource, sink ConstraintSink, opts ...Option) *Detector {
	lc := cfg.LoopClosure
	d := &Detector{
		cfg:  lc,
		src:  src,
		sink: sink,
		aligner: ICPAligner{Config: registration.ICPConfig{
			MaxCorrespondenceDist: lc.MaxCorrespondenceDist,
			MaxIterations:         lc.MaxIterations,
			TransformEpsilon:      1e-6,
		}},
		clock:      timeutil.RealClock{},
		lastTested: -1,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run calls DetectOnce every configured interval until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	logs.Opsf("loop closure running every %s", d.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := d.DetectOnce(); err != nil && !errors.Is(err, ErrNoCandidate) {
				logs.Diagf("%v", err)
			}
		}
	}
}

// DetectOnce tests the latest keyframe against older ones. An accepted
// constraint is passed to the sink and returned.
func (d *Detector) DetectOnce() (lidar.PoseConstraint, error) {
	start := d.clock.Now()
	frames := d.src.Snapshot()
	if len(frames) == 0 {
		return lidar.PoseConstraint{}, ErrNoCandidate
	}
	latest := frames[len(frames)-1]
	if latest.Seq == d.lastTested {
		return lidar.PoseConstraint{}, ErrNoCandidate
	}
	d.lastTested = latest.Seq

	ci, ok := d.candidate(frames)
	if !ok {
		monitoring.LoopClosureAttempts.WithLabelValues("no_candidate").Inc()
		return lidar.PoseConstraint{}, ErrNoCandidate
	}
	cand := frames[ci]

	source := append(latest.WorldCorners(), latest.WorldSurfaces()...)
	target := d.history(frames, ci)
	al := d.aligner.Align(source, target, lidar.IdentityPose())
	if !al.Converged || al.Fitness >= d.cfg.FitnessThreshold {
		monitoring.LoopClosureAttempts.WithLabelValues("rejected").Inc()
		return lidar.PoseConstraint{}, fmt.Errorf("keyframe %d against %d: fitness %.3f (converged %t, threshold %.3f): %w",
			latest.Seq, cand.Seq, al.Fitness, al.Converged, d.cfg.FitnessThreshold, ErrRejected)
	}

	corrected := al.Transform.Compose(latest.Pose)
	c := lidar.PoseConstraint{
		Source:   cand.Seq,
		Target:   latest.Seq,
		Relative: lidar.Between(cand.Pose, corrected),
		Fitness:  al.Fitness,
	}
	d.sink.AddConstraint(c)
	monitoring.LoopClosureAttempts.WithLabelValues("accepted").Inc()
	logs.Opsf("loop closed: keyframe %d ↔ %d, fitness %.4f, correction %.3f m (%s)",
		cand.Seq, latest.Seq, al.Fitness, al.Transform.TranslationNorm(), d.clock.Since(start).Round(time.Millisecond))
	return c, nil
}

// candidate returns the snapshot index of the nearest keyframe within the
// search radius that is old enough to count as a revisit.
func (d *Detector) candidate(frames []lidar.Keyframe) (int, bool) {
	latest := frames[len(frames)-1]
	pts := make([]r3.Vector, len(frames))
	for i, kf := range frames {
		pts[i] = kf.Pose.Translation()
	}
	tree := lidar.NewKDTree(pts)
	for _, nb := range tree.Radius(latest.Pose.Translation(), d.cfg.HistorySearchRadius) {
		if latest.Seq-frames[nb.Index].Seq >= d.cfg.MinIndexSeparation {
			return nb.Index, true
		}
	}
	return 0, false
}

// history assembles the world-frame cloud of the keyframes around ci,
// never including the latest keyframe itself.
func (d *Detector) history(frames []lidar.Keyframe, ci int) []r3.Vector {
	lo, hi := ci-d.cfg.HistorySearchNum, ci+d.cfg.HistorySearchNum
	if lo < 0 {
		lo = 0
	}
	if hi > len(frames)-2 {
		hi = len(frames) - 2
	}
	var cloud []r3.Vector
	for i := lo; i <= hi; i++ {
		cloud = append(cloud, frames[i].WorldCorners()...)
		cloud = append(cloud, frames[i].WorldSurfaces()...)
	}
	return lidar.VoxelFilter(cloud, d.cfg.LeafSize)
}
