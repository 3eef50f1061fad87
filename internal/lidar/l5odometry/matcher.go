package l5odometry

import (
	"errors"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l4features"
	"github.com/banshee-data/lidarmap/internal/lidar/registration"
	"github.com/banshee-data/lidarmap/internal/monitoring"
)

// Result is the odometry output for one scan.
//
// Increment maps points of this scan into the previous scan's frame and
// Pose is the accumulated odometry pose. Corners and Surfaces are the
// scan's full edge and planar clouds, forwarded to mapping.
type Result struct {
	Timestamp   time.Time
	Increment   lidar.Pose
	Pose        lidar.Pose
	Corners     []r3.Vector
	Surfaces    []r3.Vector
	Iterations  int
	Degenerate  bool
	Skipped     bool // registration failed; Increment is the constant-velocity guess
	Initialized bool // false for the first scan
}

// adjacentRows is how many scan lines away the second point of an edge, and
// the cross-line points of a plane patch, may be taken from.
const adjacentRows = 2

// ScanMatcher estimates motion between consecutive feature sets.
// It is owned by a single goroutine.
type ScanMatcher struct {
	cfg    lidar.OdometryConfig
	solver *registration.Solver

	initialized bool
	prev        registration.Target
	increment   lidar.Pose
	pose        lidar.Pose
}

// NewScanMatcher creates a scan matcher.
func NewScanMatcher(cfg *lidar.Config) *ScanMatcher {
	return &ScanMatcher{
		cfg:       cfg.Odometry,
		solver:    registration.NewSolver(cfg.Odometry.Solver),
		increment: lidar.IdentityPose(),
		pose:      lidar.IdentityPose(),
	}
}

// Pose returns the accumulated odometry pose.
func (m *ScanMatcher) Pose() lidar.Pose { return m.pose }

// Match registers fs against the previous scan. The first call only
// stores fs as the reference and returns the identity.
func (m *ScanMatcher) Match(fs *l4features.FeatureSet) Result {
	res := Result{
		Timestamp: fs.Timestamp,
		Corners:   fs.CornerCloud(),
		Surfaces:  fs.SurfaceCloud(),
	}
	defer func() {
		m.prev = registration.NewRowTarget(res.Corners, fs.CornerRows(), res.Surfaces, fs.SurfaceRows())
		monitoring.ScansProcessed.WithLabelValues(monitoring.StageOdometry).Inc()
	}()

	if !m.initialized {
		m.initialized = true
		res.Increment = lidar.IdentityPose()
		res.Pose = m.pose
		logs.Opsf("odometry initialised at %s with %d corners, %d surfaces", fs.Timestamp.Format(time.RFC3339Nano), len(res.Corners), len(res.Surfaces))
		return res
	}
	res.Initialized = true

	matcher := registration.NewMatcher(registration.MatchConfig{
		Line:             registration.TwoPointLine,
		PlaneNeighbours:  m.cfg.PlaneNeighbours,
		MaxSqDist:        m.cfg.NearestFeatureSearchSqDist,
		PlaneMaxDistance: m.cfg.Solver.PlaneMaxDistance,
		MaxRowGap:        adjacentRows,
	}, m.prev, l4features.Positions(fs.Sharp), l4features.Positions(fs.Flat))

	guess := m.increment
	sol, err := m.solver.Solve(matcher, guess)
	switch {
	case errors.Is(err, registration.ErrInsufficientCorrespondences):
		logs.Diagf("odometry skipped at %s: %v", fs.Timestamp.Format(time.RFC3339Nano), err)
		monitoring.RecordDegraded(monitoring.StageOdometry, "insufficient_correspondences")
		res.Skipped = true
		res.Increment = guess
	case err != nil:
		logs.Opsf("odometry solver error: %v", err)
		res.Skipped = true
		res.Increment = guess
	default:
		res.Increment = sol.Pose
		res.Iterations = sol.Iterations
		res.Degenerate = sol.Degenerate
		monitoring.SolverIterations.WithLabelValues(monitoring.StageOdometry).Observe(float64(sol.Iterations))
		if sol.Degenerate {
			monitoring.RecordDegraded(monitoring.StageOdometry, "degenerate")
		}
	}

	m.increment = res.Increment
	m.pose = m.pose.Compose(res.Increment)
	res.Pose = m.pose
	logs.Tracef("odometry %s: inc=%s pose=%s iters=%d", fs.Timestamp.Format(time.RFC3339Nano), res.Increment, res.Pose, res.Iterations)
	return res
}
