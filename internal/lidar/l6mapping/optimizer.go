package l6mapping

import (
	"errors"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l5odometry"
	"github.com/banshee-data/lidarmap/internal/lidar/posegraph"
	"github.com/banshee-data/lidarmap/internal/lidar/registration"
	"github.com/banshee-data/lidarmap/internal/monitoring"
)

// Result is the mapping output for one odometry update.
type Result struct {
	Timestamp  time.Time
	Pose       lidar.Pose
	Keyframe   *lidar.Keyframe // nil unless this scan became a keyframe
	Refined    bool            // scan-to-map registration ran and succeeded
	Skipped    bool            // mapping ran but kept the prediction
	Degenerate bool
	Iterations int

	// Set when pending loop constraints were applied in this cycle.
	Constraints []lidar.PoseConstraint
	Corrected   map[int]lidar.Pose
}

// MapOptimizer refines odometry poses against a local map built from
// recent keyframes. Process is called from a single goroutine;
// AddConstraint may be called from any goroutine.
type MapOptimizer struct {
	cfg         lidar.MappingConfig
	loopEnabled bool
	solver      *registration.Solver
	graphSolver *posegraph.Solver
	store       *KeyframeStore
	graph       posegraph.Graph

	mu      sync.Mutex
	pending []lidar.PoseConstraint

	started    bool
	lastUpdate time.Time
	lastOdom   lidar.Pose // odometry pose at the last mapping update
	lastMap    lidar.Pose // map pose at the last mapping update

	posTree  *lidar.KDTree // keyframe positions in snapshot order
	posStale bool
}

// NewMapOptimizer creates a map optimizer writing keyframes to store.
func NewMapOptimizer(cfg *lidar.Config, store *KeyframeStore) *MapOptimizer {
	return &MapOptimizer{
		cfg:         cfg.Mapping,
		loopEnabled: cfg.LoopClosure.Enabled,
		solver:      registration.NewSolver(cfg.Mapping.Solver),
		graphSolver: posegraph.NewSolver(),
		store:       store,
		lastOdom:    lidar.IdentityPose(),
		lastMap:     lidar.IdentityPose(),
		posStale:    true,
	}
}

// Store returns the keyframe history.
func (m *MapOptimizer) Store() *KeyframeStore { return m.store }

// AddConstraint queues a loop constraint for the next mapping update.
func (m *MapOptimizer) AddConstraint(c lidar.PoseConstraint) {
	m.mu.Lock()
	m.pending = append(m.pending, c)
	m.mu.Unlock()
}

func (m *MapOptimizer) takePending() []lidar.PoseConstraint {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending
	m.pending = nil
	return p
}

// Process fuses one odometry result into the map.
func (m *MapOptimizer) Process(odom l5odometry.Result) Result {
	pred := m.lastMap.Compose(lidar.Between(m.lastOdom, odom.Pose))
	res := Result{Timestamp: odom.Timestamp, Pose: pred}

	if m.started && odom.Timestamp.Sub(m.lastUpdate) < m.cfg.Interval {
		return res
	}
	m.started = true
	m.lastUpdate = odom.Timestamp

	if pending := m.takePending(); len(pending) > 0 {
		if delta, ok := m.applyConstraints(pending, &res); ok {
			pred = delta.Compose(pred)
			res.Pose = pred
		}
	}

	corners := lidar.VoxelFilter(odom.Corners, m.cfg.CornerLeafSize)
	surfaces := lidar.VoxelFilter(odom.Surfaces, m.cfg.SurfLeafSize)

	pose := pred
	if m.store.Len() > 0 {
		pose = m.refine(pred, corners, surfaces, &res)
	}
	res.Pose = pose
	m.lastOdom = odom.Pose
	m.lastMap = pose

	if m.shouldAddKeyframe(pose) {
		kf, err := m.addKeyframe(odom.Timestamp, pose, corners, surfaces)
		if err != nil {
			logs.Opsf("keyframe append failed: %v", err)
		} else {
			res.Keyframe = kf
		}
	}
	monitoring.ScansProcessed.WithLabelValues(monitoring.StageMapping).Inc()
	logs.Tracef("mapping %s: pose=%s refined=%t keyframes=%d", odom.Timestamp.Format(time.RFC3339Nano), res.Pose, res.Refined, m.store.Len())
	return res
}

// refine registers the scan against the local map, returning pred when
// the map or the correspondences are insufficient.
func (m *MapOptimizer) refine(pred lidar.Pose, corners, surfaces []r3.Vector, res *Result) lidar.Pose {
	mapCorners, mapSurfaces := m.submap(pred)
	if len(mapCorners) < m.cfg.MinCornerTarget || len(mapSurfaces) < m.cfg.MinSurfTarget {
		logs.Diagf("mapping skipped: local map has %d corners, %d surfaces", len(mapCorners), len(mapSurfaces))
		monitoring.RecordDegraded(monitoring.StageMapping, "small_submap")
		res.Skipped = true
		return pred
	}

	matcher := registration.NewMatcher(registration.MatchConfig{
		Line:             registration.PCALine,
		LineNeighbours:   m.cfg.LineNeighbours,
		PlaneNeighbours:  m.cfg.PlaneNeighbours,
		MaxSqDist:        m.cfg.NeighbourSqDist,
		PlaneMaxDistance: m.cfg.Solver.PlaneMaxDistance,
	}, registration.NewTarget(mapCorners, mapSurfaces), corners, surfaces)

	sol, err := m.solver.Solve(matcher, pred)
	if err != nil {
		if !errors.Is(err, registration.ErrInsufficientCorrespondences) {
			logs.Opsf("mapping solver error: %v", err)
		}
		logs.Diagf("mapping skipped: %v", err)
		monitoring.RecordDegraded(monitoring.StageMapping, "insufficient_correspondences")
		res.Skipped = true
		return pred
	}
	res.Refined = true
	res.Degenerate = sol.Degenerate
	res.Iterations = sol.Iterations
	monitoring.SolverIterations.WithLabelValues(monitoring.StageMapping).Observe(float64(sol.Iterations))
	if sol.Degenerate {
		monitoring.RecordDegraded(monitoring.StageMapping, "degenerate")
	}
	return sol.Pose
}

// submap assembles the world-frame local map around pose. With loop
// closure enabled the most recent keyframes are used; otherwise those
// within the search radius.
func (m *MapOptimizer) submap(pose lidar.Pose) (corners, surfaces []r3.Vector) {
	frames := m.store.Snapshot()
	var selected []lidar.Keyframe
	if m.loopEnabled {
		start := len(frames) - m.cfg.SurroundingKeyframeSearchNum
		if start < 0 {
			start = 0
		}
		selected = frames[start:]
	} else {
		m.refreshPositions(frames)
		for _, nb := range m.posTree.Radius(pose.Translation(), m.cfg.SurroundingKeyframeSearchRadius) {
			selected = append(selected, frames[nb.Index])
		}
		if len(selected) == 0 && len(frames) > 0 {
			selected = frames[len(frames)-1:]
		}
	}

	for i := range selected {
		corners = append(corners, selected[i].WorldCorners()...)
		surfaces = append(surfaces, selected[i].WorldSurfaces()...)
	}
	return lidar.VoxelFilter(corners, m.cfg.CornerLeafSize), lidar.VoxelFilter(surfaces, m.cfg.SurfLeafSize)
}

func (m *MapOptimizer) refreshPositions(frames []lidar.Keyframe) {
	if !m.posStale && m.posTree != nil && m.posTree.Len() == len(frames) {
		return
	}
	pts := make([]r3.Vector, len(frames))
	for i, kf := range frames {
		pts[i] = kf.Pose.Translation()
	}
	m.posTree = lidar.NewKDTree(pts)
	m.posStale = false
}

func (m *MapOptimizer) shouldAddKeyframe(pose lidar.Pose) bool {
	last, ok := m.store.Last()
	if !ok {
		return true
	}
	d := lidar.Between(last.Pose, pose)
	return d.TranslationNorm() >= m.cfg.KeyframeMinTranslation ||
		d.RotationAngle() >= m.cfg.KeyframeMinRotation
}

func (m *MapOptimizer) addKeyframe(ts time.Time, pose lidar.Pose, corners, surfaces []r3.Vector) (*lidar.Keyframe, error) {
	seq := 0
	if last, ok := m.store.Last(); ok {
		seq = last.Seq + 1
	}
	kf := lidar.Keyframe{Seq: seq, Timestamp: ts, Pose: pose, Corners: corners, Surfaces: surfaces}
	if err := m.store.Append(kf); err != nil {
		return nil, err
	}
	m.graph.AddNode(pose)
	m.graph.AddOdometryEdge(len(m.graph.Nodes) - 1)
	m.posStale = true
	monitoring.Keyframes.Set(float64(m.store.Len()))
	logs.Diagf("keyframe %d at %s", seq, pose)
	return &kf, nil
}

// applyConstraints adds loop edges, re-optimises the graph and writes the
// corrected poses back. The returned delta maps the old estimate of the
// latest keyframe onto its corrected pose.
func (m *MapOptimizer) applyConstraints(cs []lidar.PoseConstraint, res *Result) (lidar.Pose, bool) {
	for _, c := range cs {
		m.graph.AddEdge(posegraph.Edge{
			From:     c.Source,
			To:       c.Target,
			Measured: c.Relative,
			Weight:   posegraph.LoopWeight(c.Fitness),
		})
	}
	corrected, err := m.graphSolver.Optimize(&m.graph)
	if err != nil {
		logs.Opsf("pose graph optimisation failed, dropping %d constraint(s): %v", len(cs), err)
		m.graph.Edges = m.graph.Edges[:len(m.graph.Edges)-len(cs)]
		return lidar.Pose{}, false
	}

	lastSeq := len(corrected) - 1
	before := m.graph.Nodes[lastSeq]
	updates := make(map[int]lidar.Pose, len(corrected))
	for seq, p := range corrected {
		updates[seq] = p
	}
	m.store.UpdatePoses(updates)
	m.graph.Nodes = corrected
	m.posStale = true

	delta := corrected[lastSeq].Compose(before.Inverse())
	m.lastMap = delta.Compose(m.lastMap)
	res.Constraints = cs
	res.Corrected = updates
	logs.Opsf("applied %d loop constraint(s); latest keyframe moved by %.3f m", len(cs), delta.TranslationNorm())
	return delta, true
}
