package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage labels.
const (
	StageProjection = "projection"
	StageOdometry   = "odometry"
	StageMapping    = "mapping"
	StageLoop       = "loop_closure"
)

var (
	// ScansProcessed counts scans leaving each pipeline stage.
	// Labels: stage
	ScansProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lidarmap_scans_processed_total",
			Help: "Total number of scans processed per stage",
		},
		[]string{"stage"},
	)

	// PointsDropped counts raw points rejected during projection.
	// Labels: reason (malformed, min_range, out_of_bounds)
	PointsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lidarmap_points_dropped_total",
			Help: "Total number of raw points rejected during projection",
		},
		[]string{"reason"},
	)

	// DegradedCycles counts cycles that fell back to a prediction or
	// suppressed part of an update.
	// Labels: stage, reason (insufficient_correspondences, degenerate, small_submap)
	DegradedCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lidarmap_degraded_cycles_total",
			Help: "Total number of degraded registration cycles",
		},
		[]string{"stage", "reason"},
	)

	// SolverIterations is the distribution of Gauss-Newton iterations per cycle.
	SolverIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lidarmap_solver_iterations",
			Help:    "Registration solver iterations per cycle",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 25, 50},
		},
		[]string{"stage"},
	)

	// Keyframes is the number of keyframes in the current session.
	Keyframes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lidarmap_keyframes",
			Help: "Number of keyframes in the map",
		},
	)

	// LoopClosureAttempts counts loop closure passes by outcome.
	// Labels: result (accepted, rejected, no_candidate)
	LoopClosureAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lidarmap_loop_closure_attempts_total",
			Help: "Total number of loop closure attempts by outcome",
		},
		[]string{"result"},
	)
)

// RecordDegraded counts one degraded cycle.
func RecordDegraded(stage, reason string) {
	DegradedCycles.WithLabelValues(stage, reason).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
