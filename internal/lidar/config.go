package lidar

import (
	"fmt"
	"math"
	"time"
)

// SensorConfig describes the range image geometry of the scanner.
type SensorConfig struct {
	Preset        string
	NScan         int     // scan lines (rows)
	HorizonScan   int     // columns per revolution
	AngResXDeg    float64 // horizontal resolution
	AngResYDeg    float64 // vertical resolution
	AngBottomDeg  float64 // magnitude of the lowest beam elevation, plus margin
	GroundScanInd int     // rows below this index are ground candidates
	MinRange      float64 // metres
	MountAngleDeg float64
	ScanPeriod    time.Duration
}

// SegmentationConfig controls ground labelling and connected components.
type SegmentationConfig struct {
	SegmentThetaDeg         float64
	SegmentValidPointNum    int
	SegmentValidLineNum     int
	SegmentLargePointNum    int
	GroundAngleThresholdDeg float64
	GroundDownsampleStride  int
}

// FeatureConfig controls curvature based feature selection.
type FeatureConfig struct {
	CurvatureWindow    int
	SectionsTotal      int
	EdgeThreshold      float64
	SurfThreshold      float64
	EdgeFeatureNum     int // sharp corners per sector
	EdgeLessFeatureNum int // less-sharp corners per sector
	SurfFeatureNum     int // flat points per sector
	OcclusionRangeDiff float64
	ParallelBeamRatio  float64
	NeighborColumnGap  int
	LessFlatLeafSize   float64
}

// SolverConfig tunes the shared registration solver.
type SolverConfig struct {
	MaxIterations       int
	MinCorrespondences  int
	DegeneracyThreshold float64 // eigenvalue floor of JᵀJ
	ConvergeRotDeg      float64
	ConvergeTransM      float64
	PlaneMaxDistance    float64 // reject plane fits with a neighbour farther than this
}

// OdometryConfig configures scan-to-scan matching.
type OdometryConfig struct {
	Solver                     SolverConfig
	NearestFeatureSearchSqDist float64
	PlaneNeighbours            int
}

// MappingConfig configures scan-to-map refinement and keyframing.
type MappingConfig struct {
	Solver                          SolverConfig
	Interval                        time.Duration
	SurroundingKeyframeSearchRadius float64
	SurroundingKeyframeSearchNum    int
	CornerLeafSize                  float64
	SurfLeafSize                    float64
	KeyframeMinTranslation          float64 // metres
	KeyframeMinRotation             float64 // radians
	MinCornerTarget                 int
	MinSurfTarget                   int
	LineNeighbours                  int
	PlaneNeighbours                 int
	NeighbourSqDist                 float64 // farthest squared distance of a map neighbour
}

// LoopClosureConfig configures revisit detection.
type LoopClosureConfig struct {
	Enabled               bool
	Interval              time.Duration
	HistorySearchRadius   float64
	HistorySearchNum      int
	MinIndexSeparation    int
	FitnessThreshold      float64
	MaxCorrespondenceDist float64
	MaxIterations         int
	LeafSize              float64
}

// PipelineConfig sizes the stage queues.
type PipelineConfig struct {
	QueueDepth     int
	IMUQueueLength int
}

// Config is the complete parameter set of the pipeline. It is built once at
// start-up and passed by value or read-only pointer; nothing mutates it.
type Config struct {
	Sensor       SensorConfig
	Segmentation SegmentationConfig
	Features     FeatureConfig
	Odometry     OdometryConfig
	Mapping      MappingConfig
	LoopClosure  LoopClosureConfig
	Pipeline     PipelineConfig
}

// Sensor preset names accepted by SensorPreset.
const (
	PresetVLP16  = "vlp16"
	PresetHDL32E = "hdl32e"
	PresetVLS128 = "vls128"
	PresetOS1_16 = "os1-16"
	PresetOS1_64 = "os1-64"
)

// SensorPreset returns the range image geometry for a known scanner.
func SensorPreset(name string) (SensorConfig, error) {
	s := SensorConfig{
		Preset:     name,
		MinRange:   1.0,
		ScanPeriod: 100 * time.Millisecond,
	}
	switch name {
	case PresetVLP16, "":
		s.Preset = PresetVLP16
		s.NScan, s.HorizonScan = 16, 1800
		s.AngResXDeg, s.AngResYDeg, s.AngBottomDeg = 0.2, 2.0, 15.0+0.1
		s.GroundScanInd = 7
	case PresetHDL32E:
		s.NScan, s.HorizonScan = 32, 1800
		s.AngResXDeg, s.AngResYDeg, s.AngBottomDeg = 360.0/1800, 41.33/31, 30.67
		s.GroundScanInd = 20
	case PresetVLS128:
		s.NScan, s.HorizonScan = 128, 1800
		s.AngResXDeg, s.AngResYDeg, s.AngBottomDeg = 0.2, 0.3, 25.0
		s.GroundScanInd = 10
	case PresetOS1_16:
		s.NScan, s.HorizonScan = 16, 1024
		s.AngResXDeg, s.AngResYDeg, s.AngBottomDeg = 360.0/1024, 33.2/15, 16.6+0.1
		s.GroundScanInd = 7
	case PresetOS1_64:
		s.NScan, s.HorizonScan = 64, 1024
		s.AngResXDeg, s.AngResYDeg, s.AngBottomDeg = 360.0/1024, 33.2/63, 16.6+0.1
		s.GroundScanInd = 15
	default:
		return SensorConfig{}, fmt.Errorf("unknown sensor preset %q", name)
	}
	return s, nil
}

// DefaultConfig returns the VLP-16 reference configuration.
func DefaultConfig() Config {
	sensor, _ := SensorPreset(PresetVLP16)
	return Config{
		Sensor: sensor,
		Segmentation: SegmentationConfig{
			SegmentThetaDeg:         60,
			SegmentValidPointNum:    5,
			SegmentValidLineNum:     3,
			SegmentLargePointNum:    30,
			GroundAngleThresholdDeg: 10,
			GroundDownsampleStride:  5,
		},
		Features: FeatureConfig{
			CurvatureWindow:    5,
			SectionsTotal:      6,
			EdgeThreshold:      0.05,
			SurfThreshold:      0.05,
			EdgeFeatureNum:     2,
			EdgeLessFeatureNum: 18,
			SurfFeatureNum:     4,
			OcclusionRangeDiff: 0.3,
			ParallelBeamRatio:  0.02,
			NeighborColumnGap:  10,
			LessFlatLeafSize:   0.2,
		},
		Odometry: OdometryConfig{
			Solver: SolverConfig{
				MaxIterations:       25,
				MinCorrespondences:  10,
				DegeneracyThreshold: 10,
				ConvergeRotDeg:      0.05,
				ConvergeTransM:      0.0005,
				PlaneMaxDistance:    0.2,
			},
			NearestFeatureSearchSqDist: 25,
			PlaneNeighbours:            5,
		},
		Mapping: MappingConfig{
			Solver: SolverConfig{
				MaxIterations:       10,
				MinCorrespondences:  50,
				DegeneracyThreshold: 100,
				ConvergeRotDeg:      0.05,
				ConvergeTransM:      0.0005,
				PlaneMaxDistance:    0.2,
			},
			Interval:                        10 * time.Millisecond,
			SurroundingKeyframeSearchRadius: 50,
			SurroundingKeyframeSearchNum:    50,
			CornerLeafSize:                  0.2,
			SurfLeafSize:                    0.4,
			KeyframeMinTranslation:          0.3,
			KeyframeMinRotation:             0.2,
			MinCornerTarget:                 10,
			MinSurfTarget:                   100,
			LineNeighbours:                  5,
			PlaneNeighbours:                 5,
			NeighbourSqDist:                 1.0,
		},
		LoopClosure: LoopClosureConfig{
			Enabled:               false,
			Interval:              time.Second,
			HistorySearchRadius:   7,
			HistorySearchNum:      25,
			MinIndexSeparation:    30,
			FitnessThreshold:      0.3,
			MaxCorrespondenceDist: 100,
			MaxIterations:         100,
			LeafSize:              0.4,
		},
		Pipeline: PipelineConfig{
			QueueDepth:     4,
			IMUQueueLength: 200,
		},
	}
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	s := c.Sensor
	if s.NScan <= 0 || s.HorizonScan <= 0 {
		return fmt.Errorf("sensor dimensions must be positive, got %dx%d", s.NScan, s.HorizonScan)
	}
	if s.AngResXDeg <= 0 || s.AngResYDeg <= 0 {
		return fmt.Errorf("angular resolutions must be positive, got x=%f y=%f", s.AngResXDeg, s.AngResYDeg)
	}
	if s.GroundScanInd < 0 || s.GroundScanInd >= s.NScan {
		return fmt.Errorf("ground_scan_ind must be in [0, %d), got %d", s.NScan, s.GroundScanInd)
	}
	if s.MinRange < 0 {
		return fmt.Errorf("min_range must be non-negative, got %f", s.MinRange)
	}
	if c.Segmentation.SegmentValidLineNum < 1 || c.Segmentation.SegmentValidPointNum < 1 {
		return fmt.Errorf("segment validity thresholds must be at least 1")
	}
	f := c.Features
	if f.SectionsTotal <= 0 || f.CurvatureWindow <= 0 {
		return fmt.Errorf("sections_total and curvature_window must be positive")
	}
	if f.EdgeFeatureNum < 0 || f.EdgeLessFeatureNum < 0 || f.SurfFeatureNum < 0 {
		return fmt.Errorf("feature caps must be non-negative")
	}
	for name, sc := range map[string]SolverConfig{"odometry": c.Odometry.Solver, "mapping": c.Mapping.Solver} {
		if sc.MaxIterations <= 0 {
			return fmt.Errorf("%s max_iterations must be positive, got %d", name, sc.MaxIterations)
		}
		if sc.DegeneracyThreshold < 0 {
			return fmt.Errorf("%s degeneracy_threshold must be non-negative", name)
		}
	}
	if c.Odometry.PlaneNeighbours < 3 || c.Mapping.PlaneNeighbours < 3 {
		return fmt.Errorf("plane fits need at least 3 neighbours")
	}
	if c.Mapping.LineNeighbours < 2 {
		return fmt.Errorf("line fits need at least 2 neighbours")
	}
	if c.Mapping.Interval < 0 {
		return fmt.Errorf("mapping interval must be non-negative, got %s", c.Mapping.Interval)
	}
	if c.Mapping.KeyframeMinTranslation < 0 || c.Mapping.KeyframeMinRotation < 0 {
		return fmt.Errorf("keyframe thresholds must be non-negative")
	}
	if c.LoopClosure.Enabled {
		lc := c.LoopClosure
		if lc.Interval <= 0 {
			return fmt.Errorf("loop closure interval must be positive, got %s", lc.Interval)
		}
		if lc.FitnessThreshold <= 0 || math.IsInf(lc.FitnessThreshold, 0) {
			return fmt.Errorf("loop closure fitness threshold must be positive and finite")
		}
	}
	if c.Pipeline.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", c.Pipeline.QueueDepth)
	}
	return nil
}
