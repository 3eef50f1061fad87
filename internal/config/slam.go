package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// DefaultConfigPath is the path to the canonical SLAM defaults file.
const DefaultConfigPath = "config/slam.defaults.json"

// SLAMConfig is the on-disk form of the pipeline parameters. Every field
// is a pointer so partial files are safe: anything omitted keeps the
// value from lidar.DefaultConfig (or from the sensor preset, for the
// sensor geometry).
type SLAMConfig struct {
	Sensor       SensorSection       `json:"sensor" yaml:"sensor"`
	Segmentation SegmentationSection `json:"segmentation" yaml:"segmentation"`
	Features     FeatureSection      `json:"features" yaml:"features"`
	Odometry     OdometrySection     `json:"odometry" yaml:"odometry"`
	Mapping      MappingSection      `json:"mapping" yaml:"mapping"`
	LoopClosure  LoopClosureSection  `json:"loop_closure" yaml:"loop_closure"`
	Pipeline     PipelineSection     `json:"pipeline" yaml:"pipeline"`
}

type SensorSection struct {
	Preset        *string  `json:"preset,omitempty" yaml:"preset,omitempty"`
	NScan         *int     `json:"n_scan,omitempty" yaml:"n_scan,omitempty"`
	HorizonScan   *int     `json:"horizon_scan,omitempty" yaml:"horizon_scan,omitempty"`
	AngResXDeg    *float64 `json:"ang_res_x_deg,omitempty" yaml:"ang_res_x_deg,omitempty"`
	AngResYDeg    *float64 `json:"ang_res_y_deg,omitempty" yaml:"ang_res_y_deg,omitempty"`
	AngBottomDeg  *float64 `json:"ang_bottom_deg,omitempty" yaml:"ang_bottom_deg,omitempty"`
	GroundScanInd *int     `json:"ground_scan_ind,omitempty" yaml:"ground_scan_ind,omitempty"`
	MinRange      *float64 `json:"min_range,omitempty" yaml:"min_range,omitempty"`
	MountAngleDeg *float64 `json:"mount_angle_deg,omitempty" yaml:"mount_angle_deg,omitempty"`
	ScanPeriod    *string  `json:"scan_period,omitempty" yaml:"scan_period,omitempty"` // duration string like "100ms"
}

type SegmentationSection struct {
	SegmentThetaDeg      *float64 `json:"segment_theta_deg,omitempty" yaml:"segment_theta_deg,omitempty"`
	SegmentValidPointNum *int     `json:"segment_valid_point_num,omitempty" yaml:"segment_valid_point_num,omitempty"`
	SegmentValidLineNum  *int     `json:"segment_valid_line_num,omitempty" yaml:"segment_valid_line_num,omitempty"`
}

type FeatureSection struct {
	SectionsTotal      *int     `json:"sections_total,omitempty" yaml:"sections_total,omitempty"`
	EdgeThreshold      *float64 `json:"edge_threshold,omitempty" yaml:"edge_threshold,omitempty"`
	SurfThreshold      *float64 `json:"surf_threshold,omitempty" yaml:"surf_threshold,omitempty"`
	EdgeFeatureNum     *int     `json:"edge_feature_num,omitempty" yaml:"edge_feature_num,omitempty"`
	EdgeLessFeatureNum *int     `json:"edge_less_feature_num,omitempty" yaml:"edge_less_feature_num,omitempty"`
	SurfFeatureNum     *int     `json:"surf_feature_num,omitempty" yaml:"surf_feature_num,omitempty"`
}

type OdometrySection struct {
	NearestFeatureSearchSqDist *float64 `json:"nearest_feature_search_sq_dist,omitempty" yaml:"nearest_feature_search_sq_dist,omitempty"`
	MaxIterations              *int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	DegeneracyThreshold        *float64 `json:"degeneracy_threshold,omitempty" yaml:"degeneracy_threshold,omitempty"`
}

type MappingSection struct {
	Interval                        *string  `json:"interval,omitempty" yaml:"interval,omitempty"` // duration string like "10ms"
	SurroundingKeyframeSearchRadius *float64 `json:"surrounding_keyframe_search_radius,omitempty" yaml:"surrounding_keyframe_search_radius,omitempty"`
	SurroundingKeyframeSearchNum    *int     `json:"surrounding_keyframe_search_num,omitempty" yaml:"surrounding_keyframe_search_num,omitempty"`
	CornerLeafSize                  *float64 `json:"corner_leaf_size,omitempty" yaml:"corner_leaf_size,omitempty"`
	SurfLeafSize                    *float64 `json:"surf_leaf_size,omitempty" yaml:"surf_leaf_size,omitempty"`
	KeyframeMinTranslation          *float64 `json:"keyframe_min_translation,omitempty" yaml:"keyframe_min_translation,omitempty"`
	KeyframeMinRotation             *float64 `json:"keyframe_min_rotation,omitempty" yaml:"keyframe_min_rotation,omitempty"`
	MaxIterations                   *int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	DegeneracyThreshold             *float64 `json:"degeneracy_threshold,omitempty" yaml:"degeneracy_threshold,omitempty"`
}

type LoopClosureSection struct {
	Enabled             *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Interval            *string  `json:"interval,omitempty" yaml:"interval,omitempty"` // duration string like "1s"
	HistorySearchRadius *float64 `json:"history_search_radius,omitempty" yaml:"history_search_radius,omitempty"`
	HistorySearchNum    *int     `json:"history_search_num,omitempty" yaml:"history_search_num,omitempty"`
	MinIndexSeparation  *int     `json:"min_index_separation,omitempty" yaml:"min_index_separation,omitempty"`
	FitnessThreshold    *float64 `json:"fitness_threshold,omitempty" yaml:"fitness_threshold,omitempty"`
}

type PipelineSection struct {
	QueueDepth     *int `json:"queue_depth,omitempty" yaml:"queue_depth,omitempty"`
	IMUQueueLength *int `json:"imu_queue_length,omitempty" yaml:"imu_queue_length,omitempty"`
}

// EmptySLAMConfig returns a SLAMConfig with all fields set to nil.
func EmptySLAMConfig() *SLAMConfig {
	return &SLAMConfig{}
}

// LoadSLAMConfig loads a SLAMConfig from a .json, .yaml or .yml file.
// Fields omitted from the file keep their defaults.
func LoadSLAMConfig(path string) (*SLAMConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySLAMConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *SLAMConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/lidar/*/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadSLAMConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func parseDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, d)
	}
	return nil
}

// Validate checks the values that can be checked without building the
// full configuration. Build runs lidar.Config.Validate on the result.
func (c *SLAMConfig) Validate() error {
	if c.Sensor.Preset != nil {
		if _, err := lidar.SensorPreset(*c.Sensor.Preset); err != nil {
			return err
		}
	}
	if err := parseDuration("sensor.scan_period", c.Sensor.ScanPeriod); err != nil {
		return err
	}
	if err := parseDuration("mapping.interval", c.Mapping.Interval); err != nil {
		return err
	}
	if err := parseDuration("loop_closure.interval", c.LoopClosure.Interval); err != nil {
		return err
	}
	if c.LoopClosure.FitnessThreshold != nil && *c.LoopClosure.FitnessThreshold <= 0 {
		return fmt.Errorf("loop_closure.fitness_threshold must be positive, got %f", *c.LoopClosure.FitnessThreshold)
	}
	if c.Sensor.MinRange != nil && *c.Sensor.MinRange < 0 {
		return fmt.Errorf("sensor.min_range must be non-negative, got %f", *c.Sensor.MinRange)
	}
	return nil
}

// GetPreset returns the sensor preset or the default.
func (c *SLAMConfig) GetPreset() string {
	if c.Sensor.Preset == nil || *c.Sensor.Preset == "" {
		return lidar.PresetVLP16
	}
	return *c.Sensor.Preset
}

// GetLoopClosureEnabled returns loop_closure.enabled or the default.
func (c *SLAMConfig) GetLoopClosureEnabled() bool {
	if c.LoopClosure.Enabled == nil {
		return false // default: disabled
	}
	return *c.LoopClosure.Enabled
}

// GetMappingInterval parses and returns mapping.interval.
func (c *SLAMConfig) GetMappingInterval() time.Duration {
	return durationOr(c.Mapping.Interval, 10*time.Millisecond)
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func setF(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setI(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// Build produces the immutable pipeline configuration: defaults, then the
// sensor preset, then every field present in the file.
func (c *SLAMConfig) Build() (*lidar.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := lidar.DefaultConfig()
	sensor, err := lidar.SensorPreset(c.GetPreset())
	if err != nil {
		return nil, err
	}
	out.Sensor = sensor

	s := c.Sensor
	setI(&out.Sensor.NScan, s.NScan)
	setI(&out.Sensor.HorizonScan, s.HorizonScan)
	setF(&out.Sensor.AngResXDeg, s.AngResXDeg)
	setF(&out.Sensor.AngResYDeg, s.AngResYDeg)
	setF(&out.Sensor.AngBottomDeg, s.AngBottomDeg)
	setI(&out.Sensor.GroundScanInd, s.GroundScanInd)
	setF(&out.Sensor.MinRange, s.MinRange)
	setF(&out.Sensor.MountAngleDeg, s.MountAngleDeg)
	out.Sensor.ScanPeriod = durationOr(s.ScanPeriod, out.Sensor.ScanPeriod)

	g := c.Segmentation
	setF(&out.Segmentation.SegmentThetaDeg, g.SegmentThetaDeg)
	setI(&out.Segmentation.SegmentValidPointNum, g.SegmentValidPointNum)
	setI(&out.Segmentation.SegmentValidLineNum, g.SegmentValidLineNum)

	f := c.Features
	setI(&out.Features.SectionsTotal, f.SectionsTotal)
	setF(&out.Features.EdgeThreshold, f.EdgeThreshold)
	setF(&out.Features.SurfThreshold, f.SurfThreshold)
	setI(&out.Features.EdgeFeatureNum, f.EdgeFeatureNum)
	setI(&out.Features.EdgeLessFeatureNum, f.EdgeLessFeatureNum)
	setI(&out.Features.SurfFeatureNum, f.SurfFeatureNum)

	o := c.Odometry
	setF(&out.Odometry.NearestFeatureSearchSqDist, o.NearestFeatureSearchSqDist)
	setI(&out.Odometry.Solver.MaxIterations, o.MaxIterations)
	setF(&out.Odometry.Solver.DegeneracyThreshold, o.DegeneracyThreshold)

	m := c.Mapping
	out.Mapping.Interval = c.GetMappingInterval()
	setF(&out.Mapping.SurroundingKeyframeSearchRadius, m.SurroundingKeyframeSearchRadius)
	setI(&out.Mapping.SurroundingKeyframeSearchNum, m.SurroundingKeyframeSearchNum)
	setF(&out.Mapping.CornerLeafSize, m.CornerLeafSize)
	setF(&out.Mapping.SurfLeafSize, m.SurfLeafSize)
	setF(&out.Mapping.KeyframeMinTranslation, m.KeyframeMinTranslation)
	setF(&out.Mapping.KeyframeMinRotation, m.KeyframeMinRotation)
	setI(&out.Mapping.Solver.MaxIterations, m.MaxIterations)
	setF(&out.Mapping.Solver.DegeneracyThreshold, m.DegeneracyThreshold)

	l := c.LoopClosure
	out.LoopClosure.Enabled = c.GetLoopClosureEnabled()
	out.LoopClosure.Interval = durationOr(l.Interval, out.LoopClosure.Interval)
	setF(&out.LoopClosure.HistorySearchRadius, l.HistorySearchRadius)
	setI(&out.LoopClosure.HistorySearchNum, l.HistorySearchNum)
	setI(&out.LoopClosure.MinIndexSeparation, l.MinIndexSeparation)
	setF(&out.LoopClosure.FitnessThreshold, l.FitnessThreshold)

	setI(&out.Pipeline.QueueDepth, c.Pipeline.QueueDepth)
	setI(&out.Pipeline.IMUQueueLength, c.Pipeline.IMUQueueLength)

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &out, nil
}
