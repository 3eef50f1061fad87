package lidar

import (
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Sensor.NScan != 16 || cfg.Sensor.HorizonScan != 1800 {
		t.Errorf("default sensor = %dx%d, want 16x1800", cfg.Sensor.NScan, cfg.Sensor.HorizonScan)
	}
	if cfg.LoopClosure.Enabled {
		t.Error("loop closure should be disabled by default")
	}
	if cfg.Mapping.Interval != 10*time.Millisecond {
		t.Errorf("mapping interval = %s, want 10ms", cfg.Mapping.Interval)
	}
	// A box-room corner scores about 0.08 on the range-normalised curvature.
	if cfg.Features.EdgeThreshold >= 0.08 {
		t.Errorf("edge threshold = %v, corners of a box room would be missed", cfg.Features.EdgeThreshold)
	}
	if got, want := cfg.Odometry.Solver.DegeneracyThreshold, 10.0; got != want {
		t.Errorf("odometry degeneracy floor = %v, want %v", got, want)
	}
}

func TestSensorPresets(t *testing.T) {
	tests := []struct {
		name   string
		nScan  int
		cols   int
		ground int
	}{
		{PresetVLP16, 16, 1800, 7},
		{PresetHDL32E, 32, 1800, 20},
		{PresetVLS128, 128, 1800, 10},
		{PresetOS1_16, 16, 1024, 7},
		{PresetOS1_64, 64, 1024, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := SensorPreset(tt.name)
			if err != nil {
				t.Fatalf("SensorPreset: %v", err)
			}
			if s.NScan != tt.nScan || s.HorizonScan != tt.cols || s.GroundScanInd != tt.ground {
				t.Errorf("got %d/%d/%d, want %d/%d/%d", s.NScan, s.HorizonScan, s.GroundScanInd, tt.nScan, tt.cols, tt.ground)
			}
		})
	}
	if _, err := SensorPreset("hdl64"); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero rows", func(c *Config) { c.Sensor.NScan = 0 }},
		{"ground row out of range", func(c *Config) { c.Sensor.GroundScanInd = 16 }},
		{"negative min range", func(c *Config) { c.Sensor.MinRange = -1 }},
		{"no sectors", func(c *Config) { c.Features.SectionsTotal = 0 }},
		{"no iterations", func(c *Config) { c.Mapping.Solver.MaxIterations = 0 }},
		{"two plane neighbours", func(c *Config) { c.Odometry.PlaneNeighbours = 2 }},
		{"negative interval", func(c *Config) { c.Mapping.Interval = -time.Second }},
		{"loop closure zero interval", func(c *Config) {
			c.LoopClosure.Enabled = true
			c.LoopClosure.Interval = 0
		}},
		{"zero queue", func(c *Config) { c.Pipeline.QueueDepth = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
