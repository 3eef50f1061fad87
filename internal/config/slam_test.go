package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsFileMatchesDefaultConfig(t *testing.T) {
	got, err := MustLoadDefaultConfig().Build()
	require.NoError(t, err)
	want := lidar.DefaultConfig()
	if diff := cmp.Diff(want, *got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("defaults file drifted from lidar.DefaultConfig (-want +got):\n%s", diff)
	}
}

func TestEmptyConfigBuildsDefaults(t *testing.T) {
	got, err := EmptySLAMConfig().Build()
	require.NoError(t, err)
	assert.Equal(t, lidar.DefaultConfig(), *got)
}

func TestLoadPartialJSON(t *testing.T) {
	path := writeFile(t, "partial.json", `{
  "mapping": {"interval": "300ms", "keyframe_min_translation": 1.0},
  "loop_closure": {"enabled": true}
}`)
	cfg, err := LoadSLAMConfig(path)
	require.NoError(t, err)
	built, err := cfg.Build()
	require.NoError(t, err)

	assert.Equal(t, 300*time.Millisecond, built.Mapping.Interval)
	assert.Equal(t, 1.0, built.Mapping.KeyframeMinTranslation)
	assert.True(t, built.LoopClosure.Enabled)
	// Untouched fields keep their defaults.
	assert.Equal(t, 16, built.Sensor.NScan)
	assert.Equal(t, 0.3, built.LoopClosure.FitnessThreshold)
}

func TestLoadYAMLWithPreset(t *testing.T) {
	path := writeFile(t, "os1.yaml", `
sensor:
  preset: os1-64
  min_range: 0.5
pipeline:
  queue_depth: 8
`)
	cfg, err := LoadSLAMConfig(path)
	require.NoError(t, err)
	built, err := cfg.Build()
	require.NoError(t, err)

	assert.Equal(t, lidar.PresetOS1_64, built.Sensor.Preset)
	assert.Equal(t, 64, built.Sensor.NScan)
	assert.Equal(t, 1024, built.Sensor.HorizonScan)
	assert.Equal(t, 0.5, built.Sensor.MinRange)
	assert.Equal(t, 8, built.Pipeline.QueueDepth)
}

func TestLoadSLAMConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"wrong extension", "cfg.toml", `x = 1`},
		{"bad json", "cfg.json", `{"sensor":`},
		{"bad yaml", "cfg.yml", "sensor: [unterminated"},
		{"unknown preset", "cfg.json", `{"sensor": {"preset": "hdl64"}}`},
		{"bad duration", "cfg.json", `{"mapping": {"interval": "soon"}}`},
		{"negative duration", "cfg.json", `{"loop_closure": {"interval": "-1s"}}`},
		{"zero fitness", "cfg.json", `{"loop_closure": {"fitness_threshold": 0}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSLAMConfig(writeFile(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadSLAMConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestBuildRejectsInconsistentValues(t *testing.T) {
	zero := 0
	cfg := EmptySLAMConfig()
	cfg.Sensor.NScan = &zero
	_, err := cfg.Build()
	assert.Error(t, err)

	ground := 16
	cfg = EmptySLAMConfig()
	cfg.Sensor.GroundScanInd = &ground
	_, err = cfg.Build()
	assert.Error(t, err)
}

func TestGetters(t *testing.T) {
	cfg := EmptySLAMConfig()
	assert.Equal(t, lidar.PresetVLP16, cfg.GetPreset())
	assert.False(t, cfg.GetLoopClosureEnabled())
	assert.Equal(t, 10*time.Millisecond, cfg.GetMappingInterval())

	bad := "soon"
	cfg.Mapping.Interval = &bad
	assert.Equal(t, 10*time.Millisecond, cfg.GetMappingInterval())
}
