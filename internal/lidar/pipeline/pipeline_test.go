package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l3rangeimage"
	"github.com/banshee-data/lidarmap/internal/lidar/l4features"
	"github.com/banshee-data/lidarmap/internal/lidar/l5odometry"
	"github.com/banshee-data/lidarmap/internal/lidar/l6mapping"
	"github.com/banshee-data/lidarmap/internal/testutil"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type passProjection struct{ calls atomic.Int64 }

func (p *passProjection) Project(scan *lidar.Scan, _ l3rangeimage.Deskewer) *l3rangeimage.RangeImage {
	p.calls.Add(1)
	return &l3rangeimage.RangeImage{Timestamp: scan.Timestamp}
}

type passFeatures struct{}

func (passFeatures) Extract(img *l3rangeimage.RangeImage) *l4features.FeatureSet {
	return &l4features.FeatureSet{Timestamp: img.Timestamp}
}

type passOdometry struct{}

func (passOdometry) Match(fs *l4features.FeatureSet) l5odometry.Result {
	return l5odometry.Result{Timestamp: fs.Timestamp}
}

type slowMapping struct{ delay time.Duration }

func (m slowMapping) Process(odom l5odometry.Result) l6mapping.Result {
	time.Sleep(m.delay)
	return l6mapping.Result{Timestamp: odom.Timestamp}
}

type recorder struct {
	mu    sync.Mutex
	odom  []time.Time
	steps []l5odometry.Result
	maps  []l6mapping.Result
}

func (r *recorder) PublishOdometry(res l5odometry.Result) {
	r.mu.Lock()
	r.odom = append(r.odom, res.Timestamp)
	r.steps = append(r.steps, res)
	r.mu.Unlock()
}

func (r *recorder) PublishMapping(res l6mapping.Result) {
	r.mu.Lock()
	r.maps = append(r.maps, res)
	r.mu.Unlock()
}

func (r *recorder) mapped() []l6mapping.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]l6mapping.Result(nil), r.maps...)
}

func fakePipeline(t *testing.T, delay time.Duration, rec *recorder, proj *passProjection) *Pipeline {
	t.Helper()
	cfg := lidar.DefaultConfig()
	cfg.Pipeline.QueueDepth = 2
	p, err := New(Config{
		Lidar:         &cfg,
		Projection:    proj,
		Features:      passFeatures{},
		Odometry:      passOdometry{},
		Mapping:       slowMapping{delay: delay},
		OdometrySinks: []OdometrySink{rec},
		MappingSinks:  []MappingSink{rec, (*recorder)(nil)},
	})
	require.NoError(t, err)
	return p
}

func TestRunPreservesOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := fakePipeline(t, time.Millisecond, rec, &passProjection{})

	const n = 20
	scans := make(chan *lidar.Scan)
	go func() {
		defer close(scans)
		for i := 0; i < n; i++ {
			scans <- &lidar.Scan{Timestamp: t0.Add(time.Duration(i) * 100 * time.Millisecond)}
		}
	}()

	require.NoError(t, p.Run(context.Background(), scans))

	got := rec.mapped()
	require.Len(t, got, n)
	require.Len(t, rec.odom, n)
	for i := range got {
		want := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		assert.True(t, got[i].Timestamp.Equal(want), "mapping result %d out of order", i)
		assert.True(t, rec.odom[i].Equal(want), "odometry result %d out of order", i)
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	proj := &passProjection{}
	p := fakePipeline(t, 5*time.Millisecond, rec, proj)

	ctx, cancel := context.WithCancel(context.Background())
	scans := make(chan *lidar.Scan)
	go func() {
		for i := 0; ; i++ {
			select {
			case scans <- &lidar.Scan{Timestamp: t0.Add(time.Duration(i) * time.Millisecond)}:
				if i == 10 {
					cancel()
				}
			case <-time.After(time.Second):
				return
			}
		}
	}()

	err := p.Run(ctx, scans)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int(proj.calls.Load()), len(rec.mapped()), "every accepted scan reaches mapping")
}

func TestNewRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)

	bad := lidar.DefaultConfig()
	bad.Sensor.NScan = 0
	_, err = New(Config{Lidar: &bad})
	assert.Error(t, err)
}

func TestRunStationaryBoxRoom(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	cfg := lidar.DefaultConfig()
	cfg.LoopClosure.Enabled = false
	p, err := New(Config{Lidar: &cfg, MappingSinks: []MappingSink{rec}})
	require.NoError(t, err)

	scans := make(chan *lidar.Scan, 4)
	for i := 0; i < 4; i++ {
		scans <- testutil.BoxScan(t0.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	close(scans)
	require.NoError(t, p.Run(context.Background(), scans))

	got := rec.mapped()
	require.Len(t, got, 4)
	require.NotNil(t, got[0].Keyframe, "first scan is a keyframe")
	for _, r := range got {
		assert.Less(t, r.Pose.TranslationNorm(), 1e-3)
		assert.Less(t, r.Pose.RotationAngle(), 1e-3)
	}
	assert.Equal(t, 1, p.Store().Len(), "a stationary sensor adds no further keyframes")
}

func TestRunRecoversKnownMotion(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	cfg := lidar.DefaultConfig()
	p, err := New(Config{Lidar: &cfg, OdometrySinks: []OdometrySink{rec}, MappingSinks: []MappingSink{rec}})
	require.NoError(t, err)

	const n = 4
	scans := make(chan *lidar.Scan, n)
	for i := 0; i < n; i++ {
		scans <- testutil.BoxScanAt(t0.Add(time.Duration(i)*100*time.Millisecond), 0.1*float64(i))
	}
	close(scans)
	require.NoError(t, p.Run(context.Background(), scans))

	require.Len(t, rec.steps, n)
	for i, r := range rec.steps[1:] {
		assert.False(t, r.Skipped, "scan %d", i+1)
		assert.InDelta(t, 0.1, r.Increment.X, 0.03, "scan %d increment", i+1)
		assert.InDelta(t, 0, r.Increment.Y, 0.02, "scan %d increment", i+1)
	}

	got := rec.mapped()
	require.Len(t, got, n)
	refined := 0
	for _, r := range got {
		if r.Refined {
			refined++
		}
	}
	assert.Positive(t, refined, "mapping never refined a scan")
	last := got[n-1].Pose
	assert.InDelta(t, 0.3, last.X, 0.015)
	assert.InDelta(t, 0, last.Y, 0.015)
	assert.InDelta(t, 0, last.Yaw, 0.01)
}
