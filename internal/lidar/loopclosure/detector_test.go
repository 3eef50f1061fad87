package loopclosure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/testutil"
	"github.com/banshee-data/lidarmap/internal/timeutil"
)

type history []lidar.Keyframe

func (h history) Snapshot() []lidar.Keyframe { return append([]lidar.Keyframe(nil), h...) }

type recordingSink struct {
	mu  sync.Mutex
	got []lidar.PoseConstraint
	ch  chan lidar.PoseConstraint
}

func newSink() *recordingSink { return &recordingSink{ch: make(chan lidar.PoseConstraint, 8)} }

func (s *recordingSink) AddConstraint(c lidar.PoseConstraint) {
	s.mu.Lock()
	s.got = append(s.got, c)
	s.mu.Unlock()
	s.ch <- c
}

func (s *recordingSink) constraints() []lidar.PoseConstraint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]lidar.PoseConstraint(nil), s.got...)
}

type fixedAligner Alignment

func (a fixedAligner) Align(_, _ []r3.Vector, _ lidar.Pose) Alignment { return Alignment(a) }

// revisit builds n keyframes: the first at the origin seeing the room, the
// intermediate ones far away and empty, and the last estimated at latest
// while truly at truth.
func revisit(n int, latest, truth lidar.Pose) history {
	h := history{{
		Seq:      0,
		Surfaces: testutil.RoomSurfaces(),
	}}
	for i := 1; i < n-1; i++ {
		h = append(h, lidar.Keyframe{Seq: i, Pose: lidar.Pose{X: 100 + float64(i)}})
	}
	return append(h, lidar.Keyframe{
		Seq:      n - 1,
		Pose:     latest,
		Surfaces: testutil.SeenFrom(testutil.RoomSurfaces(), truth),
	})
}

func testConfig() *lidar.Config {
	cfg := lidar.DefaultConfig()
	cfg.LoopClosure.Enabled = true
	cfg.LoopClosure.LeafSize = 0
	return &cfg
}

func TestDetectOnceFitnessGating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		aligner   fixedAligner
		wantError error
	}{
		{"good fit accepted", fixedAligner{Fitness: 0.1, Converged: true}, nil},
		{"poor fit rejected", fixedAligner{Fitness: 0.5, Converged: true}, ErrRejected},
		{"at threshold rejected", fixedAligner{Fitness: 0.3, Converged: true}, ErrRejected},
		{"not converged rejected", fixedAligner{Fitness: 0.1, Converged: false}, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newSink()
			d := NewDetector(testConfig(), revisit(40, lidar.Pose{X: 0.2}, lidar.Pose{X: 0.2}), sink, WithAligner(tt.aligner))

			c, err := d.DetectOnce()
			if tt.wantError != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantError))
				assert.Empty(t, sink.constraints())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, c.Source)
			assert.Equal(t, 39, c.Target)
			assert.Equal(t, 0.1, c.Fitness)
			assert.Equal(t, []lidar.PoseConstraint{c}, sink.constraints())
		})
	}
}

func TestDetectOnceNoCandidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		h    history
	}{
		{"empty", nil},
		{"too recent", revisit(20, lidar.Pose{X: 0.2}, lidar.Pose{X: 0.2})},
		{"too far", revisit(40, lidar.Pose{X: 50}, lidar.Pose{X: 50})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(testConfig(), tt.h, newSink(), WithAligner(fixedAligner{Converged: true}))
			_, err := d.DetectOnce()
			assert.True(t, errors.Is(err, ErrNoCandidate), "got %v", err)
		})
	}
}

func TestDetectOnceTestsEachKeyframeOnce(t *testing.T) {
	t.Parallel()

	sink := newSink()
	d := NewDetector(testConfig(), revisit(40, lidar.Pose{}, lidar.Pose{}), sink, WithAligner(fixedAligner{Fitness: 0.01, Converged: true}))
	_, err := d.DetectOnce()
	require.NoError(t, err)
	_, err = d.DetectOnce()
	assert.True(t, errors.Is(err, ErrNoCandidate))
	assert.Len(t, sink.constraints(), 1)
}

func TestDetectOnceICPCorrectsDrift(t *testing.T) {
	t.Parallel()

	// The sensor is back at x=0.1 but odometry believes x=0.2.
	truth := lidar.Pose{X: 0.1}
	sink := newSink()
	d := NewDetector(testConfig(), revisit(40, lidar.Pose{X: 0.2}, truth), sink)

	c, err := d.DetectOnce()
	require.NoError(t, err)
	assert.Less(t, c.Fitness, 1e-6)
	assert.InDelta(t, 0.1, c.Relative.X, 1e-4)
	assert.InDelta(t, 0, c.Relative.Y, 1e-4)
	assert.InDelta(t, 0, c.Relative.Yaw, 1e-4)
}

func TestRunTicksOnClock(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	sink := newSink()
	cfg := testConfig()
	d := NewDetector(cfg, revisit(40, lidar.Pose{}, lidar.Pose{}), sink,
		WithAligner(fixedAligner{Fitness: 0.05, Converged: true}), WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, sink.constraints(), "no pass before the first tick")

	clock.Advance(cfg.LoopClosure.Interval)
	select {
	case c := <-sink.ch:
		assert.Equal(t, 39, c.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("no constraint after tick")
	}

	cancel()
	require.NoError(t, <-done)
}
