package l6mapping

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

func TestKeyframeStoreAppendIsMonotonic(t *testing.T) {
	t.Parallel()

	s := NewKeyframeStore()
	require.NoError(t, s.Append(lidar.Keyframe{Seq: 0}))
	require.NoError(t, s.Append(lidar.Keyframe{Seq: 1}))
	require.NoError(t, s.Append(lidar.Keyframe{Seq: 5}))

	tests := []struct {
		name string
		seq  int
	}{
		{"duplicate", 5},
		{"earlier", 3},
		{"negative", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Append(lidar.Keyframe{Seq: tt.seq})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNonIncreasingSeq))
		})
	}
	assert.Equal(t, 3, s.Len())
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 5, last.Seq)
}

func TestKeyframeStoreEmpty(t *testing.T) {
	t.Parallel()

	s := NewKeyframeStore()
	_, ok := s.Last()
	assert.False(t, ok)
	assert.Zero(t, s.Len())
	assert.Empty(t, s.Snapshot())
}

func TestKeyframeStoreSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	s := NewKeyframeStore()
	require.NoError(t, s.Append(lidar.Keyframe{Seq: 0, Pose: lidar.Pose{X: 1}}))

	snap := s.Snapshot()
	snap[0].Pose.X = 99

	last, _ := s.Last()
	assert.Equal(t, 1.0, last.Pose.X)
}

func TestKeyframeStoreUpdatePoses(t *testing.T) {
	t.Parallel()

	s := NewKeyframeStore()
	for _, seq := range []int{0, 2, 4} {
		require.NoError(t, s.Append(lidar.Keyframe{Seq: seq}))
	}
	n := s.UpdatePoses(map[int]lidar.Pose{2: {Y: 3}, 4: {Z: 1}, 7: {X: 1}})
	assert.Equal(t, 2, n)

	snap := s.Snapshot()
	assert.Equal(t, lidar.Pose{}, snap[0].Pose)
	assert.Equal(t, lidar.Pose{Y: 3}, snap[1].Pose)
	assert.Equal(t, lidar.Pose{Z: 1}, snap[2].Pose)
}

func TestKeyframeStoreConcurrentReaders(t *testing.T) {
	t.Parallel()

	s := NewKeyframeStore()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = s.Append(lidar.Keyframe{Seq: i})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			snap := s.Snapshot()
			for j := 1; j < len(snap); j++ {
				if snap[j].Seq <= snap[j-1].Seq {
					t.Errorf("snapshot out of order at %d", j)
					return
				}
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, n, s.Len())
}
