package l6mapping

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/lidarmap/internal/lidar"
)

// ErrNonIncreasingSeq is returned when a keyframe does not extend the
// sequence.
var ErrNonIncreasingSeq = errors.New("keyframe sequence must strictly increase")

// KeyframeStore is the append-only keyframe history. The mapping stage
// appends; any goroutine may read. Poses change only through UpdatePoses.
type KeyframeStore struct {
	mu     sync.RWMutex
	frames []lidar.Keyframe
}

// NewKeyframeStore creates an empty store.
func NewKeyframeStore() *KeyframeStore {
	return &KeyframeStore{}
}

// Append adds kf at the end of the history.
func (s *KeyframeStore) Append(kf lidar.Keyframe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.frames); n > 0 && kf.Seq <= s.frames[n-1].Seq {
		return fmt.Errorf("append seq %d after %d: %w", kf.Seq, s.frames[n-1].Seq, ErrNonIncreasingSeq)
	}
	s.frames = append(s.frames, kf)
	return nil
}

// Len returns the number of keyframes.
func (s *KeyframeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// Last returns the most recent keyframe.
func (s *KeyframeStore) Last() (lidar.Keyframe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.frames) == 0 {
		return lidar.Keyframe{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// Snapshot returns a consistent copy of the history. Poses are copies;
// clouds are shared and must not be modified.
func (s *KeyframeStore) Snapshot() []lidar.Keyframe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lidar.Keyframe, len(s.frames))
	copy(out, s.frames)
	return out
}

// UpdatePoses replaces the poses of the given keyframes, keyed by Seq.
// Unknown sequence numbers are ignored. It returns the number updated.
func (s *KeyframeStore) UpdatePoses(poses map[int]lidar.Pose) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for seq, p := range poses {
		i := sort.Search(len(s.frames), func(i int) bool { return s.frames[i].Seq >= seq })
		if i < len(s.frames) && s.frames[i].Seq == seq {
			s.frames[i].Pose = p
			n++
		}
	}
	return n
}
