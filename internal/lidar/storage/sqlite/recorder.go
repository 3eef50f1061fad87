package sqlite

import (
	"sync/atomic"

	"github.com/banshee-data/lidarmap/internal/lidar/l6mapping"
)

// Recorder writes mapping results of one session as they arrive. It
// implements the pipeline's mapping sink; write failures are logged and
// counted, never returned to the pipeline.
type Recorder struct {
	store    *SessionStore
	session  string
	failures atomic.Uint64
}

// NewRecorder creates a recorder for an existing session.
func NewRecorder(store *SessionStore, session string) *Recorder {
	return &Recorder{store: store, session: session}
}

// Errors reports how many writes failed.
func (r *Recorder) Errors() uint64 { return r.failures.Load() }

// PublishMapping persists the pose, any new keyframe, applied loop
// constraints and the corrected keyframe poses.
func (r *Recorder) PublishMapping(res l6mapping.Result) {
	if err := r.store.SavePose(r.session, res.Timestamp, res.Pose, res.Refined); err != nil {
		r.fail(err)
	}
	for _, c := range res.Constraints {
		if err := r.store.SaveConstraint(r.session, c); err != nil {
			r.fail(err)
		}
	}
	if len(res.Corrected) > 0 {
		if _, err := r.store.UpdatePoses(r.session, res.Corrected); err != nil {
			r.fail(err)
		}
	}
	if res.Keyframe != nil {
		if err := r.store.SaveKeyframe(r.session, *res.Keyframe); err != nil {
			r.fail(err)
		}
	}
}

func (r *Recorder) fail(err error) {
	r.failures.Add(1)
	logs.Opsf("session %s: %v", r.session, err)
}
