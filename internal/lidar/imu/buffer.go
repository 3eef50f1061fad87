package imu

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l3rangeimage"
)

// Sample is one orientation reading. Angles are radians in the same
// roll/pitch/yaw convention as lidar.Pose.
type Sample struct {
	Time             time.Time
	Roll, Pitch, Yaw float64
	Acceleration     r3.Vector // m/s²
	AngularRate      r3.Vector // rad/s
}

// Buffer is a fixed-capacity ring of samples in time order. It is safe for
// one writer and many readers.
type Buffer struct {
	mu      sync.RWMutex
	samples []Sample
	head    int // index of the oldest sample
	n       int
}

// NewBuffer creates a buffer holding at most capacity samples.
func NewBuffer(capacity int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}
	return &Buffer{samples: make([]Sample, capacity)}
}

// Add appends a sample, evicting the oldest when full. Samples not strictly
// newer than the last one are rejected.
func (b *Buffer) Add(s Sample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n > 0 && !s.Time.After(b.at(b.n-1).Time) {
		return false
	}
	if b.n < len(b.samples) {
		b.samples[(b.head+b.n)%len(b.samples)] = s
		b.n++
		return true
	}
	b.samples[b.head] = s
	b.head = (b.head + 1) % len(b.samples)
	return true
}

func (b *Buffer) at(i int) Sample { return b.samples[(b.head+i)%len(b.samples)] }

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

// window copies the samples bracketing [from, to], or returns nil when the
// buffer does not reach both ends.
func (b *Buffer) window(from, to time.Time) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.n < 2 || b.at(0).Time.After(from) || b.at(b.n-1).Time.Before(to) {
		return nil
	}
	lo := sort.Search(b.n, func(i int) bool { return b.at(i).Time.After(from) }) - 1
	hi := sort.Search(b.n, func(i int) bool { return !b.at(i).Time.Before(to) })
	if lo < 0 {
		lo = 0
	}
	out := make([]Sample, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, b.at(i))
	}
	return out
}

// Deskewer returns a de-skew transform for a sweep of the given period
// starting at start, or nil when the buffered samples do not span it.
func (b *Buffer) Deskewer(start time.Time, period time.Duration) l3rangeimage.Deskewer {
	w := b.window(start, start.Add(period))
	if w == nil {
		logs.Tracef("no IMU coverage for scan at %s", start.Format(time.RFC3339Nano))
		return nil
	}
	d := &deskewer{start: start, samples: w}
	d.startInv = d.orientation(start).T()
	return d
}

// DeskewerFor implements the pipeline's deskew source.
func (b *Buffer) DeskewerFor(scan *lidar.Scan, period time.Duration) l3rangeimage.Deskewer {
	return b.Deskewer(scan.Timestamp, period)
}

type deskewer struct {
	start    time.Time
	startInv lidar.Mat3
	samples  []Sample
}

// Deskew rotates a point captured relTime seconds into the sweep into the
// sensor frame at the start of the sweep.
func (d *deskewer) Deskew(p r3.Vector, relTime float64) r3.Vector {
	t := d.start.Add(time.Duration(relTime * float64(time.Second)))
	return d.startInv.Mul(d.orientation(t)).MulVec(p)
}

func (d *deskewer) orientation(t time.Time) lidar.Mat3 {
	s := d.samples
	i := sort.Search(len(s), func(i int) bool { return !s[i].Time.Before(t) })
	switch {
	case i == 0:
		return lidar.EulerToMat3(s[0].Roll, s[0].Pitch, s[0].Yaw)
	case i == len(s):
		last := s[len(s)-1]
		return lidar.EulerToMat3(last.Roll, last.Pitch, last.Yaw)
	}
	return interpolate(s[i-1], s[i], t)
}

// interpolate blends two orientations linearly in Euler angles, taking the
// short way round for each angle. Samples are a few milliseconds apart so
// the angles change little between them.
func interpolate(a, b Sample, t time.Time) lidar.Mat3 {
	span := b.Time.Sub(a.Time)
	f := 0.0
	if span > 0 {
		f = float64(t.Sub(a.Time)) / float64(span)
	}
	lerp := func(x, y float64) float64 { return x + f*lidar.NormalizeAngle(y-x) }
	return lidar.EulerToMat3(lerp(a.Roll, b.Roll), lerp(a.Pitch, b.Pitch), lerp(a.Yaw, b.Yaw))
}
