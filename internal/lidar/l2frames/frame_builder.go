package l2frames

import (
	"sync"
	"time"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l1packets/parse"
)

// Rotation detection defaults.
const (
	// DefaultMinAzimuthCoverage is the azimuth span in degrees a rotation must
	// cover to be emitted. Partial rotations at start-up or after packet loss
	// are discarded.
	DefaultMinAzimuthCoverage = 340.0

	// DefaultMinScanPoints is the fewest returns a rotation may carry. A
	// VLP-16 produces close to 29k per rotation at 10 Hz.
	DefaultMinScanPoints = 1000

	// DefaultAzimuthTolerance is how far the azimuth may step backwards
	// without being read as a wrap. Interpolated firings jitter slightly.
	DefaultAzimuthTolerance = 10.0
)

// ScanBuilderConfig contains configuration for the ScanBuilder.
type ScanBuilderConfig struct {
	MinAzimuthCoverage float64           // default DefaultMinAzimuthCoverage
	MinScanPoints      int               // default DefaultMinScanPoints
	AzimuthTolerance   float64           // default DefaultAzimuthTolerance
	ScanCallback       func(*lidar.Scan) // invoked once per completed rotation
}

// ScanBuilder accumulates points from many packets into complete rotations.
// AddPoints may be called from any goroutine; callbacks run serially on a
// dedicated worker, in rotation order.
type ScanBuilder struct {
	cfg ScanBuilderConfig

	mu       sync.Mutex
	points   []lidar.RawPoint
	start    time.Time
	lastAz   float64 // -1 before the first point
	coverage float64
	emitted  int64
	dropped  int64

	scanCh chan *lidar.Scan
	done   chan struct{}
}

// NewScanBuilder creates a ScanBuilder. Close must be called to stop the
// callback worker.
func NewScanBuilder(cfg ScanBuilderConfig) *ScanBuilder {
	if cfg.MinAzimuthCoverage == 0 {
		cfg.MinAzimuthCoverage = DefaultMinAzimuthCoverage
	}
	if cfg.MinScanPoints == 0 {
		cfg.MinScanPoints = DefaultMinScanPoints
	}
	if cfg.AzimuthTolerance == 0 {
		cfg.AzimuthTolerance = DefaultAzimuthTolerance
	}
	b := &ScanBuilder{
		cfg:    cfg,
		lastAz: -1,
		scanCh: make(chan *lidar.Scan, 8),
		done:   make(chan struct{}),
	}
	go b.callbackWorker()
	return b
}

// callbackWorker serialises scan callbacks so a slow consumer holds back
// packet intake instead of racing itself.
func (b *ScanBuilder) callbackWorker() {
	defer close(b.done)
	for scan := range b.scanCh {
		if b.cfg.ScanCallback != nil {
			b.cfg.ScanCallback(scan)
		}
	}
}

// AddPoints appends decoded returns, closing the current rotation whenever
// the azimuth wraps.
func (b *ScanBuilder) AddPoints(points []parse.Point) {
	b.mu.Lock()
	var ready []*lidar.Scan
	for _, p := range points {
		if b.lastAz >= 0 {
			step := p.Azimuth - b.lastAz
			if step < -b.cfg.AzimuthTolerance {
				if s := b.finishLocked(); s != nil {
					ready = append(ready, s)
				}
			} else if step > 0 {
				b.coverage += step
			}
		}
		if len(b.points) == 0 {
			b.start = p.Timestamp
		}
		x, y, z := lidar.SphericalToCartesian(p.Distance, p.Azimuth, p.Elevation)
		b.points = append(b.points, lidar.RawPoint{
			X: x, Y: y, Z: z,
			Intensity: float32(p.Intensity),
			Ring:      p.Ring,
			RelTime:   float32(p.Timestamp.Sub(b.start).Seconds()),
		})
		b.lastAz = p.Azimuth
	}
	b.mu.Unlock()

	for _, s := range ready {
		b.scanCh <- s
	}
}

// finishLocked closes the current rotation and returns it, or nil when it
// is too sparse or too narrow to use.
func (b *ScanBuilder) finishLocked() *lidar.Scan {
	pts, start, cov := b.points, b.start, b.coverage
	b.points = make([]lidar.RawPoint, 0, cap(pts))
	b.coverage = 0
	b.lastAz = -1
	if len(pts) < b.cfg.MinScanPoints || cov < b.cfg.MinAzimuthCoverage {
		if len(pts) > 0 {
			b.dropped++
			logs.Diagf("discarding partial rotation: %d points over %.1f°", len(pts), cov)
		}
		return nil
	}
	b.emitted++
	logs.Tracef("rotation %d: %d points over %.1f°", b.emitted, len(pts), cov)
	return &lidar.Scan{
		Timestamp: start,
		Fields:    lidar.FieldRing | lidar.FieldRelTime,
		Points:    pts,
	}
}

// Flush emits the rotation in progress if it is complete enough. Call it at
// the end of a replay.
func (b *ScanBuilder) Flush() {
	b.mu.Lock()
	s := b.finishLocked()
	b.mu.Unlock()
	if s != nil {
		b.scanCh <- s
	}
}

// Stats reports emitted and discarded rotation counts.
func (b *ScanBuilder) Stats() (emitted, dropped int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emitted, b.dropped
}

// Reset discards the rotation in progress, e.g. when switching sources.
func (b *ScanBuilder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.points = b.points[:0]
	b.coverage = 0
	b.lastAz = -1
}

// Close shuts down the callback worker and waits for it to drain. The
// rotation in progress is not emitted; call Flush first to keep it.
func (b *ScanBuilder) Close() {
	close(b.scanCh)
	<-b.done
}
