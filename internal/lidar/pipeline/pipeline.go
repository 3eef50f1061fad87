package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lidarmap/internal/lidar"
	"github.com/banshee-data/lidarmap/internal/lidar/l3rangeimage"
	"github.com/banshee-data/lidarmap/internal/lidar/l4features"
	"github.com/banshee-data/lidarmap/internal/lidar/l5odometry"
	"github.com/banshee-data/lidarmap/internal/lidar/l6mapping"
	"github.com/banshee-data/lidarmap/internal/lidar/loopclosure"
	"github.com/banshee-data/lidarmap/internal/monitoring"
)

// Config holds the dependencies of a Pipeline. Only Lidar is required;
// nil stages are built from it.
type Config struct {
	Lidar *lidar.Config

	Store         *l6mapping.KeyframeStore // optional: created when nil
	Deskew        DeskewSource             // optional: no motion correction
	OdometrySinks []OdometrySink
	MappingSinks  []MappingSink
	LoopOptions   []loopclosure.Option

	// Stage overrides, mainly for tests.
	Projection ProjectionStage
	Features   FeatureStage
	Odometry   OdometryStage
	Mapping    MappingStage
	Loop       LoopStage
}

// Pipeline runs projection and feature extraction on the caller's
// goroutine, odometry and mapping on one goroutine each, and loop closure
// on its own ticker. Stages are joined by bounded channels with blocking
// hand-off, so a slow stage applies back-pressure instead of dropping.
type Pipeline struct {
	lidar      *lidar.Config
	store      *l6mapping.KeyframeStore
	mapper     *l6mapping.MapOptimizer
	deskew     DeskewSource
	projection ProjectionStage
	features   FeatureStage
	odometry   OdometryStage
	mapping    MappingStage
	loop       LoopStage
	odomSinks  []OdometrySink
	mapSinks   []MappingSink

	ingested atomic.Uint64
	mapped   atomic.Uint64
}

// New wires a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Lidar == nil {
		return nil, errors.New("pipeline: lidar config is required")
	}
	if err := cfg.Lidar.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p := &Pipeline{
		lidar:      cfg.Lidar,
		store:      cfg.Store,
		projection: cfg.Projection,
		features:   cfg.Features,
		odometry:   cfg.Odometry,
		mapping:    cfg.Mapping,
		loop:       cfg.Loop,
	}
	if !isNilInterface(cfg.Deskew) {
		p.deskew = cfg.Deskew
	}
	if p.store == nil {
		p.store = l6mapping.NewKeyframeStore()
	}
	if p.projection == nil {
		p.projection = l3rangeimage.NewProjector(cfg.Lidar)
	}
	if p.features == nil {
		p.features = l4features.NewExtractor(cfg.Lidar)
	}
	if p.odometry == nil {
		p.odometry = l5odometry.NewScanMatcher(cfg.Lidar)
	}
	if p.mapping == nil {
		p.mapper = l6mapping.NewMapOptimizer(cfg.Lidar, p.store)
		p.mapping = p.mapper
	}
	if p.loop == nil && cfg.Lidar.LoopClosure.Enabled && p.mapper != nil {
		p.loop = loopclosure.NewDetector(cfg.Lidar, p.store, p.mapper, cfg.LoopOptions...)
	}
	for _, s := range cfg.OdometrySinks {
		if !isNilInterface(s) {
			p.odomSinks = append(p.odomSinks, s)
		}
	}
	for _, s := range cfg.MappingSinks {
		if !isNilInterface(s) {
			p.mapSinks = append(p.mapSinks, s)
		}
	}
	return p, nil
}

// Store returns the keyframe history.
func (p *Pipeline) Store() *l6mapping.KeyframeStore { return p.store }

// Mapper returns the built-in map optimizer, or nil when the mapping
// stage was overridden.
func (p *Pipeline) Mapper() *l6mapping.MapOptimizer { return p.mapper }

// Run processes scans until the channel is closed or ctx is done. Scans
// already accepted are always carried through mapping before Run returns,
// so an in-flight keyframe is never lost. It returns ctx.Err() when
// cancelled and nil when the input ends.
func (p *Pipeline) Run(ctx context.Context, scans <-chan *lidar.Scan) error {
	depth := p.lidar.Pipeline.QueueDepth
	featCh := make(chan *l4features.FeatureSet, depth)
	odomCh := make(chan l5odometry.Result, depth)

	var stages errgroup.Group
	stages.Go(func() error {
		defer close(odomCh)
		for fs := range featCh {
			r := p.odometry.Match(fs)
			for _, s := range p.odomSinks {
				s.PublishOdometry(r)
			}
			odomCh <- r
		}
		return nil
	})
	stages.Go(func() error {
		for r := range odomCh {
			mr := p.mapping.Process(r)
			for _, s := range p.mapSinks {
				s.PublishMapping(mr)
			}
			p.mapped.Add(1)
		}
		return nil
	})

	// Loop closure outlives the caller's context until mapping has drained.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	var loop errgroup.Group
	if p.loop != nil {
		loop.Go(func() error { return p.loop.Run(loopCtx) })
	}

	logs.Opsf("pipeline started (queue depth %d, loop closure %t)", depth, p.loop != nil)
	ingestErr := p.ingest(ctx, scans, featCh)
	close(featCh)

	err := stages.Wait()
	stopLoop()
	if lerr := loop.Wait(); err == nil {
		err = lerr
	}
	logs.Opsf("pipeline stopped: %d scans ingested, %d mapped, %d keyframes",
		p.ingested.Load(), p.mapped.Load(), p.store.Len())
	if err != nil {
		return err
	}
	return ingestErr
}

func (p *Pipeline) ingest(ctx context.Context, scans <-chan *lidar.Scan, out chan<- *l4features.FeatureSet) error {
	period := p.lidar.Sensor.ScanPeriod
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case scan, ok := <-scans:
			if !ok {
				return nil
			}
			if scan == nil {
				continue
			}
			var d l3rangeimage.Deskewer
			if p.deskew != nil {
				if d = p.deskew.DeskewerFor(scan, period); isNilInterface(d) {
					d = nil
				}
			}
			img := p.projection.Project(scan, d)
			recordDrops(img.Stats)
			fs := p.features.Extract(img)
			monitoring.ScansProcessed.WithLabelValues(monitoring.StageProjection).Inc()
			p.ingested.Add(1)
			out <- fs
		}
	}
}

func recordDrops(s l3rangeimage.Stats) {
	if s.DroppedInvalid > 0 {
		monitoring.PointsDropped.WithLabelValues("malformed").Add(float64(s.DroppedInvalid))
	}
	if s.DroppedRange > 0 {
		monitoring.PointsDropped.WithLabelValues("min_range").Add(float64(s.DroppedRange))
	}
	if s.DroppedBounds > 0 {
		monitoring.PointsDropped.WithLabelValues("out_of_bounds").Add(float64(s.DroppedBounds))
	}
}
