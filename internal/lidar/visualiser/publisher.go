// Package visualiser streams live pose estimates to viewers over gRPC.
//
// A Publisher fans each odometry and mapping result out to every
// connected client through a bounded per-client queue. A client that
// falls behind loses updates; the pipeline never waits for it.
package visualiser

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/banshee-data/lidarmap/internal/lidar/l5odometry"
	"github.com/banshee-data/lidarmap/internal/lidar/l6mapping"
)

// Config holds configuration for the pose stream server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientQueue is the per-client buffer; updates beyond it are dropped
	ClientQueue int

	// OdometryEvery forwards one odometry update in this many; 0 disables
	// odometry updates entirely. Mapping updates are always forwarded.
	OdometryEvery int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "localhost:50051",
		MaxClients:    5,
		ClientQueue:   64,
		OdometryEvery: 1,
	}
}

// Publisher manages the gRPC server and pose fan-out.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	clients   map[uint64]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	seq      atomic.Uint64
	odomSeen atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64

	running atomic.Bool
	wg      sync.WaitGroup
}

// clientStream represents a connected streaming client.
type clientStream struct {
	id     uint64
	ch     chan PoseUpdate
	doneCh chan struct{}
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = DefaultConfig().ClientQueue
	}
	return &Publisher{
		config:  cfg,
		clients: make(map[uint64]*clientStream),
	}
}

// Start listens on the configured address and serves the pose stream.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves the pose stream on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if p.running.Swap(true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterPoseStreamServer(p.server, &Server{publisher: p})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logs.Opsf("gRPC pose stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			logs.Opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects clients and stops the server.
func (p *Publisher) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.clientsMu.Lock()
	for id, c := range p.clients {
		close(c.doneCh)
		delete(p.clients, id)
	}
	p.clientsMu.Unlock()

	if p.server != nil {
		p.server.GracefulStop()
	}
	p.wg.Wait()
	logs.Opsf("gRPC pose stream stopped (sent=%d dropped=%d)", p.sent.Load(), p.dropped.Load())
}

// PublishOdometry implements the pipeline odometry sink.
func (p *Publisher) PublishOdometry(r l5odometry.Result) {
	n := uint64(p.config.OdometryEvery)
	if n == 0 || p.odomSeen.Add(1)%n != 0 {
		return
	}
	p.Publish(PoseUpdate{
		Kind:       KindOdometry,
		Timestamp:  r.Timestamp,
		Pose:       r.Pose,
		Degenerate: r.Degenerate,
		Skipped:    r.Skipped,
		Keyframe:   -1,
	})
}

// PublishMapping implements the pipeline mapping sink.
func (p *Publisher) PublishMapping(r l6mapping.Result) {
	u := PoseUpdate{
		Kind:        KindMapping,
		Timestamp:   r.Timestamp,
		Pose:        r.Pose,
		Degenerate:  r.Degenerate,
		Skipped:     r.Skipped,
		Refined:     r.Refined,
		Keyframe:    -1,
		LoopClosure: len(r.Constraints),
	}
	if r.Keyframe != nil {
		u.Keyframe = r.Keyframe.Seq
	}
	p.Publish(u)
}

// Publish stamps u with the next sequence number and offers it to every
// client without blocking.
func (p *Publisher) Publish(u PoseUpdate) {
	u.Seq = p.seq.Add(1)
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for _, c := range p.clients {
		select {
		case c.ch <- u:
			p.sent.Add(1)
		default:
			p.dropped.Add(1)
		}
	}
}

// addClient registers a new streaming client.
func (p *Publisher) addClient() (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if !p.running.Load() {
		return nil, fmt.Errorf("publisher stopped")
	}
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, fmt.Errorf("too many clients (max %d)", p.config.MaxClients)
	}
	c := &clientStream{
		id:     p.nextID.Add(1),
		ch:     make(chan PoseUpdate, p.config.ClientQueue),
		doneCh: make(chan struct{}),
	}
	p.clients[c.id] = c
	logs.Diagf("client %d connected (total: %d)", c.id, len(p.clients))
	return c, nil
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id uint64) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if c, ok := p.clients[id]; ok {
		close(c.doneCh)
		delete(p.clients, id)
	}
	logs.Diagf("client %d disconnected (remaining: %d)", id, len(p.clients))
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	p.clientsMu.RLock()
	clients := len(p.clients)
	p.clientsMu.RUnlock()
	return PublisherStats{
		Published:   p.seq.Load(),
		Sent:        p.sent.Load(),
		Dropped:     p.dropped.Load(),
		ClientCount: clients,
		Running:     p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Published   uint64
	Sent        uint64
	Dropped     uint64
	ClientCount int
	Running     bool
}
