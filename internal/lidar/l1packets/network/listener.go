package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lidarmap/internal/lidar/l1packets/parse"
)

// PacketStatsInterface provides packet statistics management
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
	AddPoints(count int)
	LogStats(parsePackets bool)
}

// Parser decodes one UDP payload captured at recv.
type Parser interface {
	ParsePacket(packet []byte, recv time.Time) ([]parse.Point, error)
}

// FrameBuilder accumulates decoded points into scans.
type FrameBuilder interface {
	AddPoints(points []parse.Point)
}

// PacketStats counts packets, bytes and points since the last LogStats.
type PacketStats struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
	points  atomic.Uint64
	since   atomic.Int64
}

// NewPacketStats creates a zeroed PacketStats.
func NewPacketStats() *PacketStats {
	s := &PacketStats{}
	s.since.Store(time.Now().UnixNano())
	return s
}

func (s *PacketStats) AddPacket(bytes int) {
	s.packets.Add(1)
	s.bytes.Add(uint64(bytes))
}
func (s *PacketStats) AddDropped()         { s.dropped.Add(1) }
func (s *PacketStats) AddPoints(count int) { s.points.Add(uint64(count)) }

// Snapshot returns the counters without resetting them.
func (s *PacketStats) Snapshot() (packets, bytes, dropped, points uint64) {
	return s.packets.Load(), s.bytes.Load(), s.dropped.Load(), s.points.Load()
}

// LogStats logs packet and point rates and resets the counters.
func (s *PacketStats) LogStats(parsePackets bool) {
	now := time.Now().UnixNano()
	elapsed := time.Duration(now - s.since.Swap(now)).Seconds()
	packets, bytes := s.packets.Swap(0), s.bytes.Swap(0)
	dropped, points := s.dropped.Swap(0), s.points.Swap(0)
	if elapsed <= 0 {
		return
	}
	if parsePackets {
		logs.Diagf("%.1f pkt/s, %.1f KiB/s, %d dropped, %.0f pts/s",
			float64(packets)/elapsed, float64(bytes)/1024/elapsed, dropped, float64(points)/elapsed)
		return
	}
	logs.Diagf("%.1f pkt/s, %.1f KiB/s, %d dropped", float64(packets)/elapsed, float64(bytes)/1024/elapsed, dropped)
}

// UDPListener receives sensor packets over UDP and hands decoded points to a
// frame builder.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	stats       PacketStatsInterface
	parser      Parser
	frames      FrameBuilder

	mu   sync.Mutex
	conn *net.UDPConn
}

// UDPListenerConfig contains configuration options for the UDP listener
type UDPListenerConfig struct {
	Address      string
	RcvBuf       int
	LogInterval  time.Duration
	Stats        PacketStatsInterface
	Parser       Parser
	FrameBuilder FrameBuilder
}

// NewUDPListener creates a new UDP listener with the provided configuration
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	var stats PacketStatsInterface = noopStats{}
	if config.Stats != nil {
		stats = config.Stats
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		stats:       stats,
		parser:      config.Parser,
		frames:      config.FrameBuilder,
	}
}

type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddDropped()   {}
func (noopStats) AddPoints(int) {}
func (noopStats) LogStats(bool) {}

// LocalAddr returns the bound address once Start is listening, or nil.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start listens until ctx is done and returns ctx.Err().
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			logs.Opsf("failed to set UDP receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	logs.Opsf("UDP listener started on %s", conn.LocalAddr())

	go l.logStats(ctx)

	buffer := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			logs.Opsf("UDP listener stopping")
			return ctx.Err()
		}
		// The deadline bounds how long a cancelled context goes unnoticed.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logs.Opsf("UDP read error: %v", err)
			continue
		}
		l.handlePacket(buffer[:n], time.Now())
	}
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats(l.parser != nil)
		}
	}
}

func (l *UDPListener) handlePacket(packet []byte, recv time.Time) {
	handlePacket(packet, recv, l.parser, l.frames, l.stats)
}

// handlePacket is shared by live capture and replay. Parse errors drop
// the packet.
func handlePacket(packet []byte, recv time.Time, parser Parser, frames FrameBuilder, stats PacketStatsInterface) {
	stats.AddPacket(len(packet))
	if parser == nil {
		return
	}
	points, err := parser.ParsePacket(packet, recv)
	if err != nil {
		stats.AddDropped()
		logs.Tracef("packet dropped: %v", err)
		return
	}
	stats.AddPoints(len(points))
	if frames != nil && len(points) > 0 {
		frames.AddPoints(points)
	}
}
