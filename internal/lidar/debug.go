package lidar

import (
	"io"
	"log"
	"sync"
)

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// StreamLogger is a set of three prefixed loggers: ops for actionable
// warnings and lifecycle events, diag for degraded cycles and tuning context,
// and trace for per-scan telemetry.
type StreamLogger struct {
	prefix string

	mu    sync.RWMutex
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

var (
	registryMu sync.Mutex
	registry   []*StreamLogger
	current    LogWriters

	std = NewStreamLogger("[lidar] ")
)

// NewStreamLogger creates a StreamLogger and registers it so that later
// calls to SetLogWriters reconfigure it along with every other package.
func NewStreamLogger(prefix string) *StreamLogger {
	s := &StreamLogger{prefix: prefix}
	registryMu.Lock()
	registry = append(registry, s)
	w := current
	registryMu.Unlock()
	s.SetWriters(w)
	return s
}

// SetLogWriters configures all three logging streams of every registered
// StreamLogger at once. Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	registryMu.Lock()
	current = w
	loggers := append([]*StreamLogger(nil), registry...)
	registryMu.Unlock()
	for _, s := range loggers {
		s.SetWriters(w)
	}
}

// SetWriters reconfigures only this logger.
func (s *StreamLogger) SetWriters(w LogWriters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = newLogger(s.prefix, w.Ops)
	s.diag = newLogger(s.prefix, w.Diag)
	s.trace = newLogger(s.prefix, w.Trace)
}

// newLogger creates a *log.Logger for a given writer, or returns nil if w is nil.
func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func (s *StreamLogger) Opsf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.ops
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func (s *StreamLogger) Diagf(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.diag
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func (s *StreamLogger) Tracef(format string, args ...interface{}) {
	s.mu.RLock()
	l := s.trace
	s.mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Opsf logs to the lidar package ops stream.
func Opsf(format string, args ...interface{}) { std.Opsf(format, args...) }

// Diagf logs to the lidar package diag stream.
func Diagf(format string, args ...interface{}) { std.Diagf(format, args...) }

// Tracef logs to the lidar package trace stream.
func Tracef(format string, args ...interface{}) { std.Tracef(format, args...) }
