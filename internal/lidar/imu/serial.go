package imu

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/lidarmap/internal/timeutil"
)

// LineSource is the subscription side of a serial multiplexer.
type LineSource interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// CommandSender writes commands to the device.
type CommandSender interface {
	SendCommand(string) error
}

// asyncOutputYMR selects $VNYMR as the asynchronous output type (register 6).
const asyncOutputYMR = 14

// Configure sets the device to stream $VNYMR at rateHz.
func Configure(dev CommandSender, rateHz int) error {
	for _, body := range []string{
		fmt.Sprintf("VNWRG,06,%d", asyncOutputYMR),
		fmt.Sprintf("VNWRG,07,%d", rateHz),
	} {
		if err := dev.SendCommand(Command(body)); err != nil {
			return fmt.Errorf("imu: configuring device: %w", err)
		}
	}
	return nil
}

// SerialSource feeds orientation sentences from a serial line source into a
// Buffer, stamping each with the receive time.
type SerialSource struct {
	lines LineSource
	buf   *Buffer
	clock timeutil.Clock

	parsed   atomic.Uint64
	rejected atomic.Uint64
}

// NewSerialSource creates a source. A nil clock uses the wall clock.
func NewSerialSource(lines LineSource, buf *Buffer, clock timeutil.Clock) *SerialSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SerialSource{lines: lines, buf: buf, clock: clock}
}

// Counts reports accepted and rejected sentences.
func (s *SerialSource) Counts() (parsed, rejected uint64) {
	return s.parsed.Load(), s.rejected.Load()
}

// Run consumes lines until ctx is done or the line source closes.
func (s *SerialSource) Run(ctx context.Context) error {
	id, ch := s.lines.Subscribe()
	defer s.lines.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(line)
		}
	}
}

func (s *SerialSource) handle(line string) {
	sample, err := ParseVNYMR(line)
	if errors.Is(err, ErrNotVNYMR) {
		return
	}
	if err != nil {
		s.rejected.Add(1)
		logs.Diagf("dropping sentence: %v", err)
		return
	}
	sample.Time = s.clock.Now()
	if !s.buf.Add(sample) {
		s.rejected.Add(1)
		logs.Tracef("dropping out-of-order sample at %v", sample.Time)
		return
	}
	s.parsed.Add(1)
}
