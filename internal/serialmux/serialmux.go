// Package serialmux shares one serial IMU port between several readers.
// Every line the device emits is fanned out to all subscribers, and
// configuration commands from any caller are serialised onto the port.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"
)

// ErrShortWrite is returned when the port accepts only part of a command.
var ErrShortWrite = errors.New("short write to serial port")

// subscriberBuffer is the number of lines a subscriber may fall behind
// before lines are dropped for it. At 200 Hz this is a little over 300 ms.
const subscriberBuffer = 64

// SerialPorter is the part of a serial port the mux uses, so tests can
// substitute a pipe for hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Stats counts lines read from the port and lines a slow subscriber missed.
type Stats struct {
	Lines       uint64 `json:"lines"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// SerialMux multiplexes one port.
type SerialMux[T SerialPorter] struct {
	port T

	subMu   sync.Mutex
	subs    map[string]chan string
	closing bool

	cmdMu sync.Mutex

	lines   atomic.Uint64
	dropped atomic.Uint64
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{port: port, subs: make(map[string]chan string)}
}

func newSubscriberID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns an id for Unsubscribe and a channel of lines with line
// endings stripped. After Close the channel is returned already closed.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := newSubscriberID()
	ch := make(chan string, subscriberBuffer)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe closes and forgets the subscriber. Unknown ids are ignored.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

// SendCommand writes one command terminated with CRLF.
func (s *SerialMux[T]) SendCommand(command string) error {
	line := strings.TrimRight(command, "\r\n") + "\r\n"
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	n, err := s.port.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("writing %q: %w", strings.TrimSpace(line), err)
	}
	if n != len(line) {
		return ErrShortWrite
	}
	return nil
}

// Monitor reads lines until ctx is done, the port reaches EOF or Close is
// called. EOF and Close return nil.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	// bufio.Scanner blocks in Read, so it gets its own goroutine and the
	// loop below stays responsive to ctx.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.port)
		for sc.Scan() {
			select {
			case lines <- strings.TrimRight(sc.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if !s.broadcast(line) {
				return nil
			}
		}
	}
}

// broadcast hands line to every subscriber without blocking. It reports
// false once the mux is closing.
func (s *SerialMux[T]) broadcast(line string) bool {
	s.lines.Add(1)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closing {
		return false
	}
	for _, ch := range s.subs {
		select {
		case ch <- line:
		default:
			s.dropped.Add(1)
		}
	}
	return true
}

// Stats returns the line counters.
func (s *SerialMux[T]) Stats() Stats {
	s.subMu.Lock()
	n := len(s.subs)
	s.subMu.Unlock()
	return Stats{Lines: s.lines.Load(), Dropped: s.dropped.Load(), Subscribers: n}
}

// Close closes every subscriber and then the port.
func (s *SerialMux[T]) Close() error {
	s.subMu.Lock()
	s.closing = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes mounts imu-command, imu-tail and imu-stats under
// /debug/.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("imu-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "sent %q to the IMU\n", command)
	})

	debug.HandleFunc("imu-stats", "IMU serial line counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Stats())
	})

	debug.HandleFunc("imu-tail", "live tail of the IMU serial port", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")

		id, ch := s.Subscribe()
		defer s.Unsubscribe(id)

		_, _ = io.WriteString(w, ": tailing\n\n")
		flusher.Flush()
		for {
			select {
			case line, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
