package serialmux

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// pipePort feeds Monitor from an io.Pipe and records writes.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *pipePort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestMonitorFansOutLines(t *testing.T) {
	t.Parallel()

	port := newPipePort()
	m := NewSerialMux(port)
	_, a := m.Subscribe()
	_, b := m.Subscribe()

	done := make(chan error, 1)
	go func() { done <- m.Monitor(context.Background()) }()

	_, err := io.WriteString(port.w, "$VNYMR,1*00\r\n$VNYMR,2*00\r\n")
	require.NoError(t, err)

	for _, ch := range []chan string{a, b} {
		assert.Equal(t, "$VNYMR,1*00", <-ch)
		assert.Equal(t, "$VNYMR,2*00", <-ch)
	}
	require.NoError(t, port.w.Close())
	assert.NoError(t, <-done, "end of input is a clean stop")
}

func TestMonitorStopsOnCancel(t *testing.T) {
	t.Parallel()

	port := newPipePort()
	m := NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not stop")
	}
	_ = port.w.Close()
}

func TestSendCommandAppendsCRLF(t *testing.T) {
	t.Parallel()

	port := newPipePort()
	m := NewSerialMux(port)
	require.NoError(t, m.SendCommand("$VNRRG,01*XX"))
	require.NoError(t, m.SendCommand("$VNRRG,02*XX\n"))
	assert.Equal(t, "$VNRRG,01*XX\r\n$VNRRG,02*XX\r\n", port.output())
}

func TestCloseClosesSubscribers(t *testing.T) {
	t.Parallel()

	port := newPipePort()
	m := NewSerialMux(port)
	id, ch := m.Subscribe()
	require.NoError(t, m.Close())

	_, ok := <-ch
	assert.False(t, ok)
	m.Unsubscribe(id) // no double close

	_, late := m.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after Close yields a closed channel")
	assert.True(t, port.closed)
}

func TestAdminCommandRoute(t *testing.T) {
	t.Parallel()

	port := newPipePort()
	m := NewSerialMux(port)
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		want   int
	}{
		{"writes command", http.MethodPost, url.Values{"command": {"$VNRRG,01*XX"}}, http.StatusOK},
		{"missing command", http.MethodPost, url.Values{}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/debug/imu-command", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.RemoteAddr = "127.0.0.1:1234"
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, "$VNRRG,01*XX\r\n", port.output())
}

func TestPortOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      PortOptions
		want    *serial.Mode
		wantErr bool
	}{
		{
			name: "defaults",
			want: &serial.Mode{BaudRate: DefaultBaudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit},
		},
		{
			name: "even parity two stop bits",
			in:   PortOptions{BaudRate: 230400, DataBits: 7, StopBits: 2, Parity: "even"},
			want: &serial.Mode{BaudRate: 230400, DataBits: 7, Parity: serial.EvenParity, StopBits: serial.TwoStopBits},
		},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: true},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.SerialMode()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSlowSubscriberDropsLines(t *testing.T) {
	t.Parallel()

	port := newPipePort()
	m := NewSerialMux(port)
	_, slow := m.Subscribe()

	done := make(chan error, 1)
	go func() { done <- m.Monitor(context.Background()) }()

	var input strings.Builder
	for i := 0; i < subscriberBuffer+6; i++ {
		fmt.Fprintf(&input, "$VNYMR,%d*00\r\n", i)
	}
	_, err := io.WriteString(port.w, input.String())
	require.NoError(t, err)
	require.NoError(t, port.w.Close())
	require.NoError(t, <-done)

	assert.Equal(t, Stats{Lines: subscriberBuffer + 6, Dropped: 6, Subscribers: 1}, m.Stats())
	assert.Equal(t, "$VNYMR,0*00", <-slow, "oldest lines are kept")
}

func TestAdminStatsRoute(t *testing.T) {
	t.Parallel()

	m := NewSerialMux(newPipePort())
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/imu-stats", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"lines":0,"dropped":0,"subscribers":0}`, rec.Body.String())
}
