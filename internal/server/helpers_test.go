package server

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/linechat/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled
// when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// recordingWriter is an in-memory LineWriter.
type recordingWriter struct {
	lines     chan string
	closed    chan struct{}
	closeOnce sync.Once
	failWith  error
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{
		lines:  make(chan string, 256),
		closed: make(chan struct{}),
	}
}

func (w *recordingWriter) WriteLine(line string) error {
	if w.failWith != nil {
		return w.failWith
	}
	select {
	case <-w.closed:
		return net.ErrClosed
	default:
	}
	w.lines <- line
	return nil
}

func (w *recordingWriter) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

func (w *recordingWriter) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

// expectLine waits for the next written line.
func (w *recordingWriter) expectLine(t *testing.T) string {
	t.Helper()
	select {
	case line := <-w.lines:
		return line
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

// expectNoLine asserts nothing is written within d.
func (w *recordingWriter) expectNoLine(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case line := <-w.lines:
		t.Fatalf("unexpected line %q", line)
	case <-time.After(d):
	}
}

func (w *recordingWriter) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-w.closed:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for close")
	}
}

// scriptedReader replays lines and then returns err (io.EOF by default).
// If block is set, it waits on it before returning the final error.
type scriptedReader struct {
	mu    sync.Mutex
	lines []string
	err   error
	block chan struct{}
}

func (r *scriptedReader) ReadLine() (string, error) {
	r.mu.Lock()
	if len(r.lines) > 0 {
		line := r.lines[0]
		r.lines = r.lines[1:]
		r.mu.Unlock()
		return line, nil
	}
	r.mu.Unlock()

	if r.block != nil {
		<-r.block
	}
	if r.err != nil {
		return "", r.err
	}
	return "", io.EOF
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// startBroker runs a broker and stops it at test cleanup.
func startBroker(t *testing.T, opts BrokerOptions) (*Broker, *Sender[Event]) {
	t.Helper()
	broker, events := NewBroker(opts, newTestMetrics(), logging.Discard())
	go broker.Run()

	t.Cleanup(func() {
		events.Release()
		select {
		case <-broker.Done():
		case <-time.After(waitTimeout):
			t.Error("broker did not stop")
		}
	})
	return broker, events
}

// testPeer is a registered peer driven directly through events.
type testPeer struct {
	name     string
	out      *recordingWriter
	shutdown chan struct{}
	once     sync.Once
}

// disconnect plays the Reader ending.
func (p *testPeer) disconnect() {
	p.once.Do(func() { close(p.shutdown) })
}

func register(t *testing.T, events *Sender[Event], name string) *testPeer {
	t.Helper()
	p := &testPeer{name: name, out: newRecordingWriter(), shutdown: make(chan struct{})}
	require.True(t, events.Send(NewPeer{Name: name, Shutdown: p.shutdown, Out: p.out}))
	t.Cleanup(p.disconnect)
	return p
}

// waitForPeers polls the broker until the registry matches want exactly.
func waitForPeers(t *testing.T, broker *Broker, want ...string) {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	require.Eventually(t, func() bool {
		names, err := broker.Peers(testContext(t))
		if err != nil {
			return false
		}
		if len(names) != len(want) {
			return false
		}
		for i := range names {
			if names[i] != want[i] {
				return false
			}
		}
		return true
	}, waitTimeout, 5*time.Millisecond)
}
