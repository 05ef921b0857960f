package server

import (
	"errors"
	"testing"
	"time"

	"github.com/Tyrowin/linechat/internal/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(lines LineReader, out LineWriter, events *Sender[Event], cfg RateLimitConfig) (*Reader, *Metrics) {
	metrics := newTestMetrics()
	return NewReader(uuid.New(), lines, out, events, newRateLimiter(cfg), metrics, logging.Discard()), metrics
}

func TestReader_HandshakeEOF(t *testing.T) {
	q := newQueue[Event]()
	events := newSender(q)
	out := newRecordingWriter()

	r, metrics := newTestReader(&scriptedReader{}, out, events, RateLimitConfig{})
	err := r.Run()

	require.ErrorIs(t, err, ErrHandshake)
	assert.True(t, out.isClosed(), "unregistered connection must be closed")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HandshakeFailures))

	items, done := drain(t, q)
	assert.Empty(t, items, "no events may be emitted before the handshake")
	assert.True(t, done, "released handle must close the queue")
}

func TestReader_HandshakeReadError(t *testing.T) {
	q := newQueue[Event]()
	boom := errors.New("boom")

	r, _ := newTestReader(&scriptedReader{err: boom}, newRecordingWriter(), newSender(q), RateLimitConfig{})
	err := r.Run()

	require.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, boom)
}

func TestReader_EmitsNewPeerThenMessages(t *testing.T) {
	q := newQueue[Event]()
	out := newRecordingWriter()
	lines := &scriptedReader{lines: []string{
		"alice",
		"no colon here",
		"bob, carol: hello ",
		"bob:second",
	}}

	r, metrics := newTestReader(lines, out, newSender(q), RateLimitConfig{})
	require.NoError(t, r.Run())

	items, done := drain(t, q)
	assert.True(t, done)
	require.Len(t, items, 3)

	peer, ok := items[0].(NewPeer)
	require.True(t, ok, "first event must be NewPeer")
	assert.Equal(t, "alice", peer.Name)
	assert.Same(t, out, peer.Out.(*recordingWriter))

	select {
	case <-peer.Shutdown:
	case <-time.After(waitTimeout):
		t.Fatal("close notification not closed after reader exit")
	}

	assert.Equal(t, Message{From: "alice", To: []string{"bob", "carol"}, Body: "hello", ConnID: peer.ConnID}, items[1])
	assert.Equal(t, Message{From: "alice", To: []string{"bob"}, Body: "second", ConnID: peer.ConnID}, items[2])
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FramesReceived))
	assert.False(t, out.isClosed(), "write half belongs to the broker after the handshake")
}

func TestReader_ShutdownOpenWhileReading(t *testing.T) {
	q := newQueue[Event]()
	block := make(chan struct{})
	lines := &scriptedReader{lines: []string{"alice"}, block: block}

	r, _ := newTestReader(lines, newRecordingWriter(), newSender(q), RateLimitConfig{})
	result := make(chan error, 1)
	go func() { result <- r.Run() }()

	peer := (<-q.Out()).(NewPeer)

	select {
	case <-peer.Shutdown:
		t.Fatal("close notification closed while the reader is alive")
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	require.NoError(t, <-result)
	<-peer.Shutdown
}

func TestReader_SocketReadError(t *testing.T) {
	q := newQueue[Event]()
	lines := &scriptedReader{lines: []string{"alice"}, err: ErrLineTooLong}

	r, _ := newTestReader(lines, newRecordingWriter(), newSender(q), RateLimitConfig{})
	err := r.Run()

	require.ErrorIs(t, err, ErrSocketRead)
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReader_BrokerClosedBeforeHandshake(t *testing.T) {
	q := newQueue[Event]()
	q.Close()
	out := newRecordingWriter()

	r, _ := newTestReader(&scriptedReader{lines: []string{"alice"}}, out, newSender(q), RateLimitConfig{})
	err := r.Run()

	require.ErrorIs(t, err, ErrBrokerClosed)
	assert.True(t, out.isClosed())
}

func TestReader_RateLimitDiscardsExcessFrames(t *testing.T) {
	q := newQueue[Event]()
	lines := &scriptedReader{lines: []string{"alice", "bob:1", "bob:2", "bob:3"}}

	r, metrics := newTestReader(lines, newRecordingWriter(), newSender(q), RateLimitConfig{Burst: 1, RefillInterval: time.Hour})
	require.NoError(t, r.Run())

	items, _ := drain(t, q)
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[1].(Message).Body)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Dropped.WithLabelValues(dropRateLimited)))
}
