package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tyrowin/linechat/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListen_BindError(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(ln.Addr().String())
	assert.ErrorIs(t, err, ErrBind)
}

func TestAcceptor_RelaysAndStopsOnCancel(t *testing.T) {
	broker, events := startBroker(t, BrokerOptions{})

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	conns := newConnTracker()
	acceptor := &Acceptor{
		listener: ln,
		handler: &connHandler{
			events:  events.Clone(),
			conns:   conns,
			metrics: broker.metrics,
			logger:  logging.Discard(),
		},
		logger: logging.Discard(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- acceptor.Serve(ctx) }()

	dial := func(name string) (net.Conn, *bufio.Reader) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		_, err = conn.Write([]byte(name + "\n"))
		require.NoError(t, err)
		return conn, bufio.NewReader(conn)
	}

	alice, _ := dial("alice")
	bob, bobLines := dial("bob")
	waitForPeers(t, broker, "alice", "bob")

	_, err = alice.Write([]byte("bob:over tcp\n"))
	require.NoError(t, err)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(waitTimeout)))
	line, err := bobLines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "from alice: over tcp\n", line)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("acceptor did not stop")
	}

	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)

	// Existing peers stay connected until the tracker closes them.
	waitForPeers(t, broker, "alice", "bob")
	assert.Equal(t, 2, conns.closeAll())
	waitForPeers(t, broker)
}

// flakyListener fails the first few Accept calls before delegating.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("too many open files")
	}
	return l.Listener.Accept()
}

func TestAcceptor_RetriesTransientAcceptErrors(t *testing.T) {
	broker, events := startBroker(t, BrokerOptions{})

	inner, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(3)

	conns := newConnTracker()
	t.Cleanup(func() { conns.closeAll() })
	acceptor := &Acceptor{
		listener: ln,
		handler: &connHandler{
			events:  events.Clone(),
			conns:   conns,
			metrics: broker.metrics,
			logger:  logging.Discard(),
		},
		logger: logging.Discard(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- acceptor.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	conn, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = conn.Write([]byte("survivor\n"))
	require.NoError(t, err)

	waitForPeers(t, broker, "survivor")
	assert.LessOrEqual(t, ln.failures.Load(), int32(-1), "every injected failure must have been retried")
}
