// Package server implements the TCP Acceptor and the connection handler it
// shares with the WebSocket gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// ReaderOptions are the per-connection limits applied to every Reader.
type ReaderOptions struct {
	MaxLineBytes int
	WriteTimeout time.Duration
	RateLimit    RateLimitConfig
}

// connHandler turns an accepted LineStream into a running Reader.
type connHandler struct {
	events  *Sender[Event]
	conns   *connTracker
	opts    ReaderOptions
	metrics *Metrics
	logger  *slog.Logger
}

// serve runs a Reader for the stream and blocks until it returns. The
// stream stays tracked until whoever owns its write half closes it.
func (h *connHandler) serve(stream trackedStream, remoteAddr, transport string) {
	connID := uuid.New()
	logger := h.logger.With("conn_id", connID.String(), "remote_addr", remoteAddr, "transport", transport)

	stream.setOnClose(func() { h.conns.remove(stream) })
	if !h.conns.add(stream) {
		logger.Debug("Connection arrived during shutdown; closed")
		return
	}

	h.metrics.OpenConnections.Inc()
	defer h.metrics.OpenConnections.Dec()

	logger.Info("Accepted connection")
	lines, out := stream.Split()
	r := NewReader(connID, lines, out, h.events.Clone(), newRateLimiter(h.opts.RateLimit), h.metrics, logger)

	if err := r.Run(); err != nil {
		logger.Info("Connection ended", "error", err)
		return
	}
	logger.Info("Connection ended")
}

// Listen binds a TCP listener. Failures wrap ErrBind.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}
	return ln, nil
}

// Acceptor accepts TCP connections and spawns a Reader for each.
type Acceptor struct {
	listener net.Listener
	handler  *connHandler
	logger   *slog.Logger
}

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. Transient accept errors are logged and retried with backoff.
// On return the Acceptor has released its event handle.
func (a *Acceptor) Serve(ctx context.Context) error {
	defer a.handler.events.Release()

	stop := context.AfterFunc(ctx, func() {
		if err := a.listener.Close(); err != nil && !isExpectedCloseError(err) {
			a.logger.Warn("Error closing listener", "error", err)
		}
	})
	defer stop()

	a.logger.Info("Accepting connections", "addr", a.listener.Addr().String())

	var tempDelay time.Duration
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				a.logger.Info("Accept loop stopped")
				return nil
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			a.logger.Warn("Accept error; retrying", "error", fmt.Errorf("%w: %w", ErrAccept, err), "delay", tempDelay)

			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
			}
			continue
		}
		tempDelay = 0

		stream := newTCPStream(conn, a.handler.opts.MaxLineBytes, a.handler.opts.WriteTimeout)
		go a.handler.serve(stream, conn.RemoteAddr().String(), "tcp")
	}
}
