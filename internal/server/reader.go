// Package server implements the per-connection Reader: handshake, frame
// parsing, and event emission towards the Broker.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Reader owns one connection's read half. It also owns the sending side of
// the close-notification channel handed to that peer's Writer: the channel
// is never written, only closed when the Reader returns.
type Reader struct {
	connID  uuid.UUID
	lines   LineReader
	out     LineWriter
	events  *Sender[Event]
	limiter *rate.Limiter
	metrics *Metrics
	logger  *slog.Logger
}

// NewReader creates a Reader. events must be a handle the Reader may
// release; out is handed to the Broker with the NewPeer event.
func NewReader(connID uuid.UUID, lines LineReader, out LineWriter, events *Sender[Event], limiter *rate.Limiter, metrics *Metrics, logger *slog.Logger) *Reader {
	return &Reader{
		connID:  connID,
		lines:   lines,
		out:     out,
		events:  events,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
}

// Run performs the handshake and then forwards frames until the stream
// ends. A clean end of stream returns nil.
func (r *Reader) Run() error {
	defer r.events.Release()

	shutdown := make(chan struct{})
	defer close(shutdown)

	name, err := r.lines.ReadLine()
	if err != nil {
		r.metrics.HandshakeFailures.Inc()
		r.closeUnowned()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: peer disconnected immediately", ErrHandshake)
		}
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	sent := r.events.Send(NewPeer{
		Name:     name,
		Shutdown: shutdown,
		Out:      r.out,
		ConnID:   r.connID,
	})
	if !sent {
		r.closeUnowned()
		return ErrBrokerClosed
	}

	logger := r.logger.With("peer", name)
	logger.Debug("Handshake complete")

	for {
		line, err := r.lines.ReadLine()
		if err != nil {
			return r.readError(err)
		}

		msg, ok := parseFrame(name, line)
		if !ok {
			continue
		}
		msg.ConnID = r.connID

		if r.limiter != nil && !r.limiter.Allow() {
			r.metrics.Dropped.WithLabelValues(dropRateLimited).Inc()
			logger.Warn("Rate limit exceeded; discarding frame")
			continue
		}

		r.metrics.FramesReceived.Inc()
		if !r.events.Send(msg) {
			return ErrBrokerClosed
		}
	}
}

func (r *Reader) readError(err error) error {
	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSocketRead, err)
}

// closeUnowned closes the connection when the write half never reached the Broker.
func (r *Reader) closeUnowned() {
	if err := r.out.Close(); err != nil && !isExpectedCloseError(err) {
		r.logger.Debug("Error closing connection", "error", err)
	}
}
