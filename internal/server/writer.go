// Package server implements the per-peer Writer that drains a Mailbox to
// the connection's write half.
package server

import (
	"fmt"
	"log/slog"
)

// Writer drains one peer's Mailbox to its connection. It stops when the
// Reader's close-notification channel closes, when the Broker closes the
// Mailbox, or on a write error, and reports exactly one DisconnectNotice.
type Writer struct {
	name        string
	mailbox     *Mailbox
	shutdown    <-chan struct{}
	out         LineWriter
	disconnects *Sender[DisconnectNotice]
	metrics     *Metrics
	logger      *slog.Logger
}

// Run drives the writer loop and then reports the disconnect.
func (w *Writer) Run() {
	if err := w.loop(); err != nil {
		if isExpectedCloseError(err) {
			w.logger.Debug("Writer stopped", "error", err)
		} else {
			w.logger.Warn("Writer stopped", "error", err)
		}
	}

	w.mailbox.retire()
	if err := w.out.Close(); err != nil && !isExpectedCloseError(err) {
		w.logger.Debug("Error closing connection", "error", err)
	}

	w.disconnects.Send(DisconnectNotice{Name: w.name, Mailbox: w.mailbox})
	w.disconnects.Release()
}

// loop races the mailbox against the close notification. Go's select picks
// uniformly among ready cases, so neither side can starve the other.
func (w *Writer) loop() error {
	for {
		select {
		case line, ok := <-w.mailbox.out():
			if !ok {
				return nil
			}
			w.mailbox.taken()
			if err := w.out.WriteLine(line); err != nil {
				w.metrics.WriteFailures.Inc()
				return fmt.Errorf("%w: %w", ErrSocketWrite, err)
			}

		case <-w.shutdown:
			return nil
		}
	}
}
