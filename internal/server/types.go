// Package server defines the events exchanged between Readers, Writers and
// the Broker, plus small helpers shared across them.
package server

import (
	"strings"

	"github.com/google/uuid"
)

// Event is anything a Reader (or a query) pushes onto the Broker's inbound queue.
type Event interface{ event() }

// NewPeer is emitted once per connection after the name line has been read.
// Out is the connection's write half; ownership passes to the Broker.
type NewPeer struct {
	Name     string
	Shutdown <-chan struct{}
	Out      LineWriter
	ConnID   uuid.UUID
}

func (NewPeer) event() {}

// Message is emitted for every frame of the form "to1,to2:body". ConnID
// identifies the connection that read it.
type Message struct {
	From   string
	To     []string
	Body   string
	ConnID uuid.UUID
}

func (Message) event() {}

// peersQuery asks the Broker loop for a snapshot of registered names.
type peersQuery struct {
	reply chan []string
}

func (peersQuery) event() {}

// DisconnectNotice is sent exactly once by every Writer when it stops.
// Mailbox is the handle the Writer was spawned with; the Broker only
// removes the registry entry if it still points at that same Mailbox.
type DisconnectNotice struct {
	Name    string
	Mailbox *Mailbox
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
