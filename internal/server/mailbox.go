package server

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Mailbox is one peer's outbound queue of formatted lines. The Broker is its
// only producer and the peer's Writer its only consumer. A Mailbox pointer
// doubles as the registration handle compared by DisconnectNotice.
type Mailbox struct {
	lines      *queue[string]
	pending    atomic.Int64
	connID     uuid.UUID
	retired    chan struct{}
	retireOnce sync.Once
}

func newMailbox(connID uuid.UUID) *Mailbox {
	return &Mailbox{
		lines:   newQueue[string](),
		connID:  connID,
		retired: make(chan struct{}),
	}
}

func (m *Mailbox) push(line string) bool {
	m.pending.Add(1)
	if !m.lines.Send(line) {
		m.pending.Add(-1)
		return false
	}
	return true
}

// out is read by the Writer, which calls taken after every receive.
func (m *Mailbox) out() <-chan string {
	return m.lines.Out()
}

func (m *Mailbox) taken() {
	m.pending.Add(-1)
}

// close is the Broker dropping its sending side.
func (m *Mailbox) close() {
	m.lines.Close()
}

// retire marks that the Writer draining this mailbox has stopped.
func (m *Mailbox) retire() {
	m.retireOnce.Do(func() { close(m.retired) })
}

func (m *Mailbox) isRetired() bool {
	select {
	case <-m.retired:
		return true
	default:
		return false
	}
}

// Len returns the number of lines pushed but not yet taken by the Writer.
func (m *Mailbox) Len() int {
	return int(m.pending.Load())
}
