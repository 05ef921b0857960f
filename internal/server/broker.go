// Package server coordinates peer registration, message routing, and
// disconnect bookkeeping for the relay via the Broker type.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// BrokerOptions tunes the Broker. The zero value keeps every queue unbounded.
type BrokerOptions struct {
	// MailboxLimit drops lines for a recipient whose mailbox already holds
	// this many. Zero means unbounded.
	MailboxLimit int
}

// Broker owns the name → Mailbox registry. Every registry read and write
// happens inside Run, one event at a time.
type Broker struct {
	events      *queue[Event]
	disconnects *queue[DisconnectNotice]
	disconnectS *Sender[DisconnectNotice]
	peers       map[string]*Mailbox
	opts        BrokerOptions
	metrics     *Metrics
	logger      *slog.Logger
	done        chan struct{}
}

// NewBroker creates a Broker and the first handle on its event queue. The
// Broker's loop ends after that handle and every clone of it have been
// released and every Writer it spawned has reported back.
func NewBroker(opts BrokerOptions, metrics *Metrics, logger *slog.Logger) (*Broker, *Sender[Event]) {
	events := newQueue[Event]()
	disconnects := newQueue[DisconnectNotice]()

	b := &Broker{
		events:      events,
		disconnects: disconnects,
		disconnectS: newSender(disconnects),
		peers:       make(map[string]*Mailbox),
		opts:        opts,
		metrics:     metrics,
		logger:      logger,
		done:        make(chan struct{}),
	}
	return b, newSender(events)
}

// Done is closed once Run has returned.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Run processes events and disconnect notices until the event queue closes,
// then closes every mailbox and waits for all Writers to report.
func (b *Broker) Run() {
	defer close(b.done)

	for b.step() {
	}

	b.logger.Info("Event queue closed; draining writers", "peers", len(b.peers))
	for name, mailbox := range b.peers {
		mailbox.close()
		delete(b.peers, name)
	}
	b.metrics.RegisteredPeers.Set(0)
	b.disconnectS.Release()

	for notice := range b.disconnects.Out() {
		b.handleDisconnect(notice)
	}
	b.logger.Info("Broker stopped")
}

// step waits for whichever queue yields first and handles one item.
// It returns false once the event queue is closed and drained.
func (b *Broker) step() bool {
	select {
	case event, ok := <-b.events.Out():
		if !ok {
			return false
		}
		b.handleEvent(event)

	case notice := <-b.disconnects.Out():
		b.handleDisconnect(notice)
	}
	return true
}

func (b *Broker) handleEvent(event Event) {
	switch e := event.(type) {
	case NewPeer:
		b.handleNewPeer(e)
	case Message:
		b.handleMessage(e)
	case peersQuery:
		e.reply <- b.snapshot()
	default:
		b.logger.Warn("Ignoring unknown event", "type", fmt.Sprintf("%T", event))
	}
}

func (b *Broker) handleNewPeer(p NewPeer) {
	logger := b.logger.With("peer", p.Name, "conn_id", p.ConnID.String())

	if current, exists := b.peers[p.Name]; exists {
		if !current.isRetired() {
			b.metrics.DuplicateNames.Inc()
			logger.Warn("Rejecting registration", "error", ErrDuplicateName)
			if err := p.Out.Close(); err != nil && !isExpectedCloseError(err) {
				logger.Debug("Error closing rejected connection", "error", err)
			}
			return
		}
		// The previous Writer has stopped and its notice is still queued.
		current.close()
		logger.Debug("Replacing stale registration")
	}

	mailbox := newMailbox(p.ConnID)
	b.peers[p.Name] = mailbox
	b.metrics.RegisteredPeers.Set(float64(len(b.peers)))

	w := &Writer{
		name:        p.Name,
		mailbox:     mailbox,
		shutdown:    p.Shutdown,
		out:         p.Out,
		disconnects: b.disconnectS.Clone(),
		metrics:     b.metrics,
		logger:      logger,
	}
	go w.Run()

	logger.Info("Peer registered", "peers", len(b.peers))
}

func (b *Broker) handleMessage(m Message) {
	// A connection rejected as a duplicate may still be reading frames
	// until its close lands; it must not speak for the live holder.
	if holder, exists := b.peers[m.From]; exists && holder.connID != m.ConnID {
		b.metrics.Dropped.WithLabelValues(dropSenderMismatch).Inc()
		b.logger.Debug("Dropping frame from a connection that does not hold the name", "peer", m.From, "conn_id", m.ConnID.String())
		return
	}

	line := formatDelivery(m.From, m.Body)

	for _, to := range m.To {
		mailbox, exists := b.peers[to]
		if !exists {
			b.metrics.Dropped.WithLabelValues(dropUnknownRecipient).Inc()
			continue
		}
		if b.opts.MailboxLimit > 0 && mailbox.Len() >= b.opts.MailboxLimit {
			b.metrics.Dropped.WithLabelValues(dropMailboxFull).Inc()
			b.logger.Warn("Mailbox full; dropping line", "peer", to, "limit", b.opts.MailboxLimit)
			continue
		}
		if mailbox.push(line) {
			b.metrics.Deliveries.Inc()
		}
	}
}

// handleDisconnect removes the entry only if it is still the registration
// the Writer was spawned for; a newer peer under the same name is left alone.
func (b *Broker) handleDisconnect(n DisconnectNotice) {
	current, exists := b.peers[n.Name]
	if !exists || current != n.Mailbox {
		b.logger.Debug("Ignoring stale disconnect", "peer", n.Name)
		return
	}

	delete(b.peers, n.Name)
	current.close()
	b.metrics.RegisteredPeers.Set(float64(len(b.peers)))
	b.logger.Info("Peer disconnected", "peer", n.Name, "peers", len(b.peers))
}

func (b *Broker) snapshot() []string {
	names := make([]string, 0, len(b.peers))
	for name := range b.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Peers returns the registered names, sorted. The query travels through the
// event queue so the registry is only ever read by the Broker loop.
func (b *Broker) Peers(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	if !b.events.Send(peersQuery{reply: reply}) {
		return nil, ErrBrokerClosed
	}

	select {
	case names := <-reply:
		return names, nil
	case <-b.done:
		return nil, ErrBrokerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
