// Package server implements the linechat relay: a single Broker goroutine
// that owns the peer registry, one Reader and one Writer goroutine per
// connection, and the TCP Acceptor and WebSocket gateway that feed it.
//
// All coordination goes through queues. Readers push Events to the Broker,
// the Broker pushes formatted lines into per-peer Mailboxes, and each Writer
// reports its own exit with a DisconnectNotice. Nothing outside the Broker's
// loop touches the registry, so it needs no lock.
package server
