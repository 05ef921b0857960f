package server

import "errors"

var (
	// ErrBind is returned when the listen address cannot be bound.
	ErrBind = errors.New("bind failed")
	// ErrAccept wraps transient accept failures; the accept loop keeps going.
	ErrAccept = errors.New("accept failed")
	// ErrHandshake means the peer never sent its name line.
	ErrHandshake = errors.New("handshake failed")
	// ErrSocketRead ends a Reader.
	ErrSocketRead = errors.New("socket read failed")
	// ErrSocketWrite ends a Writer.
	ErrSocketWrite = errors.New("socket write failed")
	// ErrDuplicateName is logged when a live peer already holds the requested name.
	ErrDuplicateName = errors.New("name already registered")
	// ErrBrokerClosed is returned once the Broker no longer accepts events.
	ErrBrokerClosed = errors.New("broker closed")
	// ErrLineTooLong is returned by line readers when a frame exceeds the configured limit.
	ErrLineTooLong = errors.New("line too long")
	// ErrEmbeddedLineBreak is returned for a WebSocket frame that carries more than one line.
	ErrEmbeddedLineBreak = errors.New("frame contains a line break")
)
