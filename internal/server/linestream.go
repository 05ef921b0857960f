// Package server adapts raw connections into line streams that are split
// into an independently owned read half and write half.
package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// LineReader is the read half of a connection. ReadLine returns the next
// line without its terminator, or io.EOF once the peer has finished.
type LineReader interface {
	ReadLine() (string, error)
}

// LineWriter is the write half of a connection. WriteLine writes one
// newline-terminated line. Close tears down the whole connection, which
// also unblocks the matching LineReader.
type LineWriter interface {
	WriteLine(line string) error
	Close() error
}

// LineStream is a duplex connection that hands out its two halves.
type LineStream interface {
	Split() (LineReader, LineWriter)
	Close() error
}

// trackedStream is a LineStream that can report its own close.
type trackedStream interface {
	LineStream
	setOnClose(fn func())
}

// tcpStream frames a net.Conn as newline-delimited text.
type tcpStream struct {
	conn         net.Conn
	r            *bufio.Reader
	maxLine      int
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
	onClose      func()
}

func newTCPStream(conn net.Conn, maxLine int, writeTimeout time.Duration) *tcpStream {
	return &tcpStream{
		conn:         conn,
		r:            bufio.NewReader(conn),
		maxLine:      maxLine,
		writeTimeout: writeTimeout,
	}
}

type tcpReadHalf struct{ s *tcpStream }

func (h tcpReadHalf) ReadLine() (string, error) { return h.s.readLine() }

type tcpWriteHalf struct{ s *tcpStream }

func (h tcpWriteHalf) WriteLine(line string) error { return h.s.writeLine(line) }
func (h tcpWriteHalf) Close() error                { return h.s.Close() }

// Split returns the read and write halves.
func (s *tcpStream) Split() (LineReader, LineWriter) {
	return tcpReadHalf{s}, tcpWriteHalf{s}
}

func (s *tcpStream) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := s.r.ReadSlice('\n')
		line = append(line, chunk...)

		if s.maxLine > 0 && len(trimEOL(string(line))) > s.maxLine {
			return "", ErrLineTooLong
		}

		switch {
		case err == nil:
			return trimEOL(string(line)), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			// Final line without a terminator.
			return trimEOL(string(line)), nil
		default:
			return "", err
		}
	}
}

func (s *tcpStream) writeLine(line string) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(s.conn, line)
	return err
}

// Close closes the underlying connection once.
func (s *tcpStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}

// setOnClose must be called before the stream is shared.
func (s *tcpStream) setOnClose(fn func()) { s.onClose = fn }
