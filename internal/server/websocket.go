// Package server adapts WebSocket connections into line streams so browser
// clients can join the relay alongside raw TCP peers.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsStream carries one line per text frame. A frame holding a line break
// would smuggle extra lines to TCP peers and ends the connection.
type wsStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
	onClose      func()
}

func newWSStream(conn *websocket.Conn, maxLine int, writeTimeout time.Duration) *wsStream {
	if maxLine > 0 {
		conn.SetReadLimit(int64(maxLine))
	}
	return &wsStream{conn: conn, writeTimeout: writeTimeout}
}

type wsReadHalf struct{ s *wsStream }

func (h wsReadHalf) ReadLine() (string, error) { return h.s.readLine() }

type wsWriteHalf struct{ s *wsStream }

func (h wsWriteHalf) WriteLine(line string) error { return h.s.writeLine(line) }
func (h wsWriteHalf) Close() error                { return h.s.Close() }

// Split returns the read and write halves.
func (s *wsStream) Split() (LineReader, LineWriter) {
	return wsReadHalf{s}, wsWriteHalf{s}
}

func (s *wsStream) readLine() (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return "", ErrLineTooLong
		}
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived) {
			return "", io.EOF
		}
		return "", err
	}
	line := trimEOL(string(data))
	if strings.ContainsAny(line, "\r\n") {
		return "", ErrEmbeddedLineBreak
	}
	return line, nil
}

func (s *wsStream) writeLine(line string) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(strings.TrimSuffix(line, "\n")))
}

// Close closes the underlying network connection once.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}

func (s *wsStream) setOnClose(fn func()) { s.onClose = fn }

// Gateway upgrades HTTP requests to WebSocket and runs a Reader on each.
type Gateway struct {
	handler  *connHandler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func newGateway(handler *connHandler, origins *originPolicy, logger *slog.Logger) *Gateway {
	g := &Gateway{handler: handler, logger: logger}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if origins.check(r) {
				return true
			}
			logger.Warn("Blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
			return false
		},
	}
	return g
}

// ServeHTTP validates that the request uses GET, upgrades the connection and
// serves it for its whole lifetime.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	opts := g.handler.opts
	g.handler.serve(newWSStream(conn, opts.MaxLineBytes, opts.WriteTimeout), r.RemoteAddr, "websocket")
}

// release drops the gateway's event handle once no more upgrades can arrive.
func (g *Gateway) release() {
	g.handler.events.Release()
}
