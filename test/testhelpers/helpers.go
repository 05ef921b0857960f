// Package testhelpers provides common utilities for exercising a running
// linechat relay end to end.
//
// It starts a full Server on loopback listeners and offers small TCP and
// WebSocket clients that speak the line protocol, plus HTTP helpers shared
// by the integration and unit tests.
package testhelpers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/linechat/internal/logging"
	"github.com/Tyrowin/linechat/internal/server"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is allowed by every relay started through StartRelay.
const TestOrigin = "http://localhost:8081"

// ReadTimeout bounds every blocking read in these helpers.
const ReadTimeout = 2 * time.Second

// Relay is a Server running on ephemeral loopback ports.
type Relay struct {
	TCPAddr  string
	HTTPAddr string

	cancel context.CancelFunc
	done   chan error
}

// StartRelay runs a Server until the test ends. mutate may adjust the
// configuration before it starts.
func StartRelay(t *testing.T, mutate func(cfg *server.Config)) *Relay {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{TestOrigin}
	if mutate != nil {
		mutate(cfg)
	}

	ln, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	httpLn, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		TCPAddr:  ln.Addr().String(),
		HTTPAddr: httpLn.Addr().String(),
		cancel:   cancel,
		done:     make(chan error, 1),
	}

	srv := server.New(*cfg, logging.Discard())
	go func() {
		r.done <- srv.Serve(ctx, ln, httpLn)
	}()

	t.Cleanup(func() {
		if err := r.Stop(10 * time.Second); err != nil {
			t.Errorf("relay shutdown: %v", err)
		}
	})
	return r
}

// Stop cancels the relay and waits for Serve to return. It is safe to call
// more than once.
func (r *Relay) Stop(timeout time.Duration) error {
	r.cancel()
	select {
	case err, ok := <-r.done:
		if ok {
			close(r.done)
		}
		return err
	case <-time.After(timeout):
		return errors.New("relay did not stop in time")
	}
}

// URL returns an http:// URL on the relay's HTTP listener.
func (r *Relay) URL(path string) string {
	return "http://" + r.HTTPAddr + path
}

// WSURL returns the WebSocket endpoint.
func (r *Relay) WSURL() string {
	return "ws://" + r.HTTPAddr + "/ws"
}

// Peer is a line-protocol client.
type Peer interface {
	Send(line string) error
	ReadLine(timeout time.Duration) (string, error)
	Close() error
}

// TCPPeer is a raw TCP client.
type TCPPeer struct {
	conn net.Conn
	r    *bufio.Reader
}

// DialTCP connects to addr without sending a handshake.
func DialTCP(t *testing.T, addr string) *TCPPeer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, ReadTimeout)
	require.NoError(t, err)
	p := &TCPPeer{conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// JoinTCP connects to addr and sends name as the handshake line.
func JoinTCP(t *testing.T, addr, name string) *TCPPeer {
	t.Helper()
	p := DialTCP(t, addr)
	require.NoError(t, p.Send(name))
	return p
}

// Send writes line followed by a newline.
func (p *TCPPeer) Send(line string) error {
	_, err := p.conn.Write([]byte(line + "\n"))
	return err
}

// SendRaw writes data unchanged.
func (p *TCPPeer) SendRaw(data string) error {
	_, err := p.conn.Write([]byte(data))
	return err
}

// ReadLine returns the next line including its terminator.
func (p *TCPPeer) ReadLine(timeout time.Duration) (string, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	return p.r.ReadString('\n')
}

// Close closes the connection.
func (p *TCPPeer) Close() error {
	return p.conn.Close()
}

// CloseWrite half-closes the connection so the relay sees EOF.
func (p *TCPPeer) CloseWrite() error {
	if tcp, ok := p.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return p.conn.Close()
}

// WSPeer is a WebSocket client; one text frame carries one line.
type WSPeer struct {
	conn *websocket.Conn
}

// ConnectWebSocket dials url with the given Origin header. The HTTP
// response is returned for inspection when the handshake is refused.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// JoinWebSocket connects with TestOrigin and sends name as the first frame.
func JoinWebSocket(t *testing.T, url, name string) *WSPeer {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, TestOrigin)
	require.NoError(t, err)
	p := &WSPeer{conn: conn}
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Send(name))
	return p
}

// Send writes line as one text frame.
func (p *WSPeer) Send(line string) error {
	return p.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

// ReadLine returns the next frame with a trailing newline appended so both
// transports compare equal. A timed out read leaves the connection unusable.
func (p *WSPeer) ReadLine(timeout time.Duration) (string, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

// Close sends a normal close frame and closes the connection.
func (p *WSPeer) Close() error {
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return p.conn.Close()
}

// ExpectLine fails the test unless p receives want next.
func ExpectLine(t *testing.T, p Peer, want string) {
	t.Helper()
	got, err := p.ReadLine(ReadTimeout)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// ExpectNoLine fails the test if p receives anything within d.
func ExpectNoLine(t *testing.T, p Peer, d time.Duration) {
	t.Helper()
	got, err := p.ReadLine(d)
	if err == nil {
		t.Fatalf("unexpected line %q", got)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected a read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the relay closes p's connection.
func ExpectClosed(t *testing.T, p Peer) {
	t.Helper()
	deadline := time.Now().Add(ReadTimeout)
	for time.Now().Before(deadline) {
		_, err := p.ReadLine(time.Until(deadline))
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			break
		}
		return
	}
	t.Fatal("connection was not closed by the relay")
}

// Peers fetches the /peers listing.
func Peers(t *testing.T, r *Relay) []string {
	t.Helper()
	names, err := FetchPeers(r)
	require.NoError(t, err)
	return names
}

// FetchPeers fetches the /peers listing without touching the test state, so
// it can be polled from any goroutine.
func FetchPeers(r *Relay) ([]string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(r.URL("/peers"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Peers []string `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Peers, nil
}

// WaitForPeers polls /peers until it lists exactly want, in sorted order.
func WaitForPeers(t *testing.T, r *Relay, want ...string) {
	t.Helper()
	joined := strings.Join(want, ",")
	require.Eventually(t, func() bool {
		names, err := FetchPeers(r)
		return err == nil && strings.Join(names, ",") == joined
	}, 5*time.Second, 10*time.Millisecond, "peers never became %v", want)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}
