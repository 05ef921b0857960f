package server

import (
	"io"
	"sync"
)

// connTracker remembers open connections so shutdown can close them and
// unblock their Readers and Writers. Streams remove themselves when they
// close. After closeAll, new connections are closed on add.
type connTracker struct {
	mu     sync.Mutex
	conns  map[io.Closer]struct{}
	closed bool
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[io.Closer]struct{})}
}

func (t *connTracker) add(c io.Closer) bool {
	t.mu.Lock()
	if !t.closed {
		t.conns[c] = struct{}{}
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()

	_ = c.Close()
	return false
}

func (t *connTracker) remove(c io.Closer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
}

func (t *connTracker) closeAll() int {
	t.mu.Lock()
	conns := make([]io.Closer, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[io.Closer]struct{})
	t.closed = true
	t.mu.Unlock()

	// Close outside the lock
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
