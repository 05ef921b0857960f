package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain receives until Out closes or nothing arrives for a while.
func drain[T any](t *testing.T, q *queue[T]) (items []T, done bool) {
	t.Helper()
	for {
		select {
		case item, ok := <-q.Out():
			if !ok {
				return items, true
			}
			items = append(items, item)
		case <-time.After(50 * time.Millisecond):
			return items, false
		}
	}
}

func TestQueue_FIFOBeyondInitialCapacity(t *testing.T) {
	q := newQueue[int]()

	for i := 0; i < 10; i++ {
		require.True(t, q.Send(i))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, <-q.Out())
	}
	for i := 10; i < 1000; i++ {
		require.True(t, q.Send(i))
	}
	require.Eventually(t, func() bool { return q.Len() == 995 }, waitTimeout, time.Millisecond)

	items, done := drain(t, q)
	assert.False(t, done)
	require.Len(t, items, 995)
	for i, v := range items {
		assert.Equal(t, i+5, v)
	}
}

func TestQueue_CloseDrainsThenDone(t *testing.T) {
	q := newQueue[string]()
	q.Send("a")
	q.Send("b")
	q.Close()
	q.Close()

	assert.False(t, q.Send("c"), "send after close must fail")

	items, done := drain(t, q)
	assert.Equal(t, []string{"a", "b"}, items)
	assert.True(t, done)
}

func TestQueue_SendRacingClose(t *testing.T) {
	q := newQueue[int]()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if !q.Send(i) {
					return
				}
			}
		}()
	}
	q.Close()
	wg.Wait()

	_, done := drain(t, q)
	assert.True(t, done)
}

func TestSender_LastReleaseClosesQueue(t *testing.T) {
	q := newQueue[int]()
	root := newSender(q)
	a := root.Clone()
	b := a.Clone()

	root.Release()
	a.Release()
	assert.True(t, b.Send(1), "queue must stay open while a handle remains")

	b.Release()
	b.Release() // no-op
	assert.False(t, b.Send(2))

	items, done := drain(t, q)
	assert.Equal(t, []int{1}, items)
	assert.True(t, done)
}

func TestSender_CloneOfReleasedHandleIsReleased(t *testing.T) {
	q := newQueue[int]()
	root := newSender(q)
	keep := root.Clone()
	root.Release()

	clone := root.Clone()
	assert.False(t, clone.Send(1))
	clone.Release()

	assert.True(t, keep.Send(2), "releasing a dead clone must not close the queue")
	keep.Release()
}

func TestSender_ConcurrentProducers(t *testing.T) {
	q := newQueue[int]()
	root := newSender(q)

	const producers, perProducer = 8, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		s := root.Clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.Release()
			for i := 0; i < perProducer; i++ {
				s.Send(i)
			}
		}()
	}
	root.Release()
	wg.Wait()

	items, done := drain(t, q)
	assert.Len(t, items, producers*perProducer)
	assert.True(t, done)
}
