// Package events provides the delivery primitives the engine uses to move
// agent output around: an ordered single-pass stream between a running
// agent and its consumer, and a publish/subscribe bus for run-scoped
// notifications.
package events

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Next once a closed stream has been drained.
var ErrClosed = errors.New("stream closed")

// Stream is a closeable, ordered, single-pass delivery queue. The producer
// pushes items and eventually calls Close or Fail exactly once; consumers
// call Next until it returns ErrClosed or the failure error. Production is
// push-driven and unbounded so a slow consumer never blocks the producer.
type Stream[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	err    error
}

// NewStream creates an open, empty stream.
func NewStream[T any]() *Stream[T] {
	s := &Stream[T]{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push appends an item to the stream. It reports whether the item was
// accepted; pushes after Close or Fail are dropped.
func (s *Stream[T]) Push(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, item)
	s.cond.Signal()
	return true
}

// Close ends the stream normally. Consumers drain any remaining items and
// then receive ErrClosed. Calling Close more than once is a no-op.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cond.Broadcast()
}

// Fail ends the stream with an error. Reads after Fail return err
// immediately; undelivered items are discarded. A nil err closes normally.
func (s *Stream[T]) Fail(err error) {
	if err == nil {
		s.Close()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.queue = nil
	s.cond.Broadcast()
}

// Next blocks until an item is available and returns it. Once the stream is
// closed and drained it returns ErrClosed; once failed it returns the
// failure error.
func (s *Stream[T]) Next() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	var zero T
	if s.err != nil {
		return zero, s.err
	}
	if len(s.queue) == 0 {
		return zero, ErrClosed
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	return item, nil
}

// Len returns the number of undelivered items.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
