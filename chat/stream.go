package chat

import "sync"

// latest is a single-slot channel that always holds the most recent value.
// Publishing never blocks; a slow reader only misses intermediate values.
type latest[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ch: make(chan T, 1)}
}

func (l *latest[T]) publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case <-l.ch:
	default:
	}
	l.ch <- v
}

func (l *latest[T]) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}
