package memory

import (
	"context"
	"sync"
)

// subscriber queues events without bound so that writers never block on a
// slow reader, and delivers them in order.
type subscriber[T any] struct {
	out  chan T
	wake chan struct{}

	mu    sync.Mutex
	queue []T
}

func newSubscriber[T any]() *subscriber[T] {
	return &subscriber[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
	}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump delivers queued events until ctx is done, then closes out.
func (s *subscriber[T]) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-ctx.Done():
			return
		}
	}
}
