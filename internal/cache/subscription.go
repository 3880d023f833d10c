package cache

import "sync"

// subscription queues snapshots for one listener. Snapshots are pushed while
// the cache lock is held, so the queue is in the order the changes were
// applied. Only one goroutine delivers to a subscription at a time; a
// goroutine that finds delivery already under way leaves its snapshots to
// that goroutine instead of waiting for it.
type subscription struct {
	listener Listener

	mu       sync.Mutex
	queue    []Entry
	draining bool
	closed   bool
}

func (s *subscription) push(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.queue = append(s.queue, e)
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
}

func (s *subscription) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	defer func() {
		s.draining = false
		s.mu.Unlock()
	}()

	for len(s.queue) > 0 && !s.closed {
		e := s.queue[0]
		s.queue = s.queue[1:]
		func() {
			s.mu.Unlock()
			defer s.mu.Lock()
			s.listener(e)
		}()
	}
}

// deliver drains every subscription that was pushed to. It must be called
// without the cache lock held, since listeners may read the cache.
func deliver(subs []*subscription) {
	for _, s := range subs {
		s.drain()
	}
}
