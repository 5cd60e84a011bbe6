// Package semaphore implements the counting semaphore used in pairs to
// build the bounded producer/consumer queue in package bqueue.
package semaphore

import "sync"

// Semaphore is a non-negative counter with blocking and non-blocking
// acquire, paired release, and a broadcast release used to wake every
// waiter at once (used when a queue is being torn down).
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

// New returns a Semaphore initialized with count permits available.
func New(count int64) *Semaphore {
	s := &Semaphore{count: count}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until n permits are available, then takes them.
func (s *Semaphore) Acquire(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count < n {
		s.cond.Wait()
	}
	s.count -= n
}

// TryAcquire takes n permits without blocking, reporting whether it
// succeeded.
func (s *Semaphore) TryAcquire(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count < n {
		return false
	}
	s.count -= n
	return true
}

// Release returns n permits to the semaphore, waking one waiter if any
// waiters are blocked.
func (s *Semaphore) Release(n int64) {
	s.mu.Lock()
	s.count += n
	s.mu.Unlock()
	s.cond.Signal()
}

// BroadcastRelease returns n permits and wakes every blocked waiter, used
// when tearing down a queue so that all producers/consumers observe the new
// count instead of just one.
func (s *Semaphore) BroadcastRelease(n int64) {
	s.mu.Lock()
	s.count += n
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Count returns the current number of available permits.
func (s *Semaphore) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
