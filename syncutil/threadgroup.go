// Package syncutil provides the cancellation and lifecycle primitive shared
// by the storage node's background workers: its job pool workers register
// with the node's ThreadGroup so that shutdown is a single, ordered,
// blocking call instead of ad-hoc signaling.
package syncutil

import (
	"errors"
	"sync"
)

// ErrStopped is returned by Add when the ThreadGroup has already been
// stopped.
var ErrStopped = errors.New("thread group already stopped")

// ThreadGroup is a struct value the mount agent or storage node owns
// directly: initialize the zero
// value, Add/Done around every goroutine it spawns, and Stop once during
// shutdown. Background threads are children of the owning value with
// explicit termination via StopChan rather than a package-level singleton.
type ThreadGroup struct {
	stopChan chan struct{}

	onStopFns    []func()
	afterStopFns []func()

	mu       sync.Mutex
	once     sync.Once
	wg       sync.WaitGroup
	isStopped bool
}

func (tg *ThreadGroup) init() {
	tg.once.Do(func() {
		tg.stopChan = make(chan struct{})
	})
}

// StopChan returns a channel that is closed when Stop is called. Any
// goroutine doing blocking I/O (a poll loop, a semaphore acquire) should
// select on this channel alongside its normal wakeup so that Stop can
// interrupt it promptly.
func (tg *ThreadGroup) StopChan() <-chan struct{} {
	tg.init()
	return tg.stopChan
}

// Add increments the ThreadGroup's counter of active goroutines. It returns
// ErrStopped if the group has already begun stopping, in which case the
// caller must not spawn the goroutine it was about to spawn.
func (tg *ThreadGroup) Add() error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.init()
	select {
	case <-tg.stopChan:
		return ErrStopped
	default:
	}
	tg.wg.Add(1)
	return nil
}

// Done marks a goroutine started with Add as finished.
func (tg *ThreadGroup) Done() {
	tg.wg.Done()
}

// OnStop queues a function to run at the start of Stop, before Stop blocks
// waiting for outstanding Add/Done pairs to drain. If the group has already
// stopped, fn runs immediately.
func (tg *ThreadGroup) OnStop(fn func()) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.init()
	if tg.isStopped {
		tg.mu.Unlock()
		fn()
		tg.mu.Lock()
		return
	}
	tg.onStopFns = append(tg.onStopFns, fn)
}

// AfterStop queues a function to run after Stop has finished waiting for all
// outstanding goroutines. If the group has already stopped, fn runs
// immediately.
func (tg *ThreadGroup) AfterStop(fn func()) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.init()
	if tg.isStopped {
		tg.mu.Unlock()
		fn()
		tg.mu.Lock()
		return
	}
	tg.afterStopFns = append(tg.afterStopFns, fn)
}

// Stop closes StopChan, runs every OnStop function, waits for every
// outstanding Add/Done pair to drain, and then runs every AfterStop
// function in the order they were registered. Calling Stop more than once
// is a no-op after the first call.
func (tg *ThreadGroup) Stop() error {
	tg.mu.Lock()
	tg.init()
	select {
	case <-tg.stopChan:
		tg.mu.Unlock()
		return nil
	default:
	}
	close(tg.stopChan)
	onStop := tg.onStopFns
	afterStop := tg.afterStopFns
	tg.mu.Unlock()

	for _, fn := range onStop {
		fn()
	}
	tg.wg.Wait()

	tg.mu.Lock()
	tg.isStopped = true
	tg.mu.Unlock()

	for _, fn := range afterStop {
		fn()
	}
	return nil
}
