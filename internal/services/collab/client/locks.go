package client

import (
	"context"
	"sync"
	"time"
)

// lockWaiter carries the single outcome of one lock request.
type lockWaiter struct {
	result chan bool
	once   sync.Once
}

func newLockWaiter() *lockWaiter {
	return &lockWaiter{result: make(chan bool, 1)}
}

func (w *lockWaiter) resolve(ok bool) {
	w.once.Do(func() { w.result <- ok })
}

// lockCoordinator correlates outbound lock requests with the server's
// finding:lock replies. There is at most one pending entry per finding.
//
// A second request for the same finding replaces the first entry. The
// replaced caller is not resolved by the server reply and settles false on
// its own timer, even if the server granted the lock.
type lockCoordinator struct {
	mu      sync.Mutex
	pending map[string]*lockWaiter
	timeout time.Duration
}

func newLockCoordinator(timeout time.Duration) *lockCoordinator {
	return &lockCoordinator{
		pending: make(map[string]*lockWaiter),
		timeout: timeout,
	}
}

// register records a waiter for findingID before the request is sent.
func (c *lockCoordinator) register(findingID string) *lockWaiter {
	w := newLockWaiter()
	c.mu.Lock()
	c.pending[findingID] = w
	c.mu.Unlock()
	return w
}

// resolve settles the pending entry for findingID. It reports false when no
// request is pending.
func (c *lockCoordinator) resolve(findingID string, ok bool) bool {
	c.mu.Lock()
	w, found := c.pending[findingID]
	if found {
		delete(c.pending, findingID)
	}
	c.mu.Unlock()
	if !found {
		return false
	}
	w.resolve(ok)
	return true
}

// abandon drops w if it is still the current entry and settles it false.
func (c *lockCoordinator) abandon(findingID string, w *lockWaiter) {
	c.mu.Lock()
	if c.pending[findingID] == w {
		delete(c.pending, findingID)
	}
	c.mu.Unlock()
	w.resolve(false)
}

// wait blocks until w settles, the timeout elapses or ctx is done.
func (c *lockCoordinator) wait(ctx context.Context, findingID string, w *lockWaiter) bool {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case ok := <-w.result:
		return ok
	case <-timer.C:
	case <-ctx.Done():
	}
	c.abandon(findingID, w)
	// A reply may have won the race with the timer.
	return <-w.result
}

func (c *lockCoordinator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *lockCoordinator) isPending(findingID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[findingID]
	return ok
}
