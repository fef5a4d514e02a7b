// Package retrytest provides a timer that never sleeps, for exercising
// retry policies in tests.
package retrytest

import (
	"sync"
	"time"
)

// InstantTimer fires as soon as it is started and records every requested
// wait.
type InstantTimer struct {
	mu    sync.Mutex
	c     chan time.Time
	waits []time.Duration
}

// Start records d and makes C ready immediately.
func (t *InstantTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waits = append(t.waits, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

// Stop is a no-op.
func (t *InstantTimer) Stop() {}

// C returns the channel of the last Start.
func (t *InstantTimer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

// Waits returns the delays requested so far.
func (t *InstantTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}
