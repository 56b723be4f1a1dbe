// Package clock drives the supervisor's patrol on a fixed interval. It is
// deliberately small: a ticker loop that never invokes the patrol function
// re-entrantly, plus a synchronous single-shot entry point for tests.
package clock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Clock fires a tick function on a fixed period, dropping overlapping
// ticks rather than queuing them.
type Clock struct {
	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	inFlight atomic.Bool
	tickFn   func(context.Context)
}

// New returns a Clock that is not yet started.
func New() *Clock {
	return &Clock{}
}

// Start begins firing tickFn every interval. A second Start call while
// already running is a no-op that logs a warning.
func (c *Clock) Start(ctx context.Context, interval time.Duration, tickFn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		fmt.Println("Clock: start called while already running, ignoring")
		return
	}
	c.running = true
	c.tickFn = tickFn
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go c.loop(ctx, interval)
}

func (c *Clock) loop(ctx context.Context, interval time.Duration) {
	defer close(c.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.fire(ctx)
		}
	}
}

func (c *Clock) fire(ctx context.Context) {
	if !c.inFlight.CompareAndSwap(false, true) {
		fmt.Println("Clock: previous patrol still running, dropping this tick")
		return
	}
	defer c.inFlight.Store(false)
	c.tickFn(ctx)
}

// Stop halts the tick loop and waits for any in-flight tick to finish.
func (c *Clock) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	doneCh := c.doneCh
	c.mu.Unlock()

	<-doneCh
}

// IsRunning reports whether the clock is currently ticking.
func (c *Clock) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// TickOnce runs one patrol synchronously, for use by tests. It respects
// the same non-overlap guarantee as the ticker loop.
func (c *Clock) TickOnce(ctx context.Context, tickFn func(context.Context)) {
	if !c.inFlight.CompareAndSwap(false, true) {
		fmt.Println("Clock: TickOnce called while a patrol is already running, skipping")
		return
	}
	defer c.inFlight.Store(false)
	tickFn(ctx)
}
