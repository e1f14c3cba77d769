// Package lifecycle provides the one-shot shutdown signal shared between the
// main run loop, the OS interrupt listener and the host-service control
// callback.
package lifecycle

import (
	"sync"
	"time"
)

// Coordinator is a monotonic shutdown signal: Running, then ShutdownRequested
// once, then Stopped. It never resets within a process lifetime.
type Coordinator struct {
	once sync.Once
	done chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

func New() *Coordinator {
	return &Coordinator{done: make(chan struct{}), stopped: make(chan struct{})}
}

// RequestShutdown transitions to ShutdownRequested. Safe to call from any
// goroutine, any number of times; only the first call has an effect. Once it
// returns, every waiter observes the requested state.
func (c *Coordinator) RequestShutdown() {
	c.once.Do(func() { close(c.done) })
}

// Requested reports whether shutdown has been requested, without blocking.
func (c *Coordinator) Requested() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when shutdown is requested, for use in
// select statements.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until shutdown is requested or timeout elapses, and reports
// which occurred: true for shutdown, false for timeout. A timeout <= 0 waits
// forever.
func (c *Coordinator) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-c.done
		return true
	}

	// An already-requested shutdown must win regardless of the timeout; the
	// select below picks at random when both channels are ready.
	if c.Requested() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return true
	case <-timer.C:
		return false
	}
}

// MarkStopped records that cleanup has completed. Observability only, used to
// acknowledge the host-service stop callback.
func (c *Coordinator) MarkStopped() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Stopped reports whether MarkStopped has been called.
func (c *Coordinator) Stopped() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

// StoppedChan returns a channel closed once MarkStopped has been called.
func (c *Coordinator) StoppedChan() <-chan struct{} {
	return c.stopped
}
