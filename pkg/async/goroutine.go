package async

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/entitle/pkg/observability"
)

// Task is a unit of background work
type Task func(ctx context.Context) error

// Group runs fire-and-forget tasks with panic recovery, a per-task timeout and
// a cap on in-flight goroutines. Unlike a bare `go func()`, a Group can be
// drained on shutdown with Wait.
type Group struct {
	logger  *observability.Logger
	timeout time.Duration
	slots   chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewGroup creates a Group. maxInFlight <= 0 means unbounded.
func NewGroup(logger *observability.Logger, timeout time.Duration, maxInFlight int) *Group {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	g := &Group{logger: logger, timeout: timeout}
	if maxInFlight > 0 {
		g.slots = make(chan struct{}, maxInFlight)
	}
	return g
}

// Go starts fn in a goroutine and returns immediately. The task runs on a
// context detached from the caller's cancellation so a finished request does
// not abort it. Go returns false when the task was not started because the
// group is closed or saturated; the caller is never blocked.
func (g *Group) Go(parent context.Context, name string, fn Task) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.WithField("task", name).Warn("Task rejected: group closed")
		return false
	}
	if g.slots != nil {
		select {
		case g.slots <- struct{}{}:
		default:
			g.mu.Unlock()
			g.logger.WithField("task", name).Warn("Task dropped: too many in flight")
			return false
		}
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		if g.slots != nil {
			defer func() { <-g.slots }()
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				g.logger.WithField("task", name).
					WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			g.logger.WithField("task", name).WithError(err).Error("Background task failed")
		}
	}()
	return true
}

// Wait blocks until all started tasks finish or timeout elapses. It reports
// whether everything finished.
func (g *Group) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close stops accepting tasks and waits for in-flight ones
func (g *Group) Close(timeout time.Duration) bool {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return g.Wait(timeout)
}
