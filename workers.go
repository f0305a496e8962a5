package cronlock

import (
	"context"
	"sync"
)

// workerGroup tracks in-flight firings and provides the bounded-wait
// shutdown boundary so we never call WaitGroup.Add concurrently with Wait.
type workerGroup struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopping bool
	active   int
}

// Go starts a firing goroutine unless the group is stopping.
func (g *workerGroup) Go(fn func()) bool {
	if fn == nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopping {
		return false
	}

	g.wg.Add(1)
	g.active++
	go func() {
		defer func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn()
	}()
	return true
}

// Active returns the number of firings currently executing.
func (g *workerGroup) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// StopAndWait prevents new firings and waits for the in-flight ones,
// bounded by ctx.
func (g *workerGroup) StopAndWait(ctx context.Context) error {
	g.mu.Lock()
	g.stopping = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset re-admits new firings after a stop. The WaitGroup and active
// counter are left alone: firings begun before the stop run to completion
// and balance them, and a later StopAndWait waits for those stragglers too.
func (g *workerGroup) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopping = false
}
