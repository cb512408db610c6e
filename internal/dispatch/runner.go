// Package dispatch runs fire-and-forget work detached from the request that
// started it.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// Runner starts detached tasks. A task keeps the caller's context values but
// not its cancellation, runs under its own timeout, and never reports back.
type Runner struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{timeout: timeout}
}

// Go starts fn in the background. Errors and panics are logged only.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[dispatch] task %s panicked: %v\n%s", name, p, debug.Stack())
			}
		}()
		start := time.Now()
		if err := fn(detached); err != nil {
			log.Printf("[dispatch] task %s failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
		}
	}()
}

// Wait blocks until every started task has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
