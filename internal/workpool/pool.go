// Package workpool offloads blocking work onto a bounded pool of goroutines
// so a single-threaded caller (the Agent Loop's one request per task) never
// stalls waiting on a handler that does its own blocking I/O (spec §5).
package workpool

import "context"

// Pool is a simple bounded worker pool. Submissions beyond the configured
// concurrency block until a slot frees up.
type Pool struct {
	sem chan struct{}
}

// New returns a Pool allowing up to size concurrent submissions. size <= 0
// is treated as unbounded (each submission runs on its own goroutine).
func New(size int) *Pool {
	if size <= 0 {
		return &Pool{}
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Result is what Submit reports back once fn has run (or the context was
// cancelled first).
type Result struct {
	Value map[string]any
	Err   error
}

// Submit runs fn on the pool and blocks until it completes or ctx is done.
// Submitting a handler call through here is what makes the sync/async
// handler distinction disappear for callers (spec §9).
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) (map[string]any, error)) Result {
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			return Result{Err: ctx.Err()}
		}
	}

	done := make(chan Result, 1)
	go func() {
		v, err := fn(ctx)
		done <- Result{Value: v, Err: err}
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}
