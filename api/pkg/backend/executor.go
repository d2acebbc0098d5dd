package backend

import "context"

// Executor is a single-lane in-order gate. Neither protocol client tolerates
// interleaved requests, so every backend primitive runs through one of
// these: the next operation starts only after the previous one finished, and
// concurrent callers are served in arrival order.
type Executor struct {
	lane chan struct{}
}

// NewExecutor returns an executor with one free slot.
func NewExecutor() *Executor {
	e := &Executor{lane: make(chan struct{}, 1)}
	e.lane <- struct{}{}
	return e
}

// Do runs fn once the lane is free. Waiting is abandoned when ctx ends; a
// running fn is never interrupted from here (fn observes ctx itself).
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	select {
	case <-e.lane:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { e.lane <- struct{}{} }()
	return fn()
}
