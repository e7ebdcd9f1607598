// Package task runs a blocking call on its own goroutine and exposes the two
// things a supervisor needs from it: whether it is still running and its result.
package task

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"
)

// Handle tracks one running call.
type Handle struct {
	done  chan struct{}
	err   error
	alive atomic.Bool
}

// Go starts fn on a new goroutine. A panic inside fn becomes its error.
func Go(ctx context.Context, fn func(ctx context.Context) error) *Handle {
	h := &Handle{done: make(chan struct{})}
	h.alive.Store(true)
	go func() {
		defer close(h.done)
		var pc panics.Catcher
		pc.Try(func() { h.err = fn(ctx) })
		if r := pc.Recovered(); r != nil {
			h.err = fmt.Errorf("task panicked: %w", r.AsError())
		}
		h.alive.Store(false)
	}()
	return h
}

// Alive reports whether the call has not returned yet.
func (h *Handle) Alive() bool { return h.alive.Load() }

// Join blocks until the call returns and yields its error.
func (h *Handle) Join() error {
	<-h.done
	return h.err
}

// Wait is Join bounded by ctx. It returns ctx.Err() if ctx ends first.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
