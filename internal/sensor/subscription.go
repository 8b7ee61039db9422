// Package sensor is the seam between the meter and its hardware. Sources push
// values through a callback; the meter only ever holds a Subscription and
// never calls a device API directly, so tests can swap in synthetic sources.
package sensor

import (
	"context"
	"errors"
	"sync"
)

// Source delivers values until ctx is cancelled or the device fails. Terminal
// failures are returned; advisory ones (timeouts) go to advise and the watch
// keeps running. deliver is always called from a single goroutine.
type Source[T any] interface {
	Watch(ctx context.Context, deliver func(T), advise func(error)) error
}

// SourceFunc adapts a plain function to Source.
type SourceFunc[T any] func(ctx context.Context, deliver func(T), advise func(error)) error

func (f SourceFunc[T]) Watch(ctx context.Context, deliver func(T), advise func(error)) error {
	return f(ctx, deliver, advise)
}

type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Subscribe starts src in its own goroutine. onErr receives advisory errors
// while the source runs and, at most once, the terminal error it returned.
// Cancellation is not reported as an error.
func Subscribe[T any](ctx context.Context, src Source[T], deliver func(T), onErr func(error)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	advise := func(err error) {
		if onErr != nil && err != nil {
			onErr(err)
		}
	}

	go func() {
		defer close(sub.done)
		defer cancel()

		err := src.Watch(ctx, deliver, advise)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		advise(err)
	}()

	return sub
}

// Cancel stops delivery and waits for the source to return. Safe to call more
// than once and after the source already failed.
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is the terminal error, if the source ended on its own.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
