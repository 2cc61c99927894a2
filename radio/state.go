// Package radio runs one scheduled audio broadcast per community and fans
// the byte stream out to listener sinks.
package radio

import (
	"context"
	"fmt"
	"sync"
)

// TransformFunc computes the next value of a State from the current one.
// It runs on the owning goroutine, so it may block on I/O; every other
// operation on the same State waits until it returns.
type TransformFunc[T any] func(ctx context.Context, current T) (T, error)

type stateOp[T any] struct {
	ctx   context.Context
	fn    TransformFunc[T]
	reply chan stateResult[T]
}

type stateResult[T any] struct {
	value T
	err   error
}

// State holds a value owned by a single goroutine. Reads, writes and
// transforms are sent to that goroutine over a channel and run one at a
// time, so no caller ever observes an intermediate value.
type State[T any] struct {
	ops  chan stateOp[T]
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewState starts the owning goroutine for initial. Call Close to stop it.
func NewState[T any](initial T) *State[T] {
	s := &State[T]{
		ops:  make(chan stateOp[T]),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(initial)
	return s
}

func (s *State[T]) run(value T) {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case op := <-s.ops:
			next, err := applyTransform(op.ctx, op.fn, value)
			if err != nil {
				op.reply <- stateResult[T]{value: value, err: &RollbackError{Err: err}}
				continue
			}
			value = next
			op.reply <- stateResult[T]{value: value}
		}
	}
}

func applyTransform[T any](ctx context.Context, fn TransformFunc[T], value T) (next T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, value)
}

func (s *State[T]) submit(ctx context.Context, fn TransformFunc[T]) (T, error) {
	var zero T
	op := stateOp[T]{ctx: ctx, fn: fn, reply: make(chan stateResult[T], 1)}
	select {
	case s.ops <- op:
	case <-s.quit:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	res := <-op.reply
	return res.value, res.err
}

// Read returns a snapshot of the current value.
func (s *State[T]) Read(ctx context.Context) (T, error) {
	return s.submit(ctx, func(_ context.Context, v T) (T, error) {
		return v, nil
	})
}

// Write replaces the value.
func (s *State[T]) Write(ctx context.Context, value T) error {
	_, err := s.submit(ctx, func(context.Context, T) (T, error) {
		return value, nil
	})
	return err
}

// Transform applies fn to the current value and stores the result. If fn
// returns an error or panics the value is left as it was and the failure
// comes back as a *RollbackError. fn must not call back into the same State.
func (s *State[T]) Transform(ctx context.Context, fn TransformFunc[T]) (T, error) {
	return s.submit(ctx, fn)
}

// Close stops the owning goroutine once any in-flight operation finishes.
// Later operations return ErrClosed.
func (s *State[T]) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}
