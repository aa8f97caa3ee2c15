// Package cont composes results that may or may not be available yet.
//
// A Cont is trivial when its value (or error) is already known. Composing
// trivial continuations with Map, Bind and Sequence stays trivial and runs
// on the caller's goroutine right away, so code holding a transaction open
// can tell whether a step completed synchronously.
package cont

import (
	"context"
	"sync"
)

// Cont is a value of type T that is either known now (trivial) or obtained
// by awaiting. The zero Cont is trivial and holds the zero T.
type Cont[T any] struct {
	val   T
	err   error
	await func(ctx context.Context) (T, error)
}

func Of[T any](v T) Cont[T] {
	return Cont[T]{val: v}
}

func Fail[T any](err error) Cont[T] {
	return Cont[T]{err: err}
}

// From is a trivial continuation of a (value, error) pair.
func From[T any](v T, err error) Cont[T] {
	return Cont[T]{val: v, err: err}
}

// Go runs f on a new goroutine.
func Go[T any](f func() (T, error)) Cont[T] {
	done := make(chan struct{})
	var v T
	var err error
	go func() {
		defer close(done)
		v, err = f()
	}()
	return Cont[T]{await: func(ctx context.Context) (T, error) {
		select {
		case <-done:
			return v, err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}}
}

// Suspend defers f until the continuation is first awaited. f runs at most once.
func Suspend[T any](f func(ctx context.Context) (T, error)) Cont[T] {
	var once sync.Once
	var v T
	var err error
	return Cont[T]{await: func(ctx context.Context) (T, error) {
		once.Do(func() {
			v, err = f(ctx)
		})
		return v, err
	}}
}

func (c Cont[T]) IsTrivial() bool {
	return c.await == nil
}

// Value returns the result of a trivial continuation. It panics if c is not
// trivial.
func (c Cont[T]) Value() (T, error) {
	if c.await != nil {
		panic("cont: Value called on a suspended continuation")
	}
	return c.val, c.err
}

// Await returns the result, blocking only if c is not trivial.
func (c Cont[T]) Await(ctx context.Context) (T, error) {
	if c.await == nil {
		return c.val, c.err
	}
	return c.await(ctx)
}

// Run passes the result to cb. For trivial continuations cb runs before Run
// returns without touching ctx.
func (c Cont[T]) Run(ctx context.Context, cb func(v T, err error)) {
	cb(c.Await(ctx))
}

func Map[A, B any](c Cont[A], f func(A) B) Cont[B] {
	return MapErr(c, func(a A) (B, error) {
		return f(a), nil
	})
}

func MapErr[A, B any](c Cont[A], f func(A) (B, error)) Cont[B] {
	if c.await == nil {
		if c.err != nil {
			return Fail[B](c.err)
		}
		return From(f(c.val))
	}
	return Cont[B]{await: func(ctx context.Context) (B, error) {
		a, err := c.await(ctx)
		if err != nil {
			var zero B
			return zero, err
		}
		return f(a)
	}}
}

// Bind chains a continuation-returning step. The result is trivial when
// both c and the continuation returned by f are.
func Bind[A, B any](c Cont[A], f func(A) Cont[B]) Cont[B] {
	if c.await == nil {
		if c.err != nil {
			return Fail[B](c.err)
		}
		return f(c.val)
	}
	return Cont[B]{await: func(ctx context.Context) (B, error) {
		a, err := c.await(ctx)
		if err != nil {
			var zero B
			return zero, err
		}
		return f(a).Await(ctx)
	}}
}

// Sequence collects the results of cs in order, failing with the first error.
func Sequence[T any](cs ...Cont[T]) Cont[[]T] {
	trivial := true
	for _, c := range cs {
		if c.await != nil {
			trivial = false
			break
		}
	}
	if trivial {
		out := make([]T, 0, len(cs))
		for _, c := range cs {
			if c.err != nil {
				return Fail[[]T](c.err)
			}
			out = append(out, c.val)
		}
		return Of(out)
	}
	return Cont[[]T]{await: func(ctx context.Context) ([]T, error) {
		out := make([]T, 0, len(cs))
		for _, c := range cs {
			v, err := c.Await(ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}}
}

// Void drops the value of c, keeping its error and triviality.
func Void[T any](c Cont[T]) Cont[struct{}] {
	return Map(c, func(T) struct{} { return struct{}{} })
}
