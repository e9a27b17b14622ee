// Package stream provides channel operators to build state binders.
//
// Every operator returns a new channel fed by a goroutine spawned under the
// concurrency scope of ctx (or a plain goroutine when ctx has none). The returned
// channel is closed when the source is closed or ctx is done.
package stream

import (
	"context"
	"sync"

	"github.com/on-the-ground/kflow_go/flow/concurrency"
	"github.com/on-the-ground/kflow_go/flow/log"
	"github.com/on-the-ground/kflow_go/shared/orderedbuffer"
)

// Map applies fn to every value of source.
func Map[T any, R any](ctx context.Context, source <-chan T, fn func(T) R) <-chan R {
	sink := make(chan R)
	spawn(ctx, sink, func(ctx context.Context) {
		mapFn(ctx, source, sink, fn)
	})
	return sink
}

// Filter keeps the values of source for which predicate holds.
func Filter[T any](ctx context.Context, source <-chan T, predicate func(T) bool) <-chan T {
	sink := make(chan T)
	spawn(ctx, sink, func(ctx context.Context) {
		filter(ctx, source, sink, predicate)
	})
	return sink
}

// Distinct drops values equal to the one emitted right before them.
func Distinct[T any](ctx context.Context, source <-chan T, equal func(a, b T) bool) <-chan T {
	sink := make(chan T)
	spawn(ctx, sink, func(ctx context.Context) {
		defer close(sink)
		var last T
		first := true
		for {
			v, ok := recv(ctx, source)
			if !ok {
				return
			}
			if !first && equal(last, v) {
				continue
			}
			first = false
			last = v
			select {
			case sink <- v:
			case <-ctx.Done():
				return
			}
		}
	})
	return sink
}

// Merge interleaves sources. The result closes once every source is closed.
func Merge[T any](ctx context.Context, sources ...<-chan T) <-chan T {
	sink := make(chan T)
	spawn(ctx, sink, func(ctx context.Context) {
		defer close(sink)
		wg := sync.WaitGroup{}
		for _, source := range sources {
			wg.Add(1)
			go func(source <-chan T) {
				defer wg.Done()
				for {
					v, ok := recv(ctx, source)
					if !ok {
						return
					}
					select {
					case sink <- v:
					case <-ctx.Done():
						return
					}
				}
			}(source)
		}
		wg.Wait()
	})
	return sink
}

// OrderBy re-orders source within a sliding window of windowSize values.
func OrderBy[T any](ctx context.Context, windowSize int, cmp orderedbuffer.CompareFunc[T], source <-chan T) <-chan T {
	sink := make(chan T)
	spawn(ctx, sink, func(ctx context.Context) {
		orderBy(ctx, windowSize, cmp, source, sink)
	})
	return sink
}

// spawn runs fn under the scope of ctx. fn stops when either the caller's ctx
// or the scope is done.
func spawn[T any](ctx context.Context, sink chan T, fn func(context.Context)) {
	err := concurrency.Go(ctx, func(scoped context.Context) {
		merged, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(scoped, cancel)
		defer stop()
		fn(merged)
	})
	if err != nil {
		log.Effect(ctx, log.LogWarn, "stream operator not started", map[string]interface{}{
			"error": err,
		})
		close(sink)
	}
}

func mapFn[T any, R any](ctx context.Context, source <-chan T, sink chan<- R, f func(T) R) {
	defer close(sink)
	for {
		v, ok := recv(ctx, source)
		if !ok {
			return
		}
		select {
		case sink <- f(v):
		case <-ctx.Done():
			return
		}
	}
}

func filter[T any](ctx context.Context, source <-chan T, sink chan<- T, predicate func(T) bool) {
	defer close(sink)
	for {
		v, ok := recv(ctx, source)
		if !ok {
			return
		}
		if predicate(v) {
			select {
			case sink <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}

func orderBy[T any](ctx context.Context, windowSize int, cmp orderedbuffer.CompareFunc[T], source <-chan T, sink chan<- T) {
	buf := orderedbuffer.NewOrderedBoundedBuffer(windowSize, cmp)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ordered := range buf.Source() {
			select {
			case <-ctx.Done():
			case sink <- ordered:
			}
		}
	}()

	defer func() {
		buf.Close(ctx)
		<-done
		close(sink)
	}()

	for {
		v, ok := recv(ctx, source)
		if !ok {
			return
		}
		if ok := buf.Insert(ctx, v); !ok {
			log.Effect(ctx, log.LogDebug, "ordered buffer closed", nil)
			return
		}
	}
}

// recv reads the next value of source, returning false once source is closed or ctx is done.
func recv[T any](ctx context.Context, source <-chan T) (T, bool) {
	select {
	case v, ok := <-source:
		return v, ok
	case <-ctx.Done():
		return *new(T), false
	}
}
