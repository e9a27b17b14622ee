package handlers

import (
	"context"
	"sync"

	"github.com/on-the-ground/kflow_go/flow/model"
)

// WorkerDispatcher hands out the queue a message must be sent to.
// Done is closed once every worker has returned.
type WorkerDispatcher[T any] interface {
	GetChannelOf(msg T) chan<- T
	Done() <-chan struct{}
}

// --- single queue ---

type singleQueue[T any] struct {
	effectCh chan T
	done     chan struct{}
}

func (q singleQueue[T]) GetChannelOf(_ T) chan<- T {
	return q.effectCh
}

func (q singleQueue[T]) Done() <-chan struct{} {
	return q.done
}

// NewSingleQueue runs handleFn for every message on one goroutine, in arrival order.
// When ctx ends, messages still buffered are passed to drainFn (if not nil).
func NewSingleQueue[T any](
	ctx context.Context,
	bufferSize int,
	handleFn func(context.Context, T),
	drainFn func(context.Context, T),
) WorkerDispatcher[T] {
	effCh := make(chan T, bufferSize)
	done := make(chan struct{})
	ready := make(chan struct{})

	go func() {
		defer close(done)
		close(ready)
		runWorker(ctx, effCh, handleFn, drainFn)
	}()
	<-ready

	return singleQueue[T]{effectCh: effCh, done: done}
}

// --- partitioned queue ---

type partitionedQueue[T any] struct {
	effectChs []chan T
	done      chan struct{}
}

func (pq partitionedQueue[T]) GetChannelOf(msg T) chan<- T {
	return pq.effectChs[getIndexByHash(msg, len(pq.effectChs))]
}

func (pq partitionedQueue[T]) Done() <-chan struct{} {
	return pq.done
}

// NewPartitionedQueue starts numWorkers goroutines. Messages with the same
// partition key always go to the same worker and keep their order.
func NewPartitionedQueue[T model.Partitionable](
	ctx context.Context,
	numWorkers, bufferSize int,
	handleFn func(context.Context, T),
	drainFn func(context.Context, T),
) WorkerDispatcher[T] {
	channels := make([]chan T, numWorkers)
	ready := sync.WaitGroup{}
	running := sync.WaitGroup{}
	for i := 0; i < numWorkers; i++ {
		ready.Add(1)
		running.Add(1)
		ch := make(chan T, bufferSize)
		go func() {
			defer running.Done()
			ready.Done()
			runWorker(ctx, ch, handleFn, drainFn)
		}()
		channels[i] = ch
	}
	ready.Wait()

	done := make(chan struct{})
	go func() {
		running.Wait()
		close(done)
	}()
	return partitionedQueue[T]{effectChs: channels, done: done}
}

func runWorker[T any](
	ctx context.Context,
	ch chan T,
	handleFn func(context.Context, T),
	drainFn func(context.Context, T),
) {
	for {
		select {
		case msg := <-ch:
			if ctx.Err() != nil {
				drain(ctx, ch, drainFn, msg)
				return
			}
			handleFn(ctx, msg)
		case <-ctx.Done():
			drain(ctx, ch, drainFn)
			return
		}
	}
}

// drain hands the already received msgs and whatever is still buffered in ch to drainFn.
func drain[T any](ctx context.Context, ch chan T, drainFn func(context.Context, T), received ...T) {
	if drainFn == nil {
		return
	}
	for _, msg := range received {
		drainFn(ctx, msg)
	}
	for {
		select {
		case msg := <-ch:
			drainFn(ctx, msg)
		default:
			return
		}
	}
}
