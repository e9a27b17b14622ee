package flow

import (
	"context"

	"github.com/on-the-ground/kflow_go/flow/concurrency"
	"github.com/on-the-ground/kflow_go/flow/log"
)

// Emitter turns actions into state.
//
// Perform runs the side effect of action and streams its outputs, closing the
// channel when done. A producer must stop sending once ctx is done.
// Emit reduces one output into the next state and must not block.
type Emitter[A any, D any, S any] interface {
	InitialState() S
	Perform(ctx context.Context, action A) (<-chan Output[A, D], error)
	Emit(ctx context.Context, state S, out Output[A, D]) (S, error)
}

// EmitterFuncs builds an Emitter out of functions.
// Without PerformFn every action yields one empty output; without EmitFn state never changes.
type EmitterFuncs[A any, D any, S any] struct {
	Initial   S
	PerformFn func(ctx context.Context, action A) (<-chan Output[A, D], error)
	EmitFn    func(ctx context.Context, state S, out Output[A, D]) (S, error)
}

var _ Emitter[any, any, any] = EmitterFuncs[any, any, any]{}

func (e EmitterFuncs[A, D, S]) InitialState() S {
	return e.Initial
}

func (e EmitterFuncs[A, D, S]) Perform(ctx context.Context, action A) (<-chan Output[A, D], error) {
	if e.PerformFn == nil {
		return Just(EmptyOutput[A, D](action)), nil
	}
	return e.PerformFn(ctx, action)
}

func (e EmitterFuncs[A, D, S]) Emit(ctx context.Context, state S, out Output[A, D]) (S, error) {
	if e.EmitFn == nil {
		return state, nil
	}
	return e.EmitFn(ctx, state, out)
}

// Just returns a closed channel holding outputs.
func Just[A any, D any](outputs ...Output[A, D]) <-chan Output[A, D] {
	ch := make(chan Output[A, D], len(outputs))
	for _, out := range outputs {
		ch <- out
	}
	close(ch)
	return ch
}

// Produce runs fn in the background under the concurrency scope of ctx and streams
// what it emits. emit reports false once ctx is done; fn should return then.
func Produce[A any, D any](
	ctx context.Context,
	fn func(ctx context.Context, emit func(Output[A, D]) bool),
) <-chan Output[A, D] {
	out := make(chan Output[A, D])
	err := concurrency.Go(ctx, func(scoped context.Context) {
		defer close(out)
		merged, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(scoped, cancel)
		defer stop()

		fn(merged, func(o Output[A, D]) bool {
			select {
			case out <- o:
				return true
			case <-merged.Done():
				return false
			}
		})
	})
	if err != nil {
		log.Effect(ctx, log.LogWarn, "producer not started", map[string]interface{}{
			"error": err,
		})
		close(out)
	}
	return out
}
