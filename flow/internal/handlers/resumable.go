package handlers

import (
	"context"

	"github.com/on-the-ground/kflow_go/flow/model"
)

// NewResumableHandler runs handleFn on a single worker and resumes the caller with its result.
func NewResumableHandler[P any, R any](
	ctx context.Context,
	bufferSize int,
	handleFn func(context.Context, P) (R, error),
	teardown func(),
) ResumableHandler[P, R] {
	return ResumableHandler[P, R]{
		effectScope: newEffectScope(
			ctx,
			func(ctx context.Context) WorkerDispatcher[ResumableEffectMessage[P, R]] {
				return NewSingleQueue(ctx, bufferSize, resume(handleFn), cancelResume[P, R])
			},
			teardown,
		),
	}
}

// NewPartitionableResumableHandler routes payloads by PartitionKey over config.NumWorkers workers.
func NewPartitionableResumableHandler[P any, R any](
	ctx context.Context,
	config model.ScopeConfig,
	handleFn func(context.Context, P) (R, error),
	teardown func(),
) ResumableHandler[P, R] {
	return ResumableHandler[P, R]{
		effectScope: newEffectScope(
			ctx,
			func(ctx context.Context) WorkerDispatcher[ResumableEffectMessage[P, R]] {
				return NewPartitionedQueue(ctx, config.NumWorkers, config.BufferSize, resume(handleFn), cancelResume[P, R])
			},
			teardown,
		),
	}
}

func resume[P any, R any](handleFn func(context.Context, P) (R, error)) func(context.Context, ResumableEffectMessage[P, R]) {
	return func(ctx context.Context, msg ResumableEffectMessage[P, R]) {
		// resumeCh is buffered, the send never blocks
		msg.ResumeCh <- ResumableResultFrom(handleFn(ctx, msg.Payload))
		close(msg.ResumeCh)
	}
}

func cancelResume[P any, R any](ctx context.Context, msg ResumableEffectMessage[P, R]) {
	msg.ResumeCh <- ResumableResult[R]{Err: model.ErrScopeClosed}
	close(msg.ResumeCh)
}

type ResumableHandler[P any, R any] struct {
	*effectScope[ResumableEffectMessage[P, R]]
}

// PerformEffect enqueues payload and returns the channel its result will be sent on.
// If the payload cannot be enqueued the channel carries the reason.
func (rh ResumableHandler[P, R]) PerformEffect(ctx context.Context, payload P) <-chan ResumableResult[R] {
	resumeCh := make(chan ResumableResult[R], 1)
	msg := ResumableEffectMessage[P, R]{
		Payload:  payload,
		ResumeCh: resumeCh,
	}
	if err := rh.send(ctx, msg); err != nil {
		resumeCh <- ResumableResult[R]{Err: err}
		close(resumeCh)
	}
	return resumeCh
}

// ResumableResult represents the result of a handled effect.
type ResumableResult[T any] struct {
	Value T
	Err   error
}

func ResumableResultFrom[R any](res R, err error) ResumableResult[R] {
	return ResumableResult[R]{Value: res, Err: err}
}

var _ model.Partitionable = ResumableEffectMessage[any, any]{}

type ResumableEffectMessage[P any, R any] struct {
	Payload  P
	ResumeCh chan ResumableResult[R]
}

func (rem ResumableEffectMessage[P, R]) PartitionKey() string {
	return model.PartitionKeyOf(rem.Payload)
}
