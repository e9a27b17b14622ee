package handlers

import (
	"context"
	"fmt"

	"github.com/on-the-ground/kflow_go/flow/model"
)

func errScopeClosed(effectId string) error {
	return fmt.Errorf("%w: %s", model.ErrScopeClosed, effectId)
}

// NewFireAndForgetHandler runs handleFn on a single worker.
// Messages accepted before Close are still handled while closing.
func NewFireAndForgetHandler[P any](
	ctx context.Context,
	bufferSize int,
	handleFn func(context.Context, P),
	teardown func(),
) FireAndForgetHandler[P] {
	return FireAndForgetHandler[P]{
		effectScope: newEffectScope(
			ctx,
			func(ctx context.Context) WorkerDispatcher[P] {
				return NewSingleQueue(ctx, bufferSize, handleFn, handleFn)
			},
			teardown,
		),
	}
}

// NewPartitionableFireAndForgetHandler is the partitioned variant of NewFireAndForgetHandler.
func NewPartitionableFireAndForgetHandler[P model.Partitionable](
	ctx context.Context,
	config model.ScopeConfig,
	handleFn func(context.Context, P),
	teardown func(),
) FireAndForgetHandler[P] {
	return FireAndForgetHandler[P]{
		effectScope: newEffectScope(
			ctx,
			func(ctx context.Context) WorkerDispatcher[P] {
				return NewPartitionedQueue(ctx, config.NumWorkers, config.BufferSize, handleFn, handleFn)
			},
			teardown,
		),
	}
}

type FireAndForgetHandler[P any] struct {
	*effectScope[P]
}

// FireAndForgetEffect enqueues payload without waiting for it to be handled.
func (h FireAndForgetHandler[P]) FireAndForgetEffect(ctx context.Context, payload P) error {
	return h.send(ctx, payload)
}
