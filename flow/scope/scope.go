// Package scope registers effect handlers in a context.Context and performs effects through them.
//
// A handler lives as long as the scope that created it: WithXxxHandler returns the
// derived context together with a teardown that closes the handler and hands back
// the parent context.
package scope

import (
	"context"
	"fmt"

	"github.com/on-the-ground/kflow_go/flow/internal/handlers"
	"github.com/on-the-ground/kflow_go/flow/model"
	"github.com/on-the-ground/kflow_go/shared/helper"
	"go.uber.org/zap"
)

type ResumableResult[R any] = handlers.ResumableResult[R]

// WithResumableHandler registers a resumable handler for enum.
//
// With config.NumWorkers > 1 payloads are partitioned by PartitionKey().
//
// Usage:
//
//	ctx, end := scope.WithResumableHandler(ctx, config, MyEnum, handleFn)
//	defer end()
func WithResumableHandler[P any, R any](
	ctx context.Context,
	config model.ScopeConfig,
	enum model.EffectEnum,
	handleFn func(context.Context, P) (R, error),
	teardown ...func(),
) (context.Context, func() context.Context) {
	td := normalizeTeardown(teardown)
	var handler handlers.ResumableHandler[P, R]
	if config.NumWorkers > 1 {
		handler = handlers.NewPartitionableResumableHandler(ctx, config, handleFn, td)
	} else {
		handler = handlers.NewResumableHandler(ctx, config.BufferSize, handleFn, td)
	}
	ctxWith := context.WithValue(ctx, enum, handler)
	zap.L().Sugar().Debugf("created resumable effect handler: effectId: %v, enum: %v", handler.EffectId, enum)

	return ctxWith, func() context.Context {
		handler.Close()
		zap.L().Sugar().Debugf("closed resumable effect handler: effectId: %v, enum: %v", handler.EffectId, enum)
		return ctx
	}
}

// PerformResumable sends payload to the handler registered for enum and waits for its result.
//
// Panics if no handler is registered for enum.
func PerformResumable[P any, R any](
	ctx context.Context,
	enum model.EffectEnum,
	payload P,
) (R, error) {
	handler := helper.MustGetTypedValue[handlers.ResumableHandler[P, R]](
		func() (any, error) {
			return HandlerOf(ctx, enum)
		},
	)
	select {
	case res := <-handler.PerformEffect(ctx, payload):
		return res.Value, res.Err
	case <-handler.Done():
		return *new(R), fmt.Errorf("%w: %v", model.ErrScopeClosed, enum)
	case <-ctx.Done():
		return *new(R), ctx.Err()
	}
}

// EnqueueResumable sends payload to the handler registered for enum without waiting.
// The result, or the reason payload was not accepted, arrives on the returned channel.
//
// Panics if no handler is registered for enum.
func EnqueueResumable[P any, R any](
	ctx context.Context,
	enum model.EffectEnum,
	payload P,
) <-chan ResumableResult[R] {
	handler := helper.MustGetTypedValue[handlers.ResumableHandler[P, R]](
		func() (any, error) {
			return HandlerOf(ctx, enum)
		},
	)
	return handler.PerformEffect(ctx, payload)
}

// WithFireAndForgetHandler registers a fire-and-forget handler for enum.
//
// Suitable for one-shot effects like logging or spawning goroutines.
// Payloads accepted before teardown are still handled while tearing down.
func WithFireAndForgetHandler[P model.Partitionable](
	ctx context.Context,
	config model.ScopeConfig,
	enum model.EffectEnum,
	handleFn func(context.Context, P),
	teardown ...func(),
) (context.Context, func() context.Context) {
	td := normalizeTeardown(teardown)
	var handler handlers.FireAndForgetHandler[P]
	if config.NumWorkers > 1 {
		handler = handlers.NewPartitionableFireAndForgetHandler(ctx, config, handleFn, td)
	} else {
		handler = handlers.NewFireAndForgetHandler(ctx, config.BufferSize, handleFn, td)
	}
	ctxWith := context.WithValue(ctx, enum, handler)
	zap.L().Sugar().Debugf("created fire/forget effect handler: effectId: %v, enum: %v", handler.EffectId, enum)

	return ctxWith, func() context.Context {
		handler.Close()
		zap.L().Sugar().Debugf("closed fire/forget effect handler: effectId: %v, enum: %v", handler.EffectId, enum)
		return ctx
	}
}

// FireAndForget enqueues payload for the handler registered for enum.
//
// Panics if no handler is registered for enum.
func FireAndForget[P model.Partitionable](
	ctx context.Context,
	enum model.EffectEnum,
	payload P,
) error {
	handler := helper.MustGetTypedValue[handlers.FireAndForgetHandler[P]](
		func() (any, error) {
			return HandlerOf(ctx, enum)
		},
	)
	return handler.FireAndForgetEffect(ctx, payload)
}

// HandlerOf returns the handler registered for enum in ctx.
func HandlerOf(ctx context.Context, enum model.EffectEnum) (any, error) {
	raw := ctx.Value(enum)
	if raw == nil {
		return nil, fmt.Errorf("%w: %v", model.ErrNoEffectHandler, enum)
	}
	return raw, nil
}

// HasHandler reports whether a handler is registered for enum in ctx.
func HasHandler(ctx context.Context, enum model.EffectEnum) bool {
	return ctx.Value(enum) != nil
}

// normalizeTeardown flattens optional teardown functions into a single callable.
//
// Accepts either 0 or 1 teardown functions. Panics if more than one is passed.
func normalizeTeardown(teardown []func()) func() {
	switch len(teardown) {
	case 1:
		return teardown[0]
	case 0:
		return func() {}
	default:
		panic("normalizeTeardown: only one or zero teardown functions allowed")
	}
}
