package handlers

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// effectScope ties a worker dispatcher to the context it runs in.
// Close cancels that context, waits for the workers and then runs teardown.
type effectScope[T any] struct {
	EffectId   string
	ctx        context.Context
	dispatcher WorkerDispatcher[T]
	cancelFn   context.CancelFunc
	teardown   func()
	closeOnce  sync.Once
}

func (es *effectScope[T]) Close() {
	es.closeOnce.Do(func() {
		es.cancelFn()
		<-es.dispatcher.Done()
		es.teardown()
	})
}

// Done is closed when the scope stops accepting messages.
func (es *effectScope[T]) Done() <-chan struct{} {
	return es.ctx.Done()
}

// send enqueues msg unless the scope or the caller's ctx ends first.
func (es *effectScope[T]) send(ctx context.Context, msg T) error {
	if es.ctx.Err() != nil {
		return errScopeClosed(es.EffectId)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-es.ctx.Done():
		return errScopeClosed(es.EffectId)
	case es.dispatcher.GetChannelOf(msg) <- msg:
		return nil
	}
}

func newEffectScope[T any](
	ctx context.Context,
	newDispatcher func(ctx context.Context) WorkerDispatcher[T],
	teardown func(),
) *effectScope[T] {
	if teardown == nil {
		teardown = func() {}
	}
	ctx, cancelFn := context.WithCancel(ctx)
	return &effectScope[T]{
		EffectId:   uuid.New().String(),
		ctx:        ctx,
		dispatcher: newDispatcher(ctx),
		cancelFn:   cancelFn,
		teardown:   teardown,
	}
}
