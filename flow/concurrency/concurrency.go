package concurrency

import (
	"context"
	"fmt"
	"sync"

	"github.com/on-the-ground/kflow_go/flow/log"
	"github.com/on-the-ground/kflow_go/flow/model"
	"github.com/on-the-ground/kflow_go/flow/scope"
)

// WithEffectHandler installs a concurrency scope in ctx.
//
// Effect(ctx, fns...) spawns each fn in its own goroutine under the scope:
//   - children get a cancellable context carrying ctx's values,
//   - cancelling ctx cancels every child,
//   - a panicking child is recovered and logged,
//   - the returned teardown blocks until every child has returned.
func WithEffectHandler(
	ctx context.Context,
	bufferSize int,
) (context.Context, func() context.Context) {
	sv := newSupervisor()
	sv.watchParentCancel(ctx)

	return scope.WithFireAndForgetHandler(
		ctx,
		model.NewScopeConfig(bufferSize, 1),
		model.EffectConcurrency,
		sv.spawnConcurrentChildren,
		func() {
			sv.waitChildren(ctx)
			close(sv.doneCh)
		},
	)
}

// Effect spawns fns under the concurrency scope of ctx.
//
// Panics if ctx has no concurrency scope.
func Effect(ctx context.Context, fns ...func(context.Context)) error {
	return scope.FireAndForget[Payload](ctx, model.EffectConcurrency, fns)
}

// Go spawns fn under the concurrency scope of ctx, or as a plain goroutine bound to ctx
// when there is none.
func Go(ctx context.Context, fn func(context.Context)) error {
	if scope.HasHandler(ctx, model.EffectConcurrency) {
		return Effect(ctx, fn)
	}
	go fn(ctx)
	return nil
}

type Payload []func(context.Context)

func (Payload) PartitionKey() string {
	return model.Unpartitioned
}

// supervisor tracks the running children of one concurrency scope.
// A child's cancel func is released as soon as the child returns.
type supervisor struct {
	mu         sync.Mutex
	wg         sync.WaitGroup
	nextID     uint64
	children   map[uint64]context.CancelFunc
	parentDone bool
	doneCh     chan struct{}
}

func newSupervisor() *supervisor {
	return &supervisor{
		children: map[uint64]context.CancelFunc{},
		doneCh:   make(chan struct{}),
	}
}

// watchParentCancel cancels every child once the parent context is done.
func (s *supervisor) watchParentCancel(parentContext context.Context) {
	ready := make(chan struct{})
	go func() {
		close(ready)
		select {
		case <-parentContext.Done():
			log.Effect(parentContext, log.LogDebug, "context cancelled, cancelling child routines", nil)
			s.mu.Lock()
			s.parentDone = true
			s.mu.Unlock()
			s.cancelAll()
		case <-s.doneCh:
		}
	}()
	<-ready
}

// track registers cancel for a new child and returns its id.
// Once the parent is done the child is cancelled right away.
func (s *supervisor) track(cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.parentDone {
		cancel()
	}
	s.children[id] = cancel
	return id
}

// release forgets the child id and frees its context.
func (s *supervisor) release(id uint64) {
	s.mu.Lock()
	cancel, ok := s.children[id]
	delete(s.children, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *supervisor) cancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.children))
	for _, cancel := range s.children {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// running reports how many children have not returned yet.
func (s *supervisor) running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// spawnConcurrentChildren starts each function in its own goroutine and
// returns once all of them are running.
func (s *supervisor) spawnConcurrentChildren(
	parentContext context.Context,
	functions Payload,
) {
	ready := sync.WaitGroup{}

	for _, fn := range functions {
		childCtx, cancel := context.WithCancel(context.WithoutCancel(parentContext))
		id := s.track(cancel)

		s.wg.Add(1)
		ready.Add(1)
		go func(f func(context.Context), ctx context.Context) {
			defer s.wg.Done()
			defer s.release(id)
			defer func() {
				if r := recover(); r != nil {
					log.Effect(parentContext, log.LogError, "panic in child routine", map[string]interface{}{
						"routine": fmt.Sprintf("%p", f),
						"error":   r,
					})
				}
			}()
			ready.Done()
			f(ctx)
		}(fn, childCtx)
	}

	ready.Wait()
}

// waitChildren blocks until all child goroutines complete.
func (s *supervisor) waitChildren(ctx context.Context) {
	log.Effect(ctx, log.LogDebug, "waiting for all routines to finish", nil)
	s.wg.Wait()
	log.Effect(ctx, log.LogDebug, "all routines finished", nil)
}
