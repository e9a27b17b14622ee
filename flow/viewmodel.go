package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/on-the-ground/kflow_go/flow/concurrency"
	"github.com/on-the-ground/kflow_go/flow/log"
	"github.com/on-the-ground/kflow_go/flow/model"
	"github.com/on-the-ground/kflow_go/flow/scope"
	"github.com/on-the-ground/kflow_go/flow/state"
)

// ViewModel owns the pipeline from dispatched actions to the state holder.
//
// Actions are performed by a worker queue: one worker by default, so each action's
// outputs are fully reduced before the next action starts. With config.NumWorkers > 1
// actions are routed by model.PartitionKeyOf; equal keys keep dispatch order.
// Every output is reduced under one lock against the reducer's current state.
type ViewModel[A any, D any, S any] struct {
	Delegate[A, S]

	id       string
	emitter  Emitter[A, D, S]
	binder   Binder[S]
	observer Observer
	serial   bool

	mu      sync.Mutex
	current S
	reduced chan S

	ctx       context.Context
	perform   context.Context
	cancel    context.CancelFunc
	watchMu   sync.Mutex
	stopWatch func() bool
	teardowns []func() context.Context
	closeOnce sync.Once
	closed    chan struct{}
}

// NewViewModel starts the pipeline for emitter. It runs until Close is called
// or ctx is done.
func NewViewModel[A any, D any, S any](
	ctx context.Context,
	emitter Emitter[A, D, S],
	opts ...Option,
) (*ViewModel[A, D, S], error) {
	if emitter == nil {
		return nil, ErrNilEmitter
	}
	o := newOptions(opts)
	binder, err := binderOf[S](o)
	if err != nil {
		return nil, err
	}
	delegate, err := delegateOf[A, S](o)
	if err != nil {
		return nil, err
	}

	vm := &ViewModel[A, D, S]{
		Delegate: delegate,
		id:       uuid.NewString(),
		emitter:  emitter,
		binder:   binder,
		observer: o.observer,
		serial:   o.config.NumWorkers == 1,
		current:  delegate.State().ValueOr(emitter.InitialState()),
		reduced:  make(chan S, o.config.BufferSize),
		closed:   make(chan struct{}),
	}

	vmCtx, cancel := context.WithCancel(ctx)
	vm.cancel = cancel

	vmCtx, endLog := log.WithZapEffectHandler(log.WithViewModel(vmCtx, vm.id), o.config.LogBufferSize, o.logger)
	vmCtx, endConcurrency := concurrency.WithEffectHandler(vmCtx, o.config.BufferSize)
	vm.ctx = vmCtx
	performCtx, endPerform := scope.WithResumableHandler(
		vmCtx,
		model.NewScopeConfig(o.config.BufferSize, o.config.NumWorkers),
		model.EffectPerform,
		vm.run,
	)
	vm.perform = performCtx
	// reverse order of installation
	vm.teardowns = []func() context.Context{endPerform, endConcurrency, endLog}

	bound := vm.binder(vm.ctx, vm.reduced)
	if err := concurrency.Effect(vm.ctx, vm.pump, vm.bind(bound)); err != nil {
		vm.Close()
		return nil, fmt.Errorf("failed to start view model: %w", err)
	}
	vm.watchMu.Lock()
	vm.stopWatch = context.AfterFunc(ctx, vm.Close)
	vm.watchMu.Unlock()

	log.Effect(vm.ctx, log.LogDebug, "view model started", map[string]interface{}{
		"workers": o.config.NumWorkers,
		"buffer":  o.config.BufferSize,
	})
	return vm, nil
}

func (vm *ViewModel[A, D, S]) ID() string {
	return vm.id
}

// Dispatch hands action to the delegate. It returns ErrClosed once the view model is closed.
// An action the delegate conflates away is not an error and is not reported to the observer.
func (vm *ViewModel[A, D, S]) Dispatch(ctx context.Context, action A) error {
	if vm.ctx.Err() != nil {
		return ErrClosed
	}
	if err := vm.Delegate.Dispatch(ctx, action); err != nil {
		if errors.Is(err, ErrConflated) {
			return nil
		}
		return err
	}
	vm.observer.ActionDispatched(action)
	return nil
}

// DispatchAndWait performs action and waits until all its outputs are reduced.
// It returns the last reduced state and the first error met on the way.
//
// The action bypasses the delegate, so it is not ordered after actions
// still waiting in the mailbox.
func (vm *ViewModel[A, D, S]) DispatchAndWait(ctx context.Context, action A) (S, error) {
	if vm.ctx.Err() != nil {
		return vm.CurrentState(), ErrClosed
	}
	waitCtx, cancel := context.WithCancel(vm.perform)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	vm.observer.ActionDispatched(action)
	s, err := scope.PerformResumable[A, S](waitCtx, model.EffectPerform, action)
	switch {
	case err == nil:
		return s, nil
	case ctx.Err() != nil:
		return vm.CurrentState(), ctx.Err()
	case vm.ctx.Err() != nil || errors.Is(err, model.ErrScopeClosed):
		return vm.CurrentState(), fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return s, err
}

// CurrentState returns the bound state, or the initial state if nothing was bound yet.
func (vm *ViewModel[A, D, S]) CurrentState() S {
	return vm.State().ValueOr(vm.emitter.InitialState())
}

// Changes streams bound states until ctx is done or the view model is closed.
func (vm *ViewModel[A, D, S]) Changes(ctx context.Context) <-chan state.Snapshot[S] {
	return vm.State().Changes(ctx)
}

// Close stops the pipeline and waits for its goroutines. In-flight performs see
// their ctx cancelled and states not yet bound are dropped. Concurrent calls all
// return once the teardown is complete.
func (vm *ViewModel[A, D, S]) Close() {
	vm.closeOnce.Do(func() {
		vm.watchMu.Lock()
		if vm.stopWatch != nil {
			vm.stopWatch()
		}
		vm.watchMu.Unlock()
		log.Effect(vm.ctx, log.LogDebug, "view model closing", nil)
		vm.cancel()
		for _, end := range vm.teardowns {
			end()
		}
		vm.Delegate.Close()
		close(vm.closed)
	})
	<-vm.closed
}

// pump moves actions from the delegate to the perform queue.
// With a single worker it takes the next action only once the previous one is
// reduced, so a conflated delegate can replace what is still pending.
func (vm *ViewModel[A, D, S]) pump(ctx context.Context) {
	actions := vm.Delegate.Actions()
	for {
		select {
		case <-ctx.Done():
			return
		case action := <-actions:
			// failures are reported by run
			resCh := scope.EnqueueResumable[A, S](vm.perform, model.EffectPerform, action)
			if !vm.serial {
				continue
			}
			select {
			case <-resCh:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (vm *ViewModel[A, D, S]) bind(bound <-chan S) func(context.Context) {
	return func(ctx context.Context) {
		holder := vm.State()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-bound:
				if !ok {
					return
				}
				holder.Set(s)
			}
		}
	}
}

// run performs action and reduces its outputs in order.
func (vm *ViewModel[A, D, S]) run(ctx context.Context, action A) (S, error) {
	start := time.Now()
	var firstErr error
	fail := func(err error) {
		vm.observer.Failed(action, err)
		if firstErr == nil {
			firstErr = err
		}
	}

	outputs, err := vm.performAction(ctx, action)
	if err != nil {
		log.Effect(ctx, log.LogWarn, "perform failed", map[string]interface{}{
			"action": fmt.Sprintf("%T", action),
			"error":  err.Error(),
		})
		fail(err)
		outputs = Just(FailedOutput[A, D](action, err))
	}

	last := vm.reducerState()
	n := 0
	for {
		select {
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			return last, firstErr
		case out, ok := <-outputs:
			if !ok {
				vm.observer.ActionPerformed(action, n, time.Since(start))
				return last, firstErr
			}
			n++
			next, err := vm.reduce(ctx, out)
			if err != nil {
				fail(err)
			}
			last = next
		}
	}
}

func (vm *ViewModel[A, D, S]) performAction(ctx context.Context, action A) (outputs <-chan Output[A, D], err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs, err = nil, fmt.Errorf("%w: perform: %v", ErrPanic, r)
		}
	}()
	outputs, err = vm.emitter.Perform(ctx, action)
	if err == nil && outputs == nil {
		outputs = Just[A, D]()
	}
	return outputs, err
}

func (vm *ViewModel[A, D, S]) reducerState() S {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.current
}

// reduce applies out to the current state and sends the result to the binder.
// On error the state is left unchanged.
func (vm *ViewModel[A, D, S]) reduce(ctx context.Context, out Output[A, D]) (S, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	next, err := vm.emit(ctx, vm.current, out)
	if err != nil {
		log.Effect(ctx, log.LogError, "emit failed", map[string]interface{}{
			"action": fmt.Sprintf("%T", out.Action),
			"error":  err.Error(),
		})
		return vm.current, err
	}
	vm.current = next
	vm.observer.StateReduced(out.Action)

	select {
	case vm.reduced <- next:
	case <-ctx.Done():
	}
	return next, nil
}

func (vm *ViewModel[A, D, S]) emit(ctx context.Context, current S, out Output[A, D]) (next S, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = current, fmt.Errorf("%w: emit: %v", ErrPanic, r)
		}
	}()
	return vm.emitter.Emit(ctx, current, out)
}
