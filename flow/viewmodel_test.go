package flow_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/on-the-ground/kflow_go/flow"
	"github.com/on-the-ground/kflow_go/flow/config"
	"github.com/on-the-ground/kflow_go/flow/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type step struct {
	key  string
	name string
}

func (s step) PartitionKey() string { return s.key }

// journal records every reduced output as "action:data".
type journal []string

var errBoom = errors.New("boom")

func journalEmitter(perform func(ctx context.Context, s step) (<-chan flow.Output[step, string], error)) flow.Emitter[step, string, journal] {
	return flow.EmitterFuncs[step, string, journal]{
		Initial:   journal{},
		PerformFn: perform,
		EmitFn: func(ctx context.Context, j journal, out flow.Output[step, string]) (journal, error) {
			switch {
			case out.Failed():
				return append(slices.Clone(j), out.Action.name+":failed"), nil
			case out.Data == "reject":
				return j, errBoom
			case out.Data == "explode":
				panic("emit exploded")
			}
			return append(slices.Clone(j), out.Action.name+":"+out.Data), nil
		},
	}
}

func twoOutputs(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
	return flow.Produce(ctx, func(ctx context.Context, emit func(flow.Output[step, string]) bool) {
		if !emit(flow.OutputOf(s, "start")) {
			return
		}
		time.Sleep(5 * time.Millisecond)
		emit(flow.OutputOf(s, "end"))
	}), nil
}

func waitState[S any](t *testing.T, vm interface{ CurrentState() S }, want S) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cmp.Equal(want, vm.CurrentState())
	}, time.Second, 5*time.Millisecond, "state never reached %v", want)
}

func TestNewViewModel_NilEmitter(t *testing.T) {
	_, err := flow.NewViewModel[step, string, journal](context.Background(), nil)
	assert.ErrorIs(t, err, flow.ErrNilEmitter)
}

func TestNewViewModel_InvalidOption(t *testing.T) {
	_, err := flow.NewViewModel(
		context.Background(),
		journalEmitter(twoOutputs),
		flow.WithBinder[int](func(ctx context.Context, in <-chan int) <-chan int { return in }),
	)
	assert.ErrorIs(t, err, flow.ErrInvalidOption)

	_, err = flow.NewViewModel(
		context.Background(),
		journalEmitter(twoOutputs),
		flow.WithDelegate(flow.NewDelegate[int, journal](1)),
	)
	assert.ErrorIs(t, err, flow.ErrInvalidOption)
}

func TestViewModel_InitialState(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(twoOutputs))
	require.NoError(t, err)
	defer vm.Close()

	assert.Equal(t, journal{}, vm.CurrentState())
	_, ok := vm.State().Value()
	assert.False(t, ok)
	assert.NotEmpty(t, vm.ID())
}

func TestViewModel_OutputsOfOneActionAreReducedBeforeTheNext(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(twoOutputs))
	require.NoError(t, err)
	defer vm.Close()

	ctx := context.Background()
	require.NoError(t, vm.Dispatch(ctx, step{name: "a"}))
	require.NoError(t, vm.Dispatch(ctx, step{name: "b"}))
	require.NoError(t, vm.Dispatch(ctx, step{name: "c"}))

	waitState(t, vm, journal{"a:start", "a:end", "b:start", "b:end", "c:start", "c:end"})
}

func TestViewModel_DispatchAndWait(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(twoOutputs))
	require.NoError(t, err)
	defer vm.Close()

	s, err := vm.DispatchAndWait(context.Background(), step{name: "a"})
	require.NoError(t, err)
	assert.Equal(t, journal{"a:start", "a:end"}, s)
	waitState(t, vm, journal{"a:start", "a:end"})

	s, err = vm.DispatchAndWait(context.Background(), step{name: "b"})
	require.NoError(t, err)
	assert.Equal(t, journal{"a:start", "a:end", "b:start", "b:end"}, s)
}

func TestViewModel_NoOutputsKeepsState(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			if s.name == "noop" {
				return nil, nil
			}
			return flow.Just(flow.OutputOf(s, "done")), nil
		},
	))
	require.NoError(t, err)
	defer vm.Close()

	_, err = vm.DispatchAndWait(context.Background(), step{name: "a"})
	require.NoError(t, err)
	s, err := vm.DispatchAndWait(context.Background(), step{name: "noop"})
	require.NoError(t, err)
	assert.Equal(t, journal{"a:done"}, s)
}

func TestViewModel_PerformErrorIsReducedAsFailedOutput(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			return nil, errBoom
		},
	))
	require.NoError(t, err)
	defer vm.Close()

	s, err := vm.DispatchAndWait(context.Background(), step{name: "a"})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, journal{"a:failed"}, s)
	waitState(t, vm, journal{"a:failed"})
}

func TestViewModel_EmitErrorLeavesStateUnchanged(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			return flow.Just(flow.OutputOf(s, "ok"), flow.OutputOf(s, "reject"), flow.OutputOf(s, "after")), nil
		},
	))
	require.NoError(t, err)
	defer vm.Close()

	s, err := vm.DispatchAndWait(context.Background(), step{name: "a"})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, journal{"a:ok", "a:after"}, s)
}

func TestViewModel_PanicsAreRecovered(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			if s.name == "perform" {
				panic("perform exploded")
			}
			return flow.Just(flow.OutputOf(s, "explode")), nil
		},
	))
	require.NoError(t, err)
	defer vm.Close()

	s, err := vm.DispatchAndWait(context.Background(), step{name: "perform"})
	assert.ErrorIs(t, err, flow.ErrPanic)
	assert.Equal(t, journal{"perform:failed"}, s)

	s, err = vm.DispatchAndWait(context.Background(), step{name: "emit"})
	assert.ErrorIs(t, err, flow.ErrPanic)
	assert.Equal(t, journal{"perform:failed"}, s)
}

func TestViewModel_Binder(t *testing.T) {
	type counter int
	emitter := flow.EmitterFuncs[int, int, counter]{
		PerformFn: func(ctx context.Context, n int) (<-chan flow.Output[int, int], error) {
			return flow.Just(flow.OutputOf(n, n)), nil
		},
		EmitFn: func(ctx context.Context, c counter, out flow.Output[int, int]) (counter, error) {
			return c + counter(out.Data), nil
		},
	}
	evenOnly := flow.Binder[counter](func(ctx context.Context, in <-chan counter) <-chan counter {
		return stream.Filter(ctx, in, func(c counter) bool { return c%2 == 0 })
	})

	vm, err := flow.NewViewModel[int, int, counter](context.Background(), emitter, flow.WithBinder(evenOnly))
	require.NoError(t, err)
	defer vm.Close()

	ctx := context.Background()
	s, err := vm.DispatchAndWait(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, counter(1), s)

	s, err = vm.DispatchAndWait(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, counter(4), s)
	waitState[counter](t, vm, 4)

	_, err = vm.DispatchAndWait(ctx, 1)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, counter(4), vm.CurrentState())
}

func TestViewModel_PartitionsPerformConcurrently(t *testing.T) {
	release := make(chan struct{})
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			if s.name == "slow" {
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return flow.Just(flow.OutputOf(s, "done")), nil
		},
	), flow.WithConfig(config.Config{BufferSize: 8, NumWorkers: 4}))
	require.NoError(t, err)
	defer vm.Close()

	ctx := context.Background()
	require.NoError(t, vm.Dispatch(ctx, step{key: "x", name: "slow"}))
	require.NoError(t, vm.Dispatch(ctx, step{key: "x", name: "after-slow"}))

	// different keys may land on the same worker; try until one is free
	var other journal
	for i := 0; i < 16 && len(other) == 0; i++ {
		waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		s, err := vm.DispatchAndWait(waitCtx, step{key: fmt.Sprintf("y%d", i), name: "fast"})
		cancel()
		if err == nil {
			other = s
		}
	}
	require.NotEmpty(t, other, "no partition performed while x was blocked")
	assert.NotContains(t, other, "slow:done")

	close(release)
	require.Eventually(t, func() bool {
		j := vm.CurrentState()
		i, k := slices.Index(j, "slow:done"), slices.Index(j, "after-slow:done")
		return i >= 0 && k > i
	}, time.Second, 5*time.Millisecond)
}

func TestViewModel_Conflation(t *testing.T) {
	release := make(chan struct{})
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			if s.name == "first" {
				<-release
			}
			return flow.Just(flow.OutputOf(s, "done")), nil
		},
	), flow.WithConflation(func(a, b step) bool { return a == b }))
	require.NoError(t, err)
	defer vm.Close()

	ctx := context.Background()
	require.NoError(t, vm.Dispatch(ctx, step{name: "first"}))
	time.Sleep(20 * time.Millisecond)
	for _, name := range []string{"second", "third", "third", "fourth"} {
		require.NoError(t, vm.Dispatch(ctx, step{name: name}))
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	waitState(t, vm, journal{"first:done", "fourth:done"})
}

func TestViewModel_ConflationFromConfig(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(twoOutputs),
		flow.WithConfig(config.Config{Conflate: true}))
	require.NoError(t, err)
	defer vm.Close()

	ctx := context.Background()
	require.NoError(t, vm.Dispatch(ctx, step{name: "a"}))
	waitState(t, vm, journal{"a:start", "a:end"})
	require.NoError(t, vm.Dispatch(ctx, step{name: "a"}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, journal{"a:start", "a:end"}, vm.CurrentState())
}

func TestViewModel_Changes(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			return flow.Just(flow.OutputOf(s, "done")), nil
		},
	))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := vm.Changes(ctx)

	_, err = vm.DispatchAndWait(ctx, step{name: "a"})
	require.NoError(t, err)

	select {
	case snap := <-changes:
		assert.Equal(t, journal{"a:done"}, snap.Value)
		assert.Equal(t, uint64(1), snap.Version)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}

	vm.Close()
	select {
	case _, ok := <-changes:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("changes not closed")
	}
}

func TestViewModel_Close(t *testing.T) {
	performing := make(chan struct{})
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			return flow.Produce(ctx, func(ctx context.Context, emit func(flow.Output[step, string]) bool) {
				close(performing)
				<-ctx.Done()
			}), nil
		},
	))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, vm.Dispatch(ctx, step{name: "forever"}))
	<-performing

	closed := make(chan struct{})
	go func() {
		vm.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not return")
	}
	vm.Close()

	assert.ErrorIs(t, vm.Dispatch(ctx, step{name: "late"}), flow.ErrClosed)
	_, err = vm.DispatchAndWait(ctx, step{name: "late"})
	assert.ErrorIs(t, err, flow.ErrClosed)
}

func TestViewModel_ConcurrentCloseWaitsForTeardown(t *testing.T) {
	performing := make(chan struct{})
	var finished atomic.Bool
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			return flow.Produce(ctx, func(ctx context.Context, emit func(flow.Output[step, string]) bool) {
				close(performing)
				<-ctx.Done()
				time.Sleep(50 * time.Millisecond)
				finished.Store(true)
			}), nil
		},
	))
	require.NoError(t, err)
	require.NoError(t, vm.Dispatch(context.Background(), step{name: "slow-teardown"}))
	<-performing

	const callers = 4
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vm.Close()
			results <- finished.Load()
		}()
	}
	wg.Wait()
	close(results)
	for done := range results {
		assert.True(t, done, "close returned before teardown finished")
	}
}

func TestViewModel_EmitNeverRunsConcurrently(t *testing.T) {
	const keys = 200
	var inFlight, maxInFlight atomic.Int32
	emitter := flow.EmitterFuncs[step, string, int]{
		PerformFn: func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			return flow.Just(flow.OutputOf(s, "a"), flow.OutputOf(s, "b")), nil
		},
		EmitFn: func(ctx context.Context, n int, out flow.Output[step, string]) (int, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				m := maxInFlight.Load()
				if cur <= m || maxInFlight.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(50 * time.Microsecond)
			return n + 1, nil
		},
	}
	vm, err := flow.NewViewModel[step, string, int](context.Background(), emitter,
		flow.WithConfig(config.Config{BufferSize: 16, NumWorkers: 8}))
	require.NoError(t, err)
	defer vm.Close()

	ctx := context.Background()
	for i := 0; i < keys; i++ {
		require.NoError(t, vm.Dispatch(ctx, step{key: fmt.Sprintf("k%d", i), name: "n"}))
	}
	waitState[int](t, vm, 2*keys)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestViewModel_NoGoroutinesLeftAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	upper := flow.Binder[journal](func(ctx context.Context, in <-chan journal) <-chan journal {
		return stream.Map(ctx, in, func(j journal) journal {
			return append(slices.Clone(j), "bound")
		})
	})
	for i := 0; i < 3; i++ {
		vm, err := flow.NewViewModel(context.Background(), journalEmitter(twoOutputs),
			flow.WithConflation(func(a, b step) bool { return a == b }),
			flow.WithBinder(upper),
			flow.WithConfig(config.Config{NumWorkers: 2}))
		require.NoError(t, err)

		ctx := context.Background()
		require.NoError(t, vm.Dispatch(ctx, step{key: "a", name: "a"}))
		_, err = vm.DispatchAndWait(ctx, step{key: "b", name: "b"})
		require.NoError(t, err)
		changes := vm.Changes(ctx)
		require.NoError(t, vm.Dispatch(ctx, step{key: "c", name: "c"}))
		vm.Close()
		for range changes {
		}
	}
}

func TestViewModel_ParentCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	vm, err := flow.NewViewModel(ctx, journalEmitter(twoOutputs))
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		return errors.Is(vm.Dispatch(context.Background(), step{name: "x"}), flow.ErrClosed)
	}, time.Second, 5*time.Millisecond)
	vm.Close()
}

func TestViewModel_DispatchAndWaitHonorsCallerContext(t *testing.T) {
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	))
	require.NoError(t, err)
	defer vm.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = vm.DispatchAndWait(ctx, step{name: "stuck"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestViewModel_ConflatedRepeatIsNotCountedAsDispatched(t *testing.T) {
	rec := &recorder{performed: map[string]int{}}
	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			return flow.Just(flow.OutputOf(s, "done")), nil
		},
	), flow.WithObserver(rec), flow.WithConflation(func(a, b step) bool { return a == b }))
	require.NoError(t, err)
	defer vm.Close()

	ctx := context.Background()
	require.NoError(t, vm.Dispatch(ctx, step{name: "a"}))
	waitState(t, vm, journal{"a:done"})
	require.NoError(t, vm.Dispatch(ctx, step{name: "a"}))
	require.NoError(t, vm.Dispatch(ctx, step{name: "b"}))
	waitState(t, vm, journal{"a:done", "b:done"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.dispatched)
}

type recorder struct {
	mu         sync.Mutex
	dispatched int
	performed  map[string]int
	reduced    int
	failed     []error
}

func (r *recorder) ActionDispatched(any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched++
}

func (r *recorder) ActionPerformed(action any, outputs int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.performed[action.(step).name] = outputs
}

func (r *recorder) StateReduced(any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reduced++
}

func (r *recorder) Failed(_ any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func TestViewModel_ObserverAndLogger(t *testing.T) {
	rec := &recorder{performed: map[string]int{}}
	core, logs := observer.New(zap.DebugLevel)

	vm, err := flow.NewViewModel(context.Background(), journalEmitter(
		func(ctx context.Context, s step) (<-chan flow.Output[step, string], error) {
			if s.name == "bad" {
				return nil, errBoom
			}
			return flow.Just(flow.OutputOf(s, "x"), flow.OutputOf(s, "y")), nil
		},
	), flow.WithObserver(rec), flow.WithLogger(zap.New(core)))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = vm.DispatchAndWait(ctx, step{name: "good"})
	require.NoError(t, err)
	_, err = vm.DispatchAndWait(ctx, step{name: "bad"})
	require.ErrorIs(t, err, errBoom)
	vm.Close()

	rec.mu.Lock()
	assert.Equal(t, 2, rec.dispatched)
	assert.Equal(t, map[string]int{"good": 2, "bad": 1}, rec.performed)
	assert.Equal(t, 3, rec.reduced)
	require.Len(t, rec.failed, 1)
	assert.ErrorIs(t, rec.failed[0], errBoom)
	rec.mu.Unlock()

	warns := logs.FilterMessage("perform failed").All()
	require.Len(t, warns, 1)
	assert.Equal(t, vm.ID(), warns[0].ContextMap()["view_model"])
}
