package metrics_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/on-the-ground/kflow_go/flow"
	"github.com/on-the-ground/kflow_go/flow/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type increment struct{}
type fail struct{}

var _ flow.Observer = (*metrics.Collector)(nil)

func TestCollector_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector("kflow")
	require.NoError(t, c.Register(reg))
	assert.Error(t, c.Register(reg))
}

func TestCollector_CountsByActionType(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector("kflow")
	require.NoError(t, c.Register(reg))

	c.ActionDispatched(increment{})
	c.ActionDispatched(increment{})
	c.ActionDispatched(fail{})
	c.StateReduced(increment{})
	c.Failed(fail{}, errors.New("boom"))
	c.ActionPerformed(increment{}, 1, 20*time.Millisecond)

	n, err := testutil.GatherAndCount(reg, "kflow_actions_dispatched_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 5, testutil.CollectAndCount(c))

	expected := `
# HELP kflow_actions_dispatched_total Total number of dispatched actions
# TYPE kflow_actions_dispatched_total counter
kflow_actions_dispatched_total{action="metrics_test.fail"} 1
kflow_actions_dispatched_total{action="metrics_test.increment"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "kflow_actions_dispatched_total"))
}

func TestCollector_ObservesViewModel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector("counter")
	require.NoError(t, c.Register(reg))

	emitter := flow.EmitterFuncs[any, int, int]{
		PerformFn: func(ctx context.Context, a any) (<-chan flow.Output[any, int], error) {
			if _, ok := a.(fail); ok {
				return nil, errors.New("boom")
			}
			return flow.Just(flow.OutputOf(a, 1)), nil
		},
		EmitFn: func(ctx context.Context, s int, out flow.Output[any, int]) (int, error) {
			return s + out.Data, nil
		},
	}
	vm, err := flow.NewViewModel[any, int, int](context.Background(), emitter, flow.WithObserver(c))
	require.NoError(t, err)
	defer vm.Close()

	ctx := context.Background()
	_, err = vm.DispatchAndWait(ctx, increment{})
	require.NoError(t, err)
	_, err = vm.DispatchAndWait(ctx, fail{})
	require.Error(t, err)

	expected := `
# HELP counter_actions_failed_total Total number of failed performs and reductions
# TYPE counter_actions_failed_total counter
counter_actions_failed_total{action="metrics_test.fail"} 1
# HELP counter_states_reduced_total Total number of outputs reduced into a new state
# TYPE counter_states_reduced_total counter
counter_states_reduced_total{action="metrics_test.fail"} 1
counter_states_reduced_total{action="metrics_test.increment"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"counter_actions_failed_total", "counter_states_reduced_total"))

	n, err := testutil.GatherAndCount(reg, "counter_perform_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
