// Package metrics exports view model activity to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector counts dispatched, reduced and failed actions by action type and
// records how long performing them took. Pass it to flow.WithObserver.
type Collector struct {
	dispatched *prometheus.CounterVec
	reduced    *prometheus.CounterVec
	failed     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	return &Collector{
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_dispatched_total",
				Help:      "Total number of dispatched actions",
			},
			[]string{"action"},
		),
		reduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "states_reduced_total",
				Help:      "Total number of outputs reduced into a new state",
			},
			[]string{"action"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_failed_total",
				Help:      "Total number of failed performs and reductions",
			},
			[]string{"action"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "perform_duration_seconds",
				Help:      "Time from perform start until its last output was reduced",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}
}

var _ prometheus.Collector = (*Collector)(nil)

// Register adds c to r.
func (c *Collector) Register(r prometheus.Registerer) error {
	if err := r.Register(c); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	return nil
}

func (c *Collector) vecs() []prometheus.Collector {
	return []prometheus.Collector{c.dispatched, c.reduced, c.failed, c.latency}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, v := range c.vecs() {
		v.Describe(ch)
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.vecs() {
		v.Collect(ch)
	}
}

func actionType(action any) string {
	return fmt.Sprintf("%T", action)
}

func (c *Collector) ActionDispatched(action any) {
	c.dispatched.WithLabelValues(actionType(action)).Inc()
}

func (c *Collector) ActionPerformed(action any, _ int, elapsed time.Duration) {
	c.latency.WithLabelValues(actionType(action)).Observe(elapsed.Seconds())
}

func (c *Collector) StateReduced(action any) {
	c.reduced.WithLabelValues(actionType(action)).Inc()
}

func (c *Collector) Failed(action any, _ error) {
	c.failed.WithLabelValues(actionType(action)).Inc()
}
