package flow

import "time"

// Observer is told about what happens inside a view model.
// Methods are called from the pipeline goroutines and must not block.
type Observer interface {
	ActionDispatched(action any)
	ActionPerformed(action any, outputs int, elapsed time.Duration)
	StateReduced(action any)
	Failed(action any, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) ActionDispatched(any)                    {}
func (NopObserver) ActionPerformed(any, int, time.Duration) {}
func (NopObserver) StateReduced(any)                        {}
func (NopObserver) Failed(any, error)                       {}
