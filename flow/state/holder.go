// Package state holds the latest value of a state stream for UI binding.
package state

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("state holder closed")

// Snapshot is one value of a Holder together with when and in which order it was set.
type Snapshot[S any] struct {
	Value   S
	Version uint64
	At      TimeSpan
}

// Holder keeps the latest state and wakes observers when it changes.
//
// Observation is conflated: an observer always sees the latest value,
// values set in between two wake-ups are skipped.
type Holder[S any] struct {
	mu      sync.RWMutex
	current Snapshot[S]
	set     bool
	changed chan struct{}
	closed  bool
}

func NewHolder[S any]() *Holder[S] {
	return &Holder[S]{changed: make(chan struct{})}
}

func NewHolderOf[S any](v S) *Holder[S] {
	h := NewHolder[S]()
	h.Set(v)
	return h
}

// Set stores v and wakes observers. It is a no-op once the holder is closed.
func (h *Holder[S]) Set(v S) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.current = Snapshot[S]{
		Value:   v,
		Version: h.current.Version + 1,
		At:      Now(),
	}
	h.set = true
	close(h.changed)
	h.changed = make(chan struct{})
}

// Value returns the latest value, and false if nothing was set yet.
func (h *Holder[S]) Value() (S, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.Value, h.set
}

// ValueOr returns the latest value, or def if nothing was set yet.
func (h *Holder[S]) ValueOr(def S) S {
	if v, ok := h.Value(); ok {
		return v
	}
	return def
}

// Snapshot returns the latest snapshot. Version is 0 if nothing was set yet.
func (h *Holder[S]) Snapshot() Snapshot[S] {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *Holder[S]) wait() (Snapshot[S], bool, <-chan struct{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return h.current, h.set, nil
	}
	return h.current, h.set, h.changed
}

// Observe calls fn with the current value (if any) and then with every later value
// until ctx is done or the holder is closed. fn runs on the caller's goroutine.
func (h *Holder[S]) Observe(ctx context.Context, fn func(Snapshot[S])) error {
	var seen uint64
	for {
		snap, ok, changed := h.wait()
		if ok && snap.Version != seen {
			seen = snap.Version
			fn(snap)
		}
		if changed == nil {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Changes streams snapshots as Observe does. The channel is closed when ctx is done
// or the holder is closed. Snapshots a slow reader missed are skipped, not queued.
func (h *Holder[S]) Changes(ctx context.Context) <-chan Snapshot[S] {
	out := make(chan Snapshot[S])
	go func() {
		defer close(out)
		var seen uint64
		for {
			snap, ok, changed := h.wait()
			if ok && snap.Version != seen {
				seen = snap.Version
				select {
				case out <- snap:
					continue
				case <-ctx.Done():
					return
				}
			}
			if changed == nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()
	return out
}

// Close releases observers. The last value stays readable.
func (h *Holder[S]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.changed)
}
