package flow

import (
	"context"
	"sync"

	"github.com/on-the-ground/kflow_go/flow/state"
)

// Delegate holds the state of a view model and the actions waiting to be performed.
// Dispatch returns nil only when the action was accepted; a delegate that drops
// an action without error returns ErrConflated.
type Delegate[A any, S any] interface {
	State() *state.Holder[S]
	Actions() <-chan A
	Dispatch(ctx context.Context, action A) error
	Close()
}

// NewDelegate returns a FIFO mailbox: every accepted action is delivered, in order.
// Dispatch blocks while bufferSize actions are pending.
func NewDelegate[A any, S any](bufferSize int) Delegate[A, S] {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &mailbox[A, S]{
		holder:  state.NewHolder[S](),
		actions: make(chan A, bufferSize),
		done:    make(chan struct{}),
	}
}

type mailbox[A any, S any] struct {
	holder    *state.Holder[S]
	actions   chan A
	done      chan struct{}
	closeOnce sync.Once
}

func (m *mailbox[A, S]) State() *state.Holder[S] {
	return m.holder
}

func (m *mailbox[A, S]) Actions() <-chan A {
	return m.actions
}

func (m *mailbox[A, S]) Dispatch(ctx context.Context, action A) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	case m.actions <- action:
		return nil
	}
}

func (m *mailbox[A, S]) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.holder.Close()
	})
}

// NewConflatedDelegate returns a single-slot delegate: a pending action is replaced
// by a newer one, and an action equal to the last accepted one is dropped with
// ErrConflated. Dispatch never blocks.
func NewConflatedDelegate[A any, S any](equal func(a, b A) bool) Delegate[A, S] {
	d := &conflated[A, S]{
		holder:  state.NewHolder[S](),
		equal:   equal,
		notify:  make(chan struct{}, 1),
		out:     make(chan A),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.forward()
	return d
}

type conflated[A any, S any] struct {
	holder *state.Holder[S]
	equal  func(a, b A) bool

	mu         sync.Mutex
	pending    A
	hasPending bool
	seq        uint64
	last       A
	hasLast    bool

	notify    chan struct{}
	out       chan A
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func (d *conflated[A, S]) State() *state.Holder[S] {
	return d.holder
}

func (d *conflated[A, S]) Actions() <-chan A {
	return d.out
}

func (d *conflated[A, S]) Dispatch(ctx context.Context, action A) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	select {
	case <-d.done:
		d.mu.Unlock()
		return ErrClosed
	default:
	}
	if d.hasLast && d.equal != nil && d.equal(d.last, action) {
		d.mu.Unlock()
		return ErrConflated
	}
	d.last, d.hasLast = action, true
	d.pending, d.hasPending = action, true
	d.seq++
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// forward hands the pending action to the reader, switching to a newer one
// if it arrives before the reader is ready.
func (d *conflated[A, S]) forward() {
	defer close(d.stopped)
	for {
		d.mu.Lock()
		action, seq, ok := d.pending, d.seq, d.hasPending
		d.mu.Unlock()

		if !ok {
			select {
			case <-d.notify:
				continue
			case <-d.done:
				return
			}
		}

		// a newer action may have arrived while this one was loaded
		select {
		case <-d.notify:
			continue
		default:
		}

		select {
		case d.out <- action:
			d.mu.Lock()
			if d.seq == seq {
				var zero A
				d.pending, d.hasPending = zero, false
			}
			d.mu.Unlock()
		case <-d.notify:
		case <-d.done:
			return
		}
	}
}

func (d *conflated[A, S]) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		close(d.done)
		d.mu.Unlock()
		<-d.stopped
		d.holder.Close()
	})
}
