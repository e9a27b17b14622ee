package flow

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/on-the-ground/kflow_go/flow/config"
	"go.uber.org/zap"
)

// Binder transforms reduced states before they reach the state holder.
// It must close its output once the input is closed or ctx is done.
type Binder[S any] func(ctx context.Context, states <-chan S) <-chan S

func identity[S any](_ context.Context, states <-chan S) <-chan S {
	return states
}

type options struct {
	binder   any
	delegate any
	equal    any
	logger   *zap.Logger
	config   config.Config
	observer Observer
}

func newOptions(opts []Option) options {
	o := options{
		logger:   zap.NewNop(),
		config:   config.Default(),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.config = o.config.Normalize()
	return o
}

type Option func(*options)

// WithBinder places b between the reducer and the state holder.
func WithBinder[S any](b Binder[S]) Option {
	return func(o *options) { o.binder = b }
}

// WithDelegate replaces the default mailbox delegate.
func WithDelegate[A any, S any](d Delegate[A, S]) Option {
	return func(o *options) { o.delegate = d }
}

// WithConflation uses a conflated delegate comparing actions with equal.
func WithConflation[A any](equal func(a, b A) bool) Option {
	return func(o *options) {
		o.equal = equal
		o.config.Conflate = true
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithConfig(c config.Config) Option {
	return func(o *options) {
		conflate := o.config.Conflate
		o.config = c
		o.config.Conflate = c.Conflate || conflate
	}
}

func WithObserver(observer Observer) Option {
	return func(o *options) {
		if observer != nil {
			o.observer = observer
		}
	}
}

func binderOf[S any](o options) (Binder[S], error) {
	if o.binder == nil {
		return identity[S], nil
	}
	b, ok := o.binder.(Binder[S])
	if !ok {
		return nil, fmt.Errorf("%w: binder %T does not bind %T", ErrInvalidOption, o.binder, *new(S))
	}
	return b, nil
}

func delegateOf[A any, S any](o options) (Delegate[A, S], error) {
	if o.delegate != nil {
		d, ok := o.delegate.(Delegate[A, S])
		if !ok {
			return nil, fmt.Errorf("%w: delegate %T does not hold %T", ErrInvalidOption, o.delegate, *new(A))
		}
		return d, nil
	}
	if !o.config.Conflate {
		return NewDelegate[A, S](o.config.BufferSize), nil
	}
	if o.equal == nil {
		return NewConflatedDelegate[A, S](deepEqual[A]), nil
	}
	equal, ok := o.equal.(func(a, b A) bool)
	if !ok {
		return nil, fmt.Errorf("%w: conflation %T does not compare %T", ErrInvalidOption, o.equal, *new(A))
	}
	return NewConflatedDelegate[A, S](equal), nil
}

var exportAll = cmp.Exporter(func(reflect.Type) bool { return true })

func deepEqual[A any](a, b A) bool {
	return cmp.Equal(a, b, exportAll)
}
