package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/on-the-ground/kflow_go/flow"
	"github.com/on-the-ground/kflow_go/shared/helper"
)

const loadAttempts = 3

type Op string

const (
	OpInc   Op = "inc"
	OpDec   Op = "dec"
	OpReset Op = "reset"
	OpLoad  Op = "load"
)

// Command is one action of the counter.
type Command struct {
	Op Op
	N  int
}

// Event is the data a performed Command carries to the reducer.
type Event struct {
	Loaded bool
	Value  int
}

type Counter struct {
	Value   int
	Loading bool
	Err     string
}

func (c Counter) String() string {
	s := fmt.Sprintf("count=%d", c.Value)
	if c.Loading {
		s += " (loading)"
	}
	if c.Err != "" {
		s += " error=" + c.Err
	}
	return s
}

var errUnknownCommand = errors.New("unknown command")

// parseCommand reads "inc [n]", "dec [n]", "reset" or "load".
func parseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty line", errUnknownCommand)
	}
	c := Command{Op: Op(strings.ToLower(fields[0])), N: 1}
	switch c.Op {
	case OpInc, OpDec:
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return Command{}, fmt.Errorf("invalid amount %q: %w", fields[1], err)
			}
			c.N = n
		}
	case OpReset, OpLoad:
		c.N = 0
	default:
		return Command{}, fmt.Errorf("%w: %s", errUnknownCommand, fields[0])
	}
	return c, nil
}

// counterEmitter performs loads through source, which stands in for a slow and flaky backend.
// A load is attempted loadAttempts times, delay apart.
type counterEmitter struct {
	source func(ctx context.Context) (int, error)
	delay  time.Duration
}

var _ flow.Emitter[Command, Event, Counter] = counterEmitter{}

func (counterEmitter) InitialState() Counter {
	return Counter{}
}

func (e counterEmitter) Perform(ctx context.Context, c Command) (<-chan flow.Output[Command, Event], error) {
	if c.Op != OpLoad {
		return flow.Just(flow.OutputOf(c, Event{Value: c.N})), nil
	}
	return flow.Produce(ctx, func(ctx context.Context, emit func(flow.Output[Command, Event]) bool) {
		if !emit(flow.OutputOf(c, Event{})) {
			return
		}
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return
		}
		var v int
		err := helper.Retry(loadAttempts, e.delay, func() error {
			var err error
			v, err = e.source(ctx)
			return err
		})
		if err != nil {
			emit(flow.FailedOutput[Command, Event](c, err))
			return
		}
		emit(flow.OutputOf(c, Event{Loaded: true, Value: v}))
	}), nil
}

func (counterEmitter) Emit(_ context.Context, s Counter, out flow.Output[Command, Event]) (Counter, error) {
	switch out.Action.Op {
	case OpInc:
		s.Value += out.Data.Value
	case OpDec:
		s.Value -= out.Data.Value
	case OpReset:
		return Counter{}, nil
	case OpLoad:
		switch {
		case out.Failed():
			s.Loading, s.Err = false, out.Err.Error()
		case !out.Data.Loaded:
			s.Loading, s.Err = true, ""
		default:
			s.Value, s.Loading = out.Data.Value, false
		}
	default:
		return s, fmt.Errorf("%w: %s", errUnknownCommand, out.Action.Op)
	}
	return s, nil
}
