// Package selector derives values from state for widgets bound to a part of it.
//
// Memoize wraps a pure function so repeated inputs reuse the previous result.
// Do not memoize functions depending on time, I/O or anything but their arguments.
package selector

import (
	"context"
	"fmt"

	"github.com/on-the-ground/kflow_go/flow/state"
	"github.com/on-the-ground/kflow_go/flow/stream"
)

// Memoize caches fn by its argument, holding roughly up to 2*maxSize results.
// An interface-typed I panics like a map key when it holds a slice, map or func;
// key such values with MemoizeStringer.
func Memoize[I comparable, O any](fn func(I) O, maxSize uint32) func(I) O {
	memo := newTrie[O](maxSize)
	return func(i I) O {
		return cached(memo, []Key{i}, func() O { return fn(i) })
	}
}

func Memoize2[I1, I2 comparable, O any](fn func(I1, I2) O, maxSize uint32) func(I1, I2) O {
	memo := newTrie[O](maxSize)
	return func(i1 I1, i2 I2) O {
		return cached(memo, []Key{i1, i2}, func() O { return fn(i1, i2) })
	}
}

func Memoize3[I1, I2, I3 comparable, O any](fn func(I1, I2, I3) O, maxSize uint32) func(I1, I2, I3) O {
	memo := newTrie[O](maxSize)
	return func(i1 I1, i2 I2, i3 I3) O {
		return cached(memo, []Key{i1, i2, i3}, func() O { return fn(i1, i2, i3) })
	}
}

// MemoizeStringer caches fn by the String() of its argument, so I may be a
// slice or map type. Arguments with equal strings share one result.
func MemoizeStringer[I fmt.Stringer, O any](fn func(I) O, maxSize uint32) func(I) O {
	memo := newTrie[O](maxSize)
	return func(i I) O {
		return cached(memo, []Key{i.String()}, func() O { return fn(i) })
	}
}

func cached[O any](memo *trie[O], keys []Key, compute func() O) O {
	if v, ok := memo.load(keys); ok {
		return v
	}
	v := compute()
	memo.store(keys, v)
	return v
}

// Select streams fn applied to every state of h, skipping values equal to the previous one.
// The channel closes when ctx is done or h is closed.
func Select[S any, V any](
	ctx context.Context,
	h *state.Holder[S],
	fn func(S) V,
	equal func(a, b V) bool,
) <-chan V {
	values := stream.Map(ctx, h.Changes(ctx), func(snap state.Snapshot[S]) V {
		return fn(snap.Value)
	})
	return stream.Distinct(ctx, values, equal)
}
