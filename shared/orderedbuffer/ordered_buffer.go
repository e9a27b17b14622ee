package orderedbuffer

import (
	"context"
	"sort"
	"sync"
)

// CompareFunc reports a < b as a negative number, a == b as zero and a > b as a positive number.
type CompareFunc[T any] func(a, b T) int

// OrderedBoundedBuffer keeps at most maxLen values sorted by compare.
// Inserting past maxLen evicts the smallest value to Source.
// Close flushes what is left in order and closes Source.
type OrderedBoundedBuffer[T any] struct {
	mu      sync.Mutex
	data    []T
	maxLen  int
	compare CompareFunc[T]
	sink    chan T
	closed  bool
}

func NewOrderedBoundedBuffer[T any](maxLen int, cmp CompareFunc[T]) *OrderedBoundedBuffer[T] {
	if maxLen <= 0 {
		maxLen = 1
	}
	return &OrderedBoundedBuffer[T]{
		data:    make([]T, 0, maxLen+1),
		maxLen:  maxLen,
		compare: cmp,
		sink:    make(chan T, maxLen),
	}
}

// Insert places val in order. It returns false once the buffer is closed
// or ctx is done while waiting to evict.
func (b *OrderedBoundedBuffer[T]) Insert(ctx context.Context, val T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	// equal values keep insertion order
	idx := sort.Search(len(b.data), func(i int) bool {
		return b.compare(val, b.data[i]) < 0
	})
	b.data = append(b.data, val)
	copy(b.data[idx+1:], b.data[idx:])
	b.data[idx] = val

	if len(b.data) <= b.maxLen {
		return true
	}
	evicted := b.data[0]
	b.data = b.data[1:]
	select {
	case <-ctx.Done():
		return false
	case b.sink <- evicted:
		return true
	}
}

// Len returns the number of values held back.
func (b *OrderedBoundedBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *OrderedBoundedBuffer[T]) Source() <-chan T {
	return b.sink
}

// Close flushes held values and closes Source. Calling it twice is a no-op.
// If ctx ends first, the remaining values are dropped.
func (b *OrderedBoundedBuffer[T]) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	rest := b.data
	b.data = nil
	b.mu.Unlock()

	defer close(b.sink)
	for _, v := range rest {
		select {
		case <-ctx.Done():
			return
		case b.sink <- v:
		}
	}
}
