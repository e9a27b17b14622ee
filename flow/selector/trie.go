package selector

import (
	"sync"
)

// Key is a memo key. It must be comparable at run time.
type Key any

// trie is a bounded memo table keyed by argument paths.
// It keeps two generations; once the head generation holds maxSize entries
// the older one is dropped and a fresh head is started.
type trie[O any] struct {
	mu      sync.Mutex
	memos   [2]*sync.Map
	headIdx int
	size    uint32
	maxSize uint32
}

func newTrie[O any](maxSize uint32) *trie[O] {
	if maxSize == 0 {
		panic("maxSize should be greater than 0")
	}
	return &trie[O]{
		memos:   [2]*sync.Map{{}, {}},
		maxSize: maxSize,
	}
}

func (t *trie[O]) load(keys []Key) (O, bool) {
	t.mu.Lock()
	head, tail := t.memos[t.headIdx], t.memos[1-t.headIdx]
	t.mu.Unlock()

	for _, gen := range []*sync.Map{head, tail} {
		if m, k, ok := lookup(gen, keys); ok {
			if v, ok := m.Load(k); ok {
				return v.(O), true
			}
		}
	}
	var zero O
	return zero, false
}

func (t *trie[O]) store(keys []Key, value O) {
	t.mu.Lock()
	if t.size >= t.maxSize {
		t.headIdx = 1 - t.headIdx
		t.memos[t.headIdx] = &sync.Map{}
		t.size = 0
	}
	head := t.memos[t.headIdx]
	t.size++
	t.mu.Unlock()

	m, k := traverse(head, keys)
	m.Store(k, value)
}

func lookup(m *sync.Map, keys []Key) (*sync.Map, Key, bool) {
	if len(keys) == 0 {
		panic("trie: empty keys")
	}
	for _, k := range keys[:len(keys)-1] {
		next, ok := m.Load(k)
		if !ok {
			return nil, nil, false
		}
		m = next.(*sync.Map)
	}
	return m, keys[len(keys)-1], true
}

func traverse(m *sync.Map, keys []Key) (*sync.Map, Key) {
	if len(keys) == 0 {
		panic("trie: empty keys")
	}
	for _, k := range keys[:len(keys)-1] {
		next, _ := m.LoadOrStore(k, &sync.Map{})
		m = next.(*sync.Map)
	}
	return m, keys[len(keys)-1]
}
