package ledger

import (
	"iter"
	"slices"
)

// Key is a composite ledger key. Levels returns the key components from the
// outermost level to the leaf, e.g. (force, x, y, name).
type Key interface {
	comparable
	Levels() []any
}

// Map is an ordered multi-level mapping from a composite key to a value.
//
// Iteration follows the structural nesting order: first-insertion order of
// the outermost component, then of the next component inside it, and so on.
// Empty intermediate levels are pruned eagerly.
//
// Map is not safe for concurrent use; it is owned by a single goroutine.
type Map[K Key, V any] struct {
	root   *node[K]
	values map[K]V
	// prune reports whether a value is equivalent to absence.
	prune func(V) bool
	dirty bool
}

type node[K Key] struct {
	order    []any
	children map[any]*node[K]
	key      K
	leaf     bool
}

// NewMap returns an empty map. When prune is non-nil, Set with a value for
// which prune returns true removes the key instead of storing it.
func NewMap[K Key, V any](prune func(V) bool) *Map[K, V] {
	return &Map[K, V]{
		root:   &node[K]{},
		values: map[K]V{},
		prune:  prune,
	}
}

// Get returns the value at k and whether it is present.
func (m *Map[K, V]) Get(k K) (V, bool) {
	v, ok := m.values[k]
	return v, ok
}

// Set stores v at k, or removes k when v prunes to absence.
func (m *Map[K, V]) Set(k K, v V) {
	if m.prune != nil && m.prune(v) {
		m.Remove(k)
		return
	}
	if _, ok := m.values[k]; !ok {
		m.attach(k)
	}
	m.values[k] = v
	m.dirty = true
}

// Update sets k to f(current), where current is the zero value when absent.
func (m *Map[K, V]) Update(k K, f func(V) V) {
	cur := m.values[k]
	m.Set(k, f(cur))
}

// Remove deletes k and prunes ancestor levels left empty.
func (m *Map[K, V]) Remove(k K) {
	m.dirty = true
	if _, ok := m.values[k]; !ok {
		return
	}
	delete(m.values, k)

	levels := k.Levels()
	path := make([]*node[K], 0, len(levels)+1)
	n := m.root
	path = append(path, n)
	for _, seg := range levels {
		n = n.children[seg]
		if n == nil {
			return
		}
		path = append(path, n)
	}
	for i := len(levels) - 1; i >= 0; i-- {
		child := path[i+1]
		if len(child.order) > 0 {
			break
		}
		path[i].detach(levels[i])
	}
}

// Clear empties the map and marks it dirty.
func (m *Map[K, V]) Clear() {
	m.root = &node[K]{}
	m.values = map[K]V{}
	m.dirty = true
}

// Len is the number of leaf entries.
func (m *Map[K, V]) Len() int { return len(m.values) }

// Dirty reports whether the map was mutated since the last ClearDirty.
func (m *Map[K, V]) Dirty() bool { return m.dirty }

func (m *Map[K, V]) ClearDirty() { m.dirty = false }
func (m *Map[K, V]) MarkDirty()  { m.dirty = true }

// All yields every (key, value) pair in structural order. Each call starts a
// fresh traversal.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		m.root.walk(func(k K) bool {
			return yield(k, m.values[k])
		})
	}
}

// Keys yields every key in structural order.
func (m *Map[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		m.root.walk(yield)
	}
}

// Values yields every value in structural order.
func (m *Map[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		m.root.walk(func(k K) bool {
			return yield(m.values[k])
		})
	}
}

func (m *Map[K, V]) attach(k K) {
	n := m.root
	for _, seg := range k.Levels() {
		c := n.children[seg]
		if c == nil {
			c = &node[K]{}
			if n.children == nil {
				n.children = map[any]*node[K]{}
			}
			n.children[seg] = c
			n.order = append(n.order, seg)
		}
		n = c
	}
	n.leaf = true
	n.key = k
}

func (n *node[K]) detach(seg any) {
	delete(n.children, seg)
	if i := slices.Index(n.order, seg); i >= 0 {
		n.order = slices.Delete(n.order, i, i+1)
	}
}

func (n *node[K]) walk(yield func(K) bool) bool {
	if n.leaf {
		return yield(n.key)
	}
	for _, seg := range n.order {
		if !n.children[seg].walk(yield) {
			return false
		}
	}
	return true
}
