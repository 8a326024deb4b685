// Package rset provides reproducible, deterministic-iteration containers.
//
// The original implementation (reproducible_hash_map.rs) wraps a seeded
// hasher (twox_hash) so that HashMap/HashSet iteration order is a pure
// function of the seed, never of the process's address-space layout. Go's
// map iteration order is intentionally randomized per-process and has no
// seeded-hasher escape hatch, so the same guarantee is reproduced here by a
// different mechanism: a map paired with an explicit insertion-ordered key
// slice. Iteration always walks the slice, so order depends only on
// insertion history, which is itself driven by deterministic simulation
// logic.
package rset

// Map is an insertion-ordered map keyed by any comparable type.
type Map[K comparable, V any] struct {
	values map[K]V
	order  []K
}

// NewMap creates an empty insertion-ordered map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{values: make(map[K]V)}
}

// Set inserts or updates the value for key, appending key to the
// iteration order only the first time it is seen.
func (m *Map[K, V]) Set(key K, value V) {
	if _, ok := m.values[key]; !ok {
		m.order = append(m.order, key)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it was present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Delete removes key, if present, from both the map and the iteration
// order.
func (m *Map[K, V]) Delete(key K) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	return len(m.order)
}

// Keys returns the keys in insertion order.
func (m *Map[K, V]) Keys() []K {
	out := make([]K, len(m.order))
	copy(out, m.order)
	return out
}

// Each calls fn for every entry in insertion order, stopping early if fn
// returns false.
func (m *Map[K, V]) Each(fn func(key K, value V) bool) {
	for _, k := range m.order {
		v := m.values[k]
		if !fn(k, v) {
			return
		}
	}
}

// RetainOrElse keeps only the entries for which keep returns true,
// invoking onRemove for every entry that is dropped. It is the Go analogue
// of the original's RetainOrElseHashMap trait (utils.rs): removal callbacks
// let callers run cleanup (releasing handles, logging) exactly once per
// discarded entry, in insertion order.
func (m *Map[K, V]) RetainOrElse(keep func(key K, value V) bool, onRemove func(key K, value V)) {
	var kept []K
	for _, k := range m.order {
		v := m.values[k]
		if keep(k, v) {
			kept = append(kept, k)
			continue
		}
		if onRemove != nil {
			onRemove(k, v)
		}
		delete(m.values, k)
	}
	m.order = kept
}

// Set is an insertion-ordered string set, built atop Map.
type Set struct {
	m *Map[string, struct{}]
}

// NewSet creates an empty insertion-ordered set.
func NewSet() *Set {
	return &Set{m: NewMap[string, struct{}]()}
}

// Add inserts key into the set.
func (s *Set) Add(key string) {
	s.m.Set(key, struct{}{})
}

// Contains reports whether key is in the set.
func (s *Set) Contains(key string) bool {
	_, ok := s.m.Get(key)
	return ok
}

// Remove deletes key from the set.
func (s *Set) Remove(key string) {
	s.m.Delete(key)
}

// Len returns the number of members.
func (s *Set) Len() int {
	return s.m.Len()
}

// Keys returns the members in insertion order.
func (s *Set) Keys() []string {
	return s.m.Keys()
}
