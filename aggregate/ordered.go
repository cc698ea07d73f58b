package aggregate

// orderedMap is a keyed collection that remembers first-insertion order.
type orderedMap[K comparable, V any] struct {
	index map[K]int
	keys  []K
	vals  []V
}

func newOrderedMap[K comparable, V any](capacity int) *orderedMap[K, V] {
	return &orderedMap[K, V]{
		index: make(map[K]int, capacity),
		keys:  make([]K, 0, capacity),
		vals:  make([]V, 0, capacity),
	}
}

// get returns a pointer to the stored value so callers can update it in place.
func (m *orderedMap[K, V]) get(k K) (*V, bool) {
	i, ok := m.index[k]
	if !ok {
		return nil, false
	}
	return &m.vals[i], true
}

// setDefault inserts v under k unless k is present. It reports whether k was inserted.
func (m *orderedMap[K, V]) setDefault(k K, v V) bool {
	if _, ok := m.index[k]; ok {
		return false
	}
	m.index[k] = len(m.keys)
	m.keys = append(m.keys, k)
	m.vals = append(m.vals, v)
	return true
}

// values returns the values in insertion order.
func (m *orderedMap[K, V]) values() []V {
	out := make([]V, len(m.vals))
	copy(out, m.vals)
	return out
}
