// Package kv provides the immutable copy-on-write table that aggregate
// snapshots in this module are built from.
package kv

// Table is a persistent associative container over unique keys. Every
// mutating operation returns a new Table and leaves the receiver untouched,
// so a snapshot composed of several tables can be replaced atomically as a
// single value: a half-applied transition is impossible to observe.
//
// The zero Table is empty and ready to use.
type Table[K comparable, V any] struct {
	m map[K]V
}

// Entry pairs a key with its value.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// New returns an empty table.
func New[K comparable, V any]() Table[K, V] {
	return Table[K, V]{}
}

// Find returns the value stored at k.
func (t Table[K, V]) Find(k K) (V, bool) {
	v, ok := t.m[k]
	return v, ok
}

// Contains reports whether k is present.
func (t Table[K, V]) Contains(k K) bool {
	_, ok := t.m[k]
	return ok
}

// Size returns the number of entries.
func (t Table[K, V]) Size() int {
	return len(t.m)
}

// UpsertAt inserts or replaces the value at k.
func (t Table[K, V]) UpsertAt(k K, v V) Table[K, V] {
	next := t.clone(1)
	next.m[k] = v
	return next
}

// DeleteAt removes k. Deleting an absent key returns the table unchanged.
func (t Table[K, V]) DeleteAt(k K) Table[K, V] {
	if _, ok := t.m[k]; !ok {
		return t
	}
	next := t.clone(0)
	delete(next.m, k)
	return next
}

// DeleteMany removes every key in keys in one copy.
func (t Table[K, V]) DeleteMany(keys []K) Table[K, V] {
	if len(keys) == 0 {
		return t
	}
	next := t.clone(0)
	for _, k := range keys {
		delete(next.m, k)
	}
	return next
}

// FilterValues returns the values matching pred. Order is unspecified.
func (t Table[K, V]) FilterValues(pred func(V) bool) []V {
	var out []V
	for _, v := range t.m {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// FilterEntries returns the entries matching pred. Order is unspecified.
func (t Table[K, V]) FilterEntries(pred func(K, V) bool) []Entry[K, V] {
	var out []Entry[K, V]
	for k, v := range t.m {
		if pred(k, v) {
			out = append(out, Entry[K, V]{Key: k, Value: v})
		}
	}
	return out
}

// ModifyAt applies f to the value at k when present. The boolean reports
// presence; when false the returned table is t unchanged and the caller
// supplies its own error.
func ModifyAt[K comparable, V any](t Table[K, V], k K, f func(V) V) (Table[K, V], bool) {
	v, ok := t.m[k]
	if !ok {
		return t, false
	}
	return t.UpsertAt(k, f(v)), true
}

func (t Table[K, V]) clone(extra int) Table[K, V] {
	m := make(map[K]V, len(t.m)+extra)
	for k, v := range t.m {
		m[k] = v
	}
	return Table[K, V]{m: m}
}
