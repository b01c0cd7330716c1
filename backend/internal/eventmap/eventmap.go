// Package eventmap implements a key-addressed container whose iteration order is
// defined by an injected comparator. It backs feed working sets.
//
// Both indexes are copy-on-write B-trees, so Copy is O(1) and later writes to either
// copy only clone the nodes they touch. Positional access (Nth) is O(log n) thanks to
// the counted nodes of tidwall/btree.
package eventmap

import (
	"cmp"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/btree"
)

// Entry is a key/value pair held by a Map
type Entry[K cmp.Ordered, V any] struct {
	Key   K
	Value V
}

// Compare orders two entries. Ties are broken by key, so a comparator that returns 0
// for distinct keys still yields a total order.
type Compare[K cmp.Ordered, V any] func(a, b Entry[K, V]) int

// Map is an ordered associative container. Not safe for concurrent mutation; the
// owner (one feed pipeline at a time) serializes access.
type Map[K cmp.Ordered, V any] struct {
	compare Compare[K, V]
	byKey   *btree.BTreeG[Entry[K, V]]
	ordered *btree.BTreeG[Entry[K, V]]
}

// New creates an empty map ordered by compare. A nil compare orders by key.
func New[K cmp.Ordered, V any](compare Compare[K, V]) *Map[K, V] {
	m := &Map[K, V]{compare: compare}
	m.byKey = btree.NewBTreeGOptions(func(a, b Entry[K, V]) bool {
		return cmp.Less(a.Key, b.Key)
	}, btree.Options{NoLocks: true})
	m.ordered = btree.NewBTreeGOptions(m.less, btree.Options{NoLocks: true})
	return m
}

// From creates a map ordered by compare holding the entries of src. When compare is
// nil the source comparator is kept and the trees are shared copy-on-write.
func From[K cmp.Ordered, V any](src *Map[K, V], compare Compare[K, V]) *Map[K, V] {
	if compare == nil {
		return src.Copy()
	}
	m := New(compare)
	src.Scan(func(key K, value V) bool {
		m.Set(key, value)
		return true
	})
	return m
}

func (m *Map[K, V]) less(a, b Entry[K, V]) bool {
	if m.compare != nil {
		if c := m.compare(a, b); c != 0 {
			return c < 0
		}
	}
	return cmp.Less(a.Key, b.Key)
}

// Set inserts value under key. Existing entries are left untouched; it returns false
// when key was already present.
func (m *Map[K, V]) Set(key K, value V) bool {
	if m.Has(key) {
		return false
	}
	e := Entry[K, V]{Key: key, Value: value}
	m.byKey.Set(e)
	m.ordered.Set(e)
	return true
}

// Overwrite stores value under key, replacing any existing entry
func (m *Map[K, V]) Overwrite(key K, value V) {
	m.Delete(key)
	e := Entry[K, V]{Key: key, Value: value}
	m.byKey.Set(e)
	m.ordered.Set(e)
}

// Get returns the value stored under key
func (m *Map[K, V]) Get(key K) (V, bool) {
	e, ok := m.byKey.Get(Entry[K, V]{Key: key})
	return e.Value, ok
}

// Has reports whether key is present
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.byKey.Get(Entry[K, V]{Key: key})
	return ok
}

// Delete removes key, returning whether it was present
func (m *Map[K, V]) Delete(key K) bool {
	e, ok := m.byKey.Delete(Entry[K, V]{Key: key})
	if !ok {
		return false
	}
	// The ordered index is keyed by the stored value, so delete with the full entry
	m.ordered.Delete(e)
	return true
}

// Nth returns the entry at position i in comparator order
func (m *Map[K, V]) Nth(i int) (Entry[K, V], bool) {
	if i < 0 {
		return Entry[K, V]{}, false
	}
	return m.ordered.GetAt(i)
}

// Len returns the number of entries
func (m *Map[K, V]) Len() int {
	return m.ordered.Len()
}

// Scan iterates in comparator order until fn returns false
func (m *Map[K, V]) Scan(fn func(key K, value V) bool) {
	m.ordered.Scan(func(e Entry[K, V]) bool {
		return fn(e.Key, e.Value)
	})
}

// Entries returns all entries in comparator order
func (m *Map[K, V]) Entries() []Entry[K, V] {
	return m.ordered.Items()
}

// Values returns all values in comparator order
func (m *Map[K, V]) Values() []V {
	values := make([]V, 0, m.Len())
	m.Scan(func(_ K, value V) bool {
		values = append(values, value)
		return true
	})
	return values
}

// Copy returns an independent map sharing structure with m until either is written
func (m *Map[K, V]) Copy() *Map[K, V] {
	return &Map[K, V]{
		compare: m.compare,
		byKey:   m.byKey.Copy(),
		ordered: m.ordered.Copy(),
	}
}

// Events is the working-set type used by feeds
type Events = Map[string, *nostr.Event]

// NewestFirst orders events by descending creation time
func NewestFirst(a, b Entry[string, *nostr.Event]) int {
	return cmp.Compare(b.Value.CreatedAt, a.Value.CreatedAt)
}

// OldestFirst orders events by ascending creation time
func OldestFirst(a, b Entry[string, *nostr.Event]) int {
	return cmp.Compare(a.Value.CreatedAt, b.Value.CreatedAt)
}

// NewEvents creates an empty event map, newest first unless compare is given
func NewEvents(compare Compare[string, *nostr.Event]) *Events {
	if compare == nil {
		compare = NewestFirst
	}
	return New(compare)
}
