package table

import "forkdb/kv"

// Filter reports whether a (key, value) pair should be yielded by an
// Iterator or KeyIterator.
type Filter func(key kv.Key, value *kv.Value) bool

// Iterator is a safe, owned cursor over a Root snapshot: a lazy, finite,
// non-restartable sequence of (key, value) pairs in ascending or
// descending key order. Unlike the source's boxed-cursor-behind-a-raw-
// pointer design, the underlying *immutable.SortedMapIterator is just a
// struct field with the same lifetime as Iterator itself (see
// SPEC_FULL.md §9, "Self-referential handles via raw integer casts").
type Iterator struct {
	it         *mapIterator
	descending bool
	filter     Filter
}

// mapIterator is the minimal surface of *immutable.SortedMapIterator[Key,
// *Value] Iterator needs, so this file only depends on the method shapes
// rather than the generic type directly.
type mapIterator struct {
	next func() (kv.Key, *kv.Value, bool)
	prev func() (kv.Key, *kv.Value, bool)
}

// NewIterator builds an Iterator rooted at root, optionally seeked to
// startKey (nil means the natural start/end for the requested direction),
// walking in ascending order unless descending is true, and skipping any
// pair for which filter returns false (a nil filter accepts everything).
func NewIterator(root Root, startKey *kv.Key, descending bool, filter Filter) *Iterator {
	raw := root.Iterator()
	if startKey != nil {
		raw.Seek(*startKey)
	} else if descending {
		raw.Last()
	} else {
		raw.First()
	}

	return &Iterator{
		it: &mapIterator{
			next: raw.Next,
			prev: raw.Prev,
		},
		descending: descending,
		filter:     filter,
	}
}

// Next advances the iterator and returns the next accepted pair. ok is
// false once the sequence is exhausted.
func (it *Iterator) Next() (key kv.Key, value *kv.Value, ok bool) {
	for {
		var k kv.Key
		var v *kv.Value
		var more bool
		if it.descending {
			k, v, more = it.it.prev()
		} else {
			k, v, more = it.it.next()
		}
		if !more {
			return "", nil, false
		}
		if it.filter == nil || it.filter(k, v) {
			return k, v, true
		}
	}
}

// KeyIterator adapts an Iterator to yield only keys, the §4.3 key_iter
// contract.
type KeyIterator struct {
	inner *Iterator
}

// NewKeyIterator builds a KeyIterator with the same semantics as
// NewIterator.
func NewKeyIterator(root Root, startKey *kv.Key, descending bool, filter Filter) *KeyIterator {
	return &KeyIterator{inner: NewIterator(root, startKey, descending, filter)}
}

// Next returns the next accepted key.
func (it *KeyIterator) Next() (key kv.Key, ok bool) {
	k, _, ok := it.inner.Next()
	return k, ok
}

// Index is a named placeholder for the source's secondary-index iterator,
// intentionally unimplemented (see SPEC_FULL.md §9).
func (t *KVStore) Index(name string) (*Iterator, error) {
	return nil, kv.ErrNotImplemented
}
