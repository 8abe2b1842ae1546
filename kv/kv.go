// Package kv defines the opaque data types shared across the engine: keys,
// values, log records, table metadata, and the structured error taxonomy.
package kv

// Key is an opaque, immutable byte sequence. It is modeled as a Go string
// (which, unlike []byte, is itself immutable and directly comparable) so
// that it can be used as the key type of an immutable.SortedMap without any
// risk of a caller mutating a key already installed in a committed root.
// Go's string comparison is byte-lexicographic, matching the ordering the
// spec requires.
type Key string

// NewKey copies raw bytes into a Key, severing any aliasing with the
// caller's slice.
func NewKey(b []byte) Key {
	return Key(string(b))
}

// Bytes returns a fresh copy of the key's bytes.
func (k Key) Bytes() []byte {
	return []byte(k)
}

// Value is a reference to an immutable byte blob. It is always handled by
// pointer so that two reads of the same committed value are
// pointer-identical; the optimistic transaction's conflict check in
// txn.Transaction.Prepare relies on exactly this property instead of a byte
// comparison (see SPEC_FULL.md §9, "Pointer-identity value comparison").
type Value struct {
	data []byte
}

// NewValue copies raw bytes into a new, independently addressed Value.
func NewValue(b []byte) *Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Value{data: cp}
}

// Bytes returns the value's bytes. The returned slice must not be mutated
// by the caller: Values are shared by reference across snapshots.
func (v *Value) Bytes() []byte {
	if v == nil {
		return nil
	}
	return v.data
}

// SameValue reports whether a and b are the same shared Value instance
// (pointer identity), the equivalence relation the prepare-time conflict
// check uses.
func SameValue(a, b *Value) bool {
	return a == b
}

// Method distinguishes an Append record from a Remove (tombstone) record.
type Method uint8

const (
	// MethodAppend records a live key/value pair.
	MethodAppend Method = iota
	// MethodRemove records a tombstone for a key.
	MethodRemove
)

func (m Method) String() string {
	if m == MethodRemove {
		return "remove"
	}
	return "append"
}

// Record is one entry in a table's append-only log.
type Record struct {
	Method Method
	Key    Key
	Value  []byte // nil/empty for MethodRemove
}
