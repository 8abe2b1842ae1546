package kv

import (
	"fmt"

	varint "github.com/multiformats/go-varint"
)

// TabName is the opaque UTF-8 atom identifying a table.
type TabName string

// MetaInfo is the persisted record the meta-table keeps per table: its
// schema blob, its parent (if it was created by a fork) and the parent
// segment id that fork cut over at, and its reference count (the number of
// direct children still forked from it).
type MetaInfo struct {
	TabName          TabName
	Schema           []byte
	HasParent        bool
	Parent           TabName
	ParentSegmentID  uint64
	RefCount         uint64
}

// Encode serializes a MetaInfo to bytes for storage as a meta-table value.
// Layout: varint(len(schema)) schema
//
//	1 byte has_parent
//	if has_parent: varint(len(parent)) parent varint(parent_segment_id)
//	varint(ref_count)
func (m *MetaInfo) Encode() []byte {
	buf := make([]byte, 0, 64+len(m.Schema))
	buf = appendVarBytes(buf, m.Schema)

	if m.HasParent {
		buf = append(buf, 1)
		buf = appendVarBytes(buf, []byte(m.Parent))
		buf = append(buf, varint.ToUvarint(m.ParentSegmentID)...)
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, varint.ToUvarint(m.RefCount)...)
	return buf
}

func appendVarBytes(buf []byte, b []byte) []byte {
	buf = append(buf, varint.ToUvarint(uint64(len(b)))...)
	buf = append(buf, b...)
	return buf
}

// DecodeMetaInfo parses bytes produced by MetaInfo.Encode.
func DecodeMetaInfo(tab TabName, data []byte) (*MetaInfo, error) {
	m := &MetaInfo{TabName: tab}
	rest := data

	schema, rest, err := readVarBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("kv: decode meta schema: %w", err)
	}
	m.Schema = schema

	if len(rest) == 0 {
		return nil, fmt.Errorf("kv: decode meta: truncated has_parent flag")
	}
	hasParent := rest[0] != 0
	rest = rest[1:]
	m.HasParent = hasParent

	if hasParent {
		parent, r2, err := readVarBytes(rest)
		if err != nil {
			return nil, fmt.Errorf("kv: decode meta parent: %w", err)
		}
		m.Parent = TabName(parent)
		rest = r2

		segID, n, err := varint.FromUvarint(rest)
		if err != nil {
			return nil, fmt.Errorf("kv: decode meta parent_segment_id: %w", err)
		}
		m.ParentSegmentID = segID
		rest = rest[n:]
	}

	refCount, n, err := varint.FromUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("kv: decode meta ref_count: %w", err)
	}
	m.RefCount = refCount
	rest = rest[n:]
	if len(rest) != 0 {
		return nil, fmt.Errorf("kv: decode meta: %d trailing bytes", len(rest))
	}

	return m, nil
}

func readVarBytes(b []byte) (value []byte, rest []byte, err error) {
	n, sz, err := varint.FromUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	b = b[sz:]
	if uint64(len(b)) < n {
		return nil, nil, fmt.Errorf("kv: truncated var-length field: want %d, have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}
