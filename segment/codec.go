// Package segment implements LogSegmentSet: an append-only, segmented,
// per-table log on disk. Each segment file is a sequence of blocks; each
// block is a sequence of length-prefixed records terminated by a trailer
// holding a back-pointer to the block's own start offset plus a checksum
// of the block body, so a reader can locate block boundaries (and detect
// torn writes) by scanning the file tail backward without an index.
//
// Record encoding (bit-exact, per SPEC_FULL.md §4.1/§6):
//
//	method byte | varint(len(key)) | varint(len(value)) | key bytes | value bytes
//
// value length is 0 for a Remove record. Varints are standard unsigned
// LEB128, encoded with github.com/multiformats/go-varint (the same varint
// family erigon's KV layer uses). The checksum follows the teacher's own
// SHA-256-over-a-byte-buffer idiom (models/metadata.go's ComputeChecksum),
// generalized from a per-record checksum to a per-block one.
package segment

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	varint "github.com/multiformats/go-varint"

	"forkdb/kv"
)

// blockTrailerSize is the width of the trailer appended to every block: an
// 8-byte big-endian offset of the block's OWN start within the file,
// followed by a 32-byte SHA-256 checksum of the block body. A reader
// positioned at EOF reads this trailer to find where the last block
// begins and to validate it, then knows the next trailer to read ends
// exactly where this block started, letting it walk every block boundary
// backward without any separate index.
const (
	blockOffsetSize   = 8
	blockChecksumSize = sha256.Size
	blockTrailerSize  = blockOffsetSize + blockChecksumSize
)

// encodeRecord serializes one log record.
func encodeRecord(buf *bytes.Buffer, r kv.Record) {
	buf.WriteByte(byte(r.Method))
	buf.Write(varint.ToUvarint(uint64(len(r.Key))))
	buf.Write(varint.ToUvarint(uint64(len(r.Value))))
	buf.WriteString(string(r.Key))
	buf.Write(r.Value)
}

// decodeRecord reads one record starting at the front of b, returning the
// record and the number of bytes consumed.
func decodeRecord(b []byte) (kv.Record, int, error) {
	if len(b) < 1 {
		return kv.Record{}, 0, fmt.Errorf("segment: truncated record method byte")
	}
	method := kv.Method(b[0])
	off := 1

	keyLen, n, err := varint.FromUvarint(b[off:])
	if err != nil {
		return kv.Record{}, 0, fmt.Errorf("segment: bad key length varint: %w", err)
	}
	off += n

	valLen, n, err := varint.FromUvarint(b[off:])
	if err != nil {
		return kv.Record{}, 0, fmt.Errorf("segment: bad value length varint: %w", err)
	}
	off += n

	need := int(keyLen) + int(valLen)
	if len(b)-off < need {
		return kv.Record{}, 0, fmt.Errorf("segment: truncated record body")
	}

	key := kv.NewKey(b[off : off+int(keyLen)])
	off += int(keyLen)
	var val []byte
	if valLen > 0 {
		val = append([]byte(nil), b[off:off+int(valLen)]...)
	}
	off += int(valLen)

	return kv.Record{Method: method, Key: key, Value: val}, off, nil
}

// encodeBlock serializes a slice of records into one block: the records,
// back to back, followed by a trailer holding the block's own start offset
// within the file (blockStartOffset) and a SHA-256 checksum of the
// record bytes.
func encodeBlock(records []kv.Record, blockStartOffset int64) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		encodeRecord(&buf, r)
	}
	sum := sha256.Sum256(buf.Bytes())

	var trailer [blockTrailerSize]byte
	binary.BigEndian.PutUint64(trailer[:blockOffsetSize], uint64(blockStartOffset))
	copy(trailer[blockOffsetSize:], sum[:])
	buf.Write(trailer[:])
	return buf.Bytes()
}

// decodeBlockRecords parses every record out of a block's body (the bytes
// preceding its trailer), in the order they were written (oldest first).
func decodeBlockRecords(body []byte) ([]kv.Record, error) {
	var records []kv.Record
	for len(body) > 0 {
		rec, n, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		body = body[n:]
	}
	return records, nil
}

// readTrailerBlockStart decodes a block trailer's self-referential start
// offset.
func readTrailerBlockStart(trailer []byte) int64 {
	return int64(binary.BigEndian.Uint64(trailer[:blockOffsetSize]))
}

// readTrailerChecksum decodes a block trailer's body checksum.
func readTrailerChecksum(trailer []byte) [blockChecksumSize]byte {
	var sum [blockChecksumSize]byte
	copy(sum[:], trailer[blockOffsetSize:])
	return sum
}

// verifyBlockChecksum reports whether body's SHA-256 matches the trailer's
// recorded checksum, the corruption check ValidateMChecksum performed in
// the teacher's metadata format.
func verifyBlockChecksum(body []byte, trailer []byte) bool {
	got := sha256.Sum256(body)
	want := readTrailerChecksum(trailer)
	return got == want
}
