package segment

import (
	"fmt"
	"io"
	"os"

	"forkdb/kv"
)

// Load walks every segment in s, newest to oldest, and within each segment
// every block, newest to oldest, offering each record to visitor in that
// order. If cutoffSegmentID is non-nil, segments with an index greater
// than *cutoffSegmentID are skipped entirely (used when loading a parent
// table's segments up to a fork's cutoff).
func (s *Set) Load(visitor Visitor, cutoffSegmentID *uint64) error {
	indices, err := s.listIndices()
	if err != nil {
		return err
	}

	for i := len(indices) - 1; i >= 0; i-- {
		idx := indices[i]
		if cutoffSegmentID != nil && idx > *cutoffSegmentID {
			continue
		}
		if err := s.loadSegment(s.path(idx), visitor); err != nil {
			return err
		}
	}
	return nil
}

// loadSegment replays one segment file's blocks from the tail backward.
func (s *Set) loadSegment(path string, visitor Visitor) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kv.WrapIO("segment.loadSegment open", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return kv.WrapIO("segment.loadSegment stat", err)
	}
	end := info.Size()

	for end > 0 {
		if end < blockTrailerSize {
			return fmt.Errorf("segment: %s truncated at offset %d", path, end)
		}
		trailer := make([]byte, blockTrailerSize)
		if _, err := f.ReadAt(trailer, end-blockTrailerSize); err != nil && err != io.EOF {
			return kv.WrapIO("segment.loadSegment read trailer", err)
		}
		blockStart := readTrailerBlockStart(trailer)
		if blockStart < 0 || blockStart > end-blockTrailerSize {
			return fmt.Errorf("segment: %s corrupt trailer at offset %d", path, end-blockTrailerSize)
		}

		bodyLen := (end - blockTrailerSize) - blockStart
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := f.ReadAt(body, blockStart); err != nil && err != io.EOF {
				return kv.WrapIO("segment.loadSegment read body", err)
			}
		}

		if !verifyBlockChecksum(body, trailer) {
			return fmt.Errorf("segment: %s block at %d: %w", path, blockStart, kv.ErrChecksumMismatch)
		}

		records, err := decodeBlockRecords(body)
		if err != nil {
			return fmt.Errorf("segment: %s block at %d: %w", path, blockStart, err)
		}

		// Within a block, records written later are "newer" for the
		// purposes of first-observation-wins dedup: walk them back to
		// front.
		for i := len(records) - 1; i >= 0; i-- {
			r := records[i]
			if visitor.Require(path, r.Key) {
				visitor.Load(path, r.Method, r.Key, r.Value)
			}
		}

		end = blockStart
	}
	return nil
}
