package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"forkdb/kv"
)

// segmentFilePattern matches a six-digit, zero-padded segment file name.
var segmentFilePattern = regexp.MustCompile(`^\d{6}$`)

// RecordID identifies a buffered-but-not-yet-durable append within one
// Set's current pending block.
type RecordID int

// Set is a table's LogSegmentSet: an ordered list of segment files under
// one directory, with a single writable head and zero or more read-only
// cold segments. It corresponds to vi88i-kvstash's LogWriter/reader pair
// (store/writer.go, store/reader.go), generalized from one fixed
// "active.log" file to the spec's many-segment, fork-aware layout.
type Set struct {
	dir    string
	logger log.Logger
	metrics *metrics

	mu         sync.Mutex
	head       *os.File
	headIndex  uint64
	pending    []kv.Record
	tailOffset int64 // offset the head file currently ends at (committed bytes)
}

// Open opens (creating if necessary) the LogSegmentSet rooted at dir. If
// the directory is empty a fresh segment 000000 is created as the head.
func Open(dir string, logger log.Logger, reg metricsRegisterer) (*Set, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, kv.WrapIO("segment.Open mkdir", err)
	}

	s := &Set{
		dir:     dir,
		logger:  logger,
		metrics: newMetrics(reg, filepath.Base(dir)),
	}

	indices, err := s.listIndices()
	if err != nil {
		return nil, err
	}

	var headIdx uint64
	if len(indices) > 0 {
		headIdx = indices[len(indices)-1]
	}

	f, err := os.OpenFile(s.path(headIdx), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, kv.WrapIO("segment.Open head", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kv.WrapIO("segment.Open stat", err)
	}

	s.head = f
	s.headIndex = headIdx
	s.tailOffset = info.Size()
	return s, nil
}

func (s *Set) path(idx uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%0*d", 6, idx))
}

func (s *Set) listIndices() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, kv.WrapIO("segment.listIndices readdir", err)
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() || !segmentFilePattern.MatchString(e.Name()) {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ListSegments returns every segment file path, ordered oldest to newest.
func (s *Set) ListSegments() ([]string, error) {
	indices, err := s.listIndices()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(indices))
	for _, idx := range indices {
		out = append(out, s.path(idx))
	}
	return out, nil
}

// HeadIndex returns the index of the current writable segment.
func (s *Set) HeadIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headIndex
}

// HeadSegmentPath returns the file path of the current writable segment,
// the value a PairLoader needs so it can skip gathering statistics on
// it (see SPEC_FULL.md §4.2).
func (s *Set) HeadSegmentPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path(s.headIndex)
}

// Append buffers a record in the current pending block and returns a
// RecordID identifying it. The record is not durable until a Commit call
// covering this RecordID returns.
func (s *Set) Append(method kv.Method, key kv.Key, value []byte) RecordID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, kv.Record{Method: method, Key: key, Value: value})
	return RecordID(len(s.pending) - 1)
}

// Commit durably persists every record buffered up to and including id. If
// flush is true the write is fsync'd before Commit returns.
func (s *Set) Commit(id RecordID, flush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(id, flush)
}

func (s *Set) commitLocked(id RecordID, flush bool) error {
	if int(id) >= len(s.pending) || len(s.pending) == 0 {
		return nil
	}
	batch := s.pending[:id+1]
	block := encodeBlock(batch, s.tailOffset)

	n, err := s.head.WriteAt(block, s.tailOffset)
	if err != nil {
		return kv.WrapIO("segment.Commit write", err)
	}
	if flush {
		if err := s.head.Sync(); err != nil {
			return kv.WrapIO("segment.Commit sync", err)
		}
	}
	s.tailOffset += int64(n)
	s.pending = s.pending[id+1:]
	s.metrics.appends.Add(float64(len(batch)))
	s.metrics.bytesWritten.Add(float64(n))
	level.Debug(s.logger).Log("msg", "segment commit", "dir", s.dir, "segment", s.headIndex, "records", len(batch), "bytes", n)
	return nil
}

// Split seals the current writable head and opens a fresh one, returning
// the index of the segment that was just closed.
func (s *Set) Split() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		if err := s.commitLocked(RecordID(len(s.pending)-1), true); err != nil {
			return 0, err
		}
	}

	closed := s.headIndex
	if err := s.head.Close(); err != nil {
		return 0, kv.WrapIO("segment.Split close", err)
	}

	newIdx := closed + 1
	f, err := os.OpenFile(s.path(newIdx), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, kv.WrapIO("segment.Split create", err)
	}
	s.head = f
	s.headIndex = newIdx
	s.tailOffset = 0
	s.metrics.segmentRotations.Inc()
	level.Info(s.logger).Log("msg", "segment split", "dir", s.dir, "closed", closed, "new_head", newIdx)
	return closed, nil
}

// SizeBytes returns the current writable head's size on disk.
func (s *Set) SizeBytes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.head.Stat()
	if err != nil {
		return 0, kv.WrapIO("segment.SizeBytes stat", err)
	}
	return info.Size(), nil
}

// Close releases the writable head's file handle.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == nil {
		return nil
	}
	err := s.head.Close()
	s.head = nil
	return kv.WrapIO("segment.Close", err)
}
