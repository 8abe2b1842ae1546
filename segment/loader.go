package segment

import "forkdb/kv"

// StatEntry is one (segment, observed_entries, unique_live_keys) tuple
// gathered during replay, newest-first, the input to the compaction
// planner's key-reuse-ratio selection.
type StatEntry struct {
	SegmentPath string
	Entries     int64
	LiveKeys    int64
}

// Visitor is implemented by PairLoader and consulted by Set.Load for every
// candidate record, newest segment/block/record first.
type Visitor interface {
	// Require reports whether a record for key in segment should still be
	// materialized: false once the key's fate (live or tombstoned) has
	// already been decided by a newer record.
	Require(segmentPath string, key kv.Key) bool
	// Load materializes one accepted record.
	Load(segmentPath string, method kv.Method, key kv.Key, value []byte)
}

// PairLoader is the replay visitor: it maintains live_map (keys whose
// newest record is Append), tombstones (keys whose newest record is
// Remove), and seen (every key already decided), plus optional per-segment
// statistics used to drive compaction.
//
// Because segments are replayed newest-first, a key's fate is fixed the
// first time it is observed — PairLoader never needs to hold the full
// history, only the running decision set.
type PairLoader struct {
	LiveMap    map[kv.Key]*kv.Value
	Tombstones map[kv.Key]struct{}
	seen       map[kv.Key]struct{}

	// origin records, for each live key, which segment path contributed
	// its winning Append record. Populated unconditionally (cheap) and
	// used by the compaction planner's collect step to decide which
	// records belong in a rewritten segment.
	origin map[kv.Key]string

	statisticsOn bool
	statistics   []StatEntry
	headSegment  string // the writable head; never gets statistics
}

// NewPairLoader constructs an empty PairLoader. headSegment is the path of
// the table's writable segment, which never receives statistics entries
// (per SPEC_FULL.md §4.2: "On the writable (head) segment no statistics
// are recorded").
func NewPairLoader(headSegment string) *PairLoader {
	return &PairLoader{
		LiveMap:     make(map[kv.Key]*kv.Value),
		Tombstones:  make(map[kv.Key]struct{}),
		seen:        make(map[kv.Key]struct{}),
		origin:      make(map[kv.Key]string),
		headSegment: headSegment,
	}
}

// Require implements Visitor. Statistics are updated here, before the
// seen/tombstone gate, because entries must count every record Load is
// ever offered for — including ones whose key was already decided by a
// newer record — matching the original's is_require accounting
// (log_file_db.rs) rather than only the records that go on to be
// materialized.
func (l *PairLoader) Require(segmentPath string, key kv.Key) bool {
	l.updateStatistics(segmentPath, key)

	if _, tomb := l.Tombstones[key]; tomb {
		return false
	}
	if _, seen := l.seen[key]; seen {
		return false
	}
	return true
}

// Load implements Visitor. Every accepted Append is recorded into LiveMap
// and attributed to its origin segment, regardless of whether this call is
// replaying the table's own segments or an ancestor's (the TableOpener
// distinguishes "already applied to the root" keys itself via the same
// running seen-set semantics Require already enforces — see
// registry.TableOpener.Open).
func (l *PairLoader) Load(segmentPath string, method kv.Method, key kv.Key, value []byte) {
	switch method {
	case kv.MethodAppend:
		l.LiveMap[key] = kv.NewValue(value)
		l.origin[key] = segmentPath
		l.seen[key] = struct{}{}
	case kv.MethodRemove:
		l.Tombstones[key] = struct{}{}
		l.seen[key] = struct{}{}
	}
}

// updateStatistics applies the §4.2 statistics update rules.
func (l *PairLoader) updateStatistics(segmentPath string, key kv.Key) {
	if segmentPath == l.headSegment {
		return
	}
	if !l.statisticsOn {
		l.statisticsOn = true
	}

	_, alreadySeen := l.seen[key]
	initial := int64(0)
	if !alreadySeen {
		initial = 1
	}

	if len(l.statistics) > 0 && l.statistics[len(l.statistics)-1].SegmentPath == segmentPath {
		head := &l.statistics[len(l.statistics)-1]
		head.Entries++
		if !alreadySeen {
			head.LiveKeys++
		}
		return
	}

	l.statistics = append(l.statistics, StatEntry{
		SegmentPath: segmentPath,
		Entries:     1,
		LiveKeys:    initial,
	})
}

// Statistics returns the newest-first per-segment statistics gathered
// during replay.
func (l *PairLoader) Statistics() []StatEntry {
	return l.statistics
}

// OriginOf returns the segment path that contributed key's current live
// value, and whether key is currently live at all.
func (l *PairLoader) OriginOf(key kv.Key) (string, bool) {
	if _, tomb := l.Tombstones[key]; tomb {
		return "", false
	}
	p, ok := l.origin[key]
	return p, ok
}
