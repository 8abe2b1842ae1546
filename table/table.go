// Package table implements KVStore: one table's live view over a persistent
// ordered map plus its LogSegmentSet, and the prepare-set bookkeeping a
// txn.Transaction needs to validate and commit against it.
package table

import (
	"strings"
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"forkdb/kv"
	"forkdb/segment"
)

// keyComparer orders kv.Key by byte-lexicographic comparison, the ordering
// §3 requires and the one Go's built-in string comparison already gives
// (Key is defined as a string precisely so this is free).
type keyComparer struct{}

func (keyComparer) Compare(a, b kv.Key) int {
	return strings.Compare(string(a), string(b))
}

// Root is the persistent ordered map type every KVStore root, snapshot and
// working root share. Two Roots are the "same snapshot" exactly when they
// are pointer-identical (see Transaction.Prepare's ptr_eq check).
type Root = *immutable.SortedMap[kv.Key, *kv.Value]

// NewRoot returns an empty root with the table's key ordering.
func NewRoot() Root {
	return immutable.NewSortedMap[kv.Key, *kv.Value](keyComparer{})
}

// Journal records what a transaction read or wrote for one key.
type Journal map[kv.Key]JournalEntry

// JournalEntry is either a Read marker or a Write(value-or-nil) marker; a
// nil Value under IsWrite=true means a tombstone (delete).
type JournalEntry struct {
	IsWrite bool
	Value   *kv.Value
}

// KVStore is one table's live state: the current persistent root, the
// table's append-only log, and the set of journals belonging to
// transactions that have successfully prepared and are awaiting commit or
// rollback.
type KVStore struct {
	Name kv.TabName

	logger log.Logger

	mu         sync.Mutex
	root       Root
	log        *segment.Set
	prepareSet map[string]Journal // keyed by transaction GUID string
	statistics []segment.StatEntry
}

// New wraps an already-loaded root and log into a KVStore ready for use.
// TableOpener is responsible for producing root via replay before calling
// this.
func New(name kv.TabName, root Root, log_ *segment.Set, logger log.Logger) *KVStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &KVStore{
		Name:       name,
		logger:     logger,
		root:       root,
		log:        log_,
		prepareSet: make(map[string]Journal),
	}
}

// Root returns the table's current committed root, for building a new
// Transaction's snapshot.
func (t *KVStore) Root() Root {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Log returns the table's LogSegmentSet.
func (t *KVStore) Log() *segment.Set {
	return t.log
}

// Size returns the number of live keys.
func (t *KVStore) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.Len()
}

// SetStatistics installs the statistics gathered by the loader that built
// this table's root, or rebuilt them after a compaction rescan.
func (t *KVStore) SetStatistics(stats []segment.StatEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statistics = stats
}

// Statistics returns the current per-segment compaction statistics.
func (t *KVStore) Statistics() []segment.StatEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]segment.StatEntry, len(t.statistics))
	copy(out, t.statistics)
	return out
}

// Iter returns an Iterator over the table's current committed root. This
// is the §4.3 `iter` contract. It sees only committed data: a
// Transaction's uncommitted writes are not visible through it, and
// Transaction exposes no iterator over its working root.
func (t *KVStore) Iter(startKey *kv.Key, descending bool, filter Filter) *Iterator {
	return NewIterator(t.Root(), startKey, descending, filter)
}

// KeyIter returns a KeyIterator over the table's current committed root.
func (t *KVStore) KeyIter(startKey *kv.Key, descending bool, filter Filter) *KeyIterator {
	return NewKeyIterator(t.Root(), startKey, descending, filter)
}

// conflictCheck reports whether key conflicts with any currently prepared
// transaction's journal: a conflict exists if another prepared
// transaction wrote key and either side is a writer.
func (t *KVStore) conflictCheck(selfID string, writable bool, key kv.Key, entry JournalEntry) bool {
	for id, j := range t.prepareSet {
		if id == selfID {
			continue
		}
		other, ok := j[key]
		if !ok {
			continue
		}
		if other.IsWrite && (writable || entry.IsWrite) {
			return true
		}
	}
	return false
}

// TryPrepare runs the full §4.4 prepare algorithm under the table lock:
// per-key conflict check against prepareSet, then a root-movement check
// comparing pointer identity of journaled values against the current
// root, and on success installs journal into prepareSet[id]. Exported for
// txn.Transaction.Prepare; not meant for other callers.
func (t *KVStore) TryPrepare(id string, writable bool, snapshotRoot Root, journal Journal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range journal {
		if t.conflictCheck(id, writable, key, entry) {
			return &kv.ConflictError{Key: key}
		}
	}

	if t.root != snapshotRoot {
		for key := range journal {
			curVal, curOK := t.root.Get(key)
			snapVal, snapOK := snapshotRoot.Get(key)
			if curOK != snapOK || (curOK && !kv.SameValue(curVal, snapVal)) {
				return &kv.ConflictError{Key: key}
			}
		}
	}

	t.prepareSet[id] = journal
	level.Debug(t.logger).Log("msg", "prepared", "table", t.Name, "txn", id, "keys", len(journal))
	return nil
}

// CommitResult is what KVStore.Apply hands back to the caller: the new
// root it installed and the batched log records that still need
// appending and committing to the log.
type CommitResult struct {
	NewRoot Root
	Records []kv.Record
}

// Apply performs §4.4 commit steps 2-4 under the table lock: it is called
// only after the caller has already removed id from prepareSet via
// TakePrepared. Exported for txn.Transaction.Commit; not meant for other
// callers.
func (t *KVStore) Apply(snapshotRoot, workingRoot Root, journal Journal) (CommitResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var newRoot Root
	if t.root == snapshotRoot {
		newRoot = workingRoot
	} else {
		newRoot = t.root
		for key, entry := range journal {
			if entry.IsWrite {
				if entry.Value == nil {
					newRoot = newRoot.Delete(key)
				} else {
					newRoot = newRoot.Set(key, entry.Value)
				}
			}
		}
	}

	records := make([]kv.Record, 0, len(journal))
	for key, entry := range journal {
		if !entry.IsWrite {
			continue
		}
		if entry.Value == nil {
			records = append(records, kv.Record{Method: kv.MethodRemove, Key: key})
		} else {
			records = append(records, kv.Record{Method: kv.MethodAppend, Key: key, Value: entry.Value.Bytes()})
		}
	}

	t.root = newRoot
	return CommitResult{NewRoot: newRoot, Records: records}, nil
}

// TakePrepared removes and returns id's prepared journal, reporting
// whether it was present.
func (t *KVStore) TakePrepared(id string) (Journal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.prepareSet[id]
	if ok {
		delete(t.prepareSet, id)
	}
	return j, ok
}

// DropPrepared removes id's prepared journal if present, used by
// rollback.
func (t *KVStore) DropPrepared(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.prepareSet, id)
}
