// Package txn implements Transaction: a per-table, snapshot-isolated,
// optimistic-concurrency transaction over a table.KVStore.
package txn

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"forkdb/kv"
	"forkdb/segment"
	"forkdb/table"
)

// State is one point in the transaction state machine described in
// SPEC_FULL.md §3: Active -> Preparing -> {PreparedOk, PreparedFail} ->
// {Committing -> {Committed, CommitFailed}} | {Rollbacking ->
// {Rollbacked, RollbackFailed}}.
type State int

const (
	Active State = iota
	Preparing
	PreparedOk
	PreparedFail
	Committing
	Committed
	CommitFailed
	Rollbacking
	Rollbacked
	RollbackFailed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Preparing:
		return "preparing"
	case PreparedOk:
		return "prepared_ok"
	case PreparedFail:
		return "prepared_fail"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case CommitFailed:
		return "commit_failed"
	case Rollbacking:
		return "rollbacking"
	case Rollbacked:
		return "rollbacked"
	case RollbackFailed:
		return "rollback_failed"
	default:
		return "unknown"
	}
}

// Transaction is a snapshot-isolated view of one table.KVStore with a
// buffered read/write journal and optimistic two-phase validation.
type Transaction struct {
	ID       string
	Writable bool

	tab    *table.KVStore
	logger log.Logger

	snapshotRoot table.Root
	workingRoot  table.Root
	journal      table.Journal

	state State
}

// New begins a transaction against tab. id, if empty, is generated with
// google/uuid; callers that need externally-correlated transaction ids
// (tests, the Snapshot facade) may supply their own.
func New(id string, writable bool, tab *table.KVStore, logger log.Logger) *Transaction {
	if id == "" {
		id = uuid.New().String()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	root := tab.Root()
	return &Transaction{
		ID:           id,
		Writable:     writable,
		tab:          tab,
		logger:       logger,
		snapshotRoot: root,
		workingRoot:  root,
		journal:      make(table.Journal),
		state:        Active,
	}
}

// State returns the transaction's current state.
func (t *Transaction) State() State { return t.state }

func (t *Transaction) requireActive() error {
	if t.state != Active {
		return fmt.Errorf("forkdb: transaction %s not active (state=%s)", t.ID, t.state)
	}
	return nil
}

// Get looks up key: first the journal (so a transaction sees its own
// writes), then the working root. A read of a key not already journaled
// is recorded as a Read marker in a writable transaction so later
// prepare() can detect that the underlying value moved.
func (t *Transaction) Get(key kv.Key) (*kv.Value, error) {
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	if entry, ok := t.journal[key]; ok {
		if entry.IsWrite {
			return entry.Value, nil
		}
	}
	val, ok := t.workingRoot.Get(key)
	if t.Writable {
		if _, already := t.journal[key]; !already {
			t.journal[key] = table.JournalEntry{IsWrite: false}
		}
	}
	if !ok {
		return nil, nil
	}
	return val, nil
}

// Upsert writes key=value into the working root and journals a Write.
func (t *Transaction) Upsert(key kv.Key, value []byte) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	v := kv.NewValue(value)
	t.workingRoot = t.workingRoot.Set(key, v)
	t.journal[key] = table.JournalEntry{IsWrite: true, Value: v}
	return nil
}

// Delete removes key from the working root and journals a tombstone
// Write.
func (t *Transaction) Delete(key kv.Key) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	t.workingRoot = t.workingRoot.Delete(key)
	t.journal[key] = table.JournalEntry{IsWrite: true, Value: nil}
	return nil
}

// Prepare validates the transaction's journal against the table's
// prepare_set and current root, bounded by ctx. On success the
// transaction moves to PreparedOk and its journal is installed in the
// table's prepare_set; on conflict it moves to PreparedFail and the
// returned error satisfies errors.Is(err, kv.ErrPrepareConflict).
func (t *Transaction) Prepare(ctx context.Context) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	t.state = Preparing

	done := make(chan error, 1)
	go func() {
		done <- t.tab.TryPrepare(t.ID, t.Writable, t.snapshotRoot, t.journal)
	}()

	select {
	case <-ctx.Done():
		t.state = PreparedFail
		level.Warn(t.logger).Log("msg", "prepare timed out", "txn", t.ID)
		return ctx.Err()
	case err := <-done:
		if err != nil {
			t.state = PreparedFail
			return err
		}
		t.state = PreparedOk
		return nil
	}
}

// Commit finalizes a prepared transaction: it folds the journal into the
// table's root, appends the corresponding log records, and awaits their
// durability. Calling Commit without a successful Prepare returns
// kv.ErrPrepareMissing.
func (t *Transaction) Commit() error {
	if t.state != PreparedOk {
		return kv.ErrPrepareMissing
	}
	t.state = Committing

	journal, ok := t.tab.TakePrepared(t.ID)
	if !ok {
		t.state = CommitFailed
		return kv.ErrPrepareMissing
	}

	result, err := t.tab.Apply(t.snapshotRoot, t.workingRoot, journal)
	if err != nil {
		t.state = CommitFailed
		return err
	}

	log_ := t.tab.Log()
	lastID := segment.RecordID(-1)
	haveRecords := false
	for _, rec := range result.Records {
		lastID = log_.Append(rec.Method, rec.Key, rec.Value)
		haveRecords = true
	}
	if haveRecords {
		if err := log_.Commit(lastID, true); err != nil {
			t.state = CommitFailed
			level.Error(t.logger).Log("msg", "commit durability failed", "txn", t.ID, "err", err)
			return err
		}
	}

	t.state = Committed
	level.Info(t.logger).Log("msg", "committed", "txn", t.ID, "records", len(result.Records))
	return nil
}

// Rollback discards the transaction's journal and working root, removing
// any prepared journal installed in the table's prepare_set.
func (t *Transaction) Rollback() error {
	if t.state != Active && t.state != PreparedOk && t.state != PreparedFail {
		return fmt.Errorf("forkdb: transaction %s cannot roll back from state %s", t.ID, t.state)
	}
	t.state = Rollbacking
	t.tab.DropPrepared(t.ID)
	t.journal = nil
	t.workingRoot = t.snapshotRoot
	t.state = Rollbacked
	return nil
}
