package forkdb

import (
	"context"

	"forkdb/config"
	"forkdb/kv"
	"forkdb/txn"
)

// Snapshot is the registry-facing view of a Db: table listing, metadata
// alteration, forking, and transaction begin.
type Snapshot struct {
	db *Db
}

// List returns every registered table name. The meta-table has no entry
// of its own in tabs_meta, so it is not listed.
func (s *Snapshot) List() ([]kv.TabName, error) {
	return s.db.registry.List()
}

// TabInfo returns tab's current TableMetaInfo.
func (s *Snapshot) TabInfo(tab kv.TabName) (*kv.MetaInfo, error) {
	return s.db.registry.Get(tab)
}

// Alter creates tab with the given schema (schema != nil) or drops it
// (schema == nil). Create fails with DuplicateTableError if tab already
// exists; drop fails with TableInUseError if ref_count > 0.
func (s *Snapshot) Alter(tab kv.TabName, schema []byte) error {
	if schema == nil {
		return s.db.registry.Drop(tab)
	}
	return s.db.registry.Create(tab, schema)
}

// Fork derives child from parent as a copy-on-write table at parent's
// current log tail (SPEC_FULL.md §4.5/§4.6).
func (s *Snapshot) Fork(parent, child kv.TabName, schema []byte) error {
	parentStore, err := s.db.Open(parent)
	if err != nil {
		return err
	}
	if err := s.db.registry.Fork(parent, child, schema, parentStore.Log()); err != nil {
		return err
	}
	return nil
}

// Begin opens tab (if not already open) and starts a transaction against
// it with the given id and writability.
func (s *Snapshot) Begin(tab kv.TabName, id string, writable bool) (*txn.Transaction, error) {
	t, err := s.db.Open(tab)
	if err != nil {
		return nil, err
	}
	return txn.New(id, writable, t, s.db.logger), nil
}

// MetaTxn begins a transaction directly against the meta-table, for
// callers that need to read or write TableMetaInfo records outside the
// Alter/Fork conveniences.
func (s *Snapshot) MetaTxn(id string) (*txn.Transaction, error) {
	meta, err := s.db.Open(kv.TabName(config.MetaTableName))
	if err != nil {
		return nil, err
	}
	return txn.New(id, true, meta, s.db.logger), nil
}

// Prepare, Commit and Rollback forward to t's own state machine; they
// exist on Snapshot so callers driving meta changes through MetaTxn have
// a single facade for the whole transaction lifecycle.
func (s *Snapshot) Prepare(ctx context.Context, t *txn.Transaction) error { return t.Prepare(ctx) }
func (s *Snapshot) Commit(t *txn.Transaction) error                      { return t.Commit() }
func (s *Snapshot) Rollback(t *txn.Transaction) error                    { return t.Rollback() }
