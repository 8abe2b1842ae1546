// Package registry implements ForkRegistry, the process-wide meta-table
// that records every table's schema, parentage and reference count, and
// TableOpener, which resolves a table name into a live table.KVStore by
// walking the fork chain and replaying segments.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"

	"forkdb/kv"
	"forkdb/segment"
	"forkdb/table"
	"forkdb/txn"
)

// metaCacheSize bounds the number of decoded TableMetaInfo entries kept
// in memory, so walking a deep fork chain on every TableOpener.Open does
// not re-read and re-decode the meta-table's persistent map on every hop.
const metaCacheSize = 4096

// ForkRegistry is a process-wide singleton backed by a KVStore named
// config.MetaTableName (see SPEC_FULL.md §4.5, §9 "Meta-table as a
// self-hosted table"). There is exactly one cached instance per Db,
// shared by the load path (TableOpener) and the write path
// (Create/Drop/Fork) alike, resolving the "two independently constructed
// stores over the same meta path" ambiguity noted in §9.
type ForkRegistry struct {
	meta   *table.KVStore
	logger log.Logger

	mu    sync.Mutex
	cache *lru.Cache[kv.TabName, *kv.MetaInfo]
}

// NewForkRegistry wraps an already-opened tabs_meta KVStore.
func NewForkRegistry(meta *table.KVStore, logger log.Logger) (*ForkRegistry, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cache, err := lru.New[kv.TabName, *kv.MetaInfo](metaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("registry: build meta cache: %w", err)
	}
	return &ForkRegistry{meta: meta, logger: logger, cache: cache}, nil
}

// Get resolves name's current TableMetaInfo, consulting the cache first.
func (r *ForkRegistry) Get(name kv.TabName) (*kv.MetaInfo, error) {
	r.mu.Lock()
	if m, ok := r.cache.Get(name); ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	val, ok := r.meta.Root().Get(kv.Key(name))
	if !ok {
		return nil, &kv.TableNotFoundError{Name: string(name)}
	}
	m, err := kv.DecodeMetaInfo(name, val.Bytes())
	if err != nil {
		return nil, fmt.Errorf("registry: decode meta for %s: %w", name, err)
	}

	r.mu.Lock()
	r.cache.Add(name, m)
	r.mu.Unlock()
	return m, nil
}

// putMeta writes m into the meta-table through an ordinary transaction,
// the same path any other table write takes, and refreshes the cache.
func (r *ForkRegistry) putMeta(m *kv.MetaInfo) error {
	t := txn.New("", true, r.meta, r.logger)
	if err := t.Upsert(kv.Key(m.TabName), m.Encode()); err != nil {
		return err
	}
	if err := t.Prepare(context.Background()); err != nil {
		return err
	}
	if err := t.Commit(); err != nil {
		return err
	}

	r.mu.Lock()
	r.cache.Add(m.TabName, m)
	r.mu.Unlock()
	return nil
}

// deleteMeta removes name from the meta-table and invalidates its cache
// entry.
func (r *ForkRegistry) deleteMeta(name kv.TabName) error {
	t := txn.New("", true, r.meta, r.logger)
	if err := t.Delete(kv.Key(name)); err != nil {
		return err
	}
	if err := t.Prepare(context.Background()); err != nil {
		return err
	}
	if err := t.Commit(); err != nil {
		return err
	}

	r.mu.Lock()
	r.cache.Remove(name)
	r.mu.Unlock()
	return nil
}

// Create registers a fresh, parentless table.
func (r *ForkRegistry) Create(name kv.TabName, schema []byte) error {
	if _, err := r.Get(name); err == nil {
		return &kv.DuplicateTableError{Name: string(name)}
	} else if !errors.Is(err, kv.ErrTableNotFound) {
		return err
	}
	return r.putMeta(&kv.MetaInfo{TabName: name, Schema: schema})
}

// Drop removes name's meta entry. It requires ref_count == 0; if name
// has a parent, the parent's ref_count is decremented first.
func (r *ForkRegistry) Drop(name kv.TabName) error {
	m, err := r.Get(name)
	if err != nil {
		return err
	}
	if m.RefCount > 0 {
		return &kv.TableInUseError{Name: string(name), RefCount: m.RefCount}
	}

	if m.HasParent {
		parent, err := r.Get(m.Parent)
		if err != nil {
			return err
		}
		if parent.RefCount > 0 {
			parent.RefCount--
		}
		if err := r.putMeta(parent); err != nil {
			return err
		}
	}

	if err := r.deleteMeta(name); err != nil {
		return err
	}
	level.Info(r.logger).Log("msg", "table dropped", "table", name)
	return nil
}

// Fork creates child as a copy-on-write derivation of parent at the
// parent's current log tail: it splits the parent's log (so the cutoff
// segment is sealed and immutable), records the split point as child's
// parent_segment_id, and increments parent's ref_count.
func (r *ForkRegistry) Fork(parent, child kv.TabName, schema []byte, parentLog *segment.Set) error {
	if _, err := r.Get(child); err == nil {
		return &kv.DuplicateTableError{Name: string(child)}
	} else if !errors.Is(err, kv.ErrTableNotFound) {
		return err
	}

	parentMeta, err := r.Get(parent)
	if err != nil {
		return err
	}

	cutoff, err := parentLog.Split()
	if err != nil {
		return fmt.Errorf("registry: fork split parent %s: %w", parent, err)
	}

	childMeta := &kv.MetaInfo{
		TabName:         child,
		Schema:          schema,
		HasParent:       true,
		Parent:          parent,
		ParentSegmentID: cutoff,
	}
	if err := r.putMeta(childMeta); err != nil {
		return err
	}

	parentMeta.RefCount++
	if err := r.putMeta(parentMeta); err != nil {
		return err
	}

	level.Info(r.logger).Log("msg", "fork", "parent", parent, "child", child, "cutoff_segment", cutoff)
	return nil
}

// ChildrenOf returns the TableMetaInfo of every table whose parent is
// name, scanning the whole meta-table (there is no secondary index on
// parent — see SPEC_FULL.md §9, "Index iterators").
func (r *ForkRegistry) ChildrenOf(name kv.TabName) ([]*kv.MetaInfo, error) {
	var children []*kv.MetaInfo
	it := r.meta.Iter(nil, false, nil)
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		m, err := kv.DecodeMetaInfo(kv.TabName(k), v.Bytes())
		if err != nil {
			return nil, fmt.Errorf("registry: decode meta for %s: %w", k, err)
		}
		if m.HasParent && m.Parent == name {
			children = append(children, m)
		}
	}
	return children, nil
}

// List returns every registered table name.
func (r *ForkRegistry) List() ([]kv.TabName, error) {
	var names []kv.TabName
	it := r.meta.Iter(nil, false, nil)
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		names = append(names, kv.TabName(k))
	}
	return names, nil
}

// IsSegmentProtected reports whether segment index segID of table name
// is still the fork cutoff (or older) for some live child, and so must
// not be selected for compaction rewrite/removal.
func (r *ForkRegistry) IsSegmentProtected(name kv.TabName, segID uint64) (bool, error) {
	children, err := r.ChildrenOf(name)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		if segID <= c.ParentSegmentID {
			return true, nil
		}
	}
	return false, nil
}
