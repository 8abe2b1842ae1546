package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"forkdb/config"
	"forkdb/kv"
	"forkdb/segment"
	"forkdb/table"
	"forkdb/txn"
)

func writeKey(t *testing.T, tab *table.KVStore, key kv.Key, value []byte) {
	t.Helper()
	tx := txn.New("", true, tab, nil)
	require.NoError(t, tx.Upsert(key, value))
	require.NoError(t, tx.Prepare(context.Background()))
	require.NoError(t, tx.Commit())
}

func TestTableOpenerAutoCreatesOnSchema(t *testing.T) {
	reg, cfg := newTestRegistry(t)
	opener := NewTableOpener(cfg, reg, nil, nil)

	store, err := opener.Open(kv.TabName("widgets"), []byte("schema"))
	require.NoError(t, err)
	require.Equal(t, kv.TabName("widgets"), store.Name)
	require.Equal(t, 0, store.Size())
}

func TestTableOpenerMissingTableWithoutSchemaFails(t *testing.T) {
	reg, cfg := newTestRegistry(t)
	opener := NewTableOpener(cfg, reg, nil, nil)

	_, err := opener.Open(kv.TabName("ghost"), nil)
	require.Error(t, err)
}

func TestTableOpenerReplaysForkChain(t *testing.T) {
	reg, cfg := newTestRegistry(t)
	opener := NewTableOpener(cfg, reg, nil, nil)

	parentStore, err := opener.Open(kv.TabName("parent"), []byte("schema"))
	require.NoError(t, err)
	writeKey(t, parentStore, kv.Key("a"), []byte("1"))
	writeKey(t, parentStore, kv.Key("b"), []byte("2"))

	require.NoError(t, reg.Fork(kv.TabName("parent"), kv.TabName("child"), []byte("schema"), parentStore.Log()))

	// A write to parent after the fork point must not be visible through
	// the child.
	writeKey(t, parentStore, kv.Key("c"), []byte("3"))

	childStore, err := opener.Open(kv.TabName("child"), nil)
	require.NoError(t, err)
	require.Equal(t, 2, childStore.Size())

	val, ok := childStore.Root().Get(kv.Key("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(val.Bytes()))

	_, ok = childStore.Root().Get(kv.Key("c"))
	require.False(t, ok)

	// A write through the child must shadow the parent's value without
	// mutating the parent's own view.
	writeKey(t, childStore, kv.Key("a"), []byte("child-1"))
	val, ok = childStore.Root().Get(kv.Key("a"))
	require.True(t, ok)
	require.Equal(t, "child-1", string(val.Bytes()))

	val, ok = parentStore.Root().Get(kv.Key("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(val.Bytes()))
}

func TestTableOpenerIgnoresParentDeletesAfterFork(t *testing.T) {
	reg, cfg := newTestRegistry(t)
	opener := NewTableOpener(cfg, reg, nil, nil)

	parentStore, err := opener.Open(kv.TabName("parent"), []byte("schema"))
	require.NoError(t, err)
	writeKey(t, parentStore, kv.Key("a"), []byte("1"))

	require.NoError(t, reg.Fork(kv.TabName("parent"), kv.TabName("child"), []byte("schema"), parentStore.Log()))

	tx := txn.New("", true, parentStore, nil)
	require.NoError(t, tx.Delete(kv.Key("a")))
	require.NoError(t, tx.Prepare(context.Background()))
	require.NoError(t, tx.Commit())

	childStore, err := opener.Open(kv.TabName("child"), nil)
	require.NoError(t, err)
	_, ok := childStore.Root().Get(kv.Key("a"))
	require.True(t, ok, "deletes committed to parent after the fork point must not affect the child")
}

func TestDirForUsesTableName(t *testing.T) {
	_, cfg := newTestRegistry(t)
	o := &TableOpener{cfg: cfg}
	require.Equal(t, filepath.Join(cfg.DBPath, "widgets"), o.dirFor(kv.TabName("widgets")))
}
