package forkdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"forkdb/kv"
)

func newTestDb(t *testing.T) *Db {
	t.Helper()
	db, err := New(t.TempDir(), 64)
	require.NoError(t, err)
	return db
}

func commitOne(t *testing.T, snap *Snapshot, tab kv.TabName, key kv.Key, value []byte) {
	t.Helper()
	tx, err := snap.Begin(tab, "", true)
	require.NoError(t, err)
	require.NoError(t, tx.Upsert(key, value))
	require.NoError(t, snap.Prepare(context.Background(), tx))
	require.NoError(t, snap.Commit(tx))
}

func TestAlterCreateThenGetAndList(t *testing.T) {
	db := newTestDb(t)
	snap := db.Snapshot()

	require.NoError(t, snap.Alter(kv.TabName("widgets"), []byte("schema")))

	m, err := snap.TabInfo(kv.TabName("widgets"))
	require.NoError(t, err)
	require.Equal(t, "schema", string(m.Schema))

	names, err := snap.List()
	require.NoError(t, err)
	require.Contains(t, names, kv.TabName("widgets"))
}

func TestBeginCommitRoundTrip(t *testing.T) {
	db := newTestDb(t)
	snap := db.Snapshot()
	require.NoError(t, snap.Alter(kv.TabName("widgets"), []byte("schema")))
	commitOne(t, snap, kv.TabName("widgets"), kv.Key("a"), []byte("1"))

	tab, err := db.Open(kv.TabName("widgets"))
	require.NoError(t, err)
	v, ok := tab.Root().Get(kv.Key("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v.Bytes()))
}

func TestOpenIsIdempotentAcrossConcurrentFirstOpen(t *testing.T) {
	db := newTestDb(t)
	snap := db.Snapshot()
	require.NoError(t, snap.Alter(kv.TabName("widgets"), []byte("schema")))

	const n = 8
	results := make(chan *struct{}, n)
	tabs := make([]kv.TabName, n)
	for i := range tabs {
		tabs[i] = kv.TabName("widgets")
	}

	for i := 0; i < n; i++ {
		go func() {
			_, err := db.Open(kv.TabName("widgets"))
			require.NoError(t, err)
			results <- &struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-results
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	require.Contains(t, db.openTables, kv.TabName("widgets"))
}

func TestForkThenDropParentFailsUntilChildDropped(t *testing.T) {
	db := newTestDb(t)
	snap := db.Snapshot()
	require.NoError(t, snap.Alter(kv.TabName("parent"), []byte("schema")))
	commitOne(t, snap, kv.TabName("parent"), kv.Key("a"), []byte("1"))

	require.NoError(t, snap.Fork(kv.TabName("parent"), kv.TabName("child"), []byte("schema")))

	err := snap.Alter(kv.TabName("parent"), nil)
	require.Error(t, err)
	var inUse *kv.TableInUseError
	require.ErrorAs(t, err, &inUse)

	childTab, err := db.Open(kv.TabName("child"))
	require.NoError(t, err)
	v, ok := childTab.Root().Get(kv.Key("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v.Bytes()))

	require.NoError(t, snap.Alter(kv.TabName("child"), nil))
	require.NoError(t, snap.Alter(kv.TabName("parent"), nil))
}

func TestForkIsolatesSubsequentParentWrites(t *testing.T) {
	db := newTestDb(t)
	snap := db.Snapshot()
	require.NoError(t, snap.Alter(kv.TabName("parent"), []byte("schema")))
	commitOne(t, snap, kv.TabName("parent"), kv.Key("a"), []byte("1"))
	require.NoError(t, snap.Fork(kv.TabName("parent"), kv.TabName("child"), []byte("schema")))
	commitOne(t, snap, kv.TabName("parent"), kv.Key("b"), []byte("2"))

	childTab, err := db.Open(kv.TabName("child"))
	require.NoError(t, err)
	_, ok := childTab.Root().Get(kv.Key("b"))
	require.False(t, ok, "writes to parent after the fork point must not leak into the child")
}

func TestForceSplitAndCollect(t *testing.T) {
	db := newTestDb(t)
	snap := db.Snapshot()
	require.NoError(t, snap.Alter(kv.TabName("widgets"), []byte("schema")))
	commitOne(t, snap, kv.TabName("widgets"), kv.Key("a"), []byte("1"))

	require.NoError(t, db.ForceSplit())
	commitOne(t, snap, kv.TabName("widgets"), kv.Key("a"), []byte("2"))
	require.NoError(t, db.ForceSplit())

	require.NoError(t, db.Collect())

	tab, err := db.Open(kv.TabName("widgets"))
	require.NoError(t, err)
	v, ok := tab.Root().Get(kv.Key("a"))
	require.True(t, ok)
	require.Equal(t, "2", string(v.Bytes()))
}

func TestMetaTxnReadsTabsMetaDirectly(t *testing.T) {
	db := newTestDb(t)
	snap := db.Snapshot()
	require.NoError(t, snap.Alter(kv.TabName("widgets"), []byte("schema")))

	tx, err := snap.MetaTxn("")
	require.NoError(t, err)
	v, err := tx.Get(kv.Key("widgets"))
	require.NoError(t, err)
	require.NotNil(t, v)
}
