package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"forkdb/kv"
	"forkdb/segment"
	"forkdb/table"
)

func newTestTable(t *testing.T) *table.KVStore {
	t.Helper()
	log_, err := segment.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	return table.New(kv.TabName("t"), table.NewRoot(), log_, nil)
}

func TestUpsertGetCommitRoundTrip(t *testing.T) {
	tab := newTestTable(t)

	txn := New("", true, tab, nil)
	require.NoError(t, txn.Upsert(kv.Key("a"), []byte("1")))

	v, err := txn.Get(kv.Key("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v.Bytes()))

	require.NoError(t, txn.Prepare(context.Background()))
	require.Equal(t, PreparedOk, txn.State())
	require.NoError(t, txn.Commit())
	require.Equal(t, Committed, txn.State())

	read := New("", false, tab, nil)
	v, err = read.Get(kv.Key("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v.Bytes()))
}

func TestDeleteTombstonesKey(t *testing.T) {
	tab := newTestTable(t)

	write := New("", true, tab, nil)
	require.NoError(t, write.Upsert(kv.Key("a"), []byte("1")))
	require.NoError(t, write.Prepare(context.Background()))
	require.NoError(t, write.Commit())

	del := New("", true, tab, nil)
	require.NoError(t, del.Delete(kv.Key("a")))
	require.NoError(t, del.Prepare(context.Background()))
	require.NoError(t, del.Commit())

	read := New("", false, tab, nil)
	v, err := read.Get(kv.Key("a"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestConcurrentWritersToSameKeyConflict(t *testing.T) {
	tab := newTestTable(t)

	tx1 := New("tx1", true, tab, nil)
	tx2 := New("tx2", true, tab, nil)

	require.NoError(t, tx1.Upsert(kv.Key("a"), []byte("1")))
	require.NoError(t, tx2.Upsert(kv.Key("a"), []byte("2")))

	require.NoError(t, tx1.Prepare(context.Background()))
	err := tx2.Prepare(context.Background())
	require.Error(t, err)
	require.Equal(t, PreparedFail, tx2.State())

	require.NoError(t, tx1.Commit())
}

func TestRollbackDropsPreparedJournal(t *testing.T) {
	tab := newTestTable(t)

	tx1 := New("tx1", true, tab, nil)
	require.NoError(t, tx1.Upsert(kv.Key("a"), []byte("1")))
	require.NoError(t, tx1.Prepare(context.Background()))
	require.NoError(t, tx1.Rollback())
	require.Equal(t, Rollbacked, tx1.State())

	// After rollback, another writer to the same key must not see a stale
	// conflict from the rolled-back prepare.
	tx2 := New("tx2", true, tab, nil)
	require.NoError(t, tx2.Upsert(kv.Key("a"), []byte("2")))
	require.NoError(t, tx2.Prepare(context.Background()))
	require.NoError(t, tx2.Commit())

	read := New("", false, tab, nil)
	v, err := read.Get(kv.Key("a"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v.Bytes()))
}

func TestCommitWithoutPrepareFails(t *testing.T) {
	tab := newTestTable(t)
	tx := New("", true, tab, nil)
	require.NoError(t, tx.Upsert(kv.Key("a"), []byte("1")))
	err := tx.Commit()
	require.ErrorIs(t, err, kv.ErrPrepareMissing)
}

func TestWritableTransactionJournalsReadMarker(t *testing.T) {
	tab := newTestTable(t)

	write := New("", true, tab, nil)
	require.NoError(t, write.Upsert(kv.Key("a"), []byte("1")))
	require.NoError(t, write.Prepare(context.Background()))
	require.NoError(t, write.Commit())

	reader := New("", true, tab, nil)
	_, err := reader.Get(kv.Key("a"))
	require.NoError(t, err)

	// A second writer that commits a new value for "a" before reader
	// prepares must cause reader's prepare to detect the moved root.
	writer2 := New("", true, tab, nil)
	require.NoError(t, writer2.Upsert(kv.Key("a"), []byte("2")))
	require.NoError(t, writer2.Prepare(context.Background()))
	require.NoError(t, writer2.Commit())

	err = reader.Prepare(context.Background())
	require.Error(t, err)
}
