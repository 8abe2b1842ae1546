package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"forkdb/kv"
	"forkdb/segment"
)

func newTestStore(t *testing.T) *KVStore {
	t.Helper()
	log_, err := segment.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	return New(kv.TabName("t"), NewRoot(), log_, nil)
}

func TestTryPrepareConflictOnSameKeyWrite(t *testing.T) {
	s := newTestStore(t)
	root := s.Root()

	j1 := Journal{kv.Key("a"): {IsWrite: true, Value: kv.NewValue([]byte("1"))}}
	require.NoError(t, s.TryPrepare("tx1", true, root, j1))

	j2 := Journal{kv.Key("a"): {IsWrite: true, Value: kv.NewValue([]byte("2"))}}
	err := s.TryPrepare("tx2", true, root, j2)
	require.Error(t, err)
	var ce *kv.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, kv.Key("a"), ce.Key)
}

func TestTryPrepareNoConflictDisjointKeys(t *testing.T) {
	s := newTestStore(t)
	root := s.Root()

	j1 := Journal{kv.Key("a"): {IsWrite: true, Value: kv.NewValue([]byte("1"))}}
	require.NoError(t, s.TryPrepare("tx1", true, root, j1))

	j2 := Journal{kv.Key("b"): {IsWrite: true, Value: kv.NewValue([]byte("2"))}}
	require.NoError(t, s.TryPrepare("tx2", true, root, j2))
}

func TestTryPrepareDetectsRootMovedUnderRead(t *testing.T) {
	s := newTestStore(t)
	snapshotRoot := s.Root()

	v := kv.NewValue([]byte("1"))
	workingRoot := snapshotRoot.Set(kv.Key("a"), v)
	_, err := s.Apply(snapshotRoot, workingRoot, Journal{kv.Key("a"): {IsWrite: true, Value: v}})
	require.NoError(t, err)

	// A second transaction that started from the stale snapshot and only
	// read "a" must see its prepare fail, because the committed value moved.
	staleJournal := Journal{kv.Key("a"): {IsWrite: false}}
	err = s.TryPrepare("tx2", false, snapshotRoot, staleJournal)
	require.Error(t, err)
}

func TestApplyFoldsWritesAndBuildsRecords(t *testing.T) {
	s := newTestStore(t)
	snapshotRoot := s.Root()
	workingRoot := snapshotRoot.Set(kv.Key("a"), kv.NewValue([]byte("1")))
	workingRoot = workingRoot.Set(kv.Key("b"), kv.NewValue([]byte("2")))

	journal := Journal{
		kv.Key("a"): {IsWrite: true, Value: kv.NewValue([]byte("1"))},
		kv.Key("b"): {IsWrite: true, Value: kv.NewValue([]byte("2"))},
	}
	result, err := s.Apply(snapshotRoot, workingRoot, journal)
	require.NoError(t, err)
	require.Equal(t, 2, result.NewRoot.Len())
	require.Len(t, result.Records, 2)
}

func TestApplyReplaysWritesWhenRootAdvanced(t *testing.T) {
	s := newTestStore(t)
	snapshotRoot := s.Root()

	// Simulate a concurrent committed write to a disjoint key between this
	// transaction's snapshot and its commit.
	otherRoot := snapshotRoot.Set(kv.Key("other"), kv.NewValue([]byte("x")))
	result, err := s.Apply(snapshotRoot, otherRoot, Journal{
		kv.Key("other"): {IsWrite: true, Value: kv.NewValue([]byte("x"))},
	})
	require.NoError(t, err)
	s.root = result.NewRoot

	journal := Journal{kv.Key("a"): {IsWrite: true, Value: kv.NewValue([]byte("1"))}}
	workingRoot := snapshotRoot.Set(kv.Key("a"), kv.NewValue([]byte("1")))
	result, err = s.Apply(snapshotRoot, workingRoot, journal)
	require.NoError(t, err)

	_, ok := result.NewRoot.Get(kv.Key("other"))
	require.True(t, ok, "replayed commit must not lose the concurrently-committed key")
	_, ok = result.NewRoot.Get(kv.Key("a"))
	require.True(t, ok)
}

func TestTakePreparedIsOneShot(t *testing.T) {
	s := newTestStore(t)
	root := s.Root()
	journal := Journal{kv.Key("a"): {IsWrite: true, Value: kv.NewValue([]byte("1"))}}
	require.NoError(t, s.TryPrepare("tx1", true, root, journal))

	_, ok := s.TakePrepared("missing")
	require.False(t, ok)

	got, ok := s.TakePrepared("tx1")
	require.True(t, ok)
	require.Len(t, got, 1)

	_, ok = s.TakePrepared("tx1")
	require.False(t, ok, "TakePrepared must be a one-shot removal")
}

func TestIterAscendingAndDescending(t *testing.T) {
	s := newTestStore(t)
	root := s.Root()
	root = root.Set(kv.Key("a"), kv.NewValue([]byte("1")))
	root = root.Set(kv.Key("b"), kv.NewValue([]byte("2")))
	root = root.Set(kv.Key("c"), kv.NewValue([]byte("3")))
	s.root = root

	it := s.Iter(nil, false, nil)
	var keys []string
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, string(k))
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)

	it = s.Iter(nil, true, nil)
	keys = nil
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, string(k))
	}
	require.Equal(t, []string{"c", "b", "a"}, keys)
}

func TestIterFilter(t *testing.T) {
	s := newTestStore(t)
	root := s.Root()
	root = root.Set(kv.Key("a"), kv.NewValue([]byte("1")))
	root = root.Set(kv.Key("b"), kv.NewValue([]byte("2")))
	s.root = root

	filter := func(k kv.Key, v *kv.Value) bool { return k != "a" }
	it := s.KeyIter(nil, false, filter)
	k, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, kv.Key("b"), k)
	_, ok = it.Next()
	require.False(t, ok)
}
