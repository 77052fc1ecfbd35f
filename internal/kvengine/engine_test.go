package kvengine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themisdb/internal/codec"
	"github.com/cuemby/themisdb/internal/dberr"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	opts := DefaultOptions(filepath.Join(t.TempDir(), "themisdb.db"))
	opts.MaxBackgroundJobs = 1
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpenCreatesFile(t *testing.T) {
	e := openTestEngine(t)
	require.FileExists(t, e.Path())
}

func TestBatchPutGetDelete(t *testing.T) {
	e := openTestEngine(t)

	b := e.NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	require.Equal(t, 2, b.Len())
	require.NoError(t, b.Commit(FlushOS))

	v, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	b2 := e.NewBatch()
	b2.Delete([]byte("a"))
	require.NoError(t, b2.Commit(FlushOS))

	v, err = e.Get([]byte("a"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestBatchCommitDurabilityModes(t *testing.T) {
	e := openTestEngine(t)
	for _, mode := range []DurabilityMode{FlushOS, Fsync, NoWait} {
		b := e.NewBatch()
		b.Put([]byte("k"), []byte("v"))
		require.NoError(t, b.Commit(mode))
	}
}

func TestEngineCompression(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(filepath.Join(dir, "themisdb.db"))
	opts.Compression = codec.Zstd
	opts.CompressMinValueLen = 0
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 7)
	}
	b := e.NewBatch()
	b.Put([]byte("big"), big)
	require.NoError(t, b.Commit(FlushOS))

	got, err := e.Get([]byte("big"))
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestSnapshotIsolationFromLaterWrites(t *testing.T) {
	e := openTestEngine(t)

	b := e.NewBatch()
	b.Put([]byte("x"), []byte("before"))
	require.NoError(t, b.Commit(FlushOS))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	b2 := e.NewBatch()
	b2.Put([]byte("x"), []byte("after"))
	require.NoError(t, b2.Commit(FlushOS))

	v, err := snap.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("before"), v)

	v, err = e.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("after"), v)
}

func TestIteratorForwardAndReverseBounded(t *testing.T) {
	e := openTestEngine(t)

	b := e.NewBatch()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		b.Put([]byte(k), []byte(k))
	}
	require.NoError(t, b.Commit(FlushOS))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	it := snap.Iterator([]byte("b"), []byte("e"), false)
	var fwd []string
	for it.Next() {
		fwd = append(fwd, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"b", "c", "d"}, fwd)

	it = snap.Iterator([]byte("b"), []byte("e"), true)
	var rev []string
	for it.Next() {
		rev = append(rev, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"d", "c", "b"}, rev)
}

func TestIteratorUnboundedScansEverything(t *testing.T) {
	e := openTestEngine(t)

	b := e.NewBatch()
	for _, k := range []string{"a", "b", "c"} {
		b.Put([]byte(k), []byte(k))
	}
	require.NoError(t, b.Commit(FlushOS))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	it := snap.Iterator(nil, nil, false)
	var all []string
	for it.Next() {
		all = append(all, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b", "c"}, all)
}

func TestLockTableAcquireAllCanonicalOrder(t *testing.T) {
	lt := NewLockTable(50 * time.Millisecond)

	held, err := lt.AcquireAll([]string{"z", "a", "m"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "m", "z"}, held.keys)
	held.Release()
}

func TestLockTableDedupesKeys(t *testing.T) {
	lt := NewLockTable(50 * time.Millisecond)

	held, err := lt.AcquireAll([]string{"k", "k", "k"})
	require.NoError(t, err)
	require.Equal(t, []string{"k"}, held.keys)
	held.Release()
}

func TestLockTableTimesOutOnContention(t *testing.T) {
	lt := NewLockTable(20 * time.Millisecond)

	held, err := lt.AcquireAll([]string{"conflict"})
	require.NoError(t, err)
	defer held.Release()

	_, err = lt.AcquireAll([]string{"conflict"})
	require.Error(t, err)
	require.Equal(t, dberr.Timeout, dberr.KindOf(err))
}

func TestLockTableReleaseIsIdempotent(t *testing.T) {
	lt := NewLockTable(50 * time.Millisecond)

	held, err := lt.AcquireAll([]string{"a", "b"})
	require.NoError(t, err)
	held.Release()
	require.NotPanics(t, func() { held.Release() })
}

func TestCompactorRunOnceRemovesTempFile(t *testing.T) {
	e := openTestEngine(t)

	b := e.NewBatch()
	b.Put([]byte("k"), []byte("v"))
	require.NoError(t, b.Commit(FlushOS))

	e.compactor.runOnce()
	require.NoFileExists(t, e.Path()+".compact.tmp")
}
