package changefeed

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themisdb/internal/kvengine"
)

func openTestEngine(t *testing.T) *kvengine.Engine {
	t.Helper()
	e, err := kvengine.Open(kvengine.DefaultOptions(filepath.Join(t.TempDir(), "themisdb.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestAppendAndPoll(t *testing.T) {
	e := openTestEngine(t)
	broker := NewBroker()

	b := e.NewBatch()
	require.NoError(t, Append(b, broker, 1, 1000, KindPut, "hotels", "h1", nil))
	require.NoError(t, Append(b, broker, 2, 1001, KindPut, "hotels", "h2", nil))
	require.NoError(t, b.Commit(kvengine.FlushOS))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	recs, err := Poll(snap, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint64(1), recs[0].Seq)
	require.Equal(t, uint64(2), recs[1].Seq)
}

func TestPollResumesFromLastSeq(t *testing.T) {
	e := openTestEngine(t)
	broker := NewBroker()

	b := e.NewBatch()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, Append(b, broker, i, int64(i), KindPut, "t", "k", nil))
	}
	require.NoError(t, b.Commit(kvengine.FlushOS))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	recs, err := Poll(snap, 3, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint64(4), recs[0].Seq)
	require.Equal(t, uint64(5), recs[1].Seq)
}

func TestPollRespectsLimit(t *testing.T) {
	e := openTestEngine(t)
	broker := NewBroker()

	b := e.NewBatch()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, Append(b, broker, i, int64(i), KindPut, "t", "k", nil))
	}
	require.NoError(t, b.Commit(kvengine.FlushOS))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	recs, err := Poll(snap, 0, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestBrokerDeliversLiveRecords(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.publish(Record{Seq: 1, Kind: KindPut})

	select {
	case rec := <-sub:
		require.Equal(t, uint64(1), rec.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live record")
	}
}

func TestBrokerSkipsFullBuffer(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for i := 0; i < 1000; i++ {
		broker.publish(Record{Seq: uint64(i)})
	}
	require.NotPanics(t, func() {})
}

func TestTrimHonoursMinAgeAndByteCap(t *testing.T) {
	e := openTestEngine(t)
	broker := NewBroker()

	b := e.NewBatch()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, Append(b, broker, i, int64(i)*1000, KindPut, "t", "k", nil))
	}
	require.NoError(t, b.Commit(kvengine.FlushOS))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	b2 := e.NewBatch()
	trimmed, err := Trim(snap, b2, RetentionPolicy{MinAge: time.Second, MaxBytes: 1}, 10_000)
	require.NoError(t, err)
	require.Greater(t, trimmed, 0)
}

func TestLastSeqReadsHighestDurableRecord(t *testing.T) {
	e := openTestEngine(t)

	last, err := LastSeq(e)
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)

	b := e.NewBatch()
	for i := uint64(1); i <= 7; i++ {
		require.NoError(t, Append(b, nil, i, int64(i), KindPut, "t", "k", nil))
	}
	require.NoError(t, b.Commit(kvengine.FlushOS))

	last, err = LastSeq(e)
	require.NoError(t, err)
	require.Equal(t, uint64(7), last)
}

func TestPollIgnoresForeignKeyspaces(t *testing.T) {
	e := openTestEngine(t)

	b := e.NewBatch()
	require.NoError(t, Append(b, nil, 1, 1000, KindPut, "t", "k", nil))
	// An entity key sorts after the cdc prefix; Poll must not decode it.
	b.Put([]byte("ent\x06hotelsh1"), []byte(`{"city":"Berlin"}`))
	require.NoError(t, b.Commit(kvengine.FlushOS))

	recs, err := Poll(e, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, uint64(1), recs[0].Seq)
}

func TestTrimRetainsNewestRecord(t *testing.T) {
	e := openTestEngine(t)

	b := e.NewBatch()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, Append(b, nil, i, int64(i)*1000, KindPut, "t", "k", nil))
	}
	require.NoError(t, b.Commit(kvengine.FlushOS))

	b2 := e.NewBatch()
	trimmed, err := Trim(e, b2, RetentionPolicy{MinAge: 0, MaxBytes: 1}, 1<<40)
	require.NoError(t, err)
	require.Equal(t, 2, trimmed)
	require.NoError(t, b2.Commit(kvengine.FlushOS))

	last, err := LastSeq(e)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)
}

func TestTrimNoopUnderByteCap(t *testing.T) {
	e := openTestEngine(t)
	broker := NewBroker()

	b := e.NewBatch()
	require.NoError(t, Append(b, broker, 1, 1000, KindPut, "t", "k", nil))
	require.NoError(t, b.Commit(kvengine.FlushOS))

	snap, err := e.NewSnapshot()
	require.NoError(t, err)
	defer snap.Close()

	b2 := e.NewBatch()
	trimmed, err := Trim(snap, b2, RetentionPolicy{MinAge: time.Second, MaxBytes: 1 << 30}, 10_000)
	require.NoError(t, err)
	require.Equal(t, 0, trimmed)
}
