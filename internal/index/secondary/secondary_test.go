package secondary

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/kvengine"
)

func openTestEngine(t *testing.T) *kvengine.Engine {
	t.Helper()
	e, err := kvengine.Open(kvengine.DefaultOptions(filepath.Join(t.TempDir(), "themisdb.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func putHotel(t *testing.T, e *kvengine.Engine, idx interface {
	OnPut(w entity.Writer, table, pk string, old document.Value, oldOK bool, next document.Value) error
}, pk string, value document.Value) {
	t.Helper()
	old, oldOK, err := entity.Get(e, "hotels", pk)
	require.NoError(t, err)
	b := e.NewBatch()
	require.NoError(t, entity.Put(b, e, "hotels", pk, value, true))
	require.NoError(t, idx.OnPut(b, "hotels", pk, old, oldOK, value))
	require.NoError(t, b.Commit(kvengine.FlushOS))
}

func TestEqualityIndexLookup(t *testing.T) {
	e := openTestEngine(t)
	idx := NewEqualityIndex("hotels", "city")

	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{"city": document.String("Berlin")}))
	putHotel(t, e, idx, "h2", document.Object(map[string]document.Value{"city": document.String("Berlin")}))
	putHotel(t, e, idx, "h3", document.Object(map[string]document.Value{"city": document.String("Paris")}))

	pks, err := Lookup(e, "hotels", "city", keyenc.Str("Berlin"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"h1", "h2"}, pks)
}

func TestEqualityIndexUpdateMovesPosting(t *testing.T) {
	e := openTestEngine(t)
	idx := NewEqualityIndex("hotels", "city")

	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{"city": document.String("Berlin")}))
	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{"city": document.String("Paris")}))

	pks, err := Lookup(e, "hotels", "city", keyenc.Str("Berlin"))
	require.NoError(t, err)
	require.Empty(t, pks)

	pks, err = Lookup(e, "hotels", "city", keyenc.Str("Paris"))
	require.NoError(t, err)
	require.Equal(t, []string{"h1"}, pks)
}

func TestEqualityIndexOnDeleteRemovesPosting(t *testing.T) {
	e := openTestEngine(t)
	idx := NewEqualityIndex("hotels", "city")

	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{"city": document.String("Berlin")}))

	old, oldOK, err := entity.Get(e, "hotels", "h1")
	require.NoError(t, err)
	require.True(t, oldOK)
	b := e.NewBatch()
	require.NoError(t, entity.Delete(b, "hotels", "h1"))
	require.NoError(t, idx.OnDelete(b, "hotels", "h1", old, oldOK))
	require.NoError(t, b.Commit(kvengine.FlushOS))

	pks, err := Lookup(e, "hotels", "city", keyenc.Str("Berlin"))
	require.NoError(t, err)
	require.Empty(t, pks)
}

func TestRangeIndexScan(t *testing.T) {
	e := openTestEngine(t)
	idx := NewRangeIndex("hotels", "rating")

	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{"rating": document.Int64(3)}))
	putHotel(t, e, idx, "h2", document.Object(map[string]document.Value{"rating": document.Int64(4)}))
	putHotel(t, e, idx, "h3", document.Object(map[string]document.Value{"rating": document.Int64(5)}))

	low := keyenc.Int(4)
	pks, err := RangeScan(e, "hotels", "rating", &low, nil, false)
	require.NoError(t, err)
	require.Equal(t, []string{"h2", "h3"}, pks)

	high := keyenc.Int(5)
	pks, err = RangeScan(e, "hotels", "rating", nil, &high, false)
	require.NoError(t, err)
	require.Equal(t, []string{"h1", "h2"}, pks)
}

func TestRangeIndexStringScanIsLexicographic(t *testing.T) {
	e := openTestEngine(t)
	idx := NewRangeIndex("hotels", "name")

	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{"name": document.String("z")}))
	putHotel(t, e, idx, "h2", document.Object(map[string]document.Value{"name": document.String("aa")}))
	putHotel(t, e, idx, "h3", document.Object(map[string]document.Value{"name": document.String("b")}))

	// A shorter value never sorts ahead of a longer one by length
	// alone: "aa" < "b" < "z".
	pks, err := RangeScan(e, "hotels", "name", nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, []string{"h2", "h3", "h1"}, pks)

	low := keyenc.Str("ab")
	pks, err = RangeScan(e, "hotels", "name", &low, nil, false)
	require.NoError(t, err)
	require.Equal(t, []string{"h3", "h1"}, pks)

	high := keyenc.Str("z")
	pks, err = RangeScan(e, "hotels", "name", nil, &high, false)
	require.NoError(t, err)
	require.Equal(t, []string{"h2", "h3"}, pks)
}

func TestSparseIndexSkipsAbsentAndNull(t *testing.T) {
	e := openTestEngine(t)
	idx := NewSparseIndex("hotels", "discount")

	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{"discount": document.Int64(10)}))
	putHotel(t, e, idx, "h2", document.Object(map[string]document.Value{}))
	putHotel(t, e, idx, "h3", document.Object(map[string]document.Value{"discount": document.Null()}))

	pks, err := SparseLookup(e, "hotels", "discount", keyenc.Int(10))
	require.NoError(t, err)
	require.Equal(t, []string{"h1"}, pks)
}

func TestCompositeIndexFullTupleLookup(t *testing.T) {
	e := openTestEngine(t)
	idx := NewCompositeIndex("hotels", "city_rating", []string{"city", "rating"})

	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{
		"city": document.String("Berlin"), "rating": document.Int64(4),
	}))
	putHotel(t, e, idx, "h2", document.Object(map[string]document.Value{
		"city": document.String("Berlin"), "rating": document.Int64(5),
	}))

	pks, err := CompositeLookup(e, "hotels", "city_rating", []keyenc.Scalar{keyenc.Str("Berlin"), keyenc.Int(4)})
	require.NoError(t, err)
	require.Equal(t, []string{"h1"}, pks)
}

func TestCompositeIndexPrefixScan(t *testing.T) {
	e := openTestEngine(t)
	idx := NewCompositeIndex("hotels", "city_rating", []string{"city", "rating"})

	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{
		"city": document.String("Berlin"), "rating": document.Int64(4),
	}))
	putHotel(t, e, idx, "h2", document.Object(map[string]document.Value{
		"city": document.String("Berlin"), "rating": document.Int64(5),
	}))
	putHotel(t, e, idx, "h3", document.Object(map[string]document.Value{
		"city": document.String("Paris"), "rating": document.Int64(5),
	}))

	pks, err := CompositePrefixScan(e, "hotels", "city_rating", []keyenc.Scalar{keyenc.Str("Berlin")}, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"h1", "h2"}, pks)
}

func TestCompositeIndexSkipsIncompleteTuple(t *testing.T) {
	e := openTestEngine(t)
	idx := NewCompositeIndex("hotels", "city_rating", []string{"city", "rating"})

	putHotel(t, e, idx, "h1", document.Object(map[string]document.Value{"city": document.String("Berlin")}))

	pks, err := CompositePrefixScan(e, "hotels", "city_rating", []keyenc.Scalar{keyenc.Str("Berlin")}, 2)
	require.NoError(t, err)
	require.Empty(t, pks)
}

func TestTTLIndexSweepExpired(t *testing.T) {
	e := openTestEngine(t)
	idx := NewTTLIndex("sessions", "expire_at_ms")

	putHotel2(t, e, idx, "s1", document.Object(map[string]document.Value{"expire_at_ms": document.Int64(1000)}))
	putHotel2(t, e, idx, "s2", document.Object(map[string]document.Value{"expire_at_ms": document.Int64(5000)}))

	pks, err := SweepExpired(e, "sessions", 2000, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, pks)

	pks, err = SweepExpired(e, "sessions", 10_000, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"s1", "s2"}, pks)
}

func putHotel2(t *testing.T, e *kvengine.Engine, idx *TTLIndex, pk string, value document.Value) {
	t.Helper()
	old, oldOK, err := entity.Get(e, "sessions", pk)
	require.NoError(t, err)
	b := e.NewBatch()
	require.NoError(t, entity.Put(b, e, "sessions", pk, value, true))
	require.NoError(t, idx.OnPut(b, "sessions", pk, old, oldOK, value))
	require.NoError(t, b.Commit(kvengine.FlushOS))
}
