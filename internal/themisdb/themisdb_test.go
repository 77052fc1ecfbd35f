package themisdb

import (
	"context"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themisdb/internal/catalog"
	"github.com/cuemby/themisdb/internal/config"
	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/index/graph"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/query"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.MaxBackgroundJobs = 2
	return cfg
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func encodePointEWKB(x, y float64) []byte {
	buf := make([]byte, 1+4+8+8)
	buf[0] = 1 // little-endian
	binary.LittleEndian.PutUint32(buf[1:], 1) // wkbPoint
	binary.LittleEndian.PutUint64(buf[5:], math.Float64bits(x))
	binary.LittleEndian.PutUint64(buf[13:], math.Float64bits(y))
	return buf
}

func TestOpenCloseRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening the same data directory must succeed and rewire
	// whatever indices were previously registered.
	db2, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	db := openTestDB(t)

	hotel := document.Object(map[string]document.Value{
		"city":   document.String("Berlin"),
		"rating": document.Int64(4),
	})
	require.NoError(t, db.Put("hotels", "h1", hotel, true))

	got, ok, err := db.Get("hotels", "h1")
	require.NoError(t, err)
	require.True(t, ok)
	city, ok := got.Object()["city"]
	require.True(t, ok)
	require.Equal(t, "Berlin", city.String())

	require.NoError(t, db.Delete("hotels", "h1"))
	_, ok, err = db.Get("hotels", "h1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanReturnsEveryRowInOrder(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put("hotels", "h1", document.Object(map[string]document.Value{"city": document.String("Berlin")}), true))
	require.NoError(t, db.Put("hotels", "h2", document.Object(map[string]document.Value{"city": document.String("Paris")}), true))

	c, err := db.Scan("hotels", entity.ScanRange{})
	require.NoError(t, err)
	defer c.Close()

	var pks []string
	for c.Next() {
		pks = append(pks, c.Record().PK)
	}
	require.NoError(t, c.Err())
	require.Equal(t, []string{"h1", "h2"}, pks)
}

func TestCreateIndexBackfillsExistingRowsAndIndexesLaterWrites(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put("hotels", "h1", document.Object(map[string]document.Value{"city": document.String("Berlin"), "rating": document.Int64(4)}), true))
	require.NoError(t, db.Put("hotels", "h2", document.Object(map[string]document.Value{"city": document.String("Berlin"), "rating": document.Int64(5)}), true))
	require.NoError(t, db.Put("hotels", "h3", document.Object(map[string]document.Value{"city": document.String("Paris"), "rating": document.Int64(5)}), true))

	require.NoError(t, db.CreateIndex(catalog.Descriptor{
		Table: "hotels",
		Name:  "city_idx",
		Kind:  catalog.Equality,
		Field: "city",
	}))

	desc, ok, err := catalog.Get(db.engine, "hotels", "city_idx")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, catalog.StateActive, desc.State)

	// A row written after backfill must also be picked up by the
	// already-registered indexer.
	require.NoError(t, db.Put("hotels", "h4", document.Object(map[string]document.Value{"city": document.String("Berlin"), "rating": document.Int64(3)}), true))

	res, err := db.Query(context.Background(), query.Query{
		Table: "hotels",
		Filters: []query.Filter{
			{Field: "city", Op: query.OpEq, Eq: keyenc.Str("Berlin")},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 3)

	// h1 and h2 carry postings from the backfill, h4 from the live
	// indexer.
	berlin := keyenc.EqualityPrefix("hotels", "city", keyenc.Str("Berlin"))
	it := db.engine.Iterator(berlin, keyenc.PrefixUpperBound(berlin), false)
	defer it.Close()
	postings := 0
	for it.Next() {
		postings++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 3, postings)
}

func TestDropIndexRemovesDescriptorAndKeyspace(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put("hotels", "h1", document.Object(map[string]document.Value{"city": document.String("Berlin")}), true))
	require.NoError(t, db.CreateIndex(catalog.Descriptor{
		Table: "hotels",
		Name:  "city_idx",
		Kind:  catalog.Equality,
		Field: "city",
	}))

	require.NoError(t, db.DropIndex("hotels", "city_idx"))

	_, ok, err := catalog.Get(db.engine, "hotels", "city_idx")
	require.NoError(t, err)
	require.False(t, ok)

	db.mu.RLock()
	descs := db.descByTable["hotels"]
	db.mu.RUnlock()
	require.Empty(t, descs)
}

func TestCompositePrefixResolutionPicksLongestCoveredPrefix(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateIndex(catalog.Descriptor{
		Table:  "hotels",
		Name:   "city_rating",
		Kind:   catalog.Composite,
		Fields: []string{"city", "rating"},
	}))

	db.mu.RLock()
	descs := db.descByTable["hotels"]
	db.mu.RUnlock()

	name, fields := resolveCompositePrefix([]query.Filter{
		{Field: "city", Op: query.OpEq, Eq: keyenc.Str("Berlin")},
		{Field: "rating", Op: query.OpEq, Eq: keyenc.Int(4)},
	}, descs)
	require.Equal(t, "city_rating", name)
	require.Equal(t, []string{"city", "rating"}, fields)

	// An uncovered leading field breaks the prefix entirely.
	name, _ = resolveCompositePrefix([]query.Filter{
		{Field: "rating", Op: query.OpEq, Eq: keyenc.Int(4)},
	}, descs)
	require.Equal(t, "", name)
}

func TestSpatialIndexWiresInsertAndIntersectsQuery(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateIndex(catalog.Descriptor{
		Table: "pois",
		Name:  "loc_idx",
		Kind:  catalog.Spatial,
		Field: "loc",
		Spatial: &catalog.SpatialParams{
			TotalBounds: [4]float64{-10, -10, 10, 10},
		},
	}))

	berlin := encodePointEWKB(13.4, 52.5)
	require.NoError(t, db.Put("pois", "p1", document.Object(map[string]document.Value{"loc": document.Bytes(berlin)}), true))

	res, err := db.Query(context.Background(), query.Query{
		Table: "pois",
		Spatial: &query.SpatialPredicate{
			Kind: query.SpatialIntersects,
			MBR:  [4]float64{0, 0, 20, 60},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	require.Equal(t, "p1", res.Hits[0].PK)
}

func TestVectorIndexWiresInsertAndSearch(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateIndex(catalog.Descriptor{
		Table: "items",
		Name:  "embedding_idx",
		Kind:  catalog.Vector,
		Field: "embedding",
		Vector: &catalog.VectorParams{
			Metric:         "l2",
			Dimension:      3,
			M:              8,
			EfConstruction: 64,
			EfSearch:       32,
		},
	}))

	require.NoError(t, db.Put("items", "i1", document.Object(map[string]document.Value{"embedding": document.Vector([]float32{1, 0, 0})}), true))
	require.NoError(t, db.Put("items", "i2", document.Object(map[string]document.Value{"embedding": document.Vector([]float32{0, 1, 0})}), true))

	res, err := db.Query(context.Background(), query.Query{
		Table: "items",
		Vector: &query.VectorScorer{
			Field: "embedding",
			Query: []float32{1, 0, 0},
			K:     1,
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	require.Equal(t, "i1", res.Hits[0].PK)
}

func TestFullTextIndexWiresInsertAndBM25Query(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateIndex(catalog.Descriptor{
		Table: "articles",
		Name:  "bio_idx",
		Kind:  catalog.FullText,
		Field: "bio",
	}))

	require.NoError(t, db.Put("articles", "a1", document.Object(map[string]document.Value{"bio": document.String("quick brown fox")}), true))
	require.NoError(t, db.Put("articles", "a2", document.Object(map[string]document.Value{"bio": document.String("quick fox jumps")}), true))
	require.NoError(t, db.Put("articles", "a3", document.Object(map[string]document.Value{"bio": document.String("lazy dog")}), true))

	res, err := db.Query(context.Background(), query.Query{
		Table: "articles",
		FullText: &query.FullTextQuery{
			Field: "bio",
			Query: "quick fox",
			K:     10,
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	for _, hit := range res.Hits {
		require.NotEqual(t, "a3", hit.PK)
	}
}

func TestTTLSweepRemovesExpiredRow(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateIndex(catalog.Descriptor{
		Table: "sessions",
		Name:  "ttl_idx",
		Kind:  catalog.TTL,
		Field: "expires_at",
	}))

	past := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, db.Put("sessions", "s1", document.Object(map[string]document.Value{"expires_at": document.Int64(past)}), true))

	require.NoError(t, db.sweepTable("sessions"))

	_, ok, err := db.Get("sessions", "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGraphAddEdgeAndBFS(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateIndex(catalog.Descriptor{
		Table:     "social",
		Name:      "social",
		Kind:      catalog.Graph,
		GraphName: "social",
	}))

	require.NoError(t, db.AddEdge("social", graph.Edge{ID: "e1", From: "a", To: "b"}))
	require.NoError(t, db.AddEdge("social", graph.Edge{ID: "e2", From: "b", To: "c"}))

	order, err := db.BFS("social", "a", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestChangefeedSeqContinuesAcrossReopen(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put("hotels", "h1", document.String("v1"), true))
	require.NoError(t, db.Put("hotels", "h2", document.String("v2"), true))
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, db2.Put("hotels", "h3", document.String("v3"), true))

	recs, err := db2.Poll(0, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		require.Equal(t, uint64(i+1), rec.Seq)
	}
}

func TestPollReturnsCommittedRecords(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put("hotels", "h1", document.String("v1"), true))

	recs, err := db.Poll(0, 10, 100)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "h1", recs[0].Key)
}

func TestQueryOrderByCursorPaginationUnderConcurrentInsert(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateIndex(catalog.Descriptor{
		Table: "users",
		Name:  "age_idx",
		Kind:  catalog.Range,
		Field: "age",
	}))

	put := func(pk string, age int64) {
		require.NoError(t, db.Put("users", pk, document.Object(map[string]document.Value{
			"age": document.Int64(age),
		}), true))
	}
	for i := 0; i < 30; i++ {
		put(string(rune('a'+i/10))+string(rune('0'+i%10)), int64(i))
	}

	var pages [][]string
	var cursor *query.Cursor
	seen := make(map[string]bool)
	for page := 0; ; page++ {
		res, err := db.Query(context.Background(), query.Query{
			Table:   "users",
			OrderBy: "age",
			Limit:   10,
			Cursor:  cursor,
		})
		require.NoError(t, err)
		var pks []string
		for _, h := range res.Hits {
			require.False(t, seen[h.PK], "pk %s returned twice", h.PK)
			seen[h.PK] = true
			pks = append(pks, h.PK)
		}
		pages = append(pages, pks)

		// A row inserted mid-pagination may only ever surface after
		// the anchor, never duplicate an already-returned row.
		if page == 1 {
			put("zz", 5)
		}
		if !res.HasMore {
			break
		}
		cursor = res.NextCursor
	}
	require.GreaterOrEqual(t, len(pages), 3)
	require.Len(t, pages[0], 10)
	require.Len(t, pages[1], 10)
	require.False(t, seen["zz"], "a row with an order value before the anchor must never appear on a later page")
}

func TestCheckpointAndRestoreRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, db.Put("hotels", "h1", document.Object(map[string]document.Value{"city": document.String("Berlin")}), true))

	checkpointDir := filepath.Join(t.TempDir(), "checkpoint-1")
	_, err = db.Checkpoint(checkpointDir, 7, time.Now().UnixMilli())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	restoreCfg := cfg
	restoreCfg.DataDir = filepath.Join(t.TempDir(), "restored")
	restored, _, err := Restore(restoreCfg, checkpointDir, nil)
	require.NoError(t, err)
	defer restored.Close()

	got, ok, err := restored.Get("hotels", "h1")
	require.NoError(t, err)
	require.True(t, ok)
	city, ok := got.Object()["city"]
	require.True(t, ok)
	require.Equal(t, "Berlin", city.String())
}
