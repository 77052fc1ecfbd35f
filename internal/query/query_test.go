package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/index/fulltext"
	"github.com/cuemby/themisdb/internal/index/secondary"
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

func TestChooseHonoursForcePlan(t *testing.T) {
	q := Query{Table: "hotels", Options: Options{ForcePlan: PlanFullScan}}
	require.Equal(t, PlanFullScan, Choose(q, Stats{}, 0))
}

func TestChoosePrefersCompositeWhenHighlySelective(t *testing.T) {
	q := Query{Table: "hotels"}
	st := Stats{CompositePrefix: "city_rating", CompositeSelectivity: map[string]float64{"city_rating": 0.001}}
	require.Equal(t, PlanCompositeFirst, Choose(q, st, 0))
}

func TestChooseFallsBackToSpatialThenVectorThenScan(t *testing.T) {
	q := Query{Table: "hotels", Spatial: &SpatialPredicate{Kind: SpatialIntersects}}
	require.Equal(t, PlanSpatialFirst, Choose(q, Stats{}, 0.1))

	q2 := Query{Table: "hotels", Spatial: &SpatialPredicate{Kind: SpatialIntersects}}
	require.Equal(t, PlanFullScan, Choose(q2, Stats{}, 0.9))

	q3 := Query{Table: "hotels", Vector: &VectorScorer{Field: "embedding", K: 5}}
	require.Equal(t, PlanVectorFirst, Choose(q3, Stats{}, 0))

	q4 := Query{Table: "hotels"}
	require.Equal(t, PlanFullScan, Choose(q4, Stats{}, 0))
}

func TestComputeCostsScanGrowsWithRowCount(t *testing.T) {
	small := ComputeCosts(Query{}, Stats{RowCount: 10}, 0, 0, 0)
	large := ComputeCosts(Query{}, Stats{RowCount: 10_000}, 0, 0, 0)
	require.Less(t, small.Scan, large.Scan)
}

func TestValidateRejectsMissingTable(t *testing.T) {
	err := validate(Query{})
	require.Error(t, err)
}

func TestValidateRejectsZeroKVectorScorer(t *testing.T) {
	err := validate(Query{Table: "hotels", Vector: &VectorScorer{K: 0}})
	require.Error(t, err)
}

func TestApplyOrderAndLimitPaginatesAfterAnchor(t *testing.T) {
	hits := []Hit{{PK: "a"}, {PK: "b"}, {PK: "c"}, {PK: "d"}}
	cursor := &Cursor{AnchorPK: "b"}
	out, hasMore, next := applyOrderAndLimit(hits, "", cursor, 1)
	require.Equal(t, []Hit{{PK: "c"}}, out)
	require.True(t, hasMore)
	require.Equal(t, "c", next.AnchorPK)
}

func TestApplyOrderAndLimitNoMoreWhenExhausted(t *testing.T) {
	hits := []Hit{{PK: "a"}, {PK: "b"}}
	out, hasMore, next := applyOrderAndLimit(hits, "", nil, 5)
	require.Len(t, out, 2)
	require.False(t, hasMore)
	require.Nil(t, next)
}

func TestApplyOrderAndLimitSortsByValueThenPK(t *testing.T) {
	row := func(pk string, age int64) Hit {
		return Hit{PK: pk, Value: document.Object(map[string]document.Value{"age": document.Int64(age)})}
	}
	hits := []Hit{row("c", 30), row("a", 10), row("b", 10)}
	out, _, _ := applyOrderAndLimit(hits, "age", nil, 0)
	require.Equal(t, "a", out[0].PK)
	require.Equal(t, "b", out[1].PK)
	require.Equal(t, "c", out[2].PK)
}

func TestApplyOrderAndLimitCursorCutsAfterValuePKAnchor(t *testing.T) {
	row := func(pk string, age int64) Hit {
		return Hit{PK: pk, Value: document.Object(map[string]document.Value{"age": document.Int64(age)})}
	}
	hits := []Hit{row("a", 10), row("b", 10), row("c", 20), row("d", 30)}
	cursor := &Cursor{OrderColumn: "age", AnchorValue: keyenc.Int(10), AnchorPK: "a"}
	out, hasMore, next := applyOrderAndLimit(hits, "age", cursor, 2)
	require.Equal(t, []string{"b", "c"}, []string{out[0].PK, out[1].PK})
	require.True(t, hasMore)
	require.Equal(t, "age", next.OrderColumn)
	require.Equal(t, keyenc.Int(20), next.AnchorValue)
	require.Equal(t, "c", next.AnchorPK)
}

func TestApplyOrderAndLimitAnchorPastLastRowReturnsEmptyPage(t *testing.T) {
	row := func(pk string, age int64) Hit {
		return Hit{PK: pk, Value: document.Object(map[string]document.Value{"age": document.Int64(age)})}
	}
	hits := []Hit{row("a", 10), row("b", 20)}
	cursor := &Cursor{OrderColumn: "age", AnchorValue: keyenc.Int(99), AnchorPK: "zzz"}
	out, hasMore, _ := applyOrderAndLimit(hits, "age", cursor, 10)
	require.Empty(t, out)
	require.False(t, hasMore)
}

func TestMatchesFiltersEqualityAndRange(t *testing.T) {
	v := document.Object(map[string]document.Value{
		"city": document.String("Berlin"),
		"age":  document.Int64(42),
	})
	require.True(t, matchesFilters(v, []Filter{{Field: "city", Op: OpEq, Eq: keyenc.Str("Berlin")}}))
	require.False(t, matchesFilters(v, []Filter{{Field: "city", Op: OpEq, Eq: keyenc.Str("Paris")}}))

	low, high := keyenc.Int(40), keyenc.Int(50)
	require.True(t, matchesFilters(v, []Filter{{Field: "age", Op: OpRange, Low: &low, High: &high}}))
	lowMiss := keyenc.Int(43)
	require.False(t, matchesFilters(v, []Filter{{Field: "age", Op: OpRange, Low: &lowMiss}}))
	require.False(t, matchesFilters(v, []Filter{{Field: "missing", Op: OpEq, Eq: keyenc.Str("x")}}))
}

func TestExecuteFullScanAppliesScalarFilters(t *testing.T) {
	e := openTestEngine(t)
	b := e.NewBatch()
	require.NoError(t, entity.Put(b, e, "hotels", "h1", document.Object(map[string]document.Value{"city": document.String("Berlin")}), true))
	require.NoError(t, entity.Put(b, e, "hotels", "h2", document.Object(map[string]document.Value{"city": document.String("Paris")}), true))
	require.NoError(t, b.Commit(kvengine.FlushOS))

	ex := &Executor{Reader: e}
	res, err := ex.Execute(context.Background(), Query{
		Table:   "hotels",
		Filters: []Filter{{Field: "city", Op: OpEq, Eq: keyenc.Str("Berlin")}},
	}, "hotels")
	require.NoError(t, err)
	require.Equal(t, PlanFullScan, res.Plan)
	require.Len(t, res.Hits, 1)
	require.Equal(t, "h1", res.Hits[0].PK)
}

func TestExecuteFullScanReturnsEveryRow(t *testing.T) {
	e := openTestEngine(t)
	b := e.NewBatch()
	require.NoError(t, entity.Put(b, e, "hotels", "h1", document.Object(map[string]document.Value{"city": document.String("Berlin")}), true))
	require.NoError(t, entity.Put(b, e, "hotels", "h2", document.Object(map[string]document.Value{"city": document.String("Paris")}), true))
	require.NoError(t, b.Commit(kvengine.FlushOS))

	ex := &Executor{Reader: e}
	res, err := ex.Execute(context.Background(), Query{Table: "hotels"}, "hotels")
	require.NoError(t, err)
	require.Equal(t, PlanFullScan, res.Plan)
	require.Len(t, res.Hits, 2)
}

func TestExecuteCompositeFirstUsesIndex(t *testing.T) {
	e := openTestEngine(t)
	idx := secondary.NewCompositeIndex("hotels", "city_rating", []string{"city", "rating"})

	putHotel := func(pk, city string, rating int64) {
		value := document.Object(map[string]document.Value{"city": document.String(city), "rating": document.Int64(rating)})
		old, oldOK, err := entity.Get(e, "hotels", pk)
		require.NoError(t, err)
		b := e.NewBatch()
		require.NoError(t, entity.Put(b, e, "hotels", pk, value, true))
		require.NoError(t, idx.OnPut(b, "hotels", pk, old, oldOK, value))
		require.NoError(t, b.Commit(kvengine.FlushOS))
	}
	putHotel("h1", "Berlin", 4)
	putHotel("h2", "Berlin", 5)
	putHotel("h3", "Paris", 5)

	ex := &Executor{
		Reader:          e,
		CompositeIndex:  "city_rating",
		CompositeFields: []string{"city", "rating"},
		Stats: Stats{
			RowCount:             3,
			CompositePrefix:      "city_rating",
			CompositeSelectivity: map[string]float64{"city_rating": 0.001},
		},
	}
	q := Query{
		Table: "hotels",
		Filters: []Filter{
			{Field: "city", Op: OpEq, Eq: keyenc.Str("Berlin")},
			{Field: "rating", Op: OpEq, Eq: keyenc.Int(4)},
		},
	}
	res, err := ex.Execute(context.Background(), q, "hotels")
	require.NoError(t, err)
	require.Equal(t, PlanCompositeFirst, res.Plan)
	require.Len(t, res.Hits, 1)
	require.Equal(t, "h1", res.Hits[0].PK)
}

func TestExecuteFullTextScoresAndOrdersHits(t *testing.T) {
	e := openTestEngine(t)
	idx := fulltext.NewIndex("articles", "bio")

	putArticle := func(pk, bio string) {
		value := document.Object(map[string]document.Value{"bio": document.String(bio)})
		b := e.NewBatch()
		require.NoError(t, entity.Put(b, e, "articles", pk, value, true))
		require.NoError(t, idx.OnPut(b, "articles", pk, document.Value{}, false, value))
		require.NoError(t, b.Commit(kvengine.FlushOS))
	}
	putArticle("a1", "quick brown fox")
	putArticle("a2", "quick fox jumps")
	putArticle("a3", "lazy dog")

	ex := &Executor{Reader: e}
	q := Query{
		Table:    "articles",
		FullText: &FullTextQuery{Field: "bio", Query: "quick fox", K: 10},
	}
	res, err := ex.Execute(context.Background(), q, "articles")
	require.NoError(t, err)
	require.Equal(t, PlanFullText, res.Plan)
	require.Len(t, res.Hits, 2)
	for _, hit := range res.Hits {
		require.NotEqual(t, "a3", hit.PK)
		require.Greater(t, hit.Score, 0.0)
	}
}
