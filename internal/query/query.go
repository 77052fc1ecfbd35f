// Package query implements the planner and executor: a
// normalised query against conjunctive equality/range filters, an
// optional spatial predicate, an optional vector scorer, cursor
// pagination, an ordered rule choosing between CompositeFirst,
// SpatialFirst, VectorFirst, FullText and FullScan, and the span
// attributes an observability layer would attach per plan.
//
// Choose applies the rule. ComputeCosts evaluates the cost formulas
// on every execution, and the figures are reported as span attributes,
// not compared. The Graph* plan names are declared but never chosen,
// and Execute has no case for them: a forced Graph* plan runs as
// FullScan. Graph traversals are direct calls on the graph index.
package query

import (
	"bytes"
	"math"
	"sort"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/keyenc"
)

// FilterOp enumerates the conjunctive predicate kinds a Query carries.
type FilterOp string

const (
	OpEq    FilterOp = "eq"
	OpRange FilterOp = "range"
)

// Filter is one equality or range predicate over a field.
type Filter struct {
	Field string
	Op    FilterOp
	Eq    keyenc.Scalar
	Low   *keyenc.Scalar
	High  *keyenc.Scalar
}

// SpatialKind enumerates the one-per-query spatial predicate shapes.
type SpatialKind string

const (
	SpatialWithin      SpatialKind = "within"
	SpatialIntersects  SpatialKind = "intersects"
	SpatialDistanceCap SpatialKind = "distance_cap"
)

// SpatialPredicate is the query's single optional spatial predicate.
type SpatialPredicate struct {
	Kind     SpatialKind
	MBR      [4]float64 // minX, minY, maxX, maxY
	CenterLon, CenterLat float64
	RadiusKM float64
}

// VectorScorer is the query's single optional vector similarity
// request: similarity(field, query_vec, k).
type VectorScorer struct {
	Field string
	Query []float32
	K     int
}

// FullTextQuery is the query's single optional BM25 full-text
// request against a declared FullText-indexed field.
type FullTextQuery struct {
	Field string
	Query string
	K     int
}

// Options carries the planner hints a caller may attach.
type Options struct {
	Overfetch float64
	ForcePlan Plan
}

// Cursor anchors pagination at the row strictly after (AnchorValue,
// AnchorPK) in lexicographic order.
type Cursor struct {
	OrderColumn string
	AnchorValue keyenc.Scalar
	AnchorPK    string
}

// Query is one normalised planner input.
type Query struct {
	Table    string
	Filters  []Filter
	Spatial  *SpatialPredicate
	Vector   *VectorScorer
	FullText *FullTextQuery
	OrderBy  string
	Limit    int
	Cursor   *Cursor
	Options  Options
}

// Plan enumerates the execution strategies.
type Plan string

const (
	PlanCompositeFirst Plan = "CompositeFirst"
	PlanSpatialFirst   Plan = "SpatialFirst"
	PlanVectorFirst    Plan = "VectorFirst"
	PlanFullText       Plan = "FullText"
	PlanFullScan       Plan = "FullScan"
	PlanGraphBFS       Plan = "GraphBFS"
	PlanGraphDFS       Plan = "GraphDFS"
	PlanGraphShortest  Plan = "GraphShortestPath"
	PlanGraphPageRank  Plan = "GraphPageRank"
	PlanGraphComponents Plan = "GraphComponents"
)

// Stats is the subset of internal/stats the cost model consumes.
type Stats struct {
	RowCount int64
	// CompositeSelectivity maps a composite index name to its
	// estimated selectivity (fraction of rows a prefix match yields).
	CompositeSelectivity map[string]float64
	// CompositePrefix names the composite index, if any, whose leading
	// fields are fully covered by the query's equality filters.
	CompositePrefix string
}

// Costs holds the per-plan cost figures, emitted as the cost_* span
// attributes on every execution.
type Costs struct {
	Composite float64
	Spatial   float64
	Vector    float64
	Scan      float64
	AreaRatio float64
}

func logN(n int64) float64 {
	if n <= 1 {
		return 0
	}
	return math.Log(float64(n))
}

// ComputeCosts evaluates the four cost formulas for q given st,
// areaRatio (0 if q has no spatial predicate), efSearch and dim (0 if
// q has no vector scorer).
func ComputeCosts(q Query, st Stats, areaRatio float64, efSearch, dim int) Costs {
	n := st.RowCount
	selectivity := 1.0
	if st.CompositePrefix != "" {
		if s, ok := st.CompositeSelectivity[st.CompositePrefix]; ok {
			selectivity = s
		}
	}

	var costVector float64
	if q.Vector != nil {
		costVector = logN(n) + float64(q.Vector.K)*float64(efSearch)*float64(dim)
	}
	var costSpatial float64
	if q.Spatial != nil {
		costSpatial = logN(n) + areaRatio*costVector
	}
	costComposite := logN(n) + selectivity*(costSpatial+costVector)
	costScan := float64(n)

	return Costs{Composite: costComposite, Spatial: costSpatial, Vector: costVector, Scan: costScan, AreaRatio: areaRatio}
}

// Choose applies the plan choice rule in order: force_plan, then a
// selective composite prefix, then a tight-enough spatial predicate,
// then any vector scorer, else FullScan.
func Choose(q Query, st Stats, areaRatio float64) Plan {
	if q.Options.ForcePlan != "" {
		return q.Options.ForcePlan
	}
	if st.CompositePrefix != "" {
		if s, ok := st.CompositeSelectivity[st.CompositePrefix]; ok && s <= 0.01 {
			return PlanCompositeFirst
		}
	}
	if q.Spatial != nil && areaRatio <= 0.3 {
		return PlanSpatialFirst
	}
	if q.Vector != nil {
		return PlanVectorFirst
	}
	if q.FullText != nil {
		return PlanFullText
	}
	return PlanFullScan
}

// Hit is one result row: its primary key, decoded value and (for
// vector/spatial plans) its score/distance.
type Hit struct {
	PK    string
	Value document.Value
	Score float64
}

// Result is what Execute returns: the chosen plan, its hits (already
// order_by/limit applied), pagination metadata and the observability
// span attributes.
type Result struct {
	Plan       Plan
	Hits       []Hit
	HasMore    bool
	NextCursor *Cursor
	Truncated  bool
	Attributes map[string]interface{}
}

func validate(q Query) error {
	if q.Table == "" {
		return dberr.New(dberr.InvalidQuery, "query: table is required")
	}
	if q.Vector != nil && q.Vector.K <= 0 {
		return dberr.New(dberr.InvalidQuery, "query: vector scorer requires k > 0")
	}
	if q.FullText != nil && q.FullText.Field == "" {
		return dberr.New(dberr.InvalidQuery, "query: full-text query requires a field")
	}
	return nil
}

// scalarOfValue maps a scalar document value onto its keyenc.Scalar
// for order-preserving comparison; false for arrays, objects and the
// binary kinds, which no order-by or filter can address.
func scalarOfValue(v document.Value) (keyenc.Scalar, bool) {
	switch v.Kind() {
	case document.KindString:
		return keyenc.Str(v.String()), true
	case document.KindInt64:
		return keyenc.Int(v.Int64()), true
	case document.KindFloat64:
		return keyenc.Flt(v.Float64()), true
	case document.KindBool:
		return keyenc.Bln(v.Bool()), true
	default:
		return keyenc.Scalar{}, false
	}
}

// compareScalars orders two scalars. Cross-kind comparison is defined
// only between int64 and float64 (promoted to float64); any other
// kind mismatch reports ok=false and the caller treats the row as a
// non-match.
func compareScalars(a, b keyenc.Scalar) (int, bool) {
	if a.Kind != b.Kind {
		numeric := func(s keyenc.Scalar) (float64, bool) {
			switch s.Kind {
			case keyenc.KindInt64:
				return float64(s.I), true
			case keyenc.KindFloat64:
				return s.F, true
			default:
				return 0, false
			}
		}
		af, aok := numeric(a)
		bf, bok := numeric(b)
		if !aok || !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	return bytes.Compare(a.SortableBytes(), b.SortableBytes()), true
}

// matchesFilters evaluates every conjunctive equality/range predicate
// against v; a missing or non-scalar field fails the row.
func matchesFilters(v document.Value, filters []Filter) bool {
	for _, f := range filters {
		fv, ok := v.Field(f.Field)
		if !ok {
			return false
		}
		s, ok := scalarOfValue(fv)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEq:
			c, ok := compareScalars(s, f.Eq)
			if !ok || c != 0 {
				return false
			}
		case OpRange:
			if f.Low != nil {
				c, ok := compareScalars(s, *f.Low)
				if !ok || c < 0 {
					return false
				}
			}
			if f.High != nil {
				c, ok := compareScalars(s, *f.High)
				if !ok || c >= 0 {
					return false
				}
			}
		}
	}
	return true
}

// applyOrderAndLimit produces the final presentation order: when an
// order-by column is in play, hits sort by (value, pk) and the cursor
// anchor cuts strictly after (anchor_value, anchor_pk); otherwise the
// plan's own order (vector/BM25 score, key order) stands and the
// anchor cuts by pk alone. Limit is applied with a `limit+1` probe
// to compute has_more and next_cursor.
func applyOrderAndLimit(hits []Hit, orderBy string, cursor *Cursor, limit int) ([]Hit, bool, *Cursor) {
	orderColumn := orderBy
	if orderColumn == "" && cursor != nil {
		orderColumn = cursor.OrderColumn
	}

	if orderColumn != "" {
		key := func(h Hit) []byte {
			fv, ok := h.Value.Field(orderColumn)
			if !ok {
				return nil
			}
			s, ok := scalarOfValue(fv)
			if !ok {
				return nil
			}
			return s.SortableBytes()
		}
		sort.Slice(hits, func(i, j int) bool {
			ki, kj := key(hits[i]), key(hits[j])
			if c := bytes.Compare(ki, kj); c != 0 {
				return c < 0
			}
			return hits[i].PK < hits[j].PK
		})
		if cursor != nil {
			anchor := cursor.AnchorValue.SortableBytes()
			cut := 0
			for cut < len(hits) {
				k := key(hits[cut])
				c := bytes.Compare(k, anchor)
				if c > 0 || (c == 0 && hits[cut].PK > cursor.AnchorPK) {
					break
				}
				cut++
			}
			hits = hits[cut:]
		}
		if limit <= 0 {
			return hits, false, nil
		}
		hasMore := len(hits) > limit
		if hasMore {
			hits = hits[:limit]
		}
		var next *Cursor
		if hasMore && len(hits) > 0 {
			last := hits[len(hits)-1]
			next = &Cursor{OrderColumn: orderColumn, AnchorPK: last.PK}
			if fv, ok := last.Value.Field(orderColumn); ok {
				if s, ok := scalarOfValue(fv); ok {
					next.AnchorValue = s
				}
			}
		}
		return hits, hasMore, next
	}

	if cursor != nil {
		sort.Slice(hits, func(i, j int) bool { return hits[i].PK < hits[j].PK })
		cut := 0
		for cut < len(hits) && hits[cut].PK <= cursor.AnchorPK {
			cut++
		}
		hits = hits[cut:]
	}
	if limit <= 0 {
		return hits, false, nil
	}
	hasMore := len(hits) > limit
	if hasMore {
		hits = hits[:limit]
	}
	var next *Cursor
	if hasMore && len(hits) > 0 {
		last := hits[len(hits)-1]
		next = &Cursor{AnchorPK: last.PK}
	}
	return hits, hasMore, next
}
