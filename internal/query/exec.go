package query

import (
	"context"
	"math"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/geo"
	"github.com/cuemby/themisdb/internal/index/fulltext"
	"github.com/cuemby/themisdb/internal/index/secondary"
	"github.com/cuemby/themisdb/internal/index/spatial"
	"github.com/cuemby/themisdb/internal/index/vector"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/metrics"
)

// Executor runs a Query against one table's wired indices. Every
// field is optional: a plan that doesn't need a given index family
// simply isn't reachable if that field is nil, and the planner's
// fallback-never-error contract takes over.
type Executor struct {
	Reader entity.ScanReader

	// CompositeIndex, when set, names the composite index the
	// CompositeFirst plan scans; CompositeFields is its declared
	// field order.
	CompositeIndex  string
	CompositeFields []string

	Spatial            *spatial.Index
	SpatialTotalBounds spatial.MBR

	Vector *vector.Index

	// PrefilterEnabled selects the whitelist pushdown mode: true
	// pushes the whitelist into the ANN search (iterative candidate
	// enlargement), false falls back to postfilter (search k*overfetch
	// then drop non-whitelist hits). Mapped from
	// whitelist_prefilter_enabled.
	PrefilterEnabled bool

	// Overfetch is the default k' = k * overfetch factor applied when
	// the query's own hint doesn't set one, mapped from
	// vector_overfetch_factor.
	Overfetch float64

	Stats Stats
}

func (ex *Executor) areaRatio(q *SpatialPredicate) float64 {
	if q == nil || ex.Spatial == nil {
		return 0
	}
	return spatial.AreaRatio(predicateMBR(q), ex.SpatialTotalBounds)
}

// predicateMBR resolves a predicate's candidate bounding box: the
// declared MBR for within/intersects, a circle-circumscribing box for
// distance-cap.
func predicateMBR(q *SpatialPredicate) spatial.MBR {
	if q.Kind == SpatialDistanceCap {
		const kmPerDegLat = 111.195
		latDelta := q.RadiusKM / kmPerDegLat
		lonScale := math.Cos(q.CenterLat * math.Pi / 180)
		if lonScale < 0.01 {
			lonScale = 0.01
		}
		lonDelta := q.RadiusKM / (kmPerDegLat * lonScale)
		return spatial.MBR{
			MinX: q.CenterLon - lonDelta,
			MinY: q.CenterLat - latDelta,
			MaxX: q.CenterLon + lonDelta,
			MaxY: q.CenterLat + latDelta,
		}
	}
	return spatial.MBR{MinX: q.MBR[0], MinY: q.MBR[1], MaxX: q.MBR[2], MaxY: q.MBR[3]}
}

// Execute runs q to completion, choosing a plan via Choose and
// producing Result. A context already past its deadline surfaces as
// Truncated=true on whatever partial result was gathered rather than
// an error.
func (ex *Executor) Execute(ctx context.Context, q Query, table string) (Result, error) {
	timer := metrics.NewTimer()
	if q.Table == "" {
		q.Table = table
	}
	if err := validate(q); err != nil {
		return Result{}, err
	}

	ratio := ex.areaRatio(q.Spatial)
	dim := 0
	efSearch := 0
	if q.Vector != nil && ex.Vector != nil {
		dim = ex.Vector.Params.Dimension
		efSearch = ex.Vector.Params.EfSearch
	}
	costs := ComputeCosts(q, ex.Stats, ratio, efSearch, dim)
	plan := Choose(q, ex.Stats, ratio)

	overfetch := ex.Overfetch
	if q.Options.Overfetch > 0 {
		overfetch = q.Options.Overfetch
	}
	if overfetch < 1 {
		overfetch = 1
	}

	attrs := map[string]interface{}{
		"plan":           string(plan),
		"cost_composite": costs.Composite,
		"cost_spatial":   costs.Spatial,
		"cost_vector":    costs.Vector,
		"cost_scan":      costs.Scan,
	}

	var (
		pks       []string
		whitelist map[string]bool
		scores    map[string]float64
		truncated bool
		err       error
	)

	switch plan {
	case PlanCompositeFirst:
		pks, err = ex.execCompositeFirst(q)
		attrs["composite_prefilter_size"] = len(pks)
		whitelist = toSet(pks)
	case PlanSpatialFirst:
		pks, err = ex.execSpatialFirst(q)
		attrs["spatial_prefilter_size"] = len(pks)
		whitelist = toSet(pks)
	case PlanVectorFirst:
		pks, scores, err = ex.execVectorFirst(q, overfetch)
		attrs["vector_rerank_count"] = len(pks)
	case PlanFullText:
		pks, scores, err = ex.execFullText(q)
		attrs["fulltext_hit_count"] = len(pks)
	default:
		pks, err = ex.execFullScan(ctx, q)
	}
	if err != nil {
		if de, ok := err.(*dberr.Error); ok && de.Kind == dberr.DeadlineExceeded {
			truncated = true
		} else {
			return Result{}, err
		}
	}

	if (plan == PlanCompositeFirst || plan == PlanSpatialFirst) && q.Vector != nil && ex.Vector != nil {
		pks, scores, err = ex.rerankByVector(q, whitelist, overfetch)
		if err != nil {
			return Result{}, err
		}
		attrs["vector_rerank_count"] = len(pks)
	}

	attrs["overfetch_factor_effective"] = overfetch
	if len(whitelist) > 0 {
		hitRate := 0.0
		if len(pks) > 0 {
			hitRate = float64(len(pks)) / float64(len(whitelist))
		}
		attrs["whitelist_hit_rate"] = hitRate
	}

	hits, err := ex.resolve(q.Table, pks, scores)
	if err != nil {
		return Result{}, err
	}

	hits = ex.postFilter(hits, q)

	// A VectorFirst overfetch widened the candidate pool to absorb
	// filter loss; cut back to the requested k now that the filters
	// have run, keeping the score order the ANN search produced.
	if plan == PlanVectorFirst && q.Vector != nil && len(hits) > q.Vector.K {
		hits = hits[:q.Vector.K]
	}

	hits, hasMore, next := applyOrderAndLimit(hits, q.OrderBy, q.Cursor, q.Limit)

	metrics.PlansChosenTotal.WithLabelValues(string(plan)).Inc()
	timer.ObserveDurationVec(metrics.QueryExecDuration, string(plan))

	return Result{Plan: plan, Hits: hits, HasMore: hasMore, NextCursor: next, Truncated: truncated, Attributes: attrs}, nil
}

func toSet(pks []string) map[string]bool {
	set := make(map[string]bool, len(pks))
	for _, pk := range pks {
		set[pk] = true
	}
	return set
}

func (ex *Executor) resolve(table string, pks []string, scores map[string]float64) ([]Hit, error) {
	hits := make([]Hit, 0, len(pks))
	for _, pk := range pks {
		v, ok, err := entity.Get(ex.Reader, table, pk)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		hits = append(hits, Hit{PK: pk, Value: v, Score: scores[pk]})
	}
	return hits, nil
}

// postFilter applies the remaining predicates a prefix plan didn't
// already guarantee: the scalar conjunction always, and the exact
// spatial predicate whenever the table has a spatial index to name
// the geometry field (the MBR-level index pass over-approximates, so
// re-checking SpatialFirst candidates here is the "exact predicates
// run post-filter" second pass).
func (ex *Executor) postFilter(hits []Hit, q Query) []Hit {
	checkSpatial := q.Spatial != nil && ex.Spatial != nil
	if len(q.Filters) == 0 && !checkSpatial {
		return hits
	}
	out := hits[:0]
	for _, h := range hits {
		if !matchesFilters(h.Value, q.Filters) {
			continue
		}
		if checkSpatial && !spatialMatch(h.Value, ex.Spatial.Field, q.Spatial) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// spatialMatch evaluates the exact spatial predicate against the
// entity's stored EWKB geometry field.
func spatialMatch(v document.Value, field string, pred *SpatialPredicate) bool {
	fv, ok := v.Field(field)
	if !ok || fv.Kind() != document.KindBytes {
		return false
	}
	minX, minY, maxX, maxY, err := geo.BoundingBox(fv.Bytes())
	if err != nil {
		return false
	}
	box := spatial.MBR{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
	switch pred.Kind {
	case SpatialWithin:
		return predicateMBR(pred).Contains(box)
	case SpatialDistanceCap:
		cx, cy := (box.MinX+box.MaxX)/2, (box.MinY+box.MaxY)/2
		return spatial.GreatCircleKM(pred.CenterLon, pred.CenterLat, cx, cy) <= pred.RadiusKM
	default:
		return predicateMBR(pred).Intersects(box)
	}
}

// rerankByVector is the hybrid second stage of CompositeFirst and
// SpatialFirst: the prefix plan's whitelist is pushed into the ANN
// search (or postfiltered when the pushdown is disabled), and the
// survivors replace the whitelist as the candidate list, ordered by
// similarity.
func (ex *Executor) rerankByVector(q Query, whitelist map[string]bool, overfetch float64) ([]string, map[string]float64, error) {
	if len(whitelist) == 0 {
		return nil, nil, nil
	}
	efSearch := ex.Vector.Params.EfSearch
	var scored []vector.ScoredPK
	var err error
	if ex.PrefilterEnabled {
		scored, err = ex.Vector.Search(ex.Reader, q.Vector.Query, q.Vector.K, efSearch, whitelist)
	} else {
		kPrime := int(math.Ceil(float64(q.Vector.K) * overfetch))
		scored, err = ex.Vector.Search(ex.Reader, q.Vector.Query, kPrime, efSearch, nil)
		if err == nil {
			kept := scored[:0]
			for _, s := range scored {
				if whitelist[s.PK] {
					kept = append(kept, s)
				}
			}
			scored = kept
			if len(scored) > q.Vector.K {
				scored = scored[:q.Vector.K]
			}
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return ex.scoredToLists(scored)
}

// scoredToLists converts ANN hits to (pks, scores), normalising score
// orientation: similarity (higher is better) for cosine and inner
// product, distance (lower is better) for L2.
func (ex *Executor) scoredToLists(scored []vector.ScoredPK) ([]string, map[string]float64, error) {
	pks := make([]string, len(scored))
	scores := make(map[string]float64, len(scored))
	for i, s := range scored {
		pks[i] = s.PK
		scores[s.PK] = ex.normaliseScore(s.Distance)
	}
	return pks, scores, nil
}

func (ex *Executor) normaliseScore(dist float32) float64 {
	switch ex.Vector.Params.Metric {
	case vector.Cosine:
		return 1 - float64(dist)
	case vector.Dot:
		return -float64(dist)
	default:
		return float64(dist)
	}
}

// execFullText runs a BM25 query over q.FullText's declared field,
// returning pks in descending-score order (fulltext.Search's own
// contract) alongside each pk's score for Hit.Score.
func (ex *Executor) execFullText(q Query) ([]string, map[string]float64, error) {
	k := q.FullText.K
	if k <= 0 {
		k = q.Limit
	}
	scored, err := fulltext.Search(ex.Reader, q.Table, q.FullText.Field, q.FullText.Query, k)
	if err != nil {
		return nil, nil, err
	}
	pks := make([]string, len(scored))
	scores := make(map[string]float64, len(scored))
	for i, s := range scored {
		pks[i] = s.PK
		scores[s.PK] = s.Score
	}
	return pks, scores, nil
}

func (ex *Executor) execCompositeFirst(q Query) ([]string, error) {
	if ex.CompositeIndex == "" {
		return ex.execFullScan(context.Background(), q)
	}
	eqByField := make(map[string]keyenc.Scalar, len(q.Filters))
	for _, f := range q.Filters {
		if f.Op == OpEq {
			eqByField[f.Field] = f.Eq
		}
	}
	var eqValues []keyenc.Scalar
	for _, field := range ex.CompositeFields {
		s, ok := eqByField[field]
		if !ok {
			break
		}
		eqValues = append(eqValues, s)
	}
	if len(eqValues) == len(ex.CompositeFields) {
		return secondary.CompositeLookup(ex.Reader, q.Table, ex.CompositeIndex, eqValues)
	}
	return secondary.CompositePrefixScan(ex.Reader, q.Table, ex.CompositeIndex, eqValues, len(ex.CompositeFields))
}

func (ex *Executor) execSpatialFirst(q Query) ([]string, error) {
	if ex.Spatial == nil || q.Spatial == nil {
		return ex.execFullScan(context.Background(), q)
	}
	mbr := predicateMBR(q.Spatial)
	switch q.Spatial.Kind {
	case SpatialWithin:
		return ex.Spatial.SearchWithin(ex.Reader, mbr, func(ewkb []byte) bool {
			minX, minY, maxX, maxY, err := geo.BoundingBox(ewkb)
			if err != nil {
				return false
			}
			return mbr.Contains(spatial.MBR{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY})
		})
	default:
		return ex.Spatial.SearchIntersects(ex.Reader, mbr)
	}
}

func (ex *Executor) execVectorFirst(q Query, overfetch float64) ([]string, map[string]float64, error) {
	if ex.Vector == nil || q.Vector == nil {
		pks, err := ex.execFullScan(context.Background(), q)
		return pks, nil, err
	}
	kPrime := int(math.Ceil(float64(q.Vector.K) * overfetch))
	scored, err := ex.Vector.Search(ex.Reader, q.Vector.Query, kPrime, ex.Vector.Params.EfSearch, nil)
	if err != nil {
		return nil, nil, err
	}
	return ex.scoredToLists(scored)
}

func (ex *Executor) execFullScan(ctx context.Context, q Query) ([]string, error) {
	cursor := entity.Scan(ex.Reader, q.Table, entity.ScanRange{})
	defer cursor.Close()
	var pks []string
	for cursor.Next() {
		select {
		case <-ctx.Done():
			return pks, dberr.New(dberr.DeadlineExceeded, "query: full scan exceeded deadline")
		default:
		}
		pks = append(pks, cursor.Record().PK)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return pks, nil
}
