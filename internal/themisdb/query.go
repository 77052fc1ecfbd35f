package themisdb

import (
	"context"

	"github.com/cuemby/themisdb/internal/catalog"
	"github.com/cuemby/themisdb/internal/query"
)

// Query runs q against its table, planning and executing it through a
// read-only snapshot. The facade, not the stats package,
// resolves which composite index (if any) covers q's filters: a
// table-wide stats refresh has no way to know which query is coming,
// so Stats.CompositePrefix is always empty coming out of the
// registry and must be filled in here, per query, before the cost
// model can favour CompositeFirst.
func (db *DB) Query(ctx context.Context, q query.Query) (query.Result, error) {
	t, err := db.txns.Begin(true)
	if err != nil {
		return query.Result{}, err
	}
	defer t.Rollback()

	db.mu.RLock()
	descs := db.descByTable[q.Table]
	vidx := db.vectorIdx[q.Table]
	sidx := db.spatialIdx[q.Table]
	sbounds := db.spatialBnds[q.Table]
	db.mu.RUnlock()

	ex := &query.Executor{
		Reader:           t.Snapshot(),
		PrefilterEnabled: db.cfg.WhitelistPrefilterEnabled,
		Overfetch:        db.cfg.VectorOverfetchFactor,
	}

	if name, fields := resolveCompositePrefix(q.Filters, descs); name != "" {
		ex.CompositeIndex = name
		ex.CompositeFields = fields
	}

	if q.Spatial != nil {
		for _, d := range descs {
			if d.Kind == catalog.Spatial {
				ex.Spatial = sidx[d.Field]
				ex.SpatialTotalBounds = sbounds[d.Field]
				break
			}
		}
	}
	if q.Vector != nil {
		ex.Vector = vidx[q.Vector.Field]
	}

	st := db.statsReg.Get(q.Table)
	st.CompositePrefix = ex.CompositeIndex
	ex.Stats = st

	return ex.Execute(ctx, q, q.Table)
}

// resolveCompositePrefix finds the composite descriptor among descs
// whose declared field order is the longest prefix fully covered by
// q's equality filters, returning its name and field list. A filter
// field not present as an OpEq predicate breaks the prefix match at
// that position, matching a composite index's own leftmost-prefix
// lookup rule.
func resolveCompositePrefix(filters []query.Filter, descs []catalog.Descriptor) (string, []string) {
	eq := make(map[string]bool, len(filters))
	for _, f := range filters {
		if f.Op == query.OpEq {
			eq[f.Field] = true
		}
	}

	bestName := ""
	var bestFields []string
	bestLen := 0
	for _, d := range descs {
		if d.Kind != catalog.Composite {
			continue
		}
		n := 0
		for _, f := range d.Fields {
			if !eq[f] {
				break
			}
			n++
		}
		if n > 0 && n > bestLen {
			bestLen = n
			bestName = d.Name
			bestFields = d.Fields
		}
	}
	return bestName, bestFields
}
