package themisdb

import (
	"github.com/cuemby/themisdb/internal/catalog"
	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/index/fulltext"
	"github.com/cuemby/themisdb/internal/index/secondary"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/kvengine"
	"github.com/cuemby/themisdb/internal/txn"
)

// CreateIndex registers desc, synchronously back-fills it from every
// existing row in desc.Table, then activates it. Catalog and
// backfill writes go straight through a kvengine.Batch rather than
// the transaction manager: this is DDL against the index's own
// keyspace, not a user-data write the changefeed or secondary indices
// on other fields need to observe.
//
// Vector and spatial descriptors are wired and backfilled through
// their own Reader/Writer path directly (see crud.go); every other
// kind backfills through the same txn.Indexer.OnPut a live write
// would have called.
func (db *DB) CreateIndex(desc catalog.Descriptor) error {
	desc.State = catalog.StateBackfilling
	b := db.engine.NewBatch()
	if err := catalog.Create(b, db.engine, desc); err != nil {
		return err
	}
	if err := b.Commit(kvengine.FlushOS); err != nil {
		return err
	}

	db.wireDescriptor(desc)

	if err := db.backfillIndex(desc); err != nil {
		return err
	}

	b2 := db.engine.NewBatch()
	if err := catalog.Activate(b2, db.engine, desc.Table, desc.Name); err != nil {
		return err
	}
	if err := b2.Commit(kvengine.FlushOS); err != nil {
		return err
	}

	if desc.Kind == catalog.Composite {
		db.rebuildStatsRefresher()
	}
	return nil
}

// indexersFor rebuilds the txn.Indexer list for table from its wired
// descriptors, for callers outside the transaction manager (WAL
// recovery) that need to drive the same index write paths by hand.
func (db *DB) indexersFor(table string) []txn.Indexer {
	db.mu.RLock()
	descs := db.descByTable[table]
	db.mu.RUnlock()
	var out []txn.Indexer
	for _, d := range descs {
		if idxr := indexerFor(d); idxr != nil {
			out = append(out, idxr)
		}
	}
	return out
}

// indexerFor builds the txn.Indexer matching desc, for every kind
// secondary/fulltext implement that way. Vector and spatial return
// nil: they backfill through backfillVectorSpatial instead.
func indexerFor(desc catalog.Descriptor) txn.Indexer {
	switch desc.Kind {
	case catalog.Equality:
		return secondary.NewEqualityIndex(desc.Table, desc.Field)
	case catalog.Range:
		return secondary.NewRangeIndex(desc.Table, desc.Field)
	case catalog.Sparse:
		return secondary.NewSparseIndex(desc.Table, desc.Field)
	case catalog.Composite:
		return secondary.NewCompositeIndex(desc.Table, desc.Name, desc.Fields)
	case catalog.TTL:
		return secondary.NewTTLIndex(desc.Table, desc.Field)
	case catalog.FullText:
		return fulltext.NewIndex(desc.Table, desc.Field)
	default:
		return nil
	}
}

// backfillIndex scans every existing row of desc.Table once and feeds
// it through the index kind's own write path, accumulated into one
// batch.
func (db *DB) backfillIndex(desc catalog.Descriptor) error {
	b := db.engine.NewBatch()
	c := entity.Scan(db.engine, desc.Table, entity.ScanRange{})
	defer c.Close()

	if idxr := indexerFor(desc); idxr != nil {
		for c.Next() {
			rec := c.Record()
			if err := idxr.OnPut(b, desc.Table, rec.PK, document.Value{}, false, rec.Value); err != nil {
				return err
			}
		}
		if err := c.Err(); err != nil {
			return err
		}
		return b.Commit(kvengine.FlushOS)
	}

	snap, err := db.engine.NewSnapshot()
	if err != nil {
		return err
	}
	defer snap.Close()
	if err := db.backfillVectorSpatial(snap, b, desc, c); err != nil {
		return err
	}
	return b.Commit(kvengine.FlushOS)
}

// backfillVectorSpatial drives vector.Insert/spatial.Insert row by
// row, reading already-staged neighbours back out of the same batch's
// snapshot-plus-batch pair the live write path uses.
func (db *DB) backfillVectorSpatial(snap *kvengine.Snapshot, b *kvengine.Batch, desc catalog.Descriptor, c *entity.Cursor) error {
	db.mu.RLock()
	vidx := db.vectorIdx[desc.Table][desc.Field]
	sidx := db.spatialIdx[desc.Table][desc.Field]
	db.mu.RUnlock()

	for c.Next() {
		rec := c.Record()
		fv, ok := rec.Value.Field(desc.Field)
		if !ok {
			continue
		}
		switch desc.Kind {
		case catalog.Vector:
			if vidx != nil && fv.Kind() == document.KindVector {
				if err := vidx.Insert(snap, b, rec.PK, fv.Vector()); err != nil {
					return err
				}
			}
		case catalog.Spatial:
			if sidx != nil && fv.Kind() == document.KindBytes {
				if err := db.insertSpatialFromEWKB(snap, b, sidx, rec.PK, fv.Bytes()); err != nil {
					return err
				}
			}
		}
	}
	return c.Err()
}

// DropIndex removes desc's catalog entry and issues a range delete
// over its keyspace prefix. A Graph descriptor has no prefix case:
// only its catalog entry is removed and its edge keys stay in place.
func (db *DB) DropIndex(table, name string) error {
	desc, ok, err := catalog.Get(db.engine, table, name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	b := db.engine.NewBatch()
	catalog.Drop(b, table, name)

	var prefix []byte
	switch desc.Kind {
	case catalog.Equality:
		prefix = keyenc.EqualityFieldPrefix(table, desc.Field)
	case catalog.Range:
		prefix = keyenc.RangeFieldPrefix(table, desc.Field)
	case catalog.Sparse:
		prefix = keyenc.SparseFieldPrefix(table, desc.Field)
	case catalog.Composite:
		prefix = keyenc.CompositeIndexPrefix(table, name)
	case catalog.TTL:
		prefix = keyenc.TTLTablePrefix(table)
	case catalog.FullText:
		prefix = keyenc.FullTextFieldPrefix(table, desc.Field)
	case catalog.Vector:
		prefix = keyenc.VectorPrefix(table, desc.Field)
	case catalog.Spatial:
		prefix = keyenc.SpatialPrefix(table, desc.Field)
	}
	if prefix != nil {
		if err := db.rangeDelete(b, prefix); err != nil {
			return err
		}
	}
	if err := b.Commit(kvengine.FlushOS); err != nil {
		return err
	}

	db.txns.UnregisterIndexer(table, name)
	db.forgetDescriptor(desc)
	if desc.Kind == catalog.Composite {
		db.rebuildStatsRefresher()
	}
	return nil
}

func (db *DB) rangeDelete(b *kvengine.Batch, prefix []byte) error {
	end := keyenc.PrefixUpperBound(prefix)
	it := db.engine.Iterator(prefix, end, false)
	defer it.Close()
	for it.Next() {
		b.Delete(append([]byte(nil), it.Key()...))
	}
	return it.Err()
}

func (db *DB) forgetDescriptor(desc catalog.Descriptor) {
	db.mu.Lock()
	defer db.mu.Unlock()
	switch desc.Kind {
	case catalog.Vector:
		delete(db.vectorIdx[desc.Table], desc.Field)
	case catalog.Spatial:
		delete(db.spatialIdx[desc.Table], desc.Field)
		delete(db.spatialBnds[desc.Table], desc.Field)
	case catalog.TTL:
		delete(db.ttlTables, desc.Table)
	case catalog.Graph:
		delete(db.graphs, desc.GraphName)
	}
	descs := db.descByTable[desc.Table]
	for i, d := range descs {
		if d.Name == desc.Name {
			db.descByTable[desc.Table] = append(descs[:i], descs[i+1:]...)
			break
		}
	}
}
