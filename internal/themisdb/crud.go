package themisdb

import (
	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/geo"
	"github.com/cuemby/themisdb/internal/index/spatial"
	"github.com/cuemby/themisdb/internal/kvengine"
	"github.com/cuemby/themisdb/internal/txn"
)

// Get reads one entity at the latest committed state.
func (db *DB) Get(table, pk string) (document.Value, bool, error) {
	t, err := db.txns.Begin(true)
	if err != nil {
		return document.Value{}, false, err
	}
	defer t.Rollback()
	return t.Get(table, pk)
}

// Cursor iterates a Scan's result set. Close must be called exactly
// once when the caller is done with it, even on early abandonment, to
// release the read snapshot Scan opened underneath it.
type Cursor struct {
	*entity.Cursor
	t *txn.Txn
}

// Close releases the cursor's underlying read transaction. Safe to
// call more than once.
func (c *Cursor) Close() error {
	return c.t.Rollback()
}

// Scan opens a cursor over table within rng. The returned Cursor
// must be closed by the caller.
func (db *DB) Scan(table string, rng entity.ScanRange) (*Cursor, error) {
	t, err := db.txns.Begin(true)
	if err != nil {
		return nil, err
	}
	return &Cursor{Cursor: t.Scan(table, rng), t: t}, nil
}

// Put writes one entity, updating every secondary index registered
// against table through the transaction manager plus any vector or
// spatial index declared on a field present in value, then commits.
func (db *DB) Put(table, pk string, value document.Value, overwrite bool) error {
	t, err := db.txns.Begin(false)
	if err != nil {
		return err
	}
	if err := t.Put(table, pk, value, overwrite); err != nil {
		t.Rollback()
		return err
	}
	if err := db.applyVectorSpatialWrites(t.Snapshot(), t.Batch(), table, pk, value); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}

// Delete removes one entity, and every vector/spatial entry keyed
// under it, then commits. Deleting an absent key is a no-op and
// produces no changefeed record.
func (db *DB) Delete(table, pk string) error {
	t, err := db.txns.Begin(false)
	if err != nil {
		return err
	}
	_, ok, err := t.Get(table, pk)
	if err != nil {
		t.Rollback()
		return err
	}
	if !ok {
		return t.Rollback()
	}
	if err := t.Delete(table, pk); err != nil {
		t.Rollback()
		return err
	}
	if err := db.applyVectorSpatialDeletes(t.Snapshot(), t.Batch(), table, pk); err != nil {
		t.Rollback()
		return err
	}
	return t.Commit()
}

// applyVectorSpatialWrites inserts pk into every vector/spatial index
// registered on table whose field is present in value. txn.Manager's
// Indexer hooks can't drive these (vector.Insert/spatial.Insert read
// already-committed neighbours through a Reader while staging new
// entries through a Writer, a shape narrower Indexer can't express),
// so the facade wires them directly off the same transaction's own
// Snapshot/Batch, which already satisfy vector/spatial's Reader/
// Writer interfaces without any adaptation. WAL recovery reuses the
// same path with its own snapshot/batch pair.
func (db *DB) applyVectorSpatialWrites(snap *kvengine.Snapshot, batch *kvengine.Batch, table, pk string, value document.Value) error {
	db.mu.RLock()
	vidx := db.vectorIdx[table]
	sidx := db.spatialIdx[table]
	db.mu.RUnlock()

	if len(vidx) == 0 && len(sidx) == 0 {
		return nil
	}

	for field, idx := range vidx {
		fv, ok := value.Field(field)
		if !ok || fv.Kind() != document.KindVector {
			continue
		}
		if err := idx.Insert(snap, batch, pk, fv.Vector()); err != nil {
			return err
		}
	}
	for field, idx := range sidx {
		fv, ok := value.Field(field)
		if !ok || fv.Kind() != document.KindBytes {
			continue
		}
		if err := db.insertSpatialFromEWKB(snap, batch, idx, pk, fv.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// insertSpatialFromEWKB computes idx's bounding box from an EWKB
// geometry blob and inserts pk, shared by the live write path and
// CreateIndex's backfill.
func (db *DB) insertSpatialFromEWKB(r spatial.Reader, w spatial.Writer, idx *spatial.Index, pk string, ewkb []byte) error {
	minX, minY, maxX, maxY, err := geo.BoundingBox(ewkb)
	if err != nil {
		return err
	}
	mbr := spatial.MBR{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
	return idx.Insert(r, w, pk, mbr, ewkb)
}

func (db *DB) applyVectorSpatialDeletes(snap *kvengine.Snapshot, batch *kvengine.Batch, table, pk string) error {
	db.mu.RLock()
	vidx := db.vectorIdx[table]
	sidx := db.spatialIdx[table]
	db.mu.RUnlock()

	if len(vidx) == 0 && len(sidx) == 0 {
		return nil
	}

	for _, idx := range vidx {
		if err := idx.Delete(snap, batch, pk); err != nil {
			return err
		}
	}
	for _, idx := range sidx {
		if err := idx.Delete(snap, batch, pk); err != nil {
			return err
		}
	}
	return nil
}
