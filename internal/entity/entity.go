// Package entity implements the entity store: the put/get/delete/scan
// contract over ent:<table>:<pk> keys that every index family and the
// transaction manager build on.
//
// Values are JSON-marshalled document.Value records in a single
// shared keyspace; the table name is length-prefixed into the key so
// a table scan is an ordered prefix range.
package entity

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/kvengine"
)

// Writer is the subset of kvengine.Batch the entity store writes
// through; transactions satisfy it directly so entity writes and
// index writes land in the same atomic batch.
type Writer interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// Reader is the subset of kvengine.Engine/kvengine.Snapshot the
// entity store reads through.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// ScanReader additionally supports bounded ordered iteration, as
// satisfied by kvengine.Snapshot.
type ScanReader interface {
	Reader
	Iterator(start, end []byte, reverse bool) *kvengine.Iterator
}

// Record is one stored entity: its primary key and typed value.
type Record struct {
	PK    string
	Value document.Value
}

// Exists reports whether table/pk is present, used to implement Put's
// overwrite=false guard without paying for a full decode.
func Exists(r Reader, table, pk string) (bool, error) {
	v, err := r.Get(keyenc.EntityKey(table, pk))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Get reads the current value of table/pk, returning (zero, false) if
// absent. Never blocks writers: callers read through a Snapshot.
func Get(r Reader, table, pk string) (document.Value, bool, error) {
	raw, err := r.Get(keyenc.EntityKey(table, pk))
	if err != nil {
		return document.Value{}, false, err
	}
	if raw == nil {
		return document.Value{}, false, nil
	}
	var v document.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return document.Value{}, false, dberr.Wrap(dberr.Corruption, fmt.Errorf("entity: decode %s/%s: %w", table, pk, err)).WithTable(table).WithKey(pk)
	}
	return v, true, nil
}

// Put stages an entity write. pk must be non-empty. If overwrite is
// false and a value for table/pk is already visible in r, it fails
// with Exists.
func Put(w Writer, r Reader, table, pk string, value document.Value, overwrite bool) error {
	if pk == "" {
		return dberr.New(dberr.InvalidValue, "entity: empty primary key").WithTable(table)
	}
	if err := document.Validate(value); err != nil {
		return dberr.Wrap(dberr.InvalidValue, err).WithTable(table).WithKey(pk)
	}
	if !overwrite {
		ok, err := Exists(r, table, pk)
		if err != nil {
			return err
		}
		if ok {
			return dberr.New(dberr.Exists, "entity: primary key already exists").WithTable(table).WithKey(pk)
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err).WithTable(table).WithKey(pk)
	}
	w.Put(keyenc.EntityKey(table, pk), raw)
	return nil
}

// Delete stages a tombstone for table/pk. Idempotent: deleting an
// already-absent key is not an error.
func Delete(w Writer, table, pk string) error {
	if pk == "" {
		return dberr.New(dberr.InvalidValue, "entity: empty primary key").WithTable(table)
	}
	w.Delete(keyenc.EntityKey(table, pk))
	return nil
}

// ScanRange bounds a table scan to [startPK, endPK); empty bounds mean
// unbounded at that end, matching keyenc's exclusive-end convention.
type ScanRange struct {
	StartPK string
	EndPK   string
	Reverse bool
}

// Scan returns a lazy, ordered, finite sequence of matching records,
// as the table's entity prefix range.
func Scan(r ScanReader, table string, rng ScanRange) *Cursor {
	tablePrefix := keyenc.EntityTablePrefix(table)
	start := tablePrefix
	if rng.StartPK != "" {
		start = keyenc.EntityKey(table, rng.StartPK)
	}
	end := keyenc.PrefixUpperBound(tablePrefix)
	if rng.EndPK != "" {
		end = keyenc.EntityKey(table, rng.EndPK)
	}
	it := r.Iterator(start, end, rng.Reverse)
	return &Cursor{it: it, table: table, tablePrefixLen: len(tablePrefix), reverse: rng.Reverse}
}

// ScanWithOverlay is Scan with a transaction's own staged writes
// merged in: overlay records (sorted by the caller in scan order)
// shadow committed rows with the same pk, and pks in deleted are
// suppressed entirely. This is how an MVCC transaction observes its
// own uncommitted writes in program order without them
// being visible to anyone else.
func ScanWithOverlay(r ScanReader, table string, rng ScanRange, overlay []Record, deleted map[string]bool) *Cursor {
	c := Scan(r, table, rng)
	c.overlay = overlay
	c.deleted = deleted
	return c
}

// Cursor iterates Scan's result set, decoding entity values lazily.
type Cursor struct {
	it             *kvengine.Iterator
	table          string
	tablePrefixLen int
	reverse        bool
	cur            Record
	err            error

	overlay  []Record
	ovIdx    int
	deleted  map[string]bool
	basePeek *Record
	baseDone bool
}

// Close releases the cursor's underlying iterator. Required for
// callers that may abandon the scan before exhausting it; safe to call
// more than once.
func (c *Cursor) Close() {
	c.it.Close()
}

// before reports whether pk a comes before pk b in this cursor's scan
// direction.
func (c *Cursor) before(a, b string) bool {
	if c.reverse {
		return a > b
	}
	return a < b
}

// advanceBase loads the next committed record not deleted or shadowed
// by the overlay into basePeek.
func (c *Cursor) advanceBase() {
	for !c.baseDone {
		if !c.it.Next() {
			c.err = c.it.Err()
			c.baseDone = true
			c.basePeek = nil
			return
		}
		key := c.it.Key()
		pk := string(key[c.tablePrefixLen:])
		if c.deleted[pk] || c.overlayHas(pk) {
			continue
		}
		var v document.Value
		if err := json.Unmarshal(c.it.Value(), &v); err != nil {
			c.err = dberr.Wrap(dberr.Corruption, fmt.Errorf("entity: decode %s/%s: %w", c.table, pk, err)).WithTable(c.table).WithKey(pk)
			c.baseDone = true
			c.basePeek = nil
			return
		}
		c.basePeek = &Record{PK: pk, Value: v}
		return
	}
	c.basePeek = nil
}

func (c *Cursor) overlayHas(pk string) bool {
	for _, r := range c.overlay {
		if r.PK == pk {
			return true
		}
	}
	return false
}

// Next advances the cursor; false means exhausted or errored.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.basePeek == nil && !c.baseDone {
		c.advanceBase()
		if c.err != nil {
			return false
		}
	}
	hasOverlay := c.ovIdx < len(c.overlay)
	switch {
	case c.basePeek == nil && !hasOverlay:
		return false
	case c.basePeek == nil:
		c.cur = c.overlay[c.ovIdx]
		c.ovIdx++
	case !hasOverlay || c.before(c.basePeek.PK, c.overlay[c.ovIdx].PK):
		c.cur = *c.basePeek
		c.basePeek = nil
	default:
		c.cur = c.overlay[c.ovIdx]
		c.ovIdx++
	}
	return true
}

// Record returns the current record. Valid only after Next is true.
func (c *Cursor) Record() Record { return c.cur }

// Err returns the first error encountered, if any.
func (c *Cursor) Err() error { return c.err }
