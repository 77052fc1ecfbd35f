// Package secondary implements the four single/multi-field index
// kinds backed directly by the sortable key encodings of keyenc:
// equality, range, sparse and composite, plus the TTL
// expiry index.
//
// Every index kind here is a txn.Indexer: Put/Delete on the owning
// table calls OnPut/OnDelete so the posting write lands in the same
// atomic batch as the entity write and entity and index state can
// never commit separately. Storage access goes through narrow
// Writer/Reader capability interfaces instead of a concrete engine
// handle.
package secondary

import (
	"bytes"

	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/kvengine"
)

// Reader is the subset of kvengine.Engine/Snapshot index lookups read
// through.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// ScanReader additionally supports the bounded iteration every scan
// variant needs.
type ScanReader interface {
	Reader
	Iterator(start, end []byte, reverse bool) *kvengine.Iterator
}

var postingMarker = []byte{1}

func scalarOf(v document.Value) (keyenc.Scalar, bool) {
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

func fieldScalar(v document.Value, field string) (keyenc.Scalar, bool) {
	f, ok := v.Field(field)
	if !ok {
		return keyenc.Scalar{}, false
	}
	return scalarOf(f)
}

// genericPKSuffix recovers the primary key from a posting key whose
// exact value prefix is already known to the caller (an exact-value
// equality/sparse lookup, or a full-tuple composite lookup): the
// posting format is always <exact prefix> + ':' + pk.
func genericPKSuffix(key, exactPrefix []byte) (string, bool) {
	if !bytes.HasPrefix(key, exactPrefix) {
		return "", false
	}
	rest := key[len(exactPrefix):]
	if len(rest) == 0 || rest[0] != ':' {
		return "", false
	}
	return string(rest[1:]), true
}

// pkAfterFieldPrefix recovers the primary key from a range posting
// key whose field prefix is known but whose value component varies in
// length across the scanned range, by skipping the
// escaped-and-terminated value component.
func pkAfterFieldPrefix(key, fieldPrefix []byte) (string, bool) {
	if !bytes.HasPrefix(key, fieldPrefix) {
		return "", false
	}
	_, rest, ok := keyenc.ReadEscaped(key[len(fieldPrefix):])
	if !ok || len(rest) == 0 || rest[0] != ':' {
		return "", false
	}
	return string(rest[1:]), true
}

// EqualityIndex maintains idx:eq:<table>:<field>:<value>:<pk>
// postings.
type EqualityIndex struct {
	Table string
	Field string
}

func NewEqualityIndex(table, field string) *EqualityIndex {
	return &EqualityIndex{Table: table, Field: field}
}

func (idx *EqualityIndex) OnPut(w entity.Writer, table, pk string, old document.Value, oldOK bool, next document.Value) error {
	if oldOK {
		if s, ok := fieldScalar(old, idx.Field); ok {
			w.Delete(keyenc.EqualityKey(table, idx.Field, s, pk))
		}
	}
	if s, ok := fieldScalar(next, idx.Field); ok {
		w.Put(keyenc.EqualityKey(table, idx.Field, s, pk), postingMarker)
	}
	return nil
}

func (idx *EqualityIndex) OnDelete(w entity.Writer, table, pk string, old document.Value, oldOK bool) error {
	if oldOK {
		if s, ok := fieldScalar(old, idx.Field); ok {
			w.Delete(keyenc.EqualityKey(table, idx.Field, s, pk))
		}
	}
	return nil
}

// Lookup returns every pk whose field equals value.
func Lookup(r ScanReader, table, field string, value keyenc.Scalar) ([]string, error) {
	prefix := keyenc.EqualityPrefix(table, field, value)
	end := keyenc.PrefixUpperBound(prefix)
	it := r.Iterator(prefix, end, false)
	var pks []string
	for it.Next() {
		if pk, ok := genericPKSuffix(it.Key(), prefix); ok {
			pks = append(pks, pk)
		}
	}
	return pks, it.Err()
}

// RangeIndex maintains idx:rng:<table>:<field>:<value>:<pk> postings,
// consumed via bounded range scans instead of point lookups. Unlike
// equality postings, the value component uses keyenc's
// escaped-and-terminated encoding rather than a length prefix.
type RangeIndex struct {
	Table string
	Field string
}

func NewRangeIndex(table, field string) *RangeIndex {
	return &RangeIndex{Table: table, Field: field}
}

func (idx *RangeIndex) OnPut(w entity.Writer, table, pk string, old document.Value, oldOK bool, next document.Value) error {
	if oldOK {
		if s, ok := fieldScalar(old, idx.Field); ok {
			w.Delete(keyenc.RangeKey(table, idx.Field, s, pk))
		}
	}
	if s, ok := fieldScalar(next, idx.Field); ok {
		w.Put(keyenc.RangeKey(table, idx.Field, s, pk), postingMarker)
	}
	return nil
}

func (idx *RangeIndex) OnDelete(w entity.Writer, table, pk string, old document.Value, oldOK bool) error {
	if oldOK {
		if s, ok := fieldScalar(old, idx.Field); ok {
			w.Delete(keyenc.RangeKey(table, idx.Field, s, pk))
		}
	}
	return nil
}

// RangeScan returns every pk with field in [low, high) in field order
// (or reverse). A nil bound is unbounded on that side.
func RangeScan(r ScanReader, table, field string, low, high *keyenc.Scalar, reverse bool) ([]string, error) {
	fieldPrefix := keyenc.RangeFieldPrefix(table, field)
	start := fieldPrefix
	if low != nil {
		start = keyenc.RangeValuePrefix(table, field, *low)
	}
	end := keyenc.PrefixUpperBound(fieldPrefix)
	if high != nil {
		end = keyenc.RangeValuePrefix(table, field, *high)
	}
	it := r.Iterator(start, end, reverse)
	var pks []string
	for it.Next() {
		if pk, ok := pkAfterFieldPrefix(it.Key(), fieldPrefix); ok {
			pks = append(pks, pk)
		}
	}
	return pks, it.Err()
}

// SparseIndex maintains idx:spr:<table>:<field>:<value>:<pk> postings,
// omitting any row where the field is missing or explicitly null.
type SparseIndex struct {
	Table string
	Field string
}

func NewSparseIndex(table, field string) *SparseIndex {
	return &SparseIndex{Table: table, Field: field}
}

func (idx *SparseIndex) OnPut(w entity.Writer, table, pk string, old document.Value, oldOK bool, next document.Value) error {
	if oldOK && !old.IsNullOrAbsent(idx.Field) {
		if s, ok := fieldScalar(old, idx.Field); ok {
			w.Delete(keyenc.SparseKey(table, idx.Field, s, pk))
		}
	}
	if !next.IsNullOrAbsent(idx.Field) {
		if s, ok := fieldScalar(next, idx.Field); ok {
			w.Put(keyenc.SparseKey(table, idx.Field, s, pk), postingMarker)
		}
	}
	return nil
}

func (idx *SparseIndex) OnDelete(w entity.Writer, table, pk string, old document.Value, oldOK bool) error {
	if oldOK && !old.IsNullOrAbsent(idx.Field) {
		if s, ok := fieldScalar(old, idx.Field); ok {
			w.Delete(keyenc.SparseKey(table, idx.Field, s, pk))
		}
	}
	return nil
}

// SparseLookup returns every pk whose field equals value (a present,
// non-null field is a prerequisite since absent/null rows are never
// indexed).
func SparseLookup(r ScanReader, table, field string, value keyenc.Scalar) ([]string, error) {
	// SparseKey with pk="" yields exactly the value prefix followed by
	// its trailing ':' separator; trim that separator to get the
	// prefix every matching posting for this value shares.
	withEmptyPK := keyenc.SparseKey(table, field, value, "")
	valuePrefix := withEmptyPK[:len(withEmptyPK)-1]
	end := keyenc.PrefixUpperBound(valuePrefix)
	it := r.Iterator(valuePrefix, end, false)
	var pks []string
	for it.Next() {
		if pk, ok := genericPKSuffix(it.Key(), valuePrefix); ok {
			pks = append(pks, pk)
		}
	}
	return pks, it.Err()
}

// CompositeIndex maintains idx:cmp:<table>:<name>:<tuple>:<pk>
// postings over an ordered list of fields.
type CompositeIndex struct {
	Table  string
	Name   string
	Fields []string
}

func NewCompositeIndex(table, name string, fields []string) *CompositeIndex {
	return &CompositeIndex{Table: table, Name: name, Fields: fields}
}

// tuple extracts the composite's declared fields from v, in order.
// Returns ok=false if any declared field is missing or non-scalar,
// since a composite posting only makes sense as a complete tuple.
func (idx *CompositeIndex) tuple(v document.Value) ([]keyenc.Scalar, bool) {
	out := make([]keyenc.Scalar, 0, len(idx.Fields))
	for _, f := range idx.Fields {
		s, ok := fieldScalar(v, f)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func (idx *CompositeIndex) OnPut(w entity.Writer, table, pk string, old document.Value, oldOK bool, next document.Value) error {
	if oldOK {
		if tup, ok := idx.tuple(old); ok {
			w.Delete(keyenc.CompositeKey(table, idx.Name, tup, pk))
		}
	}
	if tup, ok := idx.tuple(next); ok {
		w.Put(keyenc.CompositeKey(table, idx.Name, tup, pk), postingMarker)
	}
	return nil
}

func (idx *CompositeIndex) OnDelete(w entity.Writer, table, pk string, old document.Value, oldOK bool) error {
	if oldOK {
		if tup, ok := idx.tuple(old); ok {
			w.Delete(keyenc.CompositeKey(table, idx.Name, tup, pk))
		}
	}
	return nil
}

// CompositeLookup returns every pk whose full tuple matches values,
// which must supply exactly len(values) == the descriptor's field
// count.
func CompositeLookup(r ScanReader, table, name string, values []keyenc.Scalar) ([]string, error) {
	prefix := keyenc.CompositePrefix(table, name, values, len(values))
	end := keyenc.PrefixUpperBound(prefix)
	it := r.Iterator(prefix, end, false)
	var pks []string
	for it.Next() {
		if pk, ok := genericPKSuffix(it.Key(), prefix); ok {
			pks = append(pks, pk)
		}
	}
	return pks, it.Err()
}

// CompositePrefixScan returns every pk matching an equality prefix
// over the leading n (< total) fields of the composite, decoding and
// discarding the remaining totalFields-n tuple components to locate
// the pk suffix: a prefix of the composite key is itself a valid
// range scan.
func CompositePrefixScan(r ScanReader, table, name string, values []keyenc.Scalar, totalFields int) ([]string, error) {
	prefix := keyenc.CompositePrefix(table, name, values, len(values))
	end := keyenc.PrefixUpperBound(prefix)
	it := r.Iterator(prefix, end, false)
	remaining := totalFields - len(values)
	var pks []string
	for it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		ok := true
		for i := 0; i < remaining && ok; i++ {
			if len(rest) < 1 {
				ok = false
				break
			}
			rest = rest[1:] // kind byte
			_, rest2, readOK := keyenc.ReadLP(rest)
			if !readOK {
				ok = false
				break
			}
			rest = rest2
		}
		if !ok || len(rest) == 0 || rest[0] != ':' {
			continue
		}
		pks = append(pks, string(rest[1:]))
	}
	return pks, it.Err()
}

// TTLIndex maintains idx:ttl:<table>:<expire_at_ms>:<pk> postings from
// an int64 millisecond-epoch expiry field.
type TTLIndex struct {
	Table string
	Field string
}

func NewTTLIndex(table, field string) *TTLIndex {
	return &TTLIndex{Table: table, Field: field}
}

func (idx *TTLIndex) expireAt(v document.Value) (int64, bool) {
	f, ok := v.Field(idx.Field)
	if !ok || f.Kind() != document.KindInt64 {
		return 0, false
	}
	return f.Int64(), true
}

func (idx *TTLIndex) OnPut(w entity.Writer, table, pk string, old document.Value, oldOK bool, next document.Value) error {
	if oldOK {
		if exp, ok := idx.expireAt(old); ok {
			w.Delete(keyenc.TTLKey(table, exp, pk))
		}
	}
	if exp, ok := idx.expireAt(next); ok {
		w.Put(keyenc.TTLKey(table, exp, pk), postingMarker)
	}
	return nil
}

func (idx *TTLIndex) OnDelete(w entity.Writer, table, pk string, old document.Value, oldOK bool) error {
	if oldOK {
		if exp, ok := idx.expireAt(old); ok {
			w.Delete(keyenc.TTLKey(table, exp, pk))
		}
	}
	return nil
}

// SweepExpired returns up to limit pks whose expiry has passed as of
// nowMs, oldest-expiring first. The caller (themisdb's background
// sweep loop, run through workerpool) issues an ordinary delete
// transaction per pk; SweepExpired itself never mutates anything.
func SweepExpired(sr ScanReader, table string, nowMs int64, limit int) ([]string, error) {
	start := keyenc.TTLTablePrefix(table)
	end := keyenc.TTLUpperBound(table, nowMs)
	it := sr.Iterator(start, end, false)
	defer it.Close()
	prefixLen := len(start)
	var pks []string
	for it.Next() {
		if limit > 0 && len(pks) >= limit {
			break
		}
		key := it.Key()
		rest := key[prefixLen:]
		if len(rest) < 9 || rest[8] != ':' {
			continue
		}
		pks = append(pks, string(rest[9:]))
	}
	return pks, it.Err()
}
