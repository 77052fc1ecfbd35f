// Package catalog is the index descriptor registry: the persisted
// record of which indices exist, their kind-specific parameters, and
// their lifecycle state, keyed per (table, name). Descriptors are
// small JSON-serialisable structs written through the same batch
// commit path as ordinary data.
package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/kvengine"
)

// Kind enumerates the declared index kinds, one per distinct key
// prefix family.
type Kind string

const (
	Equality Kind = "equality"
	Range    Kind = "range"
	Composite Kind = "composite"
	Sparse   Kind = "sparse"
	TTL      Kind = "ttl"
	FullText Kind = "fulltext"
	Vector   Kind = "vector"
	Spatial  Kind = "spatial"
	Graph    Kind = "graph"
)

// State tracks an index through its create/backfill lifecycle: the
// descriptor registers first, then back-fills from existing entities
// while concurrent writes double-write to the new index.
type State string

const (
	StateBackfilling State = "backfilling"
	StateActive       State = "active"
)

// VectorParams holds HNSW construction/search parameters.
type VectorParams struct {
	Metric         string `json:"metric"` // "l2", "cosine", "dot"
	Dimension      int    `json:"dimension"`
	M              int    `json:"m"`
	EfConstruction int    `json:"ef_construction"`
	EfSearch       int    `json:"ef_search"`
}

// SpatialParams holds R*-tree parameters.
type SpatialParams struct {
	// TotalBounds is [minLon, minLat, maxLon, maxLat], used to compute
	// the area_ratio the planner's cost model consumes.
	TotalBounds [4]float64 `json:"total_bounds"`
	MaxEntries  int        `json:"max_entries"`
	MinEntries  int        `json:"min_entries"`
}

// Descriptor is one persisted index registration.
type Descriptor struct {
	Table  string `json:"table"`
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	State  State  `json:"state"`

	// Field is the indexed field path for single-field kinds
	// (equality, range, sparse, TTL, full-text, vector, spatial).
	Field string `json:"field,omitempty"`

	// Fields is the ordered field list for composite indices.
	Fields []string `json:"fields,omitempty"`

	Vector  *VectorParams  `json:"vector,omitempty"`
	Spatial *SpatialParams `json:"spatial,omitempty"`

	// GraphName is the adjacency namespace for graph indices, distinct
	// from Table since a graph index is not necessarily scoped to a
	// single entity table.
	GraphName string `json:"graph_name,omitempty"`
}

// Writer is the subset of kvengine.Batch the catalog writes through.
type Writer interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// Reader is the subset of kvengine.Engine/Snapshot the catalog reads
// through.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// ScanReader additionally supports the bounded iteration List needs.
type ScanReader interface {
	Reader
	Iterator(start, end []byte, reverse bool) *kvengine.Iterator
}

const metaKind = "idx"

// descriptorKey builds meta:idx:<table>:<name>, length-prefixing table
// so "ab"+"c" can never collide with "a"+"bc" and so List's per-table
// prefix is itself a valid range bound.
func descriptorKey(table, name string) []byte {
	buf := tablePrefix(table)
	return append(buf, name...)
}

func tablePrefix(table string) []byte {
	buf := append([]byte(nil), keyenc.MetaKindPrefix(metaKind)...)
	return keyenc.AppendLPStr(buf, table)
}

// Create registers a new descriptor in StateBackfilling. Fails with
// Exists if (table, name) is already registered.
func Create(w Writer, r Reader, d Descriptor) error {
	if d.Table == "" || d.Name == "" {
		return dberr.New(dberr.InvalidValue, "catalog: table and name are required")
	}
	key := descriptorKey(d.Table, d.Name)
	existing, err := r.Get(key)
	if err != nil {
		return err
	}
	if existing != nil {
		return dberr.New(dberr.Exists, "catalog: index already registered").WithTable(d.Table).WithKey(d.Name)
	}
	d.State = StateBackfilling
	raw, err := json.Marshal(d)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	w.Put(key, raw)
	return nil
}

// Activate transitions a descriptor from StateBackfilling to
// StateActive once the background backfill pass has completed.
func Activate(w Writer, r Reader, table, name string) error {
	d, ok, err := Get(r, table, name)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.New(dberr.NotFound, "catalog: no such index").WithTable(table).WithKey(name)
	}
	d.State = StateActive
	raw, err := json.Marshal(d)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	w.Put(descriptorKey(table, name), raw)
	return nil
}

// Get reads a single descriptor, (zero, false) if absent.
func Get(r Reader, table, name string) (Descriptor, bool, error) {
	raw, err := r.Get(descriptorKey(table, name))
	if err != nil {
		return Descriptor{}, false, err
	}
	if raw == nil {
		return Descriptor{}, false, nil
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, false, dberr.Wrap(dberr.Corruption, fmt.Errorf("catalog: decode %s/%s: %w", table, name, err))
	}
	return d, true, nil
}

// Drop removes a descriptor. It does not erase the index's own
// keyspace; the caller (themisdb facade) is responsible for issuing
// that follow-up range delete against the index family's own prefix,
// so the descriptor disappears before the keyspace does.
func Drop(w Writer, table, name string) {
	w.Delete(descriptorKey(table, name))
}

// List returns every descriptor registered for table, in no
// particular order beyond catalog key order.
func List(sr ScanReader, table string) ([]Descriptor, error) {
	prefix := tablePrefix(table)
	end := keyenc.PrefixUpperBound(prefix)
	it := sr.Iterator(prefix, end, false)
	var out []Descriptor
	for it.Next() {
		var d Descriptor
		if err := json.Unmarshal(it.Value(), &d); err != nil {
			return nil, dberr.Wrap(dberr.Corruption, fmt.Errorf("catalog: decode list entry: %w", err))
		}
		out = append(out, d)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAll returns every descriptor registered across every table, used
// at startup to rebuild in-memory index wiring without the caller
// having to already know which tables exist.
func ListAll(sr ScanReader) ([]Descriptor, error) {
	prefix := keyenc.MetaKindPrefix(metaKind)
	end := keyenc.PrefixUpperBound(prefix)
	it := sr.Iterator(prefix, end, false)
	var out []Descriptor
	for it.Next() {
		var d Descriptor
		if err := json.Unmarshal(it.Value(), &d); err != nil {
			return nil, dberr.Wrap(dberr.Corruption, fmt.Errorf("catalog: decode list entry: %w", err))
		}
		out = append(out, d)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
