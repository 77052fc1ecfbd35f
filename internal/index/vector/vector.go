// Package vector implements the HNSW (Hierarchical Navigable Small
// World) approximate nearest-neighbour index: randomised
// level assignment, greedy layer descent from a single entry point,
// diversity-heuristic neighbour selection, and a whitelist prefilter
// pushdown that enlarges the candidate list until enough survive the
// filter.
//
// Every node is a JSON record persisted directly in the shared KV
// keyspace under idx:vec: rather than an in-memory-only graph, since
// ThemisDB's index families are all durable.
//
// Unlike internal/index/secondary's Indexer hooks, Insert/Delete here
// take an explicit Reader alongside the Writer: HNSW construction
// reads already-committed neighbours while staging new ones, which
// the narrower write-only txn.Indexer contract can't express. The
// themisdb facade wires vector indices directly rather than through
// txn.Manager.RegisterIndexer.
package vector

import (
	"container/heap"
	"encoding/json"
	"math"
	"math/rand"
	"sort"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/metrics"
)

// Metric selects the distance kernel.
type Metric string

const (
	L2     Metric = "l2"
	Cosine Metric = "cosine"
	Dot    Metric = "dot"
)

// DistanceKernel scores two equal-length vectors; smaller means closer.
type DistanceKernel interface {
	Distance(a, b []float32) float32
}

type l2Kernel struct{}

func (l2Kernel) Distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

type cosineKernel struct{}

func (cosineKernel) Distance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
}

type dotKernel struct{}

func (dotKernel) Distance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot // larger inner product is closer, so negate for "smaller is closer"
}

// KernelFor resolves a Metric to its DistanceKernel.
func KernelFor(m Metric) (DistanceKernel, error) {
	switch m {
	case L2, "":
		return l2Kernel{}, nil
	case Cosine:
		return cosineKernel{}, nil
	case Dot:
		return dotKernel{}, nil
	default:
		return nil, dberr.New(dberr.Unsupported, "vector: unknown metric "+string(m))
	}
}

// Params configures one HNSW graph, mirroring catalog.VectorParams
// without importing the catalog package.
type Params struct {
	Metric         Metric
	Dimension      int
	M              int
	EfConstruction int
	EfSearch       int
}

// WhitelistParams tunes the prefilter pushdown's iterative
// candidate-list enlargement, mapped from the whitelist_* config
// options.
type WhitelistParams struct {
	InitialFactor int
	MinCandidates int
	MaxAttempts   int
	GrowthFactor  float64
}

// DefaultWhitelistParams matches config.Default's whitelist_* values.
func DefaultWhitelistParams() WhitelistParams {
	return WhitelistParams{InitialFactor: 4, MinCandidates: 16, MaxAttempts: 6, GrowthFactor: 2.0}
}

// Reader is the subset of kvengine.Engine/Snapshot node lookups read
// through.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// Writer is the subset of kvengine.Batch node writes go through.
type Writer interface {
	Put(key, value []byte)
	Delete(key []byte)
}

type nodeRecord struct {
	PK        string      `json:"pk"`
	Vector    []float32   `json:"vector"`
	Level     int         `json:"level"`
	Neighbors [][]string  `json:"neighbors"`
	Tombstone bool        `json:"tombstone,omitempty"`
}

type entryRecord struct {
	PK    string `json:"pk"`
	Level int    `json:"level"`
}

// Index is one table/field HNSW graph.
type Index struct {
	Table     string
	Field     string
	Params    Params
	Whitelist WhitelistParams
	kernel    DistanceKernel
}

// NewIndex constructs an Index, resolving the metric to its kernel.
func NewIndex(table, field string, params Params) (*Index, error) {
	k, err := KernelFor(params.Metric)
	if err != nil {
		return nil, err
	}
	if params.M <= 0 {
		params.M = 16
	}
	if params.EfConstruction <= 0 {
		params.EfConstruction = 200
	}
	if params.EfSearch <= 0 {
		params.EfSearch = 64
	}
	return &Index{Table: table, Field: field, Params: params, Whitelist: DefaultWhitelistParams(), kernel: k}, nil
}

func (idx *Index) prefix() []byte { return keyenc.VectorPrefix(idx.Table, idx.Field) }

func (idx *Index) nodeKey(pk string) []byte {
	return append(append([]byte(nil), idx.prefix()...), []byte("node:"+pk)...)
}

func (idx *Index) entryKey() []byte {
	return append(append([]byte(nil), idx.prefix()...), []byte("entry")...)
}

func (idx *Index) loadNode(r Reader, pk string) (*nodeRecord, bool, error) {
	raw, err := r.Get(idx.nodeKey(pk))
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	var n nodeRecord
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false, dberr.Wrap(dberr.Corruption, err)
	}
	return &n, true, nil
}

func (idx *Index) saveNode(w Writer, n *nodeRecord) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	w.Put(idx.nodeKey(n.PK), raw)
	return nil
}

func (idx *Index) loadEntry(r Reader) (*entryRecord, bool, error) {
	raw, err := r.Get(idx.entryKey())
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	var e entryRecord
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, dberr.Wrap(dberr.Corruption, err)
	}
	return &e, true, nil
}

func (idx *Index) saveEntry(w Writer, e *entryRecord) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	w.Put(idx.entryKey(), raw)
	return nil
}

// randomLevel draws floor(-ln(U(0,1)) * mL), mL = 1/ln(M).
func randomLevel(m int) int {
	mL := 1 / math.Log(float64(m))
	u := rand.Float64()
	for u == 0 {
		u = rand.Float64()
	}
	return int(math.Floor(-math.Log(u) * mL))
}

type candidate struct {
	pk     string
	vector []float32
	dist   float32
}

// nearHeap is a min-heap by distance, used as the candidate frontier.
type nearHeap []candidate

func (h nearHeap) Len() int            { return len(h) }
func (h nearHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h nearHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nearHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *nearHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// farHeap is a max-heap by distance, used to bound the result set to
// the ef closest candidates seen so far (pop evicts the worst).
type farHeap []candidate

func (h farHeap) Len() int            { return len(h) }
func (h farHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h farHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *farHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *farHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// searchLayer runs the standard HNSW greedy layer search from
// entryPK, returning up to ef candidates sorted closest-first.
func (idx *Index) searchLayer(r Reader, query []float32, entryPK string, ef, level int) ([]candidate, error) {
	entryNode, ok, err := idx.loadNode(r, entryPK)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	entryDist := idx.kernel.Distance(query, entryNode.Vector)

	visited := map[string]bool{entryPK: true}
	cands := &nearHeap{{pk: entryPK, vector: entryNode.Vector, dist: entryDist}}
	heap.Init(cands)
	results := &farHeap{}
	if !entryNode.Tombstone {
		// A tombstoned entry point still routes the search but is
		// never returned.
		*results = append(*results, candidate{pk: entryPK, vector: entryNode.Vector, dist: entryDist})
	}
	heap.Init(results)

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		node, ok, err := idx.loadNode(r, c.pk)
		if err != nil {
			return nil, err
		}
		if !ok || level >= len(node.Neighbors) {
			continue
		}
		for _, nb := range node.Neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbNode, ok, err := idx.loadNode(r, nb)
			if err != nil {
				return nil, err
			}
			if !ok || nbNode.Tombstone {
				continue
			}
			d := idx.kernel.Distance(query, nbNode.Vector)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(cands, candidate{pk: nb, vector: nbNode.Vector, dist: d})
				heap.Push(results, candidate{pk: nb, vector: nbNode.Vector, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, len(*results))
	copy(out, *results)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out, nil
}

// selectNeighbors applies the diversity heuristic: among candidates
// sorted closest-first, keep a candidate only if it is closer to the
// query than to every neighbour already kept, capping the result at
// capAt.
func (idx *Index) selectNeighbors(candidates []candidate, capAt int) []candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].dist < sorted[j].dist })

	var selected []candidate
	for _, c := range sorted {
		if len(selected) >= capAt {
			break
		}
		good := true
		for _, s := range selected {
			if idx.kernel.Distance(c.vector, s.vector) < c.dist {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		}
	}
	return selected
}

func (idx *Index) capAtLevel(level int) int {
	if level == 0 {
		return idx.Params.M * 2
	}
	return idx.Params.M
}

// addNeighbor connects existingPK -> newPK at level, pruning via the
// diversity heuristic if the connection count exceeds the level's cap.
func (idx *Index) addNeighbor(r Reader, w Writer, existingPK, newPK string, level int, newVec []float32) error {
	node, ok, err := idx.loadNode(r, existingPK)
	if err != nil || !ok {
		return err
	}
	for level >= len(node.Neighbors) {
		node.Neighbors = append(node.Neighbors, nil)
	}
	for _, nb := range node.Neighbors[level] {
		if nb == newPK {
			return nil
		}
	}
	cands := make([]candidate, 0, len(node.Neighbors[level])+1)
	for _, nb := range node.Neighbors[level] {
		nbNode, ok, err := idx.loadNode(r, nb)
		if err != nil || !ok || nbNode.Tombstone {
			continue
		}
		cands = append(cands, candidate{pk: nb, vector: nbNode.Vector, dist: idx.kernel.Distance(node.Vector, nbNode.Vector)})
	}
	cands = append(cands, candidate{pk: newPK, vector: newVec, dist: idx.kernel.Distance(node.Vector, newVec)})

	cap := idx.capAtLevel(level)
	if len(cands) <= cap {
		pks := make([]string, len(cands))
		for i, c := range cands {
			pks[i] = c.pk
		}
		node.Neighbors[level] = pks
	} else {
		selected := idx.selectNeighbors(cands, cap)
		pks := make([]string, len(selected))
		for i, c := range selected {
			pks[i] = c.pk
		}
		node.Neighbors[level] = pks
	}
	return idx.saveNode(w, node)
}

func (idx *Index) greedyDescend(r Reader, curPK string, curDist float32, query []float32, level int) (string, float32, error) {
	for {
		node, ok, err := idx.loadNode(r, curPK)
		if err != nil || !ok || level >= len(node.Neighbors) {
			return curPK, curDist, err
		}
		improved := false
		for _, nb := range node.Neighbors[level] {
			nbNode, ok, err := idx.loadNode(r, nb)
			if err != nil {
				return curPK, curDist, err
			}
			if !ok || nbNode.Tombstone {
				continue
			}
			d := idx.kernel.Distance(query, nbNode.Vector)
			if d < curDist {
				curPK, curDist = nb, d
				improved = true
			}
		}
		if !improved {
			return curPK, curDist, nil
		}
	}
}

// Insert adds pk/vector to the graph, assigning a random level and
// wiring it into every level from 0 up through its assigned level.
func (idx *Index) Insert(r Reader, w Writer, pk string, vector []float32) error {
	if len(vector) != idx.Params.Dimension {
		return dberr.New(dberr.InvalidValue, "vector: dimension mismatch")
	}
	for _, c := range vector {
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return dberr.New(dberr.InvalidValue, "vector: non-finite component")
		}
	}
	level := randomLevel(idx.Params.M)
	newNode := &nodeRecord{PK: pk, Vector: vector, Level: level, Neighbors: make([][]string, level+1)}

	entry, hasEntry, err := idx.loadEntry(r)
	if err != nil {
		return err
	}
	if !hasEntry {
		if err := idx.saveNode(w, newNode); err != nil {
			return err
		}
		return idx.saveEntry(w, &entryRecord{PK: pk, Level: level})
	}

	entryNode, ok, err := idx.loadNode(r, entry.PK)
	if err != nil {
		return err
	}
	if !ok {
		if err := idx.saveNode(w, newNode); err != nil {
			return err
		}
		return idx.saveEntry(w, &entryRecord{PK: pk, Level: level})
	}

	curPK := entry.PK
	curDist := idx.kernel.Distance(vector, entryNode.Vector)
	for lvl := entry.Level; lvl > level; lvl-- {
		curPK, curDist, err = idx.greedyDescend(r, curPK, curDist, vector, lvl)
		if err != nil {
			return err
		}
	}

	top := level
	if entry.Level < top {
		top = entry.Level
	}
	for lvl := top; lvl >= 0; lvl-- {
		cands, err := idx.searchLayer(r, vector, curPK, idx.Params.EfConstruction, lvl)
		if err != nil {
			return err
		}
		selected := idx.selectNeighbors(cands, idx.capAtLevel(lvl))
		pks := make([]string, len(selected))
		for i, c := range selected {
			pks[i] = c.pk
		}
		newNode.Neighbors[lvl] = pks
		for _, nb := range pks {
			if err := idx.addNeighbor(r, w, nb, pk, lvl, vector); err != nil {
				return err
			}
		}
		if len(cands) > 0 {
			curPK = cands[0].pk
		}
	}

	if err := idx.saveNode(w, newNode); err != nil {
		return err
	}
	if level > entry.Level {
		return idx.saveEntry(w, &entryRecord{PK: pk, Level: level})
	}
	return nil
}

// Delete tombstones pk: its node record is kept (other nodes' stored
// neighbour lists may still reference it) but marked so traversal and
// search skip it, and lazily pruned from neighbour lists the next
// time those nodes are rewritten by an Insert.
func (idx *Index) Delete(r Reader, w Writer, pk string) error {
	node, ok, err := idx.loadNode(r, pk)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	node.Tombstone = true
	return idx.saveNode(w, node)
}

// ScoredPK is one nearest-neighbour search hit.
type ScoredPK struct {
	PK       string
	Distance float32
}

// Search returns the k nearest neighbours of query. If whitelist is
// non-nil, only pks present in it are eligible, and the candidate list
// is iteratively enlarged (cand_0 = max(min_candidates, k*initial
// factor), cand_{n+1} = ceil(cand_n*growth_factor)) until k survive
// the filter or max_attempts is exhausted; results outside
// the whitelist are skipped, never filled in by brute force.
func (idx *Index) Search(r Reader, query []float32, k int, efSearch int, whitelist map[string]bool) ([]ScoredPK, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VectorSearchDuration, idx.Table, idx.Field)

	entry, hasEntry, err := idx.loadEntry(r)
	if err != nil || !hasEntry {
		return nil, err
	}
	entryNode, ok, err := idx.loadNode(r, entry.PK)
	if err != nil || !ok {
		return nil, err
	}

	curPK := entry.PK
	curDist := idx.kernel.Distance(query, entryNode.Vector)
	for lvl := entry.Level; lvl > 0; lvl-- {
		curPK, curDist, err = idx.greedyDescend(r, curPK, curDist, query, lvl)
		if err != nil {
			return nil, err
		}
	}

	ef := efSearch
	if ef <= 0 {
		ef = idx.Params.EfSearch
	}
	if ef < k {
		ef = k
	}

	var results []candidate
	if whitelist == nil {
		results, err = idx.searchLayer(r, query, curPK, ef, 0)
		if err != nil {
			return nil, err
		}
	} else {
		wl := idx.Whitelist
		if wl.GrowthFactor <= 1 {
			wl = DefaultWhitelistParams()
		}
		cand := math.Max(float64(wl.MinCandidates), float64(k*wl.InitialFactor))
		for i := 0; i < wl.MaxAttempts; i++ {
			ef2 := int(math.Ceil(cand))
			if ef2 < ef {
				ef2 = ef
			}
			raw, err := idx.searchLayer(r, query, curPK, ef2, 0)
			if err != nil {
				return nil, err
			}
			filtered := raw[:0:0]
			for _, c := range raw {
				if whitelist[c.pk] {
					filtered = append(filtered, c)
				}
			}
			results = filtered
			if len(filtered) >= k {
				break
			}
			cand = math.Ceil(cand * wl.GrowthFactor)
		}
	}

	if len(results) > k {
		results = results[:k]
	}
	out := make([]ScoredPK, len(results))
	for i, c := range results {
		out[i] = ScoredPK{PK: c.pk, Distance: c.dist}
	}
	return out, nil
}
