// Package graph implements the adjacency-list property graph index:
// forward/reverse directed edge entries, a vertex label index,
// BFS/DFS, Dijkstra shortest path, degree centrality,
// BFS-per-component connected components, power-iteration PageRank,
// and an optional geo filter delegating to internal/index/spatial's
// great-circle helper. Adjacency lives in the KV engine, so edge
// writes ride the same atomic batch as everything else.
package graph

import (
	"container/heap"
	"encoding/json"
	"math"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/index/spatial"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/kvengine"
)

// Reader is the subset of kvengine.Engine/Snapshot edge lookups read
// through.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// ScanReader additionally supports the bounded iteration traversal
// needs.
type ScanReader interface {
	Reader
	Iterator(start, end []byte, reverse bool) *kvengine.Iterator
}

// Writer is the subset of kvengine.Batch edge writes go through.
type Writer interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// Edge is one directed edge's payload.
type Edge struct {
	ID     string  `json:"id"`
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
	Label  string  `json:"label,omitempty"`
}

// Point is a (lon, lat) vertex location for the optional geo filter.
type Point struct {
	Lon float64
	Lat float64
}

// Index maintains one named graph's adjacency entries and vertex
// label index.
type Index struct {
	Graph string
}

func NewIndex(graph string) *Index {
	return &Index{Graph: graph}
}

func labelKey(graph, label, vertex string) []byte {
	buf := []byte(keyenc.PrefixGraph)
	buf = keyenc.AppendLPStr(buf, graph+"\x00label")
	buf = keyenc.AppendLPStr(buf, label)
	buf = append(buf, ':')
	buf = append(buf, vertex...)
	return buf
}

func labelPrefix(graph, label string) []byte {
	buf := []byte(keyenc.PrefixGraph)
	buf = keyenc.AppendLPStr(buf, graph+"\x00label")
	buf = keyenc.AppendLPStr(buf, label)
	return buf
}

func vertexLabelKey(graph, vertex string) []byte {
	buf := []byte(keyenc.PrefixGraph)
	buf = keyenc.AppendLPStr(buf, graph+"\x00vlabel")
	buf = append(buf, ':')
	buf = append(buf, vertex...)
	return buf
}

// AddVertexLabel records vertex's label, maintained independently of
// any edge so an isolated vertex can still be found by label.
func (idx *Index) AddVertexLabel(w Writer, vertex, label string) {
	w.Put(labelKey(idx.Graph, label, vertex), []byte{1})
	w.Put(vertexLabelKey(idx.Graph, vertex), []byte(label))
}

// VerticesByLabel returns every vertex recorded under label.
func (idx *Index) VerticesByLabel(r ScanReader, label string) ([]string, error) {
	prefix := labelPrefix(idx.Graph, label)
	end := keyenc.PrefixUpperBound(prefix)
	it := r.Iterator(prefix, end, false)
	var out []string
	for it.Next() {
		out = append(out, string(it.Key()[len(prefix)+1:]))
	}
	return out, it.Err()
}

// AddEdge writes the forward and reverse adjacency entries for e.
func (idx *Index) AddEdge(w Writer, e Edge) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	w.Put(keyenc.GraphEdgeKey(idx.Graph, e.From, e.To, e.ID), raw)
	w.Put(keyenc.GraphReverseEdgeKey(idx.Graph, e.From, e.To, e.ID), raw)
	return nil
}

// RemoveEdge deletes both adjacency entries for the edge.
func (idx *Index) RemoveEdge(w Writer, from, to, edgeID string) {
	w.Delete(keyenc.GraphEdgeKey(idx.Graph, from, to, edgeID))
	w.Delete(keyenc.GraphReverseEdgeKey(idx.Graph, from, to, edgeID))
}

func decodeEdge(raw []byte) (Edge, error) {
	var e Edge
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, dberr.Wrap(dberr.Corruption, err)
	}
	return e, nil
}

// OutEdges returns every outgoing edge from vertex.
func (idx *Index) OutEdges(r ScanReader, vertex string) ([]Edge, error) {
	prefix := keyenc.GraphOutPrefix(idx.Graph, vertex)
	end := keyenc.PrefixUpperBound(prefix)
	it := r.Iterator(prefix, end, false)
	var out []Edge
	for it.Next() {
		e, err := decodeEdge(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, it.Err()
}

// InEdges returns every incoming edge to vertex.
func (idx *Index) InEdges(r ScanReader, vertex string) ([]Edge, error) {
	prefix := keyenc.GraphInPrefix(idx.Graph, vertex)
	end := keyenc.PrefixUpperBound(prefix)
	it := r.Iterator(prefix, end, false)
	var out []Edge
	for it.Next() {
		raw, err := decodeEdge(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, it.Err()
}

// GeoFilter restricts traversal to edges whose endpoints both fall
// inside a circle.
type GeoFilter struct {
	Points   map[string]Point
	CenterLon, CenterLat float64
	RadiusKM float64
}

func (f *GeoFilter) allows(vertex string) bool {
	if f == nil {
		return true
	}
	p, ok := f.Points[vertex]
	if !ok {
		return false
	}
	return spatial.GreatCircleKM(f.CenterLon, f.CenterLat, p.Lon, p.Lat) <= f.RadiusKM
}

// BFS returns vertices reachable from start in breadth-first order.
// Only the order is returned; hop distances are not reported.
func (idx *Index) BFS(r ScanReader, start string, filter *GeoFilter) ([]string, error) {
	if !filter.allows(start) {
		return nil, nil
	}
	visited := map[string]bool{start: true}
	queue := []string{start}
	var order []string
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		edges, err := idx.OutEdges(r, v)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if visited[e.To] || !filter.allows(e.To) {
				continue
			}
			visited[e.To] = true
			queue = append(queue, e.To)
		}
	}
	return order, nil
}

// DFS returns vertices reachable from start in depth-first order.
func (idx *Index) DFS(r ScanReader, start string, filter *GeoFilter) ([]string, error) {
	if !filter.allows(start) {
		return nil, nil
	}
	visited := map[string]bool{}
	var order []string
	var walk func(v string) error
	walk = func(v string) error {
		if visited[v] {
			return nil
		}
		visited[v] = true
		order = append(order, v)
		edges, err := idx.OutEdges(r, v)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if !filter.allows(e.To) {
				continue
			}
			if err := walk(e.To); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(start); err != nil {
		return nil, err
	}
	return order, nil
}

// DegreeCentrality returns the out-degree and in-degree of vertex.
func (idx *Index) DegreeCentrality(r ScanReader, vertex string) (out, in int, err error) {
	outs, err := idx.OutEdges(r, vertex)
	if err != nil {
		return 0, 0, err
	}
	ins, err := idx.InEdges(r, vertex)
	if err != nil {
		return 0, 0, err
	}
	return len(outs), len(ins), nil
}

// pqItem is one Dijkstra frontier entry.
type pqItem struct {
	vertex string
	dist   float64
}

type pq []pqItem

func (h pq) Len() int            { return len(h) }
func (h pq) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h pq) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pq) Push(x interface{}) { *h = append(*h, x.(pqItem)) }
func (h *pq) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// ShortestPath runs Dijkstra from start to end using each edge's
// Weight, returning the path and total distance. ok is false if end is
// unreachable.
func (idx *Index) ShortestPath(r ScanReader, start, end string, filter *GeoFilter) (path []string, dist float64, ok bool, err error) {
	// Both endpoints of every traversed edge must satisfy the filter,
	// the source included.
	if !filter.allows(start) || !filter.allows(end) {
		return nil, 0, false, nil
	}
	dists := map[string]float64{start: 0}
	prev := map[string]string{}
	visited := map[string]bool{}

	frontier := &pq{{vertex: start, dist: 0}}
	heap.Init(frontier)

	for frontier.Len() > 0 {
		cur := heap.Pop(frontier).(pqItem)
		if visited[cur.vertex] {
			continue
		}
		visited[cur.vertex] = true
		if cur.vertex == end {
			break
		}
		edges, err := idx.OutEdges(r, cur.vertex)
		if err != nil {
			return nil, 0, false, err
		}
		for _, e := range edges {
			if visited[e.To] || !filter.allows(e.To) {
				continue
			}
			nd := cur.dist + e.Weight
			if existing, seen := dists[e.To]; !seen || nd < existing {
				dists[e.To] = nd
				prev[e.To] = cur.vertex
				heap.Push(frontier, pqItem{vertex: e.To, dist: nd})
			}
		}
	}

	finalDist, reached := dists[end]
	if !reached {
		return nil, 0, false, nil
	}
	for v := end; v != start; {
		path = append([]string{v}, path...)
		p, ok := prev[v]
		if !ok {
			return nil, 0, false, nil
		}
		v = p
	}
	path = append([]string{start}, path...)
	return path, finalDist, true, nil
}

// ConnectedComponents partitions every vertex reachable from roots
// into components via BFS, returning one slice of vertices per
// component.
func (idx *Index) ConnectedComponents(r ScanReader, roots []string, filter *GeoFilter) ([][]string, error) {
	visited := map[string]bool{}
	var components [][]string
	for _, root := range roots {
		if visited[root] {
			continue
		}
		comp, err := idx.BFS(r, root, filter)
		if err != nil {
			return nil, err
		}
		for _, v := range comp {
			visited[v] = true
		}
		components = append(components, comp)
	}
	return components, nil
}

// PageRank computes the power-iteration PageRank of every vertex in
// vertices with the given damping factor, stopping once the maximum
// per-node delta falls below tolerance or maxIterations is reached.
func (idx *Index) PageRank(r ScanReader, vertices []string, damping, tolerance float64, maxIterations int) (map[string]float64, error) {
	n := len(vertices)
	if n == 0 {
		return map[string]float64{}, nil
	}
	rank := make(map[string]float64, n)
	outDegree := make(map[string]int, n)
	outEdges := make(map[string][]Edge, n)
	for _, v := range vertices {
		rank[v] = 1.0 / float64(n)
		edges, err := idx.OutEdges(r, v)
		if err != nil {
			return nil, err
		}
		outEdges[v] = edges
		outDegree[v] = len(edges)
	}

	base := (1 - damping) / float64(n)
	for iter := 0; iter < maxIterations; iter++ {
		next := make(map[string]float64, n)
		for _, v := range vertices {
			next[v] = base
		}
		var dangling float64
		for _, v := range vertices {
			if outDegree[v] == 0 {
				dangling += rank[v]
				continue
			}
			share := damping * rank[v] / float64(outDegree[v])
			for _, e := range outEdges[v] {
				if _, ok := next[e.To]; ok {
					next[e.To] += share
				}
			}
		}
		if dangling > 0 {
			add := damping * dangling / float64(n)
			for _, v := range vertices {
				next[v] += add
			}
		}

		maxDelta := 0.0
		for _, v := range vertices {
			d := math.Abs(next[v] - rank[v])
			if d > maxDelta {
				maxDelta = d
			}
		}
		rank = next
		if maxDelta < tolerance {
			break
		}
	}
	return rank, nil
}
