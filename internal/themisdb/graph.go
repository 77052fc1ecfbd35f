package themisdb

import (
	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/index/graph"
	"github.com/cuemby/themisdb/internal/kvengine"
)

// query.Executor never dispatches the declared GraphBFS/GraphDFS/
// GraphShortestPath/GraphPageRank/GraphComponents plans: a graph
// index isn't scoped to an entity table the way every other index
// family is, so these are exposed as direct methods over the named
// graph instead of flowing through Query.

func (db *DB) graph(name string) (*graph.Index, error) {
	db.mu.RLock()
	idx := db.graphs[name]
	db.mu.RUnlock()
	if idx == nil {
		return nil, dberr.New(dberr.NotFound, "themisdb: no such graph").WithTable(name)
	}
	return idx, nil
}

// AddEdge inserts a directed edge into graph name.
func (db *DB) AddEdge(name string, e graph.Edge) error {
	idx, err := db.graph(name)
	if err != nil {
		return err
	}
	b := db.engine.NewBatch()
	if err := idx.AddEdge(b, e); err != nil {
		return err
	}
	return b.Commit(kvengine.FlushOS)
}

// RemoveEdge deletes the forward/reverse entries of one edge.
func (db *DB) RemoveEdge(name, from, to, edgeID string) error {
	idx, err := db.graph(name)
	if err != nil {
		return err
	}
	b := db.engine.NewBatch()
	idx.RemoveEdge(b, from, to, edgeID)
	return b.Commit(kvengine.FlushOS)
}

// AddVertexLabel tags vertex with label in graph name.
func (db *DB) AddVertexLabel(name, vertex, label string) error {
	idx, err := db.graph(name)
	if err != nil {
		return err
	}
	b := db.engine.NewBatch()
	idx.AddVertexLabel(b, vertex, label)
	return b.Commit(kvengine.FlushOS)
}

// VerticesByLabel lists every vertex tagged with label.
func (db *DB) VerticesByLabel(name, label string) ([]string, error) {
	idx, err := db.graph(name)
	if err != nil {
		return nil, err
	}
	return idx.VerticesByLabel(db.engine, label)
}

// OutEdges lists vertex's outgoing edges.
func (db *DB) OutEdges(name, vertex string) ([]graph.Edge, error) {
	idx, err := db.graph(name)
	if err != nil {
		return nil, err
	}
	return idx.OutEdges(db.engine, vertex)
}

// InEdges lists vertex's incoming edges.
func (db *DB) InEdges(name, vertex string) ([]graph.Edge, error) {
	idx, err := db.graph(name)
	if err != nil {
		return nil, err
	}
	return idx.InEdges(db.engine, vertex)
}

// BFS walks name breadth-first from start, optionally bounded by filter.
func (db *DB) BFS(name, start string, filter *graph.GeoFilter) ([]string, error) {
	idx, err := db.graph(name)
	if err != nil {
		return nil, err
	}
	return idx.BFS(db.engine, start, filter)
}

// DFS walks name depth-first from start, optionally bounded by filter.
func (db *DB) DFS(name, start string, filter *graph.GeoFilter) ([]string, error) {
	idx, err := db.graph(name)
	if err != nil {
		return nil, err
	}
	return idx.DFS(db.engine, start, filter)
}

// DegreeCentrality reports vertex's out/in degree.
func (db *DB) DegreeCentrality(name, vertex string) (out, in int, err error) {
	idx, err := db.graph(name)
	if err != nil {
		return 0, 0, err
	}
	return idx.DegreeCentrality(db.engine, vertex)
}

// ShortestPath runs Dijkstra between start and end, optionally bounded
// by filter.
func (db *DB) ShortestPath(name, start, end string, filter *graph.GeoFilter) (path []string, dist float64, ok bool, err error) {
	idx, err := db.graph(name)
	if err != nil {
		return nil, 0, false, err
	}
	return idx.ShortestPath(db.engine, start, end, filter)
}

// ConnectedComponents partitions roots into components reachable from
// each other, optionally bounded by filter.
func (db *DB) ConnectedComponents(name string, roots []string, filter *graph.GeoFilter) ([][]string, error) {
	idx, err := db.graph(name)
	if err != nil {
		return nil, err
	}
	return idx.ConnectedComponents(db.engine, roots, filter)
}

// PageRank runs power-iteration PageRank over vertices.
func (db *DB) PageRank(name string, vertices []string, damping, tolerance float64, maxIterations int) (map[string]float64, error) {
	idx, err := db.graph(name)
	if err != nil {
		return nil, err
	}
	return idx.PageRank(db.engine, vertices, damping, tolerance, maxIterations)
}
