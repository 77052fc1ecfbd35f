package graph

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themisdb/internal/kvengine"
)

func openTestEngine(t *testing.T) *kvengine.Engine {
	t.Helper()
	e, err := kvengine.Open(kvengine.DefaultOptions(filepath.Join(t.TempDir(), "themisdb.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func addEdge(t *testing.T, e *kvengine.Engine, idx *Index, from, to string, weight float64) {
	t.Helper()
	b := e.NewBatch()
	require.NoError(t, idx.AddEdge(b, Edge{ID: from + "-" + to, From: from, To: to, Weight: weight}))
	require.NoError(t, b.Commit(kvengine.FlushOS))
}

func TestOutEdgesAndInEdges(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("social")

	addEdge(t, e, idx, "a", "b", 1)
	addEdge(t, e, idx, "a", "c", 1)

	out, err := idx.OutEdges(e, "a")
	require.NoError(t, err)
	require.Len(t, out, 2)

	in, err := idx.InEdges(e, "b")
	require.NoError(t, err)
	require.Len(t, in, 1)
	require.Equal(t, "a", in[0].From)
}

func TestBFSVisitsReachableVertices(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("social")

	addEdge(t, e, idx, "a", "b", 1)
	addEdge(t, e, idx, "b", "c", 1)
	addEdge(t, e, idx, "a", "d", 1)

	order, err := idx.BFS(e, "a", nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c", "d"}, order)
}

func TestDFSVisitsReachableVertices(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("social")

	addEdge(t, e, idx, "a", "b", 1)
	addEdge(t, e, idx, "b", "c", 1)

	order, err := idx.DFS(e, "a", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestShortestPathPicksCheaperRoute(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("roads")

	addEdge(t, e, idx, "a", "b", 10)
	addEdge(t, e, idx, "a", "c", 1)
	addEdge(t, e, idx, "c", "b", 1)

	path, dist, ok, err := idx.ShortestPath(e, "a", "b", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "c", "b"}, path)
	require.InDelta(t, 2, dist, 1e-9)
}

func TestShortestPathUnreachableReturnsFalse(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("roads")
	addEdge(t, e, idx, "a", "b", 1)

	_, _, ok, err := idx.ShortestPath(e, "a", "z", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDegreeCentrality(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("social")

	addEdge(t, e, idx, "a", "b", 1)
	addEdge(t, e, idx, "a", "c", 1)
	addEdge(t, e, idx, "c", "a", 1)

	out, in, err := idx.DegreeCentrality(e, "a")
	require.NoError(t, err)
	require.Equal(t, 2, out)
	require.Equal(t, 1, in)
}

func TestConnectedComponentsSeparatesDisjointGraphs(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("social")

	addEdge(t, e, idx, "a", "b", 1)
	addEdge(t, e, idx, "c", "d", 1)

	comps, err := idx.ConnectedComponents(e, []string{"a", "c"}, nil)
	require.NoError(t, err)
	require.Len(t, comps, 2)
}

func TestPageRankRanksHubHigher(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("web")

	addEdge(t, e, idx, "a", "hub", 1)
	addEdge(t, e, idx, "b", "hub", 1)
	addEdge(t, e, idx, "c", "hub", 1)
	addEdge(t, e, idx, "hub", "a", 1)

	ranks, err := idx.PageRank(e, []string{"a", "b", "c", "hub"}, 0.85, 1e-6, 50)
	require.NoError(t, err)
	require.Greater(t, ranks["hub"], ranks["b"])
}

func TestVerticesByLabel(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("social")

	b := e.NewBatch()
	idx.AddVertexLabel(b, "a", "person")
	idx.AddVertexLabel(b, "b", "person")
	idx.AddVertexLabel(b, "c", "company")
	require.NoError(t, b.Commit(kvengine.FlushOS))

	people, err := idx.VerticesByLabel(e, "person")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, people)
}

func TestGeoFilterExcludesFarVertices(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("social")
	addEdge(t, e, idx, "a", "near", 1)
	addEdge(t, e, idx, "a", "far", 1)

	filter := &GeoFilter{
		Points: map[string]Point{
			"a":    {Lon: 0, Lat: 0},
			"near": {Lon: 0.01, Lat: 0.01},
			"far":  {Lon: 90, Lat: 45},
		},
		CenterLon: 0, CenterLat: 0, RadiusKM: 10,
	}
	order, err := idx.BFS(e, "a", filter)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "near"}, order)
}
