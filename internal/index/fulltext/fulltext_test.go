package fulltext

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/kvengine"
)

func openTestEngine(t *testing.T) *kvengine.Engine {
	t.Helper()
	e, err := kvengine.Open(kvengine.DefaultOptions(filepath.Join(t.TempDir(), "themisdb.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func putDoc(t *testing.T, e *kvengine.Engine, idx *Index, pk, text string) {
	t.Helper()
	old, oldOK, err := entity.Get(e, "articles", pk)
	require.NoError(t, err)
	value := document.Object(map[string]document.Value{"body": document.String(text)})
	b := e.NewBatch()
	require.NoError(t, entity.Put(b, e, "articles", pk, value, true))
	require.NoError(t, idx.OnPut(b, "articles", pk, old, oldOK, value))
	require.NoError(t, b.Commit(kvengine.FlushOS))
}

func TestTokenizeDropsStopwordsAndStems(t *testing.T) {
	toks := Tokenize("The running dogs are barking")
	require.Contains(t, toks, "runn")
	require.Contains(t, toks, "dog")
	require.NotContains(t, toks, "the")
	require.NotContains(t, toks, "are")
}

func TestSearchRanksMoreRelevantDocHigher(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("articles", "body")

	putDoc(t, e, idx, "a1", "golang database engine storage engine golang")
	putDoc(t, e, idx, "a2", "a completely unrelated article about gardening")
	putDoc(t, e, idx, "a3", "golang programming tutorial")

	hits, err := Search(e, "articles", "body", "golang engine", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "a1", hits[0].PK)
}

func TestSearchEmptyIndexReturnsNil(t *testing.T) {
	e := openTestEngine(t)
	hits, err := Search(e, "articles", "body", "anything", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearchRespectsTopK(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("articles", "body")
	for i, pk := range []string{"a1", "a2", "a3", "a4"} {
		_ = i
		putDoc(t, e, idx, pk, "golang database tutorial")
	}

	hits, err := Search(e, "articles", "body", "golang", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestOnDeleteRemovesPostings(t *testing.T) {
	e := openTestEngine(t)
	idx := NewIndex("articles", "body")
	putDoc(t, e, idx, "a1", "golang database engine")

	old, oldOK, err := entity.Get(e, "articles", "a1")
	require.NoError(t, err)
	require.True(t, oldOK)

	b := e.NewBatch()
	require.NoError(t, entity.Delete(b, "articles", "a1"))
	require.NoError(t, idx.OnDelete(b, "articles", "a1", old, oldOK))
	require.NoError(t, b.Commit(kvengine.FlushOS))

	hits, err := Search(e, "articles", "body", "golang", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}
