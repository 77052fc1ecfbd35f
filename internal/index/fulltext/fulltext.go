// Package fulltext implements the full-text index: an analyser
// pipeline (lowercase, tokenize, stop-word filter, a light suffix
// stemmer; no Unicode normalisation is applied) feeding postings under
// idx:ft:, scored at query time with Okapi BM25.
//
// A single lexical scorer only: vector similarity belongs to
// internal/index/vector, since full-text and vector are two distinct
// declared index kinds rather than one fused engine.
package fulltext

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/cuemby/themisdb/internal/document"
	"github.com/cuemby/themisdb/internal/entity"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/kvengine"
	"github.com/cuemby/themisdb/internal/metrics"
)

// Reader is the subset of kvengine.Engine/Snapshot postings are read
// through.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// ScanReader additionally supports the bounded iteration term lookups
// and the doc-length scan need.
type ScanReader interface {
	Reader
	Iterator(start, end []byte, reverse bool) *kvengine.Iterator
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"that": true, "the": true, "to": true, "was": true, "were": true, "will": true,
	"with": true,
}

// stem trims a few common English inflectional suffixes. It is
// deliberately shallow: no vowel/consonant rules, just the suffixes
// that matter most for recall on short documents.
func stem(tok string) string {
	switch {
	case len(tok) > 4 && strings.HasSuffix(tok, "ing"):
		return tok[:len(tok)-3]
	case len(tok) > 4 && strings.HasSuffix(tok, "ed"):
		return tok[:len(tok)-2]
	case len(tok) > 4 && strings.HasSuffix(tok, "es"):
		return tok[:len(tok)-2]
	case len(tok) > 3 && strings.HasSuffix(tok, "s"):
		return tok[:len(tok)-1]
	default:
		return tok
	}
}

// Tokenize normalises text into indexable terms: lowercase, split on
// non-letter/non-digit runes, drop stop-words, stem what remains.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

func termFreqs(text string) map[string]uint32 {
	freqs := make(map[string]uint32)
	for _, tok := range Tokenize(text) {
		freqs[tok]++
	}
	return freqs
}

func docLen(freqs map[string]uint32) uint32 {
	var n uint32
	for _, tf := range freqs {
		n += tf
	}
	return n
}

func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func decodeU32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Index maintains the postings and per-document length records for
// one table/field pair.
type Index struct {
	Table string
	Field string
}

func NewIndex(table, field string) *Index {
	return &Index{Table: table, Field: field}
}

func (idx *Index) text(v document.Value) (string, bool) {
	f, ok := v.Field(idx.Field)
	if !ok || f.Kind() != document.KindString {
		return "", false
	}
	return f.String(), true
}

func (idx *Index) removePostings(w entity.Writer, pk string, freqs map[string]uint32) {
	for term := range freqs {
		w.Delete(keyenc.FullTextPostingKey(idx.Table, idx.Field, term, pk))
	}
	w.Delete(keyenc.FullTextDocLenKey(idx.Table, idx.Field, pk))
}

func (idx *Index) writePostings(w entity.Writer, pk string, freqs map[string]uint32) {
	for term, tf := range freqs {
		w.Put(keyenc.FullTextPostingKey(idx.Table, idx.Field, term, pk), encodeU32(tf))
	}
	w.Put(keyenc.FullTextDocLenKey(idx.Table, idx.Field, pk), encodeU32(docLen(freqs)))
}

func (idx *Index) OnPut(w entity.Writer, table, pk string, old document.Value, oldOK bool, next document.Value) error {
	if oldOK {
		if text, ok := idx.text(old); ok {
			idx.removePostings(w, pk, termFreqs(text))
		}
	}
	if text, ok := idx.text(next); ok {
		idx.writePostings(w, pk, termFreqs(text))
	}
	return nil
}

func (idx *Index) OnDelete(w entity.Writer, table, pk string, old document.Value, oldOK bool) error {
	if oldOK {
		if text, ok := idx.text(old); ok {
			idx.removePostings(w, pk, termFreqs(text))
		}
	}
	return nil
}

// ScoredDoc is one BM25 search hit.
type ScoredDoc struct {
	PK    string
	Score float64
}

// BM25 tuning constants.
const (
	k1 = 1.2
	b  = 0.75
)

// docLengths returns every document's length and their sum, the
// collection statistics BM25's idf and length-normalisation terms
// need. Computed on demand by scanning the field's reserved
// doc-length postings rather than maintained incrementally, since
// txn.Indexer's write hooks only see a batch writer, not a reader.
func docLengths(sr ScanReader, table, field string) (map[string]uint32, int64, error) {
	prefix := keyenc.FullTextTermPrefix(table, field, "\x00doclen")
	end := keyenc.PrefixUpperBound(prefix)
	it := sr.Iterator(prefix, end, false)
	lengths := make(map[string]uint32)
	var total int64
	for it.Next() {
		pk := string(it.Key()[len(prefix)+1:]) // prefix + ':' + pk
		dl := decodeU32(it.Value())
		lengths[pk] = dl
		total += int64(dl)
	}
	if err := it.Err(); err != nil {
		return nil, 0, err
	}
	return lengths, total, nil
}

// Search scores every document containing at least one query term via
// Okapi BM25 (k1=1.2, b=0.75) and returns the top K, highest score
// first.
func Search(sr ScanReader, table, field, query string, topK int) ([]ScoredDoc, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FullTextQueryDuration)

	lengths, total, err := docLengths(sr, table, field)
	if err != nil {
		return nil, err
	}
	n := len(lengths)
	if n == 0 {
		return nil, nil
	}
	avgdl := float64(total) / float64(n)

	seen := make(map[string]bool)
	scores := make(map[string]float64)
	for _, term := range Tokenize(query) {
		if seen[term] {
			continue
		}
		seen[term] = true

		prefix := keyenc.FullTextTermPrefix(table, field, term)
		end := keyenc.PrefixUpperBound(prefix)
		it := sr.Iterator(prefix, end, false)
		var postings []struct {
			pk string
			tf uint32
		}
		for it.Next() {
			pk := string(it.Key()[len(prefix)+1:])
			postings = append(postings, struct {
				pk string
				tf uint32
			}{pk, decodeU32(it.Value())})
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		if len(postings) == 0 {
			continue
		}

		df := float64(len(postings))
		idf := math.Log((float64(n)-df+0.5)/(df+0.5) + 1)
		for _, p := range postings {
			dl := float64(lengths[p.pk])
			tf := float64(p.tf)
			denom := tf + k1*(1-b+b*dl/avgdl)
			scores[p.pk] += idf * (tf * (k1 + 1)) / denom
		}
	}

	out := make([]ScoredDoc, 0, len(scores))
	for pk, score := range scores {
		out = append(out, ScoredDoc{PK: pk, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PK < out[j].PK
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
