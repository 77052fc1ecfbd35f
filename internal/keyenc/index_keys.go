package keyenc

// EqualityKey builds idx:eq:<table>:<field>:<sortable_value>:<pk>.
func EqualityKey(table, field string, value Scalar, pk string) []byte {
	return indexKey(PrefixEq, table, field, value, pk)
}

// EqualityPrefix builds the idx:eq:<table>:<field>:<sortable_value>:
// prefix for listing every pk with a given value.
func EqualityPrefix(table, field string, value Scalar) []byte {
	return indexValuePrefix(PrefixEq, table, field, value)
}

// EqualityFieldPrefix builds idx:eq:<table>:<field>: for full-field scans.
func EqualityFieldPrefix(table, field string) []byte {
	return indexFieldPrefix(PrefixEq, table, field)
}

// RangeKey builds idx:rng:<table>:<field>:<sortable_value>:<pk>. The
// value component uses the escaped-and-terminated encoding rather
// than a length prefix: range postings are consumed in key order, and
// a length prefix would order variable-length strings by (length,
// content) instead of lexicographically.
func RangeKey(table, field string, value Scalar, pk string) []byte {
	buf := indexFieldPrefix(PrefixRange, table, field)
	buf = AppendEscaped(buf, value.SortableBytes())
	buf = append(buf, ':')
	buf = append(buf, pk...)
	return buf
}

// RangeFieldPrefix builds idx:rng:<table>:<field>:.
func RangeFieldPrefix(table, field string) []byte {
	return indexFieldPrefix(PrefixRange, table, field)
}

// RangeValuePrefix builds idx:rng:<table>:<field>:<sortable_value>
// without trailing pk. Usable both as an inclusive scan start and an
// exclusive scan end: every posting for the value itself extends this
// prefix, every posting for a greater value compares greater.
func RangeValuePrefix(table, field string, value Scalar) []byte {
	buf := indexFieldPrefix(PrefixRange, table, field)
	return AppendEscaped(buf, value.SortableBytes())
}

// SparseKey builds idx:spr:<table>:<field>:<value>:<pk>.
func SparseKey(table, field string, value Scalar, pk string) []byte {
	return indexKey(PrefixSparse, table, field, value, pk)
}

// SparseFieldPrefix builds idx:spr:<table>:<field>:.
func SparseFieldPrefix(table, field string) []byte {
	return indexFieldPrefix(PrefixSparse, table, field)
}

// CompositeKey builds idx:cmp:<table>:<name>:<tuple>:<pk>.
func CompositeKey(table, name string, fields []Scalar, pk string) []byte {
	buf := []byte(PrefixComposite)
	buf = AppendLPStr(buf, table)
	buf = AppendLPStr(buf, name)
	buf = append(buf, EncodeTuple(fields)...)
	buf = append(buf, ':')
	buf = append(buf, pk...)
	return buf
}

// CompositePrefix builds idx:cmp:<table>:<name>:<tuple-prefix> for an
// equality-prefix scan over the first n fields.
func CompositePrefix(table, name string, fields []Scalar, n int) []byte {
	buf := []byte(PrefixComposite)
	buf = AppendLPStr(buf, table)
	buf = AppendLPStr(buf, name)
	buf = append(buf, EncodeTuplePrefix(fields, n)...)
	return buf
}

// CompositeIndexPrefix builds idx:cmp:<table>:<name>: for full scans.
func CompositeIndexPrefix(table, name string) []byte {
	buf := []byte(PrefixComposite)
	buf = AppendLPStr(buf, table)
	buf = AppendLPStr(buf, name)
	return buf
}

// TTLKey builds idx:ttl:<table>:<expire_be_u64>:<pk>.
func TTLKey(table string, expireAtMs int64, pk string) []byte {
	buf := []byte(PrefixTTL)
	buf = AppendLPStr(buf, table)
	buf = append(buf, EncodeBEUint64(uint64(expireAtMs))...)
	buf = append(buf, ':')
	buf = append(buf, pk...)
	return buf
}

// TTLTablePrefix builds idx:ttl:<table>: for the sweep scan.
func TTLTablePrefix(table string) []byte {
	buf := []byte(PrefixTTL)
	buf = AppendLPStr(buf, table)
	return buf
}

// TTLUpperBound builds the exclusive upper bound idx:ttl:<table>:<now+1>
// so a forward scan from the table prefix to this bound yields every
// pk whose expire_at <= now.
func TTLUpperBound(table string, nowMs int64) []byte {
	buf := []byte(PrefixTTL)
	buf = AppendLPStr(buf, table)
	buf = append(buf, EncodeBEUint64(uint64(nowMs)+1)...)
	return buf
}

// FullTextPostingKey builds idx:ft:<table>:<field>:<term>:<pk>.
func FullTextPostingKey(table, field, term, pk string) []byte {
	buf := []byte(PrefixFullText)
	buf = AppendLPStr(buf, table)
	buf = AppendLPStr(buf, field)
	buf = AppendLPStr(buf, term)
	buf = append(buf, ':')
	buf = append(buf, pk...)
	return buf
}

// FullTextFieldPrefix builds idx:ft:<table>:<field>: covering every
// posting and doc-length record of the field, the range DropIndex
// erases.
func FullTextFieldPrefix(table, field string) []byte {
	return indexFieldPrefix(PrefixFullText, table, field)
}

// FullTextTermPrefix builds idx:ft:<table>:<field>:<term>: to list
// every posting for a term.
func FullTextTermPrefix(table, field, term string) []byte {
	buf := []byte(PrefixFullText)
	buf = AppendLPStr(buf, table)
	buf = AppendLPStr(buf, field)
	buf = AppendLPStr(buf, term)
	return buf
}

// FullTextDocLenKey builds the per-document length record key, kept
// in the same family under the reserved term "\x00doclen":
// idx:ft:<table>:<field>:\x00doclen:<pk>.
func FullTextDocLenKey(table, field, pk string) []byte {
	return FullTextPostingKey(table, field, "\x00doclen", pk)
}

// VectorPrefix builds idx:vec:<table>:<field>: the root namespace
// for a table+field's HNSW graph (node records and the entry point
// live under sub-keys appended by the vector package itself).
func VectorPrefix(table, field string) []byte {
	return indexFieldPrefix(PrefixVector, table, field)
}

// SpatialPrefix builds idx:spa:<table>:<field>:.
func SpatialPrefix(table, field string) []byte {
	return indexFieldPrefix(PrefixSpatial, table, field)
}

// GraphEdgeKey builds idx:gph:<graph>:<from>:<to>:<edge_id>.
func GraphEdgeKey(graph, from, to, edgeID string) []byte {
	buf := []byte(PrefixGraph)
	buf = AppendLPStr(buf, graph)
	buf = AppendLPStr(buf, from)
	buf = AppendLPStr(buf, to)
	buf = append(buf, ':')
	buf = append(buf, edgeID...)
	return buf
}

// GraphReverseEdgeKey builds the reverse adjacency entry, keyed by
// (graph, to, from, edge_id) so in-neighbours are an ordered prefix
// scan too.
func GraphReverseEdgeKey(graph, from, to, edgeID string) []byte {
	return GraphEdgeKey(graph+"\x00rev", to, from, edgeID)
}

// GraphOutPrefix builds idx:gph:<graph>:<from>: to scan outgoing edges.
func GraphOutPrefix(graph, from string) []byte {
	buf := []byte(PrefixGraph)
	buf = AppendLPStr(buf, graph)
	buf = AppendLPStr(buf, from)
	return buf
}

// GraphInPrefix builds the reverse-adjacency prefix for incoming edges.
func GraphInPrefix(graph, to string) []byte {
	return GraphOutPrefix(graph+"\x00rev", to)
}

// MetaKey builds meta:<kind>:<name>.
func MetaKey(kind, name string) []byte {
	buf := []byte(PrefixMeta)
	buf = AppendLPStr(buf, kind)
	buf = AppendLPStr(buf, name)
	return buf
}

// MetaKindPrefix builds meta:<kind>: for listing every entry of a kind.
func MetaKindPrefix(kind string) []byte {
	buf := []byte(PrefixMeta)
	buf = AppendLPStr(buf, kind)
	return buf
}

// ChangefeedKey builds cdc:<seq_be_u64>.
func ChangefeedKey(seq uint64) []byte {
	buf := []byte(PrefixChangefeed)
	return append(buf, EncodeBEUint64(seq)...)
}

func indexKey(prefix, table, field string, value Scalar, pk string) []byte {
	buf := []byte(prefix)
	buf = AppendLPStr(buf, table)
	buf = AppendLPStr(buf, field)
	buf = AppendLP(buf, value.SortableBytes())
	buf = append(buf, ':')
	buf = append(buf, pk...)
	return buf
}

func indexValuePrefix(prefix, table, field string, value Scalar) []byte {
	buf := []byte(prefix)
	buf = AppendLPStr(buf, table)
	buf = AppendLPStr(buf, field)
	buf = AppendLP(buf, value.SortableBytes())
	return buf
}

func indexFieldPrefix(prefix, table, field string) []byte {
	buf := []byte(prefix)
	buf = AppendLPStr(buf, table)
	buf = AppendLPStr(buf, field)
	return buf
}

// PrefixUpperBound returns the smallest key greater than every key
// with the given prefix, for exclusive-end range scans (e.g. bbolt
// cursor iteration bounded by prefix).
func PrefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	// All 0xff: no finite upper bound: caller should treat as
	// unbounded forward scan.
	return nil
}
