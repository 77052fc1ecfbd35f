package keyenc

import (
	"bytes"
	"math"
	"sort"
	"testing"
)

func TestSortableInt64Order(t *testing.T) {
	values := []int64{math.MinInt64, -1000, -1, 0, 1, 1000, math.MaxInt64}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = SortableInt64(v)
	}
	if !sort.SliceIsSorted(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 }) {
		t.Fatal("SortableInt64 encodings are not in numeric order")
	}
	for i, v := range values {
		if got := DecodeSortableInt64(encoded[i]); got != v {
			t.Errorf("round-trip mismatch: got %d want %d", got, v)
		}
	}
}

func TestSortableFloat64Order(t *testing.T) {
	values := []float64{math.Inf(-1), -1e300, -1.5, -0.0, 0.0, 1.5, 1e300, math.Inf(1)}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = SortableFloat64(v)
	}
	if !sort.SliceIsSorted(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 }) {
		t.Fatal("SortableFloat64 encodings are not in numeric order")
	}
	for i, v := range values {
		got := DecodeSortableFloat64(encoded[i])
		if got != v && !(math.IsInf(got, 0) && math.IsInf(v, 0)) {
			t.Errorf("round-trip mismatch: got %v want %v", got, v)
		}
	}
}

func TestTupleEncodeDecodeRoundTrip(t *testing.T) {
	fields := []Scalar{Str("Berlin"), Int(42), Flt(3.5), Bln(true)}
	enc := EncodeTuple(fields)
	dec, err := DecodeTuple(enc)
	if err != nil {
		t.Fatalf("DecodeTuple: %v", err)
	}
	if len(dec) != len(fields) {
		t.Fatalf("got %d fields, want %d", len(dec), len(fields))
	}
	if dec[0].Str != "Berlin" || dec[1].I != 42 || dec[2].F != 3.5 || dec[3].B != true {
		t.Errorf("decoded tuple mismatch: %+v", dec)
	}
}

func TestTuplePrefixIsValidRangeBound(t *testing.T) {
	a := EncodeTuple([]Scalar{Str("Berlin"), Int(1)})
	b := EncodeTuple([]Scalar{Str("Berlin"), Int(2)})
	prefix := EncodeTuplePrefix([]Scalar{Str("Berlin"), Int(1)}, 1)

	if !bytes.HasPrefix(a, prefix) || !bytes.HasPrefix(b, prefix) {
		t.Fatal("equality prefix over leading field must prefix both tuples")
	}
	if bytes.Compare(a, b) >= 0 {
		t.Fatal("tuple order should follow field order (int 1 < int 2)")
	}
}

func TestEscapedEncodingPreservesOrderAndRoundTrips(t *testing.T) {
	values := [][]byte{
		nil,
		[]byte("a"),
		[]byte("a\x00"),
		[]byte("aa"),
		[]byte("ab"),
		[]byte("b"),
		[]byte("z"),
	}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = AppendEscaped(nil, v)
	}
	if !sort.SliceIsSorted(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 }) {
		t.Fatal("escaped encodings are not in raw byte order")
	}
	for i, v := range values {
		dec, rest, ok := ReadEscaped(append(encoded[i], "tail"...))
		if !ok {
			t.Fatalf("ReadEscaped failed for %q", v)
		}
		if !bytes.Equal(dec, v) && !(len(dec) == 0 && len(v) == 0) {
			t.Errorf("round-trip mismatch: got %q want %q", dec, v)
		}
		if string(rest) != "tail" {
			t.Errorf("remainder mismatch: got %q", rest)
		}
	}
}

func TestRangeKeyStringValuesSortLexicographically(t *testing.T) {
	aa := RangeKey("hotels", "name", Str("aa"), "p1")
	z := RangeKey("hotels", "name", Str("z"), "p2")
	if bytes.Compare(aa, z) >= 0 {
		t.Fatal(`range key for "aa" must sort before "z" regardless of length`)
	}

	// The value prefix bounds a scan on both sides: postings for the
	// value extend it, postings for greater values compare greater.
	prefix := RangeValuePrefix("hotels", "name", Str("aa"))
	if !bytes.HasPrefix(aa, prefix) {
		t.Fatal("posting for the value must extend its value prefix")
	}
	if bytes.Compare(z, prefix) < 0 {
		t.Fatal("posting for a greater value must compare greater than the prefix")
	}
}

func TestEntityKeyPrefixScan(t *testing.T) {
	k1 := EntityKey("hotels", "a1")
	k2 := EntityKey("hotels", "a2")
	k3 := EntityKey("hotelsx", "a1")
	prefix := EntityTablePrefix("hotels")

	if !bytes.HasPrefix(k1, prefix) || !bytes.HasPrefix(k2, prefix) {
		t.Fatal("entity keys for table must share the table prefix")
	}
	if bytes.HasPrefix(k3, prefix) {
		t.Fatal("length-prefixed table name must not let \"hotelsx\" match \"hotels\" prefix")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	prefix := []byte("idx:eq")
	upper := PrefixUpperBound(prefix)
	if bytes.Compare(prefix, upper) >= 0 {
		t.Fatal("upper bound must be greater than prefix")
	}
	if bytes.Compare(append(append([]byte{}, prefix...), 0xff), upper) >= 0 {
		t.Fatal("upper bound must be greater than any key with the prefix")
	}
}
