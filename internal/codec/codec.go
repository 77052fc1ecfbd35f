// Package codec provides block/value-level compression for the KV
// engine: none, lz4 and zstd, selected by the
// compression_default / compression_bottommost options.
package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind names a compression codec.
type Kind string

const (
	None Kind = "none"
	LZ4  Kind = "lz4"
	Zstd Kind = "zstd"
)

// Codec compresses/decompresses opaque value bytes before they enter
// a KV engine batch and after they're read back.
type Codec interface {
	Kind() Kind
	Encode(src []byte) []byte
	Decode(src []byte) ([]byte, error)
}

// For parses a configuration string into a Codec. Empty input selects
// none; an unrecognised kind is an error (internal/config validates
// recognised option values up front).
func For(kind Kind) (Codec, error) {
	switch kind {
	case "", None:
		return noneCodec{}, nil
	case LZ4:
		return lz4Codec{}, nil
	case Zstd:
		return newZstdCodec(), nil
	default:
		return nil, fmt.Errorf("unsupported compression kind %q", kind)
	}
}

type noneCodec struct{}

func (noneCodec) Kind() Kind                      { return None }
func (noneCodec) Encode(src []byte) []byte        { return src }
func (noneCodec) Decode(src []byte) ([]byte, error) { return src, nil }

type lz4Codec struct{}

func (lz4Codec) Kind() Kind { return LZ4 }

func (lz4Codec) Encode(src []byte) []byte {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, buf)
	if err != nil || n == 0 {
		// Incompressible or too small for a block; fall back to a
		// raw passthrough tagged 0 (compressed blocks are tagged 1) so
		// Decode can tell them apart.
		return append([]byte{0}, src...)
	}
	out := make([]byte, 0, n+9)
	out = append(out, 1)
	out = appendUvarint(out, uint64(len(src)))
	out = append(out, buf[:n]...)
	return out
}

func (lz4Codec) Decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	tag := src[0]
	rest := src[1:]
	if tag == 0 {
		return rest, nil
	}
	origLen, n := readUvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("lz4: corrupt length prefix")
	}
	dst := make([]byte, origLen)
	written, err := lz4.UncompressBlock(rest[n:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decode: %w", err)
	}
	return dst[:written], nil
}

// zstdCodec pools an encoder/decoder pair; zstd.Encoder/Decoder are
// safe for concurrent use once constructed.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() *zstdCodec {
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)
	return &zstdCodec{enc: enc, dec: dec}
}

func (c *zstdCodec) Kind() Kind { return Zstd }

func (c *zstdCodec) Encode(src []byte) []byte {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)))
}

func (c *zstdCodec) Decode(src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, nil)
}

func appendUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readUvarint(buf []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, b := range buf {
		if b < 0x80 {
			return v | uint64(b)<<shift, i + 1
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, -1
}
