// Package geo extracts a bounding box from an EWKB-encoded geometry,
// the one piece of geometry math the spatial index's "MBR-then-exact"
// two-pass predicate needs before it ever looks at the exact bytes:
// a cheap MBR for R*-tree placement, with the EWKB itself kept
// verbatim alongside it for the exact-predicate pass.
//
// A minimal reader built directly on encoding/binary; it understands
// Point, LineString, Polygon, MultiPoint, MultiLineString and
// MultiPolygon, and ignores the Z/M/SRID flag bits beyond skipping
// their extra coordinates.
package geo

import (
	"encoding/binary"
	"math"

	"github.com/cuemby/themisdb/internal/dberr"
)

const (
	wkbPoint              = 1
	wkbLineString         = 2
	wkbPolygon            = 3
	wkbMultiPoint         = 4
	wkbMultiLineString    = 5
	wkbMultiPolygon       = 6
	ewkbSRIDFlag   uint32 = 0x20000000
	ewkbZFlag      uint32 = 0x80000000
	ewkbMFlag      uint32 = 0x40000000
)

// BoundingBox reads ewkb and returns the [minX, minY, maxX, maxY]
// envelope of every coordinate pair it contains.
func BoundingBox(ewkb []byte) (minX, minY, maxX, maxY float64, err error) {
	r := &reader{buf: ewkb}
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	if err := r.readGeometry(&minX, &minY, &maxX, &maxY); err != nil {
		return 0, 0, 0, 0, err
	}
	if math.IsInf(minX, 1) {
		return 0, 0, 0, 0, dberr.New(dberr.InvalidValue, "geo: geometry has no coordinates")
	}
	return minX, minY, maxX, maxY, nil
}

type reader struct {
	buf []byte
	pos int
	ord binary.ByteOrder
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, dberr.New(dberr.InvalidValue, "geo: truncated ewkb")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, dberr.New(dberr.InvalidValue, "geo: truncated ewkb")
	}
	v := r.ord.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readFloat64() (float64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, dberr.New(dberr.InvalidValue, "geo: truncated ewkb")
	}
	bits := r.ord.Uint64(r.buf[r.pos:])
	r.pos += 8
	return math.Float64frombits(bits), nil
}

func (r *reader) readGeometry(minX, minY, maxX, maxY *float64) error {
	order, err := r.readByte()
	if err != nil {
		return err
	}
	if order == 0 {
		r.ord = binary.BigEndian
	} else {
		r.ord = binary.LittleEndian
	}

	typeAndFlags, err := r.readUint32()
	if err != nil {
		return err
	}
	hasSRID := typeAndFlags&ewkbSRIDFlag != 0
	hasZ := typeAndFlags&ewkbZFlag != 0
	hasM := typeAndFlags&ewkbMFlag != 0
	geomType := typeAndFlags & 0xff

	if hasSRID {
		if _, err := r.readUint32(); err != nil {
			return err
		}
	}
	extraDims := 0
	if hasZ {
		extraDims++
	}
	if hasM {
		extraDims++
	}

	switch geomType {
	case wkbPoint:
		return r.readPoint(extraDims, minX, minY, maxX, maxY)
	case wkbLineString:
		return r.readPointArray(extraDims, minX, minY, maxX, maxY)
	case wkbPolygon:
		return r.readPolygon(extraDims, minX, minY, maxX, maxY)
	case wkbMultiPoint, wkbMultiLineString:
		n, err := r.readUint32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if err := r.readGeometry(minX, minY, maxX, maxY); err != nil {
				return err
			}
		}
		return nil
	case wkbMultiPolygon:
		n, err := r.readUint32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if err := r.readGeometry(minX, minY, maxX, maxY); err != nil {
				return err
			}
		}
		return nil
	default:
		return dberr.New(dberr.Unsupported, "geo: unsupported geometry type")
	}
}

func (r *reader) readPoint(extraDims int, minX, minY, maxX, maxY *float64) error {
	x, err := r.readFloat64()
	if err != nil {
		return err
	}
	y, err := r.readFloat64()
	if err != nil {
		return err
	}
	for i := 0; i < extraDims; i++ {
		if _, err := r.readFloat64(); err != nil {
			return err
		}
	}
	if x < *minX {
		*minX = x
	}
	if x > *maxX {
		*maxX = x
	}
	if y < *minY {
		*minY = y
	}
	if y > *maxY {
		*maxY = y
	}
	return nil
}

func (r *reader) readPointArray(extraDims int, minX, minY, maxX, maxY *float64) error {
	n, err := r.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if err := r.readPoint(extraDims, minX, minY, maxX, maxY); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) readPolygon(extraDims int, minX, minY, maxX, maxY *float64) error {
	rings, err := r.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < rings; i++ {
		if err := r.readPointArray(extraDims, minX, minY, maxX, maxY); err != nil {
			return err
		}
	}
	return nil
}
