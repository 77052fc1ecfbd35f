package geo

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodePointLE(x, y float64) []byte {
	buf := make([]byte, 1+4+8+8)
	buf[0] = 1 // little-endian
	binary.LittleEndian.PutUint32(buf[1:], wkbPoint)
	binary.LittleEndian.PutUint64(buf[5:], math.Float64bits(x))
	binary.LittleEndian.PutUint64(buf[13:], math.Float64bits(y))
	return buf
}

func encodeLineStringLE(points [][2]float64) []byte {
	buf := []byte{1}
	typeBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(typeBuf, wkbLineString)
	buf = append(buf, typeBuf...)
	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(points)))
	buf = append(buf, countBuf...)
	for _, p := range points {
		xBuf := make([]byte, 8)
		yBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(xBuf, math.Float64bits(p[0]))
		binary.LittleEndian.PutUint64(yBuf, math.Float64bits(p[1]))
		buf = append(buf, xBuf...)
		buf = append(buf, yBuf...)
	}
	return buf
}

func TestBoundingBoxOfPointIsDegenerate(t *testing.T) {
	minX, minY, maxX, maxY, err := BoundingBox(encodePointLE(13.4, 52.5))
	require.NoError(t, err)
	require.Equal(t, 13.4, minX)
	require.Equal(t, 13.4, maxX)
	require.Equal(t, 52.5, minY)
	require.Equal(t, 52.5, maxY)
}

func TestBoundingBoxOfLineStringSpansAllPoints(t *testing.T) {
	ewkb := encodeLineStringLE([][2]float64{{0, 0}, {10, -5}, {-3, 8}})
	minX, minY, maxX, maxY, err := BoundingBox(ewkb)
	require.NoError(t, err)
	require.Equal(t, -3.0, minX)
	require.Equal(t, 10.0, maxX)
	require.Equal(t, -5.0, minY)
	require.Equal(t, 8.0, maxY)
}

func TestBoundingBoxRejectsTruncatedInput(t *testing.T) {
	_, _, _, _, err := BoundingBox([]byte{1, 1})
	require.Error(t, err)
}

func TestBoundingBoxRejectsUnsupportedType(t *testing.T) {
	buf := make([]byte, 5)
	buf[0] = 1
	binary.LittleEndian.PutUint32(buf[1:], 99)
	_, _, _, _, err := BoundingBox(buf)
	require.Error(t, err)
}
