package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerEncodeDecodeRoundTrip(t *testing.T) {
	m := marker{kind: markerDocument, tick: 42, body: []byte(`{"_key":"a"}`)}
	encoded := m.encode(false)

	decoded, consumed, ok, err := decodeMarker(encoded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(encoded), consumed)
	assert.Equal(t, m.kind, decoded.kind)
	assert.Equal(t, m.tick, decoded.tick)
	assert.Equal(t, m.body, decoded.body)
}

func TestMarkerEncodeDecodeCompressed(t *testing.T) {
	m := marker{kind: markerDocument, tick: 7, body: []byte(`{"_key":"a","payload":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)}
	encoded := m.encode(true)

	decoded, _, ok, err := decodeMarker(encoded)
	require.NoError(t, err)
	require.True(t, ok)

	body, err := decompressBody(decoded.body)
	require.NoError(t, err)
	assert.Equal(t, m.body, body)
}

func TestDecodeMarkerZeroSizeTerminates(t *testing.T) {
	buf := make([]byte, markerHeaderSize)
	_, _, ok, err := decodeMarker(buf)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeMarkerCorruptChecksum(t *testing.T) {
	m := marker{kind: markerDocument, tick: 1, body: []byte("x")}
	encoded := m.encode(false)
	encoded[markerHeaderSize] ^= 0xff // flip the one body byte, invalidating the crc

	_, _, _, err := decodeMarker(encoded)
	assert.ErrorIs(t, err, ErrMarkerCorrupt)
}

func TestDecodeMarkerTruncatedTail(t *testing.T) {
	m := marker{kind: markerDocument, tick: 1, body: []byte("hello")}
	encoded := m.encode(false)

	_, _, _, err := decodeMarker(encoded[:markerHeaderSize+2])
	assert.ErrorIs(t, err, ErrMarkerCorrupt)
}
