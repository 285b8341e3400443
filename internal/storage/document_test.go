package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDocumentRoundTrip(t *testing.T) {
	sys := systemAttributes{Key: "a", ID: "docs/a", Rev: 42}
	user := map[string]interface{}{"x": float64(1), "name": "alice"}

	body, err := encodeDocument(sys, user)
	require.NoError(t, err)

	gotSys, gotUser, err := decodeDocument(body)
	require.NoError(t, err)
	assert.Equal(t, sys, gotSys)
	assert.Equal(t, user, gotUser)
}

func TestEncodeDocumentOmitsEmptyEdgeAttributes(t *testing.T) {
	sys := systemAttributes{Key: "a", ID: "docs/a", Rev: 1}
	body, err := encodeDocument(sys, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "_from")
	assert.NotContains(t, string(body), "_to")
}

func TestEncodeDocumentEdgeAttributesRoundTrip(t *testing.T) {
	sys := systemAttributes{Key: "e1", ID: "edges/e1", From: "docs/a", To: "docs/b", Rev: 7}
	body, err := encodeDocument(sys, map[string]interface{}{"weight": float64(3)})
	require.NoError(t, err)

	gotSys, gotUser, err := decodeDocument(body)
	require.NoError(t, err)
	assert.Equal(t, "docs/a", gotSys.From)
	assert.Equal(t, "docs/b", gotSys.To)
	assert.Equal(t, float64(3), gotUser["weight"])
}

func TestFormatDocumentID(t *testing.T) {
	assert.Equal(t, "100/a", formatDocumentID(100, "a"))
}
