package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionSetOpenAllOnEmptyDir(t *testing.T) {
	dir := t.TempDir()
	cs, err := OpenAll(dir, time.Minute, false)
	require.NoError(t, err)
	assert.Empty(t, cs.Collections())
}

func TestCollectionSetOpenAllOnMissingDir(t *testing.T) {
	cs, err := OpenAll(filepath.Join(t.TempDir(), "does-not-exist"), time.Minute, false)
	require.NoError(t, err)
	assert.Empty(t, cs.Collections())
}

// TestCollectionSetCreateAndReopen checks that a collection created through
// the set survives an OpenAll against the same directory, with the same
// configuration recovered from parameters.json.
func TestCollectionSetCreateAndReopen(t *testing.T) {
	dir := t.TempDir()
	cs, err := OpenAll(dir, time.Minute, false)
	require.NoError(t, err)

	cfg := testCollectionConfig("docs", []string{"_key"})
	lc, err := cs.Create(cfg)
	require.NoError(t, err)

	_, err = lc.Insert(map[string]interface{}{"_key": "a", "x": float64(1)}, OperationOptions{})
	require.NoError(t, err)

	got, ok := cs.Collection("docs")
	require.True(t, ok)
	assert.Same(t, lc, got)

	reopened, err := OpenAll(dir, time.Minute, false)
	require.NoError(t, err)
	require.Len(t, reopened.Collections(), 1)

	rc, ok := reopened.Collection("docs")
	require.True(t, ok)
	assert.Equal(t, cfg.ReplicationFactor, 1)
	assert.Equal(t, []string{"_key"}, rc.ShardKeys())

	doc, err := rc.Read("a")
	require.NoError(t, err)
	assert.Equal(t, float64(1), doc.Attributes["x"])
}

// TestCollectionSetCreateRejectsDuplicateName mirrors the unique-name
// invariant a coordinator relies on when provisioning collections.
func TestCollectionSetCreateRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	cs, err := OpenAll(dir, time.Minute, false)
	require.NoError(t, err)

	cfg := testCollectionConfig("docs", []string{"_key"})
	_, err = cs.Create(cfg)
	require.NoError(t, err)

	_, err = cs.Create(testCollectionConfig("docs", []string{"_key"}))
	assert.Error(t, err)
}

// TestCollectionSetAssignsDistinctCIDs checks that CID auto-assignment never
// collides across successive Create calls that leave CID unset.
func TestCollectionSetAssignsDistinctCIDs(t *testing.T) {
	dir := t.TempDir()
	cs, err := OpenAll(dir, time.Minute, false)
	require.NoError(t, err)

	cfgA := testCollectionConfig("a", []string{"_key"})
	cfgA.CID = 0
	lcA, err := cs.Create(cfgA)
	require.NoError(t, err)

	cfgB := testCollectionConfig("b", []string{"_key"})
	cfgB.CID = 0
	lcB, err := cs.Create(cfgB)
	require.NoError(t, err)

	assert.NotEqual(t, lcA.CID(), lcB.CID())
}
