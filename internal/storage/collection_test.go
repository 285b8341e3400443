package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCollectionConfig(name string, shardKeys []string) CollectionConfig {
	return CollectionConfig{
		CID:               1,
		PlanID:            1,
		Name:              name,
		Type:              CollectionTypeDocument,
		KeyGenerator:      KeyGeneratorTraditional,
		ShardKeys:         shardKeys,
		ReplicationFactor: 1,
		NumberOfShards:    1,
		JournalSize:       1 << 20,
		Indexes:           []IndexDefinition{{Type: IndexTypePrimary}},
	}
}

func newTestCollection(t *testing.T, baseDir string, cfg CollectionConfig) *LogicalCollection {
	t.Helper()
	lc, err := NewLogicalCollection(baseDir, cfg, time.Minute, false)
	require.NoError(t, err)
	return lc
}

// TestInsertReadRoundTrip exercises the common path: an inserted document
// reads back with the attributes it was given and a fresh revision.
func TestInsertReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	lc := newTestCollection(t, dir, testCollectionConfig("docs", []string{"_key"}))

	res, err := lc.Insert(map[string]interface{}{"_key": "a", "x": float64(1)}, OperationOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Key)
	assert.NotZero(t, res.Rev)

	read, err := lc.Read("a")
	require.NoError(t, err)
	assert.Equal(t, float64(1), read.Attributes["x"])
	assert.Equal(t, res.Rev, read.Rev)
}

// TestUpdateRejectsRevisionMismatch checks the optimistic-concurrency guard
// on the modify path.
func TestUpdateRejectsRevisionMismatch(t *testing.T) {
	dir := t.TempDir()
	lc := newTestCollection(t, dir, testCollectionConfig("docs", []string{"_key"}))

	res, err := lc.Insert(map[string]interface{}{"_key": "a", "x": float64(1)}, OperationOptions{})
	require.NoError(t, err)

	_, err = lc.Update("a", map[string]interface{}{"x": float64(2)}, OperationOptions{ExpectedRev: res.Rev + 1})
	assert.ErrorIs(t, err, ErrRevisionMismatch)
}

// TestShardKeyImmutability is Testable Property 8: an update changing a
// shard-key attribute must fail and leave the document untouched.
func TestShardKeyImmutability(t *testing.T) {
	dir := t.TempDir()
	lc := newTestCollection(t, dir, testCollectionConfig("docs", []string{"region"}))

	_, err := lc.Insert(map[string]interface{}{"_key": "a", "region": "us"}, OperationOptions{})
	require.NoError(t, err)

	before, err := lc.Read("a")
	require.NoError(t, err)

	_, err = lc.Update("a", map[string]interface{}{"region": "eu"}, OperationOptions{})
	assert.ErrorIs(t, err, ErrShardKeyChanged)

	after, err := lc.Read("a")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, lc.primary.size())
	assert.Equal(t, 1, lc.revisions.len())
}

// TestRevisionCacheConsistency is Testable Property 6 and Scenario S6: after
// an update, the old revision is gone from the cache and the new one
// dereferences to a marker whose _key/_rev match.
func TestRevisionCacheConsistency(t *testing.T) {
	dir := t.TempDir()
	lc := newTestCollection(t, dir, testCollectionConfig("docs", []string{"_key"}))

	inserted, err := lc.Insert(map[string]interface{}{"_key": "a", "x": float64(1)}, OperationOptions{})
	require.NoError(t, err)
	r1 := inserted.Rev

	updated, err := lc.Update("a", map[string]interface{}{"x": float64(2)}, OperationOptions{})
	require.NoError(t, err)
	r2 := updated.Rev
	require.NotEqual(t, r1, r2)

	_, ok := lc.revisions.get(r1)
	assert.False(t, ok, "old revision must be evicted from the cache")

	ptr, ok := lc.revisions.get(r2)
	require.True(t, ok, "current revision must be resident")

	body, err := lc.readMarkerBody(revisionPointer{fid: ptr.fid, offset: ptr.offset, length: ptr.length})
	require.NoError(t, err)
	sys, _, err := decodeDocument(body)
	require.NoError(t, err)
	assert.Equal(t, "a", sys.Key)
	assert.Equal(t, r2, sys.Rev)

	rev, ok := lc.primary.lookup("a")
	require.True(t, ok)
	assert.Equal(t, r2, rev)
}

// TestAtMostOneJournal is Testable Property 7: after any number of writes,
// exactly one journal exists, and it is always the datafile a successful
// reserveJournalSpace call handed back.
func TestAtMostOneJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := testCollectionConfig("docs", []string{"_key"})
	cfg.JournalSize = 512 // force at least one rotation under a handful of writes
	lc := newTestCollection(t, dir, cfg)

	for i := 0; i < 20; i++ {
		key := string(rune('a' + i))
		_, err := lc.Insert(map[string]interface{}{"_key": key, "payload": "some reasonably sized value"}, OperationOptions{})
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, lc.files.journalCount(), 1)

	_, df, err := lc.files.reserveJournalSpace(lc.clock.tick(), 64)
	require.NoError(t, err)
	assert.Same(t, lc.files.journal, df)
	assert.Equal(t, 1, lc.files.journalCount())
}

// TestDatafileRoundTripCrashRecovery is Testable Property 5 and Scenario S4:
// insert, update, remove the same key, then reopen the collection directory
// without ever sealing the journal (a simulated crash) and confirm recovery
// reproduces the empty end state exactly.
func TestDatafileRoundTripCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	cfg := testCollectionConfig("docs", []string{"_key"})
	lc := newTestCollection(t, dir, cfg)

	_, err := lc.Insert(map[string]interface{}{"_key": "a", "x": float64(1)}, OperationOptions{})
	require.NoError(t, err)
	_, err = lc.Update("a", map[string]interface{}{"x": float64(2)}, OperationOptions{})
	require.NoError(t, err)
	_, err = lc.Remove("a", OperationOptions{})
	require.NoError(t, err)

	journalFid := lc.files.journal.fid

	// Simulated crash: open a fresh collection against the same directory
	// without sealing anything, and recover it.
	lc2 := newTestCollection(t, dir, cfg)
	require.NoError(t, lc2.Recover())

	assert.Equal(t, 0, lc2.primary.size())
	assert.Equal(t, 0, lc2.revisions.len())

	_, err = lc2.Read("a")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	var found bool
	for _, stat := range lc2.DatafileStats() {
		if stat.Fid != journalFid {
			continue
		}
		found = true
		assert.Equal(t, int64(0), stat.LiveCount)
		assert.Equal(t, int64(1), stat.DeletionCount)
	}
	assert.True(t, found, "journal file must survive recovery under its original fid")
}

// TestUniqueSecondaryIndexRejectsDuplicate exercises the shared write
// pipeline's rollback path: a unique-index violation must not leave the
// primary index or revision cache holding the rejected key.
func TestUniqueSecondaryIndexRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	cfg := testCollectionConfig("users", []string{"_key"})
	cfg.Indexes = append(cfg.Indexes, IndexDefinition{Type: IndexTypeHash, Fields: []string{"email"}, Unique: true})
	lc := newTestCollection(t, dir, cfg)

	_, err := lc.Insert(map[string]interface{}{"_key": "u1", "email": "a@example.com"}, OperationOptions{})
	require.NoError(t, err)

	_, err = lc.Insert(map[string]interface{}{"_key": "u2", "email": "a@example.com"}, OperationOptions{})
	assert.ErrorIs(t, err, ErrUniqueConstraintViolated)

	_, ok := lc.primary.lookup("u2")
	assert.False(t, ok)
	assert.Equal(t, 1, lc.primary.size())
}
