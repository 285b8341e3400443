package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// CollectionType distinguishes plain documents from edges (which carry
// _from/_to).
type CollectionType string

const (
	CollectionTypeDocument CollectionType = "document"
	CollectionTypeEdge     CollectionType = "edge"
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]{0,63}$`)

// CollectionConfig is the immutable shape a LogicalCollection is
// constructed from; it corresponds to the persisted collection definition.
type CollectionConfig struct {
	CID               uint64
	PlanID            uint64
	Name              string
	Type              CollectionType
	KeyGenerator      KeyGeneratorType
	ShardKeys         []string
	ReplicationFactor int
	NumberOfShards    int
	WaitForSync       bool
	IsVolatile        bool
	IsSystem          bool
	JournalSize       int64
	Indexes           []IndexDefinition
}

// validate enforces the naming and shape invariants a logical collection
// must satisfy before it can be constructed, carried over from the
// original validateName/shardKeys checks.
func (c CollectionConfig) validate() error {
	if !collectionNamePattern.MatchString(c.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, c.Name)
	}
	if c.IsSystem && !strings.HasPrefix(c.Name, "_") {
		return fmt.Errorf("%w: system collection %q must start with an underscore", ErrInvalidCollectionName, c.Name)
	}
	if c.IsVolatile && c.WaitForSync {
		return fmt.Errorf("storage: collection %q cannot be both volatile and waitForSync", c.Name)
	}
	if len(c.ShardKeys) < 1 || len(c.ShardKeys) > 8 {
		return fmt.Errorf("%w: %q has %d shard keys", ErrInvalidShardKeys, c.Name, len(c.ShardKeys))
	}
	if len(c.Indexes) == 0 || c.Indexes[0].Type != IndexTypePrimary {
		return fmt.Errorf("storage: collection %q must declare primary as indexes[0]", c.Name)
	}
	return nil
}

// OperationOptions governs one insert/update/replace/remove call.
type OperationOptions struct {
	WaitForSync    bool
	IgnoreRevs     bool
	IsRestore      bool
	MergeObjects   bool
	KeepNull       bool
	ExpectedRev    uint64
	RecoveryMarker *marker
}

// OperationResult is returned from every write operation, populated from
// the revision cache once the write pipeline commits.
type OperationResult struct {
	Key        string
	ID         string
	Rev        uint64
	OldRev     uint64
	Attributes map[string]interface{}
}

// LogicalCollection is the storage-side entity owning a set of indexes,
// its datafile set, its revision cache, and its key generator. Exactly one
// LogicalCollection exists per (database, name) pair on a data node.
type LogicalCollection struct {
	cfg CollectionConfig

	writeLock *deadlockRWLock
	files     *datafileSet
	revisions *revisionCache
	primary   *primaryIndex
	secondary []*secondaryIndex
	keys      *keyGenerator
	clock     *clock
	backend   StorageBackend

	dir string
}

// NewLogicalCollection validates cfg, prepares the on-disk directory, and
// constructs the empty in-memory structures. Callers run
// iterateMarkersOnLoad afterward to repopulate them from any existing
// datafiles.
func NewLogicalCollection(baseDir string, cfg CollectionConfig, lockTimeout time.Duration, journalCompression bool) (*LogicalCollection, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	dir := filepath.Join(baseDir, fmt.Sprintf("collection-%d", cfg.CID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create collection directory: %w", err)
	}

	journalSize := cfg.JournalSize
	if journalSize <= 0 {
		journalSize = 32 << 20
	}

	lc := &LogicalCollection{
		cfg:       cfg,
		writeLock: newDeadlockRWLock(lockTimeout),
		files:     newDatafileSet(dir, cfg.CID, journalSize, journalCompression, lockTimeout),
		revisions: newRevisionCache(),
		primary:   newPrimaryIndex(),
		keys:      newKeyGenerator(cfg.KeyGenerator),
		clock:     newClock(),
		dir:       dir,
	}

	for _, def := range cfg.Indexes[1:] {
		lc.secondary = append(lc.secondary, newSecondaryIndex(def))
	}
	lc.backend = newAppendOnlyBackend(lc.files)

	return lc, nil
}

// Backend exposes the collection's storage backend. Insert/Update/Remove/
// Read all route their marker append and lookup through it already; this
// accessor is for a future second backend implementation swapping in behind
// the same LogicalCollection wiring, not for bypassing the document API.
func (lc *LogicalCollection) Backend() StorageBackend { return lc.backend }

func (lc *LogicalCollection) Name() string { return lc.cfg.Name }
func (lc *LogicalCollection) CID() uint64  { return lc.cfg.CID }

// ShardKeys returns the configured shard-key attribute names.
func (lc *LogicalCollection) ShardKeys() []string { return lc.cfg.ShardKeys }

// Insert runs the shared write pipeline for a brand-new document.
func (lc *LogicalCollection) Insert(doc map[string]interface{}, opts OperationOptions) (OperationResult, error) {
	key, err := lc.resolveKey(doc, opts)
	if err != nil {
		return OperationResult{}, err
	}

	if err := lc.writeLock.lock(); err != nil {
		return OperationResult{}, err
	}
	defer lc.writeLock.unlock()

	if _, exists := lc.primary.lookup(key); exists && !opts.IsRestore {
		return OperationResult{}, fmt.Errorf("%w: key %q already exists", ErrUniqueConstraintViolated, key)
	}

	rev := lc.clock.tick()
	return lc.writeVersion(key, rev, 0, doc, opts)
}

// Update merges attrs into the existing document under key, running the
// revision and shard-key checks the shared pipeline requires for
// modification operations.
func (lc *LogicalCollection) Update(key string, attrs map[string]interface{}, opts OperationOptions) (OperationResult, error) {
	return lc.modify(key, attrs, opts, true)
}

// Replace overwrites the document under key entirely.
func (lc *LogicalCollection) Replace(key string, doc map[string]interface{}, opts OperationOptions) (OperationResult, error) {
	return lc.modify(key, doc, opts, false)
}

func (lc *LogicalCollection) modify(key string, attrs map[string]interface{}, opts OperationOptions, merge bool) (OperationResult, error) {
	if err := lc.writeLock.lock(); err != nil {
		return OperationResult{}, err
	}
	defer lc.writeLock.unlock()

	oldRev, ok := lc.primary.lookup(key)
	if !ok {
		return OperationResult{}, ErrDocumentNotFound
	}

	oldPtr, ok := lc.revisions.get(oldRev)
	if !ok {
		return OperationResult{}, fmt.Errorf("storage: revision %d for key %q missing from cache", oldRev, key)
	}
	oldBody, err := lc.readMarkerBody(oldPtr)
	if err != nil {
		return OperationResult{}, err
	}
	_, oldUser, err := decodeDocument(oldBody)
	if err != nil {
		return OperationResult{}, err
	}

	if !opts.IgnoreRevs && opts.ExpectedRev != 0 && opts.ExpectedRev != oldRev {
		return OperationResult{}, ErrRevisionMismatch
	}

	newUser := attrs
	if merge && opts.MergeObjects {
		newUser = mergeAttributes(oldUser, attrs, opts.KeepNull)
	}

	for _, sk := range lc.cfg.ShardKeys {
		if sk == "_key" {
			continue
		}
		if fmt.Sprintf("%v", oldUser[sk]) != fmt.Sprintf("%v", newUser[sk]) {
			return OperationResult{}, ErrShardKeyChanged
		}
	}

	for i := len(lc.secondary) - 1; i >= 0; i-- {
		lc.secondary[i].remove(key, oldUser)
	}

	rev := lc.clock.tick()
	result, err := lc.writeVersion(key, rev, oldRev, newUser, opts)
	if err != nil {
		for _, idx := range lc.secondary {
			_ = idx.insert(key, oldUser)
		}
		return OperationResult{}, err
	}

	if fid, dfOK := lc.datafileFor(oldPtr.fid); dfOK {
		fid.markDead()
	}
	lc.revisions.delete(oldRev)
	result.OldRev = oldRev
	return result, nil
}

// Remove deletes the document under key, appending a remove marker and
// dropping it from every index and from the revision cache.
func (lc *LogicalCollection) Remove(key string, opts OperationOptions) (OperationResult, error) {
	if err := lc.writeLock.lock(); err != nil {
		return OperationResult{}, err
	}
	defer lc.writeLock.unlock()

	oldRev, ok := lc.primary.lookup(key)
	if !ok {
		return OperationResult{}, ErrDocumentNotFound
	}
	oldPtr, ok := lc.revisions.get(oldRev)
	if !ok {
		return OperationResult{}, fmt.Errorf("storage: revision %d for key %q missing from cache", oldRev, key)
	}
	oldBody, err := lc.readMarkerBody(oldPtr)
	if err != nil {
		return OperationResult{}, err
	}
	_, oldUser, err := decodeDocument(oldBody)
	if err != nil {
		return OperationResult{}, err
	}

	tick := lc.clock.tick()
	m := marker{kind: markerDocumentRemove, tick: tick, body: []byte(key)}
	if _, _, _, err := lc.backend.Append(m, opts.WaitForSync); err != nil {
		return OperationResult{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	for i := len(lc.secondary) - 1; i >= 0; i-- {
		lc.secondary[i].remove(key, oldUser)
	}
	lc.primary.remove(key)
	lc.revisions.delete(oldRev)
	if oldDf, ok := lc.datafileFor(oldPtr.fid); ok {
		oldDf.markDead()
	}

	return OperationResult{Key: key, ID: formatDocumentID(lc.cfg.PlanID, key), OldRev: oldRev}, nil
}

// Read looks up the live document under key.
func (lc *LogicalCollection) Read(key string) (OperationResult, error) {
	if err := lc.writeLock.rlock(); err != nil {
		return OperationResult{}, err
	}
	defer lc.writeLock.runlock()

	rev, ok := lc.primary.lookup(key)
	if !ok {
		return OperationResult{}, ErrDocumentNotFound
	}
	ptr, ok := lc.revisions.get(rev)
	if !ok {
		return OperationResult{}, fmt.Errorf("storage: revision %d for key %q missing from cache", rev, key)
	}
	body, err := lc.readMarkerBody(ptr)
	if err != nil {
		return OperationResult{}, err
	}
	sys, user, err := decodeDocument(body)
	if err != nil {
		return OperationResult{}, err
	}
	return OperationResult{Key: key, ID: sys.ID, Rev: sys.Rev, Attributes: user}, nil
}

func (lc *LogicalCollection) resolveKey(doc map[string]interface{}, opts OperationOptions) (string, error) {
	if raw, ok := doc["_key"]; ok {
		key := fmt.Sprintf("%v", raw)
		if err := lc.keys.validate(key); err != nil {
			return "", err
		}
		lc.keys.observe(key)
		return key, nil
	}
	return lc.keys.generate()
}

// writeVersion runs steps 2-7 of the shared write pipeline: mint the
// marker, reserve room for it, index it, and append it, unwinding index
// mutations in reverse order if any step past the primary insert fails.
func (lc *LogicalCollection) writeVersion(key string, rev uint64, oldRev uint64, user map[string]interface{}, opts OperationOptions) (OperationResult, error) {
	id := formatDocumentID(lc.cfg.PlanID, key)
	sys := systemAttributes{Key: key, ID: id, Rev: rev}
	if v, ok := user["_from"].(string); ok {
		sys.From = v
	}
	if v, ok := user["_to"].(string); ok {
		sys.To = v
	}

	body, err := encodeDocument(sys, user)
	if err != nil {
		return OperationResult{}, err
	}

	// Speculatively occupy the revision cache before touching indexes, so a
	// mid-pipeline failure can still be traced back to a marker location
	// for cleanup - the pointer is filled in once the marker is actually
	// placed, but the slot exists from here on.
	lc.revisions.put(rev, revisionPointer{isInWal: true})

	insertedInto := make([]int, 0, len(lc.secondary))
	rollback := func() {
		for i := len(insertedInto) - 1; i >= 0; i-- {
			lc.secondary[insertedInto[i]].remove(key, user)
		}
		if oldRev != 0 {
			lc.primary.insert(key, oldRev)
		} else {
			lc.primary.remove(key)
		}
		lc.revisions.delete(rev)
	}

	lc.primary.insert(key, rev)
	for i, idx := range lc.secondary {
		if err := idx.insert(key, user); err != nil {
			rollback()
			return OperationResult{}, err
		}
		insertedInto = append(insertedInto, i)
	}

	m := marker{kind: markerDocument, tick: rev, body: body}
	fid, offset, length, err := lc.backend.Append(m, opts.WaitForSync || lc.cfg.WaitForSync)
	if err != nil {
		rollback()
		return OperationResult{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	df, _ := lc.datafileFor(fid)
	lc.revisions.put(rev, revisionPointer{fid: fid, offset: offset, length: length, isInWal: df != nil && df.state == stateOpen})

	return OperationResult{Key: key, ID: id, Rev: rev, OldRev: oldRev, Attributes: user}, nil
}

func (lc *LogicalCollection) readMarkerBody(ptr revisionPointer) ([]byte, error) {
	raw, err := lc.backend.Lookup(ptr.fid, ptr.offset, ptr.length)
	if err != nil {
		return nil, err
	}
	m, _, ok, err := decodeMarker(raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMarkerCorrupt
	}
	if lc.files.compress {
		return decompressBody(m.body)
	}
	return m.body, nil
}

func (lc *LogicalCollection) datafileFor(fid uint64) (*datafile, bool) {
	for _, df := range lc.files.snapshot() {
		if df.fid == fid {
			return df, true
		}
	}
	return nil, false
}

// DatafileStats exposes the read-only per-file live/dead projection used by
// the ambient HTTP status surface.
func (lc *LogicalCollection) DatafileStats() []DatafileStats {
	return lc.files.statsFor(lc.cfg.Name)
}

// Recover replays every marker found on disk to rebuild the primary index,
// revision cache, and per-file live/dead counters from scratch. It must run
// before the collection accepts any write.
func (lc *LogicalCollection) Recover() error {
	return iterateMarkersOnLoad(lc)
}

func mergeAttributes(old, patch map[string]interface{}, keepNull bool) map[string]interface{} {
	out := make(map[string]interface{}, len(old)+len(patch))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil && !keepNull {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
