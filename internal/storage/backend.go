package storage

// StorageBackend is the capability trait a logical collection is built
// against, standing in for the source's deep inheritance hierarchy of
// engine-specific physical collections. Append-only (this package) is one
// implementor; a B-tree-indexed variant could be a second, sharing the same
// LogicalCollection wiring by satisfying this trait instead of subclassing
// anything.
type StorageBackend interface {
	// Append writes an encoded marker and returns where it landed, along
	// with the on-disk length of the encoded marker (needed by callers to
	// populate a revisionPointer without re-encoding).
	Append(m marker, sync bool) (fid uint64, offset int64, length int, err error)

	// Seal closes out the current write target so a new one can be opened.
	Seal() error

	// Iterate walks every marker whose tick falls in (dataMin, dataMax],
	// invoking cb for each. See datafileSet.applyForTickRange for the exact
	// contract cb's return value drives.
	Iterate(dataMin, dataMax uint64, cb func(tick uint64, m marker) bool) (hasMore bool, err error)

	// Lookup dereferences a previously returned (fid, offset) pair back to
	// the raw marker bytes.
	Lookup(fid uint64, offset int64, length int) ([]byte, error)
}

// appendOnlyBackend adapts datafileSet to the StorageBackend trait. It is
// the only implementor wired into LogicalCollection today; a second
// (B-tree-based) backend would sit alongside it behind the same interface
// without LogicalCollection itself changing.
type appendOnlyBackend struct {
	set *datafileSet
}

func newAppendOnlyBackend(set *datafileSet) *appendOnlyBackend {
	return &appendOnlyBackend{set: set}
}

func (b *appendOnlyBackend) Append(m marker, sync bool) (uint64, int64, int, error) {
	encoded := m.encode(b.set.compress)
	offset, df, err := b.set.reserveJournalSpace(m.tick, int64(len(encoded)))
	if err != nil {
		return 0, 0, 0, err
	}
	if err := df.writeMarkerAt(offset, m, encoded, sync); err != nil {
		return 0, 0, 0, err
	}
	return df.fid, offset, len(encoded), nil
}

func (b *appendOnlyBackend) Seal() error {
	return b.set.sealJournal()
}

func (b *appendOnlyBackend) Iterate(dataMin, dataMax uint64, cb func(uint64, marker) bool) (bool, error) {
	return b.set.applyForTickRange(dataMin, dataMax, cb)
}

func (b *appendOnlyBackend) Lookup(fid uint64, offset int64, length int) ([]byte, error) {
	for _, df := range b.set.snapshot() {
		if df.fid == fid {
			return df.readAt(offset, length)
		}
	}
	return nil, ErrDocumentNotFound
}
