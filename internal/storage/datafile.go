package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// datafileState mirrors the lifecycle a single on-disk region moves through.
type datafileState int

const (
	stateOpen datafileState = iota
	stateSealed
	stateWriteError
)

// datafile is one append-only region backing a collection: either the
// active journal, a sealed datafile, or an in-progress compactor. Only the
// journal is ever appended to; sealed files and compactors are read-only
// once built (a compactor is built once, in full, then swapped in).
type datafile struct {
	fid  uint64
	path string
	file *os.File

	size  int64
	state datafileState

	dataMin, dataMax uint64
	tickMin, tickMax uint64

	written int64
	synced  int64

	liveCount     int64
	deadCount     int64
	deletionCount int64
}

// tmpFileInfo pairs a temp path with the final path it should be renamed to
// once its content is durable, mirroring the write-then-fsync-then-rename
// discipline used for sealing.
type tmpFileInfo struct {
	tmpPath   string
	finalPath string
}

func journalPath(dir string, fid uint64) string {
	return filepath.Join(dir, fmt.Sprintf("journal-%d.db", fid))
}

func sealedPath(dir string, fid uint64) string {
	return filepath.Join(dir, fmt.Sprintf("datafile-%d.db", fid))
}

func compactionPath(dir string, fid uint64) string {
	return filepath.Join(dir, fmt.Sprintf("compaction-%d.db", fid))
}

// createDatafile allocates a new sparse file of the given size at path and
// writes the collection header marker (carrying cid) at its front.
func createDatafile(path string, fid uint64, cid uint64, size int64) (*datafile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create datafile: %v", ErrWriteFailed, err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: truncate datafile: %v", ErrWriteFailed, err)
	}

	df := &datafile{fid: fid, path: path, file: f, size: size, state: stateOpen}

	header := marker{kind: markerCollectionHeader, tick: 0, body: encodeCollectionHeader(cid)}
	if _, err := df.appendRaw(header.encode(false)); err != nil {
		_ = f.Close()
		return nil, err
	}

	return df, nil
}

func encodeCollectionHeader(cid uint64) []byte {
	buf := make([]byte, 8)
	putUint64(buf, cid)
	return buf
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// openDatafile reopens an existing on-disk file for recovery/reading.
func openDatafile(path string, fid uint64, state datafileState) (*datafile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open datafile %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &datafile{fid: fid, path: path, file: f, size: info.Size(), state: state}, nil
}

// reserveElement reserves size bytes at the current write cursor, returning
// the offset to write at. It returns ErrDatafileFull once the remaining
// space (minus a trailing 256-byte reserve for the terminator marker) can't
// fit the request.
func (d *datafile) reserveElement(size int64) (int64, error) {
	if d.state != stateOpen {
		return 0, fmt.Errorf("%w: datafile %d is not open for writes", ErrWriteFailed, d.fid)
	}
	if d.written+size+256 > d.size {
		return 0, ErrDatafileFull
	}
	offset := d.written
	d.written += size
	return offset, nil
}

func (d *datafile) appendRaw(buf []byte) (int64, error) {
	offset, err := d.reserveElement(int64(len(buf)))
	if err != nil {
		return 0, err
	}
	if _, err := d.file.WriteAt(buf, offset); err != nil {
		d.state = stateWriteError
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return offset, nil
}

// writeMarkerAt writes an already-encoded marker at offset, which the
// caller must have obtained from reserveJournalSpace against this same
// datafile - reserveJournalSpace and writeMarkerAt are split precisely so
// the space accounting (reserveElement) happens exactly once per marker.
func (d *datafile) writeMarkerAt(offset int64, m marker, buf []byte, sync bool) error {
	if _, err := d.file.WriteAt(buf, offset); err != nil {
		d.state = stateWriteError
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if d.tickMin == 0 || m.tick < d.tickMin {
		d.tickMin = m.tick
	}
	if m.tick > d.tickMax {
		d.tickMax = m.tick
	}
	if d.dataMin == 0 || m.tick < d.dataMin {
		d.dataMin = m.tick
	}
	if m.tick > d.dataMax {
		d.dataMax = m.tick
	}

	switch m.kind {
	case markerDocument:
		atomic.AddInt64(&d.liveCount, 1)
	case markerDocumentRemove:
		atomic.AddInt64(&d.deletionCount, 1)
	}

	if sync {
		if err := d.file.Sync(); err != nil {
			return fmt.Errorf("%w: fsync: %v", ErrWriteFailed, err)
		}
		d.synced = d.written
	}

	return nil
}

// markDead moves one document version in this file from live to dead: it
// has been superseded by an update or erased by a remove marker elsewhere.
// Distinct from deletionCount, which counts remove markers themselves.
func (d *datafile) markDead() {
	atomic.AddInt64(&d.deadCount, 1)
	atomic.AddInt64(&d.liveCount, -1)
}

// readAt returns a slice of the raw file contents; used by both marker
// iteration and revision-cache dereferencing.
func (d *datafile) readAt(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := d.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read datafile %d at %d: %w", d.fid, offset, err)
	}
	return buf, nil
}

// readAll returns the written portion of the file, used for marker
// iteration on load and for replication scans against a datafile whose
// written cursor is already trustworthy (i.e. this process wrote it).
func (d *datafile) readAll() ([]byte, error) {
	limit := d.written
	if d.state != stateOpen {
		limit = d.size
	}
	return d.readAt(0, int(limit))
}

// readAllRaw reads the full allocated extent regardless of the written
// cursor. A freshly reopened journal's written cursor is unknown until
// something scans for the first size==0 terminator marker, so recovery
// reads the whole preallocated region and lets the terminator decide where
// real content ends.
func (d *datafile) readAllRaw() ([]byte, error) {
	return d.readAt(0, int(d.size))
}

// seal writes the footer marker, fsyncs, and renames the file from its
// journal name to its sealed name. Rename failure is logged by the caller
// but does not fail the seal itself - the file is durable and readable
// under its temporary name either way.
func (d *datafile) seal(finalPath string) (*tmpFileInfo, error) {
	footer := marker{kind: markerFooter, tick: d.tickMax}
	if _, err := d.appendRaw(footer.encode(false)); err != nil {
		return nil, err
	}
	if err := d.file.Sync(); err != nil {
		return nil, fmt.Errorf("%w: seal fsync: %v", ErrWriteFailed, err)
	}
	d.synced = d.written
	d.state = stateSealed

	return &tmpFileInfo{tmpPath: d.path, finalPath: finalPath}, nil
}

// finalizeRename performs the on-disk rename described by info, updating
// d.path on success. A failure here is intentionally non-fatal to the
// caller: the file stays usable under its old name.
func (d *datafile) finalizeRename(info *tmpFileInfo) error {
	if err := os.Rename(info.tmpPath, info.finalPath); err != nil {
		return err
	}
	d.path = info.finalPath
	return nil
}

func (d *datafile) close() error {
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

func (d *datafile) stats() DatafileStats {
	return DatafileStats{
		Fid:           d.fid,
		LiveCount:     atomic.LoadInt64(&d.liveCount),
		DeadCount:     atomic.LoadInt64(&d.deadCount),
		DeletionCount: atomic.LoadInt64(&d.deletionCount),
		SizeBytes:     d.size,
	}
}

// DatafileStats is the read-only per-file projection exposed through the
// ambient status HTTP surface. DeadCount tracks superseded document
// versions (compaction candidates); DeletionCount tracks remove markers
// themselves - the two diverge whenever an update, not a remove, is what
// made a version dead.
type DatafileStats struct {
	Fid           uint64 `json:"fid"`
	LiveCount     int64  `json:"liveCount"`
	DeadCount     int64  `json:"deadCount"`
	DeletionCount int64  `json:"deletionCount"`
	SizeBytes     int64  `json:"sizeBytes"`
}
