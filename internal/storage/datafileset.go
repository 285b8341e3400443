package storage

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/soltixdb/agencyd/internal/logging"
)

// datafileSet owns the three append-order vectors a collection maintains:
// at most one journal, at most one compactor, and any number of sealed
// datafiles. filesLock protects all three; compactionLock is a distinct
// lock guarding the compactor-swap operation from long-running readers.
type datafileSet struct {
	dir string
	cid uint64

	filesLock *deadlockRWLock
	compLock  *compactionLock

	journal    *datafile
	compactor  *datafile
	datafiles  []*datafile
	nextFid    uint64

	journalSize int64
	compress    bool
}

func newDatafileSet(dir string, cid uint64, journalSize int64, compress bool, lockTimeout time.Duration) *datafileSet {
	return &datafileSet{
		dir:         dir,
		cid:         cid,
		filesLock:   newDeadlockRWLock(lockTimeout),
		compLock:    newCompactionLock(),
		journalSize: journalSize,
		compress:    compress,
		nextFid:     1,
	}
}

// reserveJournalSpace implements the space reservation protocol: grow the
// target journal size until it comfortably fits size, ensure a journal
// exists, and reserve room in it, sealing and rotating to a fresh journal
// on datafile-full.
func (s *datafileSet) reserveJournalSpace(tick uint64, size int64) (int64, *datafile, error) {
	target := s.journalSize
	for target-256 < size {
		target *= 2
	}

	for {
		if s.journal == nil {
			fid := atomic.AddUint64(&s.nextFid, 1) - 1
			df, err := createDatafile(journalPath(s.dir, fid), fid, s.cid, target)
			if err != nil {
				return 0, nil, err
			}
			if err := s.filesLock.lock(); err != nil {
				return 0, nil, err
			}
			s.journal = df
			s.filesLock.unlock()
		}

		offset, err := s.journal.reserveElement(size)
		if err == nil {
			return offset, s.journal, nil
		}
		if err != ErrDatafileFull {
			return 0, nil, err
		}

		if err := s.sealJournal(); err != nil {
			return 0, nil, err
		}
	}
}

// sealJournal seals the current journal and moves it into the sealed
// datafiles vector under the files lock.
func (s *datafileSet) sealJournal() error {
	if s.journal == nil {
		return nil
	}
	if err := s.filesLock.lock(); err != nil {
		return err
	}
	defer s.filesLock.unlock()

	info, err := s.journal.seal(sealedPath(s.dir, s.journal.fid))
	if err != nil {
		return err
	}
	if err := s.journal.finalizeRename(info); err != nil {
		logging.Warn("journal rename failed, keeping temp name", "fid", s.journal.fid, "error", err)
	}

	s.datafiles = append(s.datafiles, s.journal)
	s.journal = nil
	return nil
}

// createCompactor allocates a scratch file sharing fid with the datafile it
// will eventually replace, so a completed swap needs no reader-visible
// pointer change beyond the vector splice itself.
func (s *datafileSet) createCompactor(fid uint64, size int64) (*datafile, error) {
	df, err := createDatafile(compactionPath(s.dir, fid), fid, s.cid, size)
	if err != nil {
		return nil, err
	}
	if err := s.filesLock.lock(); err != nil {
		_ = df.close()
		return nil, err
	}
	s.compactor = df
	s.filesLock.unlock()
	return df, nil
}

// replaceDatafileWithCompactor atomically swaps the finished compactor into
// datafiles at the position the old file held, under the compaction lock in
// write mode.
func (s *datafileSet) replaceDatafileWithCompactor(old *datafile, newCompactor *datafile) error {
	s.compLock.lockForCompaction()
	defer s.compLock.unlockCompaction()

	if err := s.filesLock.lock(); err != nil {
		return err
	}
	defer s.filesLock.unlock()

	for i, df := range s.datafiles {
		if df.fid == old.fid {
			info, err := newCompactor.seal(sealedPath(s.dir, newCompactor.fid))
			if err != nil {
				return err
			}
			if err := newCompactor.finalizeRename(info); err != nil {
				logging.Warn("compactor rename failed, keeping temp name", "fid", newCompactor.fid, "error", err)
			}
			s.datafiles[i] = newCompactor
			s.compactor = nil
			return old.close()
		}
	}
	return fmt.Errorf("replaceDatafileWithCompactor: fid %d not found in datafile set", old.fid)
}

func (s *datafileSet) preventCompaction()      { s.compLock.preventCompaction() }
func (s *datafileSet) allowCompaction()        { s.compLock.allowCompaction() }
func (s *datafileSet) tryPreventCompaction() bool { return s.compLock.tryPreventCompaction() }
func (s *datafileSet) tryLockForCompaction() bool { return s.compLock.tryLockForCompaction() }

// snapshot returns the sealed datafiles plus journal, in fid order,
// suitable for iteration without holding the files lock across the whole
// scan.
func (s *datafileSet) snapshot() []*datafile {
	s.filesLock.rlock()
	defer s.filesLock.runlock()

	all := make([]*datafile, 0, len(s.datafiles)+1)
	all = append(all, s.datafiles...)
	if s.journal != nil {
		all = append(all, s.journal)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].fid < all[j].fid })
	return all
}

// applyForTickRange iterates every marker whose tick falls in
// (dataMin, dataMax] across datafiles overlapping the requested range,
// invoking cb for each document/remove marker. cb returning false stops
// iteration early and applyForTickRange reports hasMore=true.
func (s *datafileSet) applyForTickRange(dataMin, dataMax uint64, cb func(tick uint64, m marker) bool) (hasMore bool, err error) {
	for _, df := range s.snapshot() {
		if df.dataMax < dataMin || df.dataMin > dataMax {
			continue
		}

		isJournal := df.state == stateOpen
		if isJournal {
			if err := s.filesLock.rlock(); err != nil {
				return false, err
			}
		}
		data, readErr := df.readAll()
		if isJournal {
			s.filesLock.runlock()
		}
		if readErr != nil {
			return false, readErr
		}

		pos := 0
		for pos < len(data) {
			m, consumed, ok, decodeErr := decodeMarker(data[pos:])
			if decodeErr != nil {
				return false, decodeErr
			}
			if !ok {
				break
			}
			pos += consumed

			if m.tick <= dataMin || m.tick > dataMax {
				continue
			}
			if m.kind != markerDocument && m.kind != markerDocumentRemove {
				continue
			}
			if !cb(m.tick, m) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *datafileSet) statsFor(collection string) []DatafileStats {
	s.filesLock.rlock()
	defer s.filesLock.runlock()

	out := make([]DatafileStats, 0, len(s.datafiles)+1)
	for _, df := range s.datafiles {
		out = append(out, df.stats())
	}
	if s.journal != nil {
		out = append(out, s.journal.stats())
	}
	return out
}

func (s *datafileSet) journalCount() int {
	s.filesLock.rlock()
	defer s.filesLock.runlock()
	if s.journal == nil {
		return 0
	}
	return 1
}
