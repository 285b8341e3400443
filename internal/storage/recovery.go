package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/soltixdb/agencyd/internal/logging"
)

var recoveryFilePattern = regexp.MustCompile(`^(journal|datafile|compaction)-(\d+)\.db$`)

// discoverDatafiles opens every journal/datafile/compaction file present in
// dir, in fid order, without yet trusting any in-memory state - this is the
// entry point iterateMarkersOnLoad uses before it starts replaying markers.
func discoverDatafiles(dir string) ([]*datafile, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("storage: read collection directory: %w", err)
	}

	var files []*datafile
	var maxFid uint64

	for _, entry := range entries {
		m := recoveryFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		fid, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			continue
		}

		state := stateSealed
		if m[1] == "journal" {
			state = stateOpen
		}

		df, err := openDatafile(filepath.Join(dir, entry.Name()), fid, state)
		if err != nil {
			return nil, 0, err
		}
		files = append(files, df)
		if fid > maxFid {
			maxFid = fid
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].fid < files[j].fid })
	return files, maxFid, nil
}

// iterateMarkersOnLoad opens every datafile/journal/compactor belonging to
// lc in fid order and replays every marker to rebuild the primary index,
// revision cache, and per-file live/dead counters from scratch. It runs
// once, at collection open, before any operation is accepted.
func iterateMarkersOnLoad(lc *LogicalCollection) error {
	files, maxFid, err := discoverDatafiles(lc.dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	var journal *datafile
	var sealed []*datafile
	for _, df := range files {
		if df.state == stateOpen {
			journal = df
		} else {
			sealed = append(sealed, df)
		}
	}
	lc.files.datafiles = sealed
	lc.files.journal = journal
	lc.files.nextFid = maxFid + 1

	for _, df := range files {
		if err := replayFile(lc, df); err != nil {
			return err
		}
	}

	return nil
}

// replayFile dispatches each marker in df by type: document markers either
// insert a fresh key or supersede an existing revision in place; remove
// markers erase the key if present or are otherwise a no-op past the
// deletion-count bump; header/footer/blank markers only touch per-file
// statistics.
func replayFile(lc *LogicalCollection, df *datafile) error {
	data, err := df.readAllRaw()
	if err != nil {
		return err
	}

	pos := 0
	for pos < len(data) {
		m, consumed, ok, err := decodeMarker(data[pos:])
		if err != nil {
			// A truncated tail is exactly the crash-before-sealing scenario:
			// stop replaying this file, the writer never finished the
			// marker it was appending when the process died.
			logging.Warn("storage: stopping recovery scan on corrupt tail", "file", df.path, "error", err)
			break
		}
		if !ok {
			break
		}
		pos += consumed

		switch m.kind {
		case markerCollectionHeader, markerFooter:
			// No index effect; the file's presence in the discovered set is
			// enough.

		case markerDocument:
			if err := replayDocument(lc, df, m, pos-consumed); err != nil {
				return err
			}

		case markerDocumentRemove:
			replayRemove(lc, df, m)
		}
	}

	if df.state == stateOpen {
		df.written = int64(pos)
	}

	return nil
}

func replayDocument(lc *LogicalCollection, df *datafile, m marker, offset int) error {
	body := m.body
	if lc.files.compress {
		decompressed, err := decompressBody(body)
		if err != nil {
			return err
		}
		body = decompressed
	}

	sys, _, err := decodeDocument(body)
	if err != nil {
		return err
	}

	lc.clock.observe(m.tick)
	lc.keys.observe(sys.Key)

	length := len(m.encode(lc.files.compress))
	ptr := revisionPointer{fid: df.fid, offset: int64(offset), length: length, isInWal: df.state == stateOpen}

	if oldRev, exists := lc.primary.lookup(sys.Key); exists && oldRev != 0 {
		if oldPtr, ok := lc.revisions.get(oldRev); ok {
			if oldDf, ok := lc.datafileFor(oldPtr.fid); ok {
				oldDf.markDead()
			}
		}
		lc.revisions.delete(oldRev)
	}
	df.liveCount++

	lc.primary.insert(sys.Key, m.tick)
	lc.revisions.put(m.tick, ptr)
	return nil
}

func replayRemove(lc *LogicalCollection, df *datafile, m marker) {
	body := m.body
	if lc.files.compress {
		if decompressed, err := decompressBody(body); err == nil {
			body = decompressed
		}
	}
	key := string(body)
	if rev, ok := lc.primary.lookup(key); ok {
		if ptr, ok := lc.revisions.get(rev); ok {
			if oldDf, ok := lc.datafileFor(ptr.fid); ok {
				oldDf.markDead()
			}
		}
		lc.primary.remove(key)
		lc.revisions.delete(rev)
	}
	df.deletionCount++
}
