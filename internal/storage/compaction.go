package storage

import (
	"fmt"
	"sort"

	"github.com/golang/snappy"

	"github.com/soltixdb/agencyd/internal/logging"
)

// CompactionCandidate names one sealed datafile whose dead-to-live ratio
// makes it worth rewriting.
type CompactionCandidate struct {
	Fid       uint64
	LiveCount int64
	DeadCount int64
}

// compactionThreshold is the minimum dead/(live+dead) ratio a datafile must
// cross before Compactor.Candidates offers it up.
const compactionThreshold = 0.5

// Compactor rewrites a collection's sealed datafiles, keeping only live
// markers, using the datafileSet's createCompactor/replaceDatafileWithCompactor
// hooks. It runs on its own goroutine, outside any request path, exactly as
// the space reservation protocol describes the compactor as "external".
type Compactor struct {
	lc *LogicalCollection
}

// NewCompactor builds a compactor bound to lc's own datafile set.
func NewCompactor(lc *LogicalCollection) *Compactor {
	return &Compactor{lc: lc}
}

// Candidates returns sealed datafiles whose dead ratio crosses the
// compaction threshold, most-dead first.
func (c *Compactor) Candidates() []CompactionCandidate {
	files := c.lc.files
	journalFid := uint64(0) // fids start at 1, so 0 means no journal
	files.filesLock.rlock()
	if files.journal != nil {
		journalFid = files.journal.fid
	}
	files.filesLock.runlock()

	var out []CompactionCandidate
	for _, stat := range c.lc.DatafileStats() {
		if stat.Fid == journalFid {
			continue
		}
		total := stat.LiveCount + stat.DeadCount
		if total == 0 {
			continue
		}
		if float64(stat.DeadCount)/float64(total) >= compactionThreshold {
			out = append(out, CompactionCandidate{Fid: stat.Fid, LiveCount: stat.LiveCount, DeadCount: stat.DeadCount})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadCount > out[j].DeadCount })
	return out
}

// CompactOne rewrites the single datafile identified by fid: scans its live
// markers, appends them (snappy-compressed in the scratch buffer regardless
// of the collection's own journalCompression setting, since a compactor
// pass is exactly the "big batch of infrequent writes" case that
// compression pays for) into a freshly built compactor file sized to fit
// them, then swaps it in.
func (c *Compactor) CompactOne(fid uint64) error {
	files := c.lc.files

	var target *datafile
	files.filesLock.rlock()
	for _, df := range files.datafiles {
		if df.fid == fid {
			target = df
			break
		}
	}
	files.filesLock.runlock()
	if target == nil {
		return fmt.Errorf("storage: compaction target fid %d not found", fid)
	}

	files.preventCompaction()
	data, err := target.readAll()
	files.allowCompaction()
	if err != nil {
		return err
	}

	liveMarkers, err := scanLiveMarkers(c.lc, data)
	if err != nil {
		return err
	}

	scratchSize := estimateCompactedSize(liveMarkers)
	compactor, err := files.createCompactor(fid, scratchSize)
	if err != nil {
		return err
	}

	for _, m := range liveMarkers {
		body := snappy.Encode(nil, m.body)
		compact := marker{kind: m.kind, tick: m.tick, body: body}
		if _, err := compactor.appendRaw(compact.encode(false)); err != nil {
			return err
		}
	}

	if err := files.replaceDatafileWithCompactor(target, compactor); err != nil {
		return err
	}

	logging.Info("storage: compacted datafile", "fid", fid, "liveMarkers", len(liveMarkers))
	return nil
}

// scanLiveMarkers decodes every document marker in data whose key is still
// present in the primary index with a revision that resolves back into
// this same file - i.e. the marker hasn't been superseded or removed.
func scanLiveMarkers(lc *LogicalCollection, data []byte) ([]marker, error) {
	var live []marker
	pos := 0
	for pos < len(data) {
		m, consumed, ok, err := decodeMarker(data[pos:])
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		pos += consumed

		if m.kind != markerDocument {
			continue
		}

		body := m.body
		if lc.files.compress {
			decoded, err := decompressBody(body)
			if err != nil {
				return nil, err
			}
			body = decoded
		}
		sys, _, err := decodeDocument(body)
		if err != nil {
			return nil, err
		}

		if rev, ok := lc.primary.lookup(sys.Key); ok && rev == m.tick {
			live = append(live, m)
		}
	}
	return live, nil
}

func estimateCompactedSize(markers []marker) int64 {
	total := int64(markerHeaderSize)
	for _, m := range markers {
		total += int64(align8(markerHeaderSize + len(m.body)))
	}
	if total < 4096 {
		total = 4096
	}
	return total
}
