package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const parametersFileName = "parameters.json"

// CollectionSet owns every LogicalCollection resident on a data node,
// keyed by name, and persists each one's CollectionConfig alongside its
// datafiles so a restart can rebuild the set without a wire protocol to a
// coordinator - mirroring the source's per-collection parameter.json file.
type CollectionSet struct {
	baseDir            string
	lockTimeout        time.Duration
	journalCompression bool

	mu          sync.RWMutex
	collections map[string]*LogicalCollection
	nextCID     uint64
}

// OpenAll scans baseDir for existing collection-<cid> directories, each
// carrying a parameters.json written by a prior Create, reopens and
// recovers every one, and returns the assembled set. A baseDir that doesn't
// exist yet or holds no collections yields an empty, usable set.
func OpenAll(baseDir string, lockTimeout time.Duration, journalCompression bool) (*CollectionSet, error) {
	cs := &CollectionSet{
		baseDir:            baseDir,
		lockTimeout:        lockTimeout,
		journalCompression: journalCompression,
		collections:        make(map[string]*LogicalCollection),
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return cs, nil
		}
		return nil, fmt.Errorf("storage: read data directory: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "collection-") {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)

	for _, name := range dirs {
		cfg, err := readParameters(filepath.Join(baseDir, name, parametersFileName))
		if err != nil {
			return nil, fmt.Errorf("storage: read %s: %w", name, err)
		}

		lc, err := NewLogicalCollection(baseDir, cfg, lockTimeout, journalCompression)
		if err != nil {
			return nil, fmt.Errorf("storage: reopen collection %q: %w", cfg.Name, err)
		}
		if err := lc.Recover(); err != nil {
			return nil, fmt.Errorf("storage: recover collection %q: %w", cfg.Name, err)
		}

		cs.collections[cfg.Name] = lc
		if cfg.CID >= cs.nextCID {
			cs.nextCID = cfg.CID + 1
		}
	}

	return cs, nil
}

// Create provisions a brand-new collection: it assigns the next free cid if
// the caller left cfg.CID unset, persists parameters.json, and opens the
// collection empty (there is nothing to recover for a collection created
// this run).
func (cs *CollectionSet) Create(cfg CollectionConfig) (*LogicalCollection, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, exists := cs.collections[cfg.Name]; exists {
		return nil, fmt.Errorf("storage: collection %q already exists", cfg.Name)
	}
	if cfg.CID == 0 {
		cfg.CID = cs.nextCID
	}
	if cfg.CID >= cs.nextCID {
		cs.nextCID = cfg.CID + 1
	}

	lc, err := NewLogicalCollection(cs.baseDir, cfg, cs.lockTimeout, cs.journalCompression)
	if err != nil {
		return nil, err
	}
	if err := writeParameters(filepath.Join(cs.baseDir, fmt.Sprintf("collection-%d", cfg.CID), parametersFileName), cfg); err != nil {
		return nil, err
	}

	cs.collections[cfg.Name] = lc
	return lc, nil
}

// Collection looks up a resident collection by name.
func (cs *CollectionSet) Collection(name string) (*LogicalCollection, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	lc, ok := cs.collections[name]
	return lc, ok
}

// Collections implements httpstatus.CollectionRegistry.
func (cs *CollectionSet) Collections() []*LogicalCollection {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*LogicalCollection, 0, len(cs.collections))
	for _, lc := range cs.collections {
		out = append(out, lc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// parametersDoc is the on-disk shape of parameters.json; CollectionConfig
// itself isn't used directly so IndexDefinition and enum fields round-trip
// through plain JSON without extra marshal methods.
type parametersDoc struct {
	CID               uint64            `json:"cid"`
	PlanID            uint64            `json:"planId"`
	Name              string            `json:"name"`
	Type              string            `json:"type"`
	KeyGenerator      string            `json:"keyGenerator"`
	ShardKeys         []string          `json:"shardKeys"`
	ReplicationFactor int               `json:"replicationFactor"`
	NumberOfShards    int               `json:"numberOfShards"`
	WaitForSync       bool              `json:"waitForSync"`
	IsVolatile        bool              `json:"isVolatile"`
	IsSystem          bool              `json:"isSystem"`
	JournalSize       int64             `json:"journalSize"`
	Indexes           []IndexDefinition `json:"indexes"`
}

func writeParameters(path string, cfg CollectionConfig) error {
	doc := parametersDoc{
		CID:               cfg.CID,
		PlanID:            cfg.PlanID,
		Name:              cfg.Name,
		Type:              string(cfg.Type),
		KeyGenerator:      string(cfg.KeyGenerator),
		ShardKeys:         cfg.ShardKeys,
		ReplicationFactor: cfg.ReplicationFactor,
		NumberOfShards:    cfg.NumberOfShards,
		WaitForSync:       cfg.WaitForSync,
		IsVolatile:        cfg.IsVolatile,
		IsSystem:          cfg.IsSystem,
		JournalSize:       cfg.JournalSize,
		Indexes:           cfg.Indexes,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: write parameters: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename parameters: %v", ErrWriteFailed, err)
	}
	return nil
}

func readParameters(path string) (CollectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CollectionConfig{}, err
	}
	var doc parametersDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return CollectionConfig{}, err
	}

	return CollectionConfig{
		CID:               doc.CID,
		PlanID:            doc.PlanID,
		Name:              doc.Name,
		Type:              CollectionType(doc.Type),
		KeyGenerator:      KeyGeneratorType(doc.KeyGenerator),
		ShardKeys:         doc.ShardKeys,
		ReplicationFactor: doc.ReplicationFactor,
		NumberOfShards:    doc.NumberOfShards,
		WaitForSync:       doc.WaitForSync,
		IsVolatile:        doc.IsVolatile,
		IsSystem:          doc.IsSystem,
		JournalSize:       doc.JournalSize,
		Indexes:           doc.Indexes,
	}, nil
}
