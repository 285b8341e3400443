package agency

import (
	"encoding/json"
	"strings"
)

// Tree is a read-only snapshot of a slice of the agency's persistent or
// transient store. Keys are stored flat (etcd has no native hierarchy) but
// addressed with slash-separated paths, mirroring the nested-object view
// the supervisor code expects (e.g. Health("PRMR-A").Children()).
type Tree struct {
	prefix string
	nodes  map[string]json.RawMessage
}

// newTree builds a Tree from a flat key/value listing already stripped of
// the caller's etcd prefix. Keys are expected to use "/" as separator.
func newTree(prefix string, nodes map[string]json.RawMessage) *Tree {
	if nodes == nil {
		nodes = map[string]json.RawMessage{}
	}
	return &Tree{prefix: prefix, nodes: nodes}
}

func normalizePath(path string) string {
	return strings.Trim(path, "/")
}

// Has reports whether path has a stored leaf value.
func (t *Tree) Has(path string) bool {
	_, ok := t.nodes[normalizePath(path)]
	return ok
}

// Get returns the raw JSON value stored at path.
func (t *Tree) Get(path string) (json.RawMessage, bool) {
	v, ok := t.nodes[normalizePath(path)]
	return v, ok
}

// GetString unmarshals the value at path as a string.
func (t *Tree) GetString(path string) (string, bool) {
	raw, ok := t.Get(path)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// GetBool unmarshals the value at path as a bool.
func (t *Tree) GetBool(path string) (bool, bool) {
	raw, ok := t.Get(path)
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// GetStringSlice unmarshals the value at path as a []string, treating a
// missing key as an empty slice rather than an error (arrays like
// Target/FailedServers/<server> start out absent).
func (t *Tree) GetStringSlice(path string) []string {
	raw, ok := t.Get(path)
	if !ok {
		return nil
	}
	var s []string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return s
}

// Children returns the immediate child segment names under path, whether or
// not each child itself carries a leaf value.
func (t *Tree) Children(path string) []string {
	prefix := normalizePath(path)
	seen := map[string]bool{}
	var out []string
	for key := range t.nodes {
		rest := key
		if prefix != "" {
			if !strings.HasPrefix(key, prefix+"/") {
				continue
			}
			rest = strings.TrimPrefix(key, prefix+"/")
		}
		seg := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			seg = rest[:idx]
		}
		if seg == "" || seen[seg] {
			continue
		}
		seen[seg] = true
		out = append(out, seg)
	}
	return out
}

// Len reports the number of leaves in the snapshot.
func (t *Tree) Len() int {
	return len(t.nodes)
}
