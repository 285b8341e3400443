// Package httpstatus exposes the read-only inspection surface every node
// runs regardless of role: cluster health as the supervisor last observed
// it, the job queue, and per-datafile storage statistics. Nothing here
// mutates agency or collection state - all three handlers are safe to hit
// from a monitoring scraper at any frequency.
package httpstatus

import (
	"github.com/soltixdb/agencyd/internal/storage"
	"github.com/soltixdb/agencyd/internal/supervisor"
)

// CollectionRegistry is the read-only view onto a data node's resident
// collections the /datafiles endpoint reports against. cmd/storagenode
// supplies the concrete implementation once collections are opened.
type CollectionRegistry interface {
	Collections() []*storage.LogicalCollection
}

// Handler bundles the handlers the ambient status surface exposes. loop may
// be nil on a node that runs no supervisor (a pure data node); collections
// may be nil on a node that holds no local storage (a pure supervisor).
type Handler struct {
	loop        *supervisor.Loop
	collections CollectionRegistry
}

// New builds a Handler. Either argument may be nil; the corresponding
// endpoints report an empty/unavailable result rather than panicking.
func New(loop *supervisor.Loop, collections CollectionRegistry) *Handler {
	return &Handler{loop: loop, collections: collections}
}

func (h *Handler) collectionByName(name string) (*storage.LogicalCollection, bool) {
	if h.collections == nil {
		return nil, false
	}
	for _, lc := range h.collections.Collections() {
		if lc.Name() == name {
			return lc, true
		}
	}
	return nil, false
}
