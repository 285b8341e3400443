package httpstatus

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/agencyd/internal/storage"
)

// DatafilesResponse reports per-datafile live/dead/deletion counts, either
// for one named collection or, when no collection is given, for every
// collection this node holds.
type DatafilesResponse struct {
	Collections map[string][]storage.DatafileStats `json:"collections"`
}

// Datafiles reports storage.DatafileStats. ?collection= narrows to a single
// named collection; omitting it reports every resident collection.
func (h *Handler) Datafiles(c *fiber.Ctx) error {
	if h.collections == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: ErrorDetail{
			Code:    "NO_STORAGE",
			Message: "this node holds no local collections",
			Path:    c.Path(),
		}})
	}

	name := c.Query("collection")
	out := map[string][]storage.DatafileStats{}

	if name != "" {
		lc, ok := h.collectionByName(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: ErrorDetail{
				Code:    "COLLECTION_NOT_FOUND",
				Message: "no resident collection named " + name,
				Path:    c.Path(),
			}})
		}
		out[name] = lc.DatafileStats()
		return c.JSON(DatafilesResponse{Collections: out})
	}

	for _, lc := range h.collections.Collections() {
		out[lc.Name()] = lc.DatafileStats()
	}
	return c.JSON(DatafilesResponse{Collections: out})
}
