package httpstatus

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/agencyd/internal/supervisor"
)

// HealthResponse is the top-level /health payload: whether this process
// runs a supervisor loop, and the last-observed health record for every
// planned server. Leading is true for every process with a loop; agency
// leadership itself is not queried.
type HealthResponse struct {
	Leading bool                                `json:"leading"`
	Servers map[string]supervisor.HealthRecord `json:"servers,omitempty"`
}

// ErrorResponse is the error envelope shared by every status endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// Health reports the supervisor's last-refreshed snapshot. A node that runs
// no supervisor loop (collections-only) reports leading=false and no
// servers rather than erroring, since the endpoint must stay scrapable on
// every node.
func (h *Handler) Health(c *fiber.Ctx) error {
	if h.loop == nil {
		return c.JSON(HealthResponse{Leading: false})
	}

	snap := h.loop.Snapshot()
	if snap == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: ErrorDetail{
			Code:    "SNAPSHOT_UNAVAILABLE",
			Message: "no agency snapshot has been read yet",
			Path:    c.Path(),
		}})
	}

	servers := map[string]supervisor.HealthRecord{}
	for _, srv := range snap.PlannedDBServers() {
		if rec, ok := snap.Health(srv); ok {
			servers[srv] = rec
		}
	}
	for _, srv := range snap.PlannedCoordinators() {
		if rec, ok := snap.Health(srv); ok {
			servers[srv] = rec
		}
	}

	return c.JSON(HealthResponse{Leading: true, Servers: servers})
}

// NotFound is the catch-all 404 handler, using the same error envelope.
func (h *Handler) NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: ErrorDetail{
		Code:    "NOT_FOUND",
		Message: "route not found",
		Path:    c.Path(),
	}})
}
