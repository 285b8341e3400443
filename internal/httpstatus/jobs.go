package httpstatus

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soltixdb/agencyd/internal/supervisor"
)

// validJobBuckets is the fixed set of Target/<bucket> trees a job record can
// live in, mirroring supervisor.JobBucket.
var validJobBuckets = map[string]supervisor.JobBucket{
	string(supervisor.BucketToDo):     supervisor.BucketToDo,
	string(supervisor.BucketPending):  supervisor.BucketPending,
	string(supervisor.BucketFinished): supervisor.BucketFinished,
	string(supervisor.BucketFailed):   supervisor.BucketFailed,
}

// JobsResponse lists every job record currently in the requested bucket.
type JobsResponse struct {
	Bucket supervisor.JobBucket `json:"bucket"`
	Jobs   []supervisor.Record  `json:"jobs"`
}

// Jobs reports Target/<state> job records, ?state= defaulting to ToDo (the
// bucket operators care about first: what is the supervisor about to do).
func (h *Handler) Jobs(c *fiber.Ctx) error {
	if h.loop == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: ErrorDetail{
			Code:    "NO_SUPERVISOR",
			Message: "this node runs no supervisor loop",
			Path:    c.Path(),
		}})
	}

	state := c.Query("state", string(supervisor.BucketToDo))
	bucket, ok := validJobBuckets[state]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: ErrorDetail{
			Code:    "INVALID_STATE",
			Message: "state must be one of ToDo, Pending, Finished, Failed",
			Path:    c.Path(),
		}})
	}

	snap := h.loop.Snapshot()
	if snap == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: ErrorDetail{
			Code:    "SNAPSHOT_UNAVAILABLE",
			Message: "no agency snapshot has been read yet",
			Path:    c.Path(),
		}})
	}

	jobs := snap.JobsInBucket(bucket)
	if jobs == nil {
		jobs = []supervisor.Record{}
	}
	return c.JSON(JobsResponse{Bucket: bucket, Jobs: jobs})
}
