package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/soltixdb/agencyd/internal/agency"
	"github.com/soltixdb/agencyd/internal/events"
	"github.com/soltixdb/agencyd/internal/logging"
)

// Handler implements the create/start/status/abort contract for one job
// kind. Create is invoked by the scheduling site (the health checker,
// enforceReplication, shrinkCluster, or another job's Status method for
// children) rather than by the Runner, since only the scheduler knows the
// operands; the Runner only drives Start and Status for jobs already
// sitting in ToDo or Pending.
type Handler interface {
	// Start builds and commits the ToDo -> Pending transition, including
	// the Plan mutation and any resource locks. A rejected precondition is
	// not an error - the job simply stays in ToDo for the next tick.
	Start(ctx context.Context, r *Runner, rec Record) error

	// Status evaluates a Pending job's progress against Current and either
	// leaves it Pending, finishes it, fails it, or (for parent kinds)
	// schedules child jobs.
	Status(ctx context.Context, r *Runner, rec Record) error

	// ResourceLocks returns the Supervision/Shards or Supervision/DBServers
	// paths this job holds while Pending, for exclusion checking and
	// release on finish.
	ResourceLocks(rec Record) []string
}

// Runner drives the ToDo and Pending job buckets forward by one step each,
// per tick. It is the concrete form of the framework's runHelper/finish
// described for job processing.
type Runner struct {
	Agency                agency.Agency
	Snapshot              *Snapshot
	IDs                   *IDAllocator
	Bus                   *events.Bus
	MaxReplicationFactor  int
	handlers              map[JobKind]Handler
}

// NewRunner constructs a Runner with the standard handler registry.
func NewRunner(ag agency.Agency, snap *Snapshot, ids *IDAllocator, bus *events.Bus, maxReplicationFactor int) *Runner {
	r := &Runner{Agency: ag, Snapshot: snap, IDs: ids, Bus: bus, MaxReplicationFactor: maxReplicationFactor}
	r.handlers = map[JobKind]Handler{
		KindFailedServer:        failedServerHandler{},
		KindFailedFollower:      shardMutationHandler{promoteToLeader: false},
		KindFailedLeader:        shardMutationHandler{promoteToLeader: true},
		KindMoveShard:           shardMutationHandler{promoteToLeader: false},
		KindAddFollower:         addFollowerHandler{},
		KindRemoveFollower:      removeFollowerHandler{},
		KindCleanOutServer:      cleanOutServerHandler{},
		KindRemoveServer:        removeServerHandler{},
		KindUnassumedLeadership: unassumedLeadershipHandler{},
	}
	return r
}

// WorkJobs advances every ToDo job to Pending where possible, then advances
// every Pending job's status. This is called once per tick, after
// enforceReplication and shrinkCluster have had a chance to schedule new
// work in ToDo.
func (r *Runner) WorkJobs(ctx context.Context) {
	for _, rec := range r.Snapshot.JobsInBucket(BucketToDo) {
		handler, ok := r.handlers[rec.Kind]
		if !ok {
			logging.Warn("unknown job kind in ToDo, skipping", "kind", rec.Kind, "job_id", rec.ID)
			continue
		}
		if err := handler.Start(ctx, r, rec); err != nil {
			logging.Warn("job start failed", "job_id", rec.ID, "kind", rec.Kind, "error", err)
		}
	}

	for _, rec := range r.Snapshot.JobsInBucket(BucketPending) {
		handler, ok := r.handlers[rec.Kind]
		if !ok {
			logging.Warn("unknown job kind in Pending, skipping", "kind", rec.Kind, "job_id", rec.ID)
			continue
		}
		if err := handler.Status(ctx, r, rec); err != nil {
			logging.Warn("job status check failed", "job_id", rec.ID, "kind", rec.Kind, "error", err)
		}
	}
}

// finish moves rec from Pending to Finished or Failed and releases its
// resource locks, all in one transaction.
func (r *Runner) finish(ctx context.Context, rec Record, handler Handler, ok bool, reason string) error {
	rec.Result = reason
	bucket := BucketFinished
	if !ok {
		bucket = BucketFailed
	}

	ops := []agency.Operation{
		agency.Delete(fmt.Sprintf("Target/ToDo/%s", rec.ID)),
		agency.Delete(fmt.Sprintf("Target/Pending/%s", rec.ID)),
		agency.Set(fmt.Sprintf("Target/%s/%s", bucket, rec.ID), rec),
	}
	for _, lock := range handler.ResourceLocks(rec) {
		ops = append(ops, agency.Delete(lock))
	}

	result, err := r.Agency.Transact(ctx, agency.NewTransaction(ops))
	if err != nil {
		return fmt.Errorf("failed to commit finish transaction: %w", err)
	}
	if !result.Accepted {
		logging.Debug("finish transaction rejected, retrying next tick", "job_id", rec.ID)
		return nil
	}

	if r.Bus != nil {
		_ = r.Bus.PublishJobState(ctx, events.JobStateEvent{
			JobID:     rec.ID,
			Kind:      string(rec.Kind),
			From:      string(BucketPending),
			To:        string(bucket),
			Reason:    reason,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// scheduleTopLevel writes a new ToDo entry for a job scheduled directly by
// a driver (enforceReplication, shrinkCluster) rather than by a parent job.
func (r *Runner) scheduleTopLevel(ctx context.Context, kind JobKind, fields Record) error {
	id, err := r.IDs.Next(ctx, r.Agency)
	if err != nil {
		return fmt.Errorf("failed to allocate job id: %w", err)
	}
	fields.ID = id
	fields.Kind = kind
	fields.Creator = "supervisor"
	fields.TimeCreated = time.Now()

	result, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
		agency.Set(fmt.Sprintf("Target/ToDo/%s", id), fields),
	}, agency.OldEmpty(fmt.Sprintf("Target/ToDo/%s", id))))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !result.Accepted {
		return fmt.Errorf("job creation rejected: %w", ErrJobPreconditionViolated)
	}
	return nil
}

// createChild writes a new ToDo entry for a job scheduled by another job's
// Status method (e.g. failedServer scheduling failedFollower children).
func (r *Runner) createChild(ctx context.Context, kind JobKind, parent Record, fields Record) error {
	id, err := r.IDs.Next(ctx, r.Agency)
	if err != nil {
		return fmt.Errorf("failed to allocate child job id: %w", err)
	}
	fields.ID = id
	fields.Kind = kind
	fields.Creator = parent.ID
	fields.ParentID = parent.ID
	fields.TimeCreated = time.Now()

	result, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
		agency.Set(fmt.Sprintf("Target/ToDo/%s", id), fields),
	}, agency.OldEmpty(fmt.Sprintf("Target/ToDo/%s", id))))
	if err != nil {
		return fmt.Errorf("failed to create child job: %w", err)
	}
	if !result.Accepted {
		return fmt.Errorf("child job creation rejected: %w", ErrJobPreconditionViolated)
	}
	return nil
}
