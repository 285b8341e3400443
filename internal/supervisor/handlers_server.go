package supervisor

import (
	"context"
	"fmt"

	"github.com/soltixdb/agencyd/internal/agency"
	"github.com/soltixdb/agencyd/internal/logging"
)

// failedServerHandler implements failedServer: for every shard the failed
// server holds, schedule a failedLeader or failedFollower child (or an
// unassumedLeadership record if the shard has no live holder at all), then
// wait for every child to leave ToDo and Pending.
type failedServerHandler struct{}

func (failedServerHandler) ResourceLocks(rec Record) []string {
	return []string{fmt.Sprintf("Supervision/DBServers/%s", rec.Server)}
}

func (h failedServerHandler) Start(ctx context.Context, r *Runner, rec Record) error {
	health, ok := r.Snapshot.Health(rec.Server)
	if !ok || health.Status != StatusBad {
		return r.finish(ctx, rec, h, false, "server is no longer BAD")
	}

	result, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
		agency.Delete(fmt.Sprintf("Target/ToDo/%s", rec.ID)),
		agency.Set(fmt.Sprintf("Target/Pending/%s", rec.ID), withTimeStarted(rec)),
		agency.Set(fmt.Sprintf("Supervision/DBServers/%s", rec.Server), rec.ID),
	}, agency.OldEmpty(fmt.Sprintf("Supervision/DBServers/%s", rec.Server))))
	if err != nil {
		return fmt.Errorf("failed to commit failedServer start: %w", err)
	}
	if !result.Accepted {
		logging.Debug("failedServer start rejected, retrying next tick", "job_id", rec.ID)
	}
	return nil
}

func (h failedServerHandler) Status(ctx context.Context, r *Runner, rec Record) error {
	if health, ok := r.Snapshot.Health(rec.Server); ok && health.Status == StatusGood {
		h.abortRemainingChildren(ctx, r, rec)
		return r.finish(ctx, rec, h, true, "server recovered before all repairs started")
	}

	scheduled := map[string]bool{}
	for _, s := range rec.ScheduledShards {
		scheduled[s] = true
	}

	newlyScheduled := false
	for key, plan := range r.Snapshot.Collections() {
		if plan.DistributeShardsLike != "" {
			continue // clones ride along with the prototype
		}
		for shard, servers := range plan.Shards {
			if scheduled[shard] || !contains(servers, rec.Server) {
				continue
			}

			clones := cloneNames(r.Snapshot, key.database, key.collection)
			current := r.Snapshot.CurrentServers(key.database, key.collection, shard)

			var err error
			switch {
			case len(current) == 0:
				err = r.createChild(ctx, KindUnassumedLeadership, rec, Record{
					Database: key.database, Collection: key.collection, Shard: shard, Server: rec.Server,
				})
			case servers[0] == rec.Server:
				target := pickRandom(diff(r.Snapshot.AvailableServers(), servers))
				if target == "" {
					continue
				}
				err = r.createChild(ctx, KindFailedLeader, rec, Record{
					Database: key.database, Collection: key.collection, Shard: shard,
					FromServer: rec.Server, ToServer: target, CloneCollections: clones,
				})
			default:
				target := pickRandom(diff(r.Snapshot.AvailableServers(), servers))
				if target == "" {
					continue
				}
				err = r.createChild(ctx, KindFailedFollower, rec, Record{
					Database: key.database, Collection: key.collection, Shard: shard,
					FromServer: rec.Server, ToServer: target, CloneCollections: clones,
				})
			}
			if err != nil {
				logging.Warn("failed to schedule failedServer child", "job_id", rec.ID, "shard", shard, "error", err)
				continue
			}
			scheduled[shard] = true
			newlyScheduled = true
		}
	}

	if newlyScheduled {
		rec.ScheduledShards = setToSlice(scheduled)
		if _, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
			agency.Set(fmt.Sprintf("Target/Pending/%s", rec.ID), rec),
		})); err != nil {
			logging.Warn("failed to persist failedServer scheduling progress", "job_id", rec.ID, "error", err)
		}
	}

	// Children created in this pass are not in r.Snapshot yet, so the parent
	// can only finish on a later pass.
	if !newlyScheduled && h.outstandingChildren(r, rec) == 0 && len(scheduled) > 0 {
		return r.finish(ctx, rec, h, true, "all repair children completed")
	}
	return nil
}

func (h failedServerHandler) outstandingChildren(r *Runner, rec Record) int {
	count := 0
	for _, child := range r.Snapshot.JobsInBucket(BucketToDo) {
		if child.ParentID == rec.ID {
			count++
		}
	}
	for _, child := range r.Snapshot.JobsInBucket(BucketPending) {
		if child.ParentID == rec.ID {
			count++
		}
	}
	return count
}

func (h failedServerHandler) abortRemainingChildren(ctx context.Context, r *Runner, rec Record) {
	for _, child := range r.Snapshot.JobsInBucket(BucketToDo) {
		if child.ParentID != rec.ID {
			continue
		}
		if _, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
			agency.Delete(fmt.Sprintf("Target/ToDo/%s", child.ID)),
		})); err != nil {
			logging.Warn("failed to abort orphaned child job", "job_id", child.ID, "error", err)
		}
	}
}

// cleanOutServerHandler implements cleanOutServer: move every shard held by
// server (leader or follower) onto some other available server via moveShard
// children.
type cleanOutServerHandler struct{}

func (cleanOutServerHandler) ResourceLocks(rec Record) []string {
	return []string{fmt.Sprintf("Supervision/DBServers/%s", rec.Server)}
}

func (h cleanOutServerHandler) Start(ctx context.Context, r *Runner, rec Record) error {
	result, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
		agency.Delete(fmt.Sprintf("Target/ToDo/%s", rec.ID)),
		agency.Set(fmt.Sprintf("Target/Pending/%s", rec.ID), withTimeStarted(rec)),
		agency.Set(fmt.Sprintf("Supervision/DBServers/%s", rec.Server), rec.ID),
	}, agency.OldEmpty(fmt.Sprintf("Supervision/DBServers/%s", rec.Server))))
	if err != nil {
		return fmt.Errorf("failed to commit cleanOutServer start: %w", err)
	}
	if !result.Accepted {
		logging.Debug("cleanOutServer start rejected, retrying next tick", "job_id", rec.ID)
	}
	return nil
}

func (h cleanOutServerHandler) Status(ctx context.Context, r *Runner, rec Record) error {
	scheduled := map[string]bool{}
	for _, s := range rec.ScheduledShards {
		scheduled[s] = true
	}

	newlyScheduled := false
	for key, plan := range r.Snapshot.Collections() {
		for shard, servers := range plan.Shards {
			if scheduled[shard] || !contains(servers, rec.Server) {
				continue
			}
			target := pickRandom(diff(r.Snapshot.AvailableServers(), servers))
			if target == "" {
				continue
			}
			if err := r.createChild(ctx, KindMoveShard, rec, Record{
				Database: key.database, Collection: key.collection, Shard: shard,
				FromServer: rec.Server, ToServer: target,
			}); err != nil {
				logging.Warn("failed to schedule cleanOutServer child", "job_id", rec.ID, "shard", shard, "error", err)
				continue
			}
			scheduled[shard] = true
			newlyScheduled = true
		}
	}

	if newlyScheduled {
		rec.ScheduledShards = setToSlice(scheduled)
		if _, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
			agency.Set(fmt.Sprintf("Target/Pending/%s", rec.ID), rec),
		})); err != nil {
			logging.Warn("failed to persist cleanOutServer scheduling progress", "job_id", rec.ID, "error", err)
		}
	}

	outstanding := 0
	for _, child := range r.Snapshot.JobsInBucket(BucketToDo) {
		if child.ParentID == rec.ID {
			outstanding++
		}
	}
	for _, child := range r.Snapshot.JobsInBucket(BucketPending) {
		if child.ParentID == rec.ID {
			outstanding++
		}
	}

	if outstanding == 0 && !newlyScheduled {
		if _, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
			agency.Push("Target/CleanedServers", rec.Server),
		})); err != nil {
			logging.Warn("failed to record cleaned server", "job_id", rec.ID, "error", err)
			return nil
		}
		return r.finish(ctx, rec, h, true, "server fully drained")
	}
	return nil
}

// removeServerHandler implements removeServer: strip a fully-drained server
// from every Plan shard list it still appears in defensively, and record it
// as cleaned.
type removeServerHandler struct{}

func (removeServerHandler) ResourceLocks(rec Record) []string {
	return []string{fmt.Sprintf("Supervision/DBServers/%s", rec.Server)}
}

func (h removeServerHandler) Start(ctx context.Context, r *Runner, rec Record) error {
	if !contains(r.Snapshot.PlannedDBServers(), rec.Server) {
		return r.finish(ctx, rec, h, false, "server is not planned")
	}
	if contains(r.Snapshot.CleanedServers(), rec.Server) {
		return r.finish(ctx, rec, h, false, "server already cleaned")
	}
	if len(r.Snapshot.AvailableServers())-1 < r.MaxReplicationFactor {
		return r.finish(ctx, rec, h, false, "removal would drop below maxReplicationFactor")
	}

	ops := []agency.Operation{
		agency.Delete(fmt.Sprintf("Target/ToDo/%s", rec.ID)),
		agency.Set(fmt.Sprintf("Target/Pending/%s", rec.ID), withTimeStarted(rec)),
		agency.Set(fmt.Sprintf("Supervision/DBServers/%s", rec.Server), rec.ID),
		agency.Push("Target/CleanedServers", rec.Server),
		agency.Increment("Plan/Version", 1),
	}
	for key, plan := range r.Snapshot.Collections() {
		for shard, servers := range plan.Shards {
			if !contains(servers, rec.Server) {
				continue
			}
			ops = append(ops, agency.Set(
				fmt.Sprintf("Plan/Collections/%s/%s/shards/%s", key.database, key.collection, shard),
				removeString(servers, rec.Server),
			))
		}
	}

	result, err := r.Agency.Transact(ctx, agency.NewTransaction(ops,
		agency.OldEmpty(fmt.Sprintf("Supervision/DBServers/%s", rec.Server)),
	))
	if err != nil {
		return fmt.Errorf("failed to commit removeServer start: %w", err)
	}
	if !result.Accepted {
		logging.Debug("removeServer start rejected, retrying next tick", "job_id", rec.ID)
		return nil
	}
	return r.finish(ctx, rec, h, true, "server removed from plan")
}

func (removeServerHandler) Status(ctx context.Context, r *Runner, rec Record) error {
	// Start finishes the job synchronously; Status is never reached because
	// the record no longer sits in Pending once Start succeeds.
	return nil
}

// unassumedLeadershipHandler records shards observed with no live holder at
// all. It has no repair action of its own - enforceReplication repopulates
// the shard once a server reports it in Current - so it simply finishes
// once Current shows any holder.
type unassumedLeadershipHandler struct{}

func (unassumedLeadershipHandler) ResourceLocks(rec Record) []string {
	return []string{fmt.Sprintf("Supervision/Shards/%s", rec.Shard)}
}

func (h unassumedLeadershipHandler) Start(ctx context.Context, r *Runner, rec Record) error {
	result, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
		agency.Delete(fmt.Sprintf("Target/ToDo/%s", rec.ID)),
		agency.Set(fmt.Sprintf("Target/Pending/%s", rec.ID), withTimeStarted(rec)),
		agency.Set(fmt.Sprintf("Supervision/Shards/%s", rec.Shard), rec.ID),
	}, agency.OldEmpty(fmt.Sprintf("Supervision/Shards/%s", rec.Shard))))
	if err != nil {
		return fmt.Errorf("failed to commit unassumedLeadership start: %w", err)
	}
	if !result.Accepted {
		logging.Debug("unassumedLeadership start rejected, retrying next tick", "job_id", rec.ID)
	}
	return nil
}

func (h unassumedLeadershipHandler) Status(ctx context.Context, r *Runner, rec Record) error {
	if len(r.Snapshot.CurrentServers(rec.Database, rec.Collection, rec.Shard)) == 0 {
		return nil
	}
	return r.finish(ctx, rec, h, true, "shard has a holder again")
}

func cloneNames(snap *Snapshot, database, prototype string) []string {
	var out []string
	for _, key := range snap.Clones(database, prototype) {
		out = append(out, key.collection)
	}
	return out
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
