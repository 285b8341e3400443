package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/soltixdb/agencyd/internal/agency"
	"github.com/soltixdb/agencyd/internal/logging"
)

// shardMutationHandler implements failedFollower, failedLeader, and
// moveShard, which all replace one server for another in a shard's Plan
// list and differ only in (a) whether the replacement becomes the new
// leader and (b) whether Target/FailedServers bookkeeping applies.
type shardMutationHandler struct {
	promoteToLeader bool
}

func (h shardMutationHandler) shardPath(rec Record) string {
	return fmt.Sprintf("Plan/Collections/%s/%s/shards/%s", rec.Database, rec.Collection, rec.Shard)
}

func (h shardMutationHandler) ResourceLocks(rec Record) []string {
	return []string{fmt.Sprintf("Supervision/Shards/%s", rec.Shard)}
}

func (h shardMutationHandler) Start(ctx context.Context, r *Runner, rec Record) error {
	plan, ok := r.Snapshot.Collection(rec.Database, rec.Collection)
	if !ok {
		return r.finish(ctx, rec, h, false, "collection no longer planned")
	}
	servers, ok := plan.Shards[rec.Shard]
	if !ok || !contains(servers, rec.FromServer) {
		return r.finish(ctx, rec, h, false, "fromServer no longer holds shard")
	}

	newServers := reassignShard(servers, rec.FromServer, rec.ToServer, h.promoteToLeader)

	ops := []agency.Operation{
		agency.Delete(fmt.Sprintf("Target/ToDo/%s", rec.ID)),
		agency.Set(fmt.Sprintf("Target/Pending/%s", rec.ID), withTimeStarted(rec)),
		agency.Set(h.shardPath(rec), newServers),
		agency.Set(fmt.Sprintf("Supervision/Shards/%s", rec.Shard), rec.ID),
		agency.Increment("Plan/Version", 1),
	}
	if rec.Kind != KindMoveShard {
		ops = append(ops, agency.Push(fmt.Sprintf("Target/FailedServers/%s", rec.FromServer), rec.Shard))
	}

	for _, clone := range rec.CloneCollections {
		ops = append(ops, agency.Set(
			fmt.Sprintf("Plan/Collections/%s/%s/shards/%s", rec.Database, clone, rec.Shard),
			newServers,
		))
	}

	result, err := r.Agency.Transact(ctx, agency.NewTransaction(ops,
		agency.OldEmpty(fmt.Sprintf("Supervision/Shards/%s", rec.Shard)),
	))
	if err != nil {
		return fmt.Errorf("failed to commit shard mutation start: %w", err)
	}
	if !result.Accepted {
		logging.Debug("shard mutation start rejected, retrying next tick", "job_id", rec.ID)
		return nil
	}
	return nil
}

func (h shardMutationHandler) Status(ctx context.Context, r *Runner, rec Record) error {
	plan, ok := r.Snapshot.Collection(rec.Database, rec.Collection)
	if !ok {
		return r.finish(ctx, rec, h, false, "collection no longer planned")
	}
	planned := plan.Shards[rec.Shard]
	current := r.Snapshot.CurrentServers(rec.Database, rec.Collection, rec.Shard)

	if !sameServerSet(planned, current) {
		return nil // still converging
	}

	if rec.Kind != KindMoveShard {
		if _, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
			agency.Erase(fmt.Sprintf("Target/FailedServers/%s", rec.FromServer), rec.Shard),
		})); err != nil {
			logging.Warn("failed to clear FailedServers entry", "job_id", rec.ID, "error", err)
		}
	}

	return r.finish(ctx, rec, h, true, "shard converged to plan")
}

// reassignShard replaces from with to in servers, preserving the ordering
// contract: failedFollower/moveShard keep positions stable (to takes from's
// slot), failedLeader drops from, makes the previous position-1 follower the
// leader, and appends to as the last follower.
func reassignShard(servers []string, from, to string, promoteToLeader bool) []string {
	out := make([]string, len(servers))
	copy(out, servers)

	idx := -1
	for i, s := range out {
		if s == from {
			idx = i
			break
		}
	}
	if idx < 0 {
		return out
	}

	if !promoteToLeader {
		out[idx] = to
		return out
	}

	// failedLeader: the old position-1 follower (if any) becomes the new
	// leader, and the replacement server takes a follower slot.
	rest := append(append([]string{}, out[:idx]...), out[idx+1:]...)
	if len(rest) == 0 {
		return []string{to}
	}
	newLeader := rest[0]
	newFollowers := append(append([]string{}, rest[1:]...), to)
	return append([]string{newLeader}, newFollowers...)
}

func sameServerSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]bool{}
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

func withTimeStarted(rec Record) Record {
	rec.TimeStarted = time.Now()
	return rec
}
