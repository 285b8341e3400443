package supervisor

import (
	"context"
	"fmt"

	"github.com/soltixdb/agencyd/internal/agency"
	"github.com/soltixdb/agencyd/internal/logging"
)

// addFollowerHandler implements addFollower: append a new server to a
// shard's Plan list to bring it up to replicationFactor.
type addFollowerHandler struct{}

func (addFollowerHandler) ResourceLocks(rec Record) []string {
	return []string{fmt.Sprintf("Supervision/Shards/%s", rec.Shard)}
}

func (addFollowerHandler) Start(ctx context.Context, r *Runner, rec Record) error {
	plan, ok := r.Snapshot.Collection(rec.Database, rec.Collection)
	if !ok {
		return r.finish(ctx, rec, addFollowerHandler{}, false, "collection no longer planned")
	}
	servers := plan.Shards[rec.Shard]
	current := r.Snapshot.CurrentServers(rec.Database, rec.Collection, rec.Shard)
	if contains(servers, rec.NewFollower) || contains(current, rec.NewFollower) {
		return r.finish(ctx, rec, addFollowerHandler{}, false, "newFollower already holds shard")
	}

	newServers := append(append([]string{}, servers...), rec.NewFollower)

	result, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
		agency.Delete(fmt.Sprintf("Target/ToDo/%s", rec.ID)),
		agency.Set(fmt.Sprintf("Target/Pending/%s", rec.ID), withTimeStarted(rec)),
		agency.Set(fmt.Sprintf("Plan/Collections/%s/%s/shards/%s", rec.Database, rec.Collection, rec.Shard), newServers),
		agency.Set(fmt.Sprintf("Supervision/Shards/%s", rec.Shard), rec.ID),
		agency.Increment("Plan/Version", 1),
	}, agency.OldEmpty(fmt.Sprintf("Supervision/Shards/%s", rec.Shard))))
	if err != nil {
		return fmt.Errorf("failed to commit addFollower start: %w", err)
	}
	if !result.Accepted {
		logging.Debug("addFollower start rejected, retrying next tick", "job_id", rec.ID)
	}
	return nil
}

func (addFollowerHandler) Status(ctx context.Context, r *Runner, rec Record) error {
	current := r.Snapshot.CurrentServers(rec.Database, rec.Collection, rec.Shard)
	if !contains(current, rec.NewFollower) {
		return nil
	}
	return r.finish(ctx, rec, addFollowerHandler{}, true, "new follower caught up")
}

// removeFollowerHandler implements removeFollower: drop one follower
// (never the leader at position 0) from a shard's Plan list.
type removeFollowerHandler struct{}

func (removeFollowerHandler) ResourceLocks(rec Record) []string {
	return []string{fmt.Sprintf("Supervision/Shards/%s", rec.Shard)}
}

func (removeFollowerHandler) Start(ctx context.Context, r *Runner, rec Record) error {
	plan, ok := r.Snapshot.Collection(rec.Database, rec.Collection)
	if !ok {
		return r.finish(ctx, rec, removeFollowerHandler{}, false, "collection no longer planned")
	}
	servers := plan.Shards[rec.Shard]
	if len(servers) == 0 || servers[0] == rec.FromServer || !contains(servers, rec.FromServer) {
		return r.finish(ctx, rec, removeFollowerHandler{}, false, "removal target is not a follower")
	}

	newServers := removeString(servers, rec.FromServer)

	result, err := r.Agency.Transact(ctx, agency.NewTransaction([]agency.Operation{
		agency.Delete(fmt.Sprintf("Target/ToDo/%s", rec.ID)),
		agency.Set(fmt.Sprintf("Target/Pending/%s", rec.ID), withTimeStarted(rec)),
		agency.Set(fmt.Sprintf("Plan/Collections/%s/%s/shards/%s", rec.Database, rec.Collection, rec.Shard), newServers),
		agency.Set(fmt.Sprintf("Supervision/Shards/%s", rec.Shard), rec.ID),
		agency.Increment("Plan/Version", 1),
	}, agency.OldEmpty(fmt.Sprintf("Supervision/Shards/%s", rec.Shard))))
	if err != nil {
		return fmt.Errorf("failed to commit removeFollower start: %w", err)
	}
	if !result.Accepted {
		logging.Debug("removeFollower start rejected, retrying next tick", "job_id", rec.ID)
	}
	return nil
}

func (removeFollowerHandler) Status(ctx context.Context, r *Runner, rec Record) error {
	current := r.Snapshot.CurrentServers(rec.Database, rec.Collection, rec.Shard)
	if contains(current, rec.FromServer) {
		return nil // node has not yet dropped the shard
	}
	return r.finish(ctx, rec, removeFollowerHandler{}, true, "follower dropped")
}
