package supervisor

import (
	"context"

	"github.com/soltixdb/agencyd/internal/logging"
)

// EnforceReplication is the shard repair driver (§4.4): for every
// non-clone planned collection, bring each shard's Plan server count in
// line with its replicationFactor by scheduling addFollower/removeFollower
// jobs, skipping shards already blocked or already targeted by an
// equivalent in-flight job.
func EnforceReplication(ctx context.Context, r *Runner) {
	avail := r.Snapshot.AvailableServers()

	for key, plan := range r.Snapshot.Collections() {
		if plan.DistributeShardsLike != "" {
			continue
		}

		desired := plan.ReplicationFactor
		if desired == 0 {
			desired = len(avail) // satellite collection
		}

		for shard, servers := range plan.Shards {
			if r.Snapshot.ShardBlocked(shard) {
				continue
			}
			if hasInFlightShardJob(r.Snapshot, shard, KindAddFollower, KindRemoveFollower, KindMoveShard) {
				continue
			}

			switch {
			case len(servers) < desired:
				target := pickRandom(diff(avail, servers))
				if target == "" {
					continue
				}
				if err := r.scheduleTopLevel(ctx, KindAddFollower, Record{
					Database: key.database, Collection: key.collection, Shard: shard,
					NewFollower: target,
				}); err != nil {
					logging.Warn("failed to schedule addFollower", "shard", shard, "error", err)
				}

			case len(servers) > desired:
				follower := lastFollower(servers)
				if follower == "" {
					continue
				}
				if err := r.scheduleTopLevel(ctx, KindRemoveFollower, Record{
					Database: key.database, Collection: key.collection, Shard: shard,
					FromServer: follower,
				}); err != nil {
					logging.Warn("failed to schedule removeFollower", "shard", shard, "error", err)
				}
			}
		}
	}
}

func hasInFlightShardJob(snap *Snapshot, shard string, kinds ...JobKind) bool {
	want := map[JobKind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	for _, rec := range snap.JobsInBucket(BucketToDo) {
		if rec.Shard == shard && want[rec.Kind] {
			return true
		}
	}
	for _, rec := range snap.JobsInBucket(BucketPending) {
		if rec.Shard == shard && want[rec.Kind] {
			return true
		}
	}
	return false
}

// lastFollower returns the last non-leader entry in servers, or "" if there
// is none to remove.
func lastFollower(servers []string) string {
	if len(servers) <= 1 {
		return ""
	}
	return servers[len(servers)-1]
}
