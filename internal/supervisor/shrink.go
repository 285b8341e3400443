package supervisor

import (
	"context"
	"sort"

	"github.com/soltixdb/agencyd/internal/logging"
)

// ShrinkCluster is the over-provisioning driver (§4.5): when
// Target/NumberOfDBServers names fewer servers than are currently
// available, retire one server per tick, preferring an already-FAILED node
// (via removeServer) over draining a healthy one (via cleanOutServer).
//
// allowRemoveServer mirrors the source's disabled removeServer invocation
// path inside shrink (§9); when false, shrink routes exclusively through
// cleanOutServer regardless of whether a useless-failed node exists.
func ShrinkCluster(ctx context.Context, r *Runner, allowRemoveServer bool) {
	if len(r.Snapshot.JobsInBucket(BucketToDo)) > 0 || len(r.Snapshot.JobsInBucket(BucketPending)) > 0 {
		return // low priority: let in-flight repairs finish first
	}

	target := targetNumberOfDBServers(r.Snapshot)
	avail := r.Snapshot.AvailableServers()
	if target >= len(avail) || len(avail) <= 1 {
		return
	}

	if allowRemoveServer {
		useless := uselessFailedServers(r.Snapshot, avail)
		if len(useless) > 0 {
			sort.Strings(useless)
			victim := useless[len(useless)-1]
			if err := r.scheduleTopLevel(ctx, KindRemoveServer, Record{Server: victim}); err != nil {
				logging.Warn("failed to schedule removeServer", "server", victim, "error", err)
			}
			return
		}
	}

	if r.MaxReplicationFactor < len(avail) && len(avail) > maxInt(r.MaxReplicationFactor, target) {
		sorted := append([]string{}, avail...)
		sort.Strings(sorted)
		victim := sorted[len(sorted)-1]
		if err := r.scheduleTopLevel(ctx, KindCleanOutServer, Record{Server: victim}); err != nil {
			logging.Warn("failed to schedule cleanOutServer", "server", victim, "error", err)
		}
	}
}

func targetNumberOfDBServers(snap *Snapshot) int {
	raw, ok := snap.Persistent.Get("Target/NumberOfDBServers")
	if !ok {
		return len(snap.PlannedDBServers()) // no shrink requested
	}
	var n int
	if err := unmarshalInto(raw, &n); err != nil {
		return len(snap.PlannedDBServers())
	}
	return n
}

// uselessFailedServers returns the subset of avail that are FAILED and
// whose removal would neither drop a shard's leader nor bring any
// collection below its replicationFactor.
func uselessFailedServers(snap *Snapshot, avail []string) []string {
	var failed []string
	for _, srv := range avail {
		if rec, ok := snap.Health(srv); ok && rec.Status == StatusFailed {
			failed = append(failed, srv)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	collections := snap.Collections()
	var useless []string
	for _, srv := range failed {
		if isLeaderSomewhere(collections, srv) {
			continue
		}
		if removalBreaksReplication(collections, avail, srv) {
			continue
		}
		useless = append(useless, srv)
	}
	return useless
}

func isLeaderSomewhere(collections map[planKey]CollectionPlan, srv string) bool {
	for _, plan := range collections {
		for _, servers := range plan.Shards {
			if len(servers) > 0 && servers[0] == srv {
				return true
			}
		}
	}
	return false
}

func removalBreaksReplication(collections map[planKey]CollectionPlan, avail []string, srv string) bool {
	remaining := len(avail) - 1
	for _, plan := range collections {
		if plan.ReplicationFactor > 0 && remaining < plan.ReplicationFactor {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
