package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/agencyd/internal/agency"
)

func seedJob(t *testing.T, ag agency.Agency, rec Record) {
	t.Helper()
	seedPlan(t, ag, agency.Set("Target/ToDo/"+rec.ID, rec))
}

func TestShardMutationHandlerFailedFollowerPreservesPosition(t *testing.T) {
	ctx := context.Background()
	ag := agency.NewMemoryAgency()

	seedPlan(t, ag,
		agency.Set("Plan/DBServers/A", true),
		agency.Set("Plan/DBServers/B", true),
		agency.Set("Plan/DBServers/C", true),
		agency.Set("Plan/DBServers/D", true),
		agency.Set("Plan/Collections/_system/c", CollectionPlan{
			ReplicationFactor: 3,
			Shards:            map[string][]string{"s1": {"A", "B", "C"}},
		}),
	)

	rec := Record{
		ID: "1", Kind: KindFailedFollower,
		Database: "_system", Collection: "c", Shard: "s1",
		FromServer: "B", ToServer: "D",
	}
	seedJob(t, ag, rec)

	ids := NewIDAllocator("Sync/LatestID", 10000)
	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	runner := NewRunner(ag, snap, ids, nil, 3)

	handler := shardMutationHandler{promoteToLeader: false}
	require.NoError(t, handler.Start(ctx, runner, rec))

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	plan, ok := snap.Collection("_system", "c")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "D", "C"}, plan.Shards["s1"], "replacement must take the failed follower's exact slot")

	assert.Empty(t, snap.JobsInBucket(BucketToDo))
	pending := snap.JobsInBucket(BucketPending)
	require.Len(t, pending, 1)
	assert.True(t, snap.ShardBlocked("s1"))
	assert.Contains(t, snap.Persistent.GetStringSlice("Target/FailedServers/B"), "s1")

	// Not yet converged: Current still shows the old set.
	require.NoError(t, handler.Status(ctx, runner, pending[0]))
	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	assert.Len(t, snap.JobsInBucket(BucketPending), 1, "job must stay pending until Current converges")

	// Current catches up to Plan.
	seedPlan(t, ag, agency.Set("Current/Collections/_system/c/s1/servers", []string{"A", "D", "C"}))
	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	runner.Snapshot = snap
	require.NoError(t, handler.Status(ctx, runner, pending[0]))

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	assert.Empty(t, snap.JobsInBucket(BucketPending))
	finished := snap.JobsInBucket(BucketFinished)
	require.Len(t, finished, 1)
	assert.False(t, snap.ShardBlocked("s1"))
	assert.NotContains(t, snap.Persistent.GetStringSlice("Target/FailedServers/B"), "s1")
}

func TestShardMutationHandlerFailedLeaderPromotesOldFollower(t *testing.T) {
	ctx := context.Background()
	ag := agency.NewMemoryAgency()

	seedPlan(t, ag,
		agency.Set("Plan/DBServers/A", true),
		agency.Set("Plan/DBServers/B", true),
		agency.Set("Plan/DBServers/C", true),
		agency.Set("Plan/DBServers/D", true),
		agency.Set("Plan/Collections/_system/c", CollectionPlan{
			ReplicationFactor: 3,
			Shards:            map[string][]string{"s1": {"A", "B", "C"}},
		}),
	)

	rec := Record{
		ID: "1", Kind: KindFailedLeader,
		Database: "_system", Collection: "c", Shard: "s1",
		FromServer: "A", ToServer: "D",
	}
	seedJob(t, ag, rec)

	ids := NewIDAllocator("Sync/LatestID", 10000)
	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	runner := NewRunner(ag, snap, ids, nil, 3)

	handler := shardMutationHandler{promoteToLeader: true}
	require.NoError(t, handler.Start(ctx, runner, rec))

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	plan, ok := snap.Collection("_system", "c")
	require.True(t, ok)
	assert.Equal(t, []string{"B", "C", "D"}, plan.Shards["s1"], "old position-1 follower becomes leader, replacement joins as follower")
}

func TestShardMutationHandlerPropagatesToClones(t *testing.T) {
	ctx := context.Background()
	ag := agency.NewMemoryAgency()

	seedPlan(t, ag,
		agency.Set("Plan/DBServers/A", true),
		agency.Set("Plan/DBServers/B", true),
		agency.Set("Plan/DBServers/C", true),
		agency.Set("Plan/DBServers/D", true),
		agency.Set("Plan/Collections/_system/proto", CollectionPlan{
			ReplicationFactor: 3,
			Shards:            map[string][]string{"s1": {"A", "B", "C"}},
		}),
		agency.Set("Plan/Collections/_system/clone", CollectionPlan{
			ReplicationFactor:    3,
			Shards:               map[string][]string{"s1": {"A", "B", "C"}},
			DistributeShardsLike: "proto",
		}),
	)

	rec := Record{
		ID: "1", Kind: KindFailedFollower,
		Database: "_system", Collection: "proto", Shard: "s1",
		FromServer: "B", ToServer: "D",
		CloneCollections: []string{"clone"},
	}
	seedJob(t, ag, rec)

	ids := NewIDAllocator("Sync/LatestID", 10000)
	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	runner := NewRunner(ag, snap, ids, nil, 3)

	handler := shardMutationHandler{promoteToLeader: false}
	require.NoError(t, handler.Start(ctx, runner, rec))

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	clonePlan, ok := snap.Collection("_system", "clone")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "D", "C"}, clonePlan.Shards["s1"], "clone's shard must mirror the prototype's mutation")
}

func TestAddFollowerHandlerConvergesWhenCurrentCatchesUp(t *testing.T) {
	ctx := context.Background()
	ag := agency.NewMemoryAgency()

	seedPlan(t, ag,
		agency.Set("Plan/DBServers/A", true),
		agency.Set("Plan/DBServers/B", true),
		agency.Set("Plan/DBServers/C", true),
		agency.Set("Plan/Collections/_system/c", CollectionPlan{
			ReplicationFactor: 3,
			Shards:            map[string][]string{"s1": {"A", "B"}},
		}),
		agency.Set("Current/Collections/_system/c/s1/servers", []string{"A", "B"}),
	)

	rec := Record{
		ID: "1", Kind: KindAddFollower,
		Database: "_system", Collection: "c", Shard: "s1",
		NewFollower: "C",
	}
	seedJob(t, ag, rec)

	ids := NewIDAllocator("Sync/LatestID", 10000)
	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	runner := NewRunner(ag, snap, ids, nil, 3)

	handler := addFollowerHandler{}
	require.NoError(t, handler.Start(ctx, runner, rec))

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	pending := snap.JobsInBucket(BucketPending)
	require.Len(t, pending, 1)

	runner.Snapshot = snap
	require.NoError(t, handler.Status(ctx, runner, pending[0]))
	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	assert.Len(t, snap.JobsInBucket(BucketPending), 1, "must wait for Current before finishing")

	seedPlan(t, ag, agency.Set("Current/Collections/_system/c/s1/servers", []string{"A", "B", "C"}))
	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	runner.Snapshot = snap
	require.NoError(t, handler.Status(ctx, runner, pending[0]))

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	assert.Empty(t, snap.JobsInBucket(BucketPending))
	assert.Len(t, snap.JobsInBucket(BucketFinished), 1)
}

func TestRemoveFollowerHandlerRefusesToTouchLeader(t *testing.T) {
	ctx := context.Background()
	ag := agency.NewMemoryAgency()

	seedPlan(t, ag,
		agency.Set("Plan/DBServers/A", true),
		agency.Set("Plan/DBServers/B", true),
		agency.Set("Plan/Collections/_system/c", CollectionPlan{
			ReplicationFactor: 1,
			Shards:            map[string][]string{"s1": {"A", "B"}},
		}),
	)

	rec := Record{
		ID: "1", Kind: KindRemoveFollower,
		Database: "_system", Collection: "c", Shard: "s1",
		FromServer: "A", // leader, position 0
	}
	seedJob(t, ag, rec)

	ids := NewIDAllocator("Sync/LatestID", 10000)
	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	runner := NewRunner(ag, snap, ids, nil, 3)

	handler := removeFollowerHandler{}
	require.NoError(t, handler.Start(ctx, runner, rec))

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	failed := snap.JobsInBucket(BucketFailed)
	require.Len(t, failed, 1, "attempting to remove the leader must fail the job, not mutate the plan")
	assert.Empty(t, snap.JobsInBucket(BucketToDo), "rejected job must not linger in ToDo once it's Failed")
	plan, ok := snap.Collection("_system", "c")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, plan.Shards["s1"])
}
