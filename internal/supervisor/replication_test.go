package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/agencyd/internal/agency"
)

func seedPlan(t *testing.T, ag agency.Agency, ops ...agency.Operation) {
	t.Helper()
	_, err := ag.Write(context.Background(), agency.NewTransaction(ops))
	require.NoError(t, err)
}

func TestEnforceReplicationSchedulesAddFollowerOnce(t *testing.T) {
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
	)

	ids := NewIDAllocator("Sync/LatestID", 10000)

	for i := 0; i < 5; i++ {
		snap, err := refresh(ctx, ag)
		require.NoError(t, err)
		runner := NewRunner(ag, snap, ids, nil, 3)
		EnforceReplication(ctx, runner)
	}

	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	todo := snap.JobsInBucket(BucketToDo)
	assert.Len(t, todo, 1, "repeated EnforceReplication calls must not duplicate the addFollower job")
	assert.Equal(t, KindAddFollower, todo[0].Kind)
	assert.Equal(t, "s1", todo[0].Shard)
}

func TestEnforceReplicationSchedulesRemoveFollowerWhenOverReplicated(t *testing.T) {
	ctx := context.Background()
	ag := agency.NewMemoryAgency()

	seedPlan(t, ag,
		agency.Set("Plan/DBServers/A", true),
		agency.Set("Plan/DBServers/B", true),
		agency.Set("Plan/DBServers/C", true),
		agency.Set("Plan/Collections/_system/c", CollectionPlan{
			ReplicationFactor: 2,
			Shards:            map[string][]string{"s1": {"A", "B", "C"}},
		}),
	)

	ids := NewIDAllocator("Sync/LatestID", 10000)
	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	runner := NewRunner(ag, snap, ids, nil, 3)
	EnforceReplication(ctx, runner)

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	todo := snap.JobsInBucket(BucketToDo)
	require.Len(t, todo, 1)
	assert.Equal(t, KindRemoveFollower, todo[0].Kind)
	assert.Equal(t, "C", todo[0].FromServer)
}

func TestEnforceReplicationSkipsClones(t *testing.T) {
	ctx := context.Background()
	ag := agency.NewMemoryAgency()

	seedPlan(t, ag,
		agency.Set("Plan/DBServers/A", true),
		agency.Set("Plan/DBServers/B", true),
		agency.Set("Plan/Collections/_system/proto", CollectionPlan{
			ReplicationFactor: 2,
			Shards:            map[string][]string{"s1": {"A", "B"}},
		}),
		agency.Set("Plan/Collections/_system/clone", CollectionPlan{
			ReplicationFactor:    2,
			Shards:               map[string][]string{"s1": {"A"}},
			DistributeShardsLike: "proto",
		}),
	)

	ids := NewIDAllocator("Sync/LatestID", 10000)
	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	runner := NewRunner(ag, snap, ids, nil, 3)
	EnforceReplication(ctx, runner)

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	assert.Empty(t, snap.JobsInBucket(BucketToDo), "a clone's shards must never be scheduled directly")
}
