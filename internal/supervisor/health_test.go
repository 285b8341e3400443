package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltixdb/agencyd/internal/agency"
)

func TestHealthCheckerNeverJumpsGoodToFailed(t *testing.T) {
	ctx := context.Background()
	ag := agency.NewMemoryAgency()
	seedPlan(t, ag, agency.Set("Plan/DBServers/A", true))

	ids := NewIDAllocator("Sync/LatestID", 10000)
	checker := NewHealthChecker(50*time.Millisecond, nil, ids)
	leaderSince := time.Now().Add(-time.Hour)

	statuses := []HealthStatus{}
	recordStatus := func() {
		snap, err := refresh(ctx, ag)
		require.NoError(t, err)
		rec, ok := snap.Health("A")
		if ok {
			statuses = append(statuses, rec.Status)
		}
	}

	// First heartbeat: fresh, GOOD.
	_, err := ag.TransientWrite(ctx, agency.NewTransaction([]agency.Operation{
		agency.Set("Sync/ServerStates/A/time", "t1"),
	}))
	require.NoError(t, err)
	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	require.NoError(t, checker.Check(ctx, ag, snap, leaderSince))
	recordStatus()

	// Same heartbeat repeated (no change): BAD.
	for i := 0; i < 3; i++ {
		snap, err = refresh(ctx, ag)
		require.NoError(t, err)
		require.NoError(t, checker.Check(ctx, ag, snap, leaderSince))
		recordStatus()
		time.Sleep(30 * time.Millisecond)
	}

	// Eventually FAILED once past grace period.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap, err = refresh(ctx, ag)
		require.NoError(t, err)
		require.NoError(t, checker.Check(ctx, ag, snap, leaderSince))
		recordStatus()
		if statuses[len(statuses)-1] == StatusFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	require.NotEmpty(t, statuses)
	assert.Equal(t, StatusGood, statuses[0])
	assert.Equal(t, StatusFailed, statuses[len(statuses)-1])

	for i := 1; i < len(statuses); i++ {
		if statuses[i-1] == StatusGood {
			assert.NotEqual(t, StatusFailed, statuses[i], "GOOD must not transition directly to FAILED")
		}
	}

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	todo := snap.JobsInBucket(BucketToDo)
	require.Len(t, todo, 1)
	assert.Equal(t, KindFailedServer, todo[0].Kind)
	assert.Equal(t, "A", todo[0].Server)
}

func TestHealthCheckerRecoveryClearsFailedServersEntry(t *testing.T) {
	ctx := context.Background()
	ag := agency.NewMemoryAgency()
	seedPlan(t, ag,
		agency.Set("Plan/DBServers/A", true),
		agency.Set("Supervision/Health/A", HealthRecord{Status: StatusFailed}),
		agency.Push("Target/FailedServers/A", "s1"),
	)

	ids := NewIDAllocator("Sync/LatestID", 10000)
	checker := NewHealthChecker(5*time.Second, nil, ids)

	_, err := ag.TransientWrite(ctx, agency.NewTransaction([]agency.Operation{
		agency.Set("Sync/ServerStates/A/time", "fresh-heartbeat"),
	}))
	require.NoError(t, err)

	snap, err := refresh(ctx, ag)
	require.NoError(t, err)
	require.NoError(t, checker.Check(ctx, ag, snap, time.Now().Add(-time.Hour)))

	snap, err = refresh(ctx, ag)
	require.NoError(t, err)
	rec, ok := snap.Health("A")
	require.True(t, ok)
	assert.Equal(t, StatusGood, rec.Status)
	assert.False(t, snap.Persistent.Has("Target/FailedServers/A"))
}
