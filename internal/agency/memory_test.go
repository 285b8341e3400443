package agency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAgencyWriteAndRead(t *testing.T) {
	a := NewMemoryAgency()
	ctx := context.Background()

	results, err := a.Write(ctx, NewTransaction([]Operation{
		Set("Plan/DBServers/PRMR-A", true),
	}))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Accepted)
	assert.NotZero(t, results[0].Index)

	tree, err := a.ReadDB(ctx)
	require.NoError(t, err)
	v, ok := tree.GetBool("Plan/DBServers/PRMR-A")
	require.True(t, ok)
	assert.True(t, v)
}

func TestMemoryAgencyPreconditionRejection(t *testing.T) {
	a := NewMemoryAgency()
	ctx := context.Background()

	_, err := a.Write(ctx, NewTransaction([]Operation{Set("Target/Jobs/1", "todo")}))
	require.NoError(t, err)

	results, err := a.Write(ctx, NewTransaction(
		[]Operation{Set("Target/Jobs/1", "pending")},
		OldEmpty("Target/Jobs/1"),
	))
	require.NoError(t, err)
	assert.False(t, results[0].Accepted, "precondition on an occupied path must reject the transaction")

	tree, _ := a.ReadDB(ctx)
	v, _ := tree.GetString("Target/Jobs/1")
	assert.Equal(t, "todo", v, "a rejected transaction must not mutate state")
}

func TestMemoryAgencyPushEraseAreArrayOperations(t *testing.T) {
	a := NewMemoryAgency()
	ctx := context.Background()

	_, err := a.Write(ctx, NewTransaction([]Operation{
		Push("Target/FailedServers", "PRMR-A"),
	}))
	require.NoError(t, err)

	tree, _ := a.ReadDB(ctx)
	assert.ElementsMatch(t, []string{"PRMR-A"}, tree.GetStringSlice("Target/FailedServers"))

	_, err = a.Write(ctx, NewTransaction([]Operation{
		Erase("Target/FailedServers", "PRMR-A"),
	}))
	require.NoError(t, err)

	tree, _ = a.ReadDB(ctx)
	assert.Empty(t, tree.GetStringSlice("Target/FailedServers"))
}

func TestMemoryAgencyIncrementAndGetIsMonotonic(t *testing.T) {
	a := NewMemoryAgency()
	ctx := context.Background()

	first, err := a.IncrementAndGet(ctx, "Sync/LatestID", 10000)
	require.NoError(t, err)
	second, err := a.IncrementAndGet(ctx, "Sync/LatestID", 10000)
	require.NoError(t, err)

	assert.Equal(t, int64(10000), first)
	assert.Equal(t, int64(20000), second)
}

func TestMemoryAgencyLeadingDefaultsTrue(t *testing.T) {
	a := NewMemoryAgency()
	ctx := context.Background()

	leading, err := a.Leading(ctx)
	require.NoError(t, err)
	assert.True(t, leading)

	a.SetLeading(false)
	leading, err = a.Leading(ctx)
	require.NoError(t, err)
	assert.False(t, leading)
}

func TestTreeChildren(t *testing.T) {
	a := NewMemoryAgency()
	ctx := context.Background()

	_, err := a.Write(ctx, NewTransaction([]Operation{
		Set("Plan/DBServers/PRMR-A", true),
		Set("Plan/DBServers/PRMR-B", true),
		Set("Supervision/Health/PRMR-A/Status", "GOOD"),
	}))
	require.NoError(t, err)

	tree, _ := a.ReadDB(ctx)
	assert.ElementsMatch(t, []string{"PRMR-A", "PRMR-B"}, tree.Children("Plan/DBServers"))
	assert.Equal(t, []string{"Status"}, tree.Children("Supervision/Health/PRMR-A"))
}
