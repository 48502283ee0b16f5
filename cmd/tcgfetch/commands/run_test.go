package commands

import (
	"context"
	"testing"

	"cardwatch-backend/lib/checkpoint"
	"cardwatch-backend/lib/telemetry"
	"cardwatch-backend/lib/testutil"

	"github.com/stretchr/testify/require"
)

func TestReportProgress(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:tcgfetch")
	defer cleanup()

	ctx := context.Background()
	store := checkpoint.NewStore(testutil.OpenDB(t, checkpoint.Schema))
	require.NoError(t, store.BeginRun(ctx))

	report, err := reportProgress(ctx, store)
	require.NoError(t, err)
	require.Equal(t, runReport{}, report)

	require.NoError(t, store.Discover(ctx, checkpoint.CategoryNode(1)))
	require.NoError(t, store.Discover(ctx, checkpoint.GroupNode(1, 10)))
	require.NoError(t, store.Discover(ctx, checkpoint.GroupNode(1, 11)))
	require.NoError(t, store.Mark(ctx, "group:1:10", checkpoint.StateCompleted))
	require.NoError(t, store.MarkErr(ctx, "group:1:11", checkpoint.StateFailed, "not found"))

	report, err = reportProgress(ctx, store)
	require.NoError(t, err)
	require.Equal(t, runReport{
		Completed: 1,
		Pending:   1,
		Failed:    1,
		Resumable: true,
	}, report)

	// once everything is completed the checkpoint reports nothing to resume
	require.NoError(t, store.Mark(ctx, "category:1", checkpoint.StateCompleted))
	_, err = store.ResetFailed(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Mark(ctx, "group:1:11", checkpoint.StateCompleted))

	report, err = reportProgress(ctx, store)
	require.NoError(t, err)
	require.Equal(t, runReport{Completed: 3}, report)
}
