package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestCreateAndFindLatestCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir(), fixedClock(time.Unix(1, 0)))

	_, err := store.CreateCheckpoint(ctx, "s1", "build feature", "plan", nil, nil, nil, nil)
	require.NoError(t, err)

	store.clock = fixedClock(time.Unix(2, 0))
	latest, err := store.CreateCheckpoint(ctx, "s1", "build feature", "parallel_dispatch", nil, nil, nil, nil)
	require.NoError(t, err)

	found, err := store.FindLatestCheckpoint(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, latest.ID, found.ID)
	require.Equal(t, "parallel_dispatch", found.Phase)
}

func TestFindLatestCheckpointNoneExists(t *testing.T) {
	store := New(t.TempDir(), nil)
	found, err := store.FindLatestCheckpoint(context.Background(), "unknown")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestCreateCheckpointRejectsEmptySessionID(t *testing.T) {
	store := New(t.TempDir(), nil)
	_, err := store.CreateCheckpoint(context.Background(), "", "task", "plan", nil, nil, nil, nil)
	require.Error(t, err)
}

func TestDetermineResumePhase(t *testing.T) {
	require.Equal(t, "replanning", DetermineResumePhase(nil))
	require.Equal(t, "replanning", DetermineResumePhase(&Checkpoint{Phase: ""}))
	require.Equal(t, "replanning", DetermineResumePhase(&Checkpoint{Phase: "bogus"}))
	require.Equal(t, "replanning", DetermineResumePhase(&Checkpoint{Phase: "completed"}))
	require.Equal(t, "parallel_dispatch", DetermineResumePhase(&Checkpoint{Phase: "parallel_dispatch"}))
}

func TestCleanupOldCheckpointsKeepsOnlyMostRecent(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir(), nil)

	var last *Checkpoint
	for i := 0; i < 5; i++ {
		cp, err := store.CreateCheckpoint(ctx, "s1", "task", "plan", nil, nil, nil, nil)
		require.NoError(t, err)
		last = cp
	}

	require.NoError(t, store.CleanupOldCheckpoints(ctx, "s1", 2))

	all, err := store.loadAll("s1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, last.ID, all[len(all)-1].ID)
}

func TestCleanupOldCheckpointsRejectsNonPositiveKeep(t *testing.T) {
	store := New(t.TempDir(), nil)
	err := store.CleanupOldCheckpoints(context.Background(), "s1", 0)
	require.Error(t, err)
}
