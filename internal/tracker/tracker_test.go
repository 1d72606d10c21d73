package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateTaskAssignsIDAndOpenStatus(t *testing.T) {
	tr := NewInMemory(func() time.Time { return time.Unix(1, 0) })
	id, err := tr.CreateTask(context.Background(), "epic-1", "write the docs", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, ok := tr.Get(id)
	require.True(t, ok)
	require.Equal(t, "open", rec.Status)
	require.Equal(t, "epic-1", rec.EpicID)
}

func TestCloseTaskRecordsResult(t *testing.T) {
	tr := NewInMemory(nil)
	id, _ := tr.CreateTask(context.Background(), "epic-1", "task", nil)
	require.NoError(t, tr.CloseTask(context.Background(), id, "all good"))

	rec, _ := tr.Get(id)
	require.Equal(t, "closed", rec.Status)
	require.Equal(t, "all good", rec.Result)
}

func TestBlockTaskRecordsReason(t *testing.T) {
	tr := NewInMemory(nil)
	id, _ := tr.CreateTask(context.Background(), "epic-1", "task", nil)
	require.NoError(t, tr.BlockTask(context.Background(), id, "missing resource"))

	rec, _ := tr.Get(id)
	require.Equal(t, "blocked", rec.Status)
	require.Equal(t, "missing resource", rec.BlockReason)
}

func TestAddCommentAppends(t *testing.T) {
	tr := NewInMemory(nil)
	id, _ := tr.CreateTask(context.Background(), "epic-1", "task", nil)
	require.NoError(t, tr.AddComment(context.Background(), id, "progress update"))
	require.NoError(t, tr.AddComment(context.Background(), id, "second update"))

	rec, _ := tr.Get(id)
	require.Equal(t, []string{"progress update", "second update"}, rec.Comments)
}

func TestOperationsOnUnknownTaskFail(t *testing.T) {
	tr := NewInMemory(nil)
	require.Error(t, tr.CloseTask(context.Background(), "missing", "x"))
	require.Error(t, tr.BlockTask(context.Background(), "missing", "x"))
	require.Error(t, tr.AddComment(context.Background(), "missing", "x"))
}
