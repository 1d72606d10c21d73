package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestCreateMessageAssignsGeneratedCallbackID(t *testing.T) {
	mb := New(nil, fixedClock(time.Unix(0, 0)), 0)
	id, err := mb.CreateMessage("executor-agent", map[string]string{"task": "x"}, "cli", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entry, err := mb.GetMessage(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, entry.Status)
	require.NotEmpty(t, entry.CallbackID)
}

func TestCreateMessageRejectsDuplicateCallbackID(t *testing.T) {
	mb := New(nil, fixedClock(time.Now()), 0)
	_, err := mb.CreateMessage("a", nil, "cli", "cli-1-abcdef")
	require.NoError(t, err)

	_, err = mb.CreateMessage("a", nil, "cli", "cli-1-abcdef")
	require.Error(t, err)
}

func TestCreateMessageRejectsEmptyTarget(t *testing.T) {
	mb := New(nil, fixedClock(time.Now()), 0)
	_, err := mb.CreateMessage("", nil, "cli", "")
	require.Error(t, err)
}

func TestGetMessageByCallbackID(t *testing.T) {
	mb := New(nil, fixedClock(time.Now()), 0)
	id, err := mb.CreateMessage("a", nil, "cli", "cli-1-abcdef")
	require.NoError(t, err)

	entry, err := mb.GetMessageByCallbackID("cli-1-abcdef")
	require.NoError(t, err)
	require.Equal(t, id, entry.MessageID)
}

func TestUpdateStatusMonotonic(t *testing.T) {
	mb := New(nil, fixedClock(time.Now()), 0)
	id, _ := mb.CreateMessage("a", nil, "cli", "")

	require.NoError(t, mb.UpdateStatus(id, StatusProcessing))
	require.NoError(t, mb.UpdateStatus(id, StatusCompleted, WithResult("done")))

	entry, err := mb.GetMessage(id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, entry.Status)
	require.Equal(t, "done", entry.Result)
}

func TestUpdateStatusRejectsDowngrade(t *testing.T) {
	mb := New(nil, fixedClock(time.Now()), 0)
	id, _ := mb.CreateMessage("a", nil, "cli", "")
	require.NoError(t, mb.UpdateStatus(id, StatusCompleted))

	err := mb.UpdateStatus(id, StatusPending)
	require.Error(t, err)
}

func TestUpdateStatusUnknownMessage(t *testing.T) {
	mb := New(nil, fixedClock(time.Now()), 0)
	err := mb.UpdateStatus("nope", StatusCompleted)
	require.Error(t, err)
}

func TestRetentionEvictsOnlyTerminalEntries(t *testing.T) {
	mb := New(nil, fixedClock(time.Now()), 1)

	first, _ := mb.CreateMessage("target", nil, "cli", "")
	require.NoError(t, mb.UpdateStatus(first, StatusCompleted))

	second, _ := mb.CreateMessage("target", nil, "cli", "")

	_, err := mb.GetMessage(first)
	require.Error(t, err, "terminal entry beyond retention should be evicted")

	_, err = mb.GetMessage(second)
	require.NoError(t, err)
}
