package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/finger-sub001/internal/actions"
	"github.com/Jasonzhangf/finger-sub001/internal/react"
	"github.com/Jasonzhangf/finger-sub001/internal/tracker"
)

// scriptedAgent plays back a fixed sequence of raw decisions, one per
// round, looping the final one if Decide is called more times than the
// script has entries.
type scriptedAgent struct {
	script []string
	calls  int
}

func (a *scriptedAgent) Decide(ctx context.Context, goal string, observations []string) (string, error) {
	idx := a.calls
	if idx >= len(a.script) {
		idx = len(a.script) - 1
	}
	a.calls++
	return a.script[idx], nil
}

func (a *scriptedAgent) Reset(ctx context.Context) error { return nil }

func newRegistry(t *testing.T) *actions.Registry {
	t.Helper()
	reg := actions.New()
	require.NoError(t, RegisterBuiltins(reg))
	return reg
}

func TestLoopCompletesAndSyncsTracker(t *testing.T) {
	reg := newRegistry(t)
	trk := tracker.NewInMemory(nil)
	taskID, err := trk.CreateTask(context.Background(), "epic-1", "write a file", nil)
	require.NoError(t, err)

	loop := New(Config{Registry: reg, Tracker: trk})
	agent := &scriptedAgent{script: []string{
		`{"thought":"write it","action":"WRITE_FILE","params":{"path":"` + t.TempDir() + `/out.txt","content":"hi"}}`,
		`{"thought":"done","action":"COMPLETE","params":{"observation":"wrote the file"}}`,
	}}

	result, err := loop.Run(context.Background(), TaskSpec{TaskID: "t1", BDTaskID: taskID, Description: "write a file"}, agent)
	require.NoError(t, err)
	require.Equal(t, react.StopComplete, result.StopReason)

	record, ok := trk.Get(taskID)
	require.True(t, ok)
	require.Equal(t, "closed", record.Status)
	require.Equal(t, "wrote the file", record.Result)
}

func TestLoopFailsAndBlocksTracker(t *testing.T) {
	reg := newRegistry(t)
	trk := tracker.NewInMemory(nil)
	taskID, err := trk.CreateTask(context.Background(), "epic-1", "do something impossible", nil)
	require.NoError(t, err)

	loop := New(Config{Registry: reg, Tracker: trk})
	agent := &scriptedAgent{script: []string{
		`{"thought":"can't","action":"FAIL","params":{"error":"missing credentials"}}`,
	}}

	result, err := loop.Run(context.Background(), TaskSpec{TaskID: "t1", BDTaskID: taskID}, agent)
	require.NoError(t, err)
	require.Equal(t, react.StopFail, result.StopReason)

	record, ok := trk.Get(taskID)
	require.True(t, ok)
	require.Equal(t, "blocked", record.Status)
	require.Equal(t, "missing credentials", record.BlockReason)
}

func TestRunCommandHandlerCapturesOutput(t *testing.T) {
	ctx := context.Background()
	result, err := runCommandHandler(ctx, actions.Params{"command": "printf done"})
	require.NoError(t, err)
	require.Equal(t, "done", result.Output)
}

func TestWriteThenReadFileRoundTrips(t *testing.T) {
	ctx := context.Background()
	path := fmt.Sprintf("%s/roundtrip.txt", t.TempDir())
	_, err := writeFileHandler(ctx, actions.Params{"path": path, "content": "hello"})
	require.NoError(t, err)

	result, err := readFileHandler(ctx, actions.Params{"path": path})
	require.NoError(t, err)
	require.Equal(t, "hello", result.Output)
}
