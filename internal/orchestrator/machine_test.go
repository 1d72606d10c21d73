package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/finger-sub001/internal/checkpoint"
	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
	"github.com/Jasonzhangf/finger-sub001/internal/resources"
	"github.com/Jasonzhangf/finger-sub001/internal/tracker"
)

type fakeDispatcher struct {
	fail map[string]bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, task TaskNode, resourceID string) (TaskResult, error) {
	if f.fail[task.ID] {
		return TaskResult{Success: false, Error: "boom"}, nil
	}
	return TaskResult{Success: true, Output: "done " + task.ID}, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestMachine(t *testing.T, dispatcher Dispatcher) (*Machine, *resources.Pool) {
	t.Helper()
	clock := fixedClock(time.Unix(1700000000, 0))
	bus := eventbus.New(eventbus.Config{})
	pool, err := resources.New(resources.Config{Bus: bus, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, pool.AddResource(resources.Resource{ID: "exec-1", Type: resources.TypeExecutor, Status: resources.StatusAvailable, Capabilities: []resources.Capability{{Name: "file_ops", Level: 5}}}))

	store := checkpoint.New(t.TempDir(), func() time.Time { return clock() })

	m, err := New(context.Background(), Dependencies{
		Pool:        pool,
		Bus:         bus,
		Tracker:     tracker.NewInMemory(clock),
		Checkpoints: store,
		Dispatcher:  dispatcher,
		Clock:       clock,
	}, "sess-1", "epic-1", "build the thing")
	require.NoError(t, err)
	return m, pool
}

func TestMachineStartsAtUnderstanding(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDispatcher{})
	require.Equal(t, PhaseUnderstanding, m.Phase())
}

func TestPlanThenDispatchThenVerifyCompletes(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDispatcher{})
	reg := m.ActionRegistry()
	ctx := context.Background()

	_, err := reg.Execute(ctx, "PLAN", map[string]any{
		"tasks": []map[string]any{
			{"id": "t1", "description": "write the file"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, PhasePlan, m.Phase())

	result, err := reg.Execute(ctx, "PARALLEL_DISPATCH", map[string]any{})
	require.NoError(t, err)
	require.Contains(t, result.Output, "dispatched 1")

	tasks := m.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, TaskCompleted, tasks[0].Status)

	_, err = reg.Execute(ctx, "DELIVERABLES", map[string]any{})
	require.NoError(t, err)

	_, err = reg.Execute(ctx, "VERIFY", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, m.Phase())
}

func TestParallelDispatchBlocksOnResourceShortage(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDispatcher{})
	reg := m.ActionRegistry()
	ctx := context.Background()

	_, err := reg.Execute(ctx, "PLAN", map[string]any{
		"tasks": []map[string]any{
			{"id": "t1", "description": "query the database"},
		},
	})
	require.NoError(t, err)

	result, err := reg.Execute(ctx, "PARALLEL_DISPATCH", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, PhaseBlockedReview, m.Phase())
	require.Contains(t, result.Output, "shortage")
}

func TestVerifyFailsWithoutStoppingWhenCompletionRateLow(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDispatcher{fail: map[string]bool{"t2": true}})
	reg := m.ActionRegistry()
	ctx := context.Background()

	_, err := reg.Execute(ctx, "PLAN", map[string]any{
		"tasks": []map[string]any{
			{"id": "t1", "description": "write file one"},
			{"id": "t2", "description": "write file two"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, m.deps.Pool.AddResource(resources.Resource{ID: "exec-2", Type: resources.TypeExecutor, Status: resources.StatusAvailable}))

	_, err = reg.Execute(ctx, "PARALLEL_DISPATCH", map[string]any{})
	require.NoError(t, err)

	_, err = reg.Execute(ctx, "VERIFY", map[string]any{})
	require.Error(t, err)
	require.NotEqual(t, PhaseCompleted, m.Phase())
}

func TestCompleteRejectsWhenTasksNotTerminal(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDispatcher{})
	reg := m.ActionRegistry()
	ctx := context.Background()

	_, err := reg.Execute(ctx, "PLAN", map[string]any{
		"tasks": []map[string]any{{"id": "t1", "description": "write the file"}},
	})
	require.NoError(t, err)

	_, err = reg.Execute(ctx, "COMPLETE", map[string]any{})
	require.Error(t, err)
}

func TestStopRoutesToBlockedReviewOnResourceReason(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDispatcher{})
	reg := m.ActionRegistry()
	ctx := context.Background()

	_, err := reg.Execute(ctx, "STOP", map[string]any{"reason": "resource shortage on executor"})
	require.NoError(t, err)
	require.Equal(t, PhaseBlockedReview, m.Phase())
}

func TestStartRefusesFromWrongPhase(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDispatcher{})
	reg := m.ActionRegistry()
	ctx := context.Background()

	_, err := reg.Execute(ctx, "START", map[string]any{})
	require.Error(t, err)
}

func TestCheckpointEscalatesToReplanningOnRepeatedFailure(t *testing.T) {
	m, _ := newTestMachine(t, &fakeDispatcher{})
	reg := m.ActionRegistry()
	ctx := context.Background()

	m.mu.Lock()
	m.lastError = "same failure"
	m.mu.Unlock()
	_, err := reg.Execute(ctx, "CHECKPOINT", map[string]any{"trigger": "task_failure"})
	require.NoError(t, err)

	_, err = reg.Execute(ctx, "CHECKPOINT", map[string]any{"trigger": "task_failure"})
	require.NoError(t, err)
	require.Equal(t, PhaseReplanning, m.Phase())
}

func TestInferRequirementsFallsBackToBareExecutor(t *testing.T) {
	reqs := InferRequirements("do something unrelated", DefaultCapabilityRules())
	require.Len(t, reqs, 1)
	require.Equal(t, resources.TypeExecutor, reqs[0].Type)
}
