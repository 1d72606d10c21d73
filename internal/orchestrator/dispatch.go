package orchestrator

import (
	"context"
	"sync"

	"github.com/Jasonzhangf/finger-sub001/internal/resources"
)

// dispatchOne allocates resources for t, hands it to the configured
// Dispatcher, and releases the allocation on completion (spec §4.2
// "PARALLEL_DISPATCH ... allocate, mark executing, dispatch, release").
// It never returns an error: a task that cannot be dispatched is left in
// TaskBlocked for a later BLOCKED_REVIEW, matching the phase's "does not
// fail the whole batch on one task's resource shortage" behavior.
func (m *Machine) dispatchOne(ctx context.Context, t *TaskNode, reqs []resources.Requirement) {
	alloc := m.deps.Pool.AllocateResources(t.ID, reqs)
	if !alloc.Success {
		m.mu.Lock()
		t.Status = TaskBlocked
		m.mu.Unlock()
		return
	}

	assignee := ""
	if len(alloc.AllocatedResources) > 0 {
		assignee = alloc.AllocatedResources[0].ID
	}
	m.mu.Lock()
	t.Status = TaskInProgress
	t.Assignee = assignee
	m.mu.Unlock()

	_ = m.deps.Pool.MarkTaskExecuting(t.ID)
	m.emit("task_started", map[string]any{"taskId": t.ID, "assignee": assignee})

	if t.TrackerID == "" {
		m.ensureEpicTracked(ctx)
		if m.deps.Tracker != nil {
			m.mu.Lock()
			epicID := m.epicTrackerID
			m.mu.Unlock()
			if id, err := m.deps.Tracker.CreateTask(ctx, epicID, t.Description, t.Dependencies); err == nil {
				m.mu.Lock()
				t.TrackerID = id
				m.mu.Unlock()
			}
		}
	}

	result, err := m.deps.Dispatcher.Dispatch(ctx, *t, assignee)
	reason := "completed"
	m.mu.Lock()
	if err != nil || !result.Success {
		t.Status = TaskFailed
		if result.Error == "" && err != nil {
			result.Error = err.Error()
		}
		m.lastError = result.Error
		reason = "error"
	} else {
		t.Status = TaskCompleted
	}
	t.Result = &result
	m.mu.Unlock()

	_ = m.deps.Pool.ReleaseResources(t.ID, reason)

	if m.deps.Tracker != nil && t.TrackerID != "" {
		if reason == "completed" {
			_ = m.deps.Tracker.CloseTask(ctx, t.TrackerID, result.Output)
		} else {
			_ = m.deps.Tracker.BlockTask(ctx, t.TrackerID, result.Error)
		}
	}

	if reason == "completed" {
		m.emit("task_completed", map[string]any{"taskId": t.ID, "output": result.Output})
	} else {
		m.emit("task_failed", map[string]any{"taskId": t.ID, "error": result.Error})
	}

	m.refreshReadiness()
}

// dispatchBatch concurrently dispatches every given task, waiting for all
// of them to reach a terminal state before returning (spec's "bounded
// parallelism" requirement; bounded here by the caller's own task-graph
// size since the pool's atomic allocation already serializes contention
// over scarce resources).
func (m *Machine) dispatchBatch(ctx context.Context, plans []dispatchPlan) {
	var wg sync.WaitGroup
	for _, p := range plans {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.dispatchOne(ctx, p.task, p.reqs)
		}()
	}
	wg.Wait()
}

type dispatchPlan struct {
	task *TaskNode
	reqs []resources.Requirement
}
