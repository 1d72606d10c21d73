package executor

import (
	"context"

	"github.com/Jasonzhangf/finger-sub001/internal/orchestrator"
	"github.com/Jasonzhangf/finger-sub001/internal/react"
)

// AgentFactory builds the react.Agent that should drive one dispatched
// task. Production wiring supplies one backed by a kernel.Bridge turn;
// tests supply a fake.
type AgentFactory func(task orchestrator.TaskNode, resourceID string) react.Agent

// OrchestratorDispatcher adapts a Loop into an orchestrator.Dispatcher,
// so the Orchestrator Phase Machine's PARALLEL_DISPATCH/BLOCKED_REVIEW
// handlers can hand a TaskNode straight to an Executor Loop without
// depending on the executor package's types.
type OrchestratorDispatcher struct {
	Loop    *Loop
	Agents  AgentFactory
	EpicID  string
}

// Dispatch satisfies orchestrator.Dispatcher.
func (d *OrchestratorDispatcher) Dispatch(ctx context.Context, task orchestrator.TaskNode, resourceID string) (orchestrator.TaskResult, error) {
	spec := TaskSpec{
		TaskID:      task.ID,
		EpicID:      d.EpicID,
		Description: task.Description,
		BDTaskID:    task.TrackerID,
	}
	agent := d.Agents(task, resourceID)

	result, err := d.Loop.Run(ctx, spec, agent)
	if err != nil {
		return orchestrator.TaskResult{Success: false, Error: err.Error()}, err
	}
	if result.StopReason == react.StopFail {
		return orchestrator.TaskResult{Success: false, Output: result.Observation, Error: result.Observation}, nil
	}
	return orchestrator.TaskResult{Success: true, Output: result.Observation}, nil
}
