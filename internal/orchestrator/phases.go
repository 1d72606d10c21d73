package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jasonzhangf/finger-sub001/internal/actions"
	"github.com/Jasonzhangf/finger-sub001/internal/fingerr"
)

func (m *Machine) handleHighDesign(ctx context.Context, params actions.Params) (actions.Result, error) {
	artifact, _ := params["artifact"].(string)
	m.mu.Lock()
	m.highDesign = artifact
	m.mu.Unlock()

	m.ensureEpicTracked(ctx)
	if m.deps.Tracker != nil && m.epicTrackerID != "" {
		_ = m.deps.Tracker.AddComment(ctx, m.epicTrackerID, "high_design: "+artifact)
	}
	if err := m.transition(ctx, PhaseHighDesign, "HIGH_DESIGN"); err != nil {
		return actions.Result{}, err
	}
	return actions.Result{Output: "high design recorded"}, nil
}

func (m *Machine) handleDetailDesign(ctx context.Context, params actions.Params) (actions.Result, error) {
	artifact, _ := params["artifact"].(string)
	m.mu.Lock()
	m.detailDesign = artifact
	m.mu.Unlock()

	if m.deps.Tracker != nil && m.epicTrackerID != "" {
		_ = m.deps.Tracker.AddComment(ctx, m.epicTrackerID, "detail_design: "+artifact)
	}
	if err := m.transition(ctx, PhaseDetailDesign, "DETAIL_DESIGN"); err != nil {
		return actions.Result{}, err
	}
	return actions.Result{Output: "detail design recorded"}, nil
}

func (m *Machine) handleDeliverables(ctx context.Context, params actions.Params) (actions.Result, error) {
	artifacts := toStringSlice(params["artifacts"])
	m.mu.Lock()
	m.deliverables = Deliverables{Artifacts: artifacts}
	m.mu.Unlock()

	if err := m.transition(ctx, PhaseDeliverables, "DELIVERABLES"); err != nil {
		return actions.Result{}, err
	}
	return actions.Result{Output: fmt.Sprintf("%d deliverables recorded", len(artifacts))}, nil
}

// PlanTaskInput is one proposed task in a PLAN action's params.
type PlanTaskInput struct {
	ID                string   `json:"id"`
	Description       string   `json:"description"`
	Dependencies      []string `json:"dependencies,omitempty"`
	SuggestedAssignee string   `json:"suggestedAssignee,omitempty"`
}

func decodePlanTasks(raw any) ([]PlanTaskInput, error) {
	if raw == nil {
		return nil, nil
	}
	if typed, ok := raw.([]PlanTaskInput); ok {
		return typed, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []PlanTaskInput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// handlePlan registers the task graph (spec §4.2 "PLAN: materializes the
// task graph from the design artifacts"). Re-planning (PLAN invoked again
// later, e.g. from replanning) replaces the graph wholesale.
func (m *Machine) handlePlan(ctx context.Context, params actions.Params) (actions.Result, error) {
	inputs, err := decodePlanTasks(params["tasks"])
	if err != nil {
		return actions.Result{}, fingerr.New(fingerr.Validation, "orchestrator.PLAN", err)
	}
	if len(inputs) == 0 {
		return actions.Result{}, fingerr.Newf(fingerr.Validation, "orchestrator.PLAN", "no tasks proposed")
	}

	m.mu.Lock()
	m.tasks = make(map[string]*TaskNode, len(inputs))
	m.taskOrder = nil
	for _, in := range inputs {
		status := TaskBlocked
		if len(in.Dependencies) == 0 {
			status = TaskReady
		}
		m.tasks[in.ID] = &TaskNode{
			ID: in.ID, Description: in.Description, Dependencies: in.Dependencies,
			Status: status, Assignee: in.SuggestedAssignee,
		}
		m.taskOrder = append(m.taskOrder, in.ID)
	}
	m.mu.Unlock()

	m.ensureEpicTracked(ctx)
	if m.deps.Tracker != nil {
		m.mu.Lock()
		epicID := m.epicTrackerID
		order := append([]string(nil), m.taskOrder...)
		m.mu.Unlock()
		for _, id := range order {
			m.mu.Lock()
			t := m.tasks[id]
			m.mu.Unlock()
			trackerID, err := m.deps.Tracker.CreateTask(ctx, epicID, t.Description, t.Dependencies)
			if err == nil {
				m.mu.Lock()
				t.TrackerID = trackerID
				m.mu.Unlock()
			}
		}
	}

	if err := m.transition(ctx, PhasePlan, "PLAN"); err != nil {
		return actions.Result{}, err
	}
	return actions.Result{Output: fmt.Sprintf("registered %d tasks", len(inputs))}, nil
}

// handleParallelDispatch dispatches every ready task (or the explicit
// taskIds given) concurrently. If any task's inferred requirements cannot
// currently be satisfied, the whole batch is deferred: the phase moves to
// blocked_review and a resource_shortage event is emitted, rather than
// partially dispatching (spec §4.2 "on any shortage, move to
// blocked_review instead of partially dispatching").
func (m *Machine) handleParallelDispatch(ctx context.Context, params actions.Params) (actions.Result, error) {
	m.mu.Lock()
	ids := toStringSlice(params["taskIds"])
	if len(ids) == 0 {
		for _, id := range m.taskOrder {
			if m.tasks[id].Status == TaskReady {
				ids = append(ids, id)
			}
		}
	}
	var plans []dispatchPlan
	var missing []fingerrRequirement
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok || t.Status != TaskReady {
			continue
		}
		reqs := InferRequirements(t.Description, m.deps.CapabilityRules)
		check := m.deps.Pool.CheckResourceRequirements(reqs)
		if !check.Satisfied {
			missing = append(missing, fingerrRequirement{TaskID: id, Requirements: check.MissingResources})
			continue
		}
		plans = append(plans, dispatchPlan{task: t, reqs: reqs})
	}
	m.mu.Unlock()

	if len(missing) > 0 {
		if err := m.transition(ctx, PhaseBlockedReview, "PARALLEL_DISPATCH"); err != nil {
			return actions.Result{}, err
		}
		m.emit("resource_shortage", map[string]any{"missing": missing})
		return actions.Result{Output: "blocked on resource shortage", Data: map[string]any{"missing": missing}}, nil
	}

	if len(plans) == 0 {
		return actions.Result{Output: "no ready tasks to dispatch"}, nil
	}

	m.dispatchBatch(ctx, plans)

	if err := m.transition(ctx, PhaseParallelDispatch, "PARALLEL_DISPATCH"); err != nil {
		return actions.Result{}, err
	}
	return actions.Result{Output: fmt.Sprintf("dispatched %d tasks", len(plans))}, nil
}

type fingerrRequirement struct {
	TaskID       string `json:"taskId"`
	Requirements any    `json:"requirements"`
}

// handleBlockedReview retries dispatch for every blocked task whose
// dependencies are now satisfied and whose requirements the pool can now
// meet; a task that still cannot be dispatched stays blocked without
// failing the action (spec §4.2 "does not fail on a task that cannot be
// dispatched").
func (m *Machine) handleBlockedReview(ctx context.Context, params actions.Params) (actions.Result, error) {
	m.mu.Lock()
	var plans []dispatchPlan
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t.Status != TaskBlocked || !m.depsSatisfiedLocked(t) {
			continue
		}
		reqs := InferRequirements(t.Description, m.deps.CapabilityRules)
		if !m.deps.Pool.CheckResourceRequirements(reqs).Satisfied {
			continue
		}
		plans = append(plans, dispatchPlan{task: t, reqs: reqs})
	}
	alreadyInPhase := m.phase == PhaseBlockedReview
	m.mu.Unlock()

	m.dispatchBatch(ctx, plans)

	if !alreadyInPhase {
		if err := m.transition(ctx, PhaseBlockedReview, "BLOCKED_REVIEW"); err != nil {
			return actions.Result{}, err
		}
	}
	return actions.Result{Output: fmt.Sprintf("retried %d previously blocked tasks", len(plans))}, nil
}

// handleVerify gates completion on task completion rate (spec's Open
// Question decision: an empty deliverables.artifacts list means "no
// artifact check required" -- the gate only considers completion rate,
// which must be >= 0.8). On pass it transitions to completed and returns
// a nil error so the driving loop's CompleteActions match fires; on fail
// it returns a non-nil error so the loop continues without a phase
// change, letting the agent choose FAIL or re-enter planning.
func (m *Machine) handleVerify(ctx context.Context, params actions.Params) (actions.Result, error) {
	m.mu.Lock()
	total := len(m.tasks)
	completed := 0
	var nodes []*TaskNode
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		nodes = append(nodes, t)
		if t.Status == TaskCompleted {
			completed++
		}
	}
	artifacts := append([]string(nil), m.deliverables.Artifacts...)
	m.mu.Unlock()

	var rate float64
	if total > 0 {
		rate = float64(completed) / float64(total)
	}

	artifactsOK := true
	for _, artifact := range artifacts {
		found := false
		for _, t := range nodes {
			if t.Status == TaskCompleted && strings.Contains(strings.ToLower(t.Description), strings.ToLower(artifact)) {
				found = true
				break
			}
		}
		if !found {
			artifactsOK = false
			break
		}
	}

	if artifactsOK && rate >= 0.8 {
		if err := m.transition(ctx, PhaseCompleted, "VERIFY"); err != nil {
			return actions.Result{}, err
		}
		if m.deps.Tracker != nil && m.epicTrackerID != "" {
			_ = m.deps.Tracker.CloseTask(ctx, m.epicTrackerID, fmt.Sprintf("verified at completion rate %.2f", rate))
		}
		m.emit("epic.completed", map[string]any{"success": true, "completionRate": rate})
		return actions.Result{Output: fmt.Sprintf("verified: completion rate %.2f", rate)}, nil
	}
	return actions.Result{}, fingerr.Newf(fingerr.Validation, "orchestrator.VERIFY",
		"verification failed: completion rate %.2f artifactsOk=%v", rate, artifactsOK)
}

// handleComplete requires every task to already be terminal (spec §4.2
// "COMPLETE fails unless every task in the graph is in a terminal
// state").
func (m *Machine) handleComplete(ctx context.Context, params actions.Params) (actions.Result, error) {
	m.mu.Lock()
	allTerminal := true
	for _, t := range m.tasks {
		if t.Status != TaskCompleted && t.Status != TaskFailed {
			allTerminal = false
			break
		}
	}
	phase := m.phase
	m.mu.Unlock()

	if !allTerminal {
		return actions.Result{}, fingerr.Newf(fingerr.Validation, "orchestrator.COMPLETE", "not all tasks are terminal")
	}
	if phase != PhaseCompleted {
		if err := m.transition(ctx, PhaseCompleted, "COMPLETE"); err != nil {
			return actions.Result{}, err
		}
	}
	m.emit("epic.completed", map[string]any{"success": true})
	return actions.Result{Output: "completed"}, nil
}

func (m *Machine) handleFail(ctx context.Context, params actions.Params) (actions.Result, error) {
	reason, _ := params["reason"].(string)
	m.mu.Lock()
	m.lastError = reason
	m.mu.Unlock()

	if err := m.transition(ctx, PhaseFailed, "FAIL"); err != nil {
		return actions.Result{}, err
	}
	if m.deps.Tracker != nil && m.epicTrackerID != "" {
		_ = m.deps.Tracker.BlockTask(ctx, m.epicTrackerID, reason)
	}
	m.emit("epic.completed", map[string]any{"success": false, "reason": reason})
	return actions.Result{Output: "failed: " + reason}, nil
}

// handleStop pauses the machine. A reason mentioning resource shortage
// routes to blocked_review, any other reason to paused (spec §4.2's two
// STOP destinations).
func (m *Machine) handleStop(ctx context.Context, params actions.Params) (actions.Result, error) {
	reason, _ := params["reason"].(string)
	target := PhasePaused
	if strings.Contains(strings.ToLower(reason), "resource") {
		target = PhaseBlockedReview
	}
	if err := m.transition(ctx, target, "STOP"); err != nil {
		return actions.Result{}, err
	}
	return actions.Result{Output: "stopped: " + reason}, nil
}

// handleStart resumes from paused or blocked_review. From blocked_review
// it first re-checks every ready task's requirements and refuses if any
// are still unsatisfied (spec §4.2 "START ... refuses if any are still
// unsatisfied").
func (m *Machine) handleStart(ctx context.Context, params actions.Params) (actions.Result, error) {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()

	if phase != PhasePaused && phase != PhaseBlockedReview {
		return actions.Result{}, fingerr.Newf(fingerr.Validation, "orchestrator.START", "cannot start from phase %q", phase)
	}

	if phase == PhaseBlockedReview {
		m.mu.Lock()
		var unsatisfied []string
		for _, id := range m.taskOrder {
			t := m.tasks[id]
			if t.Status != TaskReady {
				continue
			}
			reqs := InferRequirements(t.Description, m.deps.CapabilityRules)
			if !m.deps.Pool.CheckResourceRequirements(reqs).Satisfied {
				unsatisfied = append(unsatisfied, id)
			}
		}
		m.mu.Unlock()
		if len(unsatisfied) > 0 {
			return actions.Result{}, fingerr.Newf(fingerr.ResourceShortage, "orchestrator.START",
				"tasks still unsatisfied: %v", unsatisfied)
		}
	}

	if err := m.transition(ctx, PhaseParallelDispatch, "START"); err != nil {
		return actions.Result{}, err
	}
	return actions.Result{Output: "resumed dispatch"}, nil
}

func (m *Machine) handleQueryCapabilities(ctx context.Context, params actions.Params) (actions.Result, error) {
	catalog := m.deps.Pool.GetCapabilityCatalog()
	report := m.deps.Pool.GetStatusReport()
	return actions.Result{
		Output: "capabilities queried",
		Data:   map[string]any{"catalog": catalog, "status": report},
	}, nil
}

// handleCheckpoint persists a checkpoint and, on a repeated task_failure
// trigger, escalates to replanning (spec §4.2 "CHECKPOINT ... a repeated
// task_failure trigger escalates to replanning").
func (m *Machine) handleCheckpoint(ctx context.Context, params actions.Params) (actions.Result, error) {
	trigger, _ := params["trigger"].(string)

	m.mu.Lock()
	if trigger == "task_failure" {
		m.errorHistory = append(m.errorHistory, m.lastError)
	}
	repeating := trigger == "task_failure" && len(m.errorHistory) > 1 &&
		m.lastError != "" && m.errorHistory[len(m.errorHistory)-2] == m.lastError
	m.mu.Unlock()

	if _, err := m.writeCheckpoint(ctx, "checkpoint:"+trigger); err != nil {
		return actions.Result{}, err
	}

	if repeating {
		if err := m.transition(ctx, PhaseReplanning, "CHECKPOINT"); err != nil {
			return actions.Result{}, err
		}
		return actions.Result{Output: "escalated to replanning after repeated failure"}, nil
	}
	return actions.Result{Output: "checkpoint written"}, nil
}
