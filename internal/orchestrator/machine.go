// Package orchestrator implements the Orchestrator Phase Machine (spec
// §4.2): a fixed phase sequence (understanding -> high_design ->
// detail_design -> deliverables -> plan -> parallel_dispatch ->
// blocked_review -> verify -> completed/failed/replanning/paused) driven
// round-by-round by a ReAct Loop whose action names correspond 1:1 to the
// phase machine's named transitions. Every transition writes a Checkpoint
// and emits an epic.phase_transition event before returning control to the
// driving loop.
//
// Grounded on the teacher's internal/app/agent/coordinator/coordinator.go
// for the "own a mutex-guarded struct, expose it as an actions-style
// registry to a driving loop" shape, narrowed to the spec's own fixed
// phase set (the teacher's coordinator dispatches open-ended workflow
// tools; this machine's action set is the closed one spec §4.2 names).
// The task-graph readiness/dependency logic has no direct teacher
// analogue and is built from spec §3's TaskNode invariants directly.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Jasonzhangf/finger-sub001/internal/actions"
	"github.com/Jasonzhangf/finger-sub001/internal/checkpoint"
	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
	"github.com/Jasonzhangf/finger-sub001/internal/loopmgr"
	"github.com/Jasonzhangf/finger-sub001/internal/logging"
	"github.com/Jasonzhangf/finger-sub001/internal/metrics"
	"github.com/Jasonzhangf/finger-sub001/internal/react"
	"github.com/Jasonzhangf/finger-sub001/internal/resources"
	"github.com/Jasonzhangf/finger-sub001/internal/tracker"
	"github.com/Jasonzhangf/finger-sub001/internal/tracing"
)

// Phase is one state of the fixed phase sequence (spec §4.2 "States").
type Phase string

const (
	PhaseUnderstanding    Phase = "understanding"
	PhaseHighDesign       Phase = "high_design"
	PhaseDetailDesign     Phase = "detail_design"
	PhaseDeliverables     Phase = "deliverables"
	PhasePlan             Phase = "plan"
	PhaseParallelDispatch Phase = "parallel_dispatch"
	PhaseBlockedReview    Phase = "blocked_review"
	PhaseVerify           Phase = "verify"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
	PhaseReplanning       Phase = "replanning"
	PhasePaused           Phase = "paused"
)

func (p Phase) isTerminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// TaskStatus is a TaskNode's lifecycle state (spec §3 "TaskNode").
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskBlocked    TaskStatus = "blocked"
)

// TaskResult is a TaskNode's last dispatch outcome (spec §3).
type TaskResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskNode is one entry in the task graph (spec §3). Dependencies name
// other TaskNode identities that must reach TaskCompleted before this
// node becomes TaskReady.
type TaskNode struct {
	ID           string      `json:"id"`
	Description  string      `json:"description"`
	Status       TaskStatus  `json:"status"`
	Assignee     string      `json:"assignee,omitempty"`
	TrackerID    string      `json:"trackerId,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Result       *TaskResult `json:"result,omitempty"`
}

// Deliverables is the declared artifact set recorded by the DELIVERABLES
// phase action (spec §4.2).
type Deliverables struct {
	Artifacts []string `json:"artifacts,omitempty"`
}

// Dispatcher executes one dispatched TaskNode against an allocated
// resource and returns its observation/verdict. The executor package
// supplies the production implementation (an Executor Loop wired to a
// kernel-backed Agent); tests supply a fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, task TaskNode, resourceID string) (TaskResult, error)
}

// Dependencies wires a Machine to the components it is grounded on (spec
// §2's "dependency order").
type Dependencies struct {
	Pool            *resources.Pool
	LoopMgr         *loopmgr.Manager
	Bus             *eventbus.Bus
	Tracker         tracker.Tracker
	Checkpoints     *checkpoint.Store
	Dispatcher      Dispatcher
	CapabilityRules []CapabilityRule
	Clock           func() time.Time
	Logger          logging.Logger
	// Metrics records phase-transition counters (SPEC_FULL.md's metrics
	// surface). Optional.
	Metrics *metrics.Metrics
}

// Machine drives one epic through the phase sequence. Mutations are
// serialized via mu (spec §5 "Orchestrator: drives at most one ReAct Loop
// at a time per epic").
type Machine struct {
	deps Dependencies

	mu            sync.Mutex
	sessionID     string
	epicID        string
	epicTrackerID string
	userTask      string
	phase         Phase

	tasks     map[string]*TaskNode
	taskOrder []string

	highDesign   string
	detailDesign string
	deliverables Deliverables

	phaseHistory []checkpoint.PhaseHistoryEntry
	errorHistory []string
	lastError    string

	checkpoints int
}

// New constructs a Machine for (sessionID, epicID), resuming from the most
// recent checkpoint if one exists (spec §4.2 "Resume"), otherwise starting
// fresh at understanding.
func New(ctx context.Context, deps Dependencies, sessionID, epicID, userTask string) (*Machine, error) {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	deps.Logger = logging.OrNop(deps.Logger)
	if deps.CapabilityRules == nil {
		deps.CapabilityRules = DefaultCapabilityRules()
	}

	m := &Machine{
		deps:      deps,
		sessionID: sessionID,
		epicID:    epicID,
		userTask:  userTask,
		phase:     PhaseUnderstanding,
		tasks:     make(map[string]*TaskNode),
	}

	if deps.Checkpoints == nil {
		return m, nil
	}
	cp, err := deps.Checkpoints.FindLatestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return m, nil
	}
	m.phase = Phase(checkpoint.DetermineResumePhase(cp))
	m.restoreFromCheckpoint(cp)
	return m, nil
}

// Phase returns the machine's current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Tasks returns a snapshot of the task graph in plan order.
func (m *Machine) Tasks() []TaskNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskNode, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		out = append(out, *m.tasks[id])
	}
	return out
}

// ActionRegistry builds the Action Registry consumed by the driving ReAct
// Loop (spec §4.2's action set, one handler per named transition).
func (m *Machine) ActionRegistry() *actions.Registry {
	reg := actions.New()
	entries := []struct {
		name string
		h    actions.Handler
	}{
		{"HIGH_DESIGN", m.handleHighDesign},
		{"DETAIL_DESIGN", m.handleDetailDesign},
		{"DELIVERABLES", m.handleDeliverables},
		{"PLAN", m.handlePlan},
		{"PARALLEL_DISPATCH", m.handleParallelDispatch},
		{"BLOCKED_REVIEW", m.handleBlockedReview},
		{"VERIFY", m.handleVerify},
		{"COMPLETE", m.handleComplete},
		{"FAIL", m.handleFail},
		{"STOP", m.handleStop},
		{"START", m.handleStart},
		{"QUERY_CAPABILITIES", m.handleQueryCapabilities},
		{"CHECKPOINT", m.handleCheckpoint},
	}
	for _, e := range entries {
		_ = reg.Register(actions.Action{Name: e.name, Handler: e.h})
	}
	return reg
}

// ReactTuning bounds the driving ReAct Loop (spec §4.1 stop conditions).
type ReactTuning struct {
	MaxRounds            int
	OnStuck              int
	OnConvergence        bool
	MaxRejections        int
	FormatFixRetries     int
	FreshSessionPerRound bool
}

// Drive wraps the machine's ActionRegistry in a react.Loop and runs it
// against the epic's user task until a stop condition fires. "COMPLETE"
// and "VERIFY" are both configured as complete-actions: VERIFY only
// returns a nil error (satisfying react's execErr==nil gate) once
// verification has actually passed and already transitioned the phase to
// completed (see handleVerify), so a failed verification never
// accidentally stops the loop.
func (m *Machine) Drive(ctx context.Context, agent react.Agent, reviewer react.Reviewer, tuning ReactTuning) (react.Result, error) {
	loop := react.New(react.Config{
		Agent:                agent,
		Registry:             m.ActionRegistry(),
		Reviewer:             reviewer,
		FreshSessionPerRound: tuning.FreshSessionPerRound,
		StopConditions: react.StopConditions{
			CompleteActions: []string{"COMPLETE", "VERIFY"},
			FailActions:     []string{"FAIL"},
			MaxRounds:       tuning.MaxRounds,
			OnConvergence:   tuning.OnConvergence,
			OnStuck:         tuning.OnStuck,
			MaxRejections:   tuning.MaxRejections,
		},
		FormatFix: react.FormatFix{
			MaxRetries: tuning.FormatFixRetries,
			Schema:     `{"thought":string,"action":string,"params":object}`,
		},
		AgentID: m.epicID,
		Logger:  m.deps.Logger,
	})
	return loop.Run(ctx, m.userTask)
}

// transition mutates the phase, writes a checkpoint, and emits
// epic.phase_transition (spec §4.2 "Each transition ... Writes a
// checkpoint ... and emits a phase_transition event").
func (m *Machine) transition(ctx context.Context, to Phase, trigger string) error {
	m.mu.Lock()
	from := m.phase
	m.phase = to
	m.phaseHistory = append(m.phaseHistory, checkpoint.PhaseHistoryEntry{
		From: string(from), To: string(to), TriggerAction: trigger, Timestamp: m.deps.Clock(),
	})
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.IncPhaseTransition(string(to))
	}

	_, span := tracing.StartSpan(ctx, tracing.ScopeOrchestrator, tracing.SpanPhaseTransition,
		attribute.String(tracing.AttrSessionID, m.sessionID),
		attribute.String(tracing.AttrEpicID, m.epicID),
		attribute.String(tracing.AttrFromPhase, string(from)),
		attribute.String(tracing.AttrToPhase, string(to)),
	)

	cp, err := m.writeCheckpoint(ctx, fmt.Sprintf("%s -> %s via %s", from, to, trigger))
	tracing.MarkResult(span, err)
	span.End()

	checkpointID := ""
	if cp != nil {
		checkpointID = cp.ID
	}
	m.emit("epic.phase_transition", map[string]any{
		"from": string(from), "to": string(to), "triggerAction": trigger, "checkpointId": checkpointID,
	})
	return err
}

func (m *Machine) writeCheckpoint(ctx context.Context, _reason string) (*checkpoint.Checkpoint, error) {
	if m.deps.Checkpoints == nil {
		return nil, nil
	}
	m.mu.Lock()
	progress := make([]checkpoint.TaskProgress, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		progress = append(progress, checkpoint.TaskProgress{TaskID: t.ID, Status: string(t.Status)})
	}
	ctxSnapshot := m.snapshotContextLocked()
	phaseHistory := append([]checkpoint.PhaseHistoryEntry(nil), m.phaseHistory...)
	sessionID, userTask, phase := m.sessionID, m.userTask, m.phase
	m.mu.Unlock()

	cp, err := m.deps.Checkpoints.CreateCheckpoint(ctx, sessionID, userTask, string(phase), progress, nil, ctxSnapshot, phaseHistory)
	if err != nil {
		return nil, err
	}
	m.checkpoints++
	return cp, nil
}

// snapshotContextLocked builds the free-form Checkpoint.Context (spec §3
// "free-form context snapshot (including high_design, detail_design,
// deliverables artifacts)"). Callers must hold m.mu.
func (m *Machine) snapshotContextLocked() map[string]any {
	nodes := make([]TaskNode, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		nodes = append(nodes, *m.tasks[id])
	}
	return map[string]any{
		"taskGraph":     nodes,
		"highDesign":    m.highDesign,
		"detailDesign":  m.detailDesign,
		"deliverables":  m.deliverables,
		"errorHistory":  append([]string(nil), m.errorHistory...),
		"epicTrackerId": m.epicTrackerID,
	}
}

func (m *Machine) restoreFromCheckpoint(cp *checkpoint.Checkpoint) {
	m.phaseHistory = append([]checkpoint.PhaseHistoryEntry(nil), cp.PhaseHistory...)
	if cp.Context == nil {
		return
	}
	if raw, ok := cp.Context["taskGraph"]; ok {
		if nodes, err := decodeTaskNodes(raw); err == nil {
			m.tasks = make(map[string]*TaskNode, len(nodes))
			m.taskOrder = nil
			for i := range nodes {
				n := nodes[i]
				m.tasks[n.ID] = &n
				m.taskOrder = append(m.taskOrder, n.ID)
			}
		}
	}
	if v, ok := cp.Context["highDesign"].(string); ok {
		m.highDesign = v
	}
	if v, ok := cp.Context["detailDesign"].(string); ok {
		m.detailDesign = v
	}
	if v, ok := cp.Context["epicTrackerId"].(string); ok {
		m.epicTrackerID = v
	}
	if raw, ok := cp.Context["deliverables"]; ok {
		var d Deliverables
		if data, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(data, &d)
		}
		m.deliverables = d
	}
	if raw, ok := cp.Context["errorHistory"]; ok {
		if items, err := toStringSliceErr(raw); err == nil {
			m.errorHistory = items
		}
	}
}

func decodeTaskNodes(raw any) ([]TaskNode, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []TaskNode
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Machine) emit(eventType string, payload map[string]any) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Emit(eventbus.Event{Type: eventType, EpicID: m.epicID, SessionID: m.sessionID, Payload: payload})
}

// ensureEpicTracked lazily creates the epic-level tracker task the first
// time a tracker-sync path needs one.
func (m *Machine) ensureEpicTracked(ctx context.Context) {
	if m.deps.Tracker == nil {
		return
	}
	m.mu.Lock()
	if m.epicTrackerID != "" {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	id, err := m.deps.Tracker.CreateTask(ctx, m.epicID, m.userTask, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.epicTrackerID = id
	m.mu.Unlock()
}

func (m *Machine) depsSatisfiedLocked(t *TaskNode) bool {
	for _, dep := range t.Dependencies {
		d, ok := m.tasks[dep]
		if !ok || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// refreshReadiness promotes pending/blocked tasks whose dependencies are
// now all completed (spec §8 invariant: "every dependency identity
// resolves to a task in status completed").
func (m *Machine) refreshReadiness() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t.Status != TaskBlocked && t.Status != TaskPending {
			continue
		}
		if m.depsSatisfiedLocked(t) {
			t.Status = TaskReady
		}
	}
}

func toStringSlice(v any) []string {
	switch typed := v.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toStringSliceErr(v any) ([]string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
