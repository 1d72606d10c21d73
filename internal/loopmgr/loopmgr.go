// Package loopmgr implements the Loop Manager (spec §4.6): owns the
// EpicTaskFlow map and loop cache, drives Loop/LoopNode lifecycle, proxies
// resource allocation/release to the Resource Pool, and triggers context
// compression once both of its token/loop-count triggers hold.
//
// Grounded on the teacher's internal/app/context/manager_compress.go for
// the compression-trigger shape (ratio-against-threshold check, preserve
// recent turns, summarize the rest into a single synthetic entry) and the
// spec's own Loop/LoopNode state machine, which has no direct teacher
// analogue (the teacher compresses message history, not a loop/epic
// graph) — the summarizer concept is adapted, the data model is spec's.
package loopmgr

import (
	"strings"
	"sync"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
	"github.com/Jasonzhangf/finger-sub001/internal/fingerr"
	"github.com/Jasonzhangf/finger-sub001/internal/idutil"
	"github.com/Jasonzhangf/finger-sub001/internal/metrics"
	"github.com/Jasonzhangf/finger-sub001/internal/resources"
	"github.com/Jasonzhangf/finger-sub001/internal/tokencount"
)

// Phase is one of the three loop phases an epic cycles through (spec §3).
type Phase string

const (
	PhasePlan      Phase = "plan"
	PhaseDesign    Phase = "design"
	PhaseExecution Phase = "execution"
)

// LoopStatus is a Loop's lifecycle state.
type LoopStatus string

const (
	LoopQueue   LoopStatus = "queue"
	LoopRunning LoopStatus = "running"
	LoopHistory LoopStatus = "history"
)

// NodeType enumerates LoopNode types (spec §3).
type NodeType string

const (
	NodeUser   NodeType = "user"
	NodeOrch   NodeType = "orch"
	NodeExec   NodeType = "exec"
	NodeTool   NodeType = "tool"
	NodeReview NodeType = "review"
)

// NodeStatus is a LoopNode's lifecycle state.
type NodeStatus string

const (
	NodeWaiting NodeStatus = "waiting"
	NodeRunning NodeStatus = "running"
	NodeDone    NodeStatus = "done"
	NodeFailed  NodeStatus = "failed"
)

func (s NodeStatus) isTerminal() bool { return s == NodeDone || s == NodeFailed }

// LoopNode is one entry in a Loop's append-only node list (spec §3).
type LoopNode struct {
	ID        string         `json:"id"`
	Type      NodeType       `json:"type"`
	Status    NodeStatus     `json:"status"`
	Title     string         `json:"title"`
	Text      string         `json:"text"`
	AgentID   string         `json:"agentId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Loop is a single plan/design/execution cycle (spec §3).
type Loop struct {
	ID           string     `json:"id"`
	EpicID       string     `json:"epicId"`
	Phase        Phase      `json:"phase"`
	Status       LoopStatus `json:"status"`
	Nodes        []LoopNode `json:"nodes"`
	SourceLoopID string     `json:"sourceLoopId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Result       any        `json:"result,omitempty"`
}

// ContextWindow is per-epic token accounting (spec §3).
type ContextWindow struct {
	MaxTokens            int
	UsedTokens           int
	CompressionThreshold float64 // fraction of MaxTokens, e.g. 0.8
	PreservedCycles      int     // most-recent loops kept verbatim
}

// CompressedContext is the outcome of a compression pass (spec §3).
type CompressedContext struct {
	OriginalTokens   int
	CompressedTokens int
	Summary          string
	PreservedCycles  int
	Timestamp        time.Time
}

type pendingInput struct {
	EpicID   string
	NodeID   string
	Question string
	Options  []string
	Context  map[string]any
}

// epicFlow is the internal EpicTaskFlow record (spec §3).
type epicFlow struct {
	planHistory      []*Loop
	designHistory    []*Loop
	executionHistory []*Loop
	queue            []*Loop
	running          *Loop
	window           ContextWindow
	compressed       *CompressedContext
	pendingInputs    map[string]*pendingInput // nodeID -> pending
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Manager owns every epic's loop flow and proxies resource operations to
// pool. Mutations are serialized via mu (spec §5).
type Manager struct {
	mu      sync.Mutex
	bus     *eventbus.Bus
	pool    *resources.Pool
	metrics *metrics.Metrics
	clock   Clock

	epics map[string]*epicFlow
	loops map[string]*Loop // loopID -> loop, for O(1) lookup across epics
}

// Config configures a new Manager.
type Config struct {
	Bus  *eventbus.Bus
	Pool *resources.Pool
	// Metrics records active-loop gauges and completed-loop counters
	// (SPEC_FULL.md's "loop counts" metric). Optional.
	Metrics *metrics.Metrics
	Clock   Clock
}

// New constructs an empty Manager.
func New(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		bus:     cfg.Bus,
		pool:    cfg.Pool,
		metrics: cfg.Metrics,
		clock:   clock,
		epics:   make(map[string]*epicFlow),
		loops:   make(map[string]*Loop),
	}
}

// activeLoopCountLocked counts loops currently in the running status across
// every epic. Callers must hold m.mu.
func (m *Manager) activeLoopCountLocked() int {
	n := 0
	for _, f := range m.epics {
		if f.running != nil {
			n++
		}
	}
	return n
}

// reportActiveLoopsLocked refreshes the active-loops gauge. Callers must
// hold m.mu.
func (m *Manager) reportActiveLoopsLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetLoopsActive(m.activeLoopCountLocked())
}

func (m *Manager) flow(epicID string) *epicFlow {
	f, ok := m.epics[epicID]
	if !ok {
		f = &epicFlow{pendingInputs: make(map[string]*pendingInput)}
		m.epics[epicID] = f
	}
	return f
}

// CreateLoop creates a new Loop in queue status and emits loop.created.
func (m *Manager) CreateLoop(epicID string, phase Phase, sourceLoopID string) *Loop {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.flow(epicID)
	seq := len(f.planHistory) + len(f.designHistory) + len(f.executionHistory) + len(f.queue) + 1
	loop := &Loop{
		ID:           idutil.LoopID(epicID, string(phase), seq),
		EpicID:       epicID,
		Phase:        phase,
		Status:       LoopQueue,
		SourceLoopID: sourceLoopID,
		CreatedAt:    m.clock(),
	}
	f.queue = append(f.queue, loop)
	m.loops[loop.ID] = loop
	m.emit("loop.created", epicID, loop.ID, nil)
	return loop
}

// QueueLoop appends an already-constructed loop to its epic's queue.
func (m *Manager) QueueLoop(loop *Loop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flow(loop.EpicID)
	loop.Status = LoopQueue
	f.queue = append(f.queue, loop)
	m.loops[loop.ID] = loop
	m.emit("loop.queued", loop.EpicID, loop.ID, nil)
}

// StartLoop moves a queued loop to running.
func (m *Manager) StartLoop(loopID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loop, ok := m.loops[loopID]
	if !ok {
		return fingerr.Newf(fingerr.Validation, "loopmgr.StartLoop", "unknown loop %q", loopID)
	}
	f := m.flow(loop.EpicID)
	if f.running != nil && f.running.ID != loopID {
		return fingerr.Newf(fingerr.Validation, "loopmgr.StartLoop", "epic %q already has a running loop", loop.EpicID)
	}
	idx := indexOfLoop(f.queue, loopID)
	if idx < 0 {
		return fingerr.Newf(fingerr.Validation, "loopmgr.StartLoop", "loop %q is not queued", loopID)
	}
	f.queue = append(f.queue[:idx], f.queue[idx+1:]...)
	now := m.clock()
	loop.Status = LoopRunning
	loop.StartedAt = &now
	f.running = loop
	m.reportActiveLoopsLocked()
	m.emit("loop.started", loop.EpicID, loop.ID, nil)
	return nil
}

// CompleteLoop moves a running loop into its phase's history, then checks
// context compression.
func (m *Manager) CompleteLoop(loopID string, result any) error {
	m.mu.Lock()
	loop, ok := m.loops[loopID]
	if !ok {
		m.mu.Unlock()
		return fingerr.Newf(fingerr.Validation, "loopmgr.CompleteLoop", "unknown loop %q", loopID)
	}
	f := m.flow(loop.EpicID)
	if f.running == nil || f.running.ID != loopID {
		m.mu.Unlock()
		return fingerr.Newf(fingerr.Validation, "loopmgr.CompleteLoop", "loop %q is not running", loopID)
	}
	now := m.clock()
	loop.Status = LoopHistory
	loop.CompletedAt = &now
	loop.Result = result
	f.running = nil

	switch loop.Phase {
	case PhasePlan:
		f.planHistory = append(f.planHistory, loop)
	case PhaseDesign:
		f.designHistory = append(f.designHistory, loop)
	default:
		f.executionHistory = append(f.executionHistory, loop)
	}
	epicID, phase := loop.EpicID, loop.Phase
	if m.metrics != nil {
		m.metrics.IncLoopCompleted(string(phase))
	}
	m.reportActiveLoopsLocked()
	m.emit("loop.completed", epicID, loopID, nil)
	m.mu.Unlock()

	m.checkContextCompression(epicID)
	return nil
}

// AddNode appends node to loop's node list with a generated id and
// timestamp.
func (m *Manager) AddNode(loopID string, node LoopNode) (LoopNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loop, ok := m.loops[loopID]
	if !ok {
		return LoopNode{}, fingerr.Newf(fingerr.Validation, "loopmgr.AddNode", "unknown loop %q", loopID)
	}
	seq := len(loop.Nodes) + 1
	node.ID = idutil.NodeID(loopID, seq)
	node.Timestamp = m.clock()
	loop.Nodes = append(loop.Nodes, node)
	m.emit("loop.node.updated", loop.EpicID, loopID, map[string]any{"nodeId": node.ID})
	return node, nil
}

// UpdateNodeStatus updates a node's status in place, emitting
// loop.node.updated and, for terminal statuses, loop.node.completed.
func (m *Manager) UpdateNodeStatus(loopID, nodeID string, status NodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loop, ok := m.loops[loopID]
	if !ok {
		return fingerr.Newf(fingerr.Validation, "loopmgr.UpdateNodeStatus", "unknown loop %q", loopID)
	}
	for i := range loop.Nodes {
		if loop.Nodes[i].ID != nodeID {
			continue
		}
		loop.Nodes[i].Status = status
		m.emit("loop.node.updated", loop.EpicID, loopID, map[string]any{"nodeId": nodeID})
		if status.isTerminal() {
			m.emit("loop.node.completed", loop.EpicID, loopID, map[string]any{"nodeId": nodeID})
		}
		return nil
	}
	return fingerr.Newf(fingerr.Validation, "loopmgr.UpdateNodeStatus", "unknown node %q in loop %q", nodeID, loopID)
}

// RequestUserInput creates a waiting user-type node, registers a pending
// input, and emits epic.user_input_required.
func (m *Manager) RequestUserInput(epicID, question string, options []string, ctx map[string]any) (LoopNode, error) {
	m.mu.Lock()
	f := m.flow(epicID)
	loop := f.running
	if loop == nil {
		m.mu.Unlock()
		return LoopNode{}, fingerr.Newf(fingerr.Validation, "loopmgr.RequestUserInput", "epic %q has no running loop", epicID)
	}
	m.mu.Unlock()

	node, err := m.AddNode(loop.ID, LoopNode{Type: NodeUser, Status: NodeWaiting, Title: "user input requested", Text: question})
	if err != nil {
		return LoopNode{}, err
	}

	m.mu.Lock()
	f.pendingInputs[node.ID] = &pendingInput{EpicID: epicID, NodeID: node.ID, Question: question, Options: options, Context: ctx}
	m.mu.Unlock()

	m.emit("epic.user_input_required", epicID, loop.ID, map[string]any{"nodeId": node.ID, "question": question})
	return node, nil
}

// ReceiveUserInput marks the awaiting node done and clears the pending
// entry.
func (m *Manager) ReceiveUserInput(epicID, response string) error {
	m.mu.Lock()
	f := m.flow(epicID)
	var pending *pendingInput
	for _, p := range f.pendingInputs {
		pending = p
		break
	}
	if pending == nil {
		m.mu.Unlock()
		return fingerr.Newf(fingerr.Validation, "loopmgr.ReceiveUserInput", "epic %q has no pending input", epicID)
	}
	loop := f.running
	delete(f.pendingInputs, pending.NodeID)
	m.mu.Unlock()

	if loop == nil {
		return fingerr.Newf(fingerr.Validation, "loopmgr.ReceiveUserInput", "epic %q has no running loop", epicID)
	}
	return m.UpdateNodeStatus(loop.ID, pending.NodeID, NodeDone)
}

// ConfigureContextWindow sets the token budget/compression parameters for
// an epic.
func (m *Manager) ConfigureContextWindow(epicID string, window ContextWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow(epicID).window = window
}

// checkContextCompression evaluates the two triggers from spec §4.6 and
// invokes compressContext if both hold.
func (m *Manager) checkContextCompression(epicID string) {
	m.mu.Lock()
	f := m.flow(epicID)
	window := f.window
	historical := allHistory(f)
	m.mu.Unlock()

	if window.PreservedCycles <= 0 || len(historical) <= window.PreservedCycles {
		return
	}
	used := tokencount.CountAll(extractTexts(historical))
	if window.MaxTokens <= 0 || float64(used) <= float64(window.MaxTokens)*window.CompressionThreshold {
		return
	}
	m.compressContext(epicID)
}

// compressContext partitions historical loops into preservedCycles
// most-recent (kept verbatim) and older loops (replaced by a textual
// summary extracted from orchestrator nodes carrying a "decision"
// metadata field). Compression is advisory: preserved loops remain
// materialized; only token accounting changes.
func (m *Manager) compressContext(epicID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flow(epicID)
	historical := allHistory(f)
	if len(historical) <= f.window.PreservedCycles {
		return
	}
	cut := len(historical) - f.window.PreservedCycles
	older := historical[:cut]

	original := tokencount.CountAll(extractTexts(historical))
	summary := summarizeDecisions(older)
	compressedTokens := tokencount.Count(summary) + tokencount.CountAll(extractTexts(historical[cut:]))

	f.compressed = &CompressedContext{
		OriginalTokens:   original,
		CompressedTokens: compressedTokens,
		Summary:          summary,
		PreservedCycles:  f.window.PreservedCycles,
		Timestamp:        m.clock(),
	}
	f.window.UsedTokens = compressedTokens
	m.emit("context.compressed", epicID, "", map[string]any{"summary": summary, "compressedTokens": compressedTokens})
}

func summarizeDecisions(loops []*Loop) string {
	var decisions []string
	for _, loop := range loops {
		for _, node := range loop.Nodes {
			if node.Type != NodeOrch || node.Metadata == nil {
				continue
			}
			if d, ok := node.Metadata["decision"]; ok {
				if s, ok := d.(string); ok && s != "" {
					decisions = append(decisions, s)
				}
			}
		}
	}
	return strings.Join(decisions, "; ")
}

func allHistory(f *epicFlow) []*Loop {
	out := make([]*Loop, 0, len(f.planHistory)+len(f.designHistory)+len(f.executionHistory))
	out = append(out, f.planHistory...)
	out = append(out, f.designHistory...)
	out = append(out, f.executionHistory...)
	return out
}

func extractTexts(loops []*Loop) []string {
	var texts []string
	for _, loop := range loops {
		for _, n := range loop.Nodes {
			texts = append(texts, n.Text)
		}
	}
	return texts
}

func indexOfLoop(loops []*Loop, id string) int {
	for i, l := range loops {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// AllocateResources proxies to the Resource Pool; the pool itself emits
// resource.allocated on success.
func (m *Manager) AllocateResources(taskID string, reqs []resources.Requirement) resources.AllocateResult {
	return m.pool.AllocateResources(taskID, reqs)
}

// ReleaseResources proxies to the Resource Pool; the pool itself emits
// resource.released.
func (m *Manager) ReleaseResources(taskID, reason string) error {
	return m.pool.ReleaseResources(taskID, reason)
}

func (m *Manager) emit(eventType, epicID, loopID string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventbus.Event{
		Type:    eventType,
		EpicID:  epicID,
		LoopID:  loopID,
		Payload: payload,
	})
}
