// Package resources implements the capability-based Resource Pool (spec
// §4.5): a file-backed catalog of Resources and live Allocations with a
// deterministic matching algorithm and atomic persistence.
//
// Grounded on the teacher's internal/infra/filestore atomic-write helper
// (now internal/fileutil) for persistence, and on
// internal/domain/task/store.go for the status/terminal split and
// functional mutation shape, narrowed to the spec's own Resource/Allocation
// model.
package resources

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Jasonzhangf/finger-sub001/internal/eventbus"
	"github.com/Jasonzhangf/finger-sub001/internal/fileutil"
	"github.com/Jasonzhangf/finger-sub001/internal/fingerr"
	"github.com/Jasonzhangf/finger-sub001/internal/idutil"
	"github.com/Jasonzhangf/finger-sub001/internal/metrics"
)

// Type enumerates the resource types recognized by spec §3.
type Type string

const (
	TypeOrchestrator Type = "orchestrator"
	TypeExecutor     Type = "executor"
	TypeReviewer     Type = "reviewer"
	TypeTool         Type = "tool"
	TypeAPI          Type = "api"
	TypeDatabase     Type = "database"
)

// Status is a Resource's lifecycle state.
type Status string

const (
	StatusAvailable Status = "available"
	StatusDeployed  Status = "deployed"
	StatusBusy      Status = "busy"
	StatusBlocked   Status = "blocked"
	StatusError     Status = "error"
	StatusReleased  Status = "released"
)

// Capability is a named skill with an integer level 1-10.
type Capability struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Resource is a single entry in the pool (spec §3 "Resource").
type Resource struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         Type         `json:"type"`
	Capabilities []Capability `json:"capabilities"`
	Status       Status       `json:"status"`

	CurrentTaskID     string `json:"currentTaskId,omitempty"`
	CurrentSessionID  string `json:"currentSessionId,omitempty"`
	CurrentWorkflowID string `json:"currentWorkflowId,omitempty"`

	DeploymentCount int `json:"deploymentCount"`
	FailureCount    int `json:"failureCount"`
}

func (r Resource) hasCapability(name string, minLevel int) bool {
	for _, c := range r.Capabilities {
		if c.Name == name {
			return c.Level >= minLevel
		}
	}
	return false
}

// AllocationStatus is the lifecycle state of an Allocation.
type AllocationStatus string

const (
	AllocationPending   AllocationStatus = "pending"
	AllocationAllocated AllocationStatus = "allocated"
	AllocationExecuting AllocationStatus = "executing"
	AllocationCompleted AllocationStatus = "completed"
	AllocationBlocked   AllocationStatus = "blocked"
	AllocationFailed    AllocationStatus = "failed"
)

func (s AllocationStatus) isTerminal() bool {
	switch s {
	case AllocationCompleted, AllocationBlocked, AllocationFailed:
		return true
	default:
		return false
	}
}

// Allocation maps a task to the resources claimed for it (spec §3).
type Allocation struct {
	TaskID       string           `json:"taskId"`
	ResourceIDs  []string         `json:"resourceIds"`
	Status       AllocationStatus `json:"status"`
	AllocatedAt  time.Time        `json:"allocatedAt"`
	ReleasedAt   *time.Time       `json:"releasedAt,omitempty"`
	BlockReason  string           `json:"blockReason,omitempty"`
}

// Requirement describes one resource need for a task dispatch.
type Requirement struct {
	Type         Type     `json:"type"`
	MinLevel     int      `json:"minLevel,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Optional     bool     `json:"optional,omitempty"`
}

// CheckResult is the outcome of checkResourceRequirements.
type CheckResult struct {
	Satisfied          bool
	MissingResources    []Requirement
	AvailableResources []Resource
}

// AllocateResult is the outcome of AllocateResources.
type AllocateResult struct {
	Success            bool
	AllocatedResources []Resource
	Error              string
	MissingResources   []Requirement
}

// StatusReport summarizes the pool for diagnostics/QUERY_CAPABILITIES.
type StatusReport struct {
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"byStatus"`
	ByType    map[Type]int   `json:"byType"`
}

// snapshot is the on-disk pool document.
type snapshot struct {
	Resources   []Resource   `json:"resources"`
	Allocations []Allocation `json:"allocations"`
}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// Pool is the file-backed Resource Pool. All mutations go through mu, per
// spec §5 ("Mailbox, Session Manager, Resource Pool, Loop Manager, Event
// Bus: mutations are serialized per component").
type Pool struct {
	mu          sync.Mutex
	path        string
	bus         *eventbus.Bus
	metrics     *metrics.Metrics
	clock       Clock
	resources   []Resource // persisted order is the tie-break order (spec §4.5 step 5)
	allocations map[string]*Allocation
}

// Config configures a new Pool.
type Config struct {
	Path  string // JSON file path; empty disables persistence (in-memory only)
	Bus   *eventbus.Bus
	// Metrics records resource counts by status/type on every mutation
	// (SPEC_FULL.md's "resource pool utilization" metric). Optional.
	Metrics *metrics.Metrics
	Clock   Clock
}

// New constructs a Pool, loading any existing snapshot at cfg.Path.
func New(cfg Config) (*Pool, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	p := &Pool{
		path:        cfg.Path,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		clock:       clock,
		allocations: make(map[string]*Allocation),
	}
	if cfg.Path == "" {
		return p, nil
	}
	data, err := fileutil.ReadFileOrEmpty(cfg.Path)
	if err != nil {
		return nil, fingerr.New(fingerr.Fatal, "resources.New", err)
	}
	if len(data) == 0 {
		return p, nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fingerr.New(fingerr.Fatal, "resources.New", err)
	}
	p.resources = snap.Resources
	for i := range snap.Allocations {
		a := snap.Allocations[i]
		p.allocations[a.TaskID] = &a
	}
	return p, nil
}

// AddResource registers a new resource. Fails if id already exists.
func (p *Pool) AddResource(r Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.ID == "" {
		r.ID = idutil.NewResourceID()
	}
	for _, existing := range p.resources {
		if existing.ID == r.ID {
			return fingerr.Newf(fingerr.Validation, "resources.AddResource", "resource %q already exists", r.ID)
		}
	}
	if r.Status == "" {
		r.Status = StatusAvailable
	}
	p.resources = append(p.resources, r)
	return p.persistLocked()
}

// RemoveResource removes a resource, only if it is currently available
// (spec §4.5 "removeResource (only if available)").
func (p *Pool) RemoveResource(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.resources {
		if r.ID != id {
			continue
		}
		if r.Status != StatusAvailable {
			return fingerr.Newf(fingerr.Validation, "resources.RemoveResource", "resource %q is not available (status=%s)", id, r.Status)
		}
		p.resources = append(p.resources[:i], p.resources[i+1:]...)
		return p.persistLocked()
	}
	return fingerr.Newf(fingerr.Validation, "resources.RemoveResource", "unknown resource %q", id)
}

// CheckResourceRequirements computes per-requirement matches without
// mutating state.
func (p *Pool) CheckResourceRequirements(reqs []Requirement) CheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkLocked(reqs, nil)
}

// checkLocked evaluates reqs against currently-available resources, skipping
// any resource id already chosen in this same allocation pass (exclude).
func (p *Pool) checkLocked(reqs []Requirement, exclude map[string]bool) CheckResult {
	result := CheckResult{Satisfied: true}
	for _, req := range reqs {
		match, ok := p.findMatchLocked(req, exclude)
		if ok {
			result.AvailableResources = append(result.AvailableResources, match)
			continue
		}
		if !req.Optional {
			result.Satisfied = false
			result.MissingResources = append(result.MissingResources, req)
		}
	}
	return result
}

// findMatchLocked implements the matching algorithm of spec §4.5:
// filter by status+type, reject below minLevel, require all named
// capabilities, dedupe against exclude, choose first remaining in
// persisted (insertion) order.
func (p *Pool) findMatchLocked(req Requirement, exclude map[string]bool) (Resource, bool) {
	for _, r := range p.resources {
		if r.Status != StatusAvailable || r.Type != req.Type {
			continue
		}
		if exclude != nil && exclude[r.ID] {
			continue
		}
		if req.MinLevel > 0 {
			levelOK := true
			for _, c := range r.Capabilities {
				if c.Level < req.MinLevel {
					levelOK = false
					break
				}
			}
			if !levelOK {
				continue
			}
		}
		hasAll := true
		for _, name := range req.Capabilities {
			if !r.hasCapability(name, 0) {
				hasAll = false
				break
			}
		}
		if !hasAll {
			continue
		}
		return r, true
	}
	return Resource{}, false
}

// AllocateResources allocates one resource per requirement atomically: all
// claimed or none (spec §5 "Resource Pool: allocations are atomic"). A task
// with an existing live allocation returns it idempotently.
func (p *Pool) AllocateResources(taskID string, reqs []Requirement) AllocateResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.allocations[taskID]; ok && !existing.Status.isTerminal() {
		return AllocateResult{Success: true, AllocatedResources: p.resolveLocked(existing.ResourceIDs)}
	}

	exclude := make(map[string]bool)
	chosen := make([]Resource, 0, len(reqs))
	var missing []Requirement
	for _, req := range reqs {
		match, ok := p.findMatchLocked(req, exclude)
		if !ok {
			if req.Optional {
				continue
			}
			missing = append(missing, req)
			continue
		}
		exclude[match.ID] = true
		chosen = append(chosen, match)
	}
	if len(missing) > 0 {
		return AllocateResult{Success: false, Error: "missing required resources", MissingResources: missing}
	}

	now := p.clock()
	ids := make([]string, 0, len(chosen))
	for _, c := range chosen {
		p.setResourceStatusLocked(c.ID, StatusDeployed)
		p.incrementDeploymentLocked(c.ID)
		ids = append(ids, c.ID)
	}
	p.allocations[taskID] = &Allocation{
		TaskID:      taskID,
		ResourceIDs: ids,
		Status:      AllocationAllocated,
		AllocatedAt: now,
	}
	if err := p.persistLocked(); err != nil {
		return AllocateResult{Success: false, Error: err.Error()}
	}
	p.emit("resource.allocated", taskID, ids)
	return AllocateResult{Success: true, AllocatedResources: chosen}
}

// MarkTaskExecuting moves an allocation and its resources to the executing
// state.
func (p *Pool) MarkTaskExecuting(taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	alloc, ok := p.allocations[taskID]
	if !ok {
		return fingerr.Newf(fingerr.Validation, "resources.MarkTaskExecuting", "no allocation for task %q", taskID)
	}
	alloc.Status = AllocationExecuting
	for _, id := range alloc.ResourceIDs {
		p.setResourceStatusLocked(id, StatusBusy)
	}
	return p.persistLocked()
}

// ReleaseResources marks the allocation terminal and returns its resources
// to available; on reason "error" it increments each resource's failure
// counter.
func (p *Pool) ReleaseResources(taskID string, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	alloc, ok := p.allocations[taskID]
	if !ok {
		return fingerr.Newf(fingerr.Validation, "resources.ReleaseResources", "no allocation for task %q", taskID)
	}

	switch reason {
	case "completed":
		alloc.Status = AllocationCompleted
	case "error":
		alloc.Status = AllocationFailed
	default:
		alloc.Status = AllocationBlocked
		alloc.BlockReason = reason
	}
	now := p.clock()
	alloc.ReleasedAt = &now

	for _, id := range alloc.ResourceIDs {
		p.setResourceStatusLocked(id, StatusAvailable)
		p.clearAssignmentLocked(id)
		if reason == "error" {
			p.incrementFailureLocked(id)
		}
	}
	if err := p.persistLocked(); err != nil {
		return err
	}
	p.emit("resource.released", taskID, alloc.ResourceIDs)
	return nil
}

// GetCapabilityCatalog aggregates capabilities across every non-error
// resource (spec §4.5 invariant b).
func (p *Pool) GetCapabilityCatalog() []Capability {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]int)
	var names []string
	for _, r := range p.resources {
		if r.Status == StatusError {
			continue
		}
		for _, c := range r.Capabilities {
			if existing, ok := seen[c.Name]; !ok || c.Level > existing {
				if !ok {
					names = append(names, c.Name)
				}
				seen[c.Name] = c.Level
			}
		}
	}
	sort.Strings(names)
	out := make([]Capability, 0, len(names))
	for _, n := range names {
		out = append(out, Capability{Name: n, Level: seen[n]})
	}
	return out
}

// GetResourcesByCapability returns non-error resources holding name at or
// above minLevel.
func (p *Pool) GetResourcesByCapability(name string, minLevel int) []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Resource
	for _, r := range p.resources {
		if r.Status == StatusError {
			continue
		}
		if r.hasCapability(name, minLevel) {
			out = append(out, r)
		}
	}
	return out
}

// GetStatusReport summarizes pool counts for diagnostics.
func (p *Pool) GetStatusReport() StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	report := StatusReport{
		Total:    len(p.resources),
		ByStatus: make(map[Status]int),
		ByType:   make(map[Type]int),
	}
	for _, r := range p.resources {
		report.ByStatus[r.Status]++
		report.ByType[r.Type]++
	}
	return report
}

func (p *Pool) resolveLocked(ids []string) []Resource {
	out := make([]Resource, 0, len(ids))
	for _, id := range ids {
		for _, r := range p.resources {
			if r.ID == id {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func (p *Pool) setResourceStatusLocked(id string, status Status) {
	for i := range p.resources {
		if p.resources[i].ID == id {
			p.resources[i].Status = status
			return
		}
	}
}

func (p *Pool) clearAssignmentLocked(id string) {
	for i := range p.resources {
		if p.resources[i].ID == id {
			p.resources[i].CurrentTaskID = ""
			p.resources[i].CurrentSessionID = ""
			p.resources[i].CurrentWorkflowID = ""
			return
		}
	}
}

func (p *Pool) incrementDeploymentLocked(id string) {
	for i := range p.resources {
		if p.resources[i].ID == id {
			p.resources[i].DeploymentCount++
			return
		}
	}
}

func (p *Pool) incrementFailureLocked(id string) {
	for i := range p.resources {
		if p.resources[i].ID == id {
			p.resources[i].FailureCount++
			return
		}
	}
}

// reportMetricsLocked refreshes the resources-by-status/type gauges. Called
// after every mutation regardless of whether persistence is enabled, so the
// metrics surface stays live even for an in-memory-only pool.
func (p *Pool) reportMetricsLocked() {
	if p.metrics == nil {
		return
	}
	byStatus := make(map[string]int, len(p.resources))
	byType := make(map[string]int, len(p.resources))
	for _, r := range p.resources {
		byStatus[string(r.Status)]++
		byType[string(r.Type)]++
	}
	p.metrics.SetResourceCounts(byStatus, byType)
}

func (p *Pool) persistLocked() error {
	p.reportMetricsLocked()
	if p.path == "" {
		return nil
	}
	allocs := make([]Allocation, 0, len(p.allocations))
	for _, a := range p.allocations {
		allocs = append(allocs, *a)
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].TaskID < allocs[j].TaskID })
	data, err := fileutil.MarshalJSONIndent(snapshot{Resources: p.resources, Allocations: allocs})
	if err != nil {
		return fingerr.New(fingerr.Fatal, "resources.persist", err)
	}
	if err := fileutil.AtomicWrite(p.path, data, 0o644); err != nil {
		return fingerr.New(fingerr.Fatal, "resources.persist", err)
	}
	return nil
}

func (p *Pool) emit(eventType, taskID string, resourceIDs []string) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(eventbus.Event{
		Type:    eventType,
		TaskID:  taskID,
		Payload: map[string]any{"resourceIds": resourceIDs},
	})
}
