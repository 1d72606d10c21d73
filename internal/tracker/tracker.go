// Package tracker defines the client interface the core consumes from the
// external "bd" task-tracker (spec §1: out of scope, only a small
// imperative API is consumed) plus an in-process implementation used when
// no external tracker binary is configured.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Tracker is the imperative API the core drives against "bd": creating
// child tasks under an epic, closing/blocking them, and appending
// free-form comments. Every call may suspend on network/disk I/O (spec
// §5's suspension points).
type Tracker interface {
	CreateTask(ctx context.Context, epicID, description string, deps []string) (taskID string, err error)
	CloseTask(ctx context.Context, taskID, result string) error
	BlockTask(ctx context.Context, taskID, reason string) error
	AddComment(ctx context.Context, taskID, text string) error
}

// TaskRecord is one task as seen by the in-memory tracker.
type TaskRecord struct {
	ID          string
	EpicID      string
	Description string
	Deps        []string
	Status      string // "open", "closed", "blocked"
	Result      string
	BlockReason string
	Comments    []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// InMemory is a local stand-in for the external bd tracker, used by
// default and in tests; it satisfies Tracker without requiring the
// external binary to be present.
type InMemory struct {
	mu    sync.Mutex
	clock Clock
	seq   int
	tasks map[string]*TaskRecord
}

// NewInMemory returns a Tracker backed by an in-process map.
func NewInMemory(clock Clock) *InMemory {
	if clock == nil {
		clock = time.Now
	}
	return &InMemory{clock: clock, tasks: make(map[string]*TaskRecord)}
}

func (m *InMemory) CreateTask(ctx context.Context, epicID, description string, deps []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("bd-%s-%d", epicID, m.seq)
	now := m.clock()
	m.tasks[id] = &TaskRecord{
		ID:          id,
		EpicID:      epicID,
		Description: description,
		Deps:        append([]string{}, deps...),
		Status:      "open",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (m *InMemory) CloseTask(ctx context.Context, taskID, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("tracker: unknown task %s", taskID)
	}
	t.Status = "closed"
	t.Result = result
	t.UpdatedAt = m.clock()
	return nil
}

func (m *InMemory) BlockTask(ctx context.Context, taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("tracker: unknown task %s", taskID)
	}
	t.Status = "blocked"
	t.BlockReason = reason
	t.UpdatedAt = m.clock()
	return nil
}

func (m *InMemory) AddComment(ctx context.Context, taskID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("tracker: unknown task %s", taskID)
	}
	t.Comments = append(t.Comments, text)
	t.UpdatedAt = m.clock()
	return nil
}

// Get returns a copy of the task record, for test assertions and
// diagnostics.
func (m *InMemory) Get(taskID string) (TaskRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return TaskRecord{}, false
	}
	return *t, true
}
